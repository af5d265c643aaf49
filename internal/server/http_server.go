package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/config"
	"github.com/Tyrowin/orbit/internal/conversation"
	"github.com/Tyrowin/orbit/internal/fanout"
	"github.com/Tyrowin/orbit/internal/hub"
	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/message"
	"github.com/Tyrowin/orbit/internal/metrics"
	"github.com/Tyrowin/orbit/internal/presence"
	"github.com/Tyrowin/orbit/internal/store"
)

// BusStatus reports the state of the cross-process fan-out.
type BusStatus interface {
	NodeID() string
	Degraded() bool
}

// Deps are the services the transport layer is built on.
type Deps struct {
	Connections *hub.Connections
	Presence    *presence.Coordinator
	Publisher   fanout.Publisher
	Bus         BusStatus
	Dispatcher  *message.Dispatcher
	Threads     *conversation.Service
	Store       store.Store
	Verifier    identity.Verifier
	// Authorizer defaults to a StoreAuthorizer over Store and Threads.
	Authorizer Authorizer
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
	Log        *zap.Logger
}

// Server is the HTTP and WebSocket front of the realtime layer.
type Server struct {
	cfg      config.Config
	deps     Deps
	hub      *Hub
	origins  *originPolicy
	upgrader websocket.Upgrader
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New builds a server over deps. Start must be called before serving.
func New(cfg config.Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	if deps.Authorizer == nil {
		deps.Authorizer = NewStoreAuthorizer(deps.Store, deps.Threads)
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		origins: newOriginPolicy(cfg.Server.AllowedOrigins, log),
		metrics: metrics.OrNop(deps.Metrics),
		log:     log,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.allows,
	}
	r := newRouter(deps.Connections.Rooms(), deps.Presence, deps.Publisher, deps.Authorizer, log)
	s.hub = NewHub(cfg.Server, deps.Connections, deps.Presence, r, log)
	return s
}

// Hub returns the client lifecycle hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start runs the hub loop in the background.
func (s *Server) Start() {
	go s.hub.Run()
	s.log.Info("hub started and ready to manage websocket connections")
}

// Shutdown closes every WebSocket client.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.hub.Shutdown(timeout)
}

// CreateServer creates an HTTP server for handler with the configured
// timeouts.
func CreateServer(cfg config.ServerConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       cfg.ReadTimeout.Std(),
	}
}

// ShutdownServer gracefully shuts down the HTTP server, waiting at most
// timeout for active requests.
func ShutdownServer(server *http.Server, timeout time.Duration, log *zap.Logger) error {
	log.Info("shutting down http server")
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
		return err
	}
	log.Info("http server shutdown completed")
	return nil
}
