package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/config"
	"github.com/Tyrowin/orbit/internal/hub"
	"github.com/Tyrowin/orbit/internal/presence"
	"github.com/Tyrowin/orbit/internal/room"
)

// ErrHubStopped is returned when registering a client after shutdown began.
var ErrHubStopped = errors.New("hub stopped")

// Hub owns the lifecycle of WebSocket clients: it registers them with the
// connection registry, runs their pumps and releases their rooms and
// presence when they go away.
type Hub struct {
	cfg      config.ServerConfig
	conns    *hub.Connections
	presence *presence.Coordinator
	router   *router
	log      *zap.Logger

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	mutex      sync.Mutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewHub creates a hub. Run must be started before clients register.
func NewHub(cfg config.ServerConfig, conns *hub.Connections, pc *presence.Coordinator, r *router, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:        cfg,
		conns:      conns,
		presence:   pc,
		router:     r,
		log:        log,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Connections returns the registry the hub registers clients with.
func (h *Hub) Connections() *hub.Connections { return h.conns }

// Run processes registrations until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("received nil client registration; skipping")
				continue
			}
			h.add(client)

		case client := <-h.unregister:
			h.remove(client)
		}
	}
}

// registerClient hands c to the Run loop.
func (h *Hub) registerClient(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return ErrHubStopped
	}
}

// unregisterClient hands c to the Run loop, or removes it directly once the
// loop has stopped.
func (h *Hub) unregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
		h.remove(c)
	}
}

// add registers c, joins it to its user room and starts its pumps. A
// rejected registration closes the connection.
func (h *Hub) add(c *Client) {
	if err := h.conns.Register(c.identity, c.id, c); err != nil {
		h.log.Error("client registration rejected", zap.String("conn", c.id), zap.Error(err))
		c.release()
		c.closeConnection()
		return
	}
	if _, err := h.conns.Rooms().Join(c.id, room.User(c.identity.ID.String())); err != nil {
		h.log.Error("join user room failed", zap.String("conn", c.id), zap.Error(err))
	}

	h.mutex.Lock()
	h.clients[c] = struct{}{}
	h.mutex.Unlock()

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		c.writePump()
	}()
	go func() {
		defer h.wg.Done()
		c.readPump()
	}()
}

// remove releases every room of c and emits offline transitions for the
// presence rooms it held.
func (h *Hub) remove(c *Client) {
	h.mutex.Lock()
	_, tracked := h.clients[c]
	delete(h.clients, c)
	h.mutex.Unlock()
	if !tracked {
		return
	}

	c.release()
	conn, rooms, ok := h.conns.Unregister(c.id)
	if !ok {
		return
	}
	if err := h.presence.Disconnected(context.Background(), conn.Identity.ID, rooms); err != nil {
		h.log.Warn("presence release failed", zap.String("conn", c.id), zap.Error(err))
	}
}

// shutdownClients closes every tracked socket. Their read pumps then
// unregister them through the usual path.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mutex.Unlock()

	for _, client := range clients {
		client.closeConnection()
	}
	h.log.Info("closed client connections", zap.Int("count", len(clients)))
}

// Shutdown closes every client and waits for their pumps to finish or for
// timeout to pass.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("initiating hub shutdown")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timeout reached, some client goroutines may still be running")
		return context.DeadlineExceeded
	}
}
