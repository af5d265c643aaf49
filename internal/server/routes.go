package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Tyrowin/orbit/internal/logging"
	"github.com/Tyrowin/orbit/internal/metrics"
)

// Routes returns the HTTP handler for every endpoint of the server.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(logging.Middleware(s.log))

	r.HandleFunc("/", HealthHandler).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.HealthzHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.WebSocketHandler)
	if s.cfg.Server.TestPage {
		r.HandleFunc("/test", s.TestPageHandler).Methods(http.MethodGet)
	}
	if s.cfg.Metrics.Enabled {
		r.Handle(s.cfg.Metrics.Path, metrics.Handler(s.deps.Gatherer)).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(traceRequests, s.authenticate)

	api.HandleFunc("/dms", s.openDM).Methods(http.MethodPost)
	api.HandleFunc("/dms", s.listDMs).Methods(http.MethodGet)
	api.HandleFunc("/dms/{id}", s.getDM).Methods(http.MethodGet)
	api.HandleFunc("/dms/{id}/messages", s.listDMMessages).Methods(http.MethodGet)
	api.HandleFunc("/dms/{id}/messages", s.sendDMMessage).Methods(http.MethodPost)
	api.HandleFunc("/dms/{id}/read", s.markDMRead).Methods(http.MethodPost)

	api.HandleFunc("/channels/{id}/messages", s.listChannelMessages).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/messages", s.sendChannelMessage).Methods(http.MethodPost)

	api.HandleFunc("/messages/{id}", s.editMessage).Methods(http.MethodPatch, http.MethodPut)
	api.HandleFunc("/messages/{id}", s.deleteMessage).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}/reactions", s.toggleReaction).Methods(http.MethodPost)

	admin := api.NewRoute().Subrouter()
	admin.Use(s.requireAdmin)
	admin.HandleFunc("/teams/{id}/members/{userId}", s.addTeamMember).Methods(http.MethodPut)
	admin.HandleFunc("/channels/{id}/members/{userId}", s.addChannelMember).Methods(http.MethodPut)

	return r
}
