// Package hub keeps the per-process registries of live connections and their
// room memberships.
package hub

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/fanout"
	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/metrics"
	"github.com/Tyrowin/orbit/internal/room"
)

// Connection is one registered transport session.
type Connection struct {
	ID          string
	Identity    identity.Identity
	Sink        fanout.Sink
	ConnectedAt time.Time
}

// Connections is the registry of live connections. Unregister removes a
// connection together with all of its room memberships.
type Connections struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	byUser  map[identity.ID]map[string]struct{}
	rooms   *Rooms
	log     *zap.Logger
	metrics *metrics.Metrics
}

// NewConnections returns a registry bound to rooms.
func NewConnections(rooms *Rooms, log *zap.Logger, m *metrics.Metrics) *Connections {
	if log == nil {
		log = zap.NewNop()
	}
	return &Connections{
		conns:   make(map[string]*Connection),
		byUser:  make(map[identity.ID]map[string]struct{}),
		rooms:   rooms,
		log:     log,
		metrics: metrics.OrNop(m),
	}
}

// Rooms returns the room registry bound to c.
func (c *Connections) Rooms() *Rooms { return c.rooms }

// Register records a new live connection.
func (c *Connections) Register(id identity.Identity, connID string, sink fanout.Sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.conns[connID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, connID)
	}
	c.conns[connID] = &Connection{ID: connID, Identity: id, Sink: sink, ConnectedAt: time.Now()}
	set := c.byUser[id.ID]
	if set == nil {
		set = make(map[string]struct{})
		c.byUser[id.ID] = set
	}
	set[connID] = struct{}{}
	c.rooms.track(connID, sink)

	c.metrics.Connections.Inc()
	c.log.Info("connection registered",
		zap.String("conn", connID), zap.String("user", id.ID.String()), zap.Int("total", len(c.conns)))
	return nil
}

// Unregister removes the connection and every membership it held. It returns
// the removed connection and its rooms; ok is false for unknown ids.
func (c *Connections) Unregister(connID string) (Connection, []room.Key, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.conns[connID]
	if !ok {
		return Connection{}, nil, false
	}
	delete(c.conns, connID)
	if set := c.byUser[conn.Identity.ID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(c.byUser, conn.Identity.ID)
		}
	}
	rooms := c.rooms.untrack(connID)

	c.metrics.Connections.Dec()
	c.log.Info("connection unregistered",
		zap.String("conn", connID), zap.String("user", conn.Identity.ID.String()),
		zap.Int("rooms", len(rooms)), zap.Int("total", len(c.conns)))
	return *conn, rooms, true
}

// Get returns the connection with connID.
func (c *Connections) Get(connID string) (Connection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conn, ok := c.conns[connID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// ConnectionsFor returns the live connection ids of user on this process.
func (c *Connections) ConnectionsFor(user identity.ID) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byUser[user]))
	for id := range c.byUser[user] {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live connections.
func (c *Connections) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

