package hub

import (
	"errors"
	"sync"

	"github.com/Tyrowin/orbit/internal/fanout"
	"github.com/Tyrowin/orbit/internal/metrics"
	"github.com/Tyrowin/orbit/internal/room"
)

var (
	// ErrUnknownConnection is returned for operations on connections that are
	// not (or no longer) registered.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrDuplicateConnection is returned when a live connection id is registered again.
	ErrDuplicateConnection = errors.New("connection already registered")
)

// Rooms tracks which live connections belong to which rooms on this
// process. It keeps its own view of the live connections so a join can
// never race an unregister into a stale membership.
type Rooms struct {
	mu      sync.RWMutex
	live    map[string]fanout.Sink
	members map[room.Key]map[string]struct{}
	byConn  map[string]map[room.Key]struct{}
	metrics *metrics.Metrics
}

// NewRooms returns an empty registry.
func NewRooms(m *metrics.Metrics) *Rooms {
	return &Rooms{
		live:    make(map[string]fanout.Sink),
		members: make(map[room.Key]map[string]struct{}),
		byConn:  make(map[string]map[room.Key]struct{}),
		metrics: metrics.OrNop(m),
	}
}

func (r *Rooms) track(connID string, sink fanout.Sink) {
	r.mu.Lock()
	r.live[connID] = sink
	r.mu.Unlock()
}

// untrack forgets the connection and returns the rooms it was in.
func (r *Rooms) untrack(connID string) []room.Key {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, connID)
	joined := r.byConn[connID]
	delete(r.byConn, connID)
	keys := make([]room.Key, 0, len(joined))
	for key := range joined {
		keys = append(keys, key)
		r.removeMemberLocked(key, connID)
	}
	r.metrics.Memberships.Sub(float64(len(keys)))
	return keys
}

func (r *Rooms) removeMemberLocked(key room.Key, connID string) {
	set := r.members[key]
	delete(set, connID)
	if len(set) == 0 {
		delete(r.members, key)
	}
}

// Join adds connID to key. It reports whether the membership is new.
// Authorization is the caller's job.
func (r *Rooms) Join(connID string, key room.Key) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[connID]; !ok {
		return false, ErrUnknownConnection
	}
	joined := r.byConn[connID]
	if joined == nil {
		joined = make(map[room.Key]struct{})
		r.byConn[connID] = joined
	}
	if _, ok := joined[key]; ok {
		return false, nil
	}
	joined[key] = struct{}{}
	set := r.members[key]
	if set == nil {
		set = make(map[string]struct{})
		r.members[key] = set
	}
	set[connID] = struct{}{}
	r.metrics.Memberships.Inc()
	return true, nil
}

// Leave removes connID from key. It reports whether a membership existed.
func (r *Rooms) Leave(connID string, key room.Key) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	joined := r.byConn[connID]
	if _, ok := joined[key]; !ok {
		return false
	}
	delete(joined, key)
	r.removeMemberLocked(key, connID)
	r.metrics.Memberships.Dec()
	return true
}

// MembersOf returns the connection ids in key.
func (r *Rooms) MembersOf(key room.Key) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.members[key]))
	for id := range r.members[key] {
		ids = append(ids, id)
	}
	return ids
}

// IsMember reports whether connID is in key.
func (r *Rooms) IsMember(connID string, key room.Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byConn[connID][key]
	return ok
}

// Sinks implements fanout.Directory.
func (r *Rooms) Sinks(key room.Key) []fanout.Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sinks := make([]fanout.Sink, 0, len(r.members[key]))
	for id := range r.members[key] {
		if s, ok := r.live[id]; ok {
			sinks = append(sinks, s)
		}
	}
	return sinks
}
