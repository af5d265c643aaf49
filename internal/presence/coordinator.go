// Package presence derives online/offline state from room memberships.
//
// A user is online in a presence room while at least one of their
// connections on this process is joined to it. Only the 0→1 and 1→0
// transitions are published, so a second tab or device never produces a
// duplicate online event and closing one of two tabs never produces an
// offline event.
package presence

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/fanout"
	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/metrics"
	"github.com/Tyrowin/orbit/internal/room"
)

// Event is the name of presence transition events.
const Event = "presence:update"

// Status is the presence state carried by an Update.
type Status string

const (
	Online  Status = "online"
	Offline Status = "offline"
)

// StateEvent is sent to a connection that joins a presence room. It lists
// the users this process already counts as online there.
const StateEvent = "presence:state"

// State is the payload of StateEvent.
type State struct {
	TeamID string        `json:"teamId"`
	Online []identity.ID `json:"online"`
}

// Snapshot returns the State of key.
func (c *Coordinator) Snapshot(key room.Key) State {
	return State{TeamID: key.ID(), Online: c.Online(key)}
}

// Update is the payload of a presence event.
type Update struct {
	UserID identity.ID `json:"userId"`
	Status Status      `json:"status"`
}

type countKey struct {
	user identity.ID
	room room.Key
}

const keyStripes = 64

// Coordinator keeps per-process reference counts per (user, presence room).
type Coordinator struct {
	pub     fanout.Publisher
	log     *zap.Logger
	metrics *metrics.Metrics

	// stripes serialize transitions of one key so its online and offline
	// events are published in the order the counts changed.
	stripes [keyStripes]sync.Mutex

	mu     sync.RWMutex
	counts map[countKey]int
}

// New returns a coordinator publishing through pub.
func New(pub fanout.Publisher, log *zap.Logger, m *metrics.Metrics) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		pub:     pub,
		log:     log,
		metrics: metrics.OrNop(m),
		counts:  make(map[countKey]int),
	}
}

func (c *Coordinator) stripe(k countKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(k.user))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(k.room.String()))
	return &c.stripes[h.Sum32()%keyStripes]
}

// Join counts a new membership of connID in key. Call it only when the room
// registry reports the membership as new. It reports whether the user came
// online; the online event is not echoed to connID.
func (c *Coordinator) Join(ctx context.Context, user identity.ID, connID string, key room.Key) (bool, error) {
	k := countKey{user: user, room: key}
	mu := c.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	c.counts[k]++
	n := c.counts[k]
	c.mu.Unlock()
	if n != 1 {
		return false, nil
	}
	return true, c.publish(ctx, key, Update{UserID: user, Status: Online}, fanout.Except(connID))
}

// Leave releases one membership. It reports whether the user went offline.
// Extra calls for a key with no memberships are ignored.
func (c *Coordinator) Leave(ctx context.Context, user identity.ID, key room.Key) (bool, error) {
	k := countKey{user: user, room: key}
	mu := c.stripe(k)
	mu.Lock()
	defer mu.Unlock()

	c.mu.Lock()
	n, ok := c.counts[k]
	if !ok {
		c.mu.Unlock()
		return false, nil
	}
	n--
	if n <= 0 {
		delete(c.counts, k)
	} else {
		c.counts[k] = n
	}
	c.mu.Unlock()
	if n > 0 {
		return false, nil
	}
	return true, c.publish(ctx, key, Update{UserID: user, Status: Offline})
}

// Disconnected releases the presence memberships among rooms, which are the
// rooms a closed connection belonged to.
func (c *Coordinator) Disconnected(ctx context.Context, user identity.ID, rooms []room.Key) error {
	var errs []error
	for _, key := range rooms {
		if key.Kind() != room.KindTeamPresence {
			continue
		}
		if _, err := c.Leave(ctx, user, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) publish(ctx context.Context, key room.Key, u Update, opts ...fanout.PublishOption) error {
	c.metrics.PresenceChanges.WithLabelValues(string(u.Status)).Inc()
	c.log.Debug("presence transition",
		zap.String("user", u.UserID.String()), zap.String("room", key.String()), zap.String("status", string(u.Status)))
	return c.pub.Publish(ctx, key, Event, u, opts...)
}

// Count returns the number of memberships user holds in key on this process.
func (c *Coordinator) Count(user identity.ID, key room.Key) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counts[countKey{user: user, room: key}]
}

// Online returns the users present in key on this process, sorted.
func (c *Coordinator) Online(key room.Key) []identity.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	users := []identity.ID{}
	for k := range c.counts {
		if k.room == key {
			users = append(users, k.user)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}
