package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/models"
)

const lockStripes = 64

// Pebble is a Store backed by a pebble key-value database. Values are JSON
// documents; secondary indexes are plain keys with empty or id values.
//
// Key layout:
//
//	thread:{id}                         thread document
//	dm:pair:{low}:{high}                thread id, unique per pair
//	dm:user:{user}:{thread}             thread membership index
//	msg:{id}                            message document
//	msgidx:{c|d}/{target}/{nanos}:{id}  message id, ordered by creation
//	member:{channel|team}:{id}:{user}   membership record
type Pebble struct {
	db     *pebble.DB
	log    *zap.Logger
	locks  [lockStripes]sync.Mutex
	closed atomic.Bool
	now    func() time.Time
}

// OpenPebble opens (or creates) the database at path. opts may be nil.
func OpenPebble(path string, opts *pebble.Options, log *zap.Logger) (*Pebble, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		log.Error("pebble open failed", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	log.Info("pebble opened", zap.String("path", path))
	return &Pebble{db: db, log: log, now: time.Now}, nil
}

// Close flushes and closes the database.
func (s *Pebble) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.log.Info("pebble closed")
	return nil
}

func (s *Pebble) lock(key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	m := &s.locks[h.Sum32()%lockStripes]
	m.Lock()
	return m.Unlock
}

func (s *Pebble) check(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func esc(s string) string { return url.QueryEscape(s) }

func threadKey(id string) []byte { return []byte("thread:" + id) }

func pairKey(p models.Pair) []byte {
	return []byte("dm:pair:" + esc(string(p.Low)) + ":" + esc(string(p.High)))
}

func userThreadPrefix(user identity.ID) []byte {
	return []byte("dm:user:" + esc(string(user)) + ":")
}

func msgKey(id string) []byte { return []byte("msg:" + id) }

func msgIndexPrefix(t models.Target) []byte {
	if t.IsDirect() {
		return []byte("msgidx:d/" + esc(t.ThreadID) + "/")
	}
	return []byte("msgidx:c/" + esc(t.ChannelID) + "/")
}

// msgOrder sorts lexically in creation order.
func msgOrder(m models.Message) string {
	return fmt.Sprintf("%020d:%s", m.CreatedAt.UnixNano(), m.ID)
}

func msgIndexKey(m models.Message) []byte {
	return append(msgIndexPrefix(m.Target), msgOrder(m)...)
}

func memberKey(kind, id string, user identity.ID) []byte {
	return []byte("member:" + kind + ":" + esc(id) + ":" + esc(string(user)))
}

// upperBound returns the smallest key greater than every key with prefix.
func upperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (s *Pebble) getJSON(key []byte, v any) error {
	data, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(data, v)
}

func (s *Pebble) exists(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *Pebble) putJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.db.Set(key, data, pebble.Sync)
}

// FindThread implements Store.
func (s *Pebble) FindThread(ctx context.Context, pair models.Pair) (models.Thread, error) {
	if err := s.check(ctx); err != nil {
		return models.Thread{}, err
	}
	data, closer, err := s.db.Get(pairKey(pair))
	if errors.Is(err, pebble.ErrNotFound) {
		return models.Thread{}, ErrNotFound
	}
	if err != nil {
		return models.Thread{}, err
	}
	id := string(data)
	closer.Close()
	return s.GetThread(ctx, id)
}

// CreateThread implements Store.
func (s *Pebble) CreateThread(ctx context.Context, pair models.Pair) (models.Thread, error) {
	if err := s.check(ctx); err != nil {
		return models.Thread{}, err
	}
	pk := pairKey(pair)
	unlock := s.lock(string(pk))
	defer unlock()

	found, err := s.exists(pk)
	if err != nil {
		return models.Thread{}, err
	}
	if found {
		return models.Thread{}, ErrDuplicate
	}

	th := models.NewThread(uuid.NewString(), pair, s.now().UTC())
	data, err := json.Marshal(th)
	if err != nil {
		return models.Thread{}, err
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(threadKey(th.ID), data, nil)
	_ = b.Set(pk, []byte(th.ID), nil)
	_ = b.Set(append(userThreadPrefix(pair.Low), th.ID...), nil, nil)
	_ = b.Set(append(userThreadPrefix(pair.High), th.ID...), nil, nil)
	if err := b.Commit(pebble.Sync); err != nil {
		s.log.Error("create thread failed", zap.String("thread", th.ID), zap.Error(err))
		return models.Thread{}, err
	}
	s.log.Debug("thread created", zap.String("thread", th.ID),
		zap.String("low", string(pair.Low)), zap.String("high", string(pair.High)))
	return th, nil
}

// GetThread implements Store.
func (s *Pebble) GetThread(ctx context.Context, id string) (models.Thread, error) {
	if err := s.check(ctx); err != nil {
		return models.Thread{}, err
	}
	var th models.Thread
	if err := s.getJSON(threadKey(id), &th); err != nil {
		return models.Thread{}, err
	}
	return th, nil
}

// ListThreads implements Store. Threads are ordered by most recent activity.
func (s *Pebble) ListThreads(ctx context.Context, user identity.ID) ([]models.Thread, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	prefix := userThreadPrefix(user)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upperBound(prefix)})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var threads []models.Thread
	for iter.First(); iter.Valid(); iter.Next() {
		id := string(bytes.TrimPrefix(iter.Key(), prefix))
		var th models.Thread
		if err := s.getJSON(threadKey(id), &th); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		threads = append(threads, th)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].UpdatedAt.After(threads[j].UpdatedAt)
	})
	return threads, nil
}

func (s *Pebble) updateThread(ctx context.Context, id string, fn func(*models.Thread) error) (models.Thread, error) {
	if err := s.check(ctx); err != nil {
		return models.Thread{}, err
	}
	key := threadKey(id)
	unlock := s.lock(string(key))
	defer unlock()

	var th models.Thread
	if err := s.getJSON(key, &th); err != nil {
		return models.Thread{}, err
	}
	if err := fn(&th); err != nil {
		return models.Thread{}, err
	}
	if err := s.putJSON(key, th); err != nil {
		return models.Thread{}, err
	}
	return th, nil
}

// SetLastMessage implements Store. An older snapshot never replaces a newer one.
func (s *Pebble) SetLastMessage(ctx context.Context, threadID string, last models.LastMessage) error {
	_, err := s.updateThread(ctx, threadID, func(th *models.Thread) error {
		if th.LastMessage != nil && th.LastMessage.SentAt.After(last.SentAt) {
			return nil
		}
		lm := last
		th.LastMessage = &lm
		if last.SentAt.After(th.UpdatedAt) {
			th.UpdatedAt = last.SentAt
		}
		return nil
	})
	return err
}

// IncrementUnread implements Store.
func (s *Pebble) IncrementUnread(ctx context.Context, threadID string, user identity.ID) (int, error) {
	var count int
	_, err := s.updateThread(ctx, threadID, func(th *models.Thread) error {
		p, ok := th.Participant(user)
		if !ok {
			return fmt.Errorf("%w: %s is not in thread %s", ErrNotFound, user, threadID)
		}
		p.UnreadCount++
		count = p.UnreadCount
		return nil
	})
	return count, err
}

// ResetUnread implements Store.
func (s *Pebble) ResetUnread(ctx context.Context, threadID string, user identity.ID, at time.Time) (models.Thread, error) {
	return s.updateThread(ctx, threadID, func(th *models.Thread) error {
		p, ok := th.Participant(user)
		if !ok {
			return fmt.Errorf("%w: %s is not in thread %s", ErrNotFound, user, threadID)
		}
		p.UnreadCount = 0
		if at.After(p.LastReadAt) {
			p.LastReadAt = at
		}
		return nil
	})
}

// PersistMessage implements Store.
func (s *Pebble) PersistMessage(ctx context.Context, msg models.Message) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if msg.ID == "" {
		return errors.New("message id required")
	}
	key := msgKey(msg.ID)
	unlock := s.lock(string(key))
	defer unlock()

	found, err := s.exists(key)
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: message %s", ErrDuplicate, msg.ID)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Set(key, data, nil)
	_ = b.Set(msgIndexKey(msg), []byte(msg.ID), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		s.log.Error("persist message failed", zap.String("message", msg.ID), zap.Error(err))
		return err
	}
	return nil
}

// GetMessage implements Store.
func (s *Pebble) GetMessage(ctx context.Context, id string) (models.Message, error) {
	if err := s.check(ctx); err != nil {
		return models.Message{}, err
	}
	var m models.Message
	if err := s.getJSON(msgKey(id), &m); err != nil {
		return models.Message{}, err
	}
	return m, nil
}

// UpdateMessage implements Store. The target and creation time of a message
// are immutable, so the ordering index is left untouched.
func (s *Pebble) UpdateMessage(ctx context.Context, id string, fn func(*models.Message) error) (models.Message, error) {
	if err := s.check(ctx); err != nil {
		return models.Message{}, err
	}
	key := msgKey(id)
	unlock := s.lock(string(key))
	defer unlock()

	var m models.Message
	if err := s.getJSON(key, &m); err != nil {
		return models.Message{}, err
	}
	target, created := m.Target, m.CreatedAt
	if err := fn(&m); err != nil {
		return models.Message{}, err
	}
	m.ID, m.Target, m.CreatedAt = id, target, created
	if err := s.putJSON(key, m); err != nil {
		return models.Message{}, err
	}
	return m, nil
}

// ListMessages implements Store.
func (s *Pebble) ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if err := q.Target.Validate(); err != nil {
		return nil, err
	}
	prefix := msgIndexPrefix(q.Target)
	upper := upperBound(prefix)
	if q.Before != "" {
		cursor, err := s.GetMessage(ctx, q.Before)
		if err != nil {
			return nil, fmt.Errorf("cursor: %w", err)
		}
		if cursor.Target != q.Target {
			return nil, fmt.Errorf("cursor: %w", ErrNotFound)
		}
		upper = msgIndexKey(cursor)
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: prefix, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	limit := q.NormalizedLimit()
	out := make([]models.Message, 0, limit)
	for iter.Last(); iter.Valid() && len(out) < limit; iter.Prev() {
		var m models.Message
		if err := s.getJSON(msgKey(string(iter.Value())), &m); err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !q.matches(m) {
			continue
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	reverse(out)
	return out, nil
}

func reverse(msgs []models.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// AddChannelMember implements Store.
func (s *Pebble) AddChannelMember(ctx context.Context, channelID string, user identity.ID) error {
	return s.addMember(ctx, "channel", channelID, user)
}

// IsChannelMember implements Store.
func (s *Pebble) IsChannelMember(ctx context.Context, channelID string, user identity.ID) (bool, error) {
	return s.isMember(ctx, "channel", channelID, user)
}

// AddTeamMember implements Store.
func (s *Pebble) AddTeamMember(ctx context.Context, teamID string, user identity.ID) error {
	return s.addMember(ctx, "team", teamID, user)
}

// IsTeamMember implements Store.
func (s *Pebble) IsTeamMember(ctx context.Context, teamID string, user identity.ID) (bool, error) {
	return s.isMember(ctx, "team", teamID, user)
}

func (s *Pebble) addMember(ctx context.Context, kind, id string, user identity.ID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	return s.db.Set(memberKey(kind, id, user), nil, pebble.Sync)
}

func (s *Pebble) isMember(ctx context.Context, kind, id string, user identity.ID) (bool, error) {
	if err := s.check(ctx); err != nil {
		return false, err
	}
	return s.exists(memberKey(kind, id, user))
}
