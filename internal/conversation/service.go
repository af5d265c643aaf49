// Package conversation owns the consistency rules of direct message threads:
// one thread per pair of identities, the last-message snapshot and the
// per-participant unread counters.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/metrics"
	"github.com/Tyrowin/orbit/internal/models"
	"github.com/Tyrowin/orbit/internal/store"
)

// AttachmentPreview replaces empty content in the last-message snapshot.
const AttachmentPreview = "[Attachment]"

var (
	// ErrInvalidSelfThread is returned when both sides of a thread are the same identity.
	ErrInvalidSelfThread = errors.New("cannot open a direct message thread with yourself")
	// ErrNotParticipant is returned when an identity acts on a thread it is not part of.
	ErrNotParticipant = errors.New("not a participant of this thread")
)

// Service implements the thread consistency operations on top of a store.
type Service struct {
	store   store.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New returns a service backed by st.
func New(st store.Store, log *zap.Logger, m *metrics.Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, log: log, metrics: metrics.OrNop(m), now: time.Now}
}

// GetOrCreateThread returns the single thread between a and b, creating it
// when missing. Concurrent callers for the same pair, in either order, all
// receive the same thread.
func (s *Service) GetOrCreateThread(ctx context.Context, a, b identity.ID) (models.Thread, error) {
	pair, err := models.NewPair(a, b)
	if err != nil {
		return models.Thread{}, ErrInvalidSelfThread
	}

	th, err := s.store.FindThread(ctx, pair)
	if err == nil {
		return th, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return models.Thread{}, fmt.Errorf("find thread: %w", err)
	}

	th, err = s.store.CreateThread(ctx, pair)
	if err == nil {
		s.log.Info("dm thread created", zap.String("thread", th.ID))
		return th, nil
	}
	if !errors.Is(err, store.ErrDuplicate) {
		return models.Thread{}, fmt.Errorf("create thread: %w", err)
	}

	// Lost the creation race; the winner's thread is the canonical one.
	s.metrics.ThreadRaces.Inc()
	s.log.Info("dm thread creation race recovered",
		zap.String("low", pair.Low.String()), zap.String("high", pair.High.String()))
	th, err = s.store.FindThread(ctx, pair)
	if err != nil {
		return models.Thread{}, fmt.Errorf("find thread after race: %w", err)
	}
	return th, nil
}

// RecordMessage updates the thread after a message from sender was persisted:
// the last-message snapshot and the other participant's unread counter.
// It returns the recipient.
func (s *Service) RecordMessage(ctx context.Context, threadID, content string, sender identity.ID) (identity.ID, error) {
	th, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return "", fmt.Errorf("load thread: %w", err)
	}
	recipient, ok := th.Pair().Other(sender)
	if !ok {
		return "", ErrNotParticipant
	}
	if content == "" {
		content = AttachmentPreview
	}
	last := models.LastMessage{Content: content, SenderID: sender, SentAt: s.now().UTC()}
	if err := s.store.SetLastMessage(ctx, threadID, last); err != nil {
		return "", fmt.Errorf("set last message: %w", err)
	}
	if _, err := s.store.IncrementUnread(ctx, threadID, recipient); err != nil {
		return "", fmt.Errorf("increment unread: %w", err)
	}
	return recipient, nil
}

// MarkRead resets user's unread counter and advances lastReadAt. It is
// idempotent.
func (s *Service) MarkRead(ctx context.Context, threadID string, user identity.ID) (models.Thread, error) {
	if _, err := s.Thread(ctx, threadID, user); err != nil {
		return models.Thread{}, err
	}
	th, err := s.store.ResetUnread(ctx, threadID, user, s.now().UTC())
	if err != nil {
		return models.Thread{}, fmt.Errorf("reset unread: %w", err)
	}
	return th, nil
}

// Thread returns the thread if viewer participates in it.
func (s *Service) Thread(ctx context.Context, threadID string, viewer identity.ID) (models.Thread, error) {
	th, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return models.Thread{}, err
	}
	if !th.Pair().Contains(viewer) {
		return models.Thread{}, ErrNotParticipant
	}
	return th, nil
}

// IsParticipant reports whether user participates in threadID.
func (s *Service) IsParticipant(ctx context.Context, threadID string, user identity.ID) (bool, error) {
	_, err := s.Thread(ctx, threadID, user)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotParticipant), errors.Is(err, store.ErrNotFound):
		return false, nil
	}
	return false, err
}

// Threads lists user's threads, most recently active first.
func (s *Service) Threads(ctx context.Context, user identity.ID) ([]models.Summary, error) {
	threads, err := s.store.ListThreads(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	out := make([]models.Summary, 0, len(threads))
	for _, th := range threads {
		if sum, ok := th.SummaryFor(user); ok {
			out = append(out, sum)
		}
	}
	return out, nil
}
