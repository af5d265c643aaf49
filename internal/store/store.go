// Package store persists direct message threads, messages and membership
// records. Read-modify-write operations are atomic per entity so callers never
// need their own locks.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/models"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a unique constraint would be violated.
	ErrDuplicate = errors.New("duplicate")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store closed")
)

// Message list limits.
const (
	DefaultListLimit = 30
	MaxListLimit     = 50
)

// MessageQuery selects a page of messages addressed to one target.
type MessageQuery struct {
	Target models.Target
	// Before is a message id cursor; only older messages are returned.
	Before       string
	Limit        int
	Type         models.MessageType
	TaskStatuses []models.TaskStatus
}

// NormalizedLimit clamps the limit into [1, MaxListLimit].
func (q MessageQuery) NormalizedLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultListLimit
	case q.Limit > MaxListLimit:
		return MaxListLimit
	}
	return q.Limit
}

// matches applies the type and task status filters of q to m.
func (q MessageQuery) matches(m models.Message) bool {
	if q.Type != "" && m.Type != q.Type {
		return false
	}
	if len(q.TaskStatuses) == 0 || q.Type != models.TypeTask {
		return true
	}
	if m.TaskData == nil {
		return false
	}
	for _, st := range q.TaskStatuses {
		if m.TaskData.Status == st {
			return true
		}
	}
	return false
}

// Store is the persistence contract used by the conversation service, the
// message dispatcher and join authorization.
type Store interface {
	FindThread(ctx context.Context, pair models.Pair) (models.Thread, error)
	// CreateThread fails with ErrDuplicate if a thread for pair exists.
	CreateThread(ctx context.Context, pair models.Pair) (models.Thread, error)
	GetThread(ctx context.Context, id string) (models.Thread, error)
	ListThreads(ctx context.Context, user identity.ID) ([]models.Thread, error)
	SetLastMessage(ctx context.Context, threadID string, last models.LastMessage) error
	// IncrementUnread atomically adds one to user's unread counter and
	// returns the new value.
	IncrementUnread(ctx context.Context, threadID string, user identity.ID) (int, error)
	ResetUnread(ctx context.Context, threadID string, user identity.ID, at time.Time) (models.Thread, error)

	PersistMessage(ctx context.Context, msg models.Message) error
	GetMessage(ctx context.Context, id string) (models.Message, error)
	// UpdateMessage loads the message, applies fn and writes the result
	// atomically. An error from fn aborts the write.
	UpdateMessage(ctx context.Context, id string, fn func(*models.Message) error) (models.Message, error)
	// ListMessages returns the newest matching messages, oldest first.
	ListMessages(ctx context.Context, q MessageQuery) ([]models.Message, error)

	AddChannelMember(ctx context.Context, channelID string, user identity.ID) error
	IsChannelMember(ctx context.Context, channelID string, user identity.ID) (bool, error)
	AddTeamMember(ctx context.Context, teamID string, user identity.ID) error
	IsTeamMember(ctx context.Context, teamID string, user identity.ID) (bool, error)

	Close() error
}
