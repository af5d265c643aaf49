// Package message persists chat messages and fans every change out to the
// room the message belongs to.
package message

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/fanout"
	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/models"
	"github.com/Tyrowin/orbit/internal/room"
	"github.com/Tyrowin/orbit/internal/store"
)

// Outbound event names.
const (
	EventNew       = "message:new"
	EventUpdated   = "message:updated"
	EventDMMessage = "dm:new_message"
)

var (
	// ErrNotAuthor is returned when someone other than the sender mutates a message.
	ErrNotAuthor = errors.New("only the sender may change this message")
	// ErrAlreadyDeleted is returned when editing or reacting to a deleted message.
	ErrAlreadyDeleted = errors.New("message was deleted")
	// ErrNotChannelMember is returned when the sender is not a member of the channel.
	ErrNotChannelMember = errors.New("not a member of this channel")
	// ErrInvalidReply is returned when replyTo names a message in another room.
	ErrInvalidReply = errors.New("reply must reference a message in the same conversation")
	// ErrEmptyMessage is returned for messages without content or attachments.
	ErrEmptyMessage = errors.New("message has no content")
	// ErrInvalidReaction is returned for an empty emoji.
	ErrInvalidReaction = errors.New("reaction emoji required")
)

// Threads is the part of the conversation service the dispatcher relies on.
type Threads interface {
	Thread(ctx context.Context, threadID string, viewer identity.ID) (models.Thread, error)
	RecordMessage(ctx context.Context, threadID, content string, sender identity.ID) (identity.ID, error)
}

// DMNotification is the payload of EventDMMessage.
type DMNotification struct {
	DMID    string         `json:"dmId"`
	Message models.Message `json:"message"`
}

// SendRequest describes a new message.
type SendRequest struct {
	Target      models.Target
	Sender      identity.ID
	Content     string
	Type        models.MessageType
	Attachments []models.Attachment
	TaskData    *models.TaskData
	ReplyTo     string
}

// ListQuery selects a page of messages visible to Viewer.
type ListQuery struct {
	Target       models.Target
	Viewer       identity.ID
	Before       string
	Limit        int
	Type         models.MessageType
	TaskStatuses []models.TaskStatus
}

const updateStripes = 64

// Dispatcher runs "persist, then fan out" for every message operation.
type Dispatcher struct {
	store   store.Store
	threads Threads
	pub     fanout.Publisher
	log     *zap.Logger
	now     func() time.Time

	// updates serialize write-then-publish per message id, so
	// message:updated events leave in the order the writes committed.
	updates [updateStripes]sync.Mutex
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(st store.Store, threads Threads, pub fanout.Publisher, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{store: st, threads: threads, pub: pub, log: log, now: time.Now}
}

// roomOf validates the target and returns its fan-out room.
func roomOf(t models.Target) (room.Key, error) {
	if err := t.Validate(); err != nil {
		return room.Key{}, err
	}
	if t.IsDirect() {
		return room.New(room.KindDirect, t.ThreadID)
	}
	return room.New(room.KindChannel, t.ChannelID)
}

// authorize checks that user may read and write in t. For threads it returns
// the thread so callers can resolve the other participant.
func (d *Dispatcher) authorize(ctx context.Context, t models.Target, user identity.ID) (models.Thread, error) {
	if t.IsDirect() {
		return d.threads.Thread(ctx, t.ThreadID, user)
	}
	ok, err := d.store.IsChannelMember(ctx, t.ChannelID, user)
	if err != nil {
		return models.Thread{}, err
	}
	if !ok {
		return models.Thread{}, ErrNotChannelMember
	}
	return models.Thread{}, nil
}

// Send validates, persists and publishes a new message. For direct messages
// the thread snapshot and the recipient's unread counter are updated and the
// recipient is notified on their personal room.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (models.Message, error) {
	now := d.now().UTC()
	msg := models.Message{
		ID:          uuid.NewString(),
		Target:      req.Target,
		SenderID:    req.Sender,
		Content:     req.Content,
		Type:        req.Type,
		Attachments: req.Attachments,
		TaskData:    req.TaskData,
		ReplyTo:     req.ReplyTo,
		Reactions:   []models.Reaction{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := msg.Validate(); err != nil {
		return models.Message{}, err
	}
	if msg.Type != models.TypeTask && strings.TrimSpace(msg.Content) == "" && len(msg.Attachments) == 0 {
		return models.Message{}, ErrEmptyMessage
	}
	key, err := roomOf(msg.Target)
	if err != nil {
		return models.Message{}, err
	}
	thread, err := d.authorize(ctx, msg.Target, req.Sender)
	if err != nil {
		return models.Message{}, err
	}
	if msg.ReplyTo != "" {
		parent, err := d.store.GetMessage(ctx, msg.ReplyTo)
		if errors.Is(err, store.ErrNotFound) {
			return models.Message{}, ErrInvalidReply
		}
		if err != nil {
			return models.Message{}, err
		}
		if parent.Target != msg.Target {
			return models.Message{}, ErrInvalidReply
		}
	}

	if err := d.store.PersistMessage(ctx, msg); err != nil {
		return models.Message{}, fmt.Errorf("persist message: %w", err)
	}

	if msg.IsDirect() {
		recipient, err := d.threads.RecordMessage(ctx, msg.ThreadID, msg.Content, msg.SenderID)
		if err != nil {
			// The message is already stored; deliver it anyway.
			d.log.Error("record dm message failed",
				zap.String("thread", msg.ThreadID), zap.String("message", msg.ID), zap.Error(err))
			recipient, _ = thread.Pair().Other(msg.SenderID)
		}
		d.publish(ctx, key, EventNew, msg)
		if recipient != "" {
			d.publish(ctx, room.User(recipient.String()), EventDMMessage, DMNotification{DMID: msg.ThreadID, Message: msg})
		}
		return msg, nil
	}

	d.publish(ctx, key, EventNew, msg)
	return msg, nil
}

func (d *Dispatcher) publish(ctx context.Context, key room.Key, event string, payload any) {
	if err := d.pub.Publish(ctx, key, event, payload); err != nil {
		d.log.Warn("publish failed", zap.String("room", key.String()), zap.String("event", event), zap.Error(err))
	}
}

func (d *Dispatcher) updateLock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &d.updates[h.Sum32()%updateStripes]
}

func (d *Dispatcher) update(ctx context.Context, id string, fn func(*models.Message) (bool, error)) (models.Message, error) {
	mu := d.updateLock(id)
	mu.Lock()
	defer mu.Unlock()

	changed := false
	msg, err := d.store.UpdateMessage(ctx, id, func(m *models.Message) error {
		var err error
		changed, err = fn(m)
		return err
	})
	if err != nil {
		return models.Message{}, err
	}
	if changed {
		if key, err := roomOf(msg.Target); err == nil {
			d.publish(ctx, key, EventUpdated, msg)
		}
	}
	return msg, nil
}

// Edit replaces the content of a message. Only the sender may edit, and
// deleted messages stay deleted.
func (d *Dispatcher) Edit(ctx context.Context, id string, requester identity.ID, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	return d.update(ctx, id, func(m *models.Message) (bool, error) {
		if m.SenderID != requester {
			return false, ErrNotAuthor
		}
		if m.IsDeleted {
			return false, ErrAlreadyDeleted
		}
		now := d.now().UTC()
		m.Content = content
		m.EditedAt = &now
		m.UpdatedAt = now
		return true, nil
	})
}

// SoftDelete clears a message's content and attachments and flags it as
// deleted. Deleting twice is a no-op.
func (d *Dispatcher) SoftDelete(ctx context.Context, id string, requester identity.ID) (models.Message, error) {
	return d.update(ctx, id, func(m *models.Message) (bool, error) {
		if m.SenderID != requester {
			return false, ErrNotAuthor
		}
		if m.IsDeleted {
			return false, nil
		}
		m.SoftDelete(d.now().UTC())
		return true, nil
	})
}

// ToggleReaction adds the (user, emoji) reaction, or removes it when present.
func (d *Dispatcher) ToggleReaction(ctx context.Context, id string, user identity.ID, emoji string) (models.Message, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return models.Message{}, ErrInvalidReaction
	}
	current, err := d.store.GetMessage(ctx, id)
	if err != nil {
		return models.Message{}, err
	}
	if _, err := d.authorize(ctx, current.Target, user); err != nil {
		return models.Message{}, err
	}
	return d.update(ctx, id, func(m *models.Message) (bool, error) {
		if m.IsDeleted {
			return false, ErrAlreadyDeleted
		}
		now := d.now().UTC()
		m.ToggleReaction(user, emoji, now)
		m.UpdatedAt = now
		return true, nil
	})
}

// List returns a page of messages, oldest first.
func (d *Dispatcher) List(ctx context.Context, q ListQuery) ([]models.Message, error) {
	if _, err := roomOf(q.Target); err != nil {
		return nil, err
	}
	if _, err := d.authorize(ctx, q.Target, q.Viewer); err != nil {
		return nil, err
	}
	return d.store.ListMessages(ctx, store.MessageQuery{
		Target:       q.Target,
		Before:       q.Before,
		Limit:        q.Limit,
		Type:         q.Type,
		TaskStatuses: q.TaskStatuses,
	})
}
