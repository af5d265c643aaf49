// Package models holds the durable chat documents exchanged between the store,
// the consistency service and the dispatcher, together with their validation
// rules.
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/room"
)

// MessageType enumerates the supported message payloads.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeFile  MessageType = "file"
	TypeTask  MessageType = "task"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeFile, TypeTask:
		return true
	}
	return false
}

// TaskPriority is the urgency of a task message.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// TaskStatus is the progress of a task message.
type TaskStatus string

const (
	StatusTodo       TaskStatus = "todo"
	StatusInProgress TaskStatus = "in-progress"
	StatusDone       TaskStatus = "done"
)

var (
	// ErrInvalidTarget is returned unless exactly one of channel and thread is set.
	ErrInvalidTarget = errors.New("message must belong to exactly one of a channel or a direct message thread")
	// ErrInvalidTaskMessage is returned for task messages without a title or assignees.
	ErrInvalidTaskMessage = errors.New("invalid task message")
	// ErrInvalidMessageType is returned for unknown message types.
	ErrInvalidMessageType = errors.New("invalid message type")
)

// Target is the exclusive destination of a message.
type Target struct {
	ChannelID string `json:"channelId,omitempty"`
	ThreadID  string `json:"directMessageId,omitempty"`
}

// ChannelTarget addresses a group channel.
func ChannelTarget(id string) Target { return Target{ChannelID: id} }

// ThreadTarget addresses a direct message thread.
func ThreadTarget(id string) Target { return Target{ThreadID: id} }

// Validate enforces the exclusive-or rule.
func (t Target) Validate() error {
	if (t.ChannelID == "") == (t.ThreadID == "") {
		return ErrInvalidTarget
	}
	return nil
}

// IsDirect reports whether the target is a direct message thread.
func (t Target) IsDirect() bool { return t.ThreadID != "" }

// Room returns the fan-out room of the target. Callers validate first.
func (t Target) Room() room.Key {
	if t.IsDirect() {
		return room.Direct(t.ThreadID)
	}
	return room.Channel(t.ChannelID)
}

// Attachment describes an uploaded file referenced by a message.
type Attachment struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Type string `json:"type"`
	Size int64  `json:"size"`
}

// Reaction is one emoji placed by one identity.
type Reaction struct {
	Emoji     string      `json:"emoji"`
	UserID    identity.ID `json:"userId"`
	CreatedAt time.Time   `json:"createdAt"`
}

// TaskData carries the task-specific fields of a task message.
type TaskData struct {
	Title       string        `json:"title"`
	Description string        `json:"description,omitempty"`
	Assignees   []identity.ID `json:"assignees"`
	DueDate     *time.Time    `json:"dueDate,omitempty"`
	Priority    TaskPriority  `json:"priority"`
	Status      TaskStatus    `json:"status"`
}

// Normalize applies defaults and rejects incomplete tasks.
func (t *TaskData) Normalize() error {
	if t == nil {
		return fmt.Errorf("%w: task data missing", ErrInvalidTaskMessage)
	}
	t.Title = strings.TrimSpace(t.Title)
	if t.Title == "" {
		return fmt.Errorf("%w: title required", ErrInvalidTaskMessage)
	}
	if len(t.Assignees) == 0 {
		return fmt.Errorf("%w: at least one assignee required", ErrInvalidTaskMessage)
	}
	switch t.Priority {
	case "":
		t.Priority = PriorityMedium
	case PriorityLow, PriorityMedium, PriorityHigh:
	default:
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidTaskMessage, t.Priority)
	}
	switch t.Status {
	case "":
		t.Status = StatusTodo
	case StatusTodo, StatusInProgress, StatusDone:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTaskMessage, t.Status)
	}
	return nil
}

// Message is the durable chat message document.
type Message struct {
	ID          string       `json:"id"`
	Target                   // exactly one of channel or thread
	SenderID    identity.ID  `json:"senderId"`
	Content     string       `json:"content"`
	Type        MessageType  `json:"type"`
	Attachments []Attachment `json:"attachments,omitempty"`
	TaskData    *TaskData    `json:"taskData,omitempty"`
	ReplyTo     string       `json:"replyTo,omitempty"`
	IsDeleted   bool         `json:"isDeleted"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`
	Reactions   []Reaction   `json:"reactions"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// Validate checks the invariants every stored message must satisfy and
// applies defaults for the message type and task fields.
func (m *Message) Validate() error {
	if err := m.Target.Validate(); err != nil {
		return err
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMessageType, m.Type)
	}
	if m.Type == TypeTask {
		return m.TaskData.Normalize()
	}
	m.TaskData = nil
	return nil
}

// ToggleReaction removes the (user, emoji) reaction when present and appends
// it otherwise. It reports whether the reaction was added.
func (m *Message) ToggleReaction(user identity.ID, emoji string, at time.Time) bool {
	for i, r := range m.Reactions {
		if r.UserID == user && r.Emoji == emoji {
			m.Reactions = append(m.Reactions[:i], m.Reactions[i+1:]...)
			return false
		}
	}
	m.Reactions = append(m.Reactions, Reaction{Emoji: emoji, UserID: user, CreatedAt: at})
	return true
}

// SoftDelete clears the payload but keeps the row for thread continuity.
func (m *Message) SoftDelete(at time.Time) {
	m.IsDeleted = true
	m.Content = ""
	m.Attachments = nil
	m.UpdatedAt = at
}
