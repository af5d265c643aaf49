package models

import (
	"errors"
	"time"

	"github.com/Tyrowin/orbit/internal/identity"
)

// ErrSamePair is returned when both sides of a pair are the same identity.
var ErrSamePair = errors.New("pair needs two distinct identities")

// Pair is an unordered pair of identities stored in ascending order, so that
// (a, b) and (b, a) resolve to the same value.
type Pair struct {
	Low  identity.ID `json:"low"`
	High identity.ID `json:"high"`
}

// NewPair canonicalizes a and b.
func NewPair(a, b identity.ID) (Pair, error) {
	if a == b {
		return Pair{}, ErrSamePair
	}
	if b < a {
		a, b = b, a
	}
	return Pair{Low: a, High: b}, nil
}

// Contains reports whether id is one side of the pair.
func (p Pair) Contains(id identity.ID) bool {
	return p.Low == id || p.High == id
}

// Other returns the side of the pair that is not id.
func (p Pair) Other(id identity.ID) (identity.ID, bool) {
	switch id {
	case p.Low:
		return p.High, true
	case p.High:
		return p.Low, true
	}
	return "", false
}

// Participant is one side of a direct message thread.
type Participant struct {
	UserID      identity.ID `json:"userId"`
	LastReadAt  time.Time   `json:"lastReadAt"`
	UnreadCount int         `json:"unreadCount"`
}

// LastMessage is the denormalized preview of the newest message.
type LastMessage struct {
	Content  string      `json:"content"`
	SenderID identity.ID `json:"senderId"`
	SentAt   time.Time   `json:"sentAt"`
}

// Thread is a direct message conversation between exactly two identities.
// Participants are kept in ascending identity order.
type Thread struct {
	ID           string         `json:"id"`
	Participants [2]Participant `json:"participants"`
	LastMessage  *LastMessage   `json:"lastMessage,omitempty"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// NewThread returns a fresh thread for pair.
func NewThread(id string, pair Pair, now time.Time) Thread {
	return Thread{
		ID: id,
		Participants: [2]Participant{
			{UserID: pair.Low, LastReadAt: now},
			{UserID: pair.High, LastReadAt: now},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Pair returns the canonical pair of the thread.
func (t Thread) Pair() Pair {
	return Pair{Low: t.Participants[0].UserID, High: t.Participants[1].UserID}
}

// Participant returns the record of id.
func (t *Thread) Participant(id identity.ID) (*Participant, bool) {
	for i := range t.Participants {
		if t.Participants[i].UserID == id {
			return &t.Participants[i], true
		}
	}
	return nil, false
}

// Summary is a thread as seen by one of its participants.
type Summary struct {
	ID          string       `json:"id"`
	OtherUser   identity.ID  `json:"otherUser"`
	LastMessage *LastMessage `json:"lastMessage,omitempty"`
	UnreadCount int          `json:"unreadCount"`
	LastReadAt  time.Time    `json:"lastReadAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
}

// SummaryFor projects t for viewer. ok is false if viewer is not a participant.
func (t Thread) SummaryFor(viewer identity.ID) (Summary, bool) {
	other, ok := t.Pair().Other(viewer)
	if !ok {
		return Summary{}, false
	}
	self, _ := t.Participant(viewer)
	return Summary{
		ID:          t.ID,
		OtherUser:   other,
		LastMessage: t.LastMessage,
		UnreadCount: self.UnreadCount,
		LastReadAt:  self.LastReadAt,
		UpdatedAt:   t.UpdatedAt,
	}, true
}
