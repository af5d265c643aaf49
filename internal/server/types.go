package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/Tyrowin/orbit/internal/identity"
)

// Inbound event names.
const (
	EventPresenceJoin  = "presence:join"
	EventPresenceLeave = "presence:leave"
	EventChannelJoin   = "channel:join"
	EventChannelLeave  = "channel:leave"
	EventDMJoin        = "dm:join"
	EventDMLeave       = "dm:leave"
	EventTypingStart   = "typing:start"
	EventTypingStop    = "typing:stop"

	// EventError is sent to a single connection when one of its requests fails.
	EventError = "error"
)

// Error codes carried by EventError.
const (
	CodeForbidden   = "forbidden"
	CodeBadRequest  = "bad_request"
	CodeUnknown     = "unknown_event"
	CodeRateLimited = "rate_limited"
	CodeInternal    = "internal"
)

var (
	// ErrForbidden is returned when an identity may not join a room.
	ErrForbidden = errors.New("forbidden")
	errMissingID = errors.New("room id missing")
)

// InboundFrame is a client request.
type InboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// roomRequest is the payload of join, leave and typing events. Clients may
// also send the id as a bare JSON string.
type roomRequest struct {
	TeamID         string `json:"teamId"`
	PresenceRoomID string `json:"presenceRoomId"`
	ChannelID      string `json:"channelId"`
	DMID           string `json:"dmId"`
	ID             string `json:"id"`
}

// decodeRoomID extracts the id named by field ("teamId", "channelId" or
// "dmId") from data.
func decodeRoomID(data json.RawMessage, field string) (string, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return "", errMissingID
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return "", err
		}
		return requireID(id)
	}
	var req roomRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return "", err
	}
	var id string
	switch field {
	case "teamId":
		id = firstNonEmpty(req.TeamID, req.PresenceRoomID, req.ID)
	case "channelId":
		id = firstNonEmpty(req.ChannelID, req.ID)
	case "dmId":
		id = firstNonEmpty(req.DMID, req.ID)
	}
	return requireID(id)
}

func requireID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", errMissingID
	}
	return id, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// TypingEvent is relayed to a channel for typing:start and typing:stop.
type TypingEvent struct {
	UserID    identity.ID `json:"userId"`
	ChannelID string      `json:"channelId"`
}

// ErrorEvent is the payload of EventError.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Event   string `json:"event,omitempty"`
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
