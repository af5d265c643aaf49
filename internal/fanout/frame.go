package fanout

import (
	"encoding/json"
	"fmt"

	"github.com/Tyrowin/orbit/internal/room"
)

// Frame is the JSON object written to clients for every room event.
type Frame struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals payload into a frame for key. A zero key produces a
// frame without a room, used for replies addressed to one connection.
func EncodeFrame(event string, key room.Key, payload any) ([]byte, error) {
	f := Frame{Event: event, Room: key.String()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", event, err)
		}
		f.Data = data
	}
	return json.Marshal(f)
}

// Envelope is the cross-process unit exchanged through a Backend.
type Envelope struct {
	Node   string          `json:"node"`
	Room   room.Key        `json:"room"`
	Except string          `json:"except,omitempty"`
	Frame  json.RawMessage `json:"frame"`
}
