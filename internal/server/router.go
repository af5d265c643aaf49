package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/fanout"
	"github.com/Tyrowin/orbit/internal/hub"
	"github.com/Tyrowin/orbit/internal/presence"
	"github.com/Tyrowin/orbit/internal/room"
)

// router dispatches inbound frames of one connection. It runs on the
// connection's read goroutine, so the frames of a connection are handled in
// order and never concurrently with its unregistration.
type router struct {
	rooms    *hub.Rooms
	presence *presence.Coordinator
	pub      fanout.Publisher
	auth     Authorizer
	log      *zap.Logger
}

func newRouter(rooms *hub.Rooms, pc *presence.Coordinator, pub fanout.Publisher, auth Authorizer, log *zap.Logger) *router {
	return &router{rooms: rooms, presence: pc, pub: pub, auth: auth, log: log}
}

func (r *router) handle(c *Client, raw []byte) {
	var f InboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.log.Info("invalid frame", zap.Error(err))
		c.replyError(CodeBadRequest, "", fmt.Errorf("invalid frame: %w", err))
		return
	}

	switch f.Event {
	case EventPresenceJoin:
		r.join(c, f, room.KindTeamPresence, "teamId")
	case EventPresenceLeave:
		r.leave(c, f, room.KindTeamPresence, "teamId")
	case EventChannelJoin:
		r.join(c, f, room.KindChannel, "channelId")
	case EventChannelLeave:
		r.leave(c, f, room.KindChannel, "channelId")
	case EventDMJoin:
		r.join(c, f, room.KindDirect, "dmId")
	case EventDMLeave:
		r.leave(c, f, room.KindDirect, "dmId")
	case EventTypingStart, EventTypingStop:
		r.typing(c, f)
	default:
		c.replyError(CodeUnknown, f.Event, fmt.Errorf("unknown event %q", f.Event))
	}
}

func (r *router) roomKey(c *Client, f InboundFrame, kind room.Kind, field string) (room.Key, bool) {
	id, err := decodeRoomID(f.Data, field)
	if err != nil {
		c.replyError(CodeBadRequest, f.Event, err)
		return room.Key{}, false
	}
	key, err := room.New(kind, id)
	if err != nil {
		c.replyError(CodeBadRequest, f.Event, err)
		return room.Key{}, false
	}
	return key, true
}

func (r *router) join(c *Client, f InboundFrame, kind room.Kind, field string) {
	key, ok := r.roomKey(c, f, kind, field)
	if !ok {
		return
	}
	if err := r.auth.Authorize(c.ctx, c.identity, key); err != nil {
		if errors.Is(err, ErrForbidden) {
			c.log.Info("join denied", zap.String("room", key.String()))
			c.replyError(CodeForbidden, f.Event, fmt.Errorf("not allowed to join %s", key))
			return
		}
		c.log.Error("join authorization failed", zap.String("room", key.String()), zap.Error(err))
		c.replyError(CodeInternal, f.Event, errors.New("authorization unavailable"))
		return
	}

	joined, err := r.rooms.Join(c.id, key)
	if err != nil {
		c.log.Warn("join failed", zap.String("room", key.String()), zap.Error(err))
		return
	}
	c.log.Debug("joined room", zap.String("room", key.String()), zap.Bool("new", joined))
	if kind != room.KindTeamPresence {
		return
	}
	if joined {
		if _, err := r.presence.Join(c.ctx, c.identity.ID, c.id, key); err != nil {
			c.log.Warn("presence join publish failed", zap.String("room", key.String()), zap.Error(err))
		}
	}
	c.reply(presence.StateEvent, r.presence.Snapshot(key))
}

func (r *router) leave(c *Client, f InboundFrame, kind room.Kind, field string) {
	key, ok := r.roomKey(c, f, kind, field)
	if !ok {
		return
	}
	if !r.rooms.Leave(c.id, key) {
		return
	}
	c.log.Debug("left room", zap.String("room", key.String()))
	if kind == room.KindTeamPresence {
		if _, err := r.presence.Leave(c.ctx, c.identity.ID, key); err != nil {
			c.log.Warn("presence leave publish failed", zap.String("room", key.String()), zap.Error(err))
		}
	}
}

// typing relays a typing indicator to the other members of a channel the
// connection has joined.
func (r *router) typing(c *Client, f InboundFrame) {
	key, ok := r.roomKey(c, f, room.KindChannel, "channelId")
	if !ok {
		return
	}
	if !r.rooms.IsMember(c.id, key) {
		c.replyError(CodeForbidden, f.Event, fmt.Errorf("join %s first", key))
		return
	}
	ev := TypingEvent{UserID: c.identity.ID, ChannelID: key.ID()}
	if err := r.pub.Publish(c.ctx, key, f.Event, ev, fanout.Except(c.id)); err != nil {
		c.log.Warn("typing relay failed", zap.String("room", key.String()), zap.Error(err))
	}
}
