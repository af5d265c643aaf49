package message

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/orbit/internal/conversation"
	"github.com/Tyrowin/orbit/internal/fanout"
	"github.com/Tyrowin/orbit/internal/hub"
	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/models"
	"github.com/Tyrowin/orbit/internal/room"
	"github.com/Tyrowin/orbit/internal/store"
)

type sink struct {
	id     string
	mu     sync.Mutex
	frames []fanout.Frame
}

func (s *sink) ID() string { return s.id }

func (s *sink) Deliver(frame []byte) bool {
	var f fanout.Frame
	if err := json.Unmarshal(frame, &f); err != nil {
		return false
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return true
}

func (s *sink) events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = f.Event + " " + f.Room
	}
	return out
}

func (s *sink) last(t *testing.T, event string, v any) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.frames) - 1; i >= 0; i-- {
		if s.frames[i].Event == event {
			require.NoError(t, json.Unmarshal(s.frames[i].Data, v))
			return
		}
	}
	t.Fatalf("no %s frame in %d frames", event, len(s.frames))
}

type fixture struct {
	store    *store.Pebble
	conns    *hub.Connections
	threads  *conversation.Service
	dispatch *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.OpenPebble("msg", &pebble.Options{FS: vfs.NewMem()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	rooms := hub.NewRooms(nil)
	conns := hub.NewConnections(rooms, nil, nil)
	bus := fanout.NewBus(rooms, nil, fanout.Config{}, nil, nil)
	t.Cleanup(func() { _ = bus.Close() })
	threads := conversation.New(st, nil, nil)
	d := NewDispatcher(st, threads, bus, nil)
	base := time.Now()
	var tick atomic.Int64
	d.now = func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Millisecond) }
	return &fixture{
		store:    st,
		conns:    conns,
		threads:  threads,
		dispatch: d,
	}
}

func (f *fixture) connect(t *testing.T, user identity.ID, connID string, keys ...room.Key) *sink {
	t.Helper()
	s := &sink{id: connID}
	require.NoError(t, f.conns.Register(identity.Identity{ID: user}, connID, s))
	for _, k := range keys {
		_, err := f.conns.Rooms().Join(connID, k)
		require.NoError(t, err)
	}
	return s
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddChannelMember(ctx, "c1", "u1"))
	watcher := f.connect(t, "u2", "w", room.Channel("c1"))

	cases := map[string]struct {
		req  SendRequest
		want error
	}{
		"both targets":   {SendRequest{Target: models.Target{ChannelID: "c1", ThreadID: "t1"}, Sender: "u1", Content: "x"}, models.ErrInvalidTarget},
		"no target":      {SendRequest{Sender: "u1", Content: "x"}, models.ErrInvalidTarget},
		"task no title":  {SendRequest{Target: models.ChannelTarget("c1"), Sender: "u1", Type: models.TypeTask, TaskData: &models.TaskData{Assignees: []identity.ID{"u2"}}}, models.ErrInvalidTaskMessage},
		"task no people": {SendRequest{Target: models.ChannelTarget("c1"), Sender: "u1", Type: models.TypeTask, TaskData: &models.TaskData{Title: "ship"}}, models.ErrInvalidTaskMessage},
		"empty":          {SendRequest{Target: models.ChannelTarget("c1"), Sender: "u1"}, ErrEmptyMessage},
		"non member":     {SendRequest{Target: models.ChannelTarget("c1"), Sender: "u9", Content: "x"}, ErrNotChannelMember},
		"malformed id":   {SendRequest{Target: models.ChannelTarget("c:1"), Sender: "u1", Content: "x"}, room.ErrMalformedKey},
		"unknown reply":  {SendRequest{Target: models.ChannelTarget("c1"), Sender: "u1", Content: "x", ReplyTo: "nope"}, ErrInvalidReply},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.dispatch.Send(ctx, tc.req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
	assert.Empty(t, watcher.events(), "rejected messages are never fanned out")
}

func TestSendToChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddChannelMember(ctx, "c1", "u1"))
	member := f.connect(t, "u2", "m", room.Channel("c1"))
	outsider := f.connect(t, "u3", "o", room.Channel("c2"))

	msg, err := f.dispatch.Send(ctx, SendRequest{
		Target:   models.ChannelTarget("c1"),
		Sender:   "u1",
		Type:     models.TypeTask,
		TaskData: &models.TaskData{Title: "ship it", Assignees: []identity.ID{"u2"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.PriorityMedium, msg.TaskData.Priority)

	assert.Equal(t, []string{"message:new channel:c1"}, member.events())
	assert.Empty(t, outsider.events())

	var got models.Message
	member.last(t, EventNew, &got)
	assert.Equal(t, msg.ID, got.ID)

	reply, err := f.dispatch.Send(ctx, SendRequest{Target: models.ChannelTarget("c1"), Sender: "u1", Content: "done", ReplyTo: msg.ID})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, reply.ReplyTo)
}

func TestDirectMessageEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	th, err := f.threads.GetOrCreateThread(ctx, "u1", "u2")
	require.NoError(t, err)
	again, err := f.threads.GetOrCreateThread(ctx, "u2", "u1")
	require.NoError(t, err)
	require.Equal(t, th.ID, again.ID)

	f.connect(t, "u1", "a", room.User("u1"), room.Direct(th.ID))
	u2 := f.connect(t, "u2", "b", room.User("u2"), room.Direct(th.ID))

	_, err = f.dispatch.Send(ctx, SendRequest{Target: models.ThreadTarget(th.ID), Sender: "u1", Content: "hi"})
	require.NoError(t, err)

	assert.Equal(t, []string{"message:new dm:" + th.ID, "dm:new_message user:u2"}, u2.events())
	var note DMNotification
	u2.last(t, EventDMMessage, &note)
	assert.Equal(t, th.ID, note.DMID)
	assert.Equal(t, "hi", note.Message.Content)

	got, err := f.threads.Thread(ctx, th.ID, "u2")
	require.NoError(t, err)
	p, _ := got.Participant("u2")
	assert.Equal(t, 1, p.UnreadCount)

	got, err = f.threads.MarkRead(ctx, th.ID, "u2")
	require.NoError(t, err)
	p, _ = got.Participant("u2")
	assert.Equal(t, 0, p.UnreadCount)

	_, err = f.dispatch.Send(ctx, SendRequest{Target: models.ThreadTarget(th.ID), Sender: "u3", Content: "intrude"})
	assert.ErrorIs(t, err, conversation.ErrNotParticipant)
}

func TestEditAndSoftDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddChannelMember(ctx, "c1", "u1"))
	watcher := f.connect(t, "u2", "w", room.Channel("c1"))

	msg, err := f.dispatch.Send(ctx, SendRequest{
		Target:      models.ChannelTarget("c1"),
		Sender:      "u1",
		Content:     "draft",
		Attachments: []models.Attachment{{Name: "a.png", URL: "https://cdn/a.png", Type: "image/png", Size: 10}},
	})
	require.NoError(t, err)

	_, err = f.dispatch.Edit(ctx, msg.ID, "u2", "hijack")
	assert.ErrorIs(t, err, ErrNotAuthor)

	edited, err := f.dispatch.Edit(ctx, msg.ID, "u1", "final")
	require.NoError(t, err)
	assert.Equal(t, "final", edited.Content)
	require.NotNil(t, edited.EditedAt)

	_, err = f.dispatch.SoftDelete(ctx, msg.ID, "u2")
	assert.ErrorIs(t, err, ErrNotAuthor)

	deleted, err := f.dispatch.SoftDelete(ctx, msg.ID, "u1")
	require.NoError(t, err)
	assert.True(t, deleted.IsDeleted)
	assert.Empty(t, deleted.Content)
	assert.Empty(t, deleted.Attachments)

	_, err = f.dispatch.Edit(ctx, msg.ID, "u1", "resurrect")
	assert.ErrorIs(t, err, ErrAlreadyDeleted)

	_, err = f.dispatch.SoftDelete(ctx, msg.ID, "u1")
	require.NoError(t, err)

	assert.Equal(t, []string{
		"message:new channel:c1",
		"message:updated channel:c1",
		"message:updated channel:c1",
	}, watcher.events())

	var last models.Message
	watcher.last(t, EventUpdated, &last)
	assert.True(t, last.IsDeleted)

	_, err = f.dispatch.Edit(ctx, "missing", "u1", "x")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestToggleReaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddChannelMember(ctx, "c1", "u1"))
	require.NoError(t, f.store.AddChannelMember(ctx, "c1", "u2"))
	watcher := f.connect(t, "u3", "w", room.Channel("c1"))

	msg, err := f.dispatch.Send(ctx, SendRequest{Target: models.ChannelTarget("c1"), Sender: "u1", Content: "vote"})
	require.NoError(t, err)

	got, err := f.dispatch.ToggleReaction(ctx, msg.ID, "u2", "👍")
	require.NoError(t, err)
	assert.Len(t, got.Reactions, 1)

	got, err = f.dispatch.ToggleReaction(ctx, msg.ID, "u2", "👍")
	require.NoError(t, err)
	assert.Empty(t, got.Reactions)

	got, err = f.dispatch.ToggleReaction(ctx, msg.ID, "u2", "👍")
	require.NoError(t, err)
	require.Len(t, got.Reactions, 1)
	assert.Equal(t, identity.ID("u2"), got.Reactions[0].UserID)

	_, err = f.dispatch.ToggleReaction(ctx, msg.ID, "u9", "👍")
	assert.ErrorIs(t, err, ErrNotChannelMember)
	_, err = f.dispatch.ToggleReaction(ctx, msg.ID, "u2", " ")
	assert.ErrorIs(t, err, ErrInvalidReaction)

	assert.Len(t, watcher.events(), 4)
}

// TestConcurrentUpdatesPublishInCommitOrder races reactions and edits on one
// message and checks that observers end on the stored document.
func TestConcurrentUpdatesPublishInCommitOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	const users = 24
	for i := 0; i < users; i++ {
		require.NoError(t, f.store.AddChannelMember(ctx, "c1", identity.ID(fmt.Sprintf("u%02d", i))))
	}
	watcher := f.connect(t, "w", "w", room.Channel("c1"))

	msg, err := f.dispatch.Send(ctx, SendRequest{Target: models.ChannelTarget("c1"), Sender: "u00", Content: "v0"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(user identity.ID) {
			defer wg.Done()
			for range 3 {
				_, err := f.dispatch.ToggleReaction(ctx, msg.ID, user, "🎉")
				assert.NoError(t, err)
			}
		}(identity.ID(fmt.Sprintf("u%02d", i)))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 10; i++ {
			_, err := f.dispatch.Edit(ctx, msg.ID, "u00", fmt.Sprintf("v%d", i))
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	var updates []models.Message
	watcher.mu.Lock()
	for _, fr := range watcher.frames {
		if fr.Event != EventUpdated {
			continue
		}
		var m models.Message
		require.NoError(t, json.Unmarshal(fr.Data, &m))
		updates = append(updates, m)
	}
	watcher.mu.Unlock()
	require.Len(t, updates, users*3+10)
	for i := 1; i < len(updates); i++ {
		assert.True(t, updates[i-1].UpdatedAt.Before(updates[i].UpdatedAt), "update %d published out of order", i)
	}

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	last := updates[len(updates)-1]
	assert.Equal(t, "v10", last.Content)
	assert.Len(t, last.Reactions, users)
	assert.True(t, stored.UpdatedAt.Equal(last.UpdatedAt))
	assert.Equal(t, stored.Content, last.Content)
	assert.Len(t, stored.Reactions, users)
}

func TestListMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.AddChannelMember(ctx, "c1", "u1"))
	for _, content := range []string{"one", "two", "three"} {
		_, err := f.dispatch.Send(ctx, SendRequest{Target: models.ChannelTarget("c1"), Sender: "u1", Content: content})
		require.NoError(t, err)
	}

	msgs, err := f.dispatch.List(ctx, ListQuery{Target: models.ChannelTarget("c1"), Viewer: "u1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)

	_, err = f.dispatch.List(ctx, ListQuery{Target: models.ChannelTarget("c1"), Viewer: "u2"})
	assert.ErrorIs(t, err, ErrNotChannelMember)
}
