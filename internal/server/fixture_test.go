package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/orbit/internal/config"
	"github.com/Tyrowin/orbit/internal/conversation"
	"github.com/Tyrowin/orbit/internal/fanout"
	"github.com/Tyrowin/orbit/internal/hub"
	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/message"
	"github.com/Tyrowin/orbit/internal/metrics"
	"github.com/Tyrowin/orbit/internal/presence"
	"github.com/Tyrowin/orbit/internal/room"
	"github.com/Tyrowin/orbit/internal/store"
)

const testSecret = "test-secret"

// instance is one running server process.
type instance struct {
	srv     *Server
	http    *httptest.Server
	conns   *hub.Connections
	bus     *fanout.Bus
	store   store.Store
	metrics *metrics.Metrics
	cfg     config.Config
}

type fixtureOptions struct {
	broker     *fanout.Broker
	store      store.Store
	authorizer Authorizer
	configure  func(*config.Config)
}

func newStore(t *testing.T) *store.Pebble {
	t.Helper()
	st, err := store.OpenPebble("orbit", &pebble.Options{FS: vfs.NewMem()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newSharedStore opens a client of the redis store at addr, the way each
// instance of a cluster connects to the same server.
func newSharedStore(t *testing.T, addr string) store.Store {
	t.Helper()
	st, err := store.OpenRedis(context.Background(), "redis://"+addr, "orbit", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func startInstance(t *testing.T, opts fixtureOptions) *instance {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Server.AllowedOrigins = []string{"http://localhost:8080"}
	cfg.Server.RateLimit.Burst = 100
	if opts.configure != nil {
		opts.configure(&cfg)
	}
	cfg.Sanitize()

	st := opts.store
	if st == nil {
		st = newStore(t)
	}
	verifier, err := identity.NewJWTVerifier(identity.JWTConfig{Secret: testSecret}, nil)
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	rooms := hub.NewRooms(m)
	conns := hub.NewConnections(rooms, nil, m)
	var backend fanout.Backend
	if opts.broker != nil {
		backend = opts.broker.Backend()
	}
	bus := fanout.NewBus(rooms, backend, fanout.Config{}, nil, m)
	bus.Start(context.Background())

	threads := conversation.New(st, nil, m)
	srv := New(cfg, Deps{
		Connections: conns,
		Presence:    presence.New(bus, nil, m),
		Publisher:   bus,
		Bus:         bus,
		Dispatcher:  message.NewDispatcher(st, threads, bus, nil),
		Threads:     threads,
		Store:       st,
		Verifier:    verifier,
		Authorizer:  opts.authorizer,
		Metrics:     m,
		Gatherer:    reg,
	})
	srv.Start()
	ts := httptest.NewServer(srv.Routes())

	inst := &instance{srv: srv, http: ts, conns: conns, bus: bus, store: st, metrics: m, cfg: cfg}
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Shutdown(2 * time.Second)
		_ = bus.Close()
	})
	return inst
}

func token(t *testing.T, user string, roles ...string) string {
	t.Helper()
	tok, err := identity.SignHS256(testSecret, identity.Identity{ID: identity.ID(user), Roles: roles}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (in *instance) wsURL() string {
	return "ws" + strings.TrimPrefix(in.http.URL, "http") + "/ws"
}

func originHeader() http.Header {
	h := http.Header{}
	h.Set("Origin", "http://localhost:8080")
	return h
}

// wsClient reads frames in the background, splitting batched messages.
type wsClient struct {
	conn   *websocket.Conn
	frames chan fanout.Frame
	done   chan struct{}
}

func (in *instance) dial(t *testing.T, user string) *wsClient {
	t.Helper()
	userRoom := room.User(user)
	before := len(in.conns.Rooms().MembersOf(userRoom))
	h := originHeader()
	h.Set("Authorization", "Bearer "+token(t, user))
	conn, resp, err := websocket.DefaultDialer.Dial(in.wsURL(), h)
	require.NoError(t, err)
	_ = resp.Body.Close()

	c := &wsClient{conn: conn, frames: make(chan fanout.Frame, 256), done: make(chan struct{})}
	go c.read()
	t.Cleanup(func() { _ = c.conn.Close() })

	// The connection is usable once the hub has joined its user room.
	require.Eventually(t, func() bool {
		return len(in.conns.Rooms().MembersOf(userRoom)) > before
	}, 2*time.Second, 5*time.Millisecond)
	return c
}

// waitMembers blocks until key has n local members.
func (in *instance) waitMembers(t *testing.T, key room.Key, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(in.conns.Rooms().MembersOf(key)) == n
	}, 2*time.Second, 5*time.Millisecond, "members of %s", key)
}

func (c *wsClient) read() {
	defer close(c.done)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range bytes.Split(raw, []byte{'\n'}) {
			var f fanout.Frame
			if json.Unmarshal(line, &f) == nil {
				c.frames <- f
			}
		}
	}
}

func (c *wsClient) send(t *testing.T, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteJSON(InboundFrame{Event: event, Data: raw}))
}

// waitFor returns the first frame named event, skipping others.
func (c *wsClient) waitFor(t *testing.T, event string) fanout.Frame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-c.frames:
			if f.Event == event {
				return f
			}
		case <-timeout:
			t.Fatalf("no %q frame received", event)
			return fanout.Frame{}
		}
	}
}

// expectNone fails if a frame named event arrives within d.
func (c *wsClient) expectNone(t *testing.T, event string, d time.Duration) {
	t.Helper()
	timeout := time.After(d)
	for {
		select {
		case f := <-c.frames:
			if f.Event == event {
				t.Fatalf("unexpected %q frame: %s", event, f.Data)
			}
		case <-timeout:
			return
		}
	}
}

func (c *wsClient) closed(t *testing.T) bool {
	t.Helper()
	select {
	case <-c.done:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

func decode[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

// do performs an authenticated API request and decodes the JSON response.
func (in *instance) do(t *testing.T, user, method, path string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var rd io.Reader = http.NoBody
	switch b := body.(type) {
	case nil:
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, in.http.URL+path, rd)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user, rolesFor(user)...))
	}
	resp, err := in.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]json.RawMessage{}
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func rolesFor(user string) []string {
	if user == "root" {
		return []string{"admin"}
	}
	return nil
}
