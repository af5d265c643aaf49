package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/orbit/internal/fanout"
	"github.com/Tyrowin/orbit/internal/identity"
	"github.com/Tyrowin/orbit/internal/room"
)

var errRateLimited = errors.New("rate limit exceeded")

// Client is one authenticated WebSocket connection. It is the fan-out sink
// for every room the connection joins.
type Client struct {
	conn     *websocket.Conn
	send     chan []byte
	hub      *Hub
	id       string
	identity identity.Identity
	ctx      context.Context
	addr     string
	log      *zap.Logger

	mu       sync.RWMutex
	closed   bool
	overflow sync.Once

	limiter        *rate.Limiter
	maxMessageSize int64
	readTimeout    time.Duration
	writeTimeout   time.Duration
	pingPeriod     time.Duration
}

// NewClient wraps an upgraded connection for the authenticated id.
func NewClient(conn *websocket.Conn, h *Hub, connID string, id identity.Identity, addr string) *Client {
	cfg := h.cfg
	if conn != nil {
		conn.SetReadLimit(int64(cfg.MaxMessageSize))
	}
	return &Client{
		conn:           conn,
		send:           make(chan []byte, cfg.SendBufferSize),
		hub:            h,
		id:             connID,
		identity:       id,
		ctx:            identity.NewContext(context.Background(), id),
		addr:           addr,
		log:            h.log.With(zap.String("conn", connID), zap.String("user", id.ID.String())),
		limiter:        newRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval.Std()),
		maxMessageSize: int64(cfg.MaxMessageSize),
		readTimeout:    cfg.ReadTimeout.Std(),
		writeTimeout:   cfg.WriteTimeout.Std(),
		pingPeriod:     cfg.ReadTimeout.Std() * 9 / 10,
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Identity returns the identity the connection authenticated as.
func (c *Client) Identity() identity.Identity { return c.identity }

// Deliver queues frame without blocking. A client that cannot keep up is
// disconnected.
func (c *Client) Deliver(frame []byte) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.overflow.Do(func() {
			c.log.Warn("send buffer full; closing connection", zap.String("addr", c.addr))
			go c.closeConnection()
		})
		return false
	}
}

// reply sends a frame addressed to this connection only.
func (c *Client) reply(event string, payload any) {
	frame, err := fanout.EncodeFrame(event, room.Key{}, payload)
	if err != nil {
		c.log.Error("encode reply failed", zap.String("event", event), zap.Error(err))
		return
	}
	c.Deliver(frame)
}

// replyError sends an EventError for the failed request event.
func (c *Client) replyError(code, event string, err error) {
	c.reply(EventError, ErrorEvent{Code: code, Message: err.Error(), Event: event})
}

// release stops further deliveries and lets writePump finish.
func (c *Client) release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// setupReadConnection sets the initial read deadline and extends it on
// every pong.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		c.log.Warn("set initial read deadline failed", zap.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
			c.log.Warn("set read deadline in pong handler failed", zap.Error(err))
		}
		return nil
	})
}

// handleReadError logs why the read loop ended.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Info("message exceeded maximum size", zap.Int64("limit", c.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Info("connection closed", zap.Error(err))
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseMessageTooBig):
		c.log.Warn("unexpected websocket close", zap.Error(err))
	default:
		c.log.Info("websocket read ended", zap.Error(err))
	}
}

// checkRateLimit reports whether the next inbound frame may be processed.
// Over the limit the frame is dropped and the client is told why.
func (c *Client) checkRateLimit() bool {
	if c.limiter.Allow() {
		return true
	}
	c.log.Info("rate limit exceeded; discarding message", zap.Int("burst", c.limiter.Burst()))
	c.replyError(CodeRateLimited, "", errRateLimited)
	return false
}

// readPump routes inbound frames until the connection fails, then
// unregisters the client. It is the only reader of conn.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.closeConnection()
	}()

	c.setupReadConnection()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if !c.checkRateLimit() {
			continue
		}
		c.hub.router.handle(c, raw)
	}
}

// writePump drains the send queue and pings on every pingPeriod. It is the
// only writer of conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case message, ok := <-c.send:
		return c.handleMessage(message, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

// closeConnection closes the socket, ignoring errors from a socket that is
// already gone.
func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("close connection failed", zap.Error(err))
	}
}

// handleMessage writes one queued frame, or the close message once the
// queue has been released. It returns false when the pump should stop.
func (c *Client) handleMessage(message []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.log.Warn("set write deadline failed", zap.Error(err))
		return false
	}
	if !ok {
		return c.writeCloseMessage()
	}
	return c.writeTextMessage(message)
}

// writeCloseMessage sends a close frame and always stops the pump.
func (c *Client) writeCloseMessage() bool {
	if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("write close message failed", zap.Error(err))
	}
	return false
}

// writeTextMessage writes message and whatever is already queued as one
// newline-separated text message.
func (c *Client) writeTextMessage(message []byte) bool {
	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		c.log.Warn("create writer failed", zap.Error(err))
		return false
	}
	if _, err := w.Write(message); err != nil {
		c.log.Warn("write message failed", zap.Error(err))
		return false
	}
	if !c.writeQueuedMessages(w) {
		return false
	}
	if err := w.Close(); err != nil {
		c.log.Warn("close writer failed", zap.Error(err))
		return false
	}
	return true
}

// writeQueuedMessages appends the frames queued when the write started, each
// preceded by a newline.
func (c *Client) writeQueuedMessages(w io.Writer) bool {
	n := len(c.send)
	for i := 0; i < n; i++ {
		queued, ok := <-c.send
		if !ok {
			return true
		}
		if _, err := w.Write([]byte{'\n'}); err != nil {
			c.log.Warn("write separator failed", zap.Error(err))
			return false
		}
		if _, err := w.Write(queued); err != nil {
			c.log.Warn("write queued message failed", zap.Error(err))
			return false
		}
	}
	return true
}

// handlePing sends a keepalive ping.
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		c.log.Warn("set ping write deadline failed", zap.Error(err))
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		c.log.Info("write ping failed", zap.Error(err))
		return false
	}
	return true
}
