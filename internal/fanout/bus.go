// Package fanout delivers room events to every member connection, on this
// process directly and on other processes through a pub/sub backend.
package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Tyrowin/orbit/internal/metrics"
	"github.com/Tyrowin/orbit/internal/room"
)

const roomStripes = 64

// outboundEnvelope is a queued envelope plus the span context of the
// publisher, so the backend publish joins the caller's trace.
type outboundEnvelope struct {
	data []byte
	span trace.SpanContext
}

// Sink is the write side of one live connection. Deliver must not block; it
// returns false when the frame could not be queued.
type Sink interface {
	ID() string
	Deliver(frame []byte) bool
}

// Directory resolves the local member connections of a room.
type Directory interface {
	Sinks(key room.Key) []Sink
}

// Backend moves envelopes between processes. Publish receives a context
// carrying the span of the call that produced the envelope.
type Backend interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, data []byte) error
	Subscribe(ctx context.Context, handler func([]byte)) error
	Close() error
}

// HealthChecker is implemented by backends that track their link state after
// Connect, such as NATS with its own reconnect loop.
type HealthChecker interface {
	Healthy() bool
}

// Publisher is the publishing side of the bus, used by the services.
type Publisher interface {
	Publish(ctx context.Context, key room.Key, event string, payload any, opts ...PublishOption) error
}

// Config tunes a Bus.
type Config struct {
	NodeID            string
	QueueSize         int
	ReconnectInterval time.Duration
}

const (
	defaultQueueSize         = 1024
	defaultReconnectInterval = 5 * time.Second

	// maxPublishFailures consecutive backend publish errors mark the bus
	// degraded until a publish succeeds again.
	maxPublishFailures = 3
)

type publishOptions struct {
	except string
}

// PublishOption customizes a single Publish call.
type PublishOption func(*publishOptions)

// Except skips the connection with id on every process.
func Except(connID string) PublishOption {
	return func(o *publishOptions) { o.except = connID }
}

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("fanout bus closed")

// Bus implements Publisher. Local delivery always happens synchronously;
// backend traffic goes through a bounded queue drained by one goroutine so a
// slow or failed backend never delays local members.
type Bus struct {
	cfg     Config
	dir     Directory
	backend Backend
	log     *zap.Logger
	metrics *metrics.Metrics

	stripes   [roomStripes]sync.Mutex
	outbound  chan outboundEnvelope
	connected atomic.Bool
	failures  atomic.Int32
	closed    atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBus creates a bus over dir. backend may be nil for a single process.
func NewBus(dir Directory, backend Backend, cfg Config, log *zap.Logger, m *metrics.Metrics) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		cfg:      cfg,
		dir:      dir,
		backend:  backend,
		log:      log.With(zap.String("node", cfg.NodeID)),
		metrics:  metrics.OrNop(m),
		outbound: make(chan outboundEnvelope, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// NodeID returns the identifier stamped on outgoing envelopes.
func (b *Bus) NodeID() string { return b.cfg.NodeID }

// Degraded reports whether other processes are currently unreachable: no
// backend, never connected, the backend reports a lost link, or recent
// publishes keep failing.
func (b *Bus) Degraded() bool {
	if !b.forwarding() {
		return true
	}
	if hc, ok := b.backend.(HealthChecker); ok && !hc.Healthy() {
		return true
	}
	return b.failures.Load() >= maxPublishFailures
}

// forwarding reports whether envelopes are handed to the backend at all.
// Publishing continues while degraded so a recovered link is noticed.
func (b *Bus) forwarding() bool {
	return b.backend != nil && b.connected.Load()
}

// Start connects the backend. A failed attempt leaves the bus in local-only
// mode and keeps retrying in the background until Close.
func (b *Bus) Start(ctx context.Context) {
	if b.backend == nil {
		b.log.Info("fanout running without a backend; local delivery only")
		return
	}
	b.wg.Add(1)
	go b.drain()

	if err := b.connect(ctx); err != nil {
		b.log.Warn("fanout backend unavailable; continuing in local-only mode",
			zap.Error(err), zap.Duration("retry", b.cfg.ReconnectInterval))
		b.metrics.BackendFailures.WithLabelValues("connect").Inc()
		b.wg.Add(1)
		go b.reconnect()
	}
}

func (b *Bus) connect(ctx context.Context) error {
	if err := b.backend.Connect(ctx); err != nil {
		return err
	}
	if err := b.backend.Subscribe(ctx, b.receive); err != nil {
		return err
	}
	b.connected.Store(true)
	b.log.Info("fanout backend connected")
	return nil
}

func (b *Bus) reconnect() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if err := b.connect(b.ctx); err != nil {
				b.log.Debug("fanout reconnect failed", zap.Error(err))
				b.metrics.BackendFailures.WithLabelValues("connect").Inc()
				continue
			}
			return
		}
	}
}

func (b *Bus) drain() {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case env := <-b.outbound:
			ctx := b.ctx
			if env.span.IsValid() {
				ctx = trace.ContextWithSpanContext(ctx, env.span)
			}
			if err := b.backend.Publish(ctx, env.data); err != nil {
				n := b.failures.Add(1)
				b.log.Warn("fanout backend publish failed", zap.Error(err), zap.Int32("consecutive", n))
				b.metrics.BackendFailures.WithLabelValues("publish").Inc()
				continue
			}
			if b.failures.Swap(0) >= maxPublishFailures {
				b.log.Info("fanout backend publishing again")
			}
		}
	}
}

func (b *Bus) stripe(key room.Key) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return &b.stripes[h.Sum32()%roomStripes]
}

// Publish delivers event to every member of key on this process and forwards
// it to the other processes. Events published to one room from this process
// reach every member in publication order.
func (b *Bus) Publish(ctx context.Context, key room.Key, event string, payload any, opts ...PublishOption) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}
	frame, err := EncodeFrame(event, key, payload)
	if err != nil {
		return err
	}

	mu := b.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	b.deliverLocal(key, frame, o.except)
	b.metrics.EventsPublished.WithLabelValues(event).Inc()

	if !b.forwarding() {
		return nil
	}
	env, err := json.Marshal(Envelope{Node: b.cfg.NodeID, Room: key, Except: o.except, Frame: frame})
	if err != nil {
		return err
	}
	select {
	case b.outbound <- outboundEnvelope{data: env, span: trace.SpanContextFromContext(ctx)}:
	default:
		b.log.Warn("fanout outbound queue full; envelope dropped",
			zap.String("room", key.String()), zap.String("event", event))
		b.metrics.BackendFailures.WithLabelValues("queue_full").Inc()
	}
	return nil
}

func (b *Bus) deliverLocal(key room.Key, frame []byte, except string) {
	for _, sink := range b.dir.Sinks(key) {
		if except != "" && sink.ID() == except {
			continue
		}
		if sink.Deliver(frame) {
			b.metrics.FramesDelivered.Inc()
			continue
		}
		b.metrics.FramesDropped.Inc()
		b.log.Debug("frame dropped", zap.String("conn", sink.ID()), zap.String("room", key.String()))
	}
}

func (b *Bus) receive(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn("fanout envelope rejected", zap.Error(err))
		return
	}
	if env.Node == b.cfg.NodeID {
		return
	}
	b.metrics.RemoteEnvelopes.Inc()
	mu := b.stripe(env.Room)
	mu.Lock()
	b.deliverLocal(env.Room, env.Frame, env.Except)
	mu.Unlock()
}

// Close stops background work and closes the backend.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()
	b.wg.Wait()
	if b.backend == nil {
		return nil
	}
	b.connected.Store(false)
	return b.backend.Close()
}
