package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultSubject is the NATS subject shared by every instance.
const DefaultSubject = "orbit.fanout"

const instrumentationName = "github.com/Tyrowin/orbit/internal/fanout"

// tracer resolves the global provider on each use so a provider installed
// after package init is honoured.
func tracer() trace.Tracer { return otel.Tracer(instrumentationName) }

// natsHeaderCarrier adapts nats.Header to propagation.TextMapCarrier.
type natsHeaderCarrier nats.Header

func (c natsHeaderCarrier) Get(key string) string { return nats.Header(c).Get(key) }

func (c natsHeaderCarrier) Set(key, value string) { nats.Header(c).Set(key, value) }

func (c natsHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// NATSBackend fans envelopes out over a single core NATS subject. Trace
// context travels in message headers.
type NATSBackend struct {
	url     string
	subject string
	name    string
	log     *zap.Logger

	mu  sync.Mutex
	nc  *nats.Conn
	sub *nats.Subscription
}

// NewNATSBackend returns a backend for url. An empty subject uses DefaultSubject.
func NewNATSBackend(url, subject, name string, log *zap.Logger) *NATSBackend {
	if log == nil {
		log = zap.NewNop()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSBackend{url: url, subject: subject, name: name, log: log}
}

// Connect implements Backend. Once connected the client reconnects on its own.
func (n *NATSBackend) Connect(context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc != nil && !n.nc.IsClosed() {
		return nil
	}
	nc, err := nats.Connect(n.url,
		nats.Name(n.name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			n.log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return err
	}
	n.nc = nc
	return nil
}

// Healthy implements HealthChecker. It is false while the client is
// disconnected and retrying.
func (n *NATSBackend) Healthy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.nc != nil && n.nc.IsConnected()
}

// Publish implements Backend.
func (n *NATSBackend) Publish(ctx context.Context, data []byte) error {
	n.mu.Lock()
	nc := n.nc
	n.mu.Unlock()
	if nc == nil {
		return errNotConnected
	}

	ctx, span := tracer().Start(ctx, n.subject+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.destination.name", n.subject),
			attribute.Int("messaging.message.payload_size_bytes", len(data)),
		),
	)
	defer span.End()

	msg := nats.NewMsg(n.subject)
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, natsHeaderCarrier(msg.Header))
	if err := nc.PublishMsg(msg); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Subscribe implements Backend. NATS invokes handler serially.
func (n *NATSBackend) Subscribe(_ context.Context, handler func([]byte)) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.nc == nil {
		return errNotConnected
	}
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
	}
	sub, err := n.nc.Subscribe(n.subject, func(msg *nats.Msg) {
		ctx := otel.GetTextMapPropagator().Extract(context.Background(), natsHeaderCarrier(msg.Header))
		_, span := tracer().Start(ctx, n.subject+" receive",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "nats"),
				attribute.String("messaging.destination.name", msg.Subject),
			),
		)
		defer span.End()
		handler(msg.Data)
	})
	if err != nil {
		return err
	}
	n.sub = sub
	// Round-trip to the server so the interest is registered on return.
	return n.nc.Flush()
}

// Close implements Backend.
func (n *NATSBackend) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub != nil {
		_ = n.sub.Unsubscribe()
		n.sub = nil
	}
	if n.nc != nil {
		n.nc.Close()
		n.nc = nil
	}
	return nil
}
