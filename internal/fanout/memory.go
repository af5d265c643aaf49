package fanout

import (
	"context"
	"errors"
	"sync"
)

// Broker is an in-process pub/sub hub. Several buses sharing one Broker
// behave like processes sharing a NATS subject, which is how multi-instance
// behaviour is exercised in tests and single-binary deployments.
type Broker struct {
	mu     sync.RWMutex
	subs   map[int]func([]byte)
	nextID int
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[int]func([]byte))}
}

// Backend returns a new Backend attached to the broker.
func (b *Broker) Backend() *MemoryBackend {
	return &MemoryBackend{broker: b, subID: -1}
}

func (b *Broker) subscribe(handler func([]byte)) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = handler
	return id
}

func (b *Broker) unsubscribe(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// publish hands data to every subscriber in the caller's goroutine, so each
// subscriber observes publications in order.
func (b *Broker) publish(data []byte) {
	b.mu.RLock()
	handlers := make([]func([]byte), 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(data)
	}
}

var errNotConnected = errors.New("backend not connected")

// MemoryBackend is a Backend over a Broker.
type MemoryBackend struct {
	broker *Broker

	mu        sync.Mutex
	connected bool
	subID     int
}

// Connect implements Backend.
func (m *MemoryBackend) Connect(context.Context) error {
	m.mu.Lock()
	m.connected = true
	m.mu.Unlock()
	return nil
}

// Publish implements Backend.
func (m *MemoryBackend) Publish(_ context.Context, data []byte) error {
	m.mu.Lock()
	ok := m.connected
	m.mu.Unlock()
	if !ok {
		return errNotConnected
	}
	m.broker.publish(data)
	return nil
}

// Subscribe implements Backend.
func (m *MemoryBackend) Subscribe(_ context.Context, handler func([]byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errNotConnected
	}
	if m.subID >= 0 {
		m.broker.unsubscribe(m.subID)
	}
	m.subID = m.broker.subscribe(handler)
	return nil
}

// Close implements Backend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subID >= 0 {
		m.broker.unsubscribe(m.subID)
		m.subID = -1
	}
	m.connected = false
	return nil
}
