// Package bus provides the topic-based fan-out layer between ingest sessions
// and subscribers.
//
// Two implementations exist: Redis (production, one broker-side subscription
// per distinct channel, reconnect with backoff) and Memory (tests and
// single-process deployments). Both deliver at-most-once and preserve
// per-channel ordering as reported by the broker; cross-channel ordering is
// unspecified.
//
// The bus is never a blocking point in the audio path: Publish is
// fire-and-forget, and failures are counted and logged, not returned to the
// producer's data path.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
)

// Handler receives one published payload. Handlers run on the bus's delivery
// goroutine and must not block; subscribers enqueue into their own bounded
// queues.
type Handler func(channel string, payload []byte)

// Bus is the fan-out contract shared by the Redis and Memory implementations.
type Bus interface {
	// Publish hands payload to the broker for channel. Failures are absorbed:
	// counted, logged, and never surfaced to the audio path.
	Publish(ctx context.Context, channel string, payload []byte)

	// Subscribe registers h for channel and returns an unsubscribe function.
	// Handlers on the same channel are invoked in registration order.
	Subscribe(ctx context.Context, channel string, h Handler) (func(), error)

	// Ping reports broker reachability for health checks.
	Ping(ctx context.Context) error

	// Dropped returns the number of publishes lost to broker failures.
	Dropped() uint64

	// Close terminates all subscriptions and the listening loop.
	Close() error
}

// handlerEntry pairs a handler with a registration id so Unsubscribe can
// remove exactly one registration.
type handlerEntry struct {
	id int64
	h  Handler
}

// handlerTable is the channel → ordered-handlers registry shared by both
// implementations.
type handlerTable struct {
	mu     sync.RWMutex
	nextID int64
	byChan map[string][]handlerEntry
}

func newHandlerTable() *handlerTable {
	return &handlerTable{byChan: make(map[string][]handlerEntry)}
}

// add registers h and reports whether this is the channel's first handler.
func (t *handlerTable) add(channel string, h Handler) (id int64, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id = t.nextID
	entries := t.byChan[channel]
	t.byChan[channel] = append(entries, handlerEntry{id: id, h: h})
	return id, len(entries) == 0
}

// remove drops the registration and reports whether the channel is now empty.
func (t *handlerTable) remove(channel string, id int64) (last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := t.byChan[channel]
	for i, e := range entries {
		if e.id == id {
			entries = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(entries) == 0 {
		delete(t.byChan, channel)
		return true
	}
	t.byChan[channel] = entries
	return false
}

// dispatch invokes the channel's handlers in registration order.
func (t *handlerTable) dispatch(channel string, payload []byte) {
	t.mu.RLock()
	entries := make([]handlerEntry, len(t.byChan[channel]))
	copy(entries, t.byChan[channel])
	t.mu.RUnlock()
	for _, e := range entries {
		e.h(channel, payload)
	}
}

// channels returns all channels with at least one handler.
func (t *handlerTable) channels() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byChan))
	for ch := range t.byChan {
		out = append(out, ch)
	}
	return out
}

// Memory is an in-process Bus. Delivery is synchronous on the publisher's
// goroutine, which preserves per-channel ordering by construction.
type Memory struct {
	table  *handlerTable
	closed atomic.Bool
	drops  atomic.Uint64
}

// NewMemory returns an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{table: newHandlerTable()}
}

// Publish delivers payload to all current handlers for channel.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) {
	if m.closed.Load() {
		m.drops.Add(1)
		return
	}
	m.table.dispatch(channel, payload)
}

// Subscribe registers h for channel.
func (m *Memory) Subscribe(_ context.Context, channel string, h Handler) (func(), error) {
	id, _ := m.table.add(channel, h)
	var once sync.Once
	return func() {
		once.Do(func() { m.table.remove(channel, id) })
	}, nil
}

// Ping always succeeds; the in-process bus has no broker.
func (m *Memory) Ping(context.Context) error { return nil }

// Dropped returns publishes discarded after Close.
func (m *Memory) Dropped() uint64 { return m.drops.Load() }

// Close stops delivery. Publishes after Close are dropped.
func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}
