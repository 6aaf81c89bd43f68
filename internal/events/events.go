// Package events is the external stream boundary: a Bus that fans
// chunkpay.ChunkEvent values out to per-session queues, and an
// net/http text/event-stream handler that drains one session's queue
// per connection. Each session's queue is an
// github.com/lightningnetwork/lnd/queue.ConcurrentQueue, the same
// unbounded-producer/bounded-consumer primitive lnd uses to decouple a
// fast internal producer from a slow external reader without ever
// blocking the producer.
package events

import (
	"sync"

	"github.com/btcsuite/btclog"
	"github.com/lightningnetwork/lnd/queue"

	"github.com/tokenmeter/paychand/internal/chunkpay"
)

var log btclog.Logger = btclog.Disabled

// UseLogger assigns the package-level logger.
func UseLogger(l btclog.Logger) { log = l }

// Bus fans chunk-payment events out to per-session subscribers.
type Bus struct {
	mu       sync.Mutex
	sessions map[string]*queue.ConcurrentQueue
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{sessions: make(map[string]*queue.ConcurrentQueue)}
}

// Subscribe returns the ConcurrentQueue backing sessionID, creating and
// starting it on first use.
func (b *Bus) Subscribe(sessionID string) *queue.ConcurrentQueue {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.sessions[sessionID]
	if !ok {
		q = queue.NewConcurrentQueue(64)
		q.Start()
		b.sessions[sessionID] = q
	}
	return q
}

// Unsubscribe stops and discards sessionID's queue. Safe to call even
// if no one ever subscribed.
func (b *Bus) Unsubscribe(sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.sessions[sessionID]; ok {
		q.Stop()
		delete(b.sessions, sessionID)
	}
}

// Publish enqueues ev for sessionID's subscribers, if any; publishing
// to a session nobody is listening on is a silent no-op, matching
// spec.md's "emit to the stream" contract, which has no delivery
// guarantee when no client is attached.
func (b *Bus) Publish(sessionID string, ev chunkpay.ChunkEvent) {
	b.mu.Lock()
	q, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	q.ChanIn() <- ev
}

// Shutdown stops every open session queue.
func (b *Bus) Shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, q := range b.sessions {
		q.Stop()
		delete(b.sessions, id)
	}
}
