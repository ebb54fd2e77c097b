package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind identifies one session lifecycle notification.
type Kind string

const (
	KindQR            Kind = "qr"
	KindAuthenticated Kind = "authenticated"
	KindReady         Kind = "ready"
	KindDisconnected  Kind = "disconnected"
	KindFailed        Kind = "failed"
	// KindMessage carries free-form status text for UIs following along.
	KindMessage Kind = "message"
)

// Event is one lifecycle notification scoped to a session.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow or absent subscribers drop events; this is a live feed, not a log.
type Event struct {
	SessionID string
	Kind      Kind
	Payload   string
	Time      time.Time
}

type Bridge interface {
	// Publish delivers e to subscribers attached to e.SessionID and to all taps.
	// Fire-and-forget: no subscriber, no delivery, no queueing.
	Publish(e Event)

	// Attach subscribes to one session's events. The returned detach func is
	// idempotent and closes the channel.
	Attach(sessionID string, buffer int) (ch <-chan Event, detach func())

	// Tap subscribes to every session's events (ops logging, audit).
	Tap(buffer int) (ch <-chan Event, untap func())
}

// New returns a simple in-memory per-session fanout bridge.
//
// It intentionally does not own any background goroutines.
func New() Bridge {
	return &memBridge{
		subs: map[string]map[uint64]chan Event{},
		taps: map[uint64]chan Event{},
	}
}

type memBridge struct {
	mu   sync.RWMutex
	subs map[string]map[uint64]chan Event
	taps map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBridge) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot receivers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs[e.SessionID])+len(b.taps))
	for _, ch := range b.subs[e.SessionID] {
		chs = append(chs, ch)
	}
	for _, ch := range b.taps {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// Non-blocking delivery. If subscriber is slow, we drop.
		// If a subscriber detaches concurrently and the channel closes,
		// recover from a possible panic (send on closed channel).
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

func (b *memBridge) Attach(sessionID string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	m := b.subs[sessionID]
	if m == nil {
		m = map[uint64]chan Event{}
		b.subs[sessionID] = m
	}
	m[id] = ch
	b.mu.Unlock()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			b.mu.Lock()
			if m := b.subs[sessionID]; m != nil {
				delete(m, id)
				if len(m) == 0 {
					delete(b.subs, sessionID)
				}
			}
			b.mu.Unlock()
			// Closing is safe because Publish recovers from send panics.
			close(ch)
		})
	}
	return ch, detach
}

func (b *memBridge) Tap(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.taps[id] = ch
	b.mu.Unlock()

	var once sync.Once
	untap := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.taps, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, untap
}
