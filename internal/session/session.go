package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"wagate/internal/engine"
	"wagate/internal/notify"
	logx "wagate/pkg/logx"
)

// ErrTornDown is returned by sends after the session's client is released.
var ErrTornDown = errors.New("session torn down")

// Options are construction-time policy knobs for every session.
type Options struct {
	// AutoReinit re-creates the engine client after an upstream disconnect
	// instead of tearing the session down. Off by default: the caller
	// re-creates explicitly.
	AutoReinit bool
	// ReinitMaxElapsed bounds the backoff spent on one reinit attempt chain.
	ReinitMaxElapsed time.Duration
	// EventBuffer sizes the engine event channel.
	EventBuffer int
}

func (o Options) withDefaults() Options {
	if o.ReinitMaxElapsed <= 0 {
		o.ReinitMaxElapsed = 2 * time.Minute
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 16
	}
	return o
}

// Snapshot is a point-in-time public view of a session.
type Snapshot struct {
	ID          string    `json:"id"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	LastEventAt time.Time `json:"last_event_at"`
	// QR holds the most recent handshake payload while awaiting handshake.
	QR string `json:"qr,omitempty"`
}

// Session wraps exactly one engine client in a state machine.
//
// The engine delivers events asynchronously on the session's channel; one
// event-loop goroutine owns all transitions, so they apply atomically with
// respect to concurrent sends and removal.
type Session struct {
	id      string
	opts    Options
	factory engine.Factory
	bridge  notify.Bridge
	log     logx.Logger

	// onTerminal is the registry's removal hook. Called at most once,
	// from the event loop.
	onTerminal func(*Session)

	events chan engine.Event

	mu          sync.Mutex
	state       State
	client      engine.Client
	createdAt   time.Time
	lastEventAt time.Time
	lastQR      string

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id string, factory engine.Factory, bridge notify.Bridge, log logx.Logger, opts Options, onTerminal func(*Session)) (*Session, error) {
	opts = opts.withDefaults()
	s := &Session{
		id:         id,
		opts:       opts,
		factory:    factory,
		bridge:     bridge,
		log:        log.With(logx.String("session", id)),
		onTerminal: onTerminal,
		events:     make(chan engine.Event, opts.EventBuffer),
		state:      StateUninitialized,
		createdAt:  time.Now(),
		closed:     make(chan struct{}),
	}
	s.lastEventAt = s.createdAt

	client, err := factory(id, s.events)
	if err != nil {
		return nil, fmt.Errorf("engine client: %w", err)
	}
	s.client = client
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Ready reports whether dispatch may run against this session.
// True only in StateReady.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateReady
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:          s.id,
		State:       s.state,
		CreatedAt:   s.createdAt,
		LastEventAt: s.lastEventAt,
	}
	if s.state == StateAwaitingHandshake {
		snap.QR = s.lastQR
	}
	return snap
}

// SendText forwards one text message through the owned client.
// After teardown it fails instead of crashing; dispatch records the failure
// per recipient.
func (s *Session) SendText(ctx context.Context, to engine.Address, body string) error {
	cl, err := s.sendableClient()
	if err != nil {
		return err
	}
	s.touch()
	return cl.SendText(ctx, to, body)
}

func (s *Session) SendMedia(ctx context.Context, to engine.Address, media engine.Media, caption string) error {
	cl, err := s.sendableClient()
	if err != nil {
		return err
	}
	s.touch()
	return cl.SendMedia(ctx, to, media, caption)
}

func (s *Session) sendableClient() (engine.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.client == nil {
		return nil, ErrTornDown
	}
	return s.client, nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastEventAt = time.Now()
	s.mu.Unlock()
}

// run is the session's event loop. It owns every state transition.
func (s *Session) run(ctx context.Context) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if err := client.Initialize(ctx); err != nil {
		s.log.Error("engine initialization failed", logx.Err(err))
		s.terminate(ctx, StateFailed, notify.KindFailed, "initialization failure: "+err.Error())
		return
	}
	s.setState(StateAwaitingHandshake)
	s.log.Info("session awaiting handshake")

	for {
		select {
		case <-ctx.Done():
			s.terminate(context.Background(), StateDisconnected, notify.KindDisconnected, "server shutting down")
			return
		case <-s.closed:
			return
		case ev := <-s.events:
			if s.handle(ctx, ev) {
				return
			}
		}
	}
}

// handle applies one engine event. Returns true when the session reached a
// terminal state and the loop must exit.
func (s *Session) handle(ctx context.Context, ev engine.Event) bool {
	s.touch()

	switch ev.Kind {
	case engine.EventQR:
		s.mu.Lock()
		st := s.state
		if st == StateAwaitingHandshake {
			s.lastQR = ev.Payload
		}
		s.mu.Unlock()
		if st != StateAwaitingHandshake {
			s.log.Debug("handshake code ignored", logx.String("state", string(st)))
			return false
		}
		// Each reissue re-emits; the session stays put.
		s.publish(notify.KindQR, ev.Payload)
		s.publish(notify.KindMessage, "Scan the code to authenticate")
		return false

	case engine.EventAuthenticated:
		if !s.transition(StateAwaitingHandshake, StateAuthenticated) {
			return false
		}
		s.log.Info("session authenticated")
		s.publish(notify.KindAuthenticated, "")
		s.publish(notify.KindMessage, "Session authenticated")
		return false

	case engine.EventReady:
		if !s.transition(StateAuthenticated, StateReady) {
			return false
		}
		s.log.Info("session ready")
		s.publish(notify.KindReady, "")
		s.publish(notify.KindMessage, "Session is ready")
		return false

	case engine.EventAuthFailure:
		s.log.Warn("authentication failed", logx.String("reason", ev.Payload))
		s.terminate(ctx, StateFailed, notify.KindFailed, "authentication failure: "+ev.Payload)
		return true

	case engine.EventDisconnected:
		s.log.Warn("session disconnected", logx.String("reason", ev.Payload))
		s.publish(notify.KindMessage, "Session disconnected")
		if s.opts.AutoReinit {
			if s.reinit(ctx) {
				return false
			}
			s.terminate(ctx, StateFailed, notify.KindFailed, "reinitialize failed after disconnect")
			return true
		}
		s.terminate(ctx, StateDisconnected, notify.KindDisconnected, ev.Payload)
		return true

	default:
		s.log.Debug("unknown engine event", logx.String("kind", string(ev.Kind)))
		return false
	}
}

// reinit replaces the engine client after a disconnect. Attempts are spaced
// by exponential backoff so a flapping upstream doesn't hot-loop.
func (s *Session) reinit(ctx context.Context) bool {
	s.mu.Lock()
	old := s.client
	s.client = nil
	s.state = StateUninitialized
	s.mu.Unlock()

	if old != nil {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = old.Close(cctx)
		cancel()
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = s.opts.ReinitMaxElapsed

	var client engine.Client
	err := backoff.Retry(func() error {
		cl, err := s.factory(s.id, s.events)
		if err != nil {
			return err
		}
		if err := cl.Initialize(ctx); err != nil {
			cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			_ = cl.Close(cctx)
			cancel()
			return err
		}
		client = cl
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		s.log.Error("session reinitialize failed", logx.Err(err))
		return false
	}

	s.mu.Lock()
	s.client = client
	s.state = StateAwaitingHandshake
	s.lastQR = ""
	s.mu.Unlock()
	s.log.Info("session reinitialized after disconnect")
	return true
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// transition moves from -> to; out-of-order engine events are ignored.
func (s *Session) transition(from, to State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		s.log.Debug("transition ignored",
			logx.String("from", string(s.state)),
			logx.String("to", string(to)))
		return false
	}
	s.state = to
	return true
}

// terminate applies the terminal transition, releases the client, publishes
// the terminal event, and removes the session from the registry. Idempotent:
// only the first caller does any of it.
func (s *Session) terminate(ctx context.Context, st State, kind notify.Kind, reason string) {
	fired := false
	s.closeOnce.Do(func() {
		fired = true
		close(s.closed)
	})
	if !fired {
		return
	}

	s.mu.Lock()
	s.state = st
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client != nil {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if err := client.Close(cctx); err != nil {
			s.log.Debug("client close failed", logx.Err(err))
		}
		cancel()
	}

	s.publish(kind, reason)
	if s.onTerminal != nil {
		s.onTerminal(s)
	}
}

func (s *Session) publish(kind notify.Kind, payload string) {
	if s.bridge == nil {
		return
	}
	s.bridge.Publish(notify.Event{SessionID: s.id, Kind: kind, Payload: payload})
}
