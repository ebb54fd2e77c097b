package session

import (
	"context"
	"errors"
	"sync"

	"wagate/internal/engine"
	"wagate/internal/notify"
	"wagate/internal/runtime/supervisor"
	logx "wagate/pkg/logx"
)

// ErrNotFound is returned for lookups of unknown (or already removed) sessions.
var ErrNotFound = errors.New("session not found")

// Registry owns the only sessionID -> Session mapping in the process.
// All mutation goes through GetOrCreate / Remove; the map is in-memory only
// and rebuilt empty on restart.
type Registry struct {
	factory engine.Factory
	bridge  notify.Bridge
	sup     *supervisor.Supervisor
	log     logx.Logger
	opts    Options

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry(factory engine.Factory, bridge notify.Bridge, sup *supervisor.Supervisor, log logx.Logger, opts Options) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		factory:  factory,
		bridge:   bridge,
		sup:      sup,
		log:      log,
		opts:     opts,
		sessions: map[string]*Session{},
	}
}

// GetOrCreate returns the live session for id, creating one if absent.
//
// Creation is serialized under the registry lock, so concurrent calls for the
// same unseen id construct exactly one engine client: the factory only builds
// an unstarted client, the (slow) network initialization runs afterwards in
// the session's own event loop.
func (r *Registry) GetOrCreate(id string) (*Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		return s, false, nil
	}

	s, err := newSession(id, r.factory, r.bridge, r.log, r.opts, r.removeTerminal)
	if err != nil {
		return nil, false, err
	}
	r.sessions[id] = s
	r.sup.Go0("session:"+id, s.run)
	r.log.Info("session created", logx.String("session", id))
	return s, true, nil
}

// Get is a pure lookup with no side effects.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	r.mu.Unlock()
	return s, ok
}

// Remove tears the session down and drops it from the map.
// A no-op (returning false) when the id is absent; calling it twice is safe.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.terminate(ctx, StateDisconnected, notify.KindDisconnected, "session removed")
	r.log.Info("session removed", logx.String("session", id))
	return true
}

// removeTerminal is the session's self-removal hook. It only drops the entry
// if the map still holds this exact session, so a concurrently created
// successor under the same id survives.
func (r *Registry) removeTerminal(s *Session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	r.log.Info("session ended", logx.String("session", s.id), logx.String("state", string(s.Snapshot().State)))
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Snapshots returns a point-in-time view of every live session.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	ss := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		ss = append(ss, s)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(ss))
	for _, s := range ss {
		out = append(out, s.Snapshot())
	}
	return out
}

// Shutdown drains every session. Used at process stop.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Remove(ctx, id)
	}
}
