package app

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	logx "wagate/pkg/logx"
)

// scheduleReap (re)installs the idle-session sweep on the cron runner.
func (a *App) scheduleReap(spec string) (cron.EntryID, error) {
	a.mu.Lock()
	old := a.reapEntry
	a.mu.Unlock()

	id, err := a.cron.AddFunc(spec, a.reapIdle)
	if err != nil {
		return 0, err
	}
	if old != 0 {
		a.cron.Remove(old)
	}

	a.mu.Lock()
	a.reapEntry = id
	a.reapSpec = spec
	a.mu.Unlock()
	return id, nil
}

// reapIdle tears down sessions without activity for longer than the
// configured TTL. A TTL of zero disables reaping; Ready sessions count
// dispatch sends as activity.
func (a *App) reapIdle() {
	a.mu.Lock()
	ttl := a.idleTTL
	a.mu.Unlock()
	if ttl <= 0 || a.registry == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	reaped := 0
	for _, snap := range a.registry.Snapshots() {
		if time.Since(snap.LastEventAt) <= ttl {
			continue
		}
		if a.registry.Remove(ctx, snap.ID) {
			reaped++
			a.log.Info("idle session reaped",
				logx.String("session", snap.ID),
				logx.String("state", string(snap.State)),
				logx.Time("last_event_at", snap.LastEventAt),
			)
		}
	}
	if reaped > 0 {
		a.log.Info("idle sweep finished", logx.Int("reaped", reaped))
	}
}
