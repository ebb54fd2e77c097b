package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/robfig/cron/v3"

	"wagate/internal/config"
	"wagate/internal/dispatch"
	"wagate/internal/engine/waha"
	"wagate/internal/notify"
	"wagate/internal/runtime/supervisor"
	"wagate/internal/server"
	"wagate/internal/session"
	"wagate/internal/storage"
	logx "wagate/pkg/logx"
)

// App wires the whole process: config, logging, storage, the session
// registry, the dispatch engine and the HTTP shell.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store      storage.Store
	bridge     notify.Bridge
	registry   *session.Registry
	dispatcher *dispatch.Engine
	httpSrv    *server.Server

	sup  *supervisor.Supervisor
	cron *cron.Cron

	mu        sync.Mutex
	idleTTL   time.Duration
	reapSpec  string
	reapEntry cron.EntryID

	started bool
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log.With(logx.String("comp", "config")))

	var busy time.Duration
	storageCfg := storage.Config{}
	if cfg.Storage != nil {
		busy, _ = cfg.Storage.BusyTimeoutD()
		storageCfg = storage.Config{Driver: cfg.Storage.Driver, Path: cfg.Storage.Path, BusyTimeout: busy}
	}
	store, err := storage.Open(storageCfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	dispatchCfg, err := dispatchConfig(cfg.Dispatch)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}

	a := &App{
		cfgMgr:     mgr,
		logSvc:     logSvc,
		log:        log,
		store:      store,
		bridge:     notify.New(),
		dispatcher: dispatch.New(dispatchCfg, log.With(logx.String("comp", "dispatch"))),
		cron:       cron.New(),
	}

	ttl, _ := cfg.Sessions.IdleTTLD()
	a.idleTTL = ttl
	a.reapSpec = cfg.Sessions.ReapSchedule
	return a, nil
}

func dispatchConfig(c config.DispatchConfig) (dispatch.Config, error) {
	per, err := c.PerMessageDelayD()
	if err != nil {
		return dispatch.Config{}, err
	}
	inter, err := c.InterBatchDelayD()
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		RatePerSec: c.RatePerSec,
		DefaultPolicy: dispatch.Policy{
			PerMessageDelay: per,
			BatchSize:       c.BatchSize,
			InterBatchDelay: inter,
		},
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.started {
		a.mu.Unlock()
		return fmt.Errorf("app already started")
	}
	a.started = true
	a.mu.Unlock()

	cfg := a.cfgMgr.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))))

	pollInterval, _ := cfg.Engine.PollIntervalD()
	callTimeout, _ := cfg.Engine.CallTimeoutD()
	factory := waha.Factory(waha.Config{
		BaseURL:      cfg.Engine.BaseURL,
		APIKey:       cfg.Engine.APIKey,
		PollInterval: pollInterval,
		CallTimeout:  callTimeout,
	}, a.log)

	reinitMax, _ := cfg.Sessions.ReinitMaxElapsedD()
	a.registry = session.NewRegistry(factory, a.bridge, a.sup, a.log, session.Options{
		AutoReinit:       cfg.Sessions.AutoReinit,
		ReinitMaxElapsed: reinitMax,
	})

	a.httpSrv = server.New(server.Config{
		Addr:           cfg.Server.Addr,
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
	}, a.registry, a.dispatcher, a.bridge, a.log)
	a.httpSrv.Audit = a.auditDispatch
	if err := a.httpSrv.Start(ctx); err != nil {
		return fmt.Errorf("start http: %w", err)
	}

	// Persist lifecycle transitions (not QR payloads) when storage is on.
	if a.store != nil {
		a.sup.Go0("audit-tap", a.auditTap)
	}

	// Config hot-reload.
	a.sup.Go("config-watch", a.cfgMgr.Watch)
	a.sup.Go0("config-apply", a.applyLoop)

	// Idle-session janitor.
	if _, err := a.scheduleReap(a.reapSpec); err != nil {
		return fmt.Errorf("reap schedule: %w", err)
	}
	a.cron.Start()

	// systemd integration is best-effort; outside systemd these are no-ops.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		a.sup.Go0("sd-watchdog", func(ctx context.Context) {
			t := time.NewTicker(interval / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-t.C:
					_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				}
			}
		})
	}

	a.log.Info("wagate started",
		logx.String("addr", cfg.Server.Addr),
		logx.String("engine", cfg.Engine.BaseURL),
		logx.Bool("storage", a.store != nil),
	)
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if a.httpSrv != nil {
		_ = a.httpSrv.Stop(ctx)
	}
	cronCtx := a.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-ctx.Done():
	}
	if a.registry != nil {
		a.registry.Shutdown(ctx)
	}
	if a.sup != nil {
		_ = a.sup.Stop(ctx)
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	a.log.Info("wagate stopped")
	return a.logSvc.Close()
}

// applyLoop pushes hot-reloadable config sections into running services.
// The engine base URL and the listen address require a restart; everything
// else applies live.
func (a *App) applyLoop(ctx context.Context) {
	ch := a.cfgMgr.Subscribe(4)
	defer a.cfgMgr.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			a.logSvc.Apply(logx.Config{
				Level:   cfg.Logging.Level,
				Console: cfg.Logging.Console,
				File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
			})
			if dc, err := dispatchConfig(cfg.Dispatch); err == nil {
				a.dispatcher.Apply(dc)
			}

			ttl, _ := cfg.Sessions.IdleTTLD()
			a.mu.Lock()
			a.idleTTL = ttl
			specChanged := cfg.Sessions.ReapSchedule != a.reapSpec
			a.mu.Unlock()
			if specChanged {
				if _, err := a.scheduleReap(cfg.Sessions.ReapSchedule); err != nil {
					a.log.Warn("reap schedule rejected", logx.Err(err))
				}
			}
			a.log.Info("config applied")
		}
	}
}

// auditTap persists session lifecycle events from the bridge firehose.
func (a *App) auditTap(ctx context.Context) {
	ch, untap := a.bridge.Tap(128)
	defer untap()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Kind {
			case notify.KindAuthenticated, notify.KindReady, notify.KindDisconnected, notify.KindFailed:
			default:
				continue
			}
			cctx, cancel := context.WithTimeout(ctx, time.Second)
			err := a.store.AppendSessionEvent(cctx, storage.SessionEvent{
				At:        ev.Time,
				SessionID: ev.SessionID,
				Kind:      string(ev.Kind),
				Reason:    ev.Payload,
			})
			cancel()
			if err != nil {
				a.log.Debug("session audit write failed", logx.Err(err))
			}
		}
	}
}

// auditDispatch records one finished dispatch job. Best-effort.
func (a *App) auditDispatch(ctx context.Context, sessionID string, res dispatch.Result, media bool) {
	if a.store == nil {
		return
	}

	var failures []string
	for _, o := range res.Outcomes {
		if !o.Sent {
			failures = append(failures, o.Line())
			if len(failures) >= 200 {
				break
			}
		}
	}
	var failuresJSON string
	if len(failures) > 0 {
		if b, err := json.Marshal(failures); err == nil {
			failuresJSON = string(b)
		}
	}

	cctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	err := a.store.AppendDispatch(cctx, storage.DispatchEntry{
		At:           res.StartedAt,
		SessionID:    sessionID,
		JobID:        res.JobID,
		Total:        len(res.Outcomes),
		Sent:         res.SentCount(),
		Failed:       res.FailedCount(),
		Media:        media,
		TookMS:       res.FinishedAt.Sub(res.StartedAt).Milliseconds(),
		FailuresJSON: failuresJSON,
	})
	if err != nil {
		a.log.Debug("dispatch audit write failed", logx.Err(err))
	}
}
