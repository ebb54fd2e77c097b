package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"wagate/internal/engine"
	logx "wagate/pkg/logx"
)

// Sender is the slice of a session the engine needs: readiness plus the
// owned client's send surface. Implementations must keep sends failing
// (not crashing) after teardown.
type Sender interface {
	Ready() bool
	SendText(ctx context.Context, to engine.Address, body string) error
	SendMedia(ctx context.Context, to engine.Address, media engine.Media, caption string) error
}

// Config controls engine-wide knobs; per-job pacing comes with the Job.
type Config struct {
	// RatePerSec is a global ceiling across all jobs and sessions,
	// applied on top of each job's pacing policy. 0 disables it.
	RatePerSec int
	// DefaultPolicy fills a job's zero-value policy fields.
	DefaultPolicy Policy
}

// Engine executes bulk-send jobs sequentially per call.
//
// A Dispatch call is long-running by design: its duration is roughly the sum
// of the applied pacing delays. Callers treat it as a blocking background
// operation, not a fast request/response call.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	log      logx.Logger

	// wait is timer-based and honors ctx; tests substitute it.
	wait func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Engine{log: log, wait: sleepCtx}
	e.applyLocked(cfg)
	return e
}

// Apply swaps engine-wide knobs at runtime. Safe to call concurrently;
// in-flight jobs pick up the new limiter on their next send.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	e.applyLocked(cfg)
	e.mu.Unlock()
}

func (e *Engine) applyLocked(cfg Config) {
	e.cfg = cfg
	if cfg.RatePerSec > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	} else {
		e.limiter = nil
	}
}

// Dispatch sends job.Payload to every recipient in input order and returns
// one outcome per recipient, also in input order.
//
// A single recipient's delivery failure never aborts the batch. Precondition
// failures (ErrNotReady, ErrInvalidJob) are returned before any send.
func (e *Engine) Dispatch(ctx context.Context, s Sender, job Job) (Result, error) {
	if len(job.Recipients) == 0 {
		return Result{}, fmt.Errorf("%w: no recipients", ErrInvalidJob)
	}
	if err := job.Payload.validate(); err != nil {
		return Result{}, err
	}
	if s == nil || !s.Ready() {
		return Result{}, ErrNotReady
	}

	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	e.mu.Lock()
	pol := e.resolvePolicyLocked(job.Policy)
	e.mu.Unlock()

	res := Result{
		JobID:     job.ID,
		Outcomes:  make([]Outcome, 0, len(job.Recipients)),
		StartedAt: time.Now(),
	}
	log := e.log.With(logx.String("job", job.ID))
	log.Info("dispatch job started",
		logx.Int("total", len(job.Recipients)),
		logx.Bool("media", job.Payload.Media != nil),
		logx.Duration("per_message_delay", pol.PerMessageDelay),
		logx.Int("batch_size", pol.BatchSize),
		logx.Duration("inter_batch_delay", pol.InterBatchDelay),
	)

	n := len(job.Recipients)
	for i, raw := range job.Recipients {
		addr := engine.NormalizeAddress(raw)

		if err := ctx.Err(); err != nil {
			res.Outcomes = append(res.Outcomes, Outcome{Recipient: addr, Reason: err.Error()})
			continue
		}

		if !addr.Valid() {
			res.Outcomes = append(res.Outcomes, Outcome{Recipient: addr, Reason: "invalid recipient address"})
		} else if err := e.sendOne(ctx, s, addr, job.Payload); err != nil {
			res.Outcomes = append(res.Outcomes, Outcome{Recipient: addr, Reason: err.Error()})
			log.Debug("dispatch send failed", logx.String("to", addr.String()), logx.Err(err))
		} else {
			res.Outcomes = append(res.Outcomes, Outcome{Recipient: addr, Sent: true})
			log.Debug("dispatch send ok", logx.String("to", addr.String()), logx.String("progress", fmt.Sprintf("%d of %d", i+1, n)))
		}

		// Pacing: nothing after the last send; at a batch boundary the batch
		// pause replaces the per-message delay.
		if i == n-1 {
			break
		}
		d := pol.PerMessageDelay
		if (i+1)%pol.BatchSize == 0 {
			d = pol.InterBatchDelay
		}
		if d <= 0 {
			continue
		}
		if err := e.wait(ctx, d); err != nil {
			// Cancelled while pacing: the remaining recipients were never
			// attempted; record them as failed so the result stays complete.
			for _, rest := range job.Recipients[i+1:] {
				res.Outcomes = append(res.Outcomes, Outcome{Recipient: engine.NormalizeAddress(rest), Reason: err.Error()})
			}
			break
		}
	}

	res.FinishedAt = time.Now()
	fields := []logx.Field{
		logx.Int("total", n),
		logx.Int("failed", res.FailedCount()),
		logx.Duration("dur", res.FinishedAt.Sub(res.StartedAt)),
	}
	if res.FailedCount() > 0 {
		log.Warn("dispatch job finished with failures", fields...)
	} else {
		log.Info("dispatch job finished", fields...)
	}
	return res, nil
}

func (e *Engine) sendOne(ctx context.Context, s Sender, to engine.Address, p Payload) error {
	// Snapshot the limiter so Apply() can't race us.
	e.mu.Lock()
	lim := e.limiter
	e.mu.Unlock()

	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	if p.Media != nil {
		return s.SendMedia(ctx, to, *p.Media, p.Body)
	}
	return s.SendText(ctx, to, p.Body)
}

func (e *Engine) resolvePolicyLocked(p Policy) Policy {
	def := e.cfg.DefaultPolicy
	if p.PerMessageDelay == 0 {
		p.PerMessageDelay = def.PerMessageDelay
	}
	if p.BatchSize == 0 {
		p.BatchSize = def.BatchSize
	}
	if p.InterBatchDelay == 0 {
		p.InterBatchDelay = def.InterBatchDelay
	}
	return p.normalized()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	select {
	case <-ctx.Done():
		if !t.Stop() {
			<-t.C
		}
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
