package sweep

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"
)

// Runner is satisfied by *Sweeper.
type Runner interface {
	Run(ctx context.Context) (Summary, error)
}

type SchedulerConfig struct {
	// Interval between timed sweeps. Zero disables the timer; sweeps then run
	// only on Trigger.
	Interval time.Duration
	// Timeout bounds one sweep. Zero means no bound.
	Timeout time.Duration
	// RunOnStart sweeps once before waiting for the first tick.
	RunOnStart bool
}

// Scheduler runs sweeps one at a time, on a timer and on demand.
type Scheduler struct {
	runner  Runner
	cfg     SchedulerConfig
	trigger chan struct{}
	log     *slog.Logger
}

func NewScheduler(runner Runner, cfg SchedulerConfig, log *slog.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("%w: nil runner", ErrInvalidConfig)
	}
	if cfg.Interval < 0 || cfg.Timeout < 0 {
		return nil, fmt.Errorf("%w: negative interval/timeout", ErrInvalidConfig)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scheduler{
		runner:  runner,
		cfg:     cfg,
		trigger: make(chan struct{}, 1),
		log:     log,
	}, nil
}

// Trigger requests a sweep. Requests made while one is already queued are
// coalesced; it reports whether this call queued a new one.
func (s *Scheduler) Trigger() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if s.cfg.Interval > 0 {
		t := time.NewTicker(s.cfg.Interval)
		defer t.Stop()
		tick = t.C
	}

	if s.cfg.RunOnStart {
		s.runOnce(ctx, "start")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick:
			s.runOnce(ctx, "timer")
		case <-s.trigger:
			s.runOnce(ctx, "trigger")
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
	}
	defer cancel()

	sum, err := s.runner.Run(runCtx)
	if err != nil {
		s.log.Error("sweep failed", "reason", reason, "err", err)
		return
	}
	s.log.Debug("sweep done", "reason", reason, "skipped", sum.Skipped, "routed", sum.Routed)
}
