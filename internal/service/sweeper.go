package service

import (
	"context"
	"fmt"
	"time"

	"github.com/carebridge/comms-engine/internal/observability"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const defaultSweepTimeout = 2 * time.Minute

// SweepFunc is one idempotent maintenance pass. Sweeps are written so that
// running one twice, or on two instances at once, never double-sends.
type SweepFunc func(ctx context.Context) (SweepStats, error)

// SweepLease serializes a named sweep across instances. Do reports whether
// fn ran; a lease held elsewhere makes Do return (false, nil).
type SweepLease interface {
	Do(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error)
}

// SweepRunner schedules the recurring maintenance sweeps on cron expressions
// and guards each run with a distributed lease so that only one instance
// works a given sweep at a time.
type SweepRunner struct {
	cron    *cron.Cron
	lease   SweepLease
	logger  *zap.Logger
	metrics *observability.Metrics
	timeout time.Duration
}

func NewSweepRunner(lease SweepLease, logger *zap.Logger) (*SweepRunner, error) {
	if lease == nil {
		return nil, fmt.Errorf("sweep lease is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &SweepRunner{
		cron:    cron.New(cron.WithSeconds()),
		lease:   lease,
		logger:  logger,
		timeout: defaultSweepTimeout,
	}, nil
}

func (r *SweepRunner) SetMetrics(metrics *observability.Metrics) {
	if r == nil {
		return
	}
	r.metrics = metrics
}

// Register adds a sweep under the given cron spec. The spec uses the
// six-field form with a seconds column.
func (r *SweepRunner) Register(name, spec string, fn SweepFunc) error {
	if name == "" {
		return fmt.Errorf("sweep name is required")
	}
	if fn == nil {
		return fmt.Errorf("sweep function is required")
	}

	_, err := r.cron.AddFunc(spec, func() {
		r.runSweep(name, fn)
	})
	if err != nil {
		return fmt.Errorf("failed to register sweep %q: %w", name, err)
	}

	r.logger.Info("sweep registered",
		zap.String("sweep", name),
		zap.String("spec", spec),
	)
	return nil
}

// Start runs the cron loop until ctx is cancelled. In-flight sweeps finish
// before Start returns.
func (r *SweepRunner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.cron.Start()
	<-ctx.Done()

	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	return nil
}

// RunOnce executes a sweep immediately under the lease, outside the cron
// schedule. It reports whether the sweep actually ran.
func (r *SweepRunner) RunOnce(ctx context.Context, name string, fn SweepFunc) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var stats SweepStats
	ran, err := r.lease.Do(ctx, name, func(ctx context.Context) error {
		var sweepErr error
		stats, sweepErr = fn(ctx)
		return sweepErr
	})
	if err != nil {
		return ran, err
	}
	if ran {
		r.logSweep(observability.WithContextLogger(r.logger, ctx), name, stats)
	}
	return ran, nil
}

func (r *SweepRunner) runSweep(name string, fn SweepFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	// Every run gets its own correlation id so log lines emitted while
	// sending on behalf of this sweep can be tied back to it.
	ctx = observability.WithCorrelationID(ctx, uuid.NewString())
	logger := observability.WithContextLogger(r.logger, ctx)

	start := time.Now()
	var stats SweepStats
	ran, err := r.lease.Do(ctx, name, func(ctx context.Context) error {
		var sweepErr error
		stats, sweepErr = fn(ctx)
		return sweepErr
	})
	elapsed := time.Since(start)

	switch {
	case err != nil:
		r.observeSweep(name, "error", elapsed)
		logger.Error("sweep failed",
			zap.String("sweep", name),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
	case !ran:
		r.observeSweep(name, "skipped", elapsed)
		logger.Debug("sweep held elsewhere",
			zap.String("sweep", name),
		)
	default:
		r.observeSweep(name, "ok", elapsed)
		r.logSweep(logger, name, stats)
	}
}

func (r *SweepRunner) observeSweep(name, outcome string, elapsed time.Duration) {
	if r.metrics != nil {
		r.metrics.ObserveSweep(name, outcome, elapsed)
	}
}

func (r *SweepRunner) logSweep(logger *zap.Logger, name string, stats SweepStats) {
	if stats.Scanned == 0 {
		return
	}
	logger.Info("sweep completed",
		zap.String("sweep", name),
		zap.Int("scanned", stats.Scanned),
		zap.Int("sent", stats.Sent),
		zap.Int("failed", stats.Failed),
		zap.Int("skipped", stats.Skipped),
	)
}
