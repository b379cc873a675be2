package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/formlane/creditledger/internal/clock"
	creditdomain "github.com/formlane/creditledger/internal/credit/domain"
	obsmetrics "github.com/formlane/creditledger/internal/observability/metrics"
	"github.com/formlane/creditledger/internal/ratelimit"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrInvalidConfig reports missing sweeper dependencies.
var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	Log       *zap.Logger
	CreditSvc creditdomain.Service
	Clock     clock.Clock
	Limiter   *ratelimit.RequestLimiter `optional:"true"`
	Config    Config                    `optional:"true"`
}

// Sweeper reclaims pending reservations past their deadline, returning held
// credits to the spendable pool. Reservations are a soft lease; the sweeper
// only fires for crashed or abandoned callers, since well-behaved flows
// settle or release before returning.
type Sweeper struct {
	log       *zap.Logger
	cfg       Config
	creditSvc creditdomain.Service
	clock     clock.Clock
	limiter   *ratelimit.RequestLimiter
}

func New(p Params) (*Sweeper, error) {
	if p.Log == nil || p.CreditSvc == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Sweeper{
		log:       p.Log.Named("scheduler").With(zap.String("component", "sweeper")),
		cfg:       p.Config.withDefaults(),
		creditSvc: p.CreditSvc,
		clock:     p.Clock,
		limiter:   p.Limiter,
	}, nil
}

// RunOnce performs a single sweep: acquire the leadership lease when redis
// is configured, then expire overdue reservations batch by batch until a
// short batch signals the backlog is drained.
func (s *Sweeper) RunOnce(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.cfg.RunTimeout)
	defer cancel()

	sweepMetrics := obsmetrics.Sweeper()
	sweepMetrics.IncSweepRun()
	start := s.clock.Now()

	token, acquired, err := s.limiter.TryLockSweep(ctx, s.cfg.RunInterval)
	if err != nil {
		sweepMetrics.IncSweepError(err)
		return err
	}
	if !acquired {
		return nil
	}
	defer func() {
		if err := s.limiter.ReleaseSweep(ctx, token); err != nil {
			s.log.Warn("failed to release sweep lease", zap.Error(err))
		}
	}()

	total := 0
	for {
		expired, err := s.creditSvc.ExpireOverdue(ctx, s.cfg.BatchSize)
		total += expired
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				sweepMetrics.IncSweepTimeout()
			}
			sweepMetrics.IncSweepError(err)
			sweepMetrics.AddExpired(total)
			return err
		}
		if expired < s.cfg.BatchSize {
			break
		}
	}

	sweepMetrics.AddExpired(total)
	sweepMetrics.ObserveSweepDuration(s.clock.Now().Sub(start))
	if total > 0 {
		s.log.Info("sweep complete", zap.Int("expired", total))
	}
	return nil
}

// RunForever sweeps on the configured interval until the context ends.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	sweepMetrics := obsmetrics.Sweeper()

	for {
		runLag := s.clock.Now().Sub(nextRun)
		if runLag > 0 {
			sweepMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("sweep run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
