// Package poller drives the periodic fleet refresh. Ticks follow an
// absolute schedule anchored at startup so a slow cycle does not
// accumulate drift; a tick that lands while a cycle is still running is
// skipped, never queued. A failed cycle keeps the previous snapshot
// visible to sessions.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dtrefilov-piterbyte/deucalion/internal/clock"
	"github.com/dtrefilov-piterbyte/deucalion/internal/metrics"
	"github.com/dtrefilov-piterbyte/deucalion/internal/state"
)

// defaultDegradeThreshold is how many consecutive refresh failures flip
// the poller into the degraded state surfaced on the readiness probe.
const defaultDegradeThreshold = 3

// Refresher is the external collaborator called once per tick. It returns
// a complete replacement fleet or a transient error, and bounds its own
// run time; the poller never imposes a deadline on it.
type Refresher interface {
	Refresh(ctx context.Context) (state.FleetData, error)
}

// RefresherFunc adapts a function to the Refresher interface.
type RefresherFunc func(ctx context.Context) (state.FleetData, error)

func (f RefresherFunc) Refresh(ctx context.Context) (state.FleetData, error) {
	return f(ctx)
}

// Config parameterizes the poller.
type Config struct {
	// Period is the fixed interval between ticks.
	Period time.Duration
	// DegradeThreshold is the consecutive-failure count that marks the
	// poller degraded. Zero means the default of 3.
	DegradeThreshold int
}

// Poller publishes fleet snapshots on a fixed cadence, independent of
// connection load.
type Poller struct {
	cfg       Config
	refresher Refresher
	store     *state.Store
	metrics   *metrics.Metrics
	clk       clock.Clock
	logger    *slog.Logger

	inFlight   atomic.Bool
	wg         sync.WaitGroup
	failStreak atomic.Int32
	degraded   atomic.Bool
}

// New wires a poller. It does not start anything; call Run.
func New(cfg Config, refresher Refresher, store *state.Store, m *metrics.Metrics,
	clk clock.Clock, logger *slog.Logger) *Poller {

	if cfg.DegradeThreshold <= 0 {
		cfg.DegradeThreshold = defaultDegradeThreshold
	}
	return &Poller{
		cfg:       cfg,
		refresher: refresher,
		store:     store,
		metrics:   m,
		clk:       clk,
		logger:    logger,
	}
}

// Degraded reports whether the failure streak has crossed the threshold.
// It clears on the next successful cycle.
func (p *Poller) Degraded() bool { return p.degraded.Load() }

// Run executes the first cycle immediately, then ticks at start+n·period
// until ctx is cancelled. Cancellation lets an in-flight cycle complete
// before Run returns; a refresh failure never terminates the loop.
func (p *Poller) Run(ctx context.Context) error {
	start := p.clk.Now()
	p.startCycle(ctx)

	for n := int64(1); ; n++ {
		next := start.Add(time.Duration(n) * p.cfg.Period)
		timer := p.clk.NewTimer(next.Sub(p.clk.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			p.wg.Wait()
			return nil
		case <-timer.C():
		}
		p.startCycle(ctx)
	}
}

func (p *Poller) startCycle(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.metrics.PollSkipped()
		p.logger.Warn("refresh cycle still running, skipping tick",
			slog.Duration("period", p.cfg.Period),
		)
		return
	}
	p.wg.Add(1)
	// The cycle survives shutdown cancellation; the refresher bounds
	// its own run time.
	cctx := context.WithoutCancel(ctx)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Store(false)
		p.cycle(cctx)
	}()
}

func (p *Poller) cycle(ctx context.Context) {
	started := p.clk.Now()
	fleet, err := p.refresher.Refresh(ctx)
	if err != nil {
		p.metrics.PollFailed()
		streak := int(p.failStreak.Add(1))
		p.logger.Warn("refresh failed, keeping previous snapshot",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", streak),
		)
		if streak >= p.cfg.DegradeThreshold && p.degraded.CompareAndSwap(false, true) {
			p.logger.Error("poller degraded",
				slog.Int("consecutive_failures", streak),
			)
		}
		return
	}

	p.failStreak.Store(0)
	if p.degraded.CompareAndSwap(true, false) {
		p.logger.Info("poller recovered")
	}

	snap := p.store.Publish(p.clk.Now(), fleet)
	took := p.clk.Now().Sub(started)
	p.metrics.PollCompleted(took)
	p.metrics.SetFleet(snap)
	p.logger.Debug("snapshot published",
		slog.Uint64("version", snap.Version),
		slog.Int("instances", len(fleet)),
		slog.Duration("took", took),
	)
}
