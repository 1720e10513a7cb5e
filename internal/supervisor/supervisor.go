// Package supervisor owns the lifecycle of the relay listener, the poller
// and the admin server: it starts them together and coordinates graceful
// shutdown with a bounded grace period for open sessions.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dtrefilov-piterbyte/deucalion/internal/admin"
	"github.com/dtrefilov-piterbyte/deucalion/internal/clock"
	"github.com/dtrefilov-piterbyte/deucalion/internal/poller"
	"github.com/dtrefilov-piterbyte/deucalion/internal/relay"
)

// ErrForcedShutdown is returned when open sessions outlived the grace
// period and had their transports closed. The process should exit
// non-zero in that case.
var ErrForcedShutdown = errors.New("shutdown forced: sessions outlived the grace period")

// Supervisor runs the daemon's long-lived components and shuts them down
// in order: stop accepting, drain sessions up to the grace period, force
// the stragglers, let the poller finish its cycle, stop the admin server.
type Supervisor struct {
	listener *relay.Listener
	poller   *poller.Poller
	admin    *admin.Server
	clk      clock.Clock
	grace    time.Duration
	logger   *slog.Logger
}

// New wires a supervisor over already-constructed components.
func New(listener *relay.Listener, p *poller.Poller, adminSrv *admin.Server,
	clk clock.Clock, grace time.Duration, logger *slog.Logger) *Supervisor {

	return &Supervisor{
		listener: listener,
		poller:   p,
		admin:    adminSrv,
		clk:      clk,
		grace:    grace,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled (or a component fails fatally), then
// performs the shutdown sequence. It returns nil only after every
// component has fully stopped within the grace period; ErrForcedShutdown
// when sessions had to be cut off; any fatal component error otherwise.
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.listener.Run(gctx) })
	g.Go(func() error { return s.poller.Run(gctx) })
	g.Go(func() error { return s.admin.ListenAndServe() })
	g.Go(func() error {
		<-gctx.Done()
		// The admin server stays up slightly past the grace period so
		// probes can observe the drain.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace+time.Second)
		defer cancel()
		return s.admin.Shutdown(shutdownCtx)
	})

	<-gctx.Done()
	s.logger.Info("shutting down",
		slog.Duration("grace", s.grace),
		slog.Int("open_sessions", s.listener.ActiveSessions()),
	)

	forced := false
	timer := s.clk.NewTimer(s.grace)
	select {
	case <-s.listener.Drained():
		timer.Stop()
	case <-timer.C():
		forced = true
		s.logger.Warn("grace period expired, force-closing sessions",
			slog.Int("open_sessions", s.listener.ActiveSessions()),
		)
		s.listener.ForceClose()
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if forced {
		return ErrForcedShutdown
	}
	s.logger.Info("shutdown complete")
	return nil
}
