package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/dtrefilov-piterbyte/deucalion/internal/clock"
	"github.com/dtrefilov-piterbyte/deucalion/internal/metrics"
	"github.com/dtrefilov-piterbyte/deucalion/internal/state"
)

const (
	initialAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff     = time.Second
)

// ListenerConfig parameterizes the relay listener.
type ListenerConfig struct {
	// Addr is the host:port to bind.
	Addr string
	// TLS, when non-nil, wraps the listener so sessions are
	// TLS-terminated. A failed handshake surfaces as a read error on
	// that session only, never as a listener failure.
	TLS *tls.Config
	// MaxConns caps simultaneously open sessions; connections past the
	// cap are closed immediately, never queued.
	MaxConns int
	// AcceptRate caps accepted connections per second; zero disables.
	AcceptRate float64
	// Session holds the per-session timeout budgets.
	Session SessionConfig
}

// Listener binds the relay address, accepts connections and drives one
// Session per connection to a terminal state.
type Listener struct {
	cfg     ListenerConfig
	clk     clock.Clock
	store   *state.Store
	interp  Interpreter
	metrics *metrics.Metrics
	logger  *slog.Logger
	limiter *rate.Limiter

	mu       sync.Mutex
	sessions map[uuid.UUID]*Session

	ln      net.Listener
	drained chan struct{}
}

// NewListener wires a relay listener. Call Bind before Run to fail fast on
// an unusable address, or let Run bind lazily.
func NewListener(cfg ListenerConfig, clk clock.Clock, store *state.Store,
	interp Interpreter, m *metrics.Metrics, logger *slog.Logger) *Listener {

	l := &Listener{
		cfg:      cfg,
		clk:      clk,
		store:    store,
		interp:   interp,
		metrics:  m,
		logger:   logger,
		sessions: make(map[uuid.UUID]*Session),
		drained:  make(chan struct{}),
	}
	if cfg.AcceptRate > 0 {
		burst := int(cfg.AcceptRate)
		if burst < 1 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	return l
}

// Bind binds the listen socket. A failure here is a startup error, not a
// per-connection one.
func (l *Listener) Bind() error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", l.cfg.Addr, err)
	}
	if l.cfg.TLS != nil {
		ln = tls.NewListener(ln, l.cfg.TLS)
	}
	l.ln = ln
	return nil
}

// Addr returns the bound address. Only valid after Bind.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Run accepts connections until ctx is cancelled, then waits for every
// session goroutine to finish before returning. Transient accept errors
// (fd exhaustion and the like) are logged and retried with capped backoff
// for as long as they last; only a dead listening socket is fatal and
// returned to the caller.
func (l *Listener) Run(ctx context.Context) error {
	if l.ln == nil {
		if err := l.Bind(); err != nil {
			close(l.drained)
			return err
		}
	}

	go func() {
		<-ctx.Done()
		_ = l.ln.Close()
	}()

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		close(l.drained)
	}()

	l.logger.Info("relay listening",
		slog.String("addr", l.ln.Addr().String()),
		slog.Bool("tls", l.cfg.TLS != nil),
		slog.Int("max_conns", l.cfg.MaxConns),
	)

	backoff := initialAcceptBackoff
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("listen socket closed: %w", err)
			}
			l.logger.Warn("accept failed, backing off",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			timer := l.clk.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C():
			}
			backoff = min(backoff*2, maxAcceptBackoff)
			continue
		}
		backoff = initialAcceptBackoff

		if l.limiter != nil && !l.limiter.Allow() {
			l.metrics.ConnRejected()
			_ = conn.Close()
			continue
		}
		if l.metrics.OpenConns() >= int64(l.cfg.MaxConns) {
			l.metrics.ConnRejected()
			l.logger.Warn("connection cap reached, rejecting",
				slog.Int("max_conns", l.cfg.MaxConns),
				slog.String("remote_addr", conn.RemoteAddr().String()),
			)
			_ = conn.Close()
			continue
		}

		l.metrics.ConnOpened()
		var sess *Session
		sess = NewSession(conn, l.cfg.Session, l.clk, l.store, l.interp, l.logger,
			func(reason SessionState) {
				if reason == StateTimedOut {
					l.metrics.ConnTimedOut()
				}
				l.metrics.ConnClosed()
				l.remove(sess)
			})
		l.add(sess)

		wg.Add(1)
		go func() {
			defer wg.Done()
			sess.Run(ctx)
		}()
	}
}

// Drained is closed once the accept loop has stopped and every session
// goroutine has finished.
func (l *Listener) Drained() <-chan struct{} { return l.drained }

// ForceClose closes the transport of every still-open session. Used by the
// supervisor when the shutdown grace period expires.
func (l *Listener) ForceClose() {
	l.mu.Lock()
	open := make([]*Session, 0, len(l.sessions))
	for _, s := range l.sessions {
		open = append(open, s)
	}
	l.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
}

// ActiveSessions returns the number of sessions not yet closed.
func (l *Listener) ActiveSessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Listener) add(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[s.ID()] = s
}

func (l *Listener) remove(s *Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, s.ID())
}
