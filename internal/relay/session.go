// Package relay implements the connection core: a TCP/TLS listener that
// multiplexes many client sessions, each a small state machine enforcing
// read and keep-alive deadlines around an opaque, length-prefixed payload
// protocol served against the current fleet snapshot.
package relay

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dtrefilov-piterbyte/deucalion/internal/clock"
	"github.com/dtrefilov-piterbyte/deucalion/internal/state"
)

// SessionState is the lifecycle state of one accepted connection.
type SessionState int32

const (
	StateAccepted SessionState = iota
	StateReading
	StateProcessing
	StateWriting
	StateIdle
	// Terminal states.
	StateClosed
	StateTimedOut
	StateErrored
)

func (s SessionState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateReading:
		return "reading"
	case StateProcessing:
		return "processing"
	case StateWriting:
		return "writing"
	case StateIdle:
		return "idle"
	case StateClosed:
		return "closed"
	case StateTimedOut:
		return "timed_out"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final.
func (s SessionState) Terminal() bool {
	return s == StateClosed || s == StateTimedOut || s == StateErrored
}

// Interpreter is the payload collaborator: given one request frame and the
// current fleet snapshot, it produces the response bytes or a protocol
// error. The relay treats both sides as opaque.
type Interpreter interface {
	Interpret(ctx context.Context, request []byte, snap *state.Snapshot) ([]byte, error)
}

// InterpreterFunc adapts a function to the Interpreter interface.
type InterpreterFunc func(ctx context.Context, request []byte, snap *state.Snapshot) ([]byte, error)

func (f InterpreterFunc) Interpret(ctx context.Context, request []byte, snap *state.Snapshot) ([]byte, error) {
	return f(ctx, request, snap)
}

// SessionConfig holds the per-session timeout budgets.
type SessionConfig struct {
	// ReadTimeout budgets the wait for the first request and for
	// completing any request once its first byte arrived. The write
	// side reuses the same budget.
	ReadTimeout time.Duration
	// KeepAliveTimeout budgets the idle wait between requests on a
	// reused connection.
	KeepAliveTimeout time.Duration
}

// readEvent is what the session's reader goroutine reports: a request
// began (first byte arrived), a complete frame, or a read failure. Events
// are delivered in order on a single channel, so a frame is always
// preceded by its began event.
type readEvent struct {
	began bool
	frame []byte
	err   error
}

// Session drives one accepted connection from Accepted to a terminal
// state. It is exclusively owned by the goroutine running Run; the only
// cross-goroutine entry point is Close, which is idempotent.
type Session struct {
	id      uuid.UUID
	conn    net.Conn
	cfg     SessionConfig
	clk     clock.Clock
	store   *state.Store
	interp  Interpreter
	logger  *slog.Logger
	onClose func(reason SessionState)

	createdAt    time.Time
	lastActivity time.Time

	st        atomic.Int32
	events    chan readEvent
	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an accepted connection. onClose runs exactly once when
// the session reaches a terminal state, with the reason it closed.
func NewSession(conn net.Conn, cfg SessionConfig, clk clock.Clock, store *state.Store,
	interp Interpreter, logger *slog.Logger, onClose func(reason SessionState)) *Session {

	id := uuid.New()
	now := clk.Now()
	s := &Session{
		id:           id,
		conn:         conn,
		cfg:          cfg,
		clk:          clk,
		store:        store,
		interp:       interp,
		onClose:      onClose,
		createdAt:    now,
		lastActivity: now,
		events:       make(chan readEvent),
		done:         make(chan struct{}),
		logger: logger.With(
			slog.String("session_id", id.String()),
			slog.String("remote_addr", conn.RemoteAddr().String()),
		),
	}
	s.st.Store(int32(StateAccepted))
	return s
}

// ID returns the session's unique identifier.
func (s *Session) ID() uuid.UUID { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() SessionState { return SessionState(s.st.Load()) }

// CreatedAt returns when the connection was accepted.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Close forces the session shut. Safe to call from any goroutine and any
// number of times; the transport is closed and onClose runs exactly once.
func (s *Session) Close() { s.close(StateClosed) }

// Run serves requests until the session reaches a terminal state. Shutdown
// via ctx aborts reading and idle waits immediately but never interrupts
// in-flight processing or writing; those run to completion (or until the
// transport is forcibly closed).
func (s *Session) Run(ctx context.Context) {
	go s.readLoop()

	served := 0
	for {
		// Wait for the next request to begin. The first request is
		// budgeted by the read timeout, later ones by the keep-alive
		// timeout; a request whose first byte arrives before the
		// deadline is honored in full.
		budget := s.cfg.KeepAliveTimeout
		if served == 0 {
			s.setState(StateReading)
			budget = s.cfg.ReadTimeout
		} else {
			s.setState(StateIdle)
		}

		timer := s.clk.NewTimer(s.lastActivity.Add(budget).Sub(s.clk.Now()))
		var ev readEvent
		select {
		case <-ctx.Done():
			timer.Stop()
			s.close(StateClosed)
			return
		case <-timer.C():
			s.close(StateTimedOut)
			return
		case ev = <-s.events:
			timer.Stop()
		}
		if ev.err != nil {
			s.closeOnReadError(ev.err)
			return
		}
		s.touch()
		s.setState(StateReading)

		// The request began; completing it is budgeted by the read
		// timeout regardless of which deadline governed the wait.
		timer = s.clk.NewTimer(s.cfg.ReadTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.close(StateClosed)
			return
		case <-timer.C():
			s.close(StateTimedOut)
			return
		case ev = <-s.events:
			timer.Stop()
		}
		if ev.err != nil {
			s.closeOnReadError(ev.err)
			return
		}
		s.touch()

		s.setState(StateProcessing)
		// Timeouts and shutdown apply only to I/O waits; once
		// processing starts it runs to completion.
		resp, ierr := s.interp.Interpret(context.WithoutCancel(ctx), ev.frame, s.store.Load())

		s.setState(StateWriting)
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
		if ierr != nil {
			// Protocol errors get a response while the connection
			// can still write, never a silent drop.
			if werr := WriteResponse(s.conn, StatusError, []byte(ierr.Error())); werr != nil {
				s.logger.Warn("error response write failed",
					slog.String("error", werr.Error()),
				)
			}
			s.logger.Warn("request failed",
				slog.String("error", ierr.Error()),
			)
			s.close(StateErrored)
			return
		}
		if werr := WriteResponse(s.conn, StatusOK, resp); werr != nil {
			s.logger.Warn("response write failed",
				slog.String("error", werr.Error()),
			)
			s.close(StateErrored)
			return
		}
		_ = s.conn.SetWriteDeadline(time.Time{})
		s.touch()
		served++

		if ctx.Err() != nil {
			s.close(StateClosed)
			return
		}
	}
}

// readLoop reads frames off the connection and reports them as ordered
// events. The first byte of the length prefix doubles as the "request
// began" signal so idle-deadline checks need no payload knowledge.
func (s *Session) readLoop() {
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(s.conn, hdr[:1]); err != nil {
			s.emit(readEvent{err: err})
			return
		}
		if !s.emit(readEvent{began: true}) {
			return
		}
		if _, err := io.ReadFull(s.conn, hdr[1:]); err != nil {
			s.emit(readEvent{err: fmt.Errorf("read length prefix: %w", err)})
			return
		}
		size := binary.BigEndian.Uint32(hdr[:])
		if size > MaxFrameSize {
			s.emit(readEvent{err: fmt.Errorf("%w: %d bytes announced", ErrFrameTooLarge, size)})
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(s.conn, payload); err != nil {
			s.emit(readEvent{err: fmt.Errorf("read payload: %w", err)})
			return
		}
		if !s.emit(readEvent{frame: payload}) {
			return
		}
	}
}

func (s *Session) emit(ev readEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) closeOnReadError(err error) {
	switch {
	case errors.Is(err, io.EOF):
		// Client hung up between requests.
		s.close(StateClosed)
	case errors.Is(err, ErrFrameTooLarge):
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout))
		_ = WriteResponse(s.conn, StatusError, []byte(err.Error()))
		s.close(StateErrored)
	default:
		s.logger.Warn("read failed",
			slog.String("error", err.Error()),
		)
		s.close(StateErrored)
	}
}

func (s *Session) touch() {
	s.lastActivity = s.clk.Now()
}

func (s *Session) setState(st SessionState) {
	// Terminal states are set only through close and are never
	// overwritten by the serving loop.
	for {
		cur := s.st.Load()
		if SessionState(cur).Terminal() {
			return
		}
		if s.st.CompareAndSwap(cur, int32(st)) {
			return
		}
	}
}

// close moves the session to a terminal state, closes the transport and
// releases accounting exactly once, even when a timeout races a shutdown.
func (s *Session) close(reason SessionState) {
	s.closeOnce.Do(func() {
		s.st.Store(int32(reason))
		close(s.done)
		_ = s.conn.Close()
		s.logger.Info("session closed",
			slog.String("reason", reason.String()),
			slog.Duration("age", s.clk.Now().Sub(s.createdAt)),
		)
		if s.onClose != nil {
			s.onClose(reason)
		}
	})
}
