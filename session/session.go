// Package session manages time-boxed priority windows bound to one backend.
//
// A session queues its jobs ahead of non-session jobs on the bound backend.
// The service enforces the priority; the client's responsibility is tagging
// every job with the session identifier and refusing submissions once the
// window has expired, instead of attempting a doomed network call.
//
// States: Pending -> Active -> Closing -> Closed, with a direct jump to
// Closed on fatal transport errors.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"qruntime/apperrors"
	"qruntime/internal/observability"
	"qruntime/transport"
)

// State is the local session lifecycle state.
type State int

const (
	Pending State = iota // allocated locally, no remote identifier yet
	Active               // first job accepted, identifier assigned
	Closing              // close requested, awaiting service acknowledgment
	Closed               // priority window released (or never opened)
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Execution modes, informational tags on the session handle.
const (
	ModeDedicated = "dedicated" // interactive window, idle timeout applies
	ModeBatch     = "batch"     // non-interactive batch of related jobs
)

// Default ceilings applied when Options leaves them zero.
const (
	DefaultMaxTime      = 8 * time.Hour
	DefaultIdleTimeout  = 5 * time.Minute
	DefaultCloseTimeout = 10 * time.Second
)

// Options configures a session window.
type Options struct {
	MaxTime      time.Duration // hard ceiling measured from activation
	IdleTimeout  time.Duration // soft ceiling, reset on each accepted job
	Mode         string        // ModeDedicated or ModeBatch
	CloseTimeout time.Duration // bound on the best-effort close call
}

func (o Options) withDefaults() Options {
	if o.MaxTime <= 0 {
		o.MaxTime = DefaultMaxTime
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = DefaultIdleTimeout
	}
	if o.Mode == "" {
		o.Mode = ModeDedicated
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	return o
}

// Session is an exclusive, time-bounded priority window. It is bound to one
// backend and one instance for its entire life and owned by a single caller;
// it is not safe to share across concurrent callers.
type Session struct {
	mu          sync.Mutex
	transport   transport.Transport
	metrics     *observability.Metrics
	backendID   string
	instanceID  string
	opts        Options
	id          string // assigned by the service on first job acceptance
	state       State
	createdAt   time.Time
	activatedAt time.Time
	lastJobAt   time.Time
	logger      *slog.Logger
	now         func() time.Time // injectable clock
}

// New allocates a Pending session handle. No service contact happens until
// the first job is submitted through it. metrics may be nil.
func New(t transport.Transport, metrics *observability.Metrics, backendID, instanceID string, opts Options) *Session {
	return &Session{
		transport:  t,
		metrics:    metrics,
		backendID:  backendID,
		instanceID: instanceID,
		opts:       opts.withDefaults(),
		state:      Pending,
		createdAt:  time.Now(),
		logger:     slog.With("component", "session", "backend", backendID),
		now:        time.Now,
	}
}

// ID returns the service-assigned session identifier, empty while Pending.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the current local state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BackendID returns the backend the session is bound to.
func (s *Session) BackendID() string { return s.backendID }

// InstanceID returns the instance the session is bound to.
func (s *Session) InstanceID() string { return s.instanceID }

// CheckSubmit decides whether a job may be submitted through the session and
// returns the session tag to submit with. Expiry is detected here, locally,
// with zero network calls: an expired window is closed and the submission
// rejected with SessionExpired rather than attempting a doomed call.
func (s *Session) CheckSubmit() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case Closing, Closed:
		return "", apperrors.Session(apperrors.ErrSessionClosed, s.backendID, "session is closed")
	case Pending:
		return transport.NewSession, nil
	}

	now := s.now()
	if now.Sub(s.activatedAt) > s.opts.MaxTime {
		s.state = Closed
		s.recordClosed()
		s.logger.Info("Session reached max time", "sessionId", s.id, "maxTime", s.opts.MaxTime)
		return "", apperrors.Session(apperrors.ErrSessionExpired, s.backendID, "session exceeded max time")
	}
	if now.Sub(s.lastJobAt) > s.opts.IdleTimeout {
		s.state = Closed
		s.recordClosed()
		s.logger.Info("Session idle timeout", "sessionId", s.id, "idleTimeout", s.opts.IdleTimeout)
		return "", apperrors.Session(apperrors.ErrSessionExpired, s.backendID, "session idle timeout elapsed")
	}
	return s.id, nil
}

// recordClosed reports the end of an activated window. Callers hold mu.
func (s *Session) recordClosed() {
	if s.metrics == nil || s.activatedAt.IsZero() {
		return
	}
	s.metrics.RecordSessionClosed(context.Background(), s.backendID, s.now().Sub(s.activatedAt).Seconds())
}

// Accept records a job acceptance carrying the session identifier.
// The first acceptance binds the identifier and activates the session;
// every acceptance refreshes the idle clock.
func (s *Session) Accept(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.state == Pending && sessionID != "" {
		s.id = sessionID
		s.state = Active
		s.activatedAt = now
		s.logger.Info("Session activated", "sessionId", sessionID)
		if s.metrics != nil {
			s.metrics.RecordSessionOpened(context.Background(), s.backendID)
		}
	}
	s.lastJobAt = now
}

// FailFatal closes the session locally after an unrecoverable transport error.
// No close call is attempted: the transport is already known to be broken.
func (s *Session) FailFatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Closed || s.state == Closing {
		return
	}
	s.logger.Warn("Session closed on fatal transport error", "sessionId", s.id, "error", err)
	s.state = Closed
	s.recordClosed()
}

// Close releases the session's priority window. Idempotent and best-effort:
// the service call is bounded by CloseTimeout and local state always reaches
// Closed, even when the service cannot be notified.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Closed || s.state == Closing {
		s.mu.Unlock()
		return nil
	}
	id := s.id
	if id == "" {
		// Never activated, nothing to release remotely.
		s.state = Closed
		s.mu.Unlock()
		return nil
	}
	s.state = Closing
	timeout := s.opts.CloseTimeout
	s.mu.Unlock()

	// Release must be attempted even when the caller's ctx is already
	// cancelled on an error path, hence WithoutCancel.
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.transport.CloseSession(closeCtx, id); err != nil {
		s.logger.Warn("Session close not acknowledged", "sessionId", id, "error", err)
	} else {
		s.logger.Info("Session closed", "sessionId", id)
	}

	s.mu.Lock()
	s.state = Closed
	s.recordClosed()
	s.mu.Unlock()
	return nil
}

// With runs fn with a fresh session and guarantees the session is closed on
// every exit path, including errors surfaced by nested job submissions.
func With(ctx context.Context, t transport.Transport, metrics *observability.Metrics, backendID, instanceID string, opts Options, fn func(*Session) error) error {
	s := New(t, metrics, backendID, instanceID, opts)
	defer s.Close(ctx)
	return fn(s)
}
