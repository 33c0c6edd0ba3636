// Package scheduler drives jobs from submission to a terminal state.
//
// Each job is a per-handle state machine: submit, poll with backoff until
// terminal, materialize the result, or cancel. Validation happens before any
// network call so a malformed batch never occupies a remote queue slot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"qruntime/apperrors"
	"qruntime/backend"
	"qruntime/internal/observability"
	"qruntime/pkg/backoff"
	"qruntime/primitive"
	"qruntime/session"
	"qruntime/transport"
)

// ErrWaitTimeout reports that Wait gave up before the job reached a terminal
// state. The remote job keeps running; polling again later still reaches the
// true terminal state.
var ErrWaitTimeout = errors.New("wait timed out before job completion")

// Config tunes retry and polling behavior. Zero values use defaults.
type Config struct {
	MaxRetries  int           // transient-error budget per operation (default: 5)
	PollInitial time.Duration // first poll backoff interval (default: 250ms)
	PollMax     time.Duration // poll backoff ceiling (default: 10s)
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.PollInitial <= 0 {
		c.PollInitial = 250 * time.Millisecond
	}
	if c.PollMax <= 0 {
		c.PollMax = 10 * time.Second
	}
	return c
}

// Scheduler submits and tracks jobs against the remote service.
// Stateless apart from configuration: all job state lives in Handles and on
// the service, so one Scheduler serves any number of concurrent jobs.
type Scheduler struct {
	transport transport.Transport
	metrics   *observability.Metrics
	cfg       Config
	logger    *slog.Logger
}

// New creates a scheduler over the given transport. metrics may be nil.
func New(t transport.Transport, metrics *observability.Metrics, cfg Config) *Scheduler {
	return &Scheduler{
		transport: t,
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		logger:    slog.With("component", "scheduler"),
	}
}

// Submit validates a normalized request and submits it to the backend.
// With a session, the job is tagged with the session identifier and the
// session must still be open; expiry is rejected locally before any network
// call. Transient submission errors are retried within the budget.
func (s *Scheduler) Submit(ctx context.Context, req *primitive.Request, b *backend.Backend, sess *session.Session) (*Handle, error) {
	if err := req.CheckBatchSize(b.ID, b.MaxBatch); err != nil {
		return nil, err
	}

	sessionTag := ""
	if sess != nil {
		if sess.BackendID() != b.ID {
			return nil, apperrors.InvalidShape("backend",
				fmt.Sprintf("session is bound to backend %s, not %s", sess.BackendID(), b.ID))
		}
		tag, err := sess.CheckSubmit()
		if err != nil {
			return nil, err
		}
		sessionTag = tag
	}

	payload, err := req.Payload()
	if err != nil {
		return nil, apperrors.InvalidShape("pubs", fmt.Sprintf("request not marshalable: %v", err))
	}

	logger := s.logger.With("backend", b.ID)

	var resp *transport.SubmitResponse
	var lastErr error
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if s.metrics != nil {
				s.metrics.RecordTransportRetry(ctx, "transport.submitJob")
			}
			logger.Warn("Retrying submission", "attempt", attempt, "error", lastErr)
			if err := backoff.Sleep(ctx, backoff.JitterFull(attempt, s.backoffConfig())); err != nil {
				return nil, apperrors.Transient("scheduler.submit", err)
			}
		}

		resp, lastErr = s.transport.SubmitJob(ctx, b.ID, payload, sessionTag)
		if lastErr == nil {
			break
		}
		if !apperrors.IsTransient(lastErr) {
			return nil, lastErr
		}
	}
	if lastErr != nil {
		// Retry budget exhausted: the transport is not coming back within this
		// operation, so the error hardens and the session window is abandoned.
		if sess != nil {
			sess.FailFatal(lastErr)
		}
		return nil, apperrors.NonTransient("scheduler.submit",
			fmt.Errorf("retries exhausted: %w", lastErr))
	}

	if sess != nil {
		sess.Accept(resp.SessionID)
	}
	if s.metrics != nil {
		s.metrics.RecordJobSubmitted(ctx, b.ID)
	}
	logger.Info("Job submitted", "jobId", resp.JobID, "sessionId", resp.SessionID)

	return &Handle{job: Job{
		ID:          resp.JobID,
		SessionID:   resp.SessionID,
		BackendID:   b.ID,
		SubmittedAt: time.Now(),
		State:       StateQueued,
	}}, nil
}

// Poll performs a single non-blocking status check. Once a terminal state has
// been observed the handle is latched and Poll answers from it without
// touching the service.
func (s *Scheduler) Poll(ctx context.Context, h *Handle) (*Job, error) {
	if job, done := h.latched(); done {
		return &job, nil
	}

	snapshot := h.Snapshot()
	if s.metrics != nil {
		s.metrics.RecordPoll(ctx, snapshot.BackendID)
	}

	status, err := s.transport.GetStatus(ctx, snapshot.ID)
	if err != nil {
		return nil, err
	}
	state, err := parseState(status.State)
	if err != nil {
		return nil, err
	}

	var result []byte
	if state == StateDone {
		// Materialize exactly once, while latching.
		result, err = s.transport.GetResult(ctx, snapshot.ID)
		if err != nil {
			return nil, err
		}
	}

	job := h.update(state, status.Detail, result)
	if state.Terminal() {
		s.recordTerminal(ctx, job)
	}
	return &job, nil
}

// Wait blocks until the job reaches a terminal state, the timeout elapses, or
// ctx is cancelled. Polling backs off exponentially with jitter. Transient
// transport errors consume the retry budget and then harden; giving up on a
// wait never cancels the remote job.
func (s *Scheduler) Wait(ctx context.Context, h *Handle, timeout time.Duration) (*Job, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	failures := 0
	for attempt := 1; ; attempt++ {
		job, err := s.Poll(ctx, h)
		switch {
		case err == nil:
			failures = 0
			if job.State.Terminal() {
				return job, nil
			}
		case apperrors.IsTransient(err):
			failures++
			if s.metrics != nil {
				s.metrics.RecordTransportRetry(ctx, "transport.getStatus")
			}
			if failures > s.cfg.MaxRetries {
				return nil, apperrors.NonTransient("scheduler.wait",
					fmt.Errorf("retries exhausted: %w", err))
			}
			s.logger.Warn("Poll failed, retrying", "jobId", h.JobID(), "failures", failures, "error", err)
		default:
			return nil, err
		}

		if err := backoff.Sleep(ctx, backoff.JitterFull(attempt, s.backoffConfig())); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrWaitTimeout, err)
		}
	}
}

// Cancel asks the service to cancel the job. Advisory: once the service
// reports Running or later it may refuse, and the job's eventual terminal
// state is whatever later polls observe. Cancelling an already terminal
// handle is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, h *Handle) error {
	if _, done := h.latched(); done {
		return nil
	}
	if err := s.transport.CancelJob(ctx, h.JobID()); err != nil {
		s.logger.Warn("Cancellation not accepted", "jobId", h.JobID(), "error", err)
		return err
	}
	s.logger.Info("Cancellation requested", "jobId", h.JobID())
	return nil
}

// Result returns the terminal job, failing with the taxonomy error matching
// its state: JobFailed for Failed, Cancelled for Cancelled.
func (s *Scheduler) Result(ctx context.Context, h *Handle, timeout time.Duration) (*Job, error) {
	job, err := s.Wait(ctx, h, timeout)
	if err != nil {
		return nil, err
	}
	switch job.State {
	case StateFailed:
		return nil, apperrors.JobFailed(job.ID, job.Detail)
	case StateCancelled:
		return nil, &apperrors.Error{
			Sentinel: apperrors.ErrCancelled,
			Message:  fmt.Sprintf("job %s was cancelled", job.ID),
			JobID:    job.ID,
		}
	}
	return job, nil
}

func (s *Scheduler) backoffConfig() *backoff.Config {
	return &backoff.Config{Initial: s.cfg.PollInitial, Max: s.cfg.PollMax}
}

func (s *Scheduler) recordTerminal(ctx context.Context, job Job) {
	s.logger.Info("Job reached terminal state", "jobId", job.ID, "state", string(job.State))
	if s.metrics != nil {
		s.metrics.RecordJobCompleted(ctx, job.BackendID, string(job.State),
			time.Since(job.SubmittedAt).Seconds())
	}
}
