package scheduler

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"qruntime/apperrors"
)

// State is a job lifecycle state as reported by the service.
type State string

const (
	StateQueued    State = "Queued"
	StateRunning   State = "Running"
	StateDone      State = "Done"
	StateCancelled State = "Cancelled"
	StateFailed    State = "Failed"
)

// Terminal reports whether the state is final. Terminal states never change:
// a job is not resubmitted under the same identifier.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateCancelled, StateFailed:
		return true
	default:
		return false
	}
}

// parseState maps a service-reported status string onto a State.
func parseState(raw string) (State, error) {
	switch State(raw) {
	case StateQueued, StateRunning, StateDone, StateCancelled, StateFailed:
		return State(raw), nil
	default:
		return "", apperrors.NonTransient("scheduler.parseState",
			fmt.Errorf("unknown job state %q", raw))
	}
}

// Job is a snapshot of one submitted primitive request.
type Job struct {
	ID          string
	SessionID   string // empty for jobs outside a session
	BackendID   string
	SubmittedAt time.Time
	State       State
	Result      json.RawMessage // present only when Done
	Detail      string          // present only when Failed
}

// Handle tracks one job towards its terminal state. Handles are independent
// state machines: a caller may hold many and poll them concurrently, but a
// single Handle is not meant to be polled from multiple goroutines at once.
type Handle struct {
	mu       sync.Mutex
	job      Job
	resolved bool // terminal state latched, job never changes again
}

// JobID returns the service-assigned job identifier.
func (h *Handle) JobID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.ID
}

// Snapshot returns a copy of the last observed job state.
func (h *Handle) Snapshot() Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job
}

// latched returns the terminal job if one has been observed.
func (h *Handle) latched() (Job, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job, h.resolved
}

// update records a status observation. Terminal observations latch.
func (h *Handle) update(state State, detail string, result json.RawMessage) Job {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.resolved {
		return h.job
	}
	h.job.State = state
	h.job.Detail = detail
	if result != nil {
		h.job.Result = result
	}
	if state.Terminal() {
		h.resolved = true
	}
	return h.job
}
