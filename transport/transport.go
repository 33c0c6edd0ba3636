// Package transport defines the authenticated channel to the runtime service.
//
// The core treats the service as a capability: submit, poll, fetch results,
// cancel, list backends, release sessions. All calls may fail with transport
// errors classified as transient or non-transient via the apperrors sentinels.
package transport

import (
	"context"
	"encoding/json"
)

// BackendInfo describes one remote execution target as advertised by the service.
// Queue length is volatile and must not be cached beyond a single resolution call.
type BackendInfo struct {
	ID          string `json:"id"`
	Operational bool   `json:"operational"`
	Simulator   bool   `json:"simulator"`
	QueueLength int    `json:"queueLength"`
	MaxBatch    int    `json:"maxBatch"`
}

// SubmitResponse is the service's acceptance of a job submission.
// SessionID is set when the job opened or joined a session.
type SubmitResponse struct {
	JobID     string `json:"jobId"`
	SessionID string `json:"sessionId,omitempty"`
}

// StatusResponse is a single job status snapshot.
type StatusResponse struct {
	State  string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Transport is the request/response channel to the runtime service.
// A Transport may be shared read-only across sessions and jobs.
type Transport interface {
	// SubmitJob submits a job payload to a backend. A non-empty sessionID tags
	// the job with an existing session; the sentinel NewSession value asks the
	// service to open one.
	SubmitJob(ctx context.Context, backendID string, payload []byte, sessionID string) (*SubmitResponse, error)

	// GetStatus returns the current state of a job.
	GetStatus(ctx context.Context, jobID string) (*StatusResponse, error)

	// GetResult returns the result payload of a job in a terminal Done state.
	GetResult(ctx context.Context, jobID string) (json.RawMessage, error)

	// CancelJob asks the service to cancel a job. Advisory: the service may
	// refuse once the job is running.
	CancelJob(ctx context.Context, jobID string) error

	// ListBackends returns the backends reachable through an instance.
	ListBackends(ctx context.Context, instanceID string) ([]BackendInfo, error)

	// CloseSession tells the service a session's priority window may be released.
	CloseSession(ctx context.Context, sessionID string) error
}

// NewSession is the sessionID value that asks the service to open a session
// on job acceptance.
const NewSession = "new"
