package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qruntime/apperrors"
	"qruntime/backend"
	"qruntime/internal/testutil"
	"qruntime/primitive"
	"qruntime/session"
	"qruntime/transport"
)

// fakeTransport scripts submit/status behavior and records every call.
type fakeTransport struct {
	mu    sync.Mutex
	polls atomic.Int64 // observable without the lock, for cross-goroutine waits

	submitCalls int
	statusCalls int
	resultCalls int
	cancelCalls int

	submitErrs  []error // consumed one per call; nil entry means success
	submitTags  []string
	sessionID   string
	nextJob     int
	statuses    []transport.StatusResponse // consumed one per call; last repeats
	statusErrs  []error                    // consumed one per call before statuses
	result      json.RawMessage
	cancelErr   error
}

func (f *fakeTransport) SubmitJob(ctx context.Context, backendID string, payload []byte, sessionID string) (*transport.SubmitResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	f.submitTags = append(f.submitTags, sessionID)
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.nextJob++
	sid := f.sessionID
	if sessionID == "" {
		sid = ""
	}
	return &transport.SubmitResponse{
		JobID:     fmt.Sprintf("job-%d", f.nextJob),
		SessionID: sid,
	}, nil
}

func (f *fakeTransport) GetStatus(ctx context.Context, jobID string) (*transport.StatusResponse, error) {
	f.polls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statusErrs) > 0 {
		err := f.statusErrs[0]
		f.statusErrs = f.statusErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.statuses) == 0 {
		return &transport.StatusResponse{State: string(StateQueued)}, nil
	}
	status := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return &status, nil
}

func (f *fakeTransport) GetResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultCalls++
	return f.result, nil
}

func (f *fakeTransport) CancelJob(ctx context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return f.cancelErr
}

func (f *fakeTransport) ListBackends(ctx context.Context, instanceID string) ([]transport.BackendInfo, error) {
	return nil, nil
}

func (f *fakeTransport) CloseSession(ctx context.Context, sessionID string) error {
	return nil
}

func (f *fakeTransport) counts() (submit, status, result, cancel int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls, f.statusCalls, f.resultCalls, f.cancelCalls
}

func testRequest(t *testing.T, n int) *primitive.Request {
	t.Helper()
	pubs := make([]primitive.Pub, n)
	for i := range pubs {
		pubs[i] = primitive.Pub{Program: fmt.Sprintf("circuit-%d", i)}
	}
	req, err := primitive.Normalize(pubs, primitive.Options{})
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	return req
}

func fastConfig() Config {
	return Config{MaxRetries: 5, PollInitial: time.Millisecond, PollMax: 5 * time.Millisecond}
}

var testBackend = &backend.Backend{ID: "backend_a", Operational: true, MaxBatch: 10}

func TestSubmit(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{}
	sched := New(fake, nil, fastConfig())

	h, err := sched.Submit(context.Background(), testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if h.JobID() != "job-1" {
		t.Errorf("Expected job-1, got %q", h.JobID())
	}
	if got := h.Snapshot().State; got != StateQueued {
		t.Errorf("Expected Queued after submission, got %v", got)
	}
}

func TestSubmit_BatchTooLargeBeforeNetwork(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{}
	sched := New(fake, nil, fastConfig())

	_, err := sched.Submit(context.Background(), testRequest(t, 11), testBackend, nil)
	if !errors.Is(err, apperrors.ErrBatchTooLarge) {
		t.Fatalf("Expected ErrBatchTooLarge, got %v", err)
	}
	if submit, _, _, _ := fake.counts(); submit != 0 {
		t.Errorf("Validation failure must not reach the transport, got %d calls", submit)
	}
}

func TestSubmit_ExpiredSessionBeforeNetwork(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{sessionID: "sess-1"}
	sched := New(fake, nil, fastConfig())

	sess := session.New(fake, nil, testBackend.ID, "inst", session.Options{IdleTimeout: time.Nanosecond})
	ctx := context.Background()

	// Activate, then let the idle window lapse.
	if _, err := sched.Submit(ctx, testRequest(t, 1), testBackend, sess); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	time.Sleep(time.Millisecond)

	before, _, _, _ := fake.counts()
	_, err := sched.Submit(ctx, testRequest(t, 1), testBackend, sess)
	if !errors.Is(err, apperrors.ErrSessionExpired) {
		t.Fatalf("Expected ErrSessionExpired, got %v", err)
	}
	if after, _, _, _ := fake.counts(); after != before {
		t.Errorf("Expired session must be rejected without a network call, got %d extra", after-before)
	}
}

func TestMalformedPubsNeverReachTransport(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{}
	New(fake, nil, fastConfig())

	// Parameter sets shorter than the declared count fail at normalization,
	// before a request can even be handed to the scheduler.
	_, err := primitive.Normalize([]primitive.Pub{{
		Program:       "ansatz",
		NumParameters: 3,
		Parameters:    [][]float64{{0.1, 0.2}},
	}}, primitive.Options{})
	if !errors.Is(err, apperrors.ErrInvalidRequestShape) {
		t.Fatalf("Expected ErrInvalidRequestShape, got %v", err)
	}
	if submit, status, result, cancel := fake.counts(); submit+status+result+cancel != 0 {
		t.Error("Malformed batch must never touch the transport")
	}
}

func TestSubmit_SessionBackendMismatch(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{}
	sched := New(fake, nil, fastConfig())
	sess := session.New(fake, nil, "backend_other", "inst", session.Options{})

	_, err := sched.Submit(context.Background(), testRequest(t, 1), testBackend, sess)
	if !errors.Is(err, apperrors.ErrInvalidRequestShape) {
		t.Fatalf("Expected shape error for backend mismatch, got %v", err)
	}
	if submit, _, _, _ := fake.counts(); submit != 0 {
		t.Errorf("Mismatch must be rejected without a network call, got %d", submit)
	}
}

func TestSubmit_RetriesTransientThenSucceeds(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{submitErrs: []error{
		apperrors.Transient("transport.submitJob", errors.New("connection reset")),
		apperrors.Transient("transport.submitJob", errors.New("HTTP 503")),
		nil,
	}}
	sched := New(fake, nil, fastConfig())

	h, err := sched.Submit(context.Background(), testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Expected eventual success, got %v", err)
	}
	if h.JobID() == "" {
		t.Error("Expected job identifier")
	}
	if submit, _, _, _ := fake.counts(); submit != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", submit)
	}
}

func TestSubmit_NonTransientNotRetried(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{submitErrs: []error{
		apperrors.NonTransient("transport.submitJob", errors.New("HTTP 400")),
	}}
	sched := New(fake, nil, fastConfig())

	_, err := sched.Submit(context.Background(), testRequest(t, 1), testBackend, nil)
	if !errors.Is(err, apperrors.ErrNonTransientTransport) {
		t.Fatalf("Expected non-transient error, got %v", err)
	}
	if submit, _, _, _ := fake.counts(); submit != 1 {
		t.Errorf("Non-transient failures must not be retried, got %d attempts", submit)
	}
}

func TestSubmit_RetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	transient := apperrors.Transient("transport.submitJob", errors.New("HTTP 503"))
	fake := &fakeTransport{submitErrs: []error{transient, transient, transient}}
	sched := New(fake, nil, Config{MaxRetries: 2, PollInitial: time.Millisecond, PollMax: time.Millisecond})

	sess := session.New(fake, nil, testBackend.ID, "inst", session.Options{})
	_, err := sched.Submit(context.Background(), testRequest(t, 1), testBackend, sess)
	if !errors.Is(err, apperrors.ErrNonTransientTransport) {
		t.Fatalf("Expected exhausted retries to harden into non-transient, got %v", err)
	}
	if submit, _, _, _ := fake.counts(); submit != 3 {
		t.Errorf("Expected 3 attempts with budget 2, got %d", submit)
	}
	if sess.State() != session.Closed {
		t.Errorf("Expected session closed on unrecoverable transport error, got %v", sess.State())
	}
}

func TestSubmit_SessionJobsShareIdentifierInOrder(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{sessionID: "sess-1"}
	sched := New(fake, nil, fastConfig())
	sess := session.New(fake, nil, testBackend.ID, "inst", session.Options{})
	ctx := context.Background()

	h1, err := sched.Submit(ctx, testRequest(t, 1), testBackend, sess)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	h2, err := sched.Submit(ctx, testRequest(t, 1), testBackend, sess)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if h1.JobID() != "job-1" || h2.JobID() != "job-2" {
		t.Errorf("Expected acceptance in submission order, got %q then %q", h1.JobID(), h2.JobID())
	}
	if h1.Snapshot().SessionID != "sess-1" || h2.Snapshot().SessionID != "sess-1" {
		t.Errorf("Expected both jobs tagged sess-1, got %q and %q",
			h1.Snapshot().SessionID, h2.Snapshot().SessionID)
	}

	// First job asks the service to open a session, the second rides it.
	if fake.submitTags[0] != transport.NewSession || fake.submitTags[1] != "sess-1" {
		t.Errorf("Unexpected session tags: %v", fake.submitTags)
	}
	if sess.ID() != "sess-1" || sess.State() != session.Active {
		t.Errorf("Expected active session sess-1, got %q in %v", sess.ID(), sess.State())
	}
}

func TestPoll(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{statuses: []transport.StatusResponse{
		{State: string(StateRunning)},
	}}
	sched := New(fake, nil, fastConfig())

	h, err := sched.Submit(context.Background(), testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	job, err := sched.Poll(context.Background(), h)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if job.State != StateRunning {
		t.Errorf("Expected Running, got %v", job.State)
	}
}

func TestPoll_LatchesTerminalState(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{
		statuses: []transport.StatusResponse{{State: string(StateDone)}},
		result:   json.RawMessage(`{"counts":{"00":512,"11":512}}`),
	}
	sched := New(fake, nil, fastConfig())
	ctx := context.Background()

	h, err := sched.Submit(ctx, testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	job, err := sched.Poll(ctx, h)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if job.State != StateDone {
		t.Fatalf("Expected Done, got %v", job.State)
	}
	if string(job.Result) != `{"counts":{"00":512,"11":512}}` {
		t.Errorf("Unexpected result payload: %s", job.Result)
	}

	// Later polls answer from the latch without touching the service.
	_, statusBefore, resultBefore, _ := fake.counts()
	again, err := sched.Poll(ctx, h)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if again.State != StateDone {
		t.Errorf("Expected latched Done, got %v", again.State)
	}
	_, statusAfter, resultAfter, _ := fake.counts()
	if statusAfter != statusBefore || resultAfter != resultBefore {
		t.Error("Latched handle must not reach the service")
	}
	if resultAfter != 1 {
		t.Errorf("Expected result materialized exactly once, got %d fetches", resultAfter)
	}
}

func TestPoll_UnknownStateIsNonTransient(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{statuses: []transport.StatusResponse{{State: "Sideways"}}}
	sched := New(fake, nil, fastConfig())

	h, err := sched.Submit(context.Background(), testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_, err = sched.Poll(context.Background(), h)
	if !errors.Is(err, apperrors.ErrNonTransientTransport) {
		t.Errorf("Expected malformed state surfaced as non-transient, got %v", err)
	}
}

func TestWait_ReachesTerminal(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{
		statuses: []transport.StatusResponse{
			{State: string(StateQueued)},
			{State: string(StateRunning)},
			{State: string(StateDone)},
		},
		result: json.RawMessage(`{}`),
	}
	sched := New(fake, nil, fastConfig())

	h, err := sched.Submit(context.Background(), testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	job, err := sched.Wait(context.Background(), h, 5*time.Second)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if job.State != StateDone {
		t.Errorf("Expected Done, got %v", job.State)
	}
}

func TestWait_TimeoutIsNotTerminal(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{} // forever Queued
	sched := New(fake, nil, fastConfig())
	ctx := context.Background()

	h, err := sched.Submit(ctx, testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	_, err = sched.Wait(ctx, h, 20*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("Expected ErrWaitTimeout, got %v", err)
	}

	// The remote job is untouched and still reachable; polling after the
	// service finally finishes it reaches the true terminal state.
	if _, _, _, cancel := fake.counts(); cancel != 0 {
		t.Error("Wait timeout must not cancel the remote job")
	}
	fake.mu.Lock()
	fake.statuses = []transport.StatusResponse{{State: string(StateDone)}}
	fake.result = json.RawMessage(`{}`)
	fake.mu.Unlock()

	job, err := sched.Poll(ctx, h)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if job.State != StateDone {
		t.Errorf("Expected Done after timeout recovery, got %v", job.State)
	}
}

func TestWait_ObservesLateCompletion(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{} // forever Queued until the test flips it
	sched := New(fake, nil, fastConfig())
	ctx := context.Background()

	h, err := sched.Submit(ctx, testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		job, err := sched.Wait(ctx, h, 10*time.Second)
		if err == nil && job.State != StateDone {
			err = fmt.Errorf("expected Done, got %v", job.State)
		}
		done <- err
	}()

	// Let the waiter observe Queued a few times before the job finishes.
	testutil.MustWaitForCount(t, &fake.polls, 2)
	fake.mu.Lock()
	fake.statuses = []transport.StatusResponse{{State: string(StateDone)}}
	fake.result = json.RawMessage(`{}`)
	fake.mu.Unlock()

	if err := <-done; err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
}

func TestWait_RetriesTransientPolls(t *testing.T) {
	t.Parallel()

	transient := apperrors.Transient("transport.getStatus", errors.New("HTTP 502"))
	fake := &fakeTransport{
		statusErrs: []error{transient, transient},
		statuses:   []transport.StatusResponse{{State: string(StateDone)}},
		result:     json.RawMessage(`{}`),
	}
	sched := New(fake, nil, fastConfig())

	h, err := sched.Submit(context.Background(), testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	job, err := sched.Wait(context.Background(), h, 5*time.Second)
	if err != nil {
		t.Fatalf("Expected success after transient polls, got %v", err)
	}
	if job.State != StateDone {
		t.Errorf("Expected Done, got %v", job.State)
	}
	if _, status, _, _ := fake.counts(); status != 3 {
		t.Errorf("Expected exactly 3 status attempts, got %d", status)
	}
}

func TestWait_PollRetryBudgetExhausted(t *testing.T) {
	t.Parallel()

	transient := apperrors.Transient("transport.getStatus", errors.New("HTTP 502"))
	fake := &fakeTransport{
		statusErrs: []error{transient, transient, transient, transient},
	}
	sched := New(fake, nil, Config{MaxRetries: 2, PollInitial: time.Millisecond, PollMax: time.Millisecond})

	h, err := sched.Submit(context.Background(), testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_, err = sched.Wait(context.Background(), h, 5*time.Second)
	if !errors.Is(err, apperrors.ErrNonTransientTransport) {
		t.Errorf("Expected exhausted budget to harden, got %v", err)
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{}
	sched := New(fake, nil, fastConfig())
	ctx := context.Background()

	h, err := sched.Submit(ctx, testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := sched.Cancel(ctx, h); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, _, _, cancel := fake.counts(); cancel != 1 {
		t.Errorf("Expected one cancel call, got %d", cancel)
	}
}

func TestCancel_TerminalHandleIsNoOp(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{
		statuses: []transport.StatusResponse{{State: string(StateFailed), Detail: "exceeded shots"}},
	}
	sched := New(fake, nil, fastConfig())
	ctx := context.Background()

	h, err := sched.Submit(ctx, testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := sched.Poll(ctx, h); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := sched.Cancel(ctx, h); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, _, _, cancel := fake.counts(); cancel != 0 {
		t.Errorf("Terminal handle must not issue a cancel call, got %d", cancel)
	}
}

func TestResult_SurfacesJobFailure(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{
		statuses: []transport.StatusResponse{{State: string(StateFailed), Detail: "calibration drift"}},
	}
	sched := New(fake, nil, fastConfig())
	ctx := context.Background()

	h, err := sched.Submit(ctx, testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_, err = sched.Result(ctx, h, 5*time.Second)
	if !errors.Is(err, apperrors.ErrJobFailed) {
		t.Fatalf("Expected ErrJobFailed, got %v", err)
	}
	if !errors.As(err, new(*apperrors.Error)) {
		t.Error("Expected structured error")
	}
}

func TestResult_SurfacesCancellation(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{
		statuses: []transport.StatusResponse{{State: string(StateCancelled)}},
	}
	sched := New(fake, nil, fastConfig())
	ctx := context.Background()

	h, err := sched.Submit(ctx, testRequest(t, 1), testBackend, nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	_, err = sched.Result(ctx, h, 5*time.Second)
	if !errors.Is(err, apperrors.ErrCancelled) {
		t.Errorf("Expected ErrCancelled, got %v", err)
	}
}

func TestStateTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  bool
	}{
		{StateQueued, false},
		{StateRunning, false},
		{StateDone, true},
		{StateCancelled, true},
		{StateFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%v.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestConcurrentHandles(t *testing.T) {
	t.Parallel()

	fake := &fakeTransport{
		statuses: []transport.StatusResponse{{State: string(StateDone)}},
		result:   json.RawMessage(`{}`),
	}
	sched := New(fake, nil, fastConfig())
	ctx := context.Background()

	var handles []*Handle
	for i := 0; i < 8; i++ {
		h, err := sched.Submit(ctx, testRequest(t, 1), testBackend, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		handles = append(handles, h)
	}

	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			job, err := sched.Wait(ctx, h, 5*time.Second)
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			if job.State != StateDone {
				t.Errorf("Expected Done, got %v", job.State)
			}
		}(h)
	}
	wg.Wait()
}
