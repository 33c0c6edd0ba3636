package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"qruntime/apperrors"
	"qruntime/config"
	"qruntime/pkg/circuitbreaker"
)

// HTTPTransport talks to the runtime service over HTTP.
//
// Error classification: network errors, 408, 429 and 5xx responses are
// transient; any other 4xx or an undecodable body is non-transient. A circuit
// breaker keyed by host fails fast while the service is down so that
// concurrent poll loops do not each burn their full retry budget.
type HTTPTransport struct {
	client   *http.Client
	baseURL  string
	account  config.AccountContext
	breakers *circuitbreaker.Registry
	logger   *slog.Logger
}

// NewHTTP creates an HTTP transport from client configuration.
func NewHTTP(cfg *config.ClientConfig) *HTTPTransport {
	return &HTTPTransport{
		client: &http.Client{
			Timeout: cfg.HTTPTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		baseURL:  cfg.Account.URL,
		account:  cfg.Account,
		breakers: circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig()),
		logger:   slog.With("component", "transport"),
	}
}

// HTTPError represents a non-2xx HTTP response.
type HTTPError struct {
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d", e.StatusCode)
}

// IsRetryable reports whether an HTTP status should be retried.
// 408 and 429 are throttling responses; 5xx is a service fault.
func (e *HTTPError) IsRetryable() bool {
	return e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode >= 500
}

type submitRequest struct {
	Backend   string          `json:"backend"`
	Payload   json.RawMessage `json:"payload"`
	SessionID string          `json:"sessionId,omitempty"`
}

// SubmitJob implements Transport.
func (t *HTTPTransport) SubmitJob(ctx context.Context, backendID string, payload []byte, sessionID string) (*SubmitResponse, error) {
	body, err := json.Marshal(submitRequest{
		Backend:   backendID,
		Payload:   payload,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, apperrors.NonTransient("transport.submitJob", err)
	}

	var resp SubmitResponse
	if err := t.do(ctx, "transport.submitJob", http.MethodPost, "/jobs", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetStatus implements Transport.
func (t *HTTPTransport) GetStatus(ctx context.Context, jobID string) (*StatusResponse, error) {
	var resp StatusResponse
	path := "/jobs/" + url.PathEscape(jobID)
	if err := t.do(ctx, "transport.getStatus", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetResult implements Transport.
func (t *HTTPTransport) GetResult(ctx context.Context, jobID string) (json.RawMessage, error) {
	var resp json.RawMessage
	path := "/jobs/" + url.PathEscape(jobID) + "/results"
	if err := t.do(ctx, "transport.getResult", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// CancelJob implements Transport.
func (t *HTTPTransport) CancelJob(ctx context.Context, jobID string) error {
	path := "/jobs/" + url.PathEscape(jobID) + "/cancel"
	return t.do(ctx, "transport.cancelJob", http.MethodPost, path, nil, nil)
}

// ListBackends implements Transport.
func (t *HTTPTransport) ListBackends(ctx context.Context, instanceID string) ([]BackendInfo, error) {
	var resp struct {
		Backends []BackendInfo `json:"backends"`
	}
	path := "/backends?instance=" + url.QueryEscape(instanceID)
	if err := t.do(ctx, "transport.listBackends", http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Backends, nil
}

// CloseSession implements Transport.
func (t *HTTPTransport) CloseSession(ctx context.Context, sessionID string) error {
	path := "/sessions/" + url.PathEscape(sessionID) + "/close"
	return t.do(ctx, "transport.closeSession", http.MethodDelete, path, nil, nil)
}

// do performs one HTTP round trip and decodes the response into out (if non-nil).
func (t *HTTPTransport) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	u := t.baseURL + path
	host := extractHost(u)

	breaker := t.breakers.Get(host)
	if !breaker.Allow() {
		return apperrors.Transient(op, fmt.Errorf("circuit open for %s", host))
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return apperrors.NonTransient(op, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.account.Token)
	req.Header.Set("X-Request-Id", uuid.NewString())
	if t.account.Instance != "" {
		req.Header.Set("Service-CRN", t.account.Instance)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		breaker.RecordFailure()
		return apperrors.Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode}
		if httpErr.IsRetryable() {
			breaker.RecordFailure()
			t.logger.Warn("Retryable service error", "op", op, "status", resp.StatusCode)
			return apperrors.Transient(op, httpErr)
		}
		// Client errors do not count against the breaker: the service is healthy,
		// the request is wrong.
		breaker.RecordSuccess()
		return apperrors.NonTransient(op, httpErr)
	}

	breaker.RecordSuccess()

	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.Transient(op, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return apperrors.NonTransient(op, fmt.Errorf("malformed response: %w", err))
	}
	return nil
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

// Verify HTTPTransport implements Transport
var _ Transport = (*HTTPTransport)(nil)
