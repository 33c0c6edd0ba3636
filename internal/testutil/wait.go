// Package testutil provides polling helpers for tests that coordinate with
// background goroutines, such as waiters observing a job flip to a terminal
// state.
package testutil

import (
	"sync/atomic"
	"testing"
	"time"
)

type options struct {
	timeout  time.Duration
	interval time.Duration
}

// Option configures the polling loop.
type Option func(*options)

// WithTimeout sets the maximum wait time (default: 10s).
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		o.timeout = d
	}
}

// WithInterval sets the polling interval (default: 10ms).
func WithInterval(d time.Duration) Option {
	return func(o *options) {
		o.interval = d
	}
}

func buildOptions(opts []Option) options {
	o := options{
		timeout:  10 * time.Second,
		interval: 10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WaitFor polls condition until it returns true or the timeout elapses.
// Reports whether the condition was met.
func WaitFor(tb testing.TB, condition func() bool, opts ...Option) bool {
	tb.Helper()

	o := buildOptions(opts)
	deadline := time.Now().Add(o.timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(o.interval)
	}
	return condition()
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...Option) {
	tb.Helper()
	if !WaitFor(tb, condition, opts...) {
		tb.Fatal("timed out waiting for condition")
	}
}

// MustWaitForCount fails the test unless counter reaches target in time.
func MustWaitForCount(tb testing.TB, counter *atomic.Int64, target int64, opts ...Option) {
	tb.Helper()
	MustWaitFor(tb, func() bool {
		return counter.Load() >= target
	}, opts...)
}
