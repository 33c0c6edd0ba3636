// Package config provides client configuration loading from environment variables.
package config

import (
	"time"
)

// Channel names recognized by the service.
const (
	ChannelCloud   = "cloud"
	ChannelQuantum = "quantum"
)

// AccountContext carries the credentials and endpoint handed to the transport
// at construction. The core never parses or persists these beyond reading them
// from the environment.
type AccountContext struct {
	Channel  string // "cloud" or "quantum"
	Token    string // API token, sent as a bearer credential
	Instance string // optional preferred instance
	URL      string // service base URL
}

// ClientConfig holds tuning for the transport and the job scheduler.
type ClientConfig struct {
	Account AccountContext

	HTTPTimeout  time.Duration // per-request timeout
	MaxRetries   int           // transient-error retry budget per operation
	PollInitial  time.Duration // first poll backoff interval
	PollMax      time.Duration // poll backoff ceiling
	CloseTimeout time.Duration // bound on best-effort session close
}

// LoadClientConfig loads client configuration from environment variables.
// QRT_TOKEN_FILE takes precedence over QRT_TOKEN so tokens can be mounted
// as secrets instead of passed inline.
func LoadClientConfig() *ClientConfig {
	token := GetSecretFile(GetEnv("QRT_TOKEN_FILE", ""))
	if token == "" {
		token = GetEnv("QRT_TOKEN", "")
	}

	return &ClientConfig{
		Account: AccountContext{
			Channel:  GetEnv("QRT_CHANNEL", ChannelCloud),
			Token:    token,
			Instance: GetEnv("QRT_INSTANCE", ""),
			URL:      GetEnv("QRT_URL", "https://quantum.cloud.ibm.com/api/v1"),
		},
		HTTPTimeout:  GetDurationEnv("QRT_HTTP_TIMEOUT", 30*time.Second),
		MaxRetries:   GetIntEnv("QRT_MAX_RETRIES", 5),
		PollInitial:  GetDurationEnv("QRT_POLL_INITIAL", 250*time.Millisecond),
		PollMax:      GetDurationEnv("QRT_POLL_MAX", 10*time.Second),
		CloseTimeout: GetDurationEnv("QRT_CLOSE_TIMEOUT", 10*time.Second),
	}
}
