package primitive

import (
	"fmt"

	"qruntime/apperrors"
)

// Default option values applied by Options.withDefaults.
const (
	DefaultShots     = 4096
	DefaultPrecision = 0.015625 // target standard error, 1/sqrt(DefaultShots)
	maxResilience    = 2
)

// Options enumerates the recognized per-request execution options.
//
// Recognized keys and their effect:
//   - default_shots: sets the sampling repetition count per pub
//   - resilience_level: selects the built-in error-mitigation strategy
//     (0 = none, 1 = readout twirling, 2 = adds zero-noise extrapolation)
//   - default_precision: target standard-error bound for estimation pubs
//
// Zero shots/precision take defaults at normalization time; a resilience
// level of zero means no mitigation. An out-of-range value is rejected
// rather than clamped.
type Options struct {
	Shots           int     `json:"default_shots,omitempty"`
	ResilienceLevel int     `json:"resilience_level,omitempty"`
	Precision       float64 `json:"default_precision,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.Shots == 0 {
		o.Shots = DefaultShots
	}
	if o.Precision == 0 {
		o.Precision = DefaultPrecision
	}
	return o
}

// Validate checks option values after defaulting.
func (o Options) Validate() error {
	if o.Shots < 0 {
		return apperrors.InvalidShape("default_shots", "shots must be positive")
	}
	if o.ResilienceLevel < 0 || o.ResilienceLevel > maxResilience {
		return apperrors.InvalidShape("resilience_level",
			fmt.Sprintf("resilience level must be between 0 and %d", maxResilience))
	}
	if o.Precision < 0 {
		return apperrors.InvalidShape("default_precision", "precision must be positive")
	}
	return nil
}
