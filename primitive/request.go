// Package primitive validates and normalizes Primitive Unified Blocs before submission.
//
// A PUB is one unit of batched work: a program reference plus optional
// parameter-value sets and optional observables. Normalization rejects
// malformed batches before any network call so a bad request never occupies
// a remote queue slot.
package primitive

import (
	"encoding/json"
	"fmt"

	"qruntime/apperrors"
)

// Pub is one Primitive Unified Bloc as supplied by the caller.
// Program carries an already-transpiled program reference; the core does not
// validate hardware-nativeness beyond size and shape.
type Pub struct {
	Program       string      `json:"program"`
	NumParameters int         `json:"numParameters,omitempty"`
	Parameters    [][]float64 `json:"parameters,omitempty"`
	Observables   []string    `json:"observables,omitempty"`
}

// Request is a normalized, backend-agnostic batch ready for submission.
// Construct only through Normalize.
type Request struct {
	Pubs    []Pub   `json:"pubs"`
	Options Options `json:"options"`
}

// Normalize validates a batch of pubs and produces a submission-ready request.
//
// Shape rules:
//   - the batch must be non-empty
//   - every pub carries a program reference
//   - parameter sets broadcast against the declared parameter count: each set's
//     length equals NumParameters, and parameters may only be present when the
//     program declares some
//   - observables are uniform across the batch: either every pub has them
//     (estimation) or none does (sampling)
func Normalize(pubs []Pub, opts Options) (*Request, error) {
	if len(pubs) == 0 {
		return nil, apperrors.InvalidShape("pubs", "batch must contain at least one pub")
	}

	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	hasObservables := len(pubs[0].Observables) > 0
	for i, pub := range pubs {
		if pub.Program == "" {
			return nil, apperrors.InvalidShape("pubs",
				fmt.Sprintf("pub %d: program reference is required", i))
		}
		if err := checkBroadcast(i, pub); err != nil {
			return nil, err
		}
		if (len(pub.Observables) > 0) != hasObservables {
			return nil, apperrors.InvalidShape("pubs",
				fmt.Sprintf("pub %d: observables must be present on all pubs or none", i))
		}
	}

	return &Request{Pubs: pubs, Options: opts}, nil
}

// checkBroadcast verifies parameter arrays broadcast against the declared count.
func checkBroadcast(i int, pub Pub) error {
	if pub.NumParameters == 0 {
		if len(pub.Parameters) > 0 {
			return apperrors.InvalidShape("parameters",
				fmt.Sprintf("pub %d: program declares no parameters but %d sets given", i, len(pub.Parameters)))
		}
		return nil
	}
	if len(pub.Parameters) == 0 {
		return apperrors.InvalidShape("parameters",
			fmt.Sprintf("pub %d: program declares %d parameters but no values given", i, pub.NumParameters))
	}
	for j, set := range pub.Parameters {
		if len(set) != pub.NumParameters {
			return apperrors.InvalidShape("parameters",
				fmt.Sprintf("pub %d: parameter set %d has %d values, program declares %d",
					i, j, len(set), pub.NumParameters))
		}
	}
	return nil
}

// CheckBatchSize enforces the resolved backend's advertised batch maximum.
// A limit of zero means the backend did not advertise one.
func (r *Request) CheckBatchSize(backendID string, limit int) error {
	if limit > 0 && len(r.Pubs) > limit {
		return apperrors.BatchTooLarge(backendID, len(r.Pubs), limit)
	}
	return nil
}

// Payload marshals the wire form consumed by the transport.
func (r *Request) Payload() ([]byte, error) {
	return json.Marshal(r)
}
