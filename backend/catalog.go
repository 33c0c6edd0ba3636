// Package backend queries and selects remote execution targets.
package backend

import (
	"context"
	"fmt"
	"log/slog"

	"qruntime/apperrors"
	"qruntime/transport"
)

// Backend is a named remote execution target. Queue length is a point-in-time
// reading: it changes continuously on the service side, so a Backend value is
// a hint, never a reservation.
type Backend struct {
	ID          string
	Operational bool
	Simulator   bool
	QueueLength int
	MaxBatch    int
}

// Filters narrows a backend listing. Nil fields match everything.
type Filters struct {
	Operational *bool
	Simulator   *bool
}

// Catalog lists and selects backends for an instance.
// Results are never cached: every call reflects current service state.
type Catalog struct {
	transport transport.Transport
	logger    *slog.Logger
}

// NewCatalog creates a catalog over the given transport.
func NewCatalog(t transport.Transport) *Catalog {
	return &Catalog{
		transport: t,
		logger:    slog.With("component", "catalog"),
	}
}

// List returns the backends reachable through an instance, filtered.
func (c *Catalog) List(ctx context.Context, instanceID string, f Filters) ([]Backend, error) {
	infos, err := c.transport.ListBackends(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	backends := make([]Backend, 0, len(infos))
	for _, info := range infos {
		if f.Operational != nil && info.Operational != *f.Operational {
			continue
		}
		if f.Simulator != nil && info.Simulator != *f.Simulator {
			continue
		}
		backends = append(backends, Backend{
			ID:          info.ID,
			Operational: info.Operational,
			Simulator:   info.Simulator,
			QueueLength: info.QueueLength,
			MaxBatch:    info.MaxBatch,
		})
	}
	return backends, nil
}

// LeastBusy returns the operational hardware backend with the shortest queue.
// Ties break by lexical ID order so repeated calls over identical listings
// agree. The returned backend is a hint: queue state moves under the caller.
func (c *Catalog) LeastBusy(ctx context.Context, instanceID string) (*Backend, error) {
	operational := true
	simulator := false
	backends, err := c.List(ctx, instanceID, Filters{Operational: &operational, Simulator: &simulator})
	if err != nil {
		return nil, err
	}
	if len(backends) == 0 {
		return nil, apperrors.Resolution(apperrors.ErrNoEligibleBackend, instanceID, "",
			fmt.Sprintf("no operational hardware backend for instance %s", instanceID))
	}

	best := backends[0]
	for _, b := range backends[1:] {
		if b.QueueLength < best.QueueLength ||
			(b.QueueLength == best.QueueLength && b.ID < best.ID) {
			best = b
		}
	}
	c.logger.Debug("Selected least busy backend", "backend", best.ID, "queue", best.QueueLength)
	return &best, nil
}

// Get returns a single backend by ID, unfiltered.
func (c *Catalog) Get(ctx context.Context, instanceID, backendID string) (*Backend, error) {
	backends, err := c.List(ctx, instanceID, Filters{})
	if err != nil {
		return nil, err
	}
	for _, b := range backends {
		if b.ID == backendID {
			return &b, nil
		}
	}
	return nil, apperrors.Resolution(apperrors.ErrNoEligibleBackend, instanceID, backendID,
		fmt.Sprintf("backend %s not visible through instance %s", backendID, instanceID))
}
