// Package instance models access scopes and resolves which one a job runs under.
package instance

// OpenInstance is the well-known shared instance available to every account.
// Resolution prefers a paid instance over it when several candidates remain.
const OpenInstance = "ibm-q/open/main"

// Instance identifies an access scope through which backends are reached.
// Immutable once listed; refreshed only by re-querying the service.
type Instance struct {
	ID       string   `json:"id"`
	Backends []string `json:"backends"` // backend IDs reachable through this instance
	Plan     string   `json:"plan"`     // priority class, informational
}

// CanReach reports whether the instance can reach the named backend.
func (i Instance) CanReach(backendID string) bool {
	for _, b := range i.Backends {
		if b == backendID {
			return true
		}
	}
	return false
}
