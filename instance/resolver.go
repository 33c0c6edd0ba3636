package instance

import (
	"fmt"

	"qruntime/apperrors"
)

// Resolve picks exactly one instance for a job, or fails.
//
// The decision is ordered, first match wins:
//  1. An explicit instance that is listed and reaches the target backend wins.
//  2. An explicit instance that is unlisted or cannot reach the backend fails.
//  3. A single available instance is auto-selected.
//  4. With a target backend, candidates are filtered by reachability: one left
//     wins, none fails, several prefer the first non-open instance in listing
//     order (all-open returns the open instance).
//  5. Otherwise there is nothing to disambiguate with and resolution fails.
//
// Resolve is a pure function of its inputs. It never reorders available:
// listing-order stability is the service's contract, not enforced here.
func Resolve(explicit string, available []Instance, targetBackend string) (*Instance, error) {
	if explicit != "" {
		for idx := range available {
			if available[idx].ID != explicit {
				continue
			}
			if targetBackend == "" || available[idx].CanReach(targetBackend) {
				return &available[idx], nil
			}
			return nil, apperrors.Resolution(apperrors.ErrInstanceNotAuthorized, explicit, targetBackend,
				fmt.Sprintf("instance %s cannot access backend %s", explicit, targetBackend))
		}
		return nil, apperrors.Resolution(apperrors.ErrInstanceNotAuthorized, explicit, targetBackend,
			fmt.Sprintf("instance %s is not in the account's instance list", explicit))
	}

	if len(available) == 1 {
		return &available[0], nil
	}

	if targetBackend != "" {
		var reachable []*Instance
		for idx := range available {
			if available[idx].CanReach(targetBackend) {
				reachable = append(reachable, &available[idx])
			}
		}
		switch len(reachable) {
		case 0:
			return nil, apperrors.Resolution(apperrors.ErrNoInstanceForBackend, "", targetBackend,
				fmt.Sprintf("no instance can access backend %s", targetBackend))
		case 1:
			return reachable[0], nil
		default:
			for _, inst := range reachable {
				if inst.ID != OpenInstance {
					return inst, nil
				}
			}
			return reachable[0], nil
		}
	}

	return nil, apperrors.Resolution(apperrors.ErrAmbiguousInstance, "", "",
		fmt.Sprintf("%d instances available, specify one or a target backend", len(available)))
}
