package openstack

import (
	"strings"

	"github.com/smallbiznis/marketplace/internal/scope"
)

// backendState maps a Nova server status onto a scope state. Unknown
// statuses map to the empty state so pulls skip them.
func backendState(status string) scope.BackendState {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "BUILD", "REBUILD":
		return scope.StateCreating
	case "ACTIVE", "SHUTOFF", "PAUSED", "SUSPENDED", "SHELVED", "SHELVED_OFFLOADED":
		return scope.StateOK
	case "RESIZE", "VERIFY_RESIZE", "REVERT_RESIZE", "MIGRATING", "REBOOT", "HARD_REBOOT", "PASSWORD":
		return scope.StateUpdating
	case "ERROR":
		return scope.StateErred
	case "DELETED", "SOFT_DELETED":
		return scope.StateDeleted
	default:
		return ""
	}
}

// settle keeps an in-flight operation visible while Nova still reports the
// server as settled. Deletes and resizes are only acknowledged once the
// status or flavor actually moves.
func settle(current scope.BackendState, observed scope.BackendState, flavorMatches bool) scope.BackendState {
	switch {
	case current == scope.StateDeleting && observed != scope.StateErred && observed != scope.StateDeleted:
		return scope.StateDeleting
	case current == scope.StateUpdating && observed == scope.StateOK && !flavorMatches:
		return scope.StateUpdating
	default:
		return observed
	}
}
