// Package access decides which commands a principal may run.
//
// Both the CLI and the HTTP API consult a Guard before touching the ledger,
// so capability flags and the administrator pattern mean the same thing on
// every surface.
package access

import (
	"github.com/3leaps/pbs-extend/internal/config"
	apperrors "github.com/3leaps/pbs-extend/internal/errors"
	"github.com/3leaps/pbs-extend/pkg/policy"
	"github.com/3leaps/pbs-extend/pkg/report"
)

// Guard combines the compiled policy with the enabled capabilities.
type Guard struct {
	Policy       *policy.Policy
	Capabilities config.CapabilitiesConfig
}

// Info authorizes requester to view owner's usage.
func (g Guard) Info(requester, owner string) error {
	if owner == "" || owner == requester {
		return nil
	}
	if !g.Capabilities.Impersonate {
		return apperrors.New(apperrors.KindPermission, "Showing others info is disabled.")
	}
	if !g.Policy.IsAdmin(requester) {
		return apperrors.New(apperrors.KindPermission, "You are not allowed to show others info.")
	}
	return g.target(owner)
}

// List authorizes requester to view every owner's usage.
func (g Guard) List(requester string) error {
	if !g.Capabilities.List || !g.Policy.ListingEnabled() {
		return apperrors.New(apperrors.KindPermission, "Listing is disabled.")
	}
	if !g.Policy.CanList(requester) {
		return apperrors.New(apperrors.KindPermission, "You are not allowed to show full list.")
	}
	return nil
}

// Reset authorizes requester to clear owner's records.
func (g Guard) Reset(requester, owner string) error {
	if !g.Capabilities.Reset {
		return apperrors.New(apperrors.KindPermission, "Resetting funds is disabled.")
	}
	if !g.Policy.IsAdmin(requester) {
		return apperrors.New(apperrors.KindPermission, "You are not allowed to reset fund.")
	}
	return g.target(owner)
}

// target rejects an owner name the ledger would store under the placeholder.
func (g Guard) target(owner string) error {
	if !g.Policy.ValidPrincipal(owner) {
		return apperrors.New(apperrors.KindValidation, "Illegal format of principal.")
	}
	return nil
}

// Force resolves a force request. A non-administrator's request is ignored
// rather than refused; notice is then the message to show them.
func (g Guard) Force(requester string, requested bool) (force bool, notice string, err error) {
	if !requested {
		return false, "", nil
	}
	if !g.Policy.IsAdmin(requester) {
		return false, report.ForceDeniedNotice, nil
	}
	if !g.Capabilities.Force {
		return false, "", apperrors.New(apperrors.KindPermission, "Forced extensions are disabled.")
	}
	return true, "", nil
}
