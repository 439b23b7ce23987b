package rbac

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the coarse role of an authenticated actor.
type Role string

const (
	// RoleCounter records shelf counts.
	RoleCounter Role = "COUNTER"
	// RoleVerifier reviews submitted shelves.
	RoleVerifier Role = "VERIFIER"
	// RoleAdmin manages sessions and may revert approved counts.
	RoleAdmin Role = "ADMIN"
)

// Capability represents an atomic permitted transition.
type Capability string

const (
	CapStockTakeView   Capability = "stocktake.view"
	CapStockTakeCount  Capability = "stocktake.count"
	CapStockTakeVerify Capability = "stocktake.verify"
	CapStockTakeManage Capability = "stocktake.manage"
	CapLedgerView      Capability = "ledger.view"
	CapLedgerPost      Capability = "ledger.post"
	CapCatalogEdit     Capability = "catalog.edit"
)

var roleCapabilities = map[Role][]Capability{
	RoleCounter: {
		CapStockTakeView,
		CapStockTakeCount,
		CapLedgerView,
	},
	RoleVerifier: {
		CapStockTakeView,
		CapStockTakeVerify,
		CapLedgerView,
	},
	RoleAdmin: {
		CapStockTakeView,
		CapStockTakeCount,
		CapStockTakeVerify,
		CapStockTakeManage,
		CapLedgerView,
		CapLedgerPost,
		CapCatalogEdit,
	},
}

// ErrForbidden indicates the actor lacks a capability.
var ErrForbidden = errors.New("rbac: forbidden")

// ErrUnknownRole indicates an unsupported role value.
var ErrUnknownRole = errors.New("rbac: unknown role")

// Actor describes the authenticated caller of a mutating operation.
type Actor struct {
	ID   int64
	Role Role
}

// ParseRole validates a stored role value.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := roleCapabilities[role]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, raw)
	}
	return role, nil
}

// Capabilities lists what the role may do.
func (r Role) Capabilities() []Capability {
	caps := roleCapabilities[r]
	out := make([]Capability, len(caps))
	copy(out, caps)
	return out
}

// Can reports whether the actor holds the capability.
func (a Actor) Can(cp Capability) bool {
	if a.ID == 0 {
		return false
	}
	for _, c := range roleCapabilities[a.Role] {
		if c == cp {
			return true
		}
	}
	return false
}

// IsAdmin reports elevated rights.
func (a Actor) IsAdmin() bool {
	return a.Role == RoleAdmin && a.ID != 0
}

// Authorize returns ErrForbidden unless the actor holds every capability.
func Authorize(a Actor, caps ...Capability) error {
	for _, cp := range caps {
		if !a.Can(cp) {
			return fmt.Errorf("%w: %s requires %s", ErrForbidden, a.Role, cp)
		}
	}
	return nil
}
