package batch

import (
	"errors"
	"fmt"
)

// Transition validation errors. These are always raised locally, before any
// ledger call, and are never retried.
var (
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrUnauthorizedRole  = errors.New("role not authorized for transition")
	ErrAlreadyTerminal   = errors.New("batch is in a terminal status")
)

// edge describes one legal transition and the roles allowed to request it.
type edge struct {
	from, to Status
	roles    []Role
}

// legalEdges is the complete transition table. Expiry is listed per
// non-terminal source because it is an automatic edge from any of them.
var legalEdges = []edge{
	{StatusCreated, StatusPendingApproval, []Role{RoleManufacturer}},
	{StatusPendingApproval, StatusApproved, []Role{RoleRegulator}},
	{StatusPendingApproval, StatusRejected, []Role{RoleRegulator}},
	{StatusApproved, StatusInTransit, []Role{RoleDistributor, RoleLogistics}},
	{StatusInTransit, StatusAtPharmacy, []Role{RoleLogistics}},
	{StatusAtPharmacy, StatusSold, []Role{RolePharmacy}},
	{StatusApproved, StatusRecalled, []Role{RoleRegulator}},
	{StatusInTransit, StatusRecalled, []Role{RoleRegulator}},
	{StatusAtPharmacy, StatusRecalled, []Role{RoleRegulator}},
	{StatusCreated, StatusExpired, []Role{RoleSystem}},
	{StatusPendingApproval, StatusExpired, []Role{RoleSystem}},
	{StatusApproved, StatusExpired, []Role{RoleSystem}},
	{StatusInTransit, StatusExpired, []Role{RoleSystem}},
	{StatusAtPharmacy, StatusExpired, []Role{RoleSystem}},
}

// ValidateTransition checks whether moving current -> target is legal for the
// given role. It is a pure predicate over the edge table: it performs no I/O
// and appends no history, that is the caller's responsibility.
//
// A request to move to the status the batch already holds is accepted as a
// location-only update and does not consult the edge table.
func ValidateTransition(current, target Status, role Role) error {
	if !current.Valid() || !target.Valid() {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, target)
	}

	if current == target {
		if current.Terminal() {
			return fmt.Errorf("%w: status is %s", ErrAlreadyTerminal, current)
		}
		return nil
	}

	if current.Terminal() {
		return fmt.Errorf("%w: status is %s", ErrAlreadyTerminal, current)
	}

	var roleMismatch bool
	for _, e := range legalEdges {
		if e.from != current || e.to != target {
			continue
		}
		for _, r := range e.roles {
			if r == role {
				return nil
			}
		}
		roleMismatch = true
	}

	if roleMismatch {
		return fmt.Errorf("%w: %s may not request %s -> %s", ErrUnauthorizedRole, role, current, target)
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, target)
}
