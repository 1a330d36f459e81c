package batch

import "fmt"

// Status is the lifecycle status of a batch. The numeric values are part of
// the ledger's wire encoding and must not be reordered.
type Status uint8

const (
	StatusCreated         Status = 0
	StatusPendingApproval Status = 1
	StatusApproved        Status = 2
	StatusRejected        Status = 3
	StatusInTransit       Status = 4
	StatusAtPharmacy      Status = 5
	StatusSold            Status = 6
	StatusExpired         Status = 7
	StatusRecalled        Status = 8
)

var statusLabels = map[Status]string{
	StatusCreated:         "Created",
	StatusPendingApproval: "PendingApproval",
	StatusApproved:        "Approved",
	StatusRejected:        "Rejected",
	StatusInTransit:       "InTransit",
	StatusAtPharmacy:      "AtPharmacy",
	StatusSold:            "Sold",
	StatusExpired:         "Expired",
	StatusRecalled:        "Recalled",
}

func (s Status) String() string {
	if label, ok := statusLabels[s]; ok {
		return label
	}
	return fmt.Sprintf("Unknown(%d)", uint8(s))
}

// Valid reports whether s is one of the nine defined statuses.
func (s Status) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Terminal reports whether no further transition is legal out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusSold, StatusExpired, StatusRecalled:
		return true
	default:
		return false
	}
}

// ForwardRank gives the position of s along the happy path. History event
// sequences must be non-decreasing in this rank; terminal side-branches rank
// after Sold so a recall or expiry never reads as a regression.
func (s Status) ForwardRank() int {
	switch s {
	case StatusCreated:
		return 0
	case StatusPendingApproval:
		return 1
	case StatusApproved:
		return 2
	case StatusInTransit:
		return 3
	case StatusAtPharmacy:
		return 4
	case StatusSold:
		return 5
	default: // Rejected, Expired, Recalled
		return 6
	}
}

// ParseStatus maps a ledger status label back to its Status value.
func ParseStatus(label string) (Status, error) {
	for s, l := range statusLabels {
		if l == label {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status label %q", label)
}

// Role identifies the kind of actor requesting a transition.
type Role string

const (
	RoleManufacturer Role = "manufacturer"
	RoleRegulator    Role = "regulator"
	RoleDistributor  Role = "distributor"
	RoleLogistics    Role = "logistics"
	RolePharmacy     Role = "pharmacy"
	// RoleSystem is reserved for automatic transitions (expiry sweep).
	RoleSystem Role = "system"
)

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleManufacturer, RoleRegulator, RoleDistributor, RoleLogistics, RolePharmacy, RoleSystem:
		return true
	default:
		return false
	}
}
