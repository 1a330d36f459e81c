package batch

import (
	"sort"
	"strings"
)

// Stage is the coarse supply-chain stage a status maps to for display.
type Stage string

const (
	StageManufacturing Stage = "manufacturing"
	StageRegulatory    Stage = "regulatory"
	StageLogistics     Stage = "logistics"
	StagePharmacy      Stage = "pharmacy"
	StageDelivered     Stage = "delivered"
	StageRecalled      Stage = "recalled"
	StageExpired       Stage = "expired"
)

// StageOf maps a lifecycle status to its supply-chain stage.
func StageOf(s Status) Stage {
	switch s {
	case StatusCreated:
		return StageManufacturing
	case StatusPendingApproval, StatusApproved, StatusRejected:
		return StageRegulatory
	case StatusInTransit:
		return StageLogistics
	case StatusAtPharmacy:
		return StagePharmacy
	case StatusSold:
		return StageDelivered
	case StatusRecalled:
		return StageRecalled
	case StatusExpired:
		return StageExpired
	default:
		return StageManufacturing
	}
}

// StageEvent is one row of the projected supply-chain view.
type StageEvent struct {
	Stage        Stage  `json:"stage"`
	Status       string `json:"status"`
	Timestamp    int64  `json:"timestamp"`
	Location     string `json:"location,omitempty"`
	Actor        string `json:"actor,omitempty"`
	Role         Role   `json:"role,omitempty"`
	Note         string `json:"note,omitempty"`
	RoleInferred bool   `json:"role_inferred,omitempty"`
}

// Project folds a batch history into ordered stage events. It is a derived,
// side-effect-free view: safe to discard and recompute at any time. Events
// are ordered by timestamp; same-second events order by lifecycle rank so a
// batch created and submitted within one second never reads backwards.
func Project(events []HistoryEvent) []StageEvent {
	ordered := make([]HistoryEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Timestamp != ordered[j].Timestamp {
			return ordered[i].Timestamp < ordered[j].Timestamp
		}
		return ordered[i].Status.ForwardRank() < ordered[j].Status.ForwardRank()
	})

	out := make([]StageEvent, 0, len(ordered))
	for _, ev := range ordered {
		se := StageEvent{
			Stage:     StageOf(ev.Status),
			Status:    ev.Status.String(),
			Timestamp: ev.Timestamp,
			Location:  ev.Location,
			Actor:     ev.Actor,
			Role:      ev.Role,
			Note:      ev.Note,
		}
		if se.Role == "" {
			se.Role = inferRole(ev)
			se.RoleInferred = se.Role != ""
		}
		out = append(out, se)
	}
	return out
}

// inferRole guesses the acting role for pre-role history events. Status is
// usually decisive; the note keywords cover the ambiguous Approved->InTransit
// hop where either a distributor or a logistics operator may have acted.
func inferRole(ev HistoryEvent) Role {
	switch ev.Status {
	case StatusCreated, StatusPendingApproval:
		return RoleManufacturer
	case StatusApproved, StatusRejected, StatusRecalled:
		return RoleRegulator
	case StatusAtPharmacy:
		return RoleLogistics
	case StatusSold:
		return RolePharmacy
	case StatusExpired:
		return RoleSystem
	case StatusInTransit:
		note := strings.ToLower(ev.Note)
		if strings.Contains(note, "courier") || strings.Contains(note, "shipment") || strings.Contains(note, "logistic") {
			return RoleLogistics
		}
		return RoleDistributor
	default:
		return ""
	}
}
