package governance

import "github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"

type Status = storage.RuleStatus

const (
	StatusDraft           = storage.RuleDraft
	StatusPendingApproval = storage.RulePendingApproval
	StatusCoolingDown     = storage.RuleCoolingDown
	StatusActive          = storage.RuleActive
	StatusRejected        = storage.RuleRejected
	StatusSuperseded      = storage.RuleSuperseded
)

// transitions lists every permitted status change. pending_approval -> active
// is only reachable through an emergency override; cooling_down -> superseded
// happens when a newer version is already active at activation time.
var transitions = map[Status][]Status{
	StatusDraft:           {StatusPendingApproval},
	StatusPendingApproval: {StatusCoolingDown, StatusRejected, StatusActive},
	StatusCoolingDown:     {StatusActive, StatusRejected, StatusSuperseded},
	StatusActive:          {StatusSuperseded},
}

func IsValidTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}
