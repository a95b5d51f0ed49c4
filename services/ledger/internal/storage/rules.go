package storage

import (
	"time"

	"github.com/google/uuid"
)

type RuleStatus string

const (
	RuleDraft           RuleStatus = "draft"
	RulePendingApproval RuleStatus = "pending_approval"
	RuleCoolingDown     RuleStatus = "cooling_down"
	RuleActive          RuleStatus = "active"
	RuleRejected        RuleStatus = "rejected"
	RuleSuperseded      RuleStatus = "superseded"
)

type AuditAction string

const (
	AuditProposed          AuditAction = "proposed"
	AuditSubmitted         AuditAction = "submitted"
	AuditApproved          AuditAction = "approved"
	AuditCoolingStarted    AuditAction = "cooling_started"
	AuditRejected          AuditAction = "rejected"
	AuditActivated         AuditAction = "activated"
	AuditSuperseded        AuditAction = "superseded"
	AuditEmergencyOverride AuditAction = "emergency_override"
)

// RuleTable names the relational layout of one governed parameter family.
type RuleTable struct {
	Rules    string
	Audit    string
	Counters string
}

var (
	RevenueRuleTable = RuleTable{
		Rules:    "revenue_rules",
		Audit:    "revenue_rule_audit_log",
		Counters: "revenue_rule_versions",
	}
	SystemConfigTable = RuleTable{
		Rules:    "system_config",
		Audit:    "system_config_audit_log",
		Counters: "system_config_versions",
	}
)

type Rule struct {
	ID                uuid.UUID
	ParamKey          string
	EntityScope       string
	Value             []byte
	Version           int64
	Status            RuleStatus
	ProposedBy        string
	ProposedAt        time.Time
	ApprovedBy        []string
	ApprovalCount     int
	RequiredApprovals int
	CooldownEndsAt    *time.Time
	ActivatedAt       *time.Time
	SupersededAt      *time.Time
	SupersededBy      *uuid.UUID
	RejectedReason    string
	UpdatedAt         time.Time
}

// Clone returns a deep copy so callers can mutate without aliasing store state.
func (r Rule) Clone() Rule {
	out := r
	out.Value = append([]byte(nil), r.Value...)
	out.ApprovedBy = append([]string(nil), r.ApprovedBy...)
	out.CooldownEndsAt = cloneTime(r.CooldownEndsAt)
	out.ActivatedAt = cloneTime(r.ActivatedAt)
	out.SupersededAt = cloneTime(r.SupersededAt)
	if r.SupersededBy != nil {
		id := *r.SupersededBy
		out.SupersededBy = &id
	}
	return out
}

type AuditEntry struct {
	ID             uuid.UUID
	RuleID         uuid.UUID
	Action         AuditAction
	Actor          string
	PreviousStatus RuleStatus
	NewStatus      RuleStatus
	Version        int64
	Reason         string
	Metadata       map[string]any
	CreatedAt      time.Time
}

type RuleFilter struct {
	ParamKey    string
	EntityScope *string
	Status      RuleStatus
	Limit       int
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
