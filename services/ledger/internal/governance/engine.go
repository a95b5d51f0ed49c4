package governance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultCooldown             = 7 * 24 * time.Hour
	DefaultRequiredApprovals    = 2
	DefaultOverrideMinApprovers = 3
	defaultActivationBatch      = 100

	systemActor = "system"
)

// Tier names the layer a resolved value came from.
type Tier string

const (
	TierScoped   Tier = "scoped"
	TierGlobal   Tier = "global"
	TierFallback Tier = "fallback"
	TierDefault  Tier = "default"
)

type Metrics interface {
	ObserveOperation(op, status string, duration time.Duration)
	ObserveResolution(param, tier string)
}

type Config struct {
	Cooldown             time.Duration
	RequiredApprovals    int
	OverrideMinApprovers int
	ActivationBatch      int
	Now                  func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.RequiredApprovals <= 0 {
		c.RequiredApprovals = DefaultRequiredApprovals
	}
	if c.OverrideMinApprovers <= 0 {
		c.OverrideMinApprovers = DefaultOverrideMinApprovers
	}
	if c.ActivationBatch <= 0 {
		c.ActivationBatch = defaultActivationBatch
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return c
}

// Rule is a stored rule with its value decoded.
type Rule[V any] struct {
	storage.Rule
	Decoded V
}

type Resolution[V any] struct {
	Value  V
	Tier   Tier
	RuleID *uuid.UUID
	// Version is zero for fallback and default tiers.
	Version int64
}

// Engine drives the approval lifecycle of one family of versioned parameters.
type Engine[V any] struct {
	store   storage.RuleStore
	schema  Schema[V]
	cfg     Config
	logger  *slog.Logger
	metrics Metrics
	tracer  trace.Tracer

	mu        sync.RWMutex
	listeners []func(storage.Rule)
}

func NewEngine[V any](store storage.RuleStore, schema Schema[V], cfg Config, logger *slog.Logger, metrics Metrics) *Engine[V] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine[V]{
		store:   store,
		schema:  schema,
		cfg:     cfg.withDefaults(),
		logger:  logger.With("family", schema.Name),
		metrics: metrics,
		tracer:  otel.Tracer("ledger/governance"),
	}
}

func (e *Engine[V]) Schema() Schema[V] {
	return e.schema
}

// OnActivate registers fn to run after a rule becomes active. Listeners run
// after commit, outside the unit of work.
func (e *Engine[V]) OnActivate(fn func(storage.Rule)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *Engine[V]) notify(rules []storage.Rule) {
	e.mu.RLock()
	listeners := slices.Clone(e.listeners)
	e.mu.RUnlock()
	for _, rule := range rules {
		for _, fn := range listeners {
			fn(rule)
		}
	}
}

func (e *Engine[V]) instrument(ctx context.Context, op string) (context.Context, func(*error)) {
	ctx, span := e.tracer.Start(ctx, "governance."+op, trace.WithAttributes(attribute.String("family", e.schema.Name)))
	start := time.Now()
	return ctx, func(errp *error) {
		status := "success"
		if errp != nil && *errp != nil {
			status = Outcome(*errp)
			span.RecordError(*errp)
			span.SetStatus(otelcodes.Error, status)
		}
		span.End()
		if e.metrics != nil {
			e.metrics.ObserveOperation(e.schema.Name+"."+op, status, time.Since(start))
		}
	}
}

// Outcome names an error for metrics labels.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrRuleNotFound):
		return "not_found"
	case errors.Is(err, ErrFourEyes), errors.Is(err, ErrNotProposer):
		return "forbidden"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrAlreadyApproved):
		return "conflict"
	case errors.Is(err, ErrSchemaValidation), errors.Is(err, ErrActorRequired),
		errors.Is(err, ErrReasonRequired), errors.Is(err, ErrInsufficientApprover):
		return "invalid"
	case errors.Is(err, ErrParameterUnresolved):
		return "unresolved"
	default:
		return "error"
	}
}

func (e *Engine[V]) decode(rule *storage.Rule) (*Rule[V], error) {
	value, err := decodeValue[V](rule.ParamKey, rule.Value)
	if err != nil {
		return nil, err
	}
	return &Rule[V]{Rule: *rule, Decoded: value}, nil
}

func mapRuleError(err error) error {
	if errors.Is(err, storage.ErrRuleNotFound) {
		return ErrRuleNotFound
	}
	return err
}

func audit(ctx context.Context, tx storage.RuleTx, rule *storage.Rule, action storage.AuditAction, actor string, prev storage.RuleStatus, reason string, meta map[string]any, at time.Time) error {
	return tx.AppendAudit(ctx, &storage.AuditEntry{
		ID:             uuid.New(),
		RuleID:         rule.ID,
		Action:         action,
		Actor:          actor,
		PreviousStatus: prev,
		NewStatus:      rule.Status,
		Version:        rule.Version,
		Reason:         reason,
		Metadata:       meta,
		CreatedAt:      at,
	})
}

// Propose validates value against the schema and records a new draft with the
// next version for (paramKey, scope).
func (e *Engine[V]) Propose(ctx context.Context, paramKey, scope string, value V, proposer string) (out *Rule[V], err error) {
	proposer = strings.TrimSpace(proposer)
	if proposer == "" {
		return nil, ErrActorRequired
	}
	if err := e.schema.validate(paramKey, value); err != nil {
		return nil, err
	}
	raw, err := encodeValue(paramKey, value)
	if err != nil {
		return nil, err
	}
	ctx, done := e.instrument(ctx, "propose")
	defer done(&err)

	now := e.cfg.Now()
	rule := &storage.Rule{
		ID:                uuid.New(),
		ParamKey:          paramKey,
		EntityScope:       scope,
		Value:             raw,
		Status:            StatusDraft,
		ProposedBy:        proposer,
		ProposedAt:        now,
		RequiredApprovals: e.cfg.RequiredApprovals,
		UpdatedAt:         now,
	}
	err = e.store.InTx(ctx, func(tx storage.RuleTx) error {
		if err := tx.LockParam(ctx, paramKey, scope); err != nil {
			return err
		}
		version, err := tx.NextVersion(ctx, paramKey, scope)
		if err != nil {
			return err
		}
		rule.Version = version
		if err := tx.InsertRule(ctx, rule); err != nil {
			return err
		}
		return audit(ctx, tx, rule, storage.AuditProposed, proposer, "", "", nil, now)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("rule proposed", "rule_id", rule.ID, "param", paramKey, "scope", scope, "version", rule.Version)
	return &Rule[V]{Rule: *rule, Decoded: value}, nil
}

// Submit moves a draft into pending_approval. Only the proposer may submit.
func (e *Engine[V]) Submit(ctx context.Context, ruleID uuid.UUID, actor string) (out *Rule[V], err error) {
	ctx, done := e.instrument(ctx, "submit")
	defer done(&err)

	now := e.cfg.Now()
	var rule *storage.Rule
	err = e.store.InTx(ctx, func(tx storage.RuleTx) error {
		var err error
		rule, err = tx.GetRuleForUpdate(ctx, ruleID)
		if err != nil {
			return mapRuleError(err)
		}
		if actor != rule.ProposedBy {
			return ErrNotProposer
		}
		if !IsValidTransition(rule.Status, StatusPendingApproval) {
			return &InvalidStateError{RuleID: rule.ID, Status: rule.Status, Action: "submit"}
		}
		prev := rule.Status
		rule.Status = StatusPendingApproval
		rule.UpdatedAt = now
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return err
		}
		return audit(ctx, tx, rule, storage.AuditSubmitted, actor, prev, "", nil, now)
	})
	if err != nil {
		return nil, err
	}
	return e.decode(rule)
}

// Approve records one approval. Reaching the required count starts the
// cooldown; the rule activates once it elapses.
func (e *Engine[V]) Approve(ctx context.Context, ruleID uuid.UUID, approver string) (out *Rule[V], err error) {
	approver = strings.TrimSpace(approver)
	if approver == "" {
		return nil, ErrActorRequired
	}
	ctx, done := e.instrument(ctx, "approve")
	defer done(&err)

	now := e.cfg.Now()
	var rule *storage.Rule
	err = e.store.InTx(ctx, func(tx storage.RuleTx) error {
		var err error
		rule, err = tx.GetRuleForUpdate(ctx, ruleID)
		if err != nil {
			return mapRuleError(err)
		}
		if approver == rule.ProposedBy {
			return &FourEyesViolationError{RuleID: rule.ID, Actor: approver}
		}
		if rule.Status != StatusPendingApproval {
			return &InvalidStateError{RuleID: rule.ID, Status: rule.Status, Action: "approve"}
		}
		if slices.Contains(rule.ApprovedBy, approver) {
			return ErrAlreadyApproved
		}
		prev := rule.Status
		rule.ApprovedBy = append(rule.ApprovedBy, approver)
		rule.ApprovalCount = len(rule.ApprovedBy)
		rule.UpdatedAt = now
		if err := audit(ctx, tx, rule, storage.AuditApproved, approver, prev, "", nil, now); err != nil {
			return err
		}
		if rule.ApprovalCount >= rule.RequiredApprovals {
			ends := now.Add(e.cfg.Cooldown)
			rule.Status = StatusCoolingDown
			rule.CooldownEndsAt = &ends
			if err := audit(ctx, tx, rule, storage.AuditCoolingStarted, approver, prev, "", map[string]any{
				"cooldown_ends_at": ends.Format(time.RFC3339),
			}, now); err != nil {
				return err
			}
		}
		return tx.UpdateRule(ctx, rule)
	})
	if err != nil {
		return nil, err
	}
	return e.decode(rule)
}

func (e *Engine[V]) Reject(ctx context.Context, ruleID uuid.UUID, actor, reason string) (out *Rule[V], err error) {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return nil, ErrActorRequired
	}
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	ctx, done := e.instrument(ctx, "reject")
	defer done(&err)

	now := e.cfg.Now()
	var rule *storage.Rule
	err = e.store.InTx(ctx, func(tx storage.RuleTx) error {
		var err error
		rule, err = tx.GetRuleForUpdate(ctx, ruleID)
		if err != nil {
			return mapRuleError(err)
		}
		if !IsValidTransition(rule.Status, StatusRejected) {
			return &InvalidStateError{RuleID: rule.ID, Status: rule.Status, Action: "reject"}
		}
		prev := rule.Status
		rule.Status = StatusRejected
		rule.RejectedReason = reason
		rule.CooldownEndsAt = nil
		rule.UpdatedAt = now
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return err
		}
		return audit(ctx, tx, rule, storage.AuditRejected, actor, prev, reason, nil, now)
	})
	if err != nil {
		return nil, err
	}
	return e.decode(rule)
}

// activate makes rule the active version of its identity, superseding the
// current one. When a newer version is already active the candidate is
// superseded instead and false is returned. The caller holds the param lock.
func (e *Engine[V]) activate(ctx context.Context, tx storage.RuleTx, rule *storage.Rule, action storage.AuditAction, actor, reason string, meta map[string]any, now time.Time) (bool, error) {
	current, err := tx.GetActiveRule(ctx, rule.ParamKey, rule.EntityScope)
	switch {
	case errors.Is(err, storage.ErrRuleNotFound):
		current = nil
	case err != nil:
		return false, err
	}

	if current != nil && current.Version > rule.Version {
		prev := rule.Status
		rule.Status = StatusSuperseded
		rule.SupersededAt = &now
		rule.SupersededBy = &current.ID
		rule.UpdatedAt = now
		if err := tx.UpdateRule(ctx, rule); err != nil {
			return false, err
		}
		return false, audit(ctx, tx, rule, storage.AuditSuperseded, actor, prev, "newer version already active", map[string]any{
			"active_rule_id": current.ID.String(),
		}, now)
	}

	if current != nil {
		current.Status = StatusSuperseded
		current.SupersededAt = &now
		current.SupersededBy = &rule.ID
		current.UpdatedAt = now
		if err := tx.UpdateRule(ctx, current); err != nil {
			return false, err
		}
		if err := audit(ctx, tx, current, storage.AuditSuperseded, actor, StatusActive, "", map[string]any{
			"superseded_by": rule.ID.String(),
		}, now); err != nil {
			return false, err
		}
	}

	prev := rule.Status
	rule.Status = StatusActive
	rule.ActivatedAt = &now
	rule.UpdatedAt = now
	if err := tx.UpdateRule(ctx, rule); err != nil {
		return false, err
	}
	return true, audit(ctx, tx, rule, action, actor, prev, reason, meta, now)
}

// ActivateReadyRules activates every rule whose cooldown has elapsed, oldest
// version first. Each rule commits in its own unit of work.
func (e *Engine[V]) ActivateReadyRules(ctx context.Context) (activated int, err error) {
	ctx, done := e.instrument(ctx, "activate_ready")
	defer done(&err)

	now := e.cfg.Now()
	var ready []storage.Rule
	if err := e.store.ReadTx(ctx, func(tx storage.RuleTx) error {
		var err error
		ready, err = tx.ListReadyForActivation(ctx, now, e.cfg.ActivationBatch)
		return err
	}); err != nil {
		return 0, err
	}

	var errs []error
	var fired []storage.Rule
	for _, candidate := range ready {
		var rule *storage.Rule
		var ok bool
		txErr := e.store.InTx(ctx, func(tx storage.RuleTx) error {
			if err := tx.LockParam(ctx, candidate.ParamKey, candidate.EntityScope); err != nil {
				return err
			}
			var err error
			rule, err = tx.GetRuleForUpdate(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if rule.Status != StatusCoolingDown || rule.CooldownEndsAt == nil || rule.CooldownEndsAt.After(now) {
				ok = false
				return nil
			}
			ok, err = e.activate(ctx, tx, rule, storage.AuditActivated, systemActor, "", nil, now)
			return err
		})
		if txErr != nil {
			e.logger.Error("rule activation failed", "rule_id", candidate.ID, "error", txErr)
			errs = append(errs, fmt.Errorf("activate %s: %w", candidate.ID, txErr))
			continue
		}
		if ok {
			activated++
			fired = append(fired, *rule)
			e.logger.Info("rule activated", "rule_id", rule.ID, "param", rule.ParamKey, "scope", rule.EntityScope, "version", rule.Version)
		}
	}
	e.notify(fired)
	return activated, errors.Join(errs...)
}

// OverrideCooldown activates a pending or cooling rule immediately. It needs
// at least the configured number of distinct approvers, none of them the
// proposer, and a justification.
func (e *Engine[V]) OverrideCooldown(ctx context.Context, ruleID uuid.UUID, approvers []string, justification string) (out *Rule[V], err error) {
	if strings.TrimSpace(justification) == "" {
		return nil, ErrReasonRequired
	}
	distinct := make([]string, 0, len(approvers))
	for _, a := range approvers {
		a = strings.TrimSpace(a)
		if a != "" && !slices.Contains(distinct, a) {
			distinct = append(distinct, a)
		}
	}
	if len(distinct) < e.cfg.OverrideMinApprovers {
		return nil, &OverrideApproversError{Required: e.cfg.OverrideMinApprovers, Got: len(distinct)}
	}
	ctx, done := e.instrument(ctx, "override_cooldown")
	defer done(&err)

	now := e.cfg.Now()
	var rule *storage.Rule
	err = e.store.InTx(ctx, func(tx storage.RuleTx) error {
		peek, err := tx.GetRule(ctx, ruleID)
		if err != nil {
			return mapRuleError(err)
		}
		if err := tx.LockParam(ctx, peek.ParamKey, peek.EntityScope); err != nil {
			return err
		}
		rule, err = tx.GetRuleForUpdate(ctx, ruleID)
		if err != nil {
			return mapRuleError(err)
		}
		if slices.Contains(distinct, rule.ProposedBy) {
			return &FourEyesViolationError{RuleID: rule.ID, Actor: rule.ProposedBy}
		}
		if rule.Status != StatusPendingApproval && rule.Status != StatusCoolingDown {
			return &InvalidStateError{RuleID: rule.ID, Status: rule.Status, Action: "override"}
		}
		ok, err := e.activate(ctx, tx, rule, storage.AuditEmergencyOverride, strings.Join(distinct, ","), justification, map[string]any{
			"approvers": distinct,
		}, now)
		if err != nil {
			return err
		}
		if !ok {
			return &InvalidStateError{RuleID: rule.ID, Status: StatusSuperseded, Action: "override"}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.logger.Warn("emergency override applied", "rule_id", rule.ID, "param", rule.ParamKey, "approvers", distinct)
	e.notify([]storage.Rule{*rule})
	return e.decode(rule)
}

// Resolve returns the value in force for paramKey: the active scoped rule,
// then the active global rule, then the schema fallback. Critical parameters
// with nothing to fall back on fail with ErrParameterUnresolved; others
// resolve to the zero value.
func (e *Engine[V]) Resolve(ctx context.Context, paramKey, scope string) (*Resolution[V], error) {
	var found *storage.Rule
	tier := TierGlobal
	err := e.store.ReadTx(ctx, func(tx storage.RuleTx) error {
		if scope != "" {
			rule, err := tx.GetActiveRule(ctx, paramKey, scope)
			if err == nil {
				found, tier = rule, TierScoped
				return nil
			}
			if !errors.Is(err, storage.ErrRuleNotFound) {
				return err
			}
		}
		rule, err := tx.GetActiveRule(ctx, paramKey, "")
		if err == nil {
			found = rule
			return nil
		}
		if errors.Is(err, storage.ErrRuleNotFound) {
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if found != nil {
		decoded, err := e.decode(found)
		if err != nil {
			return nil, err
		}
		e.observeResolution(paramKey, tier)
		id := found.ID
		return &Resolution[V]{Value: decoded.Decoded, Tier: tier, RuleID: &id, Version: found.Version}, nil
	}

	param, known := e.schema.param(paramKey)
	if known && param.Fallback != nil {
		e.observeResolution(paramKey, TierFallback)
		return &Resolution[V]{Value: *param.Fallback, Tier: TierFallback}, nil
	}
	if known && param.Critical {
		e.logger.Error("critical parameter unresolved", "param", paramKey, "scope", scope)
		return nil, fmt.Errorf("%w: %s", ErrParameterUnresolved, paramKey)
	}
	e.logger.Warn("parameter resolved to zero value", "param", paramKey, "scope", scope, "known", known)
	e.observeResolution(paramKey, TierDefault)
	var zero V
	return &Resolution[V]{Value: zero, Tier: TierDefault}, nil
}

func (e *Engine[V]) observeResolution(param string, tier Tier) {
	if e.metrics != nil {
		e.metrics.ObserveResolution(param, string(tier))
	}
}

func (e *Engine[V]) GetRule(ctx context.Context, ruleID uuid.UUID) (*Rule[V], error) {
	var rule *storage.Rule
	err := e.store.ReadTx(ctx, func(tx storage.RuleTx) error {
		var err error
		rule, err = tx.GetRule(ctx, ruleID)
		return mapRuleError(err)
	})
	if err != nil {
		return nil, err
	}
	return e.decode(rule)
}

func (e *Engine[V]) ListRules(ctx context.Context, filter storage.RuleFilter) ([]Rule[V], error) {
	var rules []storage.Rule
	err := e.store.ReadTx(ctx, func(tx storage.RuleTx) error {
		var err error
		rules, err = tx.ListRules(ctx, filter)
		return err
	})
	if err != nil {
		return nil, err
	}
	out := make([]Rule[V], 0, len(rules))
	for i := range rules {
		decoded, err := e.decode(&rules[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *decoded)
	}
	return out, nil
}

// AuditLog returns the audit trail of a rule, oldest first.
func (e *Engine[V]) AuditLog(ctx context.Context, ruleID uuid.UUID) ([]storage.AuditEntry, error) {
	var entries []storage.AuditEntry
	err := e.store.ReadTx(ctx, func(tx storage.RuleTx) error {
		if _, err := tx.GetRule(ctx, ruleID); err != nil {
			return mapRuleError(err)
		}
		var err error
		entries, err = tx.ListAudit(ctx, ruleID)
		return err
	})
	return entries, err
}
