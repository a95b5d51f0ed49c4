package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRuleStore persists one governed parameter family. Table names come
// from a RuleTable and are quoted once at construction.
type PostgresRuleStore struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	maxAttempts int
	rules       string
	audit       string
	counters    string
	lockPrefix  string
}

func NewPostgresRuleStore(pool *pgxpool.Pool, table RuleTable, logger *slog.Logger) *PostgresRuleStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRuleStore{
		pool:        pool,
		logger:      logger,
		maxAttempts: defaultTxAttempts,
		rules:       pgx.Identifier{table.Rules}.Sanitize(),
		audit:       pgx.Identifier{table.Audit}.Sanitize(),
		counters:    pgx.Identifier{table.Counters}.Sanitize(),
		lockPrefix:  table.Rules + ":",
	}
}

func (s *PostgresRuleStore) InTx(ctx context.Context, fn func(RuleTx) error) error {
	return runTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, s.maxAttempts, s.logger, func(tx pgx.Tx) error {
		return fn(&pgRuleTx{tx: tx, store: s})
	})
}

func (s *PostgresRuleStore) ReadTx(ctx context.Context, fn func(RuleTx) error) error {
	return runTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}, 1, s.logger, func(tx pgx.Tx) error {
		return fn(&pgRuleTx{tx: tx, store: s})
	})
}

type pgRuleTx struct {
	tx    pgx.Tx
	store *PostgresRuleStore
}

const ruleColumns = `id, param_key, entity_scope, value, version, status, proposed_by, proposed_at,
	approved_by, approval_count, required_approvals, cooldown_ends_at, activated_at, superseded_at,
	superseded_by, rejected_reason, updated_at`

func scanRule(row pgx.Row) (*Rule, error) {
	var (
		rule   Rule
		status string
	)
	if err := row.Scan(&rule.ID, &rule.ParamKey, &rule.EntityScope, &rule.Value, &rule.Version, &status,
		&rule.ProposedBy, &rule.ProposedAt, &rule.ApprovedBy, &rule.ApprovalCount, &rule.RequiredApprovals,
		&rule.CooldownEndsAt, &rule.ActivatedAt, &rule.SupersededAt, &rule.SupersededBy, &rule.RejectedReason,
		&rule.UpdatedAt); err != nil {
		return nil, err
	}
	rule.Status = RuleStatus(status)
	return &rule, nil
}

func (t *pgRuleTx) queryRules(ctx context.Context, query string, args ...any) ([]Rule, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}

func (t *pgRuleTx) LockParam(ctx context.Context, paramKey, scope string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, t.store.lockPrefix+identityKey(paramKey, scope))
	return err
}

func (t *pgRuleTx) NextVersion(ctx context.Context, paramKey, scope string) (int64, error) {
	var version int64
	err := t.tx.QueryRow(ctx, `
		INSERT INTO `+t.store.counters+` (param_key, entity_scope, last_version)
		VALUES ($1, $2, 1)
		ON CONFLICT (param_key, entity_scope)
		DO UPDATE SET last_version = `+t.store.counters+`.last_version + 1
		RETURNING last_version
	`, paramKey, scope).Scan(&version)
	return version, err
}

func (t *pgRuleTx) InsertRule(ctx context.Context, rule *Rule) error {
	approvedBy := rule.ApprovedBy
	if approvedBy == nil {
		approvedBy = []string{}
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO `+t.store.rules+` (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, rule.ID, rule.ParamKey, rule.EntityScope, rule.Value, rule.Version, string(rule.Status), rule.ProposedBy,
		rule.ProposedAt, approvedBy, rule.ApprovalCount, rule.RequiredApprovals, rule.CooldownEndsAt,
		rule.ActivatedAt, rule.SupersededAt, rule.SupersededBy, rule.RejectedReason, rule.UpdatedAt)
	return mapWriteError(err)
}

func (t *pgRuleTx) GetRule(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return t.getRule(ctx, `SELECT `+ruleColumns+` FROM `+t.store.rules+` WHERE id = $1`, id)
}

func (t *pgRuleTx) GetRuleForUpdate(ctx context.Context, id uuid.UUID) (*Rule, error) {
	return t.getRule(ctx, `SELECT `+ruleColumns+` FROM `+t.store.rules+` WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgRuleTx) getRule(ctx context.Context, query string, args ...any) (*Rule, error) {
	rule, err := scanRule(t.tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, err
	}
	return rule, nil
}

func (t *pgRuleTx) UpdateRule(ctx context.Context, rule *Rule) error {
	approvedBy := rule.ApprovedBy
	if approvedBy == nil {
		approvedBy = []string{}
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE `+t.store.rules+`
		SET status = $1, approved_by = $2, approval_count = $3, cooldown_ends_at = $4, activated_at = $5,
			superseded_at = $6, superseded_by = $7, rejected_reason = $8, updated_at = $9
		WHERE id = $10
	`, string(rule.Status), approvedBy, rule.ApprovalCount, rule.CooldownEndsAt, rule.ActivatedAt,
		rule.SupersededAt, rule.SupersededBy, rule.RejectedReason, rule.UpdatedAt, rule.ID)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (t *pgRuleTx) GetActiveRule(ctx context.Context, paramKey, scope string) (*Rule, error) {
	return t.getRule(ctx, `
		SELECT `+ruleColumns+` FROM `+t.store.rules+`
		WHERE param_key = $1 AND entity_scope = $2 AND status = 'active'
	`, paramKey, scope)
}

func (t *pgRuleTx) ListRules(ctx context.Context, filter RuleFilter) ([]Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM ` + t.store.rules + ` WHERE true`
	var args []any
	if filter.ParamKey != "" {
		args = append(args, filter.ParamKey)
		query += fmt.Sprintf(` AND param_key = $%d`, len(args))
	}
	if filter.EntityScope != nil {
		args = append(args, *filter.EntityScope)
		query += fmt.Sprintf(` AND entity_scope = $%d`, len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, normalizeLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY proposed_at DESC, version DESC LIMIT $%d`, len(args))
	return t.queryRules(ctx, query, args...)
}

func (t *pgRuleTx) ListReadyForActivation(ctx context.Context, at time.Time, limit int) ([]Rule, error) {
	if limit <= 0 {
		limit = maxListLimit
	}
	return t.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM `+t.store.rules+`
		WHERE status = 'cooling_down' AND cooldown_ends_at <= $1
		ORDER BY param_key, entity_scope, version
		LIMIT $2
	`, at, limit)
}

func (t *pgRuleTx) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO `+t.store.audit+` (id, rule_id, action, actor, previous_status, new_status, version, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.ID, entry.RuleID, string(entry.Action), entry.Actor, string(entry.PreviousStatus), string(entry.NewStatus),
		entry.Version, entry.Reason, metadata, entry.CreatedAt)
	return mapWriteError(err)
}

func (t *pgRuleTx) ListAudit(ctx context.Context, ruleID uuid.UUID) ([]AuditEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, rule_id, action, actor, previous_status, new_status, version, reason, metadata, created_at
		FROM `+t.store.audit+`
		WHERE rule_id = $1
		ORDER BY created_at, id
	`, ruleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e                  AuditEntry
			action, prev, next string
			metadata           []byte
		)
		if err := rows.Scan(&e.ID, &e.RuleID, &action, &e.Actor, &prev, &next, &e.Version, &e.Reason, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action, e.PreviousStatus, e.NewStatus = AuditAction(action), RuleStatus(prev), RuleStatus(next)
		if len(metadata) > 0 && string(metadata) != "{}" {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decode audit metadata: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
