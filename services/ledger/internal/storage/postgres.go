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
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultTxAttempts = 3

type PostgresStore struct {
	pool        *pgxpool.Pool
	logger      *slog.Logger
	maxAttempts int
}

func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger, maxAttempts int) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultTxAttempts
	}
	return &PostgresStore{pool: pool, logger: logger, maxAttempts: maxAttempts}
}

func (s *PostgresStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return runTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, s.maxAttempts, s.logger, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

func (s *PostgresStore) ReadTx(ctx context.Context, fn func(Tx) error) error {
	return runTx(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead}, 1, s.logger, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

// runTx executes fn in one transaction and retries it from scratch on
// serialization failures and deadlocks.
func runTx(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, attempts int, logger *slog.Logger, fn func(pgx.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := runTxOnce(ctx, pool, opts, fn)
		if err == nil {
			return nil
		}
		if !isRetryable(err) || attempt >= attempts {
			return err
		}
		logger.Warn("retrying transaction", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDuration(attempt)):
		}
	}
}

func runTxOnce(ctx context.Context, pool *pgxpool.Pool, opts pgx.TxOptions, fn func(pgx.Tx) error) error {
	tx, err := pool.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetOrCreateAccount(ctx context.Context, entityType, entityID string) (*Account, error) {
	var acct Account
	err := t.tx.QueryRow(ctx, `
		INSERT INTO accounts (id, entity_type, entity_id, version, created_at)
		VALUES ($1, $2, $3, 0, now())
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET entity_type = EXCLUDED.entity_type
		RETURNING id, entity_type, entity_id, version, created_at
	`, uuid.New(), entityType, entityID).Scan(&acct.ID, &acct.EntityType, &acct.EntityID, &acct.Version, &acct.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

func (t *pgTx) GetAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var acct Account
	err := t.tx.QueryRow(ctx, `
		SELECT id, entity_type, entity_id, version, created_at FROM accounts WHERE id = $1
	`, id).Scan(&acct.ID, &acct.EntityType, &acct.EntityID, &acct.Version, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}

func (t *pgTx) LockAccount(ctx context.Context, id uuid.UUID) (*Account, error) {
	var acct Account
	err := t.tx.QueryRow(ctx, `
		UPDATE accounts SET version = version + 1 WHERE id = $1
		RETURNING id, entity_type, entity_id, version, created_at
	`, id).Scan(&acct.ID, &acct.EntityType, &acct.EntityID, &acct.Version, &acct.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}

func (t *pgTx) LockKey(ctx context.Context, key string) error {
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, key)
	return err
}

const lotColumns = `id, account_id, pool_id, source_type, COALESCE(source_id, ''), original_micro,
	available_micro, reserved_micro, consumed_micro, expires_at, created_at`

func scanLot(row pgx.Row) (*Lot, error) {
	var lot Lot
	if err := row.Scan(&lot.ID, &lot.AccountID, &lot.PoolID, &lot.SourceType, &lot.SourceID, &lot.OriginalMicro,
		&lot.AvailableMicro, &lot.ReservedMicro, &lot.ConsumedMicro, &lot.ExpiresAt, &lot.CreatedAt); err != nil {
		return nil, err
	}
	return &lot, nil
}

func (t *pgTx) queryLots(ctx context.Context, query string, args ...any) ([]Lot, error) {
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []Lot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}
	return lots, rows.Err()
}

func (t *pgTx) ListOpenLots(ctx context.Context, accountID uuid.UUID, poolID string, at time.Time) ([]Lot, error) {
	return t.queryLots(ctx, `
		SELECT `+lotColumns+`
		FROM credit_lots
		WHERE account_id = $1 AND pool_id = $2 AND available_micro > 0
		  AND (expires_at IS NULL OR expires_at > $3)
		ORDER BY expires_at ASC NULLS LAST, created_at ASC, id ASC
		FOR UPDATE
	`, accountID, poolID, at)
}

func (t *pgTx) ListLots(ctx context.Context, accountID uuid.UUID, poolID string) ([]Lot, error) {
	return t.queryLots(ctx, `
		SELECT `+lotColumns+`
		FROM credit_lots
		WHERE account_id = $1 AND pool_id = $2
		ORDER BY expires_at ASC NULLS LAST, created_at ASC, id ASC
	`, accountID, poolID)
}

func (t *pgTx) GetLot(ctx context.Context, id uuid.UUID) (*Lot, error) {
	lot, err := scanLot(t.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM credit_lots WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLotNotFound
		}
		return nil, err
	}
	return lot, nil
}

func (t *pgTx) GetLotBySource(ctx context.Context, sourceType, sourceID string) (*Lot, error) {
	lot, err := scanLot(t.tx.QueryRow(ctx, `
		SELECT `+lotColumns+` FROM credit_lots WHERE source_type = $1 AND source_id = $2
	`, sourceType, sourceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLotNotFound
		}
		return nil, err
	}
	return lot, nil
}

func (t *pgTx) InsertLot(ctx context.Context, lot *Lot) error {
	if err := lot.Check(); err != nil {
		return err
	}
	if lot.ID == uuid.Nil {
		lot.ID = uuid.New()
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = time.Now().UTC()
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO credit_lots (id, account_id, pool_id, source_type, source_id, original_micro,
			available_micro, reserved_micro, consumed_micro, expires_at, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11)
	`, lot.ID, lot.AccountID, lot.PoolID, lot.SourceType, lot.SourceID, lot.OriginalMicro,
		lot.AvailableMicro, lot.ReservedMicro, lot.ConsumedMicro, lot.ExpiresAt, lot.CreatedAt)
	return mapWriteError(err)
}

func (t *pgTx) MutateLot(ctx context.Context, id uuid.UUID, delta LotDelta) (*Lot, error) {
	lot, err := scanLot(t.tx.QueryRow(ctx, `SELECT `+lotColumns+` FROM credit_lots WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrLotNotFound
		}
		return nil, err
	}
	next, err := lot.Apply(delta)
	if err != nil {
		return nil, err
	}
	if _, err := t.tx.Exec(ctx, `
		UPDATE credit_lots
		SET available_micro = $1, reserved_micro = $2, consumed_micro = $3
		WHERE id = $4
	`, next.AvailableMicro, next.ReservedMicro, next.ConsumedMicro, id); err != nil {
		return nil, mapWriteError(err)
	}
	return &next, nil
}

func (t *pgTx) SumOpenLots(ctx context.Context, accountID uuid.UUID, poolID string, at time.Time) (LotTotals, error) {
	return t.sumLots(ctx, `
		SELECT COALESCE(SUM(original_micro), 0), COALESCE(SUM(available_micro), 0),
			COALESCE(SUM(reserved_micro), 0), COALESCE(SUM(consumed_micro), 0), COUNT(*)
		FROM credit_lots
		WHERE account_id = $1 AND pool_id = $2 AND (expires_at IS NULL OR expires_at > $3)
	`, accountID, poolID, at)
}

func (t *pgTx) SumLots(ctx context.Context, accountID uuid.UUID, poolID string) (LotTotals, error) {
	return t.sumLots(ctx, `
		SELECT COALESCE(SUM(original_micro), 0), COALESCE(SUM(available_micro), 0),
			COALESCE(SUM(reserved_micro), 0), COALESCE(SUM(consumed_micro), 0), COUNT(*)
		FROM credit_lots
		WHERE account_id = $1 AND pool_id = $2
	`, accountID, poolID)
}

func (t *pgTx) sumLots(ctx context.Context, query string, args ...any) (LotTotals, error) {
	var totals LotTotals
	err := t.tx.QueryRow(ctx, query, args...).Scan(&totals.OriginalMicro, &totals.AvailableMicro,
		&totals.ReservedMicro, &totals.ConsumedMicro, &totals.LotCount)
	return totals, err
}

func (t *pgTx) AppendEntry(ctx context.Context, entry *LedgerEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, account_id, pool_id, lot_id, reservation_id, seq, entry_type,
			amount_micro, idempotency_key, reference_type, reference_id, description, metadata, created_at)
		SELECT $1::uuid, $2::uuid, $3::text, $4::uuid, $5::uuid, COALESCE(MAX(seq), 0) + 1, $6::text, $7::bigint,
			NULLIF($8::text, ''), NULLIF($9::text, ''), $10::uuid, $11::text, $12::jsonb, $13::timestamptz
		FROM ledger_entries WHERE account_id = $2 AND pool_id = $3
		RETURNING seq
	`, entry.ID, entry.AccountID, entry.PoolID, entry.LotID, entry.ReservationID, entry.EntryType,
		entry.AmountMicro, entry.IdempotencyKey, entry.ReferenceType, entry.ReferenceID, entry.Description,
		metadata, entry.CreatedAt).Scan(&entry.Seq)
	return mapWriteError(err)
}

func (t *pgTx) ListEntries(ctx context.Context, accountID uuid.UUID, poolID string, limit int) ([]LedgerEntry, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, account_id, pool_id, lot_id, reservation_id, seq, entry_type, amount_micro,
			COALESCE(idempotency_key, ''), COALESCE(reference_type, ''), reference_id, description, metadata, created_at
		FROM ledger_entries
		WHERE account_id = $1 AND pool_id = $2
		ORDER BY seq DESC
		LIMIT $3
	`, accountID, poolID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var (
			e        LedgerEntry
			metadata []byte
		)
		if err := rows.Scan(&e.ID, &e.AccountID, &e.PoolID, &e.LotID, &e.ReservationID, &e.Seq, &e.EntryType,
			&e.AmountMicro, &e.IdempotencyKey, &e.ReferenceType, &e.ReferenceID, &e.Description, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Metadata, err = decodeMetadata(metadata); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (t *pgTx) SumEntries(ctx context.Context, accountID uuid.UUID, poolID string) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount_micro), 0)::bigint FROM ledger_entries WHERE account_id = $1 AND pool_id = $2
	`, accountID, poolID).Scan(&sum)
	return sum, err
}

const reservationColumns = `id, account_id, pool_id, total_reserved_micro, status, billing_mode,
	COALESCE(idempotency_key, ''), actual_cost_micro, charged_micro, overrun_micro, finalize_entry_seq,
	expires_at, finalized_at, created_at, updated_at`

func scanReservation(row pgx.Row) (*Reservation, error) {
	var res Reservation
	var status string
	if err := row.Scan(&res.ID, &res.AccountID, &res.PoolID, &res.TotalReservedMicro, &status, &res.BillingMode,
		&res.IdempotencyKey, &res.ActualCostMicro, &res.ChargedMicro, &res.OverrunMicro, &res.FinalizeEntrySeq,
		&res.ExpiresAt, &res.FinalizedAt, &res.CreatedAt, &res.UpdatedAt); err != nil {
		return nil, err
	}
	res.Status = ReservationStatus(status)
	return &res, nil
}

func (t *pgTx) InsertReservation(ctx context.Context, res *Reservation, links []ReservationLot) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO reservations (id, account_id, pool_id, total_reserved_micro, status, billing_mode,
			idempotency_key, actual_cost_micro, charged_micro, overrun_micro, finalize_entry_seq, expires_at,
			finalized_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11, $12, $13, $14, $15)
	`, res.ID, res.AccountID, res.PoolID, res.TotalReservedMicro, string(res.Status), res.BillingMode,
		res.IdempotencyKey, res.ActualCostMicro, res.ChargedMicro, res.OverrunMicro, res.FinalizeEntrySeq,
		res.ExpiresAt, res.FinalizedAt, res.CreatedAt, res.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}

	batch := &pgx.Batch{}
	for i, link := range links {
		batch.Queue(`
			INSERT INTO reservation_lots (reservation_id, lot_id, amount_micro, position)
			VALUES ($1, $2, $3, $4)
		`, res.ID, link.LotID, link.AmountMicro, i)
	}
	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for range links {
		if _, err := results.Exec(); err != nil {
			return mapWriteError(err)
		}
	}
	return nil
}

func (t *pgTx) GetReservation(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	res, err := scanReservation(t.tx.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return res, nil
}

func (t *pgTx) GetReservationByKey(ctx context.Context, key string) (*Reservation, error) {
	res, err := scanReservation(t.tx.QueryRow(ctx, `
		SELECT `+reservationColumns+` FROM reservations WHERE idempotency_key = $1 FOR UPDATE
	`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrReservationNotFound
		}
		return nil, err
	}
	return res, nil
}

func (t *pgTx) ListReservationLots(ctx context.Context, reservationID uuid.UUID) ([]ReservationLot, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT reservation_id, lot_id, amount_micro FROM reservation_lots
		WHERE reservation_id = $1 ORDER BY position
	`, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []ReservationLot
	for rows.Next() {
		var link ReservationLot
		if err := rows.Scan(&link.ReservationID, &link.LotID, &link.AmountMicro); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

func (t *pgTx) UpdateReservation(ctx context.Context, res *Reservation) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE reservations
		SET status = $1, actual_cost_micro = $2, charged_micro = $3, overrun_micro = $4,
			finalize_entry_seq = $5, finalized_at = $6, updated_at = $7
		WHERE id = $8
	`, string(res.Status), res.ActualCostMicro, res.ChargedMicro, res.OverrunMicro, res.FinalizeEntrySeq,
		res.FinalizedAt, res.UpdatedAt, res.ID)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrReservationNotFound
	}
	return nil
}

func (t *pgTx) ListExpiredReservations(ctx context.Context, at time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = maxListLimit
	}
	rows, err := t.tx.Query(ctx, `
		SELECT id FROM reservations
		WHERE status = 'pending' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, at, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

const transferColumns = `id, from_account_id, to_account_id, amount_micro, status, reject_reason,
	idempotency_key, correlation_id, metadata, created_at, completed_at`

func scanTransfer(row pgx.Row) (*Transfer, error) {
	var (
		tr       Transfer
		status   string
		metadata []byte
	)
	if err := row.Scan(&tr.ID, &tr.FromAccountID, &tr.ToAccountID, &tr.AmountMicro, &status, &tr.RejectReason,
		&tr.IdempotencyKey, &tr.CorrelationID, &metadata, &tr.CreatedAt, &tr.CompletedAt); err != nil {
		return nil, err
	}
	tr.Status = TransferStatus(status)
	var err error
	if tr.Metadata, err = decodeMetadata(metadata); err != nil {
		return nil, err
	}
	return &tr, nil
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr *Transfer) error {
	metadata, err := encodeMetadata(tr.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO transfers (id, from_account_id, to_account_id, amount_micro, status, reject_reason,
			idempotency_key, correlation_id, metadata, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, tr.ID, tr.FromAccountID, tr.ToAccountID, tr.AmountMicro, string(tr.Status), tr.RejectReason,
		tr.IdempotencyKey, tr.CorrelationID, metadata, tr.CreatedAt, tr.CompletedAt)
	return mapWriteError(err)
}

func (t *pgTx) GetTransfer(ctx context.Context, id uuid.UUID) (*Transfer, error) {
	tr, err := scanTransfer(t.tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return tr, nil
}

func (t *pgTx) GetTransferByKey(ctx context.Context, key string) (*Transfer, error) {
	tr, err := scanTransfer(t.tx.QueryRow(ctx, `SELECT `+transferColumns+` FROM transfers WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransferNotFound
		}
		return nil, err
	}
	return tr, nil
}

func (t *pgTx) ListTransfers(ctx context.Context, filter TransferFilter) ([]Transfer, string, error) {
	limit := normalizeLimit(filter.Limit)

	query := `SELECT ` + transferColumns + ` FROM transfers WHERE `
	switch filter.Direction {
	case DirectionIn:
		query += `to_account_id = $1`
	case DirectionOut:
		query += `from_account_id = $1`
	default:
		query += `(from_account_id = $1 OR to_account_id = $1)`
	}
	args := []any{filter.AccountID}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		query += ` AND (created_at, id) < ($2, $3)`
		args = append(args, ts, id)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit+1)

	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	transfers := make([]Transfer, 0, limit)
	for rows.Next() {
		tr, err := scanTransfer(rows)
		if err != nil {
			return nil, "", err
		}
		transfers = append(transfers, *tr)
	}
	if rows.Err() != nil {
		return nil, "", rows.Err()
	}

	var next string
	if len(transfers) > limit {
		transfers = transfers[:limit]
		last := transfers[limit-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return transfers, next, nil
}

func (t *pgTx) GetActiveReferral(ctx context.Context, accountID uuid.UUID, at time.Time) (*ReferralAttribution, error) {
	var ref ReferralAttribution
	err := t.tx.QueryRow(ctx, `
		SELECT id, account_id, referrer_account_id, created_at, expires_at
		FROM referral_attributions
		WHERE account_id = $1 AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC
		LIMIT 1
	`, accountID, at).Scan(&ref.ID, &ref.AccountID, &ref.ReferrerAccountID, &ref.CreatedAt, &ref.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ref, nil
}

func (t *pgTx) InsertReferral(ctx context.Context, ref *ReferralAttribution) error {
	if err := t.LockKey(ctx, "referral:"+ref.AccountID.String()); err != nil {
		return err
	}
	existing, err := t.GetActiveReferral(ctx, ref.AccountID, ref.CreatedAt)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrDuplicate
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO referral_attributions (id, account_id, referrer_account_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ref.ID, ref.AccountID, ref.ReferrerAccountID, ref.CreatedAt, ref.ExpiresAt)
	return mapWriteError(err)
}

func (t *pgTx) InsertReferrerEarning(ctx context.Context, earning *ReferrerEarning) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO referrer_earnings (id, referrer_account_id, referee_account_id, reservation_id, entry_seq,
			charge_micro, share_micro, rate_bps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, earning.ID, earning.ReferrerAccountID, earning.RefereeAccountID, earning.ReservationID, earning.EntrySeq,
		earning.ChargeMicro, earning.ShareMicro, earning.RateBps, earning.CreatedAt)
	return mapWriteError(err)
}

func (t *pgTx) ListReferrerEarnings(ctx context.Context, referrerID uuid.UUID, limit int) ([]ReferrerEarning, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT id, referrer_account_id, referee_account_id, reservation_id, entry_seq, charge_micro,
			share_micro, rate_bps, created_at
		FROM referrer_earnings
		WHERE referrer_account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, referrerID, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReferrerEarning
	for rows.Next() {
		var e ReferrerEarning
		if err := rows.Scan(&e.ID, &e.ReferrerAccountID, &e.RefereeAccountID, &e.ReservationID, &e.EntrySeq,
			&e.ChargeMicro, &e.ShareMicro, &e.RateBps, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func encodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte(`{}`), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return raw, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "{}" || string(raw) == "null" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return m, nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	if isCheckViolation(err) {
		return fmt.Errorf("%w: %v", ErrLotInvariant, err)
	}
	if isRaisedException(err) {
		return fmt.Errorf("%w: %v", ErrImmutable, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23514"
	}
	return false
}

func isRaisedException(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "P0001"
	}
	return false
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return false
}

func backoffDuration(attempt int) time.Duration {
	base := 25 * time.Millisecond
	if attempt <= 1 {
		return base
	}
	return base * time.Duration(attempt)
}
