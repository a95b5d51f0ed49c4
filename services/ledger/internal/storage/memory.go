package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errReadOnly = errors.New("write attempted in read-only transaction")

// MemoryStore keeps ledger state in process. A unit of work holds the store
// mutex for its whole duration and works on a copy that replaces the live
// state only when the callback succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	now   func() time.Time
}

type memState struct {
	accounts        map[uuid.UUID]Account
	accountKeys     map[string]uuid.UUID
	lots            map[uuid.UUID]Lot
	lotSeq          map[uuid.UUID]int64
	lotSources      map[string]uuid.UUID
	entries         []LedgerEntry
	entryKeys       map[string]struct{}
	seqs            map[string]int64
	reservations    map[uuid.UUID]Reservation
	reservationKeys map[string]uuid.UUID
	links           map[uuid.UUID][]ReservationLot
	transfers       map[uuid.UUID]Transfer
	transferKeys    map[string]uuid.UUID
	referrals       []ReferralAttribution
	earnings        []ReferrerEarning
	insertCounter   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: newMemState(),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func newMemState() *memState {
	return &memState{
		accounts:        map[uuid.UUID]Account{},
		accountKeys:     map[string]uuid.UUID{},
		lots:            map[uuid.UUID]Lot{},
		lotSeq:          map[uuid.UUID]int64{},
		lotSources:      map[string]uuid.UUID{},
		entryKeys:       map[string]struct{}{},
		seqs:            map[string]int64{},
		reservations:    map[uuid.UUID]Reservation{},
		reservationKeys: map[string]uuid.UUID{},
		links:           map[uuid.UUID][]ReservationLot{},
		transfers:       map[uuid.UUID]Transfer{},
		transferKeys:    map[string]uuid.UUID{},
	}
}

func (s *memState) clone() *memState {
	out := &memState{
		accounts:        make(map[uuid.UUID]Account, len(s.accounts)),
		accountKeys:     make(map[string]uuid.UUID, len(s.accountKeys)),
		lots:            make(map[uuid.UUID]Lot, len(s.lots)),
		lotSeq:          make(map[uuid.UUID]int64, len(s.lotSeq)),
		lotSources:      make(map[string]uuid.UUID, len(s.lotSources)),
		entries:         append([]LedgerEntry(nil), s.entries...),
		entryKeys:       make(map[string]struct{}, len(s.entryKeys)),
		seqs:            make(map[string]int64, len(s.seqs)),
		reservations:    make(map[uuid.UUID]Reservation, len(s.reservations)),
		reservationKeys: make(map[string]uuid.UUID, len(s.reservationKeys)),
		links:           make(map[uuid.UUID][]ReservationLot, len(s.links)),
		transfers:       make(map[uuid.UUID]Transfer, len(s.transfers)),
		transferKeys:    make(map[string]uuid.UUID, len(s.transferKeys)),
		referrals:       append([]ReferralAttribution(nil), s.referrals...),
		earnings:        append([]ReferrerEarning(nil), s.earnings...),
		insertCounter:   s.insertCounter,
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.accountKeys {
		out.accountKeys[k] = v
	}
	for k, v := range s.lots {
		out.lots[k] = v
	}
	for k, v := range s.lotSeq {
		out.lotSeq[k] = v
	}
	for k, v := range s.lotSources {
		out.lotSources[k] = v
	}
	for k, v := range s.entryKeys {
		out.entryKeys[k] = v
	}
	for k, v := range s.seqs {
		out.seqs[k] = v
	}
	for k, v := range s.reservations {
		out.reservations[k] = v
	}
	for k, v := range s.reservationKeys {
		out.reservationKeys[k] = v
	}
	for k, v := range s.links {
		out.links[k] = append([]ReservationLot(nil), v...)
	}
	for k, v := range s.transfers {
		out.transfers[k] = v
	}
	for k, v := range s.transferKeys {
		out.transferKeys[k] = v
	}
	return out
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *MemoryStore) ReadTx(ctx context.Context, fn func(Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *MemoryStore) run(ctx context.Context, readOnly bool, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if readOnly {
		return fn(&memTx{state: s.state, readOnly: true, now: s.now})
	}
	work := s.state.clone()
	if err := fn(&memTx{state: work, now: s.now}); err != nil {
		return err
	}
	s.state = work
	return nil
}

type memTx struct {
	state    *memState
	readOnly bool
	now      func() time.Time
}

func (t *memTx) write() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memTx) nextOrder() int64 {
	t.state.insertCounter++
	return t.state.insertCounter
}

func (t *memTx) GetOrCreateAccount(_ context.Context, entityType, entityID string) (*Account, error) {
	if id, ok := t.state.accountKeys[accountKey(entityType, entityID)]; ok {
		acct := t.state.accounts[id]
		return &acct, nil
	}
	if err := t.write(); err != nil {
		return nil, err
	}
	acct := Account{
		ID:         uuid.New(),
		EntityType: entityType,
		EntityID:   entityID,
		CreatedAt:  t.now(),
	}
	t.state.accounts[acct.ID] = acct
	t.state.accountKeys[accountKey(entityType, entityID)] = acct.ID
	return &acct, nil
}

func (t *memTx) GetAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	acct, ok := t.state.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &acct, nil
}

func (t *memTx) LockAccount(_ context.Context, id uuid.UUID) (*Account, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	acct, ok := t.state.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	acct.Version++
	t.state.accounts[id] = acct
	return &acct, nil
}

func (t *memTx) LockKey(_ context.Context, _ string) error {
	return t.write()
}

func (t *memTx) ListOpenLots(_ context.Context, accountID uuid.UUID, poolID string, at time.Time) ([]Lot, error) {
	var lots []Lot
	for _, lot := range t.state.lots {
		if lot.AccountID != accountID || lot.PoolID != poolID {
			continue
		}
		if lot.AvailableMicro <= 0 || !lot.Open(at) {
			continue
		}
		lots = append(lots, lot)
	}
	t.sortFIFO(lots)
	return lots, nil
}

func (t *memTx) ListLots(_ context.Context, accountID uuid.UUID, poolID string) ([]Lot, error) {
	var lots []Lot
	for _, lot := range t.state.lots {
		if lot.AccountID == accountID && lot.PoolID == poolID {
			lots = append(lots, lot)
		}
	}
	t.sortFIFO(lots)
	return lots, nil
}

// sortFIFO orders lots by expiry ascending with no-expiry last, then by
// creation order.
func (t *memTx) sortFIFO(lots []Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		a, b := lots[i], lots[j]
		switch {
		case a.ExpiresAt != nil && b.ExpiresAt == nil:
			return true
		case a.ExpiresAt == nil && b.ExpiresAt != nil:
			return false
		case a.ExpiresAt != nil && b.ExpiresAt != nil && !a.ExpiresAt.Equal(*b.ExpiresAt):
			return a.ExpiresAt.Before(*b.ExpiresAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return t.state.lotSeq[a.ID] < t.state.lotSeq[b.ID]
	})
}

func (t *memTx) GetLot(_ context.Context, id uuid.UUID) (*Lot, error) {
	lot, ok := t.state.lots[id]
	if !ok {
		return nil, ErrLotNotFound
	}
	return &lot, nil
}

func (t *memTx) GetLotBySource(_ context.Context, sourceType, sourceID string) (*Lot, error) {
	id, ok := t.state.lotSources[sourceKey(sourceType, sourceID)]
	if !ok {
		return nil, ErrLotNotFound
	}
	lot := t.state.lots[id]
	return &lot, nil
}

func (t *memTx) InsertLot(_ context.Context, lot *Lot) error {
	if err := t.write(); err != nil {
		return err
	}
	if _, ok := t.state.accounts[lot.AccountID]; !ok {
		return ErrAccountNotFound
	}
	if err := lot.Check(); err != nil {
		return err
	}
	if lot.ID == uuid.Nil {
		lot.ID = uuid.New()
	}
	if lot.SourceID != "" {
		key := sourceKey(lot.SourceType, lot.SourceID)
		if _, exists := t.state.lotSources[key]; exists {
			return ErrDuplicate
		}
		t.state.lotSources[key] = lot.ID
	}
	if lot.CreatedAt.IsZero() {
		lot.CreatedAt = t.now()
	}
	t.state.lots[lot.ID] = *lot
	t.state.lotSeq[lot.ID] = t.nextOrder()
	return nil
}

func (t *memTx) MutateLot(_ context.Context, id uuid.UUID, delta LotDelta) (*Lot, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	lot, ok := t.state.lots[id]
	if !ok {
		return nil, ErrLotNotFound
	}
	next, err := lot.Apply(delta)
	if err != nil {
		return nil, err
	}
	t.state.lots[id] = next
	return &next, nil
}

func (t *memTx) SumOpenLots(_ context.Context, accountID uuid.UUID, poolID string, at time.Time) (LotTotals, error) {
	var totals LotTotals
	for _, lot := range t.state.lots {
		if lot.AccountID != accountID || lot.PoolID != poolID || !lot.Open(at) {
			continue
		}
		addTotals(&totals, lot)
	}
	return totals, nil
}

func (t *memTx) SumLots(_ context.Context, accountID uuid.UUID, poolID string) (LotTotals, error) {
	var totals LotTotals
	for _, lot := range t.state.lots {
		if lot.AccountID == accountID && lot.PoolID == poolID {
			addTotals(&totals, lot)
		}
	}
	return totals, nil
}

func addTotals(totals *LotTotals, lot Lot) {
	totals.OriginalMicro += lot.OriginalMicro
	totals.AvailableMicro += lot.AvailableMicro
	totals.ReservedMicro += lot.ReservedMicro
	totals.ConsumedMicro += lot.ConsumedMicro
	totals.LotCount++
}

func (t *memTx) AppendEntry(_ context.Context, entry *LedgerEntry) error {
	if err := t.write(); err != nil {
		return err
	}
	if _, ok := t.state.accounts[entry.AccountID]; !ok {
		return ErrAccountNotFound
	}
	if entry.IdempotencyKey != "" {
		if _, exists := t.state.entryKeys[entry.IdempotencyKey]; exists {
			return ErrDuplicate
		}
		t.state.entryKeys[entry.IdempotencyKey] = struct{}{}
	}
	key := poolKey(entry.AccountID, entry.PoolID)
	t.state.seqs[key]++
	entry.Seq = t.state.seqs[key]
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = t.now()
	}
	t.state.entries = append(t.state.entries, *entry)
	return nil
}

func (t *memTx) ListEntries(_ context.Context, accountID uuid.UUID, poolID string, limit int) ([]LedgerEntry, error) {
	limit = normalizeLimit(limit)
	var out []LedgerEntry
	for i := len(t.state.entries) - 1; i >= 0 && len(out) < limit; i-- {
		e := t.state.entries[i]
		if e.AccountID == accountID && e.PoolID == poolID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) SumEntries(_ context.Context, accountID uuid.UUID, poolID string) (int64, error) {
	var sum int64
	for _, e := range t.state.entries {
		if e.AccountID == accountID && e.PoolID == poolID {
			sum += e.AmountMicro
		}
	}
	return sum, nil
}

func (t *memTx) InsertReservation(_ context.Context, res *Reservation, links []ReservationLot) error {
	if err := t.write(); err != nil {
		return err
	}
	if res.IdempotencyKey != "" {
		if _, exists := t.state.reservationKeys[res.IdempotencyKey]; exists {
			return ErrDuplicate
		}
		t.state.reservationKeys[res.IdempotencyKey] = res.ID
	}
	t.state.reservations[res.ID] = *res
	t.state.links[res.ID] = append([]ReservationLot(nil), links...)
	return nil
}

func (t *memTx) GetReservation(_ context.Context, id uuid.UUID) (*Reservation, error) {
	res, ok := t.state.reservations[id]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return &res, nil
}

func (t *memTx) GetReservationByKey(ctx context.Context, key string) (*Reservation, error) {
	id, ok := t.state.reservationKeys[key]
	if !ok {
		return nil, ErrReservationNotFound
	}
	return t.GetReservation(ctx, id)
}

func (t *memTx) ListReservationLots(_ context.Context, reservationID uuid.UUID) ([]ReservationLot, error) {
	return append([]ReservationLot(nil), t.state.links[reservationID]...), nil
}

func (t *memTx) UpdateReservation(_ context.Context, res *Reservation) error {
	if err := t.write(); err != nil {
		return err
	}
	if _, ok := t.state.reservations[res.ID]; !ok {
		return ErrReservationNotFound
	}
	t.state.reservations[res.ID] = *res
	return nil
}

func (t *memTx) ListExpiredReservations(_ context.Context, at time.Time, limit int) ([]uuid.UUID, error) {
	var expired []Reservation
	for _, res := range t.state.reservations {
		if res.Status == ReservationPending && !res.ExpiresAt.After(at) {
			expired = append(expired, res)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]uuid.UUID, 0, len(expired))
	for _, res := range expired {
		ids = append(ids, res.ID)
	}
	return ids, nil
}

func (t *memTx) InsertTransfer(_ context.Context, tr *Transfer) error {
	if err := t.write(); err != nil {
		return err
	}
	if _, exists := t.state.transferKeys[tr.IdempotencyKey]; exists {
		return ErrDuplicate
	}
	t.state.transferKeys[tr.IdempotencyKey] = tr.ID
	t.state.transfers[tr.ID] = *tr
	return nil
}

func (t *memTx) GetTransfer(_ context.Context, id uuid.UUID) (*Transfer, error) {
	tr, ok := t.state.transfers[id]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return &tr, nil
}

func (t *memTx) GetTransferByKey(ctx context.Context, key string) (*Transfer, error) {
	id, ok := t.state.transferKeys[key]
	if !ok {
		return nil, ErrTransferNotFound
	}
	return t.GetTransfer(ctx, id)
}

func (t *memTx) ListTransfers(_ context.Context, filter TransferFilter) ([]Transfer, string, error) {
	limit := normalizeLimit(filter.Limit)
	var (
		hasCursor bool
		cursorTS  time.Time
		cursorID  uuid.UUID
	)
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", err
		}
		hasCursor, cursorTS, cursorID = true, ts, id
	}

	var matched []Transfer
	for _, tr := range t.state.transfers {
		if !matchesDirection(tr, filter.AccountID, filter.Direction) {
			continue
		}
		if hasCursor && !transferBefore(tr, cursorTS, cursorID) {
			continue
		}
		matched = append(matched, tr)
	}
	sort.Slice(matched, func(i, j int) bool {
		return transferBefore(matched[j], matched[i].CreatedAt, matched[i].ID)
	})

	var next string
	if len(matched) > limit {
		matched = matched[:limit]
		last := matched[limit-1]
		next = encodeCursor(last.CreatedAt, last.ID)
	}
	return matched, next, nil
}

func matchesDirection(tr Transfer, accountID uuid.UUID, dir TransferDirection) bool {
	switch dir {
	case DirectionIn:
		return tr.ToAccountID == accountID
	case DirectionOut:
		return tr.FromAccountID == accountID
	default:
		return tr.ToAccountID == accountID || tr.FromAccountID == accountID
	}
}

// transferBefore reports whether tr sorts strictly after the (ts, id) cursor
// in newest-first order.
func transferBefore(tr Transfer, ts time.Time, id uuid.UUID) bool {
	if !tr.CreatedAt.Equal(ts) {
		return tr.CreatedAt.Before(ts)
	}
	return tr.ID.String() < id.String()
}

func (t *memTx) GetActiveReferral(_ context.Context, accountID uuid.UUID, at time.Time) (*ReferralAttribution, error) {
	for i := len(t.state.referrals) - 1; i >= 0; i-- {
		ref := t.state.referrals[i]
		if ref.AccountID == accountID && ref.ActiveAt(at) {
			return &ref, nil
		}
	}
	return nil, nil
}

func (t *memTx) InsertReferral(ctx context.Context, ref *ReferralAttribution) error {
	if err := t.write(); err != nil {
		return err
	}
	existing, _ := t.GetActiveReferral(ctx, ref.AccountID, ref.CreatedAt)
	if existing != nil {
		return ErrDuplicate
	}
	t.state.referrals = append(t.state.referrals, *ref)
	return nil
}

func (t *memTx) InsertReferrerEarning(_ context.Context, earning *ReferrerEarning) error {
	if err := t.write(); err != nil {
		return err
	}
	t.state.earnings = append(t.state.earnings, *earning)
	return nil
}

func (t *memTx) ListReferrerEarnings(_ context.Context, referrerID uuid.UUID, limit int) ([]ReferrerEarning, error) {
	limit = normalizeLimit(limit)
	var out []ReferrerEarning
	for i := len(t.state.earnings) - 1; i >= 0 && len(out) < limit; i-- {
		if t.state.earnings[i].ReferrerAccountID == referrerID {
			out = append(out, t.state.earnings[i])
		}
	}
	return out, nil
}
