package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRuleStore is the in-process twin of the Postgres rule store for one
// parameter family.
type MemoryRuleStore struct {
	mu    sync.Mutex
	state *ruleState
}

type ruleState struct {
	rules    map[uuid.UUID]Rule
	order    []uuid.UUID
	counters map[string]int64
	audit    []AuditEntry
}

func NewMemoryRuleStore() *MemoryRuleStore {
	return &MemoryRuleStore{state: &ruleState{
		rules:    map[uuid.UUID]Rule{},
		counters: map[string]int64{},
	}}
}

func (s *ruleState) clone() *ruleState {
	out := &ruleState{
		rules:    make(map[uuid.UUID]Rule, len(s.rules)),
		order:    append([]uuid.UUID(nil), s.order...),
		counters: make(map[string]int64, len(s.counters)),
		audit:    append([]AuditEntry(nil), s.audit...),
	}
	for k, v := range s.rules {
		out.rules[k] = v.Clone()
	}
	for k, v := range s.counters {
		out.counters[k] = v
	}
	return out
}

func (s *MemoryRuleStore) InTx(ctx context.Context, fn func(RuleTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.state.clone()
	if err := fn(&memRuleTx{state: work}); err != nil {
		return err
	}
	s.state = work
	return nil
}

func (s *MemoryRuleStore) ReadTx(ctx context.Context, fn func(RuleTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&memRuleTx{state: s.state, readOnly: true})
}

type memRuleTx struct {
	state    *ruleState
	readOnly bool
}

func (t *memRuleTx) write() error {
	if t.readOnly {
		return errReadOnly
	}
	return nil
}

func (t *memRuleTx) LockParam(_ context.Context, _, _ string) error {
	return t.write()
}

func (t *memRuleTx) NextVersion(_ context.Context, key, scope string) (int64, error) {
	if err := t.write(); err != nil {
		return 0, err
	}
	k := identityKey(key, scope)
	t.state.counters[k]++
	return t.state.counters[k], nil
}

func (t *memRuleTx) InsertRule(_ context.Context, rule *Rule) error {
	if err := t.write(); err != nil {
		return err
	}
	if _, exists := t.state.rules[rule.ID]; exists {
		return ErrDuplicate
	}
	for _, existing := range t.state.rules {
		if existing.ParamKey == rule.ParamKey && existing.EntityScope == rule.EntityScope && existing.Version == rule.Version {
			return ErrDuplicate
		}
	}
	t.state.rules[rule.ID] = rule.Clone()
	t.state.order = append(t.state.order, rule.ID)
	return nil
}

func (t *memRuleTx) GetRule(_ context.Context, id uuid.UUID) (*Rule, error) {
	rule, ok := t.state.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	out := rule.Clone()
	return &out, nil
}

func (t *memRuleTx) GetRuleForUpdate(ctx context.Context, id uuid.UUID) (*Rule, error) {
	if err := t.write(); err != nil {
		return nil, err
	}
	return t.GetRule(ctx, id)
}

func (t *memRuleTx) UpdateRule(_ context.Context, rule *Rule) error {
	if err := t.write(); err != nil {
		return err
	}
	if _, ok := t.state.rules[rule.ID]; !ok {
		return ErrRuleNotFound
	}
	if rule.Status == RuleActive {
		for id, other := range t.state.rules {
			if id != rule.ID && other.Status == RuleActive && other.ParamKey == rule.ParamKey && other.EntityScope == rule.EntityScope {
				return ErrDuplicate
			}
		}
	}
	t.state.rules[rule.ID] = rule.Clone()
	return nil
}

func (t *memRuleTx) GetActiveRule(_ context.Context, key, scope string) (*Rule, error) {
	for _, rule := range t.state.rules {
		if rule.Status == RuleActive && rule.ParamKey == key && rule.EntityScope == scope {
			out := rule.Clone()
			return &out, nil
		}
	}
	return nil, ErrRuleNotFound
}

func (t *memRuleTx) ListRules(_ context.Context, filter RuleFilter) ([]Rule, error) {
	limit := normalizeLimit(filter.Limit)
	var out []Rule
	for i := len(t.state.order) - 1; i >= 0 && len(out) < limit; i-- {
		rule := t.state.rules[t.state.order[i]]
		if filter.ParamKey != "" && rule.ParamKey != filter.ParamKey {
			continue
		}
		if filter.EntityScope != nil && rule.EntityScope != *filter.EntityScope {
			continue
		}
		if filter.Status != "" && rule.Status != filter.Status {
			continue
		}
		out = append(out, rule.Clone())
	}
	return out, nil
}

func (t *memRuleTx) ListReadyForActivation(_ context.Context, at time.Time, limit int) ([]Rule, error) {
	var ready []Rule
	for _, rule := range t.state.rules {
		if rule.Status != RuleCoolingDown || rule.CooldownEndsAt == nil || rule.CooldownEndsAt.After(at) {
			continue
		}
		ready = append(ready, rule.Clone())
	}
	sortReady(ready)
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

// sortReady orders activation candidates so that, for one identity, older
// versions activate first and the newest ends up active.
func sortReady(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.ParamKey != b.ParamKey {
			return a.ParamKey < b.ParamKey
		}
		if a.EntityScope != b.EntityScope {
			return a.EntityScope < b.EntityScope
		}
		return a.Version < b.Version
	})
}

func (t *memRuleTx) AppendAudit(_ context.Context, entry *AuditEntry) error {
	if err := t.write(); err != nil {
		return err
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	t.state.audit = append(t.state.audit, *entry)
	return nil
}

func (t *memRuleTx) ListAudit(_ context.Context, ruleID uuid.UUID) ([]AuditEntry, error) {
	var out []AuditEntry
	for _, entry := range t.state.audit {
		if entry.RuleID == ruleID {
			out = append(out, entry)
		}
	}
	return out, nil
}
