package governance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
)

const (
	ParamRevenueSplit = "revenue_split"

	ParamReservationTTL      = "reservation.default_ttl_seconds"
	ParamTransferMaxMicro    = "transfer.max_amount_micro"
	ParamAttributionWindow   = "referral.attribution_window_days"
	ParamNotice              = "governance.notice"
	maxNoticeLength          = 500
	maxReservationTTLSeconds = 7 * 24 * 60 * 60
)

// RevenueSplit is a five-way basis-point split. Foundation absorbs whatever
// integer rounding leaves over, so its share is never computed from its rate.
type RevenueSplit struct {
	ReferrerBps   int64 `json:"referrer_bps"`
	CommonsBps    int64 `json:"commons_bps"`
	CommunityBps  int64 `json:"community_bps"`
	TreasuryBps   int64 `json:"treasury_bps"`
	FoundationBps int64 `json:"foundation_bps"`
}

var DefaultRevenueSplit = RevenueSplit{
	ReferrerBps:   1000,
	CommonsBps:    500,
	CommunityBps:  7000,
	TreasuryBps:   0,
	FoundationBps: 1500,
}

func (s RevenueSplit) Validate() error {
	parts := []struct {
		name string
		bps  int64
	}{
		{"referrer", s.ReferrerBps},
		{"commons", s.CommonsBps},
		{"community", s.CommunityBps},
		{"treasury", s.TreasuryBps},
		{"foundation", s.FoundationBps},
	}
	var sum int64
	for _, p := range parts {
		if p.bps < 0 || p.bps > money.BpsDenominator {
			return fmt.Errorf("%s rate %d outside [0, %d]", p.name, p.bps, money.BpsDenominator)
		}
		sum += p.bps
	}
	if sum != money.BpsDenominator {
		return fmt.Errorf("rates sum to %d, want %d", sum, money.BpsDenominator)
	}
	return nil
}

func RevenueSchema() Schema[RevenueSplit] {
	fallback := DefaultRevenueSplit
	return Schema[RevenueSplit]{
		Name: "revenue_rules",
		Params: []Param[RevenueSplit]{{
			Key:      ParamRevenueSplit,
			Critical: true,
			Fallback: &fallback,
			Validate: RevenueSplit.Validate,
		}},
	}
}

// RevenueRules governs the revenue split, optionally per community scope.
type RevenueRules struct {
	*Engine[RevenueSplit]
}

func NewRevenueRules(store storage.RuleStore, cfg Config, logger *slog.Logger, metrics Metrics) *RevenueRules {
	return &RevenueRules{Engine: NewEngine(store, RevenueSchema(), cfg, logger, metrics)}
}

// ResolveSplit returns the split in force for scope.
func (r *RevenueRules) ResolveSplit(ctx context.Context, scope string) (RevenueSplit, Tier, error) {
	res, err := r.Resolve(ctx, ParamRevenueSplit, scope)
	if err != nil {
		return RevenueSplit{}, "", err
	}
	return res.Value, res.Tier, nil
}

// ConfigValue holds one JSON scalar. Its wire form is the bare scalar.
type ConfigValue struct {
	raw json.RawMessage
}

func IntValue(v int64) ConfigValue {
	raw, _ := json.Marshal(v)
	return ConfigValue{raw: raw}
}

func StringValue(v string) ConfigValue {
	raw, _ := json.Marshal(v)
	return ConfigValue{raw: raw}
}

func (c ConfigValue) IsZero() bool {
	return len(c.raw) == 0 || bytes.Equal(c.raw, []byte("null"))
}

func (c ConfigValue) Int() (int64, error) {
	if c.IsZero() {
		return 0, nil
	}
	var v int64
	if err := json.Unmarshal(c.raw, &v); err != nil {
		return 0, fmt.Errorf("not an integer: %s", c.raw)
	}
	return v, nil
}

func (c ConfigValue) String() string {
	var v string
	if err := json.Unmarshal(c.raw, &v); err != nil {
		return string(c.raw)
	}
	return v
}

func (c ConfigValue) MarshalJSON() ([]byte, error) {
	if len(c.raw) == 0 {
		return []byte("null"), nil
	}
	return c.raw, nil
}

func (c *ConfigValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return errors.New("config values must be scalars")
	}
	c.raw = append(json.RawMessage(nil), trimmed...)
	return nil
}

func intRange(lo, hi int64) func(ConfigValue) error {
	return func(v ConfigValue) error {
		n, err := v.Int()
		if err != nil {
			return err
		}
		if n < lo || n > hi {
			return fmt.Errorf("%d outside [%d, %d]", n, lo, hi)
		}
		return nil
	}
}

func maxString(n int) func(ConfigValue) error {
	return func(v ConfigValue) error {
		var s string
		if err := json.Unmarshal(v.raw, &s); err != nil {
			return errors.New("not a string")
		}
		if len(s) > n {
			return fmt.Errorf("longer than %d bytes", n)
		}
		return nil
	}
}

func ConstitutionalSchema() Schema[ConfigValue] {
	ttl := IntValue(int64(15 * time.Minute / time.Second))
	window := IntValue(365)
	return Schema[ConfigValue]{
		Name: "system_config",
		Params: []Param[ConfigValue]{
			{Key: ParamReservationTTL, Critical: true, Fallback: &ttl, Validate: intRange(1, maxReservationTTLSeconds)},
			{Key: ParamTransferMaxMicro, Validate: intRange(1, money.MaxMicro)},
			{Key: ParamAttributionWindow, Fallback: &window, Validate: intRange(1, 3650)},
			{Key: ParamNotice, Validate: maxString(maxNoticeLength)},
		},
	}
}

// ConstitutionalConfig governs system-wide scalar parameters.
type ConstitutionalConfig struct {
	*Engine[ConfigValue]
}

func NewConstitutionalConfig(store storage.RuleStore, cfg Config, logger *slog.Logger, metrics Metrics) *ConstitutionalConfig {
	return &ConstitutionalConfig{Engine: NewEngine(store, ConstitutionalSchema(), cfg, logger, metrics)}
}

func (c *ConstitutionalConfig) resolveInt(ctx context.Context, key string) (int64, error) {
	res, err := c.Resolve(ctx, key, "")
	if err != nil {
		return 0, err
	}
	return res.Value.Int()
}

// DefaultReservationTTL returns the governed reservation TTL.
func (c *ConstitutionalConfig) DefaultReservationTTL(ctx context.Context) (time.Duration, error) {
	secs, err := c.resolveInt(ctx, ParamReservationTTL)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// MaxTransferMicro returns the per-transfer limit; zero means unlimited.
func (c *ConstitutionalConfig) MaxTransferMicro(ctx context.Context) (int64, error) {
	return c.resolveInt(ctx, ParamTransferMaxMicro)
}

func (c *ConstitutionalConfig) AttributionWindow(ctx context.Context) (time.Duration, error) {
	days, err := c.resolveInt(ctx, ParamAttributionWindow)
	if err != nil {
		return 0, err
	}
	return time.Duration(days) * 24 * time.Hour, nil
}
