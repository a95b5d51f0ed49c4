package distribution

import (
	"errors"
	"fmt"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/governance"
)

type Role string

const (
	RoleReferrer   Role = "referrer"
	RoleCommons    Role = "commons"
	RoleCommunity  Role = "community"
	RoleTreasury   Role = "treasury"
	RoleFoundation Role = "foundation"

	// AbsorberRole receives charge minus every other share.
	AbsorberRole = RoleFoundation
)

// Roles lists every role in posting order.
var Roles = []Role{RoleReferrer, RoleCommons, RoleCommunity, RoleTreasury, RoleFoundation}

var ErrInvalidRates = errors.New("invalid distribution rates")

// Rates is the governed revenue split in basis points.
type Rates = governance.RevenueSplit

var FallbackRates = governance.DefaultRevenueSplit

type Shares struct {
	Referrer   int64 `json:"referrer_micro"`
	Commons    int64 `json:"commons_micro"`
	Community  int64 `json:"community_micro"`
	Treasury   int64 `json:"treasury_micro"`
	Foundation int64 `json:"foundation_micro"`
}

func (s Shares) Total() int64 {
	return s.Referrer + s.Commons + s.Community + s.Treasury + s.Foundation
}

func (s Shares) Of(role Role) int64 {
	switch role {
	case RoleReferrer:
		return s.Referrer
	case RoleCommons:
		return s.Commons
	case RoleCommunity:
		return s.Community
	case RoleTreasury:
		return s.Treasury
	case RoleFoundation:
		return s.Foundation
	}
	return 0
}

func (s *Shares) set(role Role, v int64) {
	switch role {
	case RoleReferrer:
		s.Referrer = v
	case RoleCommons:
		s.Commons = v
	case RoleCommunity:
		s.Community = v
	case RoleTreasury:
		s.Treasury = v
	case RoleFoundation:
		s.Foundation = v
	}
}

func rateOf(r Rates, role Role) int64 {
	switch role {
	case RoleReferrer:
		return r.ReferrerBps
	case RoleCommons:
		return r.CommonsBps
	case RoleCommunity:
		return r.CommunityBps
	case RoleTreasury:
		return r.TreasuryBps
	case RoleFoundation:
		return r.FoundationBps
	}
	return 0
}

// WithReferrer returns r with the referrer rate replaced. The absorber keeps
// whatever the other rates leave over.
func WithReferrer(r Rates, bps int64) Rates {
	r.FoundationBps += r.ReferrerBps - bps
	r.ReferrerBps = bps
	return r
}

// CalculateShares splits chargeMicro by rates. Every role but the absorber
// gets floor(charge*bps/10000); the absorber gets the rest, so the shares
// always sum to the charge exactly.
func CalculateShares(chargeMicro int64, rates Rates) (Shares, error) {
	if err := money.AssertInRange(chargeMicro); err != nil {
		return Shares{}, err
	}
	var shares Shares
	var allocated, bpsSum int64
	for _, role := range Roles {
		if role == AbsorberRole {
			continue
		}
		bps := rateOf(rates, role)
		bpsSum += bps
		if bps < 0 || bpsSum > money.BpsDenominator {
			return Shares{}, fmt.Errorf("%w: %s rate %d", ErrInvalidRates, role, bps)
		}
		share, err := money.BpsShare(chargeMicro, bps)
		if err != nil {
			return Shares{}, err
		}
		shares.set(role, share)
		allocated += share
	}
	shares.set(AbsorberRole, chargeMicro-allocated)
	return shares, nil
}
