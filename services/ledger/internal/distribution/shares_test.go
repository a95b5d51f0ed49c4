package distribution

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/money"
)

func TestCalculateSharesScenario(t *testing.T) {
	rates := Rates{ReferrerBps: 1000, CommonsBps: 500, CommunityBps: 7000, TreasuryBps: 0, FoundationBps: 1500}
	shares, err := CalculateShares(1_000_000, rates)
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	want := Shares{Referrer: 100_000, Commons: 50_000, Community: 700_000, Treasury: 0, Foundation: 150_000}
	if shares != want {
		t.Fatalf("expected %+v, got %+v", want, shares)
	}
	if shares.Total() != 1_000_000 {
		t.Fatalf("shares must sum to the charge, got %d", shares.Total())
	}
}

func TestCalculateSharesWithoutReferrer(t *testing.T) {
	shares, err := CalculateShares(1_000_000, WithReferrer(FallbackRates, 0))
	if err != nil {
		t.Fatalf("calculate: %v", err)
	}
	if shares.Referrer != 0 || shares.Foundation != 250_000 {
		t.Fatalf("referrer share must fold into foundation, got %+v", shares)
	}
}

func TestCalculateSharesEdges(t *testing.T) {
	cases := []struct {
		name   string
		charge int64
	}{
		{"zero", 0},
		{"one", 1},
		{"odd", 9_999},
		{"max", money.MaxMicro},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			shares, err := CalculateShares(tc.charge, FallbackRates)
			if err != nil {
				t.Fatalf("calculate: %v", err)
			}
			if shares.Total() != tc.charge {
				t.Fatalf("expected total %d, got %d", tc.charge, shares.Total())
			}
			for _, role := range Roles {
				if shares.Of(role) < 0 {
					t.Fatalf("negative %s share %d", role, shares.Of(role))
				}
			}
		})
	}

	if _, err := CalculateShares(-1, FallbackRates); !errors.Is(err, money.ErrOutOfRange) {
		t.Fatalf("expected out of range for negative charge, got %v", err)
	}
	if _, err := CalculateShares(money.MaxMicro+1, FallbackRates); !errors.Is(err, money.ErrOutOfRange) {
		t.Fatalf("expected out of range above max, got %v", err)
	}
	over := Rates{ReferrerBps: 5000, CommonsBps: 5000, CommunityBps: 1}
	if _, err := CalculateShares(100, over); !errors.Is(err, ErrInvalidRates) {
		t.Fatalf("expected ErrInvalidRates, got %v", err)
	}
}

func randomRates(rng *rand.Rand) Rates {
	remaining := money.BpsDenominator
	pick := func() int64 {
		if remaining == 0 {
			return 0
		}
		v := rng.Int63n(remaining + 1)
		remaining -= v
		return v
	}
	r := Rates{
		ReferrerBps:  pick(),
		CommonsBps:   pick(),
		CommunityBps: pick(),
		TreasuryBps:  pick(),
	}
	r.FoundationBps = remaining
	return r
}

func TestCalculateSharesConservationRandomized(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	charges := []int64{0, 1, money.MaxMicro}
	for i := 0; i < 1200; i++ {
		switch i % 3 {
		case 0:
			charges = append(charges, rng.Int63n(money.MaxMicro+1))
		case 1:
			charges = append(charges, rng.Int63n(10_000))
		default:
			charges = append(charges, rng.Int63n(1_000_000_000_000))
		}
	}

	for _, charge := range charges {
		rates := randomRates(rng)
		shares, err := CalculateShares(charge, rates)
		if err != nil {
			t.Fatalf("charge %d rates %+v: %v", charge, rates, err)
		}
		if shares.Total() != charge {
			t.Fatalf("charge %d rates %+v: shares sum to %d", charge, rates, shares.Total())
		}
		var floorSum int64
		for _, role := range Roles {
			if role == AbsorberRole {
				continue
			}
			floorSum += shares.Of(role)
		}
		exact, err := money.BpsShare(charge, rates.FoundationBps)
		if err != nil {
			t.Fatalf("bps share: %v", err)
		}
		// The absorber never takes more than one micro-unit of rounding per
		// other share.
		if drift := shares.Foundation - exact; drift < 0 || drift > int64(len(Roles)-1) {
			t.Fatalf("charge %d rates %+v: absorber drift %d", charge, rates, drift)
		}
		if floorSum > charge {
			t.Fatalf("charge %d: non-absorber shares %d exceed charge", charge, floorSum)
		}
	}
}
