package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/distribution"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/events"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/governance"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/scheduler"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/transfer"
	"github.com/google/uuid"
)

const (
	JobActivateRevenueRules = "activate_revenue_rules"
	JobActivateConfig       = "activate_system_config"
	JobExpireReservations   = "expire_reservations"
)

type Dependencies struct {
	Credit       *credit.Engine
	Distribution *distribution.Engine
	Transfer     *transfer.Engine
	Revenue      *governance.RevenueRules
	Config       *governance.ConstitutionalConfig
	Events       *events.Publisher
	Metrics      *Metrics
}

// LedgerService composes the engines into the operations exposed by the API
// and the scheduler. Events are published only after the owning unit of work
// has committed.
type LedgerService struct {
	credit       *credit.Engine
	distribution *distribution.Engine
	transfer     *transfer.Engine
	revenue      *governance.RevenueRules
	config       *governance.ConstitutionalConfig
	events       *events.Publisher
	metrics      *Metrics
	logger       *slog.Logger
}

func NewLedgerService(deps Dependencies, logger *slog.Logger) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	s := &LedgerService{
		credit:       deps.Credit,
		distribution: deps.Distribution,
		transfer:     deps.Transfer,
		revenue:      deps.Revenue,
		config:       deps.Config,
		events:       deps.Events,
		metrics:      deps.Metrics,
		logger:       logger,
	}
	s.wire()
	return s
}

// wire connects governed parameters to their consumers: revenue rule
// activation flushes the rate cache, and the constitutional config feeds the
// reservation TTL, transfer ceiling and attribution window.
func (s *LedgerService) wire() {
	if s.revenue != nil {
		if s.distribution != nil {
			cache := s.distribution.RateCache()
			s.revenue.OnActivate(func(rule storage.Rule) {
				cache.Invalidate()
				s.logger.Info("revenue rule activated", "rule_id", rule.ID, "scope", rule.EntityScope, "version", rule.Version)
			})
		}
		s.revenue.OnActivate(s.events.RuleActivated(s.revenue.Schema().Name))
	}
	if s.config != nil {
		s.config.OnActivate(s.events.RuleActivated(s.config.Schema().Name))
		if s.credit != nil {
			s.credit.SetTTLSource(s.config)
		}
		if s.transfer != nil {
			s.transfer.SetLimitSource(s.config)
		}
		if s.distribution != nil {
			s.distribution.SetWindowSource(s.config)
		}
	}
}

func (s *LedgerService) Credit() *credit.Engine                   { return s.credit }
func (s *LedgerService) Distribution() *distribution.Engine       { return s.distribution }
func (s *LedgerService) Transfers() *transfer.Engine              { return s.transfer }
func (s *LedgerService) Revenue() *governance.RevenueRules        { return s.revenue }
func (s *LedgerService) Config() *governance.ConstitutionalConfig { return s.config }

type FinalizeInput struct {
	ReservationID   uuid.UUID
	ActualCostMicro int64
	// CommunityID selects the community recipient and rate scope for the
	// revenue split of the charge.
	CommunityID   string
	CorrelationID string
}

type FinalizeOutcome struct {
	Finalize     *credit.FinalizeResult
	Distribution *distribution.PostResult
}

// Finalize settles a reservation and distributes what was charged. The
// distribution is idempotent per (reservation, entry seq), so a retry after
// a crash between the two steps completes the posting.
func (s *LedgerService) Finalize(ctx context.Context, in FinalizeInput) (*FinalizeOutcome, error) {
	result, err := s.credit.Finalize(ctx, in.ReservationID, in.ActualCostMicro)
	if err != nil {
		return nil, err
	}
	s.events.ReservationFinalized(ctx, in.CorrelationID, result)

	out := &FinalizeOutcome{Finalize: result}
	if result.ChargedMicro == 0 || s.distribution == nil {
		return out, nil
	}
	posted, err := s.PostDistribution(ctx, distribution.PostInput{
		AccountID:     result.Reservation.AccountID,
		PoolID:        result.Reservation.PoolID,
		CommunityID:   in.CommunityID,
		ChargeMicro:   result.ChargedMicro,
		ReservationID: result.Reservation.ID,
		EntrySeq:      result.EntrySeq,
	}, in.CorrelationID)
	if err != nil {
		s.logger.Error("distribution after finalize failed",
			"reservation_id", in.ReservationID,
			"charged_micro", result.ChargedMicro,
			"error", err,
		)
		return out, err
	}
	out.Distribution = posted
	return out, nil
}

func (s *LedgerService) PostDistribution(ctx context.Context, in distribution.PostInput, correlationID string) (*distribution.PostResult, error) {
	result, err := s.distribution.PostDistribution(ctx, in)
	if err != nil {
		return nil, err
	}
	if !result.AlreadyPosted {
		for _, r := range result.Recipients {
			s.metrics.AddDistributed(string(r.Role), r.AmountMicro)
		}
	}
	s.events.DistributionPosted(ctx, correlationID, in, result)
	return result, nil
}

// Transfer runs a peer transfer and announces it once completed. A rejected
// transfer is returned together with its *transfer.RejectedError.
func (s *LedgerService) Transfer(ctx context.Context, in transfer.Input) (*transfer.Result, error) {
	result, err := s.transfer.Transfer(ctx, in)
	if err != nil {
		return result, err
	}
	if !result.Replayed {
		s.events.TransferCompleted(ctx, result.Transfer)
	}
	return result, nil
}

type Schedules struct {
	Activation string
	Expiry     string
	Timeout    time.Duration
}

// Jobs returns the periodic work of the service: promoting cooled-down
// rules in both governance families and sweeping stale reservations.
func (s *LedgerService) Jobs(sch Schedules) []scheduler.Job {
	var jobs []scheduler.Job
	if s.revenue != nil {
		jobs = append(jobs, scheduler.Job{Name: JobActivateRevenueRules, Schedule: sch.Activation, Timeout: sch.Timeout, Run: s.revenue.ActivateReadyRules})
	}
	if s.config != nil {
		jobs = append(jobs, scheduler.Job{Name: JobActivateConfig, Schedule: sch.Activation, Timeout: sch.Timeout, Run: s.config.ActivateReadyRules})
	}
	if s.credit != nil {
		jobs = append(jobs, scheduler.Job{Name: JobExpireReservations, Schedule: sch.Expiry, Timeout: sch.Timeout, Run: s.credit.ExpireStale})
	}
	return jobs
}

// Health reports whether the ledger store answers a read.
func (s *LedgerService) Health(ctx context.Context) error {
	_, err := s.credit.GetAccount(ctx, uuid.Nil)
	if err == nil || errors.Is(err, credit.ErrAccountNotFound) {
		return nil
	}
	return err
}
