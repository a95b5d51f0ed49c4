package service

import (
	"log/slog"

	"github.com/0xHoneyJar/loa-freeside-sub009/libs/logging"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/credit"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/distribution"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/events"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/governance"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/storage"
	"github.com/0xHoneyJar/loa-freeside-sub009/services/ledger/internal/transfer"
)

type Stores struct {
	Ledger  storage.Store
	Revenue storage.RuleStore
	Config  storage.RuleStore
}

type Options struct {
	Credit     credit.Config
	Governance governance.Config
}

// Assemble builds every engine over the given stores and wires them into a
// LedgerService. Both the Postgres and the in-memory drivers go through it.
func Assemble(stores Stores, opts Options, publisher *events.Publisher, metrics *Metrics, logger *slog.Logger) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	creditEngine := credit.NewEngine(stores.Ledger, opts.Credit, logging.Component(logger, "credit"), metrics)
	revenue := governance.NewRevenueRules(stores.Revenue, opts.Governance, logging.Component(logger, "governance"), metrics)
	config := governance.NewConstitutionalConfig(stores.Config, opts.Governance, logging.Component(logger, "governance"), metrics)
	cache := distribution.NewRateCache(revenue, logging.Component(logger, "distribution"))
	distributionEngine := distribution.NewEngine(creditEngine, cache, logging.Component(logger, "distribution"), metrics)
	transferEngine := transfer.NewEngine(creditEngine, logging.Component(logger, "transfer"), metrics)
	if opts.Credit.Now != nil {
		distributionEngine.SetClock(opts.Credit.Now)
		transferEngine.SetClock(opts.Credit.Now)
	}

	return NewLedgerService(Dependencies{
		Credit:       creditEngine,
		Distribution: distributionEngine,
		Transfer:     transferEngine,
		Revenue:      revenue,
		Config:       config,
		Events:       publisher,
		Metrics:      metrics,
	}, logger)
}

// NewMemoryStores returns in-memory twins of every store.
func NewMemoryStores() Stores {
	return Stores{
		Ledger:  storage.NewMemoryStore(),
		Revenue: storage.NewMemoryRuleStore(),
		Config:  storage.NewMemoryRuleStore(),
	}
}
