package service

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/aegisflow/aegis/internal/cache"
	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/port/outbound"
)

// Maintenance runs the scheduled background jobs: periodic audit chain
// verification and decision cache sweeping.
type Maintenance struct {
	cron   *cron.Cron
	admin  *PolicyAdminService
	store  outbound.PolicyStore
	cache  *cache.DecisionCache[decision.Decision]
	logger *slog.Logger
}

// NewMaintenance schedules the jobs. verifySchedule uses cron syntax
// (default hourly when empty).
func NewMaintenance(
	admin *PolicyAdminService,
	store outbound.PolicyStore,
	dcache *cache.DecisionCache[decision.Decision],
	verifySchedule string,
	logger *slog.Logger,
) (*Maintenance, error) {
	if verifySchedule == "" {
		verifySchedule = "@hourly"
	}

	m := &Maintenance{
		cron:   cron.New(),
		admin:  admin,
		store:  store,
		cache:  dcache,
		logger: logger,
	}

	if _, err := m.cron.AddFunc(verifySchedule, m.verifyAuditChains); err != nil {
		return nil, err
	}
	if _, err := m.cron.AddFunc("@every 1m", m.sweepCache); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins running the scheduled jobs.
func (m *Maintenance) Start() { m.cron.Start() }

// Stop halts the scheduler and waits for running jobs.
func (m *Maintenance) Stop() {
	ctx := m.cron.Stop()
	<-ctx.Done()
}

// verifyAuditChains walks every policy's audit chain and logs gaps.
func (m *Maintenance) verifyAuditChains() {
	ctx := context.Background()
	policies, err := m.store.List(ctx)
	if err != nil {
		m.logger.Warn("audit verification skipped", "error", err)
		return
	}

	total := 0
	for i := range policies {
		gaps, err := m.admin.VerifyAuditChain(ctx, policies[i].ID)
		if err != nil {
			m.logger.Warn("audit chain verification failed",
				"policy_id", policies[i].ID,
				"error", err,
			)
			continue
		}
		for _, gap := range gaps {
			m.logger.Error("audit chain gap detected",
				"policy_id", gap.PolicyID,
				"entry_id", gap.EntryID,
				"prev_entry_id", gap.PrevID,
			)
		}
		total += len(gaps)
	}
	m.logger.Info("audit chain verification completed",
		"policies", len(policies),
		"gaps", total,
	)
}

// sweepCache drops expired and stale-generation cache entries.
func (m *Maintenance) sweepCache() {
	if m.cache == nil {
		return
	}
	if removed := m.cache.Sweep(); removed > 0 {
		m.logger.Debug("decision cache swept", "removed", removed)
	}
}
