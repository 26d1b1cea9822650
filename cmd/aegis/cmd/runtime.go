package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aegisflow/aegis/internal/adapter/outbound/memory"
	"github.com/aegisflow/aegis/internal/adapter/outbound/sqlite"
	"github.com/aegisflow/aegis/internal/adapter/outbound/telemetry"
	"github.com/aegisflow/aegis/internal/adapter/outbound/uuidgen"
	"github.com/aegisflow/aegis/internal/cache"
	"github.com/aegisflow/aegis/internal/config"
	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/domain/decision"
	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/port/outbound"
	"github.com/aegisflow/aegis/internal/service"
)

// version is stamped at build time.
var version = "dev"

// runtime is the assembled application: stores, engine, and agents.
type runtime struct {
	cfg         *config.Config
	logger      *slog.Logger
	store       outbound.PolicyStore
	auditStore  audit.Store
	records     outbound.RecordSink
	telemetry   outbound.TelemetrySink
	dcache      *cache.DecisionCache[decision.Decision]
	engine      *service.Engine
	governance  *service.GovernanceValidator
	admin       *service.PolicyAdminService
	enforcement *service.PolicyEnforcementAgent
	solver      *service.ConstraintSolverAgent
	router      *service.ApprovalRouterAgent
	registry    *service.AgentRegistry
	closers     []func()
}

// buildRuntime loads configuration and wires every service.
func buildRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := newLogger(cfg.Server.LogLevel)
	rt := &runtime{cfg: cfg, logger: logger}

	clock := outbound.SystemClock{}
	ids := uuidgen.Source{}

	// Storage: SQLite when a path is configured, in-memory otherwise.
	if cfg.Storage.Path != "" {
		store, err := sqlite.Open(cfg.Storage.Path, logger)
		if err != nil {
			return nil, err
		}
		rt.store = store
		rt.auditStore = store
		rt.records = store
		rt.closers = append(rt.closers, func() { _ = store.Close() })
	} else {
		rt.store = memory.NewPolicyStore()
		rt.auditStore = memory.NewAuditStore()
		rt.records = memory.NewRecordSink(1000)
	}

	// Telemetry sink.
	if cfg.Telemetry.Enabled {
		sink, err := telemetry.NewOtelSink("aegis", logger)
		if err != nil {
			return nil, err
		}
		rt.telemetry = sink
		rt.closers = append(rt.closers, func() { _ = sink.Shutdown(context.Background()) })
	} else {
		rt.telemetry = telemetry.NopSink{}
	}

	// Seed the store from the configured policy file.
	if cfg.Policy.File != "" {
		if err := loadPolicyFile(ctx, rt.store, cfg.Policy.File, clock); err != nil {
			return nil, err
		}
	}

	rt.dcache = cache.New(cfg.Policy.Cache.TTL(), cfg.Policy.Cache.MaxEntries)

	engine, err := service.NewEngine(ctx, rt.store, clock, logger, service.WithDecisionCache(rt.dcache))
	if err != nil {
		return nil, err
	}
	rt.engine = engine

	rt.governance = service.NewGovernanceValidator(
		cfg.Governance.WarningThresholdPercent,
		cfg.Governance.CriticalThresholdPercent,
		logger,
	)
	rt.admin = service.NewPolicyAdminService(rt.store, rt.auditStore, rt.governance, engine, ids, clock, logger)

	builder := func(agentID string) *decision.Builder {
		return &decision.Builder{
			AgentID:      agentID,
			AgentVersion: version,
			Environment:  cfg.Env,
			NewID:        ids.NewID,
			Now:          clock.Now,
		}
	}

	rt.enforcement = service.NewPolicyEnforcementAgent(
		engine, builder(service.AgentPolicyEnforcement), ids, clock,
		rt.records, rt.telemetry, cfg.RecordSink.Timeout(), logger,
	)
	rt.solver = service.NewConstraintSolverAgent(
		engine, builder(service.AgentConstraintSolver), ids, clock,
		rt.records, rt.telemetry, logger,
	)
	rt.router, err = service.NewApprovalRouterAgent(
		cfg.Approval.Rules, cfg.ApprovalTimezone(),
		builder(service.AgentApprovalRouter), ids, clock,
		rt.records, rt.telemetry, logger,
	)
	if err != nil {
		return nil, err
	}

	rt.registry = service.NewAgentRegistry(rt.records, clock, ids, logger)
	return rt, nil
}

// close releases held resources in reverse acquisition order.
func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

// loadPolicyFile parses a policy document and seeds the store. Schema
// violations abort the boot: a bad corpus never becomes active.
func loadPolicyFile(ctx context.Context, store outbound.PolicyStore, path string, clock outbound.Clock) error {
	doc, violations := policy.LoadFile(path)
	if len(violations) > 0 {
		var sb strings.Builder
		for _, v := range violations {
			sb.WriteString("\n  ")
			sb.WriteString(v.Error())
		}
		return fmt.Errorf("policy file %s invalid:%s", path, sb.String())
	}
	now := clock.Now().UTC()
	for i := range doc.Policies {
		p := &doc.Policies[i]
		if p.InternalVersion == 0 {
			p.InternalVersion = 1
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		if err := store.Save(ctx, p); err != nil {
			return fmt.Errorf("seed policy %s: %w", p.ID, err)
		}
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
