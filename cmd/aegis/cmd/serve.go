package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aegisflow/aegis/internal/adapter/inbound/httpapi"
	"github.com/aegisflow/aegis/internal/adapter/outbound/watch"
	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/port/outbound"
	"github.com/aegisflow/aegis/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the decision API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		for _, info := range service.BuiltinAgents(version) {
			rt.registry.Register(ctx, info)
		}

		maintenance, err := service.NewMaintenance(
			rt.admin, rt.store, rt.dcache, rt.cfg.Audit.VerifySchedule, rt.logger)
		if err != nil {
			return err
		}
		maintenance.Start()
		defer maintenance.Stop()

		if rt.cfg.Policy.Watch && rt.cfg.Policy.File != "" {
			watcher, err := watch.New(rt.cfg.Policy.File, func(ctx context.Context) error {
				if doc, violations := policy.LoadFile(rt.cfg.Policy.File); len(violations) == 0 {
					for i := range doc.Policies {
						p := &doc.Policies[i]
						if result := rt.governance.Validate(p, p.Status == policy.StatusActive); !result.Valid {
							return &service.GovernanceRejectionError{Result: result}
						}
					}
				}
				if err := loadPolicyFile(ctx, rt.store, rt.cfg.Policy.File, outbound.SystemClock{}); err != nil {
					return err
				}
				return rt.engine.Reload(ctx)
			}, rt.logger)
			if err != nil {
				return err
			}
			go watcher.Run(ctx)
		}

		server := httpapi.NewServer(
			rt.enforcement, rt.solver, rt.router, rt.admin, rt.engine,
			rt.registry, rt.store, rt.auditStore, rt.logger,
			httpapi.WithAddr(rt.cfg.Server.HTTPAddr),
			httpapi.WithAPIKeyHashes(rt.cfg.Auth.APIKeyHashes),
			httpapi.WithAllowedOrigins(rt.cfg.Server.AllowedOrigins),
		)
		return server.Start(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
