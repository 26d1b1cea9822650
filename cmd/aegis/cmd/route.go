package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegisflow/aegis/internal/service"
)

var (
	routeContext   string
	routeRequestID string
	routeRequester string
	routeRoles     string
	routePriority  string
	routeRules     string
	routeJSON      bool
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Route an action through approval rules",
	Long: `Route matches the configured approval rules against an action context,
checks auto-approve conditions, and prints the resulting approval chain
and routing targets.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		actionCtx, err := readContextArg(routeContext)
		if err != nil {
			return err
		}

		resp, err := rt.router.Route(ctx, cliExecutionInput(rt), service.RouteRequest{
			RequestID:     orNewID(routeRequestID),
			ActionContext: actionCtx,
			Requester: service.Requester{
				ID:    routeRequester,
				Roles: splitCSV(routeRoles),
			},
			Priority:   routePriority,
			RuleFilter: splitCSV(routeRules),
		})
		if err != nil {
			return err
		}

		printEvent(resp, routeJSON)
		if !resp.Allowed {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	routeCmd.Flags().StringVar(&routeContext, "context", "", "action context file or JSON literal (required)")
	routeCmd.Flags().StringVar(&routeRequestID, "request-id", "", "request id (generated when empty)")
	routeCmd.Flags().StringVar(&routeRequester, "requester", "", "requester id")
	routeCmd.Flags().StringVar(&routeRoles, "roles", "", "comma-separated requester roles")
	routeCmd.Flags().StringVar(&routePriority, "priority", "", "routing priority (critical, high, emergency escalate)")
	routeCmd.Flags().StringVar(&routeRules, "rules", "", "comma-separated approval rule ids to restrict matching")
	routeCmd.Flags().BoolVar(&routeJSON, "json", false, "print the raw decision event JSON")
	_ = routeCmd.MarkFlagRequired("context")
	rootCmd.AddCommand(routeCmd)
}
