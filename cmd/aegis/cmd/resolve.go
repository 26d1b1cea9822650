package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegisflow/aegis/internal/service"
)

var (
	resolveContext   string
	resolveRequestID string
	resolvePolicies  string
	resolveJSON      bool
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Run the constraint solver over a context",
	Long: `Resolve evaluates the policy corpus, reifies matched rules as applied
constraints, and resolves conflicts between them. Tracing is always on
for resolution runs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		evalCtx, err := readContextArg(resolveContext)
		if err != nil {
			return err
		}

		resp, err := rt.solver.Resolve(ctx, cliExecutionInput(rt), service.EvaluateRequest{
			RequestID: orNewID(resolveRequestID),
			Context:   evalCtx,
			PolicyIDs: splitCSV(resolvePolicies),
			Trace:     true,
		})
		if err != nil {
			return err
		}

		printEvent(resp, resolveJSON)
		if !resp.Allowed {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolveContext, "context", "", "context file or JSON literal (required)")
	resolveCmd.Flags().StringVar(&resolveRequestID, "request-id", "", "request id (generated when empty)")
	resolveCmd.Flags().StringVar(&resolvePolicies, "policies", "", "comma-separated policy ids to restrict evaluation")
	resolveCmd.Flags().BoolVar(&resolveJSON, "json", false, "print the raw decision event JSON")
	_ = resolveCmd.MarkFlagRequired("context")
	rootCmd.AddCommand(resolveCmd)
}
