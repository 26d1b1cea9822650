package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aegisflow/aegis/internal/domain/policy"
	"github.com/aegisflow/aegis/internal/service"
)

var (
	evalContext   string
	evalRequestID string
	evalPolicies  string
	evalDryRun    bool
	evalTrace     bool
	evalJSON      bool
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Evaluate a context against the policy corpus",
	Long: `Evaluate runs the policy enforcement agent over a context supplied as
a file path or an inline JSON literal and prints the decision event.
The exit code is 0 when the decision allows the request, 1 otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		evalCtx, err := readContextArg(evalContext)
		if err != nil {
			return err
		}

		resp, err := rt.enforcement.Evaluate(ctx, cliExecutionInput(rt), service.EvaluateRequest{
			RequestID: orNewID(evalRequestID),
			Context:   evalCtx,
			PolicyIDs: splitCSV(evalPolicies),
			DryRun:    evalDryRun,
			Trace:     evalTrace,
		})
		if err != nil {
			return err
		}

		printEvent(resp, evalJSON)
		if !resp.Allowed {
			os.Exit(1)
		}
		return nil
	},
}

func init() {
	evaluateCmd.Flags().StringVar(&evalContext, "context", "", "context file or JSON literal (required)")
	evaluateCmd.Flags().StringVar(&evalRequestID, "request-id", "", "request id (generated when empty)")
	evaluateCmd.Flags().StringVar(&evalPolicies, "policies", "", "comma-separated policy ids to restrict evaluation")
	evaluateCmd.Flags().BoolVar(&evalDryRun, "dry-run", false, "evaluate without persisting records")
	evaluateCmd.Flags().BoolVar(&evalTrace, "trace", false, "include the evaluation trace")
	evaluateCmd.Flags().BoolVar(&evalJSON, "json", false, "print the raw decision event JSON")
	_ = evaluateCmd.MarkFlagRequired("context")
	rootCmd.AddCommand(evaluateCmd)
}

// readContextArg accepts a file path or an inline JSON object.
func readContextArg(arg string) (policy.EvaluationContext, error) {
	if arg == "" {
		return policy.EvaluationContext{}, nil
	}
	data := []byte(arg)
	if !strings.HasPrefix(strings.TrimSpace(arg), "{") {
		fileData, err := os.ReadFile(arg)
		if err != nil {
			return nil, fmt.Errorf("read context file: %w", err)
		}
		data = fileData
	}
	evalCtx, err := policy.ParseContext(data)
	if err != nil {
		return nil, fmt.Errorf("parse context: %w", err)
	}
	return evalCtx, nil
}

// cliExecutionInput synthesizes the execution context the orchestrator
// would supply over HTTP.
func cliExecutionInput(rt *runtime) service.ExecutionInput {
	return service.ExecutionInput{
		ExecutionID:  uuid.NewString(),
		ParentSpanID: uuid.NewString(),
	}
}

func printEvent(resp *service.AgentResponse, raw bool) {
	if raw {
		data, _ := json.Marshal(resp.Event)
		fmt.Println(string(data))
		return
	}
	data, _ := json.MarshalIndent(map[string]any{
		"event":       resp.Event,
		"allowed":     resp.Allowed,
		"repo_span":   resp.RepoSpan,
		"agent_spans": resp.AgentSpans,
	}, "", "  ")
	fmt.Println(string(data))
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func orNewID(id string) string {
	if id != "" {
		return id
	}
	return uuid.NewString()
}
