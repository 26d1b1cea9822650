package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegisflow/aegis/internal/domain/policy"
)

var validateCmd = &cobra.Command{
	Use:   "validate <policy-file>",
	Short: "Validate a policy document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, violations := policy.LoadFile(args[0])
		if len(violations) > 0 {
			fmt.Fprintf(os.Stderr, "%s: %d violations\n", args[0], len(violations))
			for _, v := range violations {
				fmt.Fprintf(os.Stderr, "  %s\n", v.Error())
			}
			os.Exit(1)
		}
		fmt.Printf("%s: %d policies valid\n", args[0], len(doc.Policies))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
