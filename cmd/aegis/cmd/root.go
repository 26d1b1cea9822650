// Package cmd provides the CLI commands for the aegis policy engine.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aegisflow/aegis/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "aegis",
	Short: "Aegis - policy decision engine for LLM operations",
	Long: `Aegis is the policy decision point for an LLM operations platform.

It evaluates request contexts against a policy corpus and returns
authoritative allow/deny/warn/modify decisions with signed, auditable
decision events. Three agents share the evaluation substrate: policy
enforcement, constraint solving, and approval routing.

Configuration:
  Config is loaded from aegis.yaml in the current directory,
  $HOME/.aegis/, or /etc/aegis/.

  Environment variables override config values with the AEGIS_ prefix.
  Example: AEGIS_POLICY_CACHE_TTL_SECONDS=120

Commands:
  serve       Start the decision API server
  evaluate    Evaluate a context against the policy corpus
  resolve     Run the constraint solver over a context
  route       Route an action through approval rules
  validate    Validate a policy document
  info        Print agent registration metadata
  register    Register the built-in agents with the record sink
  hash-key    Generate an argon2id hash for an admin API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./aegis.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
