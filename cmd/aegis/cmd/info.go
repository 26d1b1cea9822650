package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aegisflow/aegis/internal/service"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print agent registration metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := json.MarshalIndent(service.BuiltinAgents(version), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
