package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aegisflow/aegis/internal/service"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register the built-in agents with the record sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()
		rt, err := buildRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()

		var registered []service.AgentInfo
		for _, info := range service.BuiltinAgents(version) {
			registered = append(registered, rt.registry.Register(ctx, info))
		}

		data, err := json.MarshalIndent(registered, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
}
