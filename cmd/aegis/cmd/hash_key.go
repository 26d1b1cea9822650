package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key",
	Short: "Generate an argon2id hash for an admin API key",
	Long: `Reads an API key from stdin and prints its argon2id hash for use in
the auth.api_key_hashes config list.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(os.Stdin)
		key, err := reader.ReadString('\n')
		if err != nil && key == "" {
			return fmt.Errorf("read key: %w", err)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("empty key")
		}

		hash, err := argon2id.CreateHash(key, argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
