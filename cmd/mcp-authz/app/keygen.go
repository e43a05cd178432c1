package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/mcp-authz/security"
)

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a random storage encryption password",
		Long: `Generate 32 random bytes encoded as base64, suitable for
--encryption-password or MCP_AUTHZ_ENCRYPTION_PASSWORD.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			cmd.Println(security.KeyToBase64(key))
			return nil
		},
	}
}
