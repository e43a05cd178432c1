// Package app provides the mcp-authz command-line application.
package app

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is set at build time.
var version = "dev"

const envPrefix = "MCP_AUTHZ"

// NewRootCmd creates the root command. Every flag can also be set through an
// MCP_AUTHZ_ environment variable, with dashes and dots replaced by underscores.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:               "mcp-authz",
		DisableAutoGenTag: true,
		Short:             "OAuth 2.1 authorization server and gate for MCP tools",
		Long: `mcp-authz brokers logins to Google, GitHub or a custom OAuth provider,
issues opaque bearer tokens to MCP clients and enforces per-tool scope
requirements and rate limits in front of an MCP server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), v.GetBool("debug"), v.GetString("log-format")))
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().String("log-format", "text", "Log format: text or json")
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a YAML file with provider and rate limit settings")
	for _, name := range []string{"debug", "log-format", "config"} {
		if err := v.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name)); err != nil {
			slog.Error("Error binding flag", "flag", name, "error", err)
		}
	}

	rootCmd.AddCommand(newServeCmd(v))
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newLogger(w io.Writer, debug bool, format string) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(version)
		},
	}
}
