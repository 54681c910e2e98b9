// Package cli implements the petalbridge command tree.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
)

// NewRootCmd returns the root command with every subcommand attached.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "petalbridge",
		Short: "Bridge a local LLM to JSON-RPC tool servers",
		Long: "petalbridge runs a local model against tool servers it supervises, " +
			"translating the model's tool calls into JSON-RPC requests.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(cmd)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringP("config", "c", "", "Path to petalbridge.yaml (default: ./petalbridge.yaml, then ~/.petalbridge/config.yaml)")
	flags.String("log-format", "text", "Log format: text | json")
	flags.Bool("verbose", false, "Enable verbose/debug logging")
	flags.Bool("quiet", false, "Suppress all output except errors")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("petalbridge version %s\n", version))

	root.AddCommand(NewRunCmd())
	root.AddCommand(NewServeCmd(version))
	root.AddCommand(NewServersCmd())
	root.AddCommand(NewToolsCmd())
	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewHistoryCmd())
	root.AddCommand(NewVersionCmd(version))
	return root
}

// newLogger builds the process logger from the persistent flags. Logs go to
// stderr so that stdout carries only command output.
func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	format, _ := cmd.Flags().GetString("log-format")
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	if verbose && quiet {
		return nil, exitError(exitInput, "--verbose and --quiet are mutually exclusive")
	}

	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}
	return buildLogger(cmd.ErrOrStderr(), format, level)
}

func buildLogger(w io.Writer, format string, level slog.Level) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, exitError(exitInput, "unknown log format %q (use text or json)", format)
	}
}

// NewVersionCmd creates the "version" subcommand.
func NewVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the petalbridge version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "petalbridge version %s\n", version)
		},
	}
}
