package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbridge/config"
)

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a configuration file without starting anything",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Treat warnings as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")
	out := cmd.OutOrStdout()

	explicit, _ := cmd.Flags().GetString("config")
	if len(args) == 1 {
		explicit = args[0]
	}
	path, err := config.DiscoverPath(explicit)
	if err != nil {
		if errors.Is(err, config.ErrNoConfig) {
			return exitError(exitConfigNotFound, "no configuration found: pass a file or create ./petalbridge.yaml")
		}
		return exitError(exitConfigNotFound, "%v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitConfigNotFound, "file not found: %s", path)
		}
		return exitError(exitValidation, "%v", err)
	}
	cfg.ApplyEnv(os.Getenv)
	diags := cfg.Validate()

	switch format {
	case "json":
		printDiagnosticsJSON(out, diags)
	case "text":
		printDiagnosticsText(out, diags)
	default:
		return exitError(exitInput, "unknown format %q (use text or json)", format)
	}

	if config.HasErrors(diags) || (strict && len(warnings(diags)) > 0) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// printDiagnosticsText writes diagnostics as formatted text lines followed by
// a summary. Used by validate and by every command that loads configuration.
func printDiagnosticsText(w io.Writer, diags []config.Diagnostic) {
	for _, d := range diags {
		sev := strings.ToUpper(d.Severity)
		if d.Field != "" {
			fmt.Fprintf(w, "%s [%s]: %s (at %s)\n", sev, d.Code, d.Message, d.Field)
		} else {
			fmt.Fprintf(w, "%s [%s]: %s\n", sev, d.Code, d.Message)
		}
	}

	errs := len(diags) - len(warnings(diags))
	warns := len(warnings(diags))
	switch {
	case errs == 0 && warns == 0:
		fmt.Fprintln(w, "Valid!")
	case errs == 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", warns, pluralize("warning", warns))
	default:
		fmt.Fprintf(w, "\n%d %s, %d %s\n", errs, pluralize("error", errs), warns, pluralize("warning", warns))
	}
}

func printDiagnosticsJSON(w io.Writer, diags []config.Diagnostic) {
	if diags == nil {
		diags = []config.Diagnostic{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(diags)
}

func warnings(diags []config.Diagnostic) []config.Diagnostic {
	var out []config.Diagnostic
	for _, d := range diags {
		if d.Severity == config.SeverityWarning {
			out = append(out, d)
		}
	}
	return out
}

// pluralize returns the singular or plural form of a word based on count.
func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
