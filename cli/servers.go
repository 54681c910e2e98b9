package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbridge/process"
)

// NewServersCmd creates the "servers" subcommand.
func NewServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Start every configured tool server, report its state, then stop it",
		Args:  cobra.NoArgs,
		RunE:  runServers,
	}
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runServers(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}
	snaps := a.manager.Snapshots()
	if err := writeFormatted(cmd, format, func() string { return formatSnapshots(snaps) }, snaps); err != nil {
		return err
	}

	var failed []string
	for _, snap := range snaps {
		if snap.State != process.StateRunning {
			failed = append(failed, snap.Name)
		}
	}
	if len(failed) > 0 {
		return exitError(exitServers, "%d %s not running: %s",
			len(failed), pluralize("server", len(failed)), strings.Join(failed, ", "))
	}
	return nil
}

func formatSnapshots(snaps []process.Snapshot) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSTATE\tPID\tTRANSPORT\tDIALECT\tRESTARTS\tLAST ERROR")
	for _, s := range snaps {
		pid := "-"
		if s.PID > 0 {
			pid = strconv.Itoa(s.PID)
		}
		lastErr := s.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			s.Name, s.State, pid, s.Transport, s.Dialect, s.Restarts, lastErr)
	}
	_ = w.Flush()
	return sb.String()
}
