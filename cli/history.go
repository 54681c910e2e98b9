package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbridge/bus"
	"github.com/petal-labs/petalbridge/config"
)

// NewHistoryCmd creates the "history" subcommand.
func NewHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history [session-id]",
		Short: "List recorded sessions, or the events of one session",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHistory,
	}
	cmd.Flags().String("store", "", "Path to the history database (default: store.path from the configuration)")
	cmd.Flags().Int("limit", 20, "Maximum sessions to list (0 for all)")
	cmd.Flags().Uint64("after", 0, "Only show events after this sequence number")
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	storeCfg, err := resolveHistoryStore(cmd)
	if err != nil {
		return err
	}
	if storeCfg.DSN != ":memory:" {
		if _, err := os.Stat(storeCfg.DSN); errors.Is(err, os.ErrNotExist) {
			return exitError(exitConfigNotFound, "no session history at %s", storeCfg.DSN)
		}
	}
	store, err := bus.NewSQLiteEventStore(storeCfg)
	if err != nil {
		return exitError(exitRuntime, "opening session history: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := cmd.Context()
	if len(args) == 1 {
		return showSessionEvents(ctx, cmd, store, args[0], format)
	}

	limit, _ := cmd.Flags().GetInt("limit")
	sessions, err := store.Sessions(ctx, limit)
	if err != nil {
		return exitError(exitRuntime, "listing sessions: %v", err)
	}
	return writeFormatted(cmd, format, func() string { return formatSessions(sessions) }, sessions)
}

func showSessionEvents(ctx context.Context, cmd *cobra.Command, store bus.EventStore, sessionID, format string) error {
	after, _ := cmd.Flags().GetUint64("after")
	events, err := store.List(ctx, sessionID, after, 0)
	if err != nil {
		return exitError(exitRuntime, "listing events: %v", err)
	}
	if len(events) == 0 && after == 0 {
		return exitError(exitInput, "no events recorded for session %q", sessionID)
	}
	return writeFormatted(cmd, format, func() string {
		var sb strings.Builder
		for _, e := range events {
			sb.WriteString(e.Time.Format(time.RFC3339))
			sb.WriteString(" ")
			sb.WriteString(formatEvent(e))
			sb.WriteString("\n")
		}
		return sb.String()
	}, events)
}

// resolveHistoryStore prefers --store and otherwise reads the store section
// of the configuration. The configuration is not fully validated; history
// stays readable while a model or server entry is broken.
func resolveHistoryStore(cmd *cobra.Command) (bus.SQLiteStoreConfig, error) {
	if path, _ := cmd.Flags().GetString("store"); strings.TrimSpace(path) != "" {
		return bus.SQLiteStoreConfig{DSN: strings.TrimSpace(path)}, nil
	}

	explicit, _ := cmd.Flags().GetString("config")
	var cfg *config.File
	path, err := config.DiscoverPath(explicit)
	switch {
	case errors.Is(err, config.ErrNoConfig):
		cfg = &config.File{}
	case err != nil:
		return bus.SQLiteStoreConfig{}, exitError(exitConfigNotFound, "%v", err)
	default:
		if cfg, err = config.Load(path); err != nil {
			return bus.SQLiteStoreConfig{}, exitError(exitValidation, "%v", err)
		}
	}
	cfg.ApplyEnv(os.Getenv)

	storeCfg, ok := cfg.StoreConfig()
	if !ok {
		return bus.SQLiteStoreConfig{}, exitError(exitValidation, "session history is disabled in the configuration")
	}
	return storeCfg, nil
}

func formatSessions(sessions []bus.SessionSummary) string {
	if len(sessions) == 0 {
		return "No sessions recorded.\n"
	}
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATUS\tEVENTS\tSTARTED\tDURATION")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.Status, s.Events, s.Started.Format(time.RFC3339), s.Updated.Sub(s.Started).Round(time.Millisecond))
	}
	_ = w.Flush()
	return sb.String()
}
