package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbridge/bridge"
	"github.com/petal-labs/petalbridge/schedule"
	"github.com/petal-labs/petalbridge/server"
)

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Supervise the tool servers and expose the bridge over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, version)
		},
	}

	cmd.Flags().String("addr", "", "Listen address (default: http.addr, then 127.0.0.1:8470)")
	cmd.Flags().String("model", "", "Override the configured model name")
	cmd.Flags().Int64("max-body", server.DefaultMaxBody, "Max request body size in bytes")
	cmd.Flags().Duration("schedule-poll", 5*time.Second, "Scheduled prompt poll interval")

	return cmd
}

func runServe(cmd *cobra.Command, version string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = cfg.HTTPAddr()
	}
	maxBody, _ := cmd.Flags().GetInt64("max-body")
	pollInterval, _ := cmd.Flags().GetDuration("schedule-poll")

	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, appOptions{sessions: true, memHistory: true})
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.start(ctx); err != nil {
		return err
	}
	a.logger.Info("configuration loaded", "path", path, "servers", len(cfg.Servers), "tools", a.registry.Len())

	scheduler, err := schedule.New(schedule.Config{
		Entries:      cfg.ScheduleEntries(),
		Runner:       scheduledRunner(a.orchestrator),
		PollInterval: pollInterval,
		Logger:       a.logger,
	})
	if err != nil {
		return exitError(exitValidation, "%v", err)
	}
	if err := scheduler.Start(ctx); err != nil {
		return exitError(exitRuntime, "starting scheduler: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = scheduler.Stop(stopCtx)
	}()

	srv, err := server.New(server.Config{
		Sessions:       a.orchestrator,
		Servers:        a.manager,
		Registry:       a.registry,
		Events:         a.eventStore(),
		Bus:            a.bus,
		Schedules:      scheduler,
		Metrics:        a.telemetry,
		MaxBody:        maxBody,
		RequestTimeout: cfg.RequestTimeout(),
		Logger:         a.logger,
		Version:        version,
	})
	if err != nil {
		return exitError(exitRuntime, "creating http api: %v", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "petalbridge listening on %s\n", addr)
	if err := srv.ListenAndServe(ctx, addr); err != nil {
		return exitError(exitRuntime, "http api: %v", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
	}
	return nil
}

// scheduledRunner adapts the orchestrator to a schedule.Runner.
func scheduledRunner(o *bridge.Orchestrator) schedule.Runner {
	return func(ctx context.Context, entry schedule.Entry) (string, error) {
		res, err := o.RunSession(ctx, bridge.SessionRequest{Prompt: entry.Prompt, System: entry.System})
		return res.SessionID, err
	}
}
