package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalbridge/bridge"
	"github.com/petal-labs/petalbridge/bus"
	"github.com/petal-labs/petalbridge/config"
	"github.com/petal-labs/petalbridge/llmprovider"
	"github.com/petal-labs/petalbridge/otel"
	"github.com/petal-labs/petalbridge/process"
	"github.com/petal-labs/petalbridge/rpc"
	"github.com/petal-labs/petalbridge/tool"
)

// shutdownTimeout bounds StopAll and store flushing on exit.
const shutdownTimeout = 30 * time.Second

// loadConfig discovers, parses, overlays and validates the configuration.
// Diagnostics are printed to stderr when validation fails.
func loadConfig(cmd *cobra.Command) (*config.File, string, error) {
	explicit, _ := cmd.Flags().GetString("config")
	path, err := config.DiscoverPath(explicit)
	if err != nil {
		if errors.Is(err, config.ErrNoConfig) {
			return nil, "", exitError(exitConfigNotFound,
				"no configuration found: pass --config or create ./petalbridge.yaml")
		}
		return nil, "", exitError(exitConfigNotFound, "%v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, exitError(exitValidation, "%v", err)
	}
	cfg.ApplyEnv(os.Getenv)
	if model, _ := cmd.Flags().GetString("model"); strings.TrimSpace(model) != "" {
		cfg.Model.Name = strings.TrimSpace(model)
	}

	if err := cfg.Check(); err != nil {
		var diagErr *config.DiagnosticError
		if errors.As(err, &diagErr) {
			printDiagnosticsText(cmd.ErrOrStderr(), diagErr.Diagnostics)
		}
		return nil, path, exitError(exitValidation, "invalid configuration %s", path)
	}
	return cfg, path, nil
}

// appOptions selects which parts of the bridge a command needs.
type appOptions struct {
	// sessions wires the model client, orchestrator and session history.
	sessions bool
	// memHistory keeps session events in memory when the SQLite history
	// is disabled, so a long-running server can still replay sessions.
	memHistory bool
}

// app is one fully wired bridge. Every command that starts servers builds
// one and defers close.
type app struct {
	cfg    *config.File
	logger *slog.Logger

	telemetry  *otel.Telemetry
	observer   *otel.Observer
	registry   *tool.Registry
	ids        *rpc.IDSource
	manager    *process.Manager
	discoverer *bridge.Discoverer

	orchestrator *bridge.Orchestrator
	bus          *bus.MemBus
	store        bus.EventStore
	closeStore   func() error
	storeDone    chan struct{}
}

func newApp(ctx context.Context, cfg *config.File, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: slog.Default(), ids: rpc.NewIDSource()}

	telemetry, err := otel.Setup(ctx, cfg.OTelConfig())
	if err != nil {
		return nil, exitError(exitRuntime, "initializing telemetry: %v", err)
	}
	a.telemetry = telemetry
	observer, err := otel.NewObserver(telemetry.Meter("petalbridge"))
	if err != nil {
		a.shutdownTelemetry()
		return nil, exitError(exitRuntime, "initializing metrics: %v", err)
	}
	a.observer = observer

	a.registry = tool.NewRegistry()
	if err := a.registry.RegisterAll(cfg.Schemas()); err != nil {
		a.shutdownTelemetry()
		return nil, exitError(exitValidation, "registering tools: %v", err)
	}
	a.discoverer = bridge.NewDiscoverer(bridge.DiscovererConfig{
		Registry: a.registry,
		IDs:      a.ids,
		Servers:  cfg.DiscoverServers(),
		Logger:   a.logger,
	})

	pcfg := cfg.ProcessConfig(a.logger)
	pcfg.Observer = observer
	pcfg.IDs = a.ids
	pcfg.OnRunning = a.discoverer.OnRunning
	a.manager = process.NewManager(pcfg)

	if !opts.sessions {
		return a, nil
	}
	if err := a.wireSessions(opts); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// wireSessions builds the model client, the event pipeline and the
// orchestrator.
func (a *app) wireSessions(opts appOptions) error {
	cfg := a.cfg
	client, err := llmprovider.NewClient(cfg.ModelEndpoint(), llmprovider.WithTextToolCalls(cfg.TextToolCalls()))
	if err != nil {
		return exitError(exitModel, "creating model client: %v", err)
	}

	a.bus = bus.NewMemBus(bus.MemBusConfig{})
	if storeCfg, ok := cfg.StoreConfig(); ok {
		store, err := bus.NewSQLiteEventStore(storeCfg)
		if err != nil {
			return exitError(exitRuntime, "opening session history: %v", err)
		}
		a.store = store
		a.closeStore = store.Close
	} else if opts.memHistory {
		a.store = bus.NewMemEventStore()
	}
	if a.store != nil {
		a.storeDone = make(chan struct{})
		sub := a.bus.SubscribeAll()
		store := a.store
		go func() {
			defer close(a.storeDone)
			bus.NewStoreSubscriber(store, a.logger).Run(sub)
		}()
	}

	tracing := otel.NewTracingHandler(a.telemetry.Tracer("petalbridge"))
	emit := otel.InstrumentEmitter(bus.Emitter(a.bus.Publish), tracing)

	orchestrator, err := bridge.NewOrchestrator(bridge.OrchestratorConfig{
		Model:       client,
		ModelName:   cfg.Model.Name,
		System:      cfg.Model.System,
		Temperature: cfg.Model.Temperature,
		MaxTokens:   cfg.Model.MaxTokens,
		Registry:    a.registry,
		Servers:     a.manager,
		Translator: bridge.NewTranslator(bridge.TranslatorConfig{
			IDs:         a.ids,
			CallTimeout: cfg.Bridge.CallTimeout.Std(),
		}),
		MaxIterations:  cfg.Bridge.MaxIterations,
		MaxConcurrency: cfg.Bridge.MaxConcurrency,
		Sequential:     cfg.Bridge.Sequential,
		Logger:         a.logger,
		Observer:       a.observer,
		Emit:           emit,
	})
	if err != nil {
		return exitError(exitRuntime, "creating orchestrator: %v", err)
	}
	a.orchestrator = orchestrator
	return nil
}

// start launches every configured server and waits for each to settle.
// Servers that fail are reported but do not stop the others; their tools
// answer with not_running errors.
func (a *app) start(ctx context.Context) error {
	err := a.manager.StartAll(ctx, a.cfg.Descriptors())
	if ctxErr := ctx.Err(); ctxErr != nil {
		return exitError(exitInterrupted, "interrupted while starting servers")
	}
	if err != nil {
		a.logger.Warn("some servers did not start", "error", err)
	}
	a.discoverNow(ctx)
	return nil
}

// discoverNow runs tool discovery synchronously for running servers so that
// the first prompt already sees discovered tools. The OnRunning hook covers
// later restarts.
func (a *app) discoverNow(ctx context.Context) {
	for _, name := range a.cfg.DiscoverServers() {
		ep, err := a.manager.AddressOf(name)
		if err != nil {
			continue
		}
		if _, err := a.discoverer.Discover(ctx, ep); err != nil {
			a.logger.Warn("tool discovery failed", "server", name, "error", err)
		}
	}
}

// close stops every server, drains the event pipeline and flushes telemetry.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.manager.StopAll(ctx); err != nil {
		a.logger.Error("stopping servers", "error", err)
	}
	if a.bus != nil {
		_ = a.bus.Close()
	}
	if a.storeDone != nil {
		select {
		case <-a.storeDone:
		case <-ctx.Done():
		}
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Error("closing session history", "error", err)
		}
	}
	a.shutdownTelemetry()
}

func (a *app) shutdownTelemetry() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("flushing telemetry", "error", err)
	}
}

// eventStore returns the history store, or nil when history is disabled.
func (a *app) eventStore() bus.EventStore {
	return a.store
}

func writeFormatted(cmd *cobra.Command, format string, text func() string, value any) error {
	switch format {
	case "", "text":
		fmt.Fprint(cmd.OutOrStdout(), text())
		return nil
	case "json":
		return writeJSONOut(cmd, value)
	default:
		return exitError(exitInput, "unknown format %q (use text or json)", format)
	}
}
