package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/petal-labs/petalbridge/core"
	"github.com/petal-labs/petalbridge/process"
	"github.com/petal-labs/petalbridge/rpc"
	"github.com/petal-labs/petalbridge/tool"
)

// DiscovererConfig configures a Discoverer.
type DiscovererConfig struct {
	Registry *tool.Registry
	IDs      *rpc.IDSource

	// Servers lists the server names whose tools should be discovered.
	Servers []string

	// Timeout bounds one tools/list exchange (default 10s).
	Timeout time.Duration
	Logger  *slog.Logger
}

// Discoverer registers the tools a server announces through tools/list.
type Discoverer struct {
	registry *tool.Registry
	ids      *rpc.IDSource
	servers  map[string]bool
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDiscoverer creates a Discoverer.
func NewDiscoverer(cfg DiscovererConfig) *Discoverer {
	if cfg.IDs == nil {
		cfg.IDs = rpc.NewIDSource()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	servers := make(map[string]bool, len(cfg.Servers))
	for _, name := range cfg.Servers {
		servers[name] = true
	}
	return &Discoverer{
		registry: cfg.Registry,
		ids:      cfg.IDs,
		servers:  servers,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
}

// OnRunning matches process.Config.OnRunning. Servers not flagged for
// discovery are ignored.
func (d *Discoverer) OnRunning(ctx context.Context, snap process.Snapshot, ep process.Endpoint) {
	if !d.servers[snap.Name] {
		return
	}
	added, err := d.Discover(ctx, ep)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Warn("tool discovery failed", "server", snap.Name, "error", err)
		}
		return
	}
	d.logger.Info("tools discovered", "server", snap.Name, "registered", added)
}

// Discover asks the endpoint for its tools and registers them as
// <server>.<tool>. Tools already registered are left alone, so a server that
// restarts can be rediscovered. It returns the number of new tools.
func (d *Discoverer) Discover(ctx context.Context, ep process.Endpoint) (int, error) {
	if ep.Caller == nil {
		return 0, &core.NotRunningError{Server: ep.Server, Cause: errors.New("no connection")}
	}
	req, err := rpc.NewRequest(d.ids.Next(), rpc.MethodToolsList, map[string]any{})
	if err != nil {
		return 0, err
	}
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	reply, err := ep.Caller.Call(callCtx, req)
	if err != nil {
		return 0, fmt.Errorf("bridge: tools/list on %s: %w", ep.Server, err)
	}
	if err := reply.CheckReply(); err != nil {
		return 0, &core.ProtocolError{Server: ep.Server, Reason: "invalid tools/list reply", Cause: err}
	}
	if reply.Error != nil {
		return 0, fmt.Errorf("bridge: tools/list on %s: %w", ep.Server, reply.Error)
	}

	var listed rpc.ToolsListResult
	if err := decodeNumbers(reply.Result, &listed); err != nil {
		return 0, &core.ProtocolError{Server: ep.Server, Reason: "undecodable tools/list result", Cause: err}
	}

	added := 0
	for _, t := range listed.Tools {
		schema := tool.SchemaFromJSONSchema(ep.Server, t.Name, t.Description, t.InputSchema)
		err := d.registry.Register(schema)
		var dup *core.DuplicateToolError
		switch {
		case err == nil:
			added++
		case errors.As(err, &dup):
			d.logger.Debug("discovered tool already registered", "server", ep.Server, "tool", schema.Name)
		default:
			d.logger.Warn("skipping discovered tool", "server", ep.Server, "tool", t.Name, "error", err)
		}
	}
	return added, nil
}
