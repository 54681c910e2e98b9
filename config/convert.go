package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/petal-labs/petalbridge/bus"
	"github.com/petal-labs/petalbridge/core"
	"github.com/petal-labs/petalbridge/otel"
	"github.com/petal-labs/petalbridge/process"
	"github.com/petal-labs/petalbridge/schedule"
	"github.com/petal-labs/petalbridge/tool"
)

func (s ServerConfig) descriptor() core.ServerDescriptor {
	args := make([]string, len(s.Args))
	for i, arg := range s.Args {
		args[i] = expandEnvValue(arg)
	}
	return core.ServerDescriptor{
		Name:        strings.TrimSpace(s.Name),
		Command:     expandEnvValue(strings.TrimSpace(s.Command)),
		Args:        args,
		Env:         expandStringMap(s.Env),
		SandboxRoot: s.Sandbox,
		Transport:   core.TransportKind(strings.ToLower(strings.TrimSpace(s.Transport))),
		Address:     expandEnvValue(strings.TrimSpace(s.Address)),
		Dialect:     core.Dialect(strings.ToLower(strings.TrimSpace(s.Dialect))),
		ProbeMethod: strings.TrimSpace(s.ProbeMethod),
		Discover:    s.Discover,
	}
}

func (s ServerConfig) schema(tc ToolConfig) tool.Schema {
	server := strings.TrimSpace(s.Name)
	if len(tc.InputSchema) > 0 {
		schema := tool.SchemaFromJSONSchema(server, tc.Method, tc.Description, tc.InputSchema)
		schema.AllowExtra = schema.AllowExtra || tc.AllowExtra
		return schema
	}
	params := make([]tool.Param, 0, len(tc.Params))
	for _, p := range tc.Params {
		params = append(params, tool.Param{
			Name:        strings.TrimSpace(p.Name),
			Type:        strings.ToLower(strings.TrimSpace(p.Type)),
			Required:    p.Required,
			Description: p.Description,
			Items:       strings.ToLower(strings.TrimSpace(p.Items)),
		})
	}
	return tool.Schema{
		Name:        tool.Name(server, tc.Method),
		Server:      server,
		Description: strings.TrimSpace(tc.Description),
		Params:      params,
		AllowExtra:  tc.AllowExtra,
	}
}

// Descriptors returns the server descriptors in file order.
func (f *File) Descriptors() []core.ServerDescriptor {
	out := make([]core.ServerDescriptor, 0, len(f.Servers))
	for _, s := range f.Servers {
		out = append(out, s.descriptor())
	}
	return out
}

// Schemas returns every statically declared tool schema.
func (f *File) Schemas() []tool.Schema {
	var out []tool.Schema
	for _, s := range f.Servers {
		for _, tc := range s.Tools {
			out = append(out, s.schema(tc))
		}
	}
	return out
}

// DiscoverServers lists servers whose tools are fetched at runtime.
func (f *File) DiscoverServers() []string {
	var out []string
	for _, s := range f.Servers {
		if s.Discover {
			out = append(out, strings.TrimSpace(s.Name))
		}
	}
	return out
}

// ModelEndpoint returns the model selection with environment references expanded.
func (f *File) ModelEndpoint() core.ModelEndpoint {
	return core.ModelEndpoint{
		Provider: strings.TrimSpace(f.Model.Provider),
		BaseURL:  expandEnvValue(strings.TrimSpace(f.Model.BaseURL)),
		Model:    strings.TrimSpace(f.Model.Name),
		APIKey:   expandEnvValue(f.Model.APIKey),
	}
}

// TextToolCalls reports whether JSON tool calls in reply text are honored.
func (f *File) TextToolCalls() bool {
	return f.Model.TextToolCalls == nil || *f.Model.TextToolCalls
}

// ProcessConfig returns supervision settings. Zero fields are defaulted by
// process.NewManager.
func (f *File) ProcessConfig(logger *slog.Logger) process.Config {
	p := f.Process
	return process.Config{
		StartTimeout:          p.StartTimeout.Std(),
		ProbeInterval:         p.ProbeInterval.Std(),
		ProbeTimeout:          p.ProbeTimeout.Std(),
		ProbeFailureThreshold: p.ProbeFailures,
		MaxRestarts:           p.MaxRestarts,
		BackoffBase:           p.BackoffBase.Std(),
		BackoffMax:            p.BackoffMax.Std(),
		StableAfter:           p.StableAfter.Std(),
		StopGrace:             p.StopGrace.Std(),
		Logger:                logger,
	}
}

// StoreConfig returns the history store settings, or false when history is
// disabled.
func (f *File) StoreConfig() (bus.SQLiteStoreConfig, bool) {
	if f.Store.Disabled {
		return bus.SQLiteStoreConfig{}, false
	}
	path := f.Store.Path
	if path == "" {
		path = DefaultStorePath()
	}
	return bus.SQLiteStoreConfig{
		DSN:            path,
		RetentionAge:   f.Store.MaxAge.Std(),
		RetentionCount: f.Store.MaxPerSession,
		PruneInterval:  f.Store.PruneInterval.Std(),
	}, true
}

// ScheduleEntries returns the enabled scheduled prompts.
func (f *File) ScheduleEntries() []schedule.Entry {
	var out []schedule.Entry
	for _, s := range f.Schedules {
		if s.Disabled {
			continue
		}
		out = append(out, schedule.Entry{
			Name:   strings.TrimSpace(s.Name),
			Cron:   s.Cron,
			Prompt: s.Prompt,
			System: s.System,
		})
	}
	return out
}

// DefaultHTTPAddr is where serve listens when http.addr is unset.
const DefaultHTTPAddr = "127.0.0.1:8470"

// HTTPAddr returns the API listen address.
func (f *File) HTTPAddr() string {
	if addr := strings.TrimSpace(f.HTTP.Addr); addr != "" {
		return addr
	}
	return DefaultHTTPAddr
}

// RequestTimeout bounds non-streaming API requests; zero selects the
// server default.
func (f *File) RequestTimeout() time.Duration {
	return f.HTTP.RequestTimeout.Std()
}

// OTelConfig returns the telemetry settings with environment references
// expanded.
func (f *File) OTelConfig() otel.Config {
	return otel.Config{
		ServiceName:  strings.TrimSpace(f.Telemetry.ServiceName),
		OTLPEndpoint: expandEnvValue(strings.TrimSpace(f.Telemetry.OTLPEndpoint)),
		Insecure:     f.Telemetry.Insecure,
	}
}
