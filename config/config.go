// Package config loads the petalbridge YAML configuration: tool servers and
// their tools, the model endpoint, supervision limits, history storage and
// scheduled prompts.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of petalbridge.yaml.
type File struct {
	Model     ModelConfig      `yaml:"model"`
	Bridge    BridgeConfig     `yaml:"bridge,omitempty"`
	Process   ProcessConfig    `yaml:"process,omitempty"`
	Servers   []ServerConfig   `yaml:"servers"`
	Store     StoreConfig      `yaml:"store,omitempty"`
	HTTP      HTTPConfig       `yaml:"http,omitempty"`
	Telemetry TelemetryConfig  `yaml:"telemetry,omitempty"`
	Schedules []ScheduleConfig `yaml:"schedules,omitempty"`
}

// ModelConfig selects the language model.
type ModelConfig struct {
	Provider      string   `yaml:"provider,omitempty"` // defaults to ollama
	BaseURL       string   `yaml:"base_url,omitempty"`
	Name          string   `yaml:"name"`
	APIKey        string   `yaml:"api_key,omitempty"`
	System        string   `yaml:"system,omitempty"`
	Temperature   *float64 `yaml:"temperature,omitempty"`
	MaxTokens     *int     `yaml:"max_tokens,omitempty"`
	TextToolCalls *bool    `yaml:"text_tool_calls,omitempty"`
}

// BridgeConfig bounds the session loop.
type BridgeConfig struct {
	MaxIterations  int      `yaml:"max_iterations,omitempty"`
	MaxConcurrency int      `yaml:"max_concurrency,omitempty"`
	Sequential     bool     `yaml:"sequential,omitempty"`
	CallTimeout    Duration `yaml:"call_timeout,omitempty"`
}

// ProcessConfig holds supervision timings. Zero values select the process
// package defaults.
type ProcessConfig struct {
	StartTimeout  Duration `yaml:"start_timeout,omitempty"`
	ProbeInterval Duration `yaml:"probe_interval,omitempty"`
	ProbeTimeout  Duration `yaml:"probe_timeout,omitempty"`
	ProbeFailures int      `yaml:"probe_failures,omitempty"`
	MaxRestarts   int      `yaml:"max_restarts,omitempty"`
	BackoffBase   Duration `yaml:"backoff_base,omitempty"`
	BackoffMax    Duration `yaml:"backoff_max,omitempty"`
	StableAfter   Duration `yaml:"stable_after,omitempty"`
	StopGrace     Duration `yaml:"stop_grace,omitempty"`
}

// ServerConfig declares one tool server and the tools it serves.
type ServerConfig struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
	Sandbox     string            `yaml:"sandbox,omitempty"`
	Transport   string            `yaml:"transport,omitempty"`
	Address     string            `yaml:"address,omitempty"`
	Dialect     string            `yaml:"dialect,omitempty"`
	ProbeMethod string            `yaml:"probe_method,omitempty"`
	Discover    bool              `yaml:"discover,omitempty"`
	Tools       []ToolConfig      `yaml:"tools,omitempty"`
}

// ToolConfig declares one method of a server. Parameters come either from
// params or from a JSON Schema object in input_schema.
type ToolConfig struct {
	Method      string         `yaml:"method"`
	Description string         `yaml:"description,omitempty"`
	Params      []ParamConfig  `yaml:"params,omitempty"`
	AllowExtra  bool           `yaml:"allow_extra,omitempty"`
	InputSchema map[string]any `yaml:"input_schema,omitempty"`
}

// ParamConfig declares one tool argument.
type ParamConfig struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required,omitempty"`
	Description string `yaml:"description,omitempty"`
	Items       string `yaml:"items,omitempty"`
}

// StoreConfig locates the session history database.
type StoreConfig struct {
	Path          string   `yaml:"path,omitempty"`
	MaxAge        Duration `yaml:"max_age,omitempty"`
	MaxPerSession int      `yaml:"max_events_per_session,omitempty"`
	PruneInterval Duration `yaml:"prune_interval,omitempty"`
	Disabled      bool     `yaml:"disabled,omitempty"`
}

// HTTPConfig configures the serve command's listener.
type HTTPConfig struct {
	Addr           string   `yaml:"addr,omitempty"`
	RequestTimeout Duration `yaml:"request_timeout,omitempty"`
}

// TelemetryConfig configures OpenTelemetry export.
type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name,omitempty"`
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	Insecure     bool   `yaml:"insecure,omitempty"`
}

// ScheduleConfig runs a prompt on a cron schedule while serving.
type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Cron     string `yaml:"cron"`
	Prompt   string `yaml:"prompt"`
	System   string `yaml:"system,omitempty"`
	Disabled bool   `yaml:"disabled,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML accepts duration strings and plain integers (seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}
