package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	projectConfigName = "petalbridge.yaml"
	homeConfigDir     = ".petalbridge"
	homeConfigName    = "config.yaml"
)

// Environment variables that override file values.
const (
	EnvModel        = "PETALBRIDGE_MODEL"
	EnvModelBaseURL = "PETALBRIDGE_MODEL_BASE_URL"
	EnvStorePath    = "PETALBRIDGE_STORE_PATH"
)

// ErrNoConfig is returned by Discover when no candidate file exists.
var ErrNoConfig = errors.New("config: no petalbridge.yaml found")

// DiscoverPath resolves the config location with first-match semantics:
// the explicit path, then ./petalbridge.yaml, then ~/.petalbridge/config.yaml.
func DiscoverPath(explicitPath string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = ""
	}
	return DiscoverPathFrom(explicitPath, cwd, homeDir)
}

// DiscoverPathFrom is a testable variant of DiscoverPath.
func DiscoverPathFrom(explicitPath, cwd, homeDir string) (string, error) {
	if clean := strings.TrimSpace(explicitPath); clean != "" {
		clean = filepath.Clean(clean)
		info, err := os.Stat(clean)
		switch {
		case errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("config file %q not found", clean)
		case err != nil:
			return "", fmt.Errorf("checking config path %q: %w", clean, err)
		case info.IsDir():
			return "", fmt.Errorf("config path %q is a directory", clean)
		}
		return clean, nil
	}

	candidates := []string{filepath.Join(cwd, projectConfigName)}
	if homeDir != "" {
		candidates = append(candidates, filepath.Join(homeDir, homeConfigDir, homeConfigName))
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("checking config path %q: %w", candidate, err)
		}
	}
	return "", ErrNoConfig
}

// Load reads and parses the file at path. Unknown keys are rejected.
// Relative sandbox and store paths are resolved against the file's directory.
func Load(path string) (*File, error) {
	// #nosec G304 -- path comes from explicit flag or local discovery.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	f.resolvePaths(filepath.Dir(path))
	return f, nil
}

// Parse decodes YAML config bytes.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ApplyEnv overlays environment overrides using getenv. Flags applied after
// this call take precedence over both.
func (f *File) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := strings.TrimSpace(getenv(EnvModel)); v != "" {
		f.Model.Name = v
	}
	if v := strings.TrimSpace(getenv(EnvModelBaseURL)); v != "" {
		f.Model.BaseURL = v
	}
	if v := strings.TrimSpace(getenv(EnvStorePath)); v != "" {
		f.Store.Path = v
	}
}

func (f *File) resolvePaths(baseDir string) {
	for i := range f.Servers {
		if f.Servers[i].Sandbox != "" {
			f.Servers[i].Sandbox = resolveConfigRelative(baseDir, expandEnvValue(f.Servers[i].Sandbox))
		}
	}
	if f.Store.Path != "" && f.Store.Path != ":memory:" {
		f.Store.Path = resolveConfigRelative(baseDir, expandEnvValue(f.Store.Path))
	}
}

// DefaultStorePath is the history database used when none is configured.
func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(homeConfigDir, "history.db")
	}
	return filepath.Join(home, homeConfigDir, "history.db")
}

// sandboxVar is substituted by the process manager at spawn time.
const sandboxVar = "SANDBOX_ROOT"

func expandEnvValue(value string) string {
	return os.Expand(value, func(key string) string {
		if key == sandboxVar {
			return "${" + sandboxVar + "}"
		}
		return os.Getenv(key)
	})
}

func expandStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	out := make(map[string]string, len(values))
	for key, value := range values {
		out[key] = expandEnvValue(value)
	}
	return out
}

func resolveConfigRelative(baseDir, p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	clean := filepath.Clean(p)
	if filepath.IsAbs(clean) {
		return clean
	}
	return filepath.Join(baseDir, clean)
}
