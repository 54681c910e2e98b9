package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/petal-labs/petalbridge/core"
	"github.com/petal-labs/petalbridge/schedule"
	"github.com/petal-labs/petalbridge/tool"
)

// Diagnostic severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Diagnostic is one validation finding.
type Diagnostic struct {
	Field    string `json:"field"`
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// HasErrors reports whether any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// DiagnosticError wraps error-severity diagnostics.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	var errs []Diagnostic
	for _, d := range e.Diagnostics {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	switch len(errs) {
	case 0:
		return "config: invalid"
	case 1:
		return fmt.Sprintf("config: %s: %s", errs[0].Field, errs[0].Message)
	default:
		return fmt.Sprintf("config: %d errors (first: %s: %s)", len(errs), errs[0].Field, errs[0].Message)
	}
}

// Validate checks the file and returns all findings.
func (f *File) Validate() []Diagnostic {
	var diags []Diagnostic
	add := func(severity, field, code, format string, args ...any) {
		diags = append(diags, Diagnostic{
			Field:    field,
			Code:     code,
			Severity: severity,
			Message:  fmt.Sprintf(format, args...),
		})
	}

	if strings.TrimSpace(f.Model.Name) == "" {
		add(SeverityError, "model.name", "REQUIRED", "model name is required")
	}
	if f.Model.Temperature != nil && (*f.Model.Temperature < 0 || *f.Model.Temperature > 2) {
		add(SeverityError, "model.temperature", "OUT_OF_RANGE", "temperature must be between 0 and 2")
	}
	if f.Model.MaxTokens != nil && *f.Model.MaxTokens <= 0 {
		add(SeverityError, "model.max_tokens", "OUT_OF_RANGE", "max_tokens must be positive")
	}
	if f.Bridge.MaxIterations < 0 {
		add(SeverityError, "bridge.max_iterations", "OUT_OF_RANGE", "max_iterations must not be negative")
	}
	if f.Bridge.MaxConcurrency < 0 {
		add(SeverityError, "bridge.max_concurrency", "OUT_OF_RANGE", "max_concurrency must not be negative")
	}
	if f.Process.BackoffMax > 0 && f.Process.BackoffBase > f.Process.BackoffMax {
		add(SeverityError, "process.backoff_base", "OUT_OF_RANGE", "backoff_base must not exceed backoff_max")
	}

	if len(f.Servers) == 0 {
		add(SeverityWarning, "servers", "EMPTY", "no tool servers configured; the model will answer without tools")
	}
	seen := make(map[string]int, len(f.Servers))
	for i, srv := range f.Servers {
		field := fmt.Sprintf("servers[%d]", i)
		if name := strings.TrimSpace(srv.Name); name != "" {
			field = "servers." + name
			if prev, dup := seen[name]; dup {
				add(SeverityError, field, "DUPLICATE_SERVER", "server %q already declared at servers[%d]", name, prev)
			}
			seen[name] = i
		}
		if err := srv.descriptor().Validate(); err != nil {
			add(SeverityError, field, "INVALID_SERVER", "%s", strings.TrimPrefix(err.Error(), "server descriptor: "))
			continue
		}
		if len(srv.Tools) == 0 && !srv.Discover {
			add(SeverityWarning, field+".tools", "NO_TOOLS", "server declares no tools and discovery is off")
		}
		methods := make(map[string]struct{}, len(srv.Tools))
		for j, tc := range srv.Tools {
			toolField := fmt.Sprintf("%s.tools[%d]", field, j)
			if strings.TrimSpace(tc.Method) == "" {
				add(SeverityError, toolField+".method", "REQUIRED", "tool method is required")
				continue
			}
			toolField = field + ".tools." + tc.Method
			if _, dup := methods[tc.Method]; dup {
				add(SeverityError, toolField, "DUPLICATE_TOOL", "tool %q declared more than once", tool.Name(srv.Name, tc.Method))
			}
			methods[tc.Method] = struct{}{}
			if len(tc.Params) > 0 && len(tc.InputSchema) > 0 {
				add(SeverityError, toolField, "CONFLICT", "declare params or input_schema, not both")
				continue
			}
			if err := srv.schema(tc).Check(); err != nil {
				var verr *core.ValidationError
				if errors.As(err, &verr) {
					for _, v := range verr.Violations {
						add(SeverityError, toolField+"."+v.Field, v.Code, "%s", v.Message)
					}
					continue
				}
				add(SeverityError, toolField, "INVALID_TOOL", "%v", err)
			}
		}
	}

	names := make(map[string]struct{}, len(f.Schedules))
	for i, sc := range f.Schedules {
		field := fmt.Sprintf("schedules[%d]", i)
		if strings.TrimSpace(sc.Name) == "" {
			add(SeverityError, field+".name", "REQUIRED", "schedule name is required")
		} else {
			field = "schedules." + sc.Name
			if _, dup := names[sc.Name]; dup {
				add(SeverityError, field, "DUPLICATE_SCHEDULE", "schedule %q declared more than once", sc.Name)
			}
			names[sc.Name] = struct{}{}
		}
		if strings.TrimSpace(sc.Prompt) == "" {
			add(SeverityError, field+".prompt", "REQUIRED", "schedule prompt is required")
		}
		if _, err := schedule.ParseCron(sc.Cron); err != nil {
			add(SeverityError, field+".cron", "INVALID_CRON", "%v", err)
		}
	}
	return diags
}

// Check returns a *DiagnosticError when Validate reports errors.
func (f *File) Check() error {
	diags := f.Validate()
	if HasErrors(diags) {
		return &DiagnosticError{Diagnostics: diags}
	}
	return nil
}
