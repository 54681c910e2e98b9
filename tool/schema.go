package tool

import (
	"fmt"
	"slices"
	"strings"

	"github.com/petal-labs/petalbridge/core"
)

// Parameter type literals.
const (
	TypeString  = "string"
	TypeInteger = "integer"
	TypeFloat   = "float"
	TypeBoolean = "boolean"
	TypeArray   = "array"
	TypeObject  = "object"
	TypeAny     = "any"
)

var validTypes = map[string]struct{}{
	TypeString:  {},
	TypeInteger: {},
	TypeFloat:   {},
	TypeBoolean: {},
	TypeArray:   {},
	TypeObject:  {},
	TypeAny:     {},
}

// IsValidType reports whether typeName is a supported parameter type.
func IsValidType(typeName string) bool {
	_, ok := validTypes[typeName]
	return ok
}

// Param describes one named tool argument.
type Param struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
	Items       string `json:"items,omitempty"` // element type for arrays; empty means any
}

// Schema describes one tool the model may call.
type Schema struct {
	Name        string  `json:"name"`
	Server      string  `json:"server"`
	Description string  `json:"description,omitempty"`
	Params      []Param `json:"params"`
	AllowExtra  bool    `json:"allow_extra,omitempty"`
}

// Method returns the RPC method segment of the tool name.
func (s Schema) Method() string {
	_, method, _ := SplitName(s.Name)
	return method
}

// Param returns the named parameter spec.
func (s Schema) Param(name string) (Param, bool) {
	for _, p := range s.Params {
		if p.Name == name {
			return p, true
		}
	}
	return Param{}, false
}

// Clone returns a deep copy of the schema.
func (s Schema) Clone() Schema {
	out := s
	out.Params = slices.Clone(s.Params)
	return out
}

// Name joins a server and method into a namespaced tool name.
func Name(server, method string) string {
	return server + "." + method
}

// SplitName splits a namespaced tool name at its first '.'.
// The method keeps any further dots.
func SplitName(name string) (server, method string, ok bool) {
	server, method, ok = strings.Cut(name, ".")
	if !ok || server == "" || method == "" {
		return "", "", false
	}
	return server, method, true
}

// Check reports structural problems with the schema itself.
func (s Schema) Check() error {
	var violations []core.Violation
	add := func(field, code, format string, args ...any) {
		violations = append(violations, core.Violation{
			Field:   field,
			Code:    code,
			Message: fmt.Sprintf(format, args...),
		})
	}

	server, _, ok := SplitName(s.Name)
	switch {
	case !ok:
		add("name", "INVALID_NAME", "tool name %q must have the form <server>.<method>", s.Name)
	case s.Server == "":
		add("server", "REQUIRED", "owning server is required")
	case server != s.Server:
		add("name", "SERVER_MISMATCH", "tool name %q is not namespaced under server %q", s.Name, s.Server)
	}

	seen := make(map[string]struct{}, len(s.Params))
	for i, p := range s.Params {
		field := fmt.Sprintf("params[%d]", i)
		if strings.TrimSpace(p.Name) == "" {
			add(field+".name", "REQUIRED", "parameter name is required")
			continue
		}
		field = "params." + p.Name
		if _, dup := seen[p.Name]; dup {
			add(field, "DUPLICATE_PARAM", "parameter %q declared more than once", p.Name)
		}
		seen[p.Name] = struct{}{}
		if !IsValidType(p.Type) {
			add(field+".type", "INVALID_TYPE", "unsupported type %q; allowed: string, integer, float, boolean, array, object, any", p.Type)
		}
		if p.Items != "" {
			if p.Type != TypeArray {
				add(field+".items", "INVALID_ITEMS", "items is only valid for array parameters")
			} else if !IsValidType(p.Items) {
				add(field+".items", "INVALID_TYPE", "unsupported item type %q", p.Items)
			}
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &core.ValidationError{Tool: s.Name, Violations: violations}
}

// Spec renders the schema as a model-facing tool description with a JSON
// Schema parameter object.
func (s Schema) Spec() core.ToolSpec {
	return core.ToolSpec{
		Name:        s.Name,
		Description: s.Description,
		Parameters:  ToJSONSchema(s),
	}
}
