package tool

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/petal-labs/petalbridge/core"
)

// ValidateCall rejects a call whose arguments failed to decode, then checks
// the arguments against schema.
func ValidateCall(schema Schema, call core.ToolCall) error {
	if call.ArgumentsError != "" {
		return &core.ValidationError{Tool: schema.Name, Violations: []core.Violation{{
			Field:   "arguments",
			Code:    "INVALID_JSON",
			Message: call.ArgumentsError,
		}}}
	}
	return ValidateArgs(schema, call.Arguments)
}

// ValidateArgs checks a call's arguments against schema. Every violation is
// collected; the returned error is nil or a *core.ValidationError.
func ValidateArgs(schema Schema, args map[string]any) error {
	var violations []core.Violation

	for _, p := range schema.Params {
		value, present := args[p.Name]
		if !present {
			if p.Required {
				violations = append(violations, core.Violation{
					Field:   p.Name,
					Code:    "MISSING_REQUIRED",
					Message: "required parameter is missing",
				})
			}
			continue
		}
		if msg := checkValue(p.Type, p.Items, value); msg != "" {
			violations = append(violations, core.Violation{
				Field:   p.Name,
				Code:    "TYPE_MISMATCH",
				Message: msg,
			})
		}
	}

	if !schema.AllowExtra {
		extra := make([]string, 0)
		for name := range args {
			if _, declared := schema.Param(name); !declared {
				extra = append(extra, name)
			}
		}
		slices.Sort(extra)
		for _, name := range extra {
			violations = append(violations, core.Violation{
				Field:   name,
				Code:    "UNKNOWN_ARGUMENT",
				Message: "argument is not declared by the tool",
			})
		}
	}

	if len(violations) == 0 {
		return nil
	}
	return &core.ValidationError{Tool: schema.Name, Violations: violations}
}

// checkValue returns an empty string when value conforms to typeName, and a
// description of the mismatch otherwise.
func checkValue(typeName, items string, value any) string {
	if typeName == TypeAny || typeName == "" {
		return ""
	}
	if value == nil {
		return fmt.Sprintf("expected %s, got null", typeName)
	}

	ok := false
	switch typeName {
	case TypeString:
		_, ok = value.(string)
	case TypeBoolean:
		_, ok = value.(bool)
	case TypeInteger:
		ok = isInteger(value)
	case TypeFloat:
		ok = isNumber(value)
	case TypeObject:
		ok = isObject(value)
	case TypeArray:
		elems, isArray := arrayElems(value)
		if !isArray {
			break
		}
		if items == "" || items == TypeAny {
			return ""
		}
		for i, elem := range elems {
			if msg := checkValue(items, "", elem); msg != "" {
				return fmt.Sprintf("element %d: %s", i, msg)
			}
		}
		return ""
	}
	if ok {
		return ""
	}
	return fmt.Sprintf("expected %s, got %s", typeName, describe(value))
}

func isInteger(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return v == math.Trunc(v) && !math.IsInf(v, 0)
	case float32:
		f := float64(v)
		return f == math.Trunc(f) && !math.IsInf(f, 0)
	case json.Number:
		if _, err := v.Int64(); err == nil {
			return true
		}
		f, err := v.Float64()
		return err == nil && f == math.Trunc(f) && !math.IsInf(f, 0)
	}
	return false
}

func isNumber(value any) bool {
	switch v := value.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
		return true
	case json.Number:
		_, err := v.Float64()
		return err == nil
	}
	return false
}

func isObject(value any) bool {
	if _, ok := value.(map[string]any); ok {
		return true
	}
	rv := reflect.ValueOf(value)
	return rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String
}

func arrayElems(value any) ([]any, bool) {
	if elems, ok := value.([]any); ok {
		return elems, true
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	if rv.Type().Elem().Kind() == reflect.Uint8 {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

func describe(value any) string {
	switch value.(type) {
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number, float32, float64:
		if isInteger(value) {
			return "integer"
		}
		return "float"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return "integer"
	}
	if isObject(value) {
		return "object"
	}
	if _, ok := arrayElems(value); ok {
		return "array"
	}
	return fmt.Sprintf("%T", value)
}
