package tool

import (
	"slices"
	"strings"
)

// SchemaFromJSONSchema converts a JSON Schema object, as returned by an MCP
// tools/list reply, into a tool schema owned by server. Properties become
// parameters in name order; additionalProperties:true maps to AllowExtra.
func SchemaFromJSONSchema(server, method, description string, inputSchema map[string]any) Schema {
	schema := Schema{
		Name:        Name(server, method),
		Server:      server,
		Description: strings.TrimSpace(description),
		Params:      []Param{},
	}
	if len(inputSchema) == 0 {
		schema.AllowExtra = true
		return schema
	}
	if extra, ok := inputSchema["additionalProperties"].(bool); ok && extra {
		schema.AllowExtra = true
	}

	requiredSet := make(map[string]struct{})
	if requiredRaw, ok := inputSchema["required"].([]any); ok {
		for _, item := range requiredRaw {
			if field, ok := item.(string); ok {
				requiredSet[field] = struct{}{}
			}
		}
	}

	properties, _ := inputSchema["properties"].(map[string]any)
	keys := make([]string, 0, len(properties))
	for key := range properties {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	for _, key := range keys {
		fieldSchema, _ := properties[key].(map[string]any)
		param := paramFromJSONSchema(key, fieldSchema)
		_, param.Required = requiredSet[key]
		schema.Params = append(schema.Params, param)
	}
	return schema
}

func paramFromJSONSchema(name string, fieldSchema map[string]any) Param {
	param := Param{Name: name, Type: TypeAny}
	if fieldSchema == nil {
		return param
	}
	if desc, ok := fieldSchema["description"].(string); ok {
		param.Description = desc
	}
	param.Type = jsonSchemaType(fieldSchema["type"])
	if param.Type == TypeArray {
		if items, ok := fieldSchema["items"].(map[string]any); ok {
			if itemType := jsonSchemaType(items["type"]); itemType != TypeAny {
				param.Items = itemType
			}
		}
	}
	return param
}

// jsonSchemaType maps a JSON Schema "type" value (string or list) to a
// parameter type, skipping "null" in type unions.
func jsonSchemaType(raw any) string {
	switch v := raw.(type) {
	case string:
		return mapJSONSchemaType(v)
	case []any:
		for _, item := range v {
			name, _ := item.(string)
			if strings.EqualFold(name, "null") {
				continue
			}
			return mapJSONSchemaType(name)
		}
	}
	return TypeAny
}

func mapJSONSchemaType(jsonType string) string {
	switch strings.ToLower(strings.TrimSpace(jsonType)) {
	case "string":
		return TypeString
	case "integer":
		return TypeInteger
	case "number":
		return TypeFloat
	case "boolean":
		return TypeBoolean
	case "array":
		return TypeArray
	case "object":
		return TypeObject
	default:
		return TypeAny
	}
}

// ToJSONSchema renders a tool schema's parameters as a JSON Schema object.
func ToJSONSchema(schema Schema) map[string]any {
	properties := make(map[string]any, len(schema.Params))
	required := make([]any, 0)
	for _, p := range schema.Params {
		prop := map[string]any{}
		if jsonType := toJSONSchemaType(p.Type); jsonType != "" {
			prop["type"] = jsonType
		}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if p.Type == TypeArray && p.Items != "" {
			if itemType := toJSONSchemaType(p.Items); itemType != "" {
				prop["items"] = map[string]any{"type": itemType}
			}
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	out := map[string]any{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": schema.AllowExtra,
	}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func toJSONSchemaType(typeName string) string {
	switch typeName {
	case TypeFloat:
		return "number"
	case TypeAny, "":
		return ""
	default:
		return typeName
	}
}
