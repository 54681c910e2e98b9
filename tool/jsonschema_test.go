package tool

import "testing"

func TestSchemaFromJSONSchema(t *testing.T) {
	input := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string", "description": "search text"},
			"limit": map[string]any{"type": "integer"},
			"score": map[string]any{"type": []any{"null", "number"}},
			"tags":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"opts":  map[string]any{"type": "object"},
		},
		"required": []any{"query"},
	}

	schema := SchemaFromJSONSchema("search", "find", " Find things ", input)
	if schema.Name != "search.find" || schema.Server != "search" {
		t.Fatalf("schema name/server = %q/%q", schema.Name, schema.Server)
	}
	if schema.Description != "Find things" {
		t.Fatalf("Description = %q", schema.Description)
	}
	if err := schema.Check(); err != nil {
		t.Fatalf("Check() error = %v", err)
	}

	want := map[string]Param{
		"limit": {Name: "limit", Type: TypeInteger},
		"opts":  {Name: "opts", Type: TypeObject},
		"query": {Name: "query", Type: TypeString, Required: true, Description: "search text"},
		"score": {Name: "score", Type: TypeFloat},
		"tags":  {Name: "tags", Type: TypeArray, Items: TypeString},
	}
	if len(schema.Params) != len(want) {
		t.Fatalf("Params = %+v", schema.Params)
	}
	for i, name := range []string{"limit", "opts", "query", "score", "tags"} {
		if schema.Params[i] != want[name] {
			t.Fatalf("Params[%d] = %+v, want %+v", i, schema.Params[i], want[name])
		}
	}
}

func TestSchemaFromJSONSchemaEmptyAllowsExtra(t *testing.T) {
	schema := SchemaFromJSONSchema("s", "m", "", nil)
	if !schema.AllowExtra {
		t.Fatal("AllowExtra = false, want true for schema-less tools")
	}
	if err := ValidateArgs(schema, map[string]any{"anything": 1}); err != nil {
		t.Fatalf("ValidateArgs() error = %v", err)
	}
}

func TestToJSONSchemaRoundTrip(t *testing.T) {
	schema := readSchema()
	back := SchemaFromJSONSchema("fs", "read", schema.Description, ToJSONSchema(schema))
	if len(back.Params) != 2 {
		t.Fatalf("Params = %+v", back.Params)
	}
	limit, _ := back.Param("limit")
	path, _ := back.Param("path")
	if limit.Type != TypeInteger || limit.Required {
		t.Fatalf("limit = %+v", limit)
	}
	if path.Type != TypeString || !path.Required {
		t.Fatalf("path = %+v", path)
	}
	if back.AllowExtra {
		t.Fatal("AllowExtra = true, want false")
	}
}

func TestSplitName(t *testing.T) {
	tests := []struct {
		in             string
		server, method string
		ok             bool
	}{
		{"fs.read", "fs", "read", true},
		{"fs.dir.list", "fs", "dir.list", true},
		{"read", "", "", false},
		{".read", "", "", false},
		{"fs.", "", "", false},
	}
	for _, tc := range tests {
		server, method, ok := SplitName(tc.in)
		if server != tc.server || method != tc.method || ok != tc.ok {
			t.Fatalf("SplitName(%q) = (%q,%q,%v), want (%q,%q,%v)", tc.in, server, method, ok, tc.server, tc.method, tc.ok)
		}
	}
}
