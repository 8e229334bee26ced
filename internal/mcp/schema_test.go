package mcp

import (
	"encoding/json"
	"testing"
)

func toolSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "integer"},
			"sort":  map[string]any{"type": "string", "enum": []any{"asc", "desc"}},
			"tags": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
		"required": []any{"query"},
	}
}

func TestValidateArgsAccepts(t *testing.T) {
	cases := []struct {
		name string
		args string
	}{
		{"minimal required", `{"query":"hello"}`},
		{"full", `{"query":"hello","limit":5,"sort":"asc","tags":["a","b"]}`},
		{"extra properties ignored", `{"query":"hello","unknown":true}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateArgs(toolSchema(), json.RawMessage(tc.args)); err != nil {
				t.Fatalf("expected %s to validate, got %v", tc.args, err)
			}
		})
	}
}

func TestValidateArgsRejects(t *testing.T) {
	cases := []struct {
		name string
		args string
	}{
		{"missing required", `{"limit":5}`},
		{"wrong type", `{"query":42}`},
		{"non-integer", `{"query":"x","limit":2.5}`},
		{"enum mismatch", `{"query":"x","sort":"sideways"}`},
		{"bad array item", `{"query":"x","tags":[1]}`},
		{"not an object", `[1,2]`},
		{"malformed json", `{"query":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateArgs(toolSchema(), json.RawMessage(tc.args)); err == nil {
				t.Fatalf("expected %s to be rejected", tc.args)
			}
		})
	}
}

func TestValidateArgsEmptySchemaAllowsAnything(t *testing.T) {
	if err := ValidateArgs(nil, json.RawMessage(`{"anything":true}`)); err != nil {
		t.Fatalf("nil schema must accept all arguments, got %v", err)
	}
}

func TestValidateArgsEmptyArgsAgainstRequired(t *testing.T) {
	if err := ValidateArgs(toolSchema(), nil); err == nil {
		t.Fatalf("empty arguments must fail a schema with required properties")
	}
}
