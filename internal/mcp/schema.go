package mcp

import (
	"encoding/json"
	"fmt"
	"math"
)

// ValidateArgs checks tool-call arguments against the tool's declared
// input schema. Supported keywords cover the subset protocol targets
// advertise in practice: type, properties, required, enum, items.
func ValidateArgs(schema map[string]any, rawArgs json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}
	var args any
	if len(rawArgs) == 0 {
		args = map[string]any{}
	} else if err := json.Unmarshal(rawArgs, &args); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return validateValue("$", schema, args)
}

func validateValue(path string, schema map[string]any, value any) error {
	declaredType, _ := schema["type"].(string)
	if declaredType != "" {
		if err := checkType(path, declaredType, value); err != nil {
			return err
		}
	}

	if enum, ok := schema["enum"].([]any); ok && len(enum) > 0 {
		found := false
		for _, allowed := range enum {
			if equalJSON(allowed, value) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%s: value not in enum", path)
		}
	}

	if declaredType == "object" || schema["properties"] != nil {
		object, ok := value.(map[string]any)
		if !ok {
			return fmt.Errorf("%s: expected object", path)
		}
		if required, ok := schema["required"].([]any); ok {
			for _, item := range required {
				name, _ := item.(string)
				if name == "" {
					continue
				}
				if _, present := object[name]; !present {
					return fmt.Errorf("%s: missing required property %q", path, name)
				}
			}
		}
		if properties, ok := schema["properties"].(map[string]any); ok {
			for name, propSchema := range properties {
				propValue, present := object[name]
				if !present {
					continue
				}
				propMap, ok := propSchema.(map[string]any)
				if !ok {
					continue
				}
				if err := validateValue(path+"."+name, propMap, propValue); err != nil {
					return err
				}
			}
		}
	}

	if declaredType == "array" {
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("%s: expected array", path)
		}
		if itemSchema, ok := schema["items"].(map[string]any); ok {
			for i, item := range items {
				if err := validateValue(fmt.Sprintf("%s[%d]", path, i), itemSchema, item); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkType(path, declaredType string, value any) error {
	switch declaredType {
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("%s: expected object", path)
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("%s: expected array", path)
		}
	case "string":
		if _, ok := value.(string); !ok {
			return fmt.Errorf("%s: expected string", path)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("%s: expected boolean", path)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("%s: expected number", path)
		}
	case "integer":
		number, ok := value.(float64)
		if !ok || number != math.Trunc(number) {
			return fmt.Errorf("%s: expected integer", path)
		}
	case "null":
		if value != nil {
			return fmt.Errorf("%s: expected null", path)
		}
	}
	return nil
}

func equalJSON(a, b any) bool {
	left, errA := json.Marshal(a)
	right, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(left) == string(right)
}
