package engine

import (
	"aevumdb/src/models"
)

// ValidateDocument evaluates a JSON-schema-like constraint against a
// candidate value. The vocabulary is the subset the kernel persists:
// type, properties/required for objects, enum for strings, and
// minimum/maximum for numbers. "fields" is accepted as an alias of
// "properties", "min"/"max" as aliases of "minimum"/"maximum".
//
// Validation is a pure predicate. Malformed schema nodes fail open so a
// bad schema cannot wedge the write path.
func ValidateDocument(value interface{}, schema models.Document) bool {
	if schema == nil {
		return true
	}

	if typeName, ok := schema["type"].(string); ok {
		if !typeMatches(typeName, value) {
			return false
		}
	}

	if obj, ok := value.(map[string]interface{}); ok {
		if !validateObject(obj, schema) {
			return false
		}
	}

	if s, ok := value.(string); ok {
		if !validateEnum(s, schema) {
			return false
		}
	}

	if n, ok := toFloat(value); ok {
		if !validateRange(n, schema) {
			return false
		}
	}

	return true
}

func typeMatches(typeName string, value interface{}) bool {
	switch typeName {
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := toFloat(value)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "null":
		return value == nil
	default:
		// Unknown type names are permissive.
		return true
	}
}

func schemaProperties(schema models.Document) (map[string]interface{}, bool) {
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		return props, true
	}
	if props, ok := schema["fields"].(map[string]interface{}); ok {
		return props, true
	}
	return nil, false
}

func validateObject(obj map[string]interface{}, schema models.Document) bool {
	if required, ok := schema["required"].([]interface{}); ok {
		for _, entry := range required {
			name, ok := entry.(string)
			if !ok {
				continue
			}
			if _, present := obj[name]; !present {
				return false
			}
		}
	}

	props, ok := schemaProperties(schema)
	if !ok {
		return true
	}
	for field, rules := range props {
		sub, ok := rules.(map[string]interface{})
		if !ok {
			continue
		}
		fieldVal, present := obj[field]
		if !present {
			// Absence is governed by "required", not by per-field rules.
			continue
		}
		if !ValidateDocument(fieldVal, sub) {
			return false
		}
	}
	return true
}

func validateEnum(s string, schema models.Document) bool {
	allowed, ok := schema["enum"].([]interface{})
	if !ok {
		return true
	}
	for _, entry := range allowed {
		if val, ok := entry.(string); ok && val == s {
			return true
		}
	}
	return false
}

func validateRange(n float64, schema models.Document) bool {
	min, hasMin := toFloat(schema["minimum"])
	if !hasMin {
		min, hasMin = toFloat(schema["min"])
	}
	if hasMin && n < min {
		return false
	}

	max, hasMax := toFloat(schema["maximum"])
	if !hasMax {
		max, hasMax = toFloat(schema["max"])
	}
	if hasMax && n > max {
		return false
	}
	return true
}
