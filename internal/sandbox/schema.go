package sandbox

import "encoding/json"

// InferSchema derives a JSON-schema-shaped value from an observed response
// value by structural generalization: object fields are typed by their
// observed leaf type, array element types are unioned (a mismatch falls
// back to an any-equivalent schema), and nil/missing values are also
// any-equivalent. The result is itself a JSON value (map[string]interface{})
// ready for json.Marshal, not a typed schema struct, matching how the rest
// of this codebase treats schemas as opaque json.RawMessage payloads.
func InferSchema(v interface{}) map[string]interface{} {
	return inferValue(v)
}

func inferValue(v interface{}) map[string]interface{} {
	switch val := v.(type) {
	case nil:
		return anySchema()
	case map[string]interface{}:
		return inferObject(val)
	case []interface{}:
		return inferArray(val)
	case string:
		return map[string]interface{}{"type": "string"}
	case float64:
		return map[string]interface{}{"type": "number"}
	case bool:
		return map[string]interface{}{"type": "boolean"}
	default:
		return anySchema()
	}
}

func inferObject(m map[string]interface{}) map[string]interface{} {
	properties := make(map[string]interface{}, len(m))
	for k, v := range m {
		properties[k] = inferValue(v)
	}
	return map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
}

func inferArray(items []interface{}) map[string]interface{} {
	if len(items) == 0 {
		return map[string]interface{}{
			"type":  "array",
			"items": anySchema(),
		}
	}

	first := inferValue(items[0])
	firstKey, _ := json.Marshal(first)
	uniform := true
	for _, item := range items[1:] {
		schema := inferValue(item)
		key, _ := json.Marshal(schema)
		if string(key) != string(firstKey) {
			uniform = false
			break
		}
	}

	itemSchema := first
	if !uniform {
		itemSchema = anySchema()
	}
	return map[string]interface{}{
		"type":  "array",
		"items": itemSchema,
	}
}

// anySchema represents the conservative any-equivalent schema used for
// null values, missing fields, and mixed-type arrays.
func anySchema() map[string]interface{} {
	return map[string]interface{}{}
}
