package kernel

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParamSchema validates action parameters against a compiled JSON Schema
// before any policy runs, so malformed submissions fail closed without
// consuming governance budget.
type ParamSchema struct {
	name     string
	compiled *jsonschema.Schema
}

// CompileParamSchema compiles a Draft 2020-12 JSON Schema for an action.
func CompileParamSchema(actionName, schema string) (*ParamSchema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	schemaURL := fmt.Sprintf("https://aegis.schemas.local/actions/%s.schema.json", actionName)
	if err := c.AddResource(schemaURL, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("kernel: schema load for %s failed: %w", actionName, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("kernel: schema compile for %s failed: %w", actionName, err)
	}
	return &ParamSchema{name: actionName, compiled: compiled}, nil
}

// Validate checks params against the schema.
func (s *ParamSchema) Validate(params map[string]any) error {
	if params == nil {
		params = map[string]any{}
	}
	if err := s.compiled.Validate(toJSONTypes(params)); err != nil {
		return fmt.Errorf("action %s: %w", s.name, err)
	}
	return nil
}

// toJSONTypes normalizes Go values to the types the validator expects
// (ints become float64, nested maps are walked).
func toJSONTypes(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = toJSONTypes(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = toJSONTypes(val)
		}
		return out
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
