package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/stategraph/pkg/schema"
)

// graphSchemaJSON is the JSON Schema for GraphDefinition validation.
// Embedded as a constant to avoid filesystem dependencies. Kind-specific
// config blocks are validated per kind via the if/then chain in $defs/node.
const graphSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stategraph.dev/schemas/graph.json",
  "type": "object",
  "required": ["start", "nodes"],
  "properties": {
    "name": { "type": "string" },
    "start": { "type": "string", "minLength": 1 },
    "nodes": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    },
    "end_nodes": {
      "type": "array",
      "items": { "type": "string" }
    },
    "config": { "$ref": "#/$defs/config" }
  },
  "additionalProperties": false,
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "enum": ["agent", "tool", "decision", "wait", "ask_user", "parallel", "subgraph", "context_monitor"]
        },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "phase": { "type": "string" },
        "phase_icon": { "type": "string" },
        "model": { "type": "string" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "retry": { "$ref": "#/$defs/retry" },
        "config": { "type": "object" }
      },
      "additionalProperties": false
    },
    "edge": {
      "type": "object",
      "required": ["from", "to"],
      "properties": {
        "from": { "type": "string", "minLength": 1 },
        "to": { "type": "string", "minLength": 1 },
        "condition": { "type": "string" },
        "label": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "multiplier": { "type": "number", "exclusiveMinimum": 0 }
      },
      "additionalProperties": false
    },
    "config": {
      "type": "object",
      "properties": {
        "default_model": { "type": "string" },
        "checkpoint_interval": { "type": "integer", "minimum": 0 },
        "auto_approve": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator validates graph definitions and workflow inputs against
// JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	graphSchema *jsonschema.Schema

	// mu guards the cache for dynamic input-schema compilation.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a validator with the graph schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(graphSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal graph schema: %w", err)
	}
	if err := c.AddResource("https://stategraph.dev/schemas/graph.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add graph schema resource: %w", err)
	}

	gSchema, err := c.Compile("https://stategraph.dev/schemas/graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &JSONSchemaValidator{
		graphSchema: gSchema,
		cache:       make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a GraphDefinition against the graph JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "graph definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize graph definition").WithCause(err)
	}

	if err := v.graphSchema.Validate(doc); err != nil {
		return toGraphError(err)
	}

	// Structural checks JSON Schema cannot express: duplicate node IDs.
	seen := make(map[string]struct{}, len(def.Nodes))
	for _, node := range def.Nodes {
		if _, exists := seen[node.ID]; exists {
			return schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", node.ID)
		}
		seen[node.ID] = struct{}{}
	}

	return nil
}

// ValidateInput validates initial workflow state against a JSON Schema
// provided as raw bytes. The schema is compiled once and cached.
func (v *JSONSchemaValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	if input == nil {
		return schema.NewError(schema.ErrCodeValidation, "input is nil")
	}
	if len(inputSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toGraphError(err)
	}

	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("stategraph://input-schema/%d", len(v.cache))

	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toGraphError converts a jsonschema.ValidationError into a GraphError with
// one message per leaf violation.
func toGraphError(err error) *schema.GraphError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
