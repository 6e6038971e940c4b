package validation

import "github.com/rendis/stategraph/pkg/schema"

// Validator checks graph definitions and workflow inputs for correctness
// before compilation.
type Validator interface {
	ValidateDefinition(def *schema.GraphDefinition) error
	ValidateInput(input map[string]any, inputSchema []byte) error
}

// GraphValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (node/edge refs, config blocks, expressions, tool names)
// 3. Reachability (BFS from the start node)
type GraphValidator struct {
	jsonSchema *JSONSchemaValidator
	tools      ToolLookup
}

// NewGraphValidator creates a GraphValidator. tools may be nil to skip tool
// existence checks.
func NewGraphValidator(tools ToolLookup) (*GraphValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &GraphValidator{
		jsonSchema: jsv,
		tools:      tools,
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: later stages assume a well-formed shape.
func (gv *GraphValidator) Validate(def *schema.GraphDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "graph definition is nil")
		return r
	}

	result := validateStructural(gv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, gv.tools))

	// Reachability assumes references resolve; skip it when semantic failed.
	if result.Valid() {
		result.Merge(validateReachability(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (gv *GraphValidator) ValidateDefinition(def *schema.GraphDefinition) error {
	return gv.Validate(def).ToError()
}

// ValidateInput delegates to the underlying JSONSchemaValidator.
func (gv *GraphValidator) ValidateInput(input map[string]any, inputSchema []byte) error {
	return gv.jsonSchema.ValidateInput(input, inputSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into a ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.GraphDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	gerr, ok := err.(*schema.GraphError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if gerr.Details != nil {
		if violations, ok := gerr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, gerr.Message)
	return result
}
