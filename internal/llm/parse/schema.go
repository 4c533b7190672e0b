package parse

import (
	"fmt"
	"os"

	"github.com/kaptinlin/jsonschema"

	llmerrors "github.com/codermillat/setforge/internal/llm/errors"
)

// SchemaValidator checks extracted payloads against a JSON Schema loaded
// from a static file. A violation is classified like a malformed response:
// retryable at the request level, since the model may conform on retry.
type SchemaValidator struct {
	schema *jsonschema.Schema
	path   string
}

// LoadSchema compiles a JSON Schema file into a validator.
func LoadSchema(path string) (*SchemaValidator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(data)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", path, err)
	}

	return &SchemaValidator{schema: schema, path: path}, nil
}

// Validate checks the payload's raw JSON against the schema.
func (v *SchemaValidator) Validate(p *Payload) error {
	result := v.schema.ValidateJSON([]byte(p.Raw))
	if result.IsValid() {
		return nil
	}
	return &llmerrors.ParseError{
		Message: fmt.Sprintf("payload violates schema %s: %v", v.path, result.Errors),
		Snippet: snippet(p.Raw),
	}
}
