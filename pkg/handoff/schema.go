package handoff

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schemas holds compiled JSON Schemas for handoff data bodies, keyed by
// handoff type. Types without a schema skip the check.
type Schemas map[string]*jsonschema.Schema

// CompileSchema compiles a JSON Schema document for handoffType.
func CompileSchema(handoffType string, doc []byte) (*jsonschema.Schema, error) {
	var schemaDoc any
	if err := json.Unmarshal(doc, &schemaDoc); err != nil {
		return nil, fmt.Errorf("invalid JSON schema for handoff type %q: %w", handoffType, err)
	}

	url := handoffType + ".schema.json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, schemaDoc); err != nil {
		return nil, fmt.Errorf("invalid JSON schema for handoff type %q: %w", handoffType, err)
	}

	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema for handoff type %q: %w", handoffType, err)
	}
	return schema, nil
}

// LoadSchemas reads and compiles one schema file per handoff type.
func LoadSchemas(paths map[string]string) (Schemas, error) {
	out := make(Schemas, len(paths))
	for handoffType, path := range paths {
		doc, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema for handoff type %q: %w", handoffType, err)
		}
		schema, err := CompileSchema(handoffType, doc)
		if err != nil {
			return nil, err
		}
		out[handoffType] = schema
	}
	return out, nil
}

// validate checks data against the schema registered for handoffType.
func (s Schemas) validate(handoffType string, data map[string]any) error {
	schema, ok := s[handoffType]
	if !ok {
		return nil
	}

	// Round-trip so the validator sees plain JSON values.
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return err
	}

	return schema.Validate(value)
}
