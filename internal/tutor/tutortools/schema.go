package tutortools

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// schemaRegistry lazily compiles the JSON Schema for each tool's input
// payload, mirroring internal/gateway's wsSchemaRegistry pattern.
type schemaRegistry struct {
	once    sync.Once
	initErr error
	schemas map[Name]*jsonschema.Schema
}

var registry schemaRegistry

// inputSchemas holds the raw JSON Schema source for each tool's arguments,
// keyed by tool Name.
var inputSchemas = map[Name]string{
	GenerateQuestion: `{
		"type": "object",
		"properties": {
			"topic": {"type": "object"},
			"history": {"type": "array"}
		},
		"required": ["topic"]
	}`,
	CheckAnswer: `{
		"type": "object",
		"properties": {
			"question": {"type": "object"},
			"student_answer": {"type": "string"}
		},
		"required": ["question", "student_answer"]
	}`,
	DiagnoseError: `{
		"type": "object",
		"properties": {
			"question": {"type": "object"},
			"answer_data": {"type": "object"}
		},
		"required": ["question", "answer_data"]
	}`,
	CreateRemediation: `{
		"type": "object",
		"properties": {
			"topic": {"type": "object"},
			"diagnosis": {"type": "object"}
		},
		"required": ["topic", "diagnosis"]
	}`,
	ProvideHint: `{
		"type": "object",
		"properties": {
			"question": {"type": "object"},
			"context": {"type": "string"},
			"intervention_level": {"type": "string"}
		},
		"required": ["question"]
	}`,
	ExplainConcept: `{
		"type": "object",
		"properties": {
			"topic": {"type": "object"},
			"message": {"type": "string"},
			"history": {"type": "array"}
		},
		"required": ["topic", "message"]
	}`,
	ClassifyIntent: `{
		"type": "object",
		"properties": {
			"message": {"type": "string"},
			"history": {"type": "array"}
		},
		"required": ["message"]
	}`,
}

func initSchemas() error {
	registry.once.Do(func() {
		registry.schemas = make(map[Name]*jsonschema.Schema, len(inputSchemas))
		for name, src := range inputSchemas {
			compiled, err := jsonschema.CompileString(string(name)+"_input.json", src)
			if err != nil {
				registry.initErr = fmt.Errorf("tutortools: compile schema for %s: %w", name, err)
				return
			}
			registry.schemas[name] = compiled
		}
	})
	return registry.initErr
}

// ValidateInput checks input against the JSON Schema registered for name. A
// tool name outside the fixed set is an error in its own right.
func ValidateInput(name Name, input json.RawMessage) error {
	if err := initSchemas(); err != nil {
		return err
	}
	schema, ok := registry.schemas[name]
	if !ok {
		return &UnknownToolError{Name: name}
	}

	var payload any
	if err := json.Unmarshal(input, &payload); err != nil {
		return fmt.Errorf("tutortools: invalid JSON input for %s: %w", name, err)
	}
	if err := schema.Validate(payload); err != nil {
		return fmt.Errorf("tutortools: %s input failed validation: %w", name, err)
	}
	return nil
}
