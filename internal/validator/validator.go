// Package validator provides JSON schema validation for pipeline
// definitions.
package validator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validator validates pipeline definition documents.
type Validator struct {
	pipelineSchema *jsonschema.Schema
}

// ValidationError represents a validation failure.
type ValidationError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// ValidationResult holds the result of a validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// New creates a new validator with the embedded schema.
func New() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	if err := compiler.AddResource("pipeline.json", strings.NewReader(pipelineSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add pipeline schema: %w", err)
	}
	pipelineSchema, err := compiler.Compile("pipeline.json")
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	return &Validator{pipelineSchema: pipelineSchema}, nil
}

// ValidatePipeline validates a decoded pipeline document.
func (v *Validator) ValidatePipeline(pipeline map[string]interface{}) *ValidationResult {
	return v.validate(v.pipelineSchema, pipeline)
}

// ValidatePipelineJSON validates a JSON-encoded pipeline document.
func (v *Validator) ValidatePipelineJSON(data []byte) *ValidationResult {
	var pipeline map[string]interface{}
	if err := json.Unmarshal(data, &pipeline); err != nil {
		return &ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{Path: "$", Message: fmt.Sprintf("invalid JSON: %v", err)},
			},
		}
	}
	return v.ValidatePipeline(pipeline)
}

// validate runs schema validation and converts errors.
func (v *Validator) validate(schema *jsonschema.Schema, data interface{}) *ValidationResult {
	err := schema.Validate(data)
	if err == nil {
		return &ValidationResult{Valid: true}
	}

	result := &ValidationResult{Valid: false}
	if verr, ok := err.(*jsonschema.ValidationError); ok {
		result.Errors = extractErrors(verr)
	} else {
		result.Errors = []ValidationError{
			{Path: "$", Message: err.Error()},
		}
	}
	return result
}

// extractErrors recursively extracts validation errors.
func extractErrors(verr *jsonschema.ValidationError) []ValidationError {
	var errors []ValidationError

	if verr.Message != "" {
		errors = append(errors, ValidationError{
			Path:    verr.InstanceLocation,
			Message: verr.Message,
		})
	}
	for _, cause := range verr.Causes {
		errors = append(errors, extractErrors(cause)...)
	}
	return errors
}

// Embedded JSON schema

const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "pipeline.json",
  "title": "Pipeline Definition",
  "description": "Schema for conveyor pipeline definitions",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": {
      "type": "string",
      "pattern": "^[a-zA-Z][a-zA-Z0-9._-]*$",
      "description": "Unique pipeline identifier"
    },
    "name": {
      "type": "string",
      "description": "Human-readable pipeline name"
    },
    "version": {
      "type": "string",
      "description": "Pipeline definition version"
    },
    "on_error": {
      "type": "string",
      "enum": ["stop", "continue", "retry"],
      "description": "Pipeline-level continuation policy"
    },
    "max_retries": {
      "type": "integer",
      "minimum": 0
    },
    "timeout": {
      "type": "integer",
      "minimum": 0,
      "description": "Whole-pipeline timeout in nanoseconds"
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "provider"],
        "properties": {
          "id": {
            "type": "string",
            "pattern": "^[a-zA-Z][a-zA-Z0-9._-]*$",
            "description": "Step identifier, unique within the pipeline"
          },
          "name": {"type": "string"},
          "kind": {"type": "string"},
          "provider": {
            "type": "string",
            "minLength": 1,
            "description": "Registered provider name"
          },
          "config": {"type": "object"},
          "inputs": {
            "type": "object",
            "description": "Literal values or ${...} references"
          },
          "outputs": {
            "type": "array",
            "items": {"type": "string"}
          },
          "depends_on": {
            "type": "array",
            "items": {"type": "string"},
            "description": "Step IDs this step waits for"
          },
          "condition": {
            "type": "string",
            "description": "Expression gating step execution"
          },
          "retry": {
            "type": "object",
            "properties": {
              "max_attempts": {"type": "integer", "minimum": 1},
              "delay": {"type": "integer", "minimum": 0},
              "backoff": {"type": "string", "enum": ["linear", "exponential"]}
            }
          },
          "timeout": {
            "type": "integer",
            "minimum": 0,
            "description": "Per-step timeout in nanoseconds"
          }
        }
      }
    }
  }
}`
