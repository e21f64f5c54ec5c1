package workflow

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// documentSchema is the structural contract for workflow documents,
// checked before decoding so malformed submissions fail with a message
// naming the offending field.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "tasks"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1, "maxLength": 255},
    "version": {"type": "integer", "minimum": 0},
    "description": {"type": "string"},
    "output": {"type": "string"},
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/definitions/task"}
    }
  },
  "definitions": {
    "task": {
      "type": "object",
      "required": ["name", "action"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "minLength": 1, "maxLength": 255},
        "action": {"type": "string", "minLength": 1},
        "input": {"type": "object"},
        "entry": {"type": "boolean"},
        "with_items": {"type": "string", "minLength": 1},
        "join": {
          "oneOf": [
            {"type": "string", "enum": ["none", "all", "one"]},
            {"type": "integer", "minimum": 1}
          ]
        },
        "retry": {
          "type": "object",
          "required": ["max_attempts"],
          "additionalProperties": false,
          "properties": {
            "max_attempts": {"type": "integer", "minimum": 1},
            "delay": {"type": "integer", "minimum": 0},
            "backoff": {"type": "number", "minimum": 1}
          }
        },
        "loop": {
          "type": "object",
          "required": ["max_iterations"],
          "additionalProperties": false,
          "properties": {
            "max_iterations": {"type": "integer", "minimum": 1}
          }
        },
        "on_success": {"$ref": "#/definitions/transitions"},
        "on_error": {"$ref": "#/definitions/transitions"},
        "on_complete": {"$ref": "#/definitions/transitions"}
      }
    },
    "transitions": {
      "type": "array",
      "items": {
        "oneOf": [
          {"type": "string", "minLength": 1},
          {
            "type": "object",
            "required": ["task"],
            "additionalProperties": false,
            "properties": {
              "task": {"type": "string", "minLength": 1},
              "when": {"type": "string"}
            }
          }
        ]
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(documentSchema)

// validateDocument checks a JSON document against the workflow schema.
func validateDocument(doc []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return errors.Wrap(err, "failed to validate workflow document")
	}
	if result.Valid() {
		return nil
	}
	details := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		details = append(details, desc.String())
	}
	return errors.Errorf("invalid workflow document: %s", strings.Join(details, "; "))
}
