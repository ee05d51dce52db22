package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// printer renders jsonschema error kinds into plain English messages
var printer = message.NewPrinter(language.English)

// SchemaValidator validates values against a JSON schema document.
// The schema is compiled exactly once at construction; Validate is a pure
// function after that and is safe for concurrent use.
type SchemaValidator struct {
	subject  string
	compiled *jsonschema.Schema
}

// ValidationResult is the outcome of a single Validate call
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Issues []ValidationIssue `json:"issues,omitempty"`
}

// NewSchemaValidator compiles a schema document. Object schemas are closed
// sets: unless the document sets additionalProperties itself, unknown keys
// are rejected.
func NewSchemaValidator(subject string, schema map[string]interface{}) (*SchemaValidator, error) {
	if schema == nil {
		// No schema means no contract; everything validates.
		return &SchemaValidator{subject: subject}, nil
	}

	doc := closeSchema(schema)

	// Round-trip so nested values are in the decoded-JSON form the
	// compiler expects (json.Number for numerics).
	normalized, err := normalizeJSON(doc)
	if err != nil {
		return nil, fmt.Errorf("normalizing %s schema: %w", subject, err)
	}

	compiler := jsonschema.NewCompiler()
	// Path-escape the subject: it is human-readable text ("phase message")
	// and the resource identifier must parse as a URL.
	resource := fmt.Sprintf("inline:///%s.json", url.PathEscape(subject))
	if err := compiler.AddResource(resource, normalized); err != nil {
		return nil, fmt.Errorf("adding %s schema resource: %w", subject, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compiling %s schema: %w", subject, err)
	}

	return &SchemaValidator{subject: subject, compiled: compiled}, nil
}

// Validate checks a value against the compiled schema. The result lists
// every failure as an ordered (path, message) pair.
func (v *SchemaValidator) Validate(value interface{}) ValidationResult {
	if v.compiled == nil {
		return ValidationResult{Valid: true}
	}

	normalized, err := normalizeJSON(value)
	if err != nil {
		return ValidationResult{
			Valid:  false,
			Issues: []ValidationIssue{{Path: "/", Message: fmt.Sprintf("value is not JSON-serializable: %v", err)}},
		}
	}

	if err := v.compiled.Validate(normalized); err != nil {
		ve, ok := err.(*jsonschema.ValidationError)
		if !ok {
			return ValidationResult{
				Valid:  false,
				Issues: []ValidationIssue{{Path: "/", Message: err.Error()}},
			}
		}
		var issues []ValidationIssue
		collectIssues(ve, &issues)
		return ValidationResult{Valid: false, Issues: issues}
	}

	return ValidationResult{Valid: true}
}

// MustValidate returns a *ValidationError when validation fails, nil otherwise
func (v *SchemaValidator) MustValidate(value interface{}) error {
	result := v.Validate(value)
	if result.Valid {
		return nil
	}
	return &ValidationError{Subject: v.subject, Issues: result.Issues}
}

// collectIssues flattens the validation error tree into leaf issues,
// preserving the order the validator reported them in.
func collectIssues(ve *jsonschema.ValidationError, issues *[]ValidationIssue) {
	if len(ve.Causes) == 0 {
		path := "/" + strings.Join(ve.InstanceLocation, "/")
		*issues = append(*issues, ValidationIssue{
			Path:    path,
			Message: ve.ErrorKind.LocalizedString(printer),
		})
		return
	}
	for _, cause := range ve.Causes {
		collectIssues(cause, issues)
	}
}

// closeSchema returns a copy of an object schema with additionalProperties
// forced to false wherever the author did not state a preference. The
// closing recurses through nested object subschemas so unknown keys are
// rejected at every depth, not just the document root.
func closeSchema(schema map[string]interface{}) map[string]interface{} {
	closed := make(map[string]interface{}, len(schema)+1)
	for key, value := range schema {
		switch key {
		case "properties", "patternProperties", "$defs", "definitions":
			if members, ok := value.(map[string]interface{}); ok {
				sub := make(map[string]interface{}, len(members))
				for name, member := range members {
					sub[name] = closeSubschema(member)
				}
				closed[key] = sub
				continue
			}
		case "items", "additionalProperties", "not":
			closed[key] = closeSubschema(value)
			continue
		case "allOf", "anyOf", "oneOf":
			if list, ok := value.([]interface{}); ok {
				subs := make([]interface{}, len(list))
				for i, member := range list {
					subs[i] = closeSubschema(member)
				}
				closed[key] = subs
				continue
			}
		}
		closed[key] = value
	}

	typ, _ := schema["type"].(string)
	_, hasProps := schema["properties"]
	_, declared := schema["additionalProperties"]
	if !declared && (typ == "object" || hasProps) {
		closed["additionalProperties"] = false
	}
	return closed
}

// closeSubschema recurses into a value that may itself be a schema.
// Booleans (valid JSON Schema) and tuple-form items pass through with
// their members closed; anything else is returned untouched.
func closeSubschema(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return closeSchema(v)
	case []interface{}:
		subs := make([]interface{}, len(v))
		for i, member := range v {
			subs[i] = closeSubschema(member)
		}
		return subs
	default:
		return value
	}
}

// normalizeJSON round-trips a value through JSON so the validator sees
// decoded-JSON types regardless of how the value was constructed in Go.
func normalizeJSON(value interface{}) (interface{}, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(raw))
}
