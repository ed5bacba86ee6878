package submission

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	MinAmount = 1000
	MaxAmount = 500000
)

const intakeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["fullName", "email", "phone", "amount"],
  "properties": {
    "fullName": {"type": "string", "minLength": 2, "maxLength": 120},
    "email": {"type": "string", "pattern": "^[^@\\s]+@[^@\\s]+\\.[^@\\s]+$"},
    "phone": {"type": "string", "pattern": "^[0-9+][0-9 ()-]{5,19}$"},
    "amount": {"type": "number", "minimum": 1000, "maximum": 500000},
    "term": {"type": "integer", "minimum": 1, "maximum": 72},
    "purpose": {"type": "string", "maxLength": 500}
  }
}`

// Validator checks a raw intake body against the loan-application schema and
// produces the normalized payload the writer consumes.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(intakeSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("intake.json", doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("intake.json")
	if err != nil {
		return nil, err
	}
	return &Validator{schema: schema}, nil
}

// Validate parses and validates raw JSON, returning the normalized payload.
// Schema violations are reported as ErrValidation.
func (v *Validator) Validate(raw []byte) (Payload, error) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrValidation, err)
	}
	if err := v.schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrValidation, err)
	}
	normalizePayload(payload)
	return payload, nil
}

// normalizePayload trims string fields and lowercases the email so the
// duplicate fingerprint is stable across cosmetic variations.
func normalizePayload(p Payload) {
	for key, value := range p {
		if s, ok := value.(string); ok {
			p[key] = strings.TrimSpace(s)
		}
	}
	if email, ok := p["email"].(string); ok {
		p["email"] = strings.ToLower(email)
	}
}
