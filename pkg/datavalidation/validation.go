// Package datavalidation checks conversation records against an optional
// per-namespace JSON Schema. The schema sees the whole record,
// {"state": ..., "data": {...}}, so it can constrain data per state.
package datavalidation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/wilhg/statestore/pkg/conversation"
	"github.com/wilhg/statestore/pkg/errmodel"
)

const schemaURL = "mem://conversation.schema.json"

// Validator validates conversations against one compiled schema.
// A nil *Validator accepts everything.
type Validator struct {
	schema *jsonschema.Schema
}

// Compile compiles schema. Empty input yields a nil Validator and no error.
func Compile(schema []byte) (*Validator, error) {
	if len(bytes.TrimSpace(schema)) == 0 {
		return nil, nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse data schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("load data schema: %w", err)
	}
	sch, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile data schema: %w", err)
	}
	return &Validator{schema: sch}, nil
}

// Validate returns an INVALID_DATA validation error when c does not match
// the schema.
func (v *Validator) Validate(c conversation.Conversation) error {
	if v == nil || v.schema == nil {
		return nil
	}
	// Round-trip to the generic form the validator expects.
	b, err := json.Marshal(c)
	if err != nil {
		return errmodel.Validation(errmodel.CodeInvalidData, "JSON Schema validation failed: "+err.Error(), nil)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return errmodel.Validation(errmodel.CodeInvalidData, "JSON Schema validation failed: "+err.Error(), nil)
	}
	err = v.schema.Validate(inst)
	if err == nil {
		return nil
	}
	return errmodel.Validation(errmodel.CodeInvalidData, "JSON Schema validation failed: "+describe(err), nil)
}

// describe flattens a validation error to "<instance path>: <reason>" parts.
func describe(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	out := ve.BasicOutput()
	var parts []string
	for _, u := range out.Errors {
		if u.Error == nil {
			continue
		}
		parts = append(parts, location(u.InstanceLocation)+": "+u.Error.String())
	}
	if len(parts) == 0 && out.Error != nil {
		parts = append(parts, location(out.InstanceLocation)+": "+out.Error.String())
	}
	if len(parts) == 0 {
		return err.Error()
	}
	return strings.Join(parts, "; ")
}

func location(ptr string) string {
	if ptr == "" {
		return "/"
	}
	return ptr
}

// CompileJSONSchema compiles the provided JSON schema and returns error only if the schema is invalid.
// It does not validate any instance data.
func CompileJSONSchema(schema []byte) error {
	_, err := Compile(schema)
	return err
}
