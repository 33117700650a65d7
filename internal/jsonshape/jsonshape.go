// Package jsonshape checks decoded JSON documents against compiled JSON
// Schemas and flattens the failures into path-addressed issues such as
// "transitions.A[1]: expected string, got number".
package jsonshape

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// Schema is a compiled schema.
type Schema struct {
	s *jsonschema.Schema
}

// Issue is one failing leaf of a validation.
type Issue struct {
	// Path is dotted with bracketed array indexes; empty for the document root.
	Path string
	// Keyword is the schema keyword that failed, e.g. "type" or "required".
	Keyword string
	Message string
}

func (i Issue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// Compile parses and compiles schema, registering it under url.
func Compile(url string, schema []byte) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return &Schema{s: s}, nil
}

// MustCompile is Compile for schemas embedded in the binary.
func MustCompile(url string, schema []byte) *Schema {
	s, err := Compile(url, schema)
	if err != nil {
		panic(fmt.Sprintf("jsonshape: %s: %v", url, err))
	}
	return s
}

// Decode parses b into the generic form Check expects. Numbers stay
// json.Number so large integers keep their precision.
func Decode(b []byte) (any, error) {
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// Normalize round-trips v through JSON so typed Go values (structs, typed
// maps and slices) become maps, slices and scalars.
func Normalize(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Decode(b)
}

// Check validates doc and returns every issue ordered by path. It returns
// nil when doc conforms.
func (s *Schema) Check(doc any) []Issue {
	err := s.s.Validate(doc)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []Issue{{Message: err.Error()}}
	}
	var out []Issue
	collect(doc, ve, &out)
	slices.SortStableFunc(out, func(a, b Issue) int { return cmp.Compare(a.Path, b.Path) })
	return out
}

// Join renders issues as one "; "-separated line.
func Join(issues []Issue) string {
	parts := make([]string, len(issues))
	for i, is := range issues {
		parts[i] = is.String()
	}
	return strings.Join(parts, "; ")
}

func collect(doc any, e *jsonschema.ValidationError, out *[]Issue) {
	switch k := e.ErrorKind.(type) {
	case *kind.Required:
		for _, name := range k.Missing {
			loc := append(slices.Clone(e.InstanceLocation), name)
			*out = append(*out, Issue{Path: render(doc, loc), Keyword: "required", Message: "is required"})
		}
		return
	case *kind.PropertyNames:
		// The library reports property name failures without the location
		// of the owning object.
		*out = append(*out, Issue{Keyword: "propertyNames", Message: fmt.Sprintf("invalid property name %q", k.Property)})
		return
	}
	if len(e.Causes) > 0 {
		for _, c := range e.Causes {
			collect(doc, c, out)
		}
		return
	}
	*out = append(*out, Issue{
		Path:    render(doc, e.InstanceLocation),
		Keyword: strings.Join(e.ErrorKind.KeywordPath(), "/"),
		Message: describe(e.ErrorKind),
	})
}

func describe(k jsonschema.ErrorKind) string {
	switch k := k.(type) {
	case *kind.Type:
		return fmt.Sprintf("expected %s, got %s", strings.Join(k.Want, " or "), k.Got)
	case *kind.MinLength:
		if k.Want == 1 {
			return "must be a non-empty string"
		}
	}
	return k.LocalizedString(printer)
}

// render turns instance location tokens into a dotted path, using doc to
// tell array indexes from object keys.
func render(doc any, loc []string) string {
	var sb strings.Builder
	cur := doc
	for _, tok := range loc {
		if arr, ok := cur.([]any); ok {
			sb.WriteString("[" + tok + "]")
			cur = nil
			if i, err := strconv.Atoi(tok); err == nil && i >= 0 && i < len(arr) {
				cur = arr[i]
			}
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(tok)
		obj, _ := cur.(map[string]any)
		cur = obj[tok]
	}
	return sb.String()
}
