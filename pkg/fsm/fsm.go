// Package fsm validates conversation state transitions against a declarative
// transition table, and validates the table itself.
//
// A Definition maps each state to the states reachable from it. A state with
// no entry in the table is unrestricted: any next state is accepted. A state
// mapped to an empty list admits no transition at all. There is no implicit
// self transition; "A" -> "A" must be listed like any other edge.
package fsm

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/wilhg/statestore/internal/jsonshape"
	"github.com/wilhg/statestore/pkg/errmodel"
)

// Definition is one namespace's state machine.
type Definition struct {
	Initial     string              `json:"initial" yaml:"initial"`
	Transitions map[string][]string `json:"transitions" yaml:"transitions"`
}

// Allowed returns the next states listed for state. ok is false when the
// state has no entry, meaning it is unrestricted.
func (d *Definition) Allowed(state string) (next []string, ok bool) {
	if d == nil || d.Transitions == nil {
		return nil, false
	}
	next, ok = d.Transitions[state]
	return next, ok
}

// States returns the sorted set of every state named by the definition.
func (d *Definition) States() []string {
	if d == nil {
		return nil
	}
	seen := map[string]struct{}{}
	if d.Initial != "" {
		seen[d.Initial] = struct{}{}
	}
	for from, tos := range d.Transitions {
		seen[from] = struct{}{}
		for _, to := range tos {
			seen[to] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ValidateTransition reports whether moving from current to next is allowed
// by def. A nil definition, or one without transitions, allows everything.
// Rejections are *errmodel.Error values with code INVALID_TRANSITION.
func ValidateTransition(current, next string, def *Definition) error {
	allowed, ok := def.Allowed(current)
	if !ok {
		return nil
	}
	if slices.Contains(allowed, next) {
		return nil
	}
	msg := fmt.Sprintf("Invalid transition from \"%s\" to \"%s\". Allowed states: %s", current, next, strings.Join(allowed, ", "))
	return errmodel.Validation(errmodel.CodeInvalidTransition, msg, map[string]any{
		"from":    current,
		"to":      next,
		"allowed": allowed,
	})
}

// ValidateDefinition checks that raw is a well-formed definition. See
// ParseDefinition for accepted shapes. A nil or empty input is valid: no FSM
// configured is a legal state.
func ValidateDefinition(raw any) error {
	_, err := ParseDefinition(raw)
	return err
}

// ParseDefinition decodes and validates a definition. raw may be nil, a
// Definition or *Definition, a decoded JSON object (map[string]any), or JSON
// text as string, []byte or json.RawMessage. It returns (nil, nil) when no
// definition is supplied.
func ParseDefinition(raw any) (*Definition, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case *Definition:
		if v == nil {
			return nil, nil
		}
		return v, validateTyped(v)
	case Definition:
		return &v, validateTyped(&v)
	case string:
		return parseText([]byte(v))
	case []byte:
		return parseText(v)
	case json.RawMessage:
		return parseText(v)
	default:
		return fromGeneric(v)
	}
}

// definitionSchema is the shape accepted from configuration.
var definitionSchema = jsonshape.MustCompile("mem://fsm.json", []byte(`{
	"type": "object",
	"required": ["initial", "transitions"],
	"properties": {
		"initial": {"type": "string", "minLength": 1},
		"transitions": {
			"type": "object",
			"propertyNames": {"minLength": 1},
			"additionalProperties": {
				"type": "array",
				"items": {"type": "string", "minLength": 1}
			}
		}
	}
}`))

func parseText(b []byte) (*Definition, error) {
	if strings.TrimSpace(string(b)) == "" {
		return nil, nil
	}
	doc, err := jsonshape.Decode(b)
	if err != nil {
		return nil, invalid(err.Error())
	}
	return fromDocument(doc)
}

// fromGeneric accepts decoded documents of any Go shape, such as YAML maps.
func fromGeneric(v any) (*Definition, error) {
	doc, err := jsonshape.Normalize(v)
	if err != nil {
		return nil, invalid(err.Error())
	}
	return fromDocument(doc)
}

// fromDocument validates a generic JSON document and converts it. Every
// issue is reported, not just the first.
func fromDocument(doc any) (*Definition, error) {
	if issues := definitionSchema.Check(doc); len(issues) > 0 {
		for i, is := range issues {
			if is.Keyword == "propertyNames" {
				issues[i].Path, issues[i].Message = "transitions", "state names must be non-empty"
			}
		}
		return nil, invalid(jsonshape.Join(issues))
	}
	obj := doc.(map[string]any)
	transitions := obj["transitions"].(map[string]any)
	def := &Definition{
		Initial:     obj["initial"].(string),
		Transitions: make(map[string][]string, len(transitions)),
	}
	for from, list := range transitions {
		items := list.([]any)
		next := make([]string, 0, len(items))
		for _, to := range items {
			next = append(next, to.(string))
		}
		def.Transitions[from] = next
	}
	return def, nil
}

func validateTyped(d *Definition) error {
	var issues []string
	if d.Initial == "" {
		issues = append(issues, "initial: must be a non-empty string")
	}
	froms := make([]string, 0, len(d.Transitions))
	for from := range d.Transitions {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		if from == "" {
			issues = append(issues, "transitions: state names must be non-empty")
		}
		for i, to := range d.Transitions[from] {
			if to == "" {
				issues = append(issues, fmt.Sprintf("transitions.%s[%d]: must be a non-empty string", from, i))
			}
		}
	}
	if len(issues) > 0 {
		return invalid(strings.Join(issues, "; "))
	}
	return nil
}

func invalid(detail string) *errmodel.Error {
	return errmodel.Validation(errmodel.CodeInvalidFSM, "Invalid FSM: "+detail, nil)
}
