package jsonshape

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

const listSchema = `{
	"type": "object",
	"required": ["name", "items"],
	"properties": {
		"name": {"type": "string", "minLength": 1},
		"items": {"type": "array", "items": {"type": "string"}},
		"tags": {"type": "object", "propertyNames": {"minLength": 1}}
	}
}`

func TestCheck(t *testing.T) {
	s := MustCompile("mem://list.json", []byte(listSchema))
	tests := []struct {
		name string
		in   string
		want []Issue
	}{
		{name: "valid", in: `{"name":"a","items":["x"]}`},
		{
			name: "root type",
			in:   `[]`,
			want: []Issue{{Keyword: "type", Message: "expected object, got array"}},
		},
		{
			name: "missing and empty",
			in:   `{"name":""}`,
			want: []Issue{
				{Path: "items", Keyword: "required", Message: "is required"},
				{Path: "name", Keyword: "minLength", Message: "must be a non-empty string"},
			},
		},
		{
			name: "array index",
			in:   `{"name":"a","items":["x",2]}`,
			want: []Issue{{Path: "items[1]", Keyword: "type", Message: "expected string, got number"}},
		},
		{
			name: "property name",
			in:   `{"name":"a","items":[],"tags":{"":1}}`,
			want: []Issue{{Keyword: "propertyNames", Message: `invalid property name ""`}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Decode([]byte(tt.in))
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, s.Check(doc)); diff != "" {
				t.Fatalf("issues (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNormalizeTypedValues(t *testing.T) {
	s := MustCompile("mem://list.json", []byte(listSchema))
	type list struct {
		Name  string   `json:"name"`
		Items []string `json:"items"`
	}
	doc, err := Normalize(list{Name: "a", Items: []string{"x"}})
	if err != nil {
		t.Fatal(err)
	}
	if issues := s.Check(doc); issues != nil {
		t.Fatalf("issues = %v", issues)
	}
}

func TestJoin(t *testing.T) {
	got := Join([]Issue{{Message: "expected object, got null"}, {Path: "a.b[0]", Message: "is required"}})
	if got != "expected object, got null; a.b[0]: is required" {
		t.Fatalf("joined = %q", got)
	}
}

func TestMustCompilePanicsOnBadSchema(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic")
		}
	}()
	MustCompile("mem://bad.json", []byte(`{"type": 12}`))
}
