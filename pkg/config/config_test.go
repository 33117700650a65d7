package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/wilhg/statestore/pkg/errmodel"
	"github.com/wilhg/statestore/pkg/fsm"
	_ "github.com/wilhg/statestore/pkg/store/memstore"
)

var proposalFSM = &fsm.Definition{
	Initial: "DRAFT",
	Transitions: map[string][]string{
		"DRAFT":     {"SUBMITTED"},
		"SUBMITTED": {"APPROVED", "REJECTED"},
		"APPROVED":  {},
	},
}

func TestFromEnv(t *testing.T) {
	t.Setenv("STATESTORE_STORE_URL", "redis://localhost:6379/0")
	t.Setenv("STATESTORE_TLS", "true")
	t.Setenv("STATESTORE_NAMESPACE", " proposals ")
	t.Setenv("STATESTORE_FSM", `{"initial":"DRAFT","transitions":{"DRAFT":["SUBMITTED"],"SUBMITTED":["APPROVED","REJECTED"],"APPROVED":[]}}`)
	t.Setenv("STATESTORE_DATA_SCHEMA", `{"type":"object"}`)

	b, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	want := &Binding{
		StoreURL:   "redis://localhost:6379/0",
		UseTLS:     true,
		Namespace:  "proposals",
		FSM:        proposalFSM,
		DataSchema: []byte(`{"type":"object"}`),
	}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Fatalf("binding (-want +got):\n%s", diff)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestFromEnvRedisURLAlias(t *testing.T) {
	t.Setenv("STATESTORE_STORE_URL", "")
	t.Setenv("STATESTORE_REDIS_URL", "rediss://cache:6380")
	b, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if b.StoreURL != "rediss://cache:6380" {
		t.Fatalf("store url = %q", b.StoreURL)
	}
}

func TestFromEnvRejectsBadFSM(t *testing.T) {
	t.Setenv("STATESTORE_FSM", `{"initial":""}`)
	_, err := FromEnv()
	if !errmodel.IsCode(err, errmodel.CodeInvalidFSM) {
		t.Fatalf("err = %v, want INVALID_FSM", err)
	}
}

func TestParseYAMLMapping(t *testing.T) {
	doc := `
store_url: sqlite:file:state.db
namespace: proposals
fsm:
  initial: DRAFT
  transitions:
    DRAFT: [SUBMITTED]
    SUBMITTED: [APPROVED, REJECTED]
    APPROVED: []
data_schema:
  type: object
  required: [data]
`
	b, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(proposalFSM, b.FSM); diff != "" {
		t.Fatalf("fsm (-want +got):\n%s", diff)
	}
	if got := string(b.DataSchema); got != `{"required":["data"],"type":"object"}` {
		t.Fatalf("schema = %s", got)
	}
	if err := b.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestParseYAMLJSONString(t *testing.T) {
	doc := `
redis_url: redis://localhost:6379
tls: true
namespace: ns
fsm: '{"initial":"A","transitions":{"A":["B"]}}'
`
	b, err := Parse([]byte(doc))
	if err != nil {
		t.Fatal(err)
	}
	want := &fsm.Definition{Initial: "A", Transitions: map[string][]string{"A": {"B"}}}
	if diff := cmp.Diff(want, b.FSM); diff != "" {
		t.Fatalf("fsm (-want +got):\n%s", diff)
	}
	if b.StoreURL != "redis://localhost:6379" || !b.UseTLS {
		t.Fatalf("binding = %+v", b)
	}
	if b.DataSchema != nil {
		t.Fatalf("schema = %s, want none", b.DataSchema)
	}
}

func TestParseYAMLErrors(t *testing.T) {
	cases := map[string]string{
		"fsm list":          "fsm: [a, b]\n",
		"fsm bad element":   "fsm:\n  initial: A\n  transitions:\n    A: [1]\n",
		"fsm bad json":      "fsm: '{not json'\n",
		"yaml syntax":       "namespace: [unclosed\n",
		"schema as a list":  "data_schema: [1]\n",
		"transitions shape": "fsm:\n  initial: A\n  transitions: x\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "statestore.yaml")
	if err := os.WriteFile(path, []byte("store_url: mem://cfg\nnamespace: ns\nfsm:\n  initial: A\n  transitions: {}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	b, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if b.Namespace != "ns" || b.FSM.Initial != "A" {
		t.Fatalf("binding = %+v", b)
	}
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		b       Binding
		wantMsg []string
	}{
		{
			name:    "everything missing",
			b:       Binding{},
			wantMsg: []string{"Redis URL is required", "Namespace is required"},
		},
		{
			name:    "url without scheme",
			b:       Binding{StoreURL: "localhost", Namespace: "ns", FSM: proposalFSM},
			wantMsg: []string{"has no scheme"},
		},
		{
			name:    "bad fsm",
			b:       Binding{StoreURL: "mem://x", Namespace: "ns", FSM: &fsm.Definition{}},
			wantMsg: []string{"Invalid FSM: initial: must be a non-empty string"},
		},
		{
			name:    "bad schema",
			b:       Binding{StoreURL: "mem://x", Namespace: "ns", FSM: proposalFSM, DataSchema: []byte(`{"type":5}`)},
			wantMsg: []string{"compile data schema"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.b.Validate()
			ce := errmodel.From(err)
			if ce == nil || ce.Code != errmodel.CodeInvalidConfig {
				t.Fatalf("err = %v, want INVALID_CONFIG", err)
			}
			for _, m := range tc.wantMsg {
				if !strings.Contains(ce.Message, m) {
					t.Fatalf("message %q does not mention %q", ce.Message, m)
				}
			}
		})
	}
}

func TestValidateWithoutFSM(t *testing.T) {
	b := Binding{StoreURL: "mem://no-fsm", Namespace: "ns"}
	if err := b.Validate(); err != nil {
		t.Fatalf("binding without fsm rejected: %v", err)
	}
	if err := (&Binding{}).Validate(); err == nil || strings.Contains(err.Error(), "FSM") {
		t.Fatalf("empty binding: err = %v, want no FSM complaint", err)
	}
	rb, err := b.Repository()
	if err != nil || rb.FSM != nil {
		t.Fatalf("repository binding = %+v, %v", rb, err)
	}
}

func TestRepositoryBinding(t *testing.T) {
	b := Binding{Namespace: "ns", FSM: proposalFSM, DataSchema: []byte(`{"type":"object"}`)}
	rb, err := b.Repository()
	if err != nil {
		t.Fatal(err)
	}
	if rb.Namespace != "ns" || rb.FSM != proposalFSM || rb.Validator == nil {
		t.Fatalf("repository binding = %+v", rb)
	}
	if rb.InitialState() != "DRAFT" {
		t.Fatalf("initial = %q", rb.InitialState())
	}
}

func TestCheck(t *testing.T) {
	ctx := context.Background()
	ok := Binding{StoreURL: "mem://config-check"}
	if err := ok.Check(ctx); err != nil {
		t.Fatalf("Check: %v", err)
	}
	bad := Binding{StoreURL: "nosuch://host"}
	err := bad.Check(ctx)
	ce := errmodel.From(err)
	if ce == nil || ce.Code != errmodel.CodeStoreUnavailable {
		t.Fatalf("err = %v, want STORE_UNAVAILABLE", err)
	}
	if !strings.HasPrefix(ce.Message, "Failed to connect to store: ") {
		t.Fatalf("message = %q", ce.Message)
	}
}
