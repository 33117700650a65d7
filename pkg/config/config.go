// Package config resolves the namespace binding a state store process runs
// under: which store to talk to, which namespace to use, and the FSM and
// optional data schema that govern its conversations.
//
// A binding comes from the environment (STATESTORE_*) or from a YAML file.
// The file is the single source when given; environment variables do not
// override it.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/wilhg/statestore/pkg/datavalidation"
	"github.com/wilhg/statestore/pkg/errmodel"
	"github.com/wilhg/statestore/pkg/fsm"
	"github.com/wilhg/statestore/pkg/repository"
	"github.com/wilhg/statestore/pkg/store"
)

// Binding is the resolved configuration of one namespace.
type Binding struct {
	StoreURL   string
	UseTLS     bool
	Namespace  string
	FSM        *fsm.Definition
	DataSchema json.RawMessage
}

// bindingEnv holds raw env values. FSM and schema are JSON text.
type bindingEnv struct {
	StoreURL   string `env:"STATESTORE_STORE_URL"`
	RedisURL   string `env:"STATESTORE_REDIS_URL"`
	UseTLS     bool   `env:"STATESTORE_TLS"`
	Namespace  string `env:"STATESTORE_NAMESPACE"`
	FSM        string `env:"STATESTORE_FSM"`
	DataSchema string `env:"STATESTORE_DATA_SCHEMA"`
}

// bindingFile is the YAML shape. fsm and data_schema accept either a mapping
// or a string holding JSON.
type bindingFile struct {
	StoreURL   string    `yaml:"store_url"`
	RedisURL   string    `yaml:"redis_url"`
	UseTLS     bool      `yaml:"tls"`
	Namespace  string    `yaml:"namespace"`
	FSM        yaml.Node `yaml:"fsm"`
	DataSchema yaml.Node `yaml:"data_schema"`
}

// FromEnv reads the binding from STATESTORE_* variables. STATESTORE_REDIS_URL
// is accepted when STATESTORE_STORE_URL is unset.
func FromEnv() (*Binding, error) {
	var raw bindingEnv
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	def, err := fsm.ParseDefinition(raw.FSM)
	if err != nil {
		return nil, err
	}
	b := &Binding{
		StoreURL:  firstNonEmpty(raw.StoreURL, raw.RedisURL),
		UseTLS:    raw.UseTLS,
		Namespace: strings.TrimSpace(raw.Namespace),
		FSM:       def,
	}
	if s := strings.TrimSpace(raw.DataSchema); s != "" {
		b.DataSchema = json.RawMessage(s)
	}
	return b, nil
}

// LoadFile reads the binding from a YAML file.
func LoadFile(path string) (*Binding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	b, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// Parse decodes a YAML binding document.
func Parse(data []byte) (*Binding, error) {
	var raw bindingFile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	fsmDoc, err := nodeValue(&raw.FSM)
	if err != nil {
		return nil, fmt.Errorf("fsm: %w", err)
	}
	def, err := fsm.ParseDefinition(fsmDoc)
	if err != nil {
		return nil, err
	}
	b := &Binding{
		StoreURL:  firstNonEmpty(raw.StoreURL, raw.RedisURL),
		UseTLS:    raw.UseTLS,
		Namespace: strings.TrimSpace(raw.Namespace),
		FSM:       def,
	}
	schemaDoc, err := nodeValue(&raw.DataSchema)
	if err != nil {
		return nil, fmt.Errorf("data_schema: %w", err)
	}
	switch v := schemaDoc.(type) {
	case nil:
	case string:
		if s := strings.TrimSpace(v); s != "" {
			b.DataSchema = json.RawMessage(s)
		}
	default:
		js, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("data_schema: %w", err)
		}
		b.DataSchema = js
	}
	return b, nil
}

// nodeValue returns a scalar node as its string and a mapping as a generic
// document. An absent or null node is nil.
func nodeValue(n *yaml.Node) (any, error) {
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if n.Tag == "!!null" {
			return nil, nil
		}
		return n.Value, nil
	case yaml.MappingNode:
		var doc map[string]any
		if err := n.Decode(&doc); err != nil {
			return nil, err
		}
		return doc, nil
	default:
		return nil, fmt.Errorf("line %d: expected a mapping or a JSON string", n.Line)
	}
}

// Validate checks that the binding can serve requests. Every problem is
// reported in one INVALID_CONFIG error.
func (b *Binding) Validate() error {
	var issues []string
	if strings.TrimSpace(b.StoreURL) == "" {
		issues = append(issues, "Redis URL is required")
	} else if _, err := store.Scheme(b.StoreURL); err != nil {
		issues = append(issues, err.Error())
	}
	if b.Namespace == "" {
		issues = append(issues, "Namespace is required")
	}
	// No FSM is legal: new conversations start in conversation.UnknownState.
	if err := fsm.ValidateDefinition(b.FSM); err != nil {
		issues = append(issues, errmodel.From(err).Message)
	}
	if len(b.DataSchema) > 0 {
		if err := datavalidation.CompileJSONSchema(b.DataSchema); err != nil {
			issues = append(issues, errmodel.From(err).Message)
		}
	}
	if len(issues) > 0 {
		return errmodel.Validation(errmodel.CodeInvalidConfig, strings.Join(issues, "; "), nil)
	}
	return nil
}

// StoreOptions returns the connection options for the binding's store.
func (b *Binding) StoreOptions() store.Options {
	return store.Options{TLS: b.UseTLS}
}

// Repository compiles the data schema and returns the repository binding.
func (b *Binding) Repository() (repository.Binding, error) {
	v, err := datavalidation.Compile(b.DataSchema)
	if err != nil {
		return repository.Binding{}, err
	}
	return repository.Binding{Namespace: b.Namespace, FSM: b.FSM, Validator: v}, nil
}

// Check dials the store and pings it.
func (b *Binding) Check(ctx context.Context) error {
	be, err := store.Open(ctx, b.StoreURL, b.StoreOptions())
	if err != nil {
		return errmodel.Unavailable(err, map[string]any{"store_url": store.Redact(b.StoreURL)})
	}
	defer be.Close()
	if err := be.Ping(ctx); err != nil {
		return errmodel.Unavailable(err, map[string]any{"store_url": store.Redact(b.StoreURL)})
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
