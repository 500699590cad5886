package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas
var embeddedSchemas embed.FS

// SchemaRegistry validates event payloads against their embedded JSON
// schemas. Events without a registered schema pass through unvalidated.
type SchemaRegistry struct {
	schemas map[string]*jsonschema.Schema
}

// NewSchemaRegistry compiles every embedded schema eagerly so a broken
// schema fails startup, not a live run.
func NewSchemaRegistry() (*SchemaRegistry, error) {
	compiler := jsonschema.NewCompiler()
	names := map[string]string{}

	entries, err := fs.ReadDir(embeddedSchemas, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read event schemas: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		file := path.Join("schemas", entry.Name())
		raw, err := embeddedSchemas.ReadFile(file)
		if err != nil {
			return nil, err
		}
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("parse event schema %s: %w", file, err)
		}
		if err := compiler.AddResource(file, doc); err != nil {
			return nil, fmt.Errorf("register event schema %s: %w", file, err)
		}
		// repo-style: conversation.state.changed.json -> conversation.state.changed
		names[strings.TrimSuffix(entry.Name(), ".json")] = file
	}

	registry := &SchemaRegistry{schemas: make(map[string]*jsonschema.Schema, len(names))}
	for eventType, file := range names {
		schema, err := compiler.Compile(file)
		if err != nil {
			return nil, fmt.Errorf("compile event schema %s: %w", file, err)
		}
		registry.schemas[eventType] = schema
	}
	return registry, nil
}

// Validate checks payload against the schema registered for eventType.
// A nil error means valid or no schema registered.
func (r *SchemaRegistry) Validate(eventType string, payload json.RawMessage) error {
	schema, ok := r.schemas[eventType]
	if !ok {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("event %s fails schema: %w", eventType, err)
	}
	return nil
}

// Has reports whether a schema is registered for eventType.
func (r *SchemaRegistry) Has(eventType string) bool {
	_, ok := r.schemas[eventType]
	return ok
}
