// Package profile loads the declarative per-engine adapter profiles. A
// profile is a JSON document validated against an embedded schema; it is the
// only engine-specific knowledge outside the adapter implementations.
package profile

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

//go:embed profiles
var embedded embed.FS

const schemaFile = "profile.schema.json"

// SessionStrategy names a session-handle extraction strategy.
type SessionStrategy string

const (
	SessionFirstJSONLine    SessionStrategy = "first_json_line"
	SessionJSONLinesScan    SessionStrategy = "json_lines_scan"
	SessionJSONRecursiveKey SessionStrategy = "json_recursive_key"
	SessionRegexExtract     SessionStrategy = "regex_extract"
)

// Profile is one engine's declarative adapter configuration.
type Profile struct {
	Engine v1.Engine `json:"engine"`

	Prompt struct {
		// TemplatePath is resolved against the profile file's directory.
		TemplatePath string `json:"template_path"`
		// FallbackInline is used when TemplatePath is empty.
		FallbackInline string `json:"fallback_inline"`
		// MergeInputWithoutSchema merges input into the prompt context when
		// the skill declares no parameter schema.
		MergeInputWithoutSchema bool `json:"merge_input_without_schema"`
	} `json:"prompt"`

	Session struct {
		Strategy SessionStrategy `json:"strategy"`
		// Key is the JSON key holding the handle (first_json_line,
		// json_lines_scan, json_recursive_key).
		Key string `json:"key,omitempty"`
		// Regex extracts the handle for regex_extract and as the text
		// fallback of json_recursive_key. First capture group wins.
		Regex string `json:"regex,omitempty"`
		// HandleType labels the extracted handle (thread_id, session_id, ...).
		HandleType string `json:"handle_type"`
	} `json:"session"`

	Workspace struct {
		Subdirs []string `json:"subdirs,omitempty"`
		// ConfigParentIsWorkspace makes the config file's parent directory
		// the engine workspace.
		ConfigParentIsWorkspace bool `json:"config_parent_is_workspace"`
	} `json:"workspace"`

	Config struct {
		// Path is relative to the run directory.
		Path   string `json:"path"`
		Format string `json:"format"` // toml | json
	} `json:"config"`

	Command struct {
		StartFlags  []string `json:"start_flags,omitempty"`
		ResumeFlags []string `json:"resume_flags,omitempty"`
	} `json:"command"`

	// PromptTemplate is the resolved template text (loaded from TemplatePath
	// or FallbackInline).
	PromptTemplate string `json:"-"`
}

// Loader validates and caches adapter profiles.
type Loader struct {
	fsys fs.FS
	dir  string

	mu    sync.Mutex
	cache map[v1.Engine]*Profile
}

// NewLoader creates a loader over the embedded profile set.
func NewLoader() (*Loader, error) {
	return NewLoaderFS(embedded, "profiles")
}

// NewLoaderFS creates a loader over an arbitrary filesystem, for tests.
func NewLoaderFS(fsys fs.FS, dir string) (*Loader, error) {
	l := &Loader{
		fsys:  fsys,
		dir:   dir,
		cache: make(map[v1.Engine]*Profile),
	}
	// Fail fast: load every known engine's profile up front so a broken
	// profile is a startup error, not a mid-run one.
	for _, engine := range v1.Engines() {
		if _, err := l.Load(engine); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// Load returns the profile for an engine, validating on first use.
func (l *Loader) Load(engine v1.Engine) (*Profile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.cache[engine]; ok {
		return p, nil
	}

	name := path.Join(l.dir, string(engine)+".json")
	raw, err := fs.ReadFile(l.fsys, name)
	if err != nil {
		return nil, fmt.Errorf("read adapter profile %s: %w", name, err)
	}
	if err := l.validate(raw, name); err != nil {
		return nil, err
	}

	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("decode adapter profile %s: %w", name, err)
	}
	if p.Engine != engine {
		return nil, fmt.Errorf("adapter profile %s declares engine %q", name, p.Engine)
	}

	// Template paths resolve against the profile file's directory; a
	// referenced file that does not exist fails the load.
	if p.Prompt.TemplatePath != "" {
		tmplName := path.Join(l.dir, p.Prompt.TemplatePath)
		tmpl, err := fs.ReadFile(l.fsys, tmplName)
		if err != nil {
			return nil, fmt.Errorf("adapter profile %s references missing template %s: %w",
				name, p.Prompt.TemplatePath, err)
		}
		p.PromptTemplate = string(tmpl)
	} else {
		p.PromptTemplate = p.Prompt.FallbackInline
	}
	if p.PromptTemplate == "" {
		return nil, fmt.Errorf("adapter profile %s has no prompt template", name)
	}

	l.cache[engine] = &p
	return &p, nil
}

func (l *Loader) validate(raw []byte, name string) error {
	schemaRaw, err := fs.ReadFile(l.fsys, path.Join(l.dir, schemaFile))
	if err != nil {
		return fmt.Errorf("read profile schema: %w", err)
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaRaw))
	if err != nil {
		return fmt.Errorf("parse profile schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaFile, schemaDoc); err != nil {
		return fmt.Errorf("compile profile schema: %w", err)
	}
	schema, err := compiler.Compile(schemaFile)
	if err != nil {
		return fmt.Errorf("compile profile schema: %w", err)
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("parse adapter profile %s: %w", name, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("adapter profile %s fails schema validation: %w", name, err)
	}
	return nil
}
