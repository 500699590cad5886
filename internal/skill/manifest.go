// Package skill loads skill packages. A skill package is a directory with a
// SKILL.md whose YAML front-matter declares the manifest; the markdown body is
// the instruction text handed to the engine.
package skill

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

const manifestFile = "SKILL.md"

// Manifest is the declarative header of a skill package.
type Manifest struct {
	ID            string                 `yaml:"id"`
	Name          string                 `yaml:"name"`
	Description   string                 `yaml:"description"`
	Engines       []string               `yaml:"engines"`
	ExecutionMode string                 `yaml:"execution_mode"` // auto | interactive
	MaxAttempt    int                    `yaml:"max_attempt"`
	Parameters    map[string]interface{} `yaml:"parameters"`    // JSON-schema-shaped parameter spec
	OutputSchema  map[string]interface{} `yaml:"output_schema"` // expected result.json shape
	Artifacts     []string               `yaml:"artifacts"`     // declared artifact globs
	RequiredFiles []string               `yaml:"required_files"`
	// ConfigDefaults is the skill-defaults layer of engine config composition.
	ConfigDefaults map[string]interface{} `yaml:"config_defaults"`
}

// Skill is a loaded skill package.
type Skill struct {
	Manifest Manifest
	// Body is the markdown instruction text after the front-matter.
	Body string
	// Dir is the package root on disk.
	Dir string
}

// SupportsEngine reports whether the manifest allows the engine. An empty
// engines list allows all.
func (m *Manifest) SupportsEngine(engine v1.Engine) bool {
	if len(m.Engines) == 0 {
		return true
	}
	for _, e := range m.Engines {
		if v1.Engine(e) == engine {
			return true
		}
	}
	return false
}

// EffectiveMaxAttempt returns the interaction auto-decision cap.
func (m *Manifest) EffectiveMaxAttempt() int {
	if m.MaxAttempt > 0 {
		return m.MaxAttempt
	}
	return 3
}

// Load reads a skill package from dir.
func Load(dir string) (*Skill, error) {
	raw, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", manifestFile, err)
	}

	front, body, err := splitFrontMatter(string(raw))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", manifestFile, err)
	}

	var m Manifest
	if err := yaml.Unmarshal([]byte(front), &m); err != nil {
		return nil, fmt.Errorf("parse %s front-matter: %w", manifestFile, err)
	}
	if m.ID == "" {
		m.ID = filepath.Base(dir)
	}

	return &Skill{Manifest: m, Body: body, Dir: dir}, nil
}

// splitFrontMatter splits "---\n<yaml>\n---\n<body>". A file without
// front-matter is all body.
func splitFrontMatter(text string) (front, body string, err error) {
	if !strings.HasPrefix(text, "---\n") && !strings.HasPrefix(text, "---\r\n") {
		return "", text, nil
	}
	rest := text[strings.Index(text, "\n")+1:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated front-matter")
	}
	front = rest[:idx]
	body = rest[idx+len("\n---"):]
	if i := strings.Index(body, "\n"); i >= 0 {
		body = body[i+1:]
	} else {
		body = ""
	}
	return front, body, nil
}

// Registry resolves installed skills by ID.
type Registry struct {
	root string
}

// NewRegistry creates a registry over the installed skills root.
func NewRegistry(root string) *Registry {
	return &Registry{root: root}
}

// Get loads the installed skill with the given ID. IDs are single path
// segments; anything that could escape the skills root is rejected.
func (r *Registry) Get(skillID string) (*Skill, error) {
	if skillID == "" || skillID == "." || skillID == ".." ||
		strings.ContainsAny(skillID, `/\`) {
		return nil, fmt.Errorf("invalid skill id %q", skillID)
	}
	dir := filepath.Join(r.root, skillID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("skill %q not installed", skillID)
	}
	return Load(dir)
}

// List loads every installed skill, skipping unreadable packages.
func (r *Registry) List() []*Skill {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return nil
	}
	var skills []*Skill
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := Load(filepath.Join(r.root, e.Name()))
		if err != nil {
			continue
		}
		skills = append(skills, s)
	}
	return skills
}
