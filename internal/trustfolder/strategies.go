package trustfolder

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/pelletier/go-toml/v2"
)

// codexStrategy maintains [projects.<abs_path>] tables with
// trust_level = "trusted" inside codex's config.toml, preserving whatever
// else the file carries.
type codexStrategy struct {
	file string
}

func (s *codexStrategy) File() string { return s.file }

func (s *codexStrategy) load() (map[string]interface{}, error) {
	cfg := map[string]interface{}{}
	raw, err := os.ReadFile(s.file)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := toml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.file, err)
	}
	return cfg, nil
}

func (s *codexStrategy) save(cfg map[string]interface{}) error {
	raw, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	return writeAtomic(s.file, raw)
}

func (s *codexStrategy) projects(cfg map[string]interface{}) map[string]interface{} {
	if existing, ok := cfg["projects"].(map[string]interface{}); ok {
		return existing
	}
	projects := map[string]interface{}{}
	cfg["projects"] = projects
	return projects
}

func (s *codexStrategy) Register(path string) error {
	cfg, err := s.load()
	if err != nil {
		return err
	}
	projects := s.projects(cfg)
	projects[path] = map[string]interface{}{"trust_level": "trusted"}
	return s.save(cfg)
}

func (s *codexStrategy) Remove(path string) error {
	cfg, err := s.load()
	if err != nil {
		return err
	}
	projects, ok := cfg["projects"].(map[string]interface{})
	if !ok {
		return nil
	}
	if _, present := projects[path]; !present {
		return nil
	}
	delete(projects, path)
	return s.save(cfg)
}

func (s *codexStrategy) Entries() ([]string, error) {
	cfg, err := s.load()
	if err != nil {
		return nil, err
	}
	projects, ok := cfg["projects"].(map[string]interface{})
	if !ok {
		return nil, nil
	}
	entries := make([]string, 0, len(projects))
	for path := range projects {
		entries = append(entries, path)
	}
	sort.Strings(entries)
	return entries, nil
}

// geminiStrategy maintains a flat JSON map {abs_path: "TRUST_FOLDER"}.
type geminiStrategy struct {
	file string
}

func (s *geminiStrategy) File() string { return s.file }

func (s *geminiStrategy) load() (map[string]string, error) {
	folders := map[string]string{}
	raw, err := os.ReadFile(s.file)
	if os.IsNotExist(err) {
		return folders, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &folders); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.file, err)
	}
	return folders, nil
}

func (s *geminiStrategy) save(folders map[string]string) error {
	raw, err := json.MarshalIndent(folders, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(s.file, append(raw, '\n'))
}

func (s *geminiStrategy) Register(path string) error {
	folders, err := s.load()
	if err != nil {
		return err
	}
	folders[path] = "TRUST_FOLDER"
	return s.save(folders)
}

func (s *geminiStrategy) Remove(path string) error {
	folders, err := s.load()
	if err != nil {
		return err
	}
	if _, present := folders[path]; !present {
		return nil
	}
	delete(folders, path)
	return s.save(folders)
}

func (s *geminiStrategy) Entries() ([]string, error) {
	folders, err := s.load()
	if err != nil {
		return nil, err
	}
	entries := make([]string, 0, len(folders))
	for path := range folders {
		entries = append(entries, path)
	}
	sort.Strings(entries)
	return entries, nil
}

// noopStrategy covers engines without a trust-file concept.
type noopStrategy struct{}

func (noopStrategy) File() string               { return "" }
func (noopStrategy) Register(string) error      { return nil }
func (noopStrategy) Remove(string) error        { return nil }
func (noopStrategy) Entries() ([]string, error) { return nil, nil }
