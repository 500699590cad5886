package skill

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

func writeSkill(t *testing.T, root, id, content string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644))
}

func TestLoadParsesFrontMatterAndBody(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "summarize", `---
id: summarize
name: Summarizer
engines: [codex, gemini]
execution_mode: interactive
max_attempt: 5
parameters:
  type: object
  properties:
    tone:
      type: string
---
Read the input and produce a summary.
`)

	s, err := Load(filepath.Join(root, "summarize"))
	require.NoError(t, err)
	assert.Equal(t, "summarize", s.Manifest.ID)
	assert.Equal(t, "Summarizer", s.Manifest.Name)
	assert.Equal(t, "interactive", s.Manifest.ExecutionMode)
	assert.Equal(t, 5, s.Manifest.MaxAttempt)
	assert.Contains(t, s.Body, "produce a summary")

	assert.True(t, s.Manifest.SupportsEngine(v1.EngineCodex))
	assert.False(t, s.Manifest.SupportsEngine(v1.EngineOpencode))
}

func TestLoadDefaultsIDToDirName(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "translate", "---\nname: Translator\n---\nTranslate.\n")

	s, err := Load(filepath.Join(root, "translate"))
	require.NoError(t, err)
	assert.Equal(t, "translate", s.Manifest.ID)
}

func TestLoadWithoutFrontMatterIsAllBody(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "plain", "Just instructions, no manifest.\n")

	s, err := Load(filepath.Join(root, "plain"))
	require.NoError(t, err)
	assert.Equal(t, "plain", s.Manifest.ID)
	assert.Contains(t, s.Body, "no manifest")
	// No engines listed means every engine is allowed.
	assert.True(t, s.Manifest.SupportsEngine(v1.EngineIflow))
}

func TestLoadRejectsUnterminatedFrontMatter(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "broken", "---\nid: broken\nno terminator")

	_, err := Load(filepath.Join(root, "broken"))
	assert.Error(t, err)
}

func TestEffectiveMaxAttempt(t *testing.T) {
	m := Manifest{}
	assert.Equal(t, 3, m.EffectiveMaxAttempt())
	m.MaxAttempt = 7
	assert.Equal(t, 7, m.EffectiveMaxAttempt())
}

func TestRegistryGetAndList(t *testing.T) {
	root := t.TempDir()
	writeSkill(t, root, "a-skill", "---\nid: a-skill\n---\nA.\n")
	writeSkill(t, root, "b-skill", "---\nid: b-skill\n---\nB.\n")
	// A stray file in the root is not a skill package.
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("x"), 0o644))

	r := NewRegistry(root)

	s, err := r.Get("a-skill")
	require.NoError(t, err)
	assert.Equal(t, "a-skill", s.Manifest.ID)

	_, err = r.Get("missing")
	assert.Error(t, err)

	ids := []string{}
	for _, s := range r.List() {
		ids = append(ids, s.Manifest.ID)
	}
	assert.ElementsMatch(t, []string{"a-skill", "b-skill"}, ids)
}

func TestRegistryGetRejectsPathEscapes(t *testing.T) {
	base := t.TempDir()
	root := filepath.Join(base, "skills")
	require.NoError(t, os.MkdirAll(root, 0o755))
	// A valid package outside the skills root must stay unreachable.
	writeSkill(t, base, "outside", "---\nid: outside\n---\nX.\n")

	r := NewRegistry(root)
	for _, id := range []string{"", ".", "..", "../outside", "a/b", `a\b`} {
		_, err := r.Get(id)
		assert.Error(t, err, "id %q", id)
	}
}
