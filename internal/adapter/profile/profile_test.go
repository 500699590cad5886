package profile

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

func TestEmbeddedProfilesLoad(t *testing.T) {
	loader, err := NewLoader()
	require.NoError(t, err)

	for _, engine := range v1.Engines() {
		p, err := loader.Load(engine)
		require.NoError(t, err, "profile for %s", engine)
		assert.Equal(t, engine, p.Engine)
		assert.NotEmpty(t, p.PromptTemplate)
		assert.NotEmpty(t, p.Config.Path)
	}
}

func TestLoaderCaches(t *testing.T) {
	loader, err := NewLoader()
	require.NoError(t, err)
	a, err := loader.Load(v1.EngineCodex)
	require.NoError(t, err)
	b, err := loader.Load(v1.EngineCodex)
	require.NoError(t, err)
	assert.Same(t, a, b)
}

func TestCodexProfileDeclarations(t *testing.T) {
	loader, err := NewLoader()
	require.NoError(t, err)
	p, err := loader.Load(v1.EngineCodex)
	require.NoError(t, err)

	assert.Equal(t, SessionFirstJSONLine, p.Session.Strategy)
	assert.Equal(t, "thread_id", p.Session.Key)
	assert.Equal(t, "toml", p.Config.Format)
	assert.True(t, p.Workspace.ConfigParentIsWorkspace)
}

func badProfileFS(t *testing.T, profileJSON string) fstest.MapFS {
	t.Helper()
	loaderFS := fstest.MapFS{}
	// Reuse the real schema and other profiles so only the target breaks.
	for _, name := range []string{
		"profiles/profile.schema.json",
		"profiles/gemini.json", "profiles/iflow.json", "profiles/opencode.json",
		"profiles/templates/gemini.tmpl", "profiles/templates/iflow.tmpl",
		"profiles/templates/opencode.tmpl",
	} {
		raw, err := embedded.ReadFile(name)
		require.NoError(t, err)
		loaderFS[name] = &fstest.MapFile{Data: raw}
	}
	loaderFS["profiles/codex.json"] = &fstest.MapFile{Data: []byte(profileJSON)}
	return loaderFS
}

func TestLoaderFailsFastOnSchemaViolation(t *testing.T) {
	fsys := badProfileFS(t, `{"engine":"codex","session":{"strategy":"bogus","handle_type":"x"},"prompt":{},"workspace":{},"config":{"path":"c","format":"toml"}}`)
	_, err := NewLoaderFS(fsys, "profiles")
	assert.Error(t, err)
}

func TestLoaderFailsFastOnMissingTemplate(t *testing.T) {
	fsys := badProfileFS(t, `{"engine":"codex","prompt":{"template_path":"templates/missing.tmpl"},"session":{"strategy":"first_json_line","key":"thread_id","handle_type":"thread_id"},"workspace":{},"config":{"path":".codex/config.toml","format":"toml"}}`)
	_, err := NewLoaderFS(fsys, "profiles")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing template")
}

func TestLoaderRejectsEngineMismatch(t *testing.T) {
	fsys := badProfileFS(t, `{"engine":"gemini","prompt":{"fallback_inline":"x"},"session":{"strategy":"first_json_line","handle_type":"t"},"workspace":{},"config":{"path":"c","format":"toml"}}`)
	_, err := NewLoaderFS(fsys, "profiles")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares engine")
}
