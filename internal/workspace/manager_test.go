package workspace

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/runtime"
	"github.com/skillrunner/skillrunner/internal/skill"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

func newTestManager(t *testing.T) (*Manager, *runtime.Profile) {
	t.Helper()
	profile, err := runtime.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, profile.EnsureLayout())
	m := New(profile, skill.NewRegistry(profile.SkillsRoot), logger.Default())
	return m, profile
}

func installSkill(t *testing.T, profile *runtime.Profile, id, frontMatter string) {
	t.Helper()
	dir := filepath.Join(profile.SkillsRoot, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "---\n" + frontMatter + "\n---\n\nDo the thing.\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(content), 0o644))
}

func zipArchive(t *testing.T, entries map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestCreateRequestWritesInputJSON(t *testing.T) {
	m, profile := newTestManager(t)
	req := &v1.Request{
		RequestID: "req-1", SkillID: "summarize", Engine: v1.EngineCodex,
		RunSource: v1.RunSourceInstalled, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, m.CreateRequest(req))

	assert.DirExists(t, filepath.Join(profile.RequestDir("req-1"), "uploads"))
	assert.FileExists(t, filepath.Join(profile.RequestDir("req-1"), "input.json"))
}

func TestHandleUploadExtracts(t *testing.T) {
	m, profile := newTestManager(t)
	require.NoError(t, m.CreateRequest(&v1.Request{RequestID: "req-1", SkillID: "s",
		Engine: v1.EngineCodex, CreatedAt: time.Now().UTC()}))

	files, err := m.HandleUpload("req-1", zipArchive(t, map[string]string{
		"SKILL.md":      "---\nid: temp\n---\nbody",
		"data/in.txt":   "hello",
		"nested/x/y.md": "deep",
	}))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"SKILL.md", "data/in.txt", "nested/x/y.md"}, files)

	content, err := os.ReadFile(filepath.Join(profile.RequestDir("req-1"), "uploads", "data", "in.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
}

func TestHandleUploadRejectsZipSlip(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.CreateRequest(&v1.Request{RequestID: "req-1", SkillID: "s",
		Engine: v1.EngineCodex, CreatedAt: time.Now().UTC()}))

	for _, name := range []string{
		"../escape.txt",
		"a/../../escape.txt",
		"/etc/passwd",
		"C:\\windows\\evil.txt",
	} {
		_, err := m.HandleUpload("req-1", zipArchive(t, map[string]string{name: "evil"}))
		assert.Error(t, err, "entry %q must be rejected", name)
	}
}

func TestHandleUploadRejectsGarbage(t *testing.T) {
	m, _ := newTestManager(t)
	require.NoError(t, m.CreateRequest(&v1.Request{RequestID: "req-1", SkillID: "s",
		Engine: v1.EngineCodex, CreatedAt: time.Now().UTC()}))
	_, err := m.HandleUpload("req-1", []byte("not a zip"))
	assert.Error(t, err)
}

func TestCreateRunChecksEngineSupport(t *testing.T) {
	m, profile := newTestManager(t)
	installSkill(t, profile, "codex-only", "id: codex-only\nengines: [codex]")

	req := &v1.Request{
		RequestID: "req-1", SkillID: "codex-only", Engine: v1.EngineGemini,
		RunSource: v1.RunSourceInstalled, CreatedAt: time.Now().UTC(),
	}
	_, err := m.CreateRun(req)
	require.Error(t, err)

	req.Engine = v1.EngineCodex
	runID, err := m.CreateRun(req)
	require.NoError(t, err)
	assert.NotEmpty(t, runID)

	for _, sub := range []string{"artifacts", "result", "logs", "interactions", "uploads"} {
		assert.DirExists(t, filepath.Join(profile.RunDir(runID), sub))
	}
	sf, err := m.ReadStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusQueued, sf.Status)
}

func TestCreateRunMissingSkill(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateRun(&v1.Request{
		RequestID: "req-1", SkillID: "nope", Engine: v1.EngineCodex,
		RunSource: v1.RunSourceInstalled, CreatedAt: time.Now().UTC(),
	})
	assert.Error(t, err)
}

func TestCreateRunTempSkipsRegistry(t *testing.T) {
	m, _ := newTestManager(t)
	runID, err := m.CreateRun(&v1.Request{
		RequestID: "req-1", SkillID: "uploaded", Engine: v1.EngineCodex,
		RunSource: v1.RunSourceTemp, CreatedAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
}

func TestPromoteRequestUploads(t *testing.T) {
	m, profile := newTestManager(t)
	require.NoError(t, m.CreateRequest(&v1.Request{RequestID: "req-1", SkillID: "s",
		Engine: v1.EngineCodex, RunSource: v1.RunSourceTemp, CreatedAt: time.Now().UTC()}))
	_, err := m.HandleUpload("req-1", zipArchive(t, map[string]string{"in.txt": "data"}))
	require.NoError(t, err)

	runID, err := m.CreateRun(&v1.Request{RequestID: "req-1", SkillID: "s",
		Engine: v1.EngineCodex, RunSource: v1.RunSourceTemp, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	require.NoError(t, m.PromoteRequestUploads("req-1", runID))
	assert.FileExists(t, filepath.Join(profile.RunDir(runID), "uploads", "in.txt"))

	// A second promotion into the same run must refuse: uploads never merge.
	require.NoError(t, m.CreateRequest(&v1.Request{RequestID: "req-2", SkillID: "s",
		Engine: v1.EngineCodex, RunSource: v1.RunSourceTemp, CreatedAt: time.Now().UTC()}))
	_, err = m.HandleUpload("req-2", zipArchive(t, map[string]string{"other.txt": "x"}))
	require.NoError(t, err)
	assert.ErrorIs(t, m.PromoteRequestUploads("req-2", runID), ErrUploadsExist)
}

func TestStatusFileRoundtrip(t *testing.T) {
	m, _ := newTestManager(t)
	runID, err := m.CreateRun(&v1.Request{RequestID: "req-1", SkillID: "s",
		Engine: v1.EngineCodex, RunSource: v1.RunSourceTemp, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	require.NoError(t, m.WriteStatus(runID, v1.StatusFile{
		Status:    v1.RunStatusFailed,
		UpdatedAt: time.Now().UTC(),
		Warnings:  []string{"schema repair applied"},
		Error:     &v1.RunError{Code: "TIMEOUT", Message: "hard timeout exceeded"},
	}))

	sf, err := m.ReadStatus(runID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStatusFailed, sf.Status)
	require.NotNil(t, sf.Error)
	assert.Equal(t, "TIMEOUT", sf.Error.Code)
	assert.Equal(t, []string{"schema repair applied"}, sf.Warnings)
}

func TestDeleteAndPurge(t *testing.T) {
	m, profile := newTestManager(t)
	runID, err := m.CreateRun(&v1.Request{RequestID: "req-1", SkillID: "s",
		Engine: v1.EngineCodex, RunSource: v1.RunSourceTemp, CreatedAt: time.Now().UTC()})
	require.NoError(t, err)

	m.PurgeRuns([]string{runID, "never-existed"})
	assert.NoDirExists(t, profile.RunDir(runID))
}
