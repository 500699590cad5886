package server

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillrunner/skillrunner/internal/common/config"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/events/bus"
	"github.com/skillrunner/skillrunner/internal/services"
)

type fixture struct {
	svc    *services.Services
	router *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, nil)
}

func newFixtureWith(t *testing.T, tweak func(*config.Config)) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{}
	cfg.Data.Dir = t.TempDir()
	cfg.Server.ReadTimeout = 30
	cfg.Server.WriteTimeout = 30
	cfg.Concurrency.HardCap = 2
	cfg.Concurrency.MaxQueueSize = 8
	cfg.Concurrency.CPUFactor = 1
	cfg.Concurrency.FallbackMaxConcurrent = 1
	cfg.Interaction.WaitTimeoutSec = 5
	cfg.Interaction.HardWaitTimeoutSec = 10
	cfg.Interaction.HeartbeatSec = 1
	cfg.Retention.IntervalMin = 60
	cfg.Engines.HardTimeoutSeconds = 30
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	if tweak != nil {
		tweak(cfg)
	}

	log := logger.Default()
	svc, err := services.Build(cfg, bus.NewMemoryEventBus(log), log)
	require.NoError(t, err)
	t.Cleanup(func() {
		svc.Orchestrator.Shutdown()
		require.NoError(t, svc.Close())
	})

	router := gin.New()
	SetupRoutes(router.Group("/v1"), svc, log)
	return &fixture{svc: svc, router: router}
}

// installSkill drops a minimal skill package into the skills root.
func (f *fixture) installSkill(t *testing.T, id string) {
	t.Helper()
	dir := filepath.Join(f.svc.Runtime.SkillsRoot, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	manifest := "---\n" +
		"id: " + id + "\n" +
		"name: " + id + "\n" +
		"engines: [codex]\n" +
		"execution_mode: auto\n" +
		"---\n" +
		"Summarize the input.\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(manifest), 0o644))
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		fw, err := w.Create(name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func (f *fixture) upload(t *testing.T, path string, zipBytes []byte) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "package.zip")
	require.NoError(t, err)
	_, err = fw.Write(zipBytes)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitJobValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]interface{}{
		"skill_id": "summarize", "engine": "not-an-engine",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/jobs", map[string]interface{}{
		"engine": "codex",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/jobs", map[string]interface{}{
		"skill_id": "nope", "engine": "codex",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeferredJobLifecycle(t *testing.T) {
	f := newFixture(t)
	f.installSkill(t, "summarize")

	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]interface{}{
		"skill_id": "summarize", "engine": "codex", "defer_start": true,
		"input": map[string]interface{}{"text": "hello"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	requestID := body["request_id"].(string)
	assert.Equal(t, "created", body["status"])
	assert.NotContains(t, body, "run_id")

	// Uploads land in the request workspace before the run exists.
	up := f.upload(t, "/v1/jobs/"+requestID+"/upload", zipOf(t, map[string]string{
		"notes/ref.txt": "reference",
	}))
	require.Equal(t, http.StatusOK, up.Code, up.Body.String())
	assert.Contains(t, decode(t, up)["extracted_files"], "notes/ref.txt")

	rec = f.do(t, http.MethodGet, "/v1/jobs/"+requestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "created", decode(t, rec)["status"])

	// Run-scoped surfaces 404 until the run starts.
	rec = f.do(t, http.MethodGet, "/v1/jobs/"+requestID+"/interaction/pending", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+requestID+"/start", nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	started := decode(t, rec)
	assert.NotEmpty(t, started["run_id"])
	assert.Equal(t, "queued", started["status"])

	// Starting twice conflicts, and uploads are closed.
	rec = f.do(t, http.MethodPost, "/v1/jobs/"+requestID+"/start", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	up = f.upload(t, "/v1/jobs/"+requestID+"/upload", zipOf(t, map[string]string{"x": "y"}))
	assert.Equal(t, http.StatusConflict, up.Code)
}

func TestStartRetriesAfterQueueFull(t *testing.T) {
	f := newFixtureWith(t, func(cfg *config.Config) {
		cfg.Concurrency.MaxQueueSize = 0
	})
	f.installSkill(t, "summarize")

	rec := f.do(t, http.MethodPost, "/v1/jobs", map[string]interface{}{
		"skill_id": "summarize", "engine": "codex", "defer_start": true,
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	requestID := decode(t, rec)["request_id"].(string)

	// A full queue rejects the start before any run is assigned.
	rec = f.do(t, http.MethodPost, "/v1/jobs/"+requestID+"/start", nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "QUEUE_FULL", decode(t, rec)["code"])

	// The request stays startable: no phantom run was left behind.
	rec = f.do(t, http.MethodGet, "/v1/jobs/"+requestID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "created", decode(t, rec)["status"])

	rec = f.do(t, http.MethodPost, "/v1/jobs/"+requestID+"/start", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "QUEUE_FULL", decode(t, rec)["code"])
}

func TestGetJobUnknownRequest(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/jobs/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTempSkillRunAlwaysDefers(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/temp-skill-runs", map[string]interface{}{
		"engine": "codex",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "created", body["status"])
	requestID := body["request_id"].(string)

	// The temp surface resolves the same request IDs as the job surface.
	rec = f.do(t, http.MethodGet, "/v1/temp-skill-runs/"+requestID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/jobs/"+requestID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestManagementSkillsAndModels(t *testing.T) {
	f := newFixture(t)
	f.installSkill(t, "summarize")
	t.Setenv("PATH", "")

	rec := f.do(t, http.MethodGet, "/v1/management/skills", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	skills := decode(t, rec)["skills"].([]interface{})
	require.Len(t, skills, 1)
	assert.Equal(t, "summarize", skills[0].(map[string]interface{})["id"])

	rec = f.do(t, http.MethodGet, "/v1/management/skills/summarize", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/v1/management/skills/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/management/models", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	models := decode(t, rec)["models"].([]interface{})
	require.NotEmpty(t, models)
	assert.Equal(t, "builtin", models[0].(map[string]interface{})["source"])
}

func TestManagementModelPinning(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/management/models/codex/pin", map[string]interface{}{
		"models": []string{"gpt-5"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// A pinned set rejects other models at submission time.
	f.installSkill(t, "summarize")
	sub := f.do(t, http.MethodPost, "/v1/jobs", map[string]interface{}{
		"skill_id": "summarize", "engine": "codex", "model": "o4-mini", "defer_start": true,
	})
	assert.Equal(t, http.StatusBadRequest, sub.Code)

	rec = f.do(t, http.MethodDelete, "/v1/management/models/codex/pin", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/management/models/bogus/pin", map[string]interface{}{
		"models": []string{"x"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestManagementConcurrencyAndCleanup(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/management/concurrency", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := decode(t, rec)
	assert.Greater(t, state["max_concurrent"].(float64), 0.0)
	assert.LessOrEqual(t, state["max_concurrent"].(float64), 2.0)

	rec = f.do(t, http.MethodPost, "/v1/management/cleanup/sweep", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodPost, "/v1/management/cleanup/clear-all", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListRunsEmpty(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/v1/management/runs?engine=codex&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
