// Package workspace manages the on-disk request and run directory trees:
// creation, safe zip extraction, upload promotion and retention purges.
package workspace

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/runtime"
	"github.com/skillrunner/skillrunner/internal/skill"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// ErrUploadsExist is returned by PromoteRequestUploads when the run already
// has an uploads directory. Uploads are never merged across runs.
var ErrUploadsExist = errors.New("run already has uploads")

// Manager owns the request and run directory trees.
type Manager struct {
	profile *runtime.Profile
	skills  *skill.Registry
	logger  *logger.Logger
}

// New creates a Manager.
func New(profile *runtime.Profile, skills *skill.Registry, log *logger.Logger) *Manager {
	return &Manager{
		profile: profile,
		skills:  skills,
		logger:  log.WithComponent("workspace"),
	}
}

// CreateRequest creates requests/<id>/ with uploads/ and a frozen input.json.
func (m *Manager) CreateRequest(req *v1.Request) error {
	dir := m.profile.RequestDir(req.RequestID)
	if err := os.MkdirAll(filepath.Join(dir, "uploads"), 0o755); err != nil {
		return fmt.Errorf("create request dir: %w", err)
	}
	return writeJSON(filepath.Join(dir, "input.json"), req)
}

// HandleUpload extracts a zip package into the request's uploads directory.
// Entry names are normalized and must resolve inside the uploads root; any
// absolute path, parent traversal or drive-lettered name rejects the whole
// archive. Returns the extracted relative paths.
func (m *Manager) HandleUpload(requestID string, zipBytes []byte) ([]string, error) {
	uploadsRoot := filepath.Join(m.profile.RequestDir(requestID), "uploads")
	if err := os.MkdirAll(uploadsRoot, 0o755); err != nil {
		return nil, err
	}

	reader, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, apperrors.BadRequest(fmt.Sprintf("invalid zip archive: %v", err))
	}

	var extracted []string
	for _, entry := range reader.File {
		rel, err := safeEntryPath(entry.Name)
		if err != nil {
			return nil, apperrors.BadRequest(fmt.Sprintf("unsafe zip entry %q: %v", entry.Name, err))
		}
		if rel == "" {
			continue
		}
		dest := filepath.Join(uploadsRoot, rel)
		if !strings.HasPrefix(dest, uploadsRoot+string(os.PathSeparator)) {
			return nil, apperrors.BadRequest(fmt.Sprintf("zip entry %q escapes uploads root", entry.Name))
		}

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return nil, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return nil, err
		}
		if err := extractFile(entry, dest); err != nil {
			return nil, fmt.Errorf("extract %s: %w", entry.Name, err)
		}
		extracted = append(extracted, filepath.ToSlash(rel))
	}

	m.logger.Debug("extracted upload",
		zap.String("request_id", requestID),
		zap.Int("files", len(extracted)))
	return extracted, nil
}

// safeEntryPath normalizes a zip entry name and rejects anything that could
// escape the extraction root.
func safeEntryPath(name string) (string, error) {
	cleaned := strings.ReplaceAll(name, "\\", "/")
	if strings.HasPrefix(cleaned, "/") {
		return "", errors.New("absolute path")
	}
	if len(cleaned) >= 2 && cleaned[1] == ':' {
		return "", errors.New("drive letter")
	}
	rel := filepath.Clean(filepath.FromSlash(cleaned))
	if rel == "." {
		return "", nil
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", errors.New("parent traversal")
	}
	if filepath.IsAbs(rel) {
		return "", errors.New("absolute path")
	}
	return rel, nil
}

func extractFile(entry *zip.File, dest string) error {
	src, err := entry.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// CreateRun allocates a run ID, validates that the skill supports the
// requested engine, and creates the run directory skeleton with a frozen
// input.json and an initial status.json.
func (m *Manager) CreateRun(req *v1.Request) (string, error) {
	if req.RunSource == v1.RunSourceInstalled {
		sk, err := m.skills.Get(req.SkillID)
		if err != nil {
			return "", apperrors.NotFound("skill", req.SkillID)
		}
		if !sk.Manifest.SupportsEngine(req.Engine) {
			return "", apperrors.Unprocessable(fmt.Sprintf(
				"skill %q does not support engine %q", req.SkillID, req.Engine))
		}
	}

	runID := uuid.NewString()
	runDir := m.profile.RunDir(runID)
	for _, sub := range []string{"artifacts", "result", "logs", "interactions", "uploads"} {
		if err := os.MkdirAll(filepath.Join(runDir, sub), 0o755); err != nil {
			return "", fmt.Errorf("create run dir: %w", err)
		}
	}
	if err := writeJSON(filepath.Join(runDir, "input.json"), req); err != nil {
		return "", err
	}
	if err := m.WriteStatus(runID, v1.StatusFile{
		Status:    v1.RunStatusQueued,
		UpdatedAt: time.Now().UTC(),
		Warnings:  []string{},
	}); err != nil {
		return "", err
	}
	return runID, nil
}

// PromoteRequestUploads moves the request's uploads directory into the run by
// atomic rename. Fails with ErrUploadsExist if the run already has uploads.
func (m *Manager) PromoteRequestUploads(requestID, runID string) error {
	src := filepath.Join(m.profile.RequestDir(requestID), "uploads")
	dst := filepath.Join(m.profile.RunDir(runID), "uploads")

	if entries, err := os.ReadDir(dst); err == nil && len(entries) > 0 {
		return ErrUploadsExist
	}
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	// The skeleton creates an empty uploads dir; rename needs it gone.
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Rename(src, dst)
}

// WriteStatus atomically writes run_dir/status.json, the authoritative
// on-disk status of the run.
func (m *Manager) WriteStatus(runID string, sf v1.StatusFile) error {
	if sf.Warnings == nil {
		sf.Warnings = []string{}
	}
	return writeJSON(filepath.Join(m.profile.RunDir(runID), "status.json"), sf)
}

// ReadStatus reads run_dir/status.json.
func (m *Manager) ReadStatus(runID string) (*v1.StatusFile, error) {
	raw, err := os.ReadFile(filepath.Join(m.profile.RunDir(runID), "status.json"))
	if err != nil {
		return nil, err
	}
	var sf v1.StatusFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("decode status.json for %s: %w", runID, err)
	}
	return &sf, nil
}

// RunDir returns the run's directory path.
func (m *Manager) RunDir(runID string) string {
	return m.profile.RunDir(runID)
}

// RunDirExists reports whether the run's directory is present on disk.
func (m *Manager) RunDirExists(runID string) bool {
	info, err := os.Stat(m.profile.RunDir(runID))
	return err == nil && info.IsDir()
}

// DeleteRunDir removes a run's directory tree.
func (m *Manager) DeleteRunDir(runID string) error {
	return os.RemoveAll(m.profile.RunDir(runID))
}

// DeleteRequestDir removes a request's directory tree.
func (m *Manager) DeleteRequestDir(requestID string) error {
	return os.RemoveAll(m.profile.RequestDir(requestID))
}

// PurgeRuns deletes the given run directories, logging and continuing on error.
func (m *Manager) PurgeRuns(runIDs []string) {
	for _, id := range runIDs {
		if err := m.DeleteRunDir(id); err != nil {
			m.logger.Warn("failed to purge run dir",
				zap.String("run_id", id), zap.Error(err))
		}
	}
}

// PurgeRequests deletes the given request directories, logging and continuing
// on error.
func (m *Manager) PurgeRequests(requestIDs []string) {
	for _, id := range requestIDs {
		if err := m.DeleteRequestDir(id); err != nil {
			m.logger.Warn("failed to purge request dir",
				zap.String("request_id", id), zap.Error(err))
		}
	}
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
