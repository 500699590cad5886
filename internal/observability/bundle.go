package observability

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
)

// PreviewMaxBytes caps the per-file preview size.
const PreviewMaxBytes = 256 * 1024

// binary sniffing: a NUL byte or too many control bytes in the head.
const (
	sniffLen        = 8192
	maxControlRatio = 0.30
)

// FilePreview is the text content of one workspace file.
type FilePreview struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Text string `json:"text"`
}

// WriteBundle streams a zip of the whole run directory. Symlinks are
// skipped: a link pointing outside the workspace must not leak into the
// bundle.
func (s *Service) WriteBundle(w io.Writer, runID string) error {
	root := s.workspaces.RunDir(runID)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return apperrors.NotFound("run", runID)
	}

	zw := zip.NewWriter(w)
	defer zw.Close()

	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		entry, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(entry, f)
		return err
	})
}

// Preview returns the text content of one file inside the run directory.
// Binary files and files over PreviewMaxBytes are refused.
func (s *Service) Preview(runID, relPath string) (*FilePreview, error) {
	root := s.workspaces.RunDir(runID)
	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(os.PathSeparator)) || filepath.IsAbs(cleaned) {
		return nil, apperrors.ValidationError("path", "must stay inside the run directory")
	}
	full := filepath.Join(root, cleaned)

	info, err := os.Stat(full)
	if os.IsNotExist(err) {
		return nil, apperrors.NotFound("file", relPath)
	}
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, apperrors.ValidationError("path", "is a directory")
	}
	if info.Size() > PreviewMaxBytes {
		return nil, apperrors.Unprocessable(fmt.Sprintf(
			"file exceeds the preview limit of %d bytes", PreviewMaxBytes))
	}

	raw, err := os.ReadFile(full)
	if err != nil {
		return nil, err
	}
	if looksBinary(raw) {
		return nil, apperrors.Unprocessable("file appears to be binary")
	}
	return &FilePreview{
		Path: filepath.ToSlash(cleaned),
		Size: info.Size(),
		Text: strings.ToValidUTF8(string(raw), string(utf8.RuneError)),
	}, nil
}

func looksBinary(data []byte) bool {
	head := data
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	if len(head) == 0 {
		return false
	}
	control := 0
	for _, b := range head {
		if b == 0 {
			return true
		}
		if b < 0x20 && b != '\n' && b != '\r' && b != '\t' {
			control++
		}
	}
	return float64(control)/float64(len(head)) > maxControlRatio
}
