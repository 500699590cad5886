package adapter

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/skillrunner/skillrunner/internal/adapter/profile"
)

// workspaceProvisioner copies the skill package into the engine workspace and
// patches SKILL.md with output-schema and artifact guidance.
type workspaceProvisioner struct {
	prof *profile.Profile
}

// workspaceDir resolves the engine workspace for a run. When the profile
// marks the config's parent as the workspace, that directory is used;
// otherwise the run directory itself is the workspace.
func (p *workspaceProvisioner) workspaceDir(runDir string) string {
	if p.prof.Workspace.ConfigParentIsWorkspace {
		return filepath.Join(runDir, filepath.Dir(filepath.FromSlash(p.prof.Config.Path)))
	}
	return runDir
}

func (p *workspaceProvisioner) Prepare(ectx *ExecutionContext) error {
	ws := p.workspaceDir(ectx.RunDir)
	for _, sub := range p.prof.Workspace.Subdirs {
		if err := os.MkdirAll(filepath.Join(ectx.RunDir, filepath.FromSlash(sub)), 0o755); err != nil {
			return err
		}
	}

	dest := filepath.Join(ws, "skills", ectx.Skill.Manifest.ID)
	if err := copyTree(ectx.Skill.Dir, dest); err != nil {
		return fmt.Errorf("copy skill package: %w", err)
	}
	return p.patchManifest(ectx, filepath.Join(dest, "SKILL.md"))
}

// patchManifest appends execution guidance to the copied SKILL.md: execution
// mode, declared artifacts and the expected output schema.
func (p *workspaceProvisioner) patchManifest(ectx *ExecutionContext, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	mode := ectx.Options.ExecutionMode
	if mode == "" {
		mode = ectx.Skill.Manifest.ExecutionMode
	}
	if mode == "" {
		mode = "auto"
	}

	var sb strings.Builder
	sb.Write(raw)
	sb.WriteString("\n\n## Execution contract\n\n")
	fmt.Fprintf(&sb, "- Execution mode: %s\n", mode)
	if mode == "interactive" {
		sb.WriteString("- When you need user input, emit an <ASK_USER_YAML> block and stop.\n")
	}
	if len(ectx.Skill.Manifest.Artifacts) > 0 {
		fmt.Fprintf(&sb, "- Declared artifacts: %s\n",
			strings.Join(ectx.Skill.Manifest.Artifacts, ", "))
	}
	if ectx.Skill.Manifest.OutputSchema != nil {
		schema, err := json.MarshalIndent(ectx.Skill.Manifest.OutputSchema, "", "  ")
		if err != nil {
			return err
		}
		sb.WriteString("- The final result written to result/result.json must match:\n\n```json\n")
		sb.Write(schema)
		sb.WriteString("\n```\n")
	}

	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}
