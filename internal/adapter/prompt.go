package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/skillrunner/skillrunner/internal/adapter/profile"
	"github.com/skillrunner/skillrunner/internal/skill"
)

// promptContext is the template context handed to prompt templates.
type promptContext struct {
	Skill      *skill.Skill
	Input      map[string]interface{}
	Parameter  map[string]interface{}
	RunDir     string
	ParamsJSON string
	InputFile  string
	SkillDir   string
}

// promptBuilder renders the profile's prompt template.
type promptBuilder struct {
	prof *profile.Profile
	tmpl *template.Template
}

func newPromptBuilder(prof *profile.Profile) (*promptBuilder, error) {
	tmpl, err := template.New(string(prof.Engine)).Parse(prof.PromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse %s prompt template: %w", prof.Engine, err)
	}
	return &promptBuilder{prof: prof, tmpl: tmpl}, nil
}

func (b *promptBuilder) Render(ectx *ExecutionContext) (string, error) {
	if ectx.Options.PromptOverride != "" {
		return ectx.Options.PromptOverride, nil
	}

	input, inputFile, err := rewriteInputPaths(ectx)
	if err != nil {
		return "", err
	}

	pctx := promptContext{
		Skill:     ectx.Skill,
		Input:     input,
		Parameter: ectx.Parameter,
		RunDir:    ectx.RunDir,
		InputFile: inputFile,
		SkillDir:  filepath.Join(ectx.RunDir, "skills", ectx.Skill.Manifest.ID),
	}

	// With a declared parameter schema the prompt carries only parameter;
	// otherwise the profile may merge input into the serialized params.
	switch {
	case ectx.Skill.Manifest.Parameters != nil:
		if len(ectx.Parameter) > 0 {
			raw, err := json.MarshalIndent(ectx.Parameter, "", "  ")
			if err != nil {
				return "", err
			}
			pctx.ParamsJSON = string(raw)
		}
	case b.prof.Prompt.MergeInputWithoutSchema:
		combined := map[string]interface{}{}
		if len(input) > 0 {
			combined["input"] = input
		}
		if len(ectx.Parameter) > 0 {
			combined["parameter"] = ectx.Parameter
		}
		if len(combined) > 0 {
			raw, err := json.MarshalIndent(combined, "", "  ")
			if err != nil {
				return "", err
			}
			pctx.ParamsJSON = string(raw)
		}
	}

	var sb strings.Builder
	if err := b.tmpl.Execute(&sb, pctx); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", b.prof.Engine, err)
	}
	return sb.String(), nil
}

// rewriteInputPaths rewrites uploaded-file references in the input map to
// absolute paths under the run's uploads directory and rejects missing
// required files up front. Returns the rewritten input and the primary input
// file, if one was referenced.
func rewriteInputPaths(ectx *ExecutionContext) (map[string]interface{}, string, error) {
	uploads := filepath.Join(ectx.RunDir, "uploads")
	out := make(map[string]interface{}, len(ectx.Input))
	inputFile := ""

	for k, v := range ectx.Input {
		s, isString := v.(string)
		if !isString {
			out[k] = v
			continue
		}
		candidate := filepath.Join(uploads, filepath.FromSlash(s))
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			out[k] = candidate
			if inputFile == "" {
				inputFile = candidate
			}
			continue
		}
		out[k] = v
	}

	for _, required := range ectx.Skill.Manifest.RequiredFiles {
		path := filepath.Join(uploads, filepath.FromSlash(required))
		if _, err := os.Stat(path); err != nil {
			return nil, "", fmt.Errorf("required file %q not uploaded", required)
		}
	}
	return out, inputFile, nil
}
