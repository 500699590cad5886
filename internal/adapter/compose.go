package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"

	"github.com/skillrunner/skillrunner/internal/adapter/profile"
)

// runnerOnlyKeys are runtime option names that must never leak into engine
// config files.
var runnerOnlyKeys = map[string]struct{}{
	"execution_mode":                 {},
	"no_cache":                       {},
	"debug":                          {},
	"debug_keep_temp":                {},
	"interactive_require_user_reply": {},
	"session_timeout_sec":            {},
	"interactive_wait_timeout_sec":   {},
	"hard_wait_timeout_sec":          {},
	"hard_timeout_seconds":           {},
	"passthrough_cli_args":           {},
	"use_profile_defaults":           {},
	"prompt_override":                {},
	"codex_profile_name":             {},
	"resume_session_handle":          {},
	"run_id":                         {},
}

// configComposer writes the merged engine config into the workspace. The
// merge order is fixed: engine defaults < skill defaults < user overrides
// (model, temperature, max_tokens) < runtime engine overrides <
// project-enforced.
type configComposer struct {
	prof *profile.Profile
	// engineDefaults is the lowest layer, owned by the engine adapter.
	engineDefaults map[string]interface{}
	// enforced is the highest layer; it always wins.
	enforced map[string]interface{}
	// profileNameKey, when set, injects Options.CodexProfileName under this
	// key (codex profile-name injection).
	profileNameKey string
}

func (c *configComposer) Compose(ectx *ExecutionContext) error {
	merged := map[string]interface{}{}
	deepMergeInto(merged, c.engineDefaults)
	deepMergeInto(merged, ectx.Skill.Manifest.ConfigDefaults)

	user := map[string]interface{}{}
	if ectx.Model != "" {
		user["model"] = ectx.Model
	}
	for _, k := range []string{"temperature", "max_tokens"} {
		if v, ok := ectx.Parameter[k]; ok {
			user[k] = v
		}
	}
	deepMergeInto(merged, user)

	runtimeLayer := map[string]interface{}{}
	for k, v := range ectx.Options.EngineConfig {
		if _, reserved := runnerOnlyKeys[k]; reserved {
			return fmt.Errorf("runner option %q is not valid engine config", k)
		}
		runtimeLayer[k] = v
	}
	deepMergeInto(merged, runtimeLayer)
	deepMergeInto(merged, c.enforced)

	if c.profileNameKey != "" && ectx.Options.CodexProfileName != "" {
		merged[c.profileNameKey] = ectx.Options.CodexProfileName
	}

	dest := filepath.Join(ectx.RunDir, filepath.FromSlash(c.prof.Config.Path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	var data []byte
	var err error
	switch c.prof.Config.Format {
	case "toml":
		data, err = toml.Marshal(merged)
	default:
		data, err = json.MarshalIndent(merged, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode %s config: %w", c.prof.Engine, err)
	}

	tmp := dest + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// deepMergeInto merges src into dst recursively; nested maps merge, every
// other value replaces.
func deepMergeInto(dst, src map[string]interface{}) {
	for k, v := range src {
		if srcMap, ok := v.(map[string]interface{}); ok {
			if dstMap, ok := dst[k].(map[string]interface{}); ok {
				deepMergeInto(dstMap, srcMap)
				continue
			}
			clone := map[string]interface{}{}
			deepMergeInto(clone, srcMap)
			dst[k] = clone
			continue
		}
		dst[k] = v
	}
}
