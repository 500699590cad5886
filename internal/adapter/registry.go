package adapter

import (
	"fmt"

	"github.com/skillrunner/skillrunner/internal/adapter/profile"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// Registry resolves engine adapters. All four adapters are constructed at
// startup; a broken profile fails construction.
type Registry struct {
	adapters map[v1.Engine]*Adapter
}

// NewRegistry builds an adapter per engine over the shared environment.
func NewRegistry(loader *profile.Loader, env *Env) (*Registry, error) {
	r := &Registry{adapters: make(map[v1.Engine]*Adapter)}
	for _, engine := range v1.Engines() {
		a, err := newAdapter(engine, loader, env)
		if err != nil {
			return nil, fmt.Errorf("build %s adapter: %w", engine, err)
		}
		r.adapters[engine] = a
	}
	return r, nil
}

// Get returns the adapter for an engine.
func (r *Registry) Get(engine v1.Engine) (*Adapter, error) {
	a, ok := r.adapters[engine]
	if !ok {
		return nil, fmt.Errorf("no adapter for engine %q", engine)
	}
	return a, nil
}

// Engines lists the registered engines.
func (r *Registry) Engines() []v1.Engine {
	return v1.Engines()
}

func newAdapter(engine v1.Engine, loader *profile.Loader, env *Env) (*Adapter, error) {
	prof, err := loader.Load(engine)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		engine: engine,
		prof:   prof,
		env:    env,
		logger: env.Logger.WithComponent("adapter").WithEngine(string(engine)),
	}

	prompter, err := newPromptBuilder(prof)
	if err != nil {
		return nil, err
	}
	codec, err := newSessionCodec(prof)
	if err != nil {
		return nil, err
	}

	a.prompter = prompter
	a.codec = codec
	a.provisioner = &workspaceProvisioner{prof: prof}

	switch engine {
	case v1.EngineCodex:
		a.composer = &configComposer{
			prof: prof,
			engineDefaults: map[string]interface{}{
				"approval_policy": "never",
				"sandbox_mode":    "workspace-write",
			},
			enforced: map[string]interface{}{
				"disable_response_storage": false,
			},
			profileNameKey: "profile",
		}
		a.commander = &codexCommander{adapter: a}
		a.parser = &codexParser{}
		a.ptyFallback = true

	case v1.EngineGemini:
		a.composer = &configComposer{
			prof: prof,
			engineDefaults: map[string]interface{}{
				"selectedAuthType": "oauth-personal",
				"autoAccept":       true,
			},
			enforced: map[string]interface{}{
				"telemetry": map[string]interface{}{"enabled": false},
			},
		}
		a.commander = &geminiCommander{adapter: a}
		a.parser = &geminiParser{}
		a.ptyFallback = true

	case v1.EngineIflow:
		a.composer = &configComposer{
			prof: prof,
			engineDefaults: map[string]interface{}{
				"selectedAuthType": "oauth-personal",
				"autoAccept":       true,
			},
			enforced: map[string]interface{}{},
		}
		a.commander = &iflowCommander{adapter: a}
		a.parser = &iflowParser{}
		a.ptyFallback = true

	case v1.EngineOpencode:
		a.composer = &configComposer{
			prof: prof,
			engineDefaults: map[string]interface{}{
				"$schema":    "https://opencode.ai/config.json",
				"autoupdate": false,
			},
			enforced: map[string]interface{}{
				"share": "disabled",
			},
		}
		a.commander = &opencodeCommander{adapter: a}
		a.parser = &opencodeParser{}
		a.ptyFallback = false

	default:
		return nil, fmt.Errorf("unknown engine %q", engine)
	}

	return a, nil
}
