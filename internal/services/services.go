// Package services assembles the runner's components into one explicit struct
// built at startup and passed down. Tests build a Services over a temp data
// dir and swap fields as needed.
package services

import (
	"fmt"

	"github.com/skillrunner/skillrunner/internal/adapter"
	"github.com/skillrunner/skillrunner/internal/adapter/profile"
	"github.com/skillrunner/skillrunner/internal/cleanup"
	"github.com/skillrunner/skillrunner/internal/climanager"
	"github.com/skillrunner/skillrunner/internal/common/config"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/concurrency"
	"github.com/skillrunner/skillrunner/internal/events/bus"
	"github.com/skillrunner/skillrunner/internal/interaction"
	"github.com/skillrunner/skillrunner/internal/models"
	"github.com/skillrunner/skillrunner/internal/observability"
	"github.com/skillrunner/skillrunner/internal/orchestrator"
	"github.com/skillrunner/skillrunner/internal/protocol"
	"github.com/skillrunner/skillrunner/internal/runtime"
	"github.com/skillrunner/skillrunner/internal/skill"
	"github.com/skillrunner/skillrunner/internal/store"
	"github.com/skillrunner/skillrunner/internal/trustfolder"
	"github.com/skillrunner/skillrunner/internal/workspace"
)

// Services holds every long-lived component.
type Services struct {
	Config        *config.Config
	Logger        *logger.Logger
	Runtime       *runtime.Profile
	Store         *store.Store
	Bus           bus.EventBus
	Skills        *skill.Registry
	Workspaces    *workspace.Manager
	CLIs          *climanager.Manager
	Adapters      *adapter.Registry
	Slots         *concurrency.Manager
	Interactions  *interaction.Service
	Emitter       *protocol.Emitter
	Trust         *trustfolder.Registry
	Models        *models.Registry
	Orchestrator  *orchestrator.Orchestrator
	Observability *observability.Service
	Cleanup       *cleanup.Manager
}

// Build wires the full component graph over the configured data dir. The
// event bus is passed in because its backend (memory vs NATS) is chosen by
// the caller.
func Build(cfg *config.Config, eventBus bus.EventBus, log *logger.Logger) (*Services, error) {
	rt, err := runtime.New(cfg.Data.Dir)
	if err != nil {
		return nil, err
	}
	if err := rt.EnsureLayout(); err != nil {
		return nil, err
	}

	st, err := store.Open(rt.StorePath)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}

	clis := climanager.New(rt, log)
	if err := clis.EnsureLayout(); err != nil {
		return nil, fmt.Errorf("prepare agent home: %w", err)
	}

	loader, err := profile.NewLoader()
	if err != nil {
		return nil, fmt.Errorf("load adapter profiles: %w", err)
	}
	adapters, err := adapter.NewRegistry(loader, &adapter.Env{
		Runtime:         rt,
		CLIs:            clis,
		Supervisor:      adapter.NewSupervisor(log),
		HardTimeout:     cfg.Engines.HardTimeout(),
		LandlockEnabled: cfg.Engines.LandlockEnabled,
		Logger:          log,
	})
	if err != nil {
		return nil, err
	}

	emitter, err := protocol.NewEmitter(st, eventBus, log)
	if err != nil {
		return nil, fmt.Errorf("build event emitter: %w", err)
	}

	skills := skill.NewRegistry(rt.SkillsRoot)
	ws := workspace.New(rt, skills, log)
	trust := trustfolder.NewRegistry(rt, log)
	slots := concurrency.NewManager(cfg.Concurrency, log)
	interactions := interaction.NewService(st, log)

	orch := orchestrator.New(cfg, st, ws, slots, adapters, interactions, emitter, trust, skills, log)

	return &Services{
		Config:        cfg,
		Logger:        log,
		Runtime:       rt,
		Store:         st,
		Bus:           eventBus,
		Skills:        skills,
		Workspaces:    ws,
		CLIs:          clis,
		Adapters:      adapters,
		Slots:         slots,
		Interactions:  interactions,
		Emitter:       emitter,
		Trust:         trust,
		Models:        models.NewRegistry(rt, clis, log),
		Orchestrator:  orch,
		Observability: observability.NewService(st, ws, eventBus, cfg, log),
		Cleanup:       cleanup.New(cfg, st, ws, trust, rt, log),
	}, nil
}

// Close releases everything Build opened.
func (s *Services) Close() error {
	return s.Store.Close()
}
