package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	"github.com/skillrunner/skillrunner/internal/store"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// ListSkills lists the installed skills.
// GET /v1/management/skills
func (h *Handler) ListSkills(c *gin.Context) {
	skills := h.svc.Skills.List()
	out := make([]gin.H, 0, len(skills))
	for _, s := range skills {
		out = append(out, gin.H{
			"id":             s.Manifest.ID,
			"name":           s.Manifest.Name,
			"description":    s.Manifest.Description,
			"engines":        s.Manifest.Engines,
			"execution_mode": s.Manifest.ExecutionMode,
			"parameters":     s.Manifest.Parameters,
		})
	}
	c.JSON(http.StatusOK, gin.H{"skills": out})
}

// GetSkill returns one skill's full manifest.
// GET /v1/management/skills/:skillId
func (h *Handler) GetSkill(c *gin.Context) {
	s, err := h.svc.Skills.Get(c.Param("skillId"))
	if err != nil {
		h.abort(c, apperrors.NotFound("skill", c.Param("skillId")))
		return
	}
	c.JSON(http.StatusOK, s.Manifest)
}

// ListEngines reports each engine's binary, auth and resume status.
// GET /v1/management/engines
func (h *Handler) ListEngines(c *gin.Context) {
	auth := h.svc.CLIs.CollectAuthStatus()
	out := make([]gin.H, 0, len(auth))
	for _, a := range auth {
		engine := a.Engine
		out = append(out, gin.H{
			"engine":  engine,
			"version": h.svc.CLIs.ProbeVersion(c.Request.Context(), engine),
			"auth":    a,
			"resume":  h.svc.CLIs.ProbeResumeCapability(c.Request.Context(), engine),
		})
	}
	c.JSON(http.StatusOK, gin.H{"engines": out})
}

// ImportCredentials copies whitelisted credential files from a host agent
// home into the managed one.
// POST /v1/management/engines/import-credentials
func (h *Handler) ImportCredentials(c *gin.Context) {
	var body struct {
		SourceRoot string `json:"source_root" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abort(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	imported, err := h.svc.CLIs.ImportCredentials(body.SourceRoot)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"imported": imported})
}

// ListRuns lists runs with optional engine/status/since/limit filters.
// GET /v1/management/runs
func (h *Handler) ListRuns(c *gin.Context) {
	filter := store.RunFilter{
		Engine: v1.Engine(c.Query("engine")),
		Status: v1.RunStatus(c.Query("status")),
		Limit:  int(queryInt64(c, "limit")),
	}
	if ts, ok := queryTime(c, "since"); ok {
		filter.Since = ts
	}
	runs, err := h.svc.Store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GetConcurrency reports slot and queue occupancy.
// GET /v1/management/concurrency
func (h *Handler) GetConcurrency(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Slots.State())
}

// ListModels resolves every engine's model set.
// GET /v1/management/models
func (h *Handler) ListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": h.svc.Models.ResolveAll(c.Request.Context())})
}

// PinModels pins an engine's model set to a fixed list.
// POST /v1/management/models/:engine/pin
func (h *Handler) PinModels(c *gin.Context) {
	engine := v1.Engine(c.Param("engine"))
	if !v1.ValidEngine(engine) {
		h.abort(c, apperrors.ValidationError("engine", "unknown engine"))
		return
	}
	var body struct {
		Models []string `json:"models" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abort(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	if err := h.svc.Models.Pin(engine, body.Models); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"engine": engine, "pinned": true})
}

// UnpinModels removes an engine's pinned model set.
// DELETE /v1/management/models/:engine/pin
func (h *Handler) UnpinModels(c *gin.Context) {
	engine := v1.Engine(c.Param("engine"))
	if !v1.ValidEngine(engine) {
		h.abort(c, apperrors.ValidationError("engine", "unknown engine"))
		return
	}
	if err := h.svc.Models.Unpin(engine); err != nil {
		h.abort(c, err)
		return
	}
	h.svc.Models.Invalidate(engine)
	c.JSON(http.StatusOK, gin.H{"engine": engine, "pinned": false})
}

// RunCleanupSweep triggers one retention sweep immediately.
// POST /v1/management/cleanup/sweep
func (h *Handler) RunCleanupSweep(c *gin.Context) {
	if err := h.svc.Cleanup.Sweep(c.Request.Context()); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"swept": true})
}

// ClearAll deletes every run, request and trust entry. Active runs must be
// cancelled first.
// POST /v1/management/cleanup/clear-all
func (h *Handler) ClearAll(c *gin.Context) {
	active, err := h.svc.Store.NonTerminalRuns(c.Request.Context())
	if err != nil {
		h.abort(c, err)
		return
	}
	if len(active) > 0 {
		h.abort(c, apperrors.Conflict("active runs exist; cancel them before clearing"))
		return
	}
	if err := h.svc.Cleanup.ClearAll(c.Request.Context()); err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
