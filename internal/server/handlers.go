package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/skillrunner/skillrunner/internal/common/errors"
	"github.com/skillrunner/skillrunner/internal/common/logger"
	"github.com/skillrunner/skillrunner/internal/services"
	"github.com/skillrunner/skillrunner/internal/store"
	v1 "github.com/skillrunner/skillrunner/pkg/api/v1"
)

// maxUploadBytes caps skill-package and input uploads.
const maxUploadBytes = 128 << 20

// Handler contains the HTTP handlers for the job API.
type Handler struct {
	svc    *services.Services
	logger *logger.Logger
}

// NewHandler creates a new API handler.
func NewHandler(svc *services.Services, log *logger.Logger) *Handler {
	return &Handler{
		svc:    svc,
		logger: log.WithComponent("server"),
	}
}

func (h *Handler) abort(c *gin.Context, err error) {
	appErr := apperrors.Wrap(err, "request failed")
	c.JSON(appErr.HTTPStatus, appErr)
}

// SubmitJob creates a request (and unless deferred, its run) for an installed
// skill.
// POST /v1/jobs
func (h *Handler) SubmitJob(c *gin.Context) {
	h.submit(c, v1.RunSourceInstalled)
}

// SubmitTempSkillRun creates a request for an uploaded one-shot skill
// package. The run is always deferred until the package arrives via upload
// and StartJob is called.
// POST /v1/temp-skill-runs
func (h *Handler) SubmitTempSkillRun(c *gin.Context) {
	h.submit(c, v1.RunSourceTemp)
}

func (h *Handler) submit(c *gin.Context, source v1.RunSource) {
	var body SubmitJobRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abort(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	if !v1.ValidEngine(body.Engine) {
		h.abort(c, apperrors.ValidationError("engine", fmt.Sprintf("unknown engine %q", body.Engine)))
		return
	}
	if source == v1.RunSourceInstalled {
		if body.SkillID == "" {
			h.abort(c, apperrors.ValidationError("skill_id", "skill_id is required"))
			return
		}
		if _, err := h.svc.Skills.Get(body.SkillID); err != nil {
			h.abort(c, apperrors.NotFound("skill", body.SkillID))
			return
		}
	}
	if err := h.svc.Models.Validate(c.Request.Context(), body.Engine, body.Model); err != nil {
		h.abort(c, err)
		return
	}

	req := &v1.Request{
		RequestID:      uuid.NewString(),
		SkillID:        body.SkillID,
		Engine:         body.Engine,
		RunSource:      source,
		Input:          body.Input,
		Parameter:      body.Parameter,
		Model:          body.Model,
		EngineOptions:  body.EngineOptions,
		RuntimeOptions: body.RuntimeOptions,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.svc.Workspaces.CreateRequest(req); err != nil {
		h.abort(c, err)
		return
	}
	if err := h.svc.Store.CreateRequest(c.Request.Context(), req); err != nil {
		h.abort(c, err)
		return
	}

	// Temp runs need their skill package uploaded before anything can start.
	if source == v1.RunSourceTemp || body.DeferStart {
		c.JSON(http.StatusAccepted, SubmitJobResponse{
			RequestID: req.RequestID,
			Status:    "created",
		})
		return
	}

	runID, err := h.startRun(c, req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitJobResponse{
		RequestID: req.RequestID,
		RunID:     runID,
		Status:    string(v1.RunStatusQueued),
	})
}

// startRun reserves a queue position, allocates the run, promotes any request
// uploads into it and hands it to the orchestrator. Reserving first means a
// full queue rejects the request before a run is assigned, leaving the
// request startable on retry.
func (h *Handler) startRun(c *gin.Context, req *v1.Request) (string, error) {
	if err := h.svc.Orchestrator.Reserve(); err != nil {
		return "", err
	}
	runID, err := h.svc.Workspaces.CreateRun(req)
	if err != nil {
		h.svc.Orchestrator.ReleaseReservation()
		return "", err
	}
	if _, err := h.svc.Store.AssignRun(c.Request.Context(), req.RequestID, runID); err != nil {
		h.svc.Orchestrator.ReleaseReservation()
		return "", err
	}
	if err := h.svc.Workspaces.PromoteRequestUploads(req.RequestID, runID); err != nil {
		h.svc.Orchestrator.ReleaseReservation()
		return "", err
	}
	h.svc.Orchestrator.StartReserved(runID)
	return runID, nil
}

// StartJob starts a deferred run once its uploads are in place.
// POST /v1/jobs/:requestId/start
func (h *Handler) StartJob(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	if req.RunID != "" {
		h.abort(c, apperrors.Conflict("run already started"))
		return
	}
	runID, err := h.startRun(c, req)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitJobResponse{
		RequestID: req.RequestID,
		RunID:     runID,
		Status:    string(v1.RunStatusQueued),
	})
}

// UploadPackage extracts a zip into the request's uploads directory. Uploads
// are only accepted before the run starts.
// POST /v1/jobs/:requestId/upload
func (h *Handler) UploadPackage(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	if req.RunID != "" {
		h.abort(c, apperrors.Conflict("uploads are closed once the run has started"))
		return
	}

	file, _, err := c.Request.FormFile("file")
	if err != nil {
		h.abort(c, apperrors.BadRequest("multipart field 'file' is required"))
		return
	}
	defer file.Close()

	zipBytes, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		h.abort(c, err)
		return
	}
	if len(zipBytes) > maxUploadBytes {
		h.abort(c, apperrors.Unprocessable("upload exceeds the size limit"))
		return
	}

	extracted, err := h.svc.Workspaces.HandleUpload(req.RequestID, zipBytes)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, UploadResponse{
		RequestID:      req.RequestID,
		ExtractedFiles: extracted,
	})
}

// GetJob returns the request plus the current run snapshot.
// GET /v1/jobs/:requestId
func (h *Handler) GetJob(c *gin.Context) {
	req, ok := h.request(c)
	if !ok {
		return
	}
	if req.RunID == "" {
		c.JSON(http.StatusOK, gin.H{
			"request_id": req.RequestID,
			"skill_id":   req.SkillID,
			"engine":     req.Engine,
			"run_source": req.RunSource,
			"status":     "created",
		})
		return
	}
	snapshot, err := h.svc.Observability.Snapshot(c.Request.Context(), req.RunID)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id": req.RequestID,
		"skill_id":   req.SkillID,
		"engine":     req.Engine,
		"run_source": req.RunSource,
		"run":        snapshot,
		"active":     h.svc.Orchestrator.HasActive(req.RunID),
	})
}

// GetPendingInteraction returns the run's pending interaction, if any.
// GET /v1/jobs/:requestId/interaction/pending
func (h *Handler) GetPendingInteraction(c *gin.Context) {
	req, runID, ok := h.run(c)
	if !ok {
		return
	}
	pending, err := h.svc.Interactions.Pending(c.Request.Context(), runID)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, PendingResponse{RequestID: req.RequestID, Pending: pending})
}

// SubmitInteractionReply resolves the pending interaction with a user reply.
// Stale or not-waiting replies come back as 409 with the outcome named.
// POST /v1/jobs/:requestId/interaction/reply
func (h *Handler) SubmitInteractionReply(c *gin.Context) {
	req, runID, ok := h.run(c)
	if !ok {
		return
	}
	var body ReplyRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		h.abort(c, apperrors.ValidationError("request", err.Error()))
		return
	}

	outcome, err := h.svc.Interactions.SubmitReply(c.Request.Context(), runID, body.InteractionID, body.Response)
	if err != nil {
		h.abort(c, err)
		return
	}
	status := http.StatusOK
	if outcome != v1.ReplyAccepted {
		status = http.StatusConflict
	}
	c.JSON(status, ReplyResponse{RequestID: req.RequestID, Outcome: outcome})
}

// CancelJob cancels the run. Idempotent: cancelling a terminal run reports
// the terminal status with accepted=false.
// POST /v1/jobs/:requestId/cancel
func (h *Handler) CancelJob(c *gin.Context) {
	req, runID, ok := h.run(c)
	if !ok {
		return
	}
	result, err := h.svc.Orchestrator.CancelRun(c.Request.Context(), runID)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, CancelResponse{
		RequestID: req.RequestID,
		Status:    result.Status,
		Accepted:  result.Accepted,
	})
}

// StreamEvents serves the run's conversation over SSE: snapshot, replay from
// ?cursor, live tail with heartbeats, end on terminal.
// GET /v1/jobs/:requestId/events
func (h *Handler) StreamEvents(c *gin.Context) {
	_, runID, ok := h.run(c)
	if !ok {
		return
	}
	cursor := queryInt64(c, "cursor")
	if err := h.svc.Observability.ServeEvents(c.Request.Context(), c.Writer, runID, cursor); err != nil {
		h.logger.Debug("event stream ended with error",
			zap.String("run_id", runID), zap.Error(err))
	}
}

// StreamEventsWS mirrors the SSE stream over a WebSocket.
// GET /v1/jobs/:requestId/ws
func (h *Handler) StreamEventsWS(c *gin.Context) {
	_, runID, ok := h.run(c)
	if !ok {
		return
	}
	cursor := queryInt64(c, "cursor")
	_ = h.svc.Observability.ServeEventsWS(c.Writer, c.Request, runID, cursor)
}

// GetEventHistory returns persisted events with stream/seq/ts filters plus
// the attempt list.
// GET /v1/jobs/:requestId/events/history
func (h *Handler) GetEventHistory(c *gin.Context) {
	_, runID, ok := h.run(c)
	if !ok {
		return
	}
	query := v1.EventQuery{
		Stream:  v1.EventStream(c.Query("stream")),
		Attempt: int(queryInt64(c, "attempt")),
		FromSeq: queryInt64(c, "from_seq"),
		ToSeq:   queryInt64(c, "to_seq"),
		Limit:   int(queryInt64(c, "limit")),
	}
	if ts, ok := queryTime(c, "from_ts"); ok {
		query.FromTS = &ts
	}
	if ts, ok := queryTime(c, "to_ts"); ok {
		query.ToTS = &ts
	}

	history, err := h.svc.Observability.History(c.Request.Context(), runID, query)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// GetLogRange returns bytes [byte_from, byte_to) of logs/<stream>.txt.
// GET /v1/jobs/:requestId/logs/range
func (h *Handler) GetLogRange(c *gin.Context) {
	_, runID, ok := h.run(c)
	if !ok {
		return
	}
	chunk, err := h.svc.Observability.LogRange(runID,
		c.DefaultQuery("stream", "stdout"),
		queryInt64(c, "byte_from"),
		queryInt64(c, "byte_to"))
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, chunk)
}

// GetResult returns result/result.json verbatim.
// GET /v1/jobs/:requestId/result
func (h *Handler) GetResult(c *gin.Context) {
	_, runID, ok := h.run(c)
	if !ok {
		return
	}
	raw, err := h.svc.Observability.Result(runID)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

// GetArtifacts lists the run's artifact files.
// GET /v1/jobs/:requestId/artifacts
func (h *Handler) GetArtifacts(c *gin.Context) {
	req, runID, ok := h.run(c)
	if !ok {
		return
	}
	files, err := h.svc.Observability.Artifacts(runID)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, ArtifactsResponse{RequestID: req.RequestID, Artifacts: files})
}

// PreviewFile returns the text content of one workspace file. Binary blobs
// and oversized files are refused with 422.
// GET /v1/jobs/:requestId/preview?path=artifacts/out.txt
func (h *Handler) PreviewFile(c *gin.Context) {
	_, runID, ok := h.run(c)
	if !ok {
		return
	}
	path := c.Query("path")
	if path == "" {
		h.abort(c, apperrors.ValidationError("path", "query parameter 'path' is required"))
		return
	}
	preview, err := h.svc.Observability.Preview(runID, path)
	if err != nil {
		h.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, preview)
}

// DownloadBundle streams a zip of the whole run directory.
// GET /v1/jobs/:requestId/bundle
func (h *Handler) DownloadBundle(c *gin.Context) {
	_, runID, ok := h.run(c)
	if !ok {
		return
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+".zip"))
	if err := h.svc.Observability.WriteBundle(c.Writer, runID); err != nil {
		h.logger.Warn("bundle download failed",
			zap.String("run_id", runID), zap.Error(err))
	}
}

// request loads the request named by the :requestId path parameter.
func (h *Handler) request(c *gin.Context) (*v1.Request, bool) {
	requestID := c.Param("requestId")
	req, err := h.svc.Store.GetRequest(c.Request.Context(), requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			err = apperrors.NotFound("request", requestID)
		}
		h.abort(c, err)
		return nil, false
	}
	return req, true
}

// run resolves the request and requires its run to exist.
func (h *Handler) run(c *gin.Context) (*v1.Request, string, bool) {
	req, ok := h.request(c)
	if !ok {
		return nil, "", false
	}
	if req.RunID == "" {
		h.abort(c, apperrors.NotFound("run", req.RequestID))
		return nil, "", false
	}
	return req, req.RunID, true
}

func queryInt64(c *gin.Context, name string) int64 {
	raw := c.Query(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func queryTime(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}
