package recordings

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicevault/capture/pkg/response"
)

// Handler exposes the recording ledger over HTTP.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a recordings handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, logger: logger}
}

// List returns recordings, optionally filtered by project and/or status.
// GET /recordings?project_id=&status=
func (h *Handler) List(c *gin.Context) {
	list, err := h.svc.Ledger().Fetch(c.Request.Context(), c.Query("project_id"), c.Query("status"))
	if err != nil {
		h.logger.Error("list recordings failed", zap.Error(err))
		response.Internal(c, "failed to list recordings")
		return
	}
	response.OK(c, list)
}

// ListDrafts returns unbound recordings, newest first.
// GET /recordings/drafts
func (h *Handler) ListDrafts(c *gin.Context) {
	list, err := h.svc.Ledger().FetchDrafts(c.Request.Context())
	if err != nil {
		h.logger.Error("list drafts failed", zap.Error(err))
		response.Internal(c, "failed to list drafts")
		return
	}
	response.OK(c, list)
}

type bindRequest struct {
	ProjectID   string `json:"project_id" binding:"required"`
	MeetingID   string `json:"meeting_id"`
	Title       string `json:"title"`
	Location    string `json:"location"`
	Description string `json:"description"`
	CustomName  string `json:"custom_name"`
}

// Bind binds a draft to a project/meeting and kicks off the upload.
// POST /recordings/:id/bind
func (h *Handler) Bind(c *gin.Context) {
	id, ok := recordingID(c)
	if !ok {
		return
	}
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "project_id is required")
		return
	}
	rec, err := h.svc.Bind(c.Request.Context(), id, BindRequest{
		ProjectID:   req.ProjectID,
		MeetingID:   req.MeetingID,
		Title:       req.Title,
		Location:    req.Location,
		Description: req.Description,
		CustomName:  req.CustomName,
	})
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "recording not found")
	case errors.Is(err, ErrAlreadyBound):
		response.Conflict(c, "recording is already bound")
	case err != nil:
		h.logger.Error("bind failed", zap.String("recording_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to bind recording")
	default:
		response.OK(c, rec)
	}
}

// Retry re-runs the delivery sequence for a bound recording.
// POST /recordings/:id/retry-upload
func (h *Handler) Retry(c *gin.Context) {
	id, ok := recordingID(c)
	if !ok {
		return
	}
	err := h.svc.Retry(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "recording not found")
	case err != nil:
		// Draft and in-flight rejections are caller errors, not server ones.
		response.Conflict(c, err.Error())
	default:
		response.OK(c, gin.H{"recording_id": id})
	}
}

type renameRequest struct {
	CustomName string `json:"custom_name" binding:"required"`
}

// Rename sets the user label.
// PATCH /recordings/:id
func (h *Handler) Rename(c *gin.Context) {
	id, ok := recordingID(c)
	if !ok {
		return
	}
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "custom_name is required")
		return
	}
	err := h.svc.Rename(c.Request.Context(), id, req.CustomName)
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "recording not found")
	case err != nil:
		h.logger.Error("rename failed", zap.String("recording_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to rename recording")
	default:
		response.NoContent(c)
	}
}

// Delete removes the recording row and its backing file.
// DELETE /recordings/:id
func (h *Handler) Delete(c *gin.Context) {
	id, ok := recordingID(c)
	if !ok {
		return
	}
	err := h.svc.Delete(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "recording not found")
	case err != nil:
		h.logger.Error("delete failed", zap.String("recording_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to delete recording")
	default:
		response.NoContent(c)
	}
}

// Playback resolves the local file path for playback.
// GET /recordings/:id/playback
func (h *Handler) Playback(c *gin.Context) {
	id, ok := recordingID(c)
	if !ok {
		return
	}
	path, err := h.svc.ResolvePlayback(c.Request.Context(), id)
	switch {
	case errors.Is(err, ErrNotFound):
		response.NotFound(c, "recording not found")
	case errors.Is(err, ErrFileMissing):
		response.Gone(c, "recording file is no longer on disk")
	case err != nil:
		h.logger.Error("playback resolve failed", zap.String("recording_id", id.String()), zap.Error(err))
		response.Internal(c, "failed to resolve playback")
	default:
		response.OK(c, gin.H{"path": path})
	}
}

func recordingID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid recording id")
		return uuid.Nil, false
	}
	return id, true
}
