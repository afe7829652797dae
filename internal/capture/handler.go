package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/voicevault/capture/internal/events"
	"github.com/voicevault/capture/internal/models"
	"github.com/voicevault/capture/internal/recordings"
	"github.com/voicevault/capture/pkg/response"
)

// Handler drives capture sessions over HTTP and relays session events to
// the event bus.
type Handler struct {
	svc    *Service
	rec    *recordings.Service
	bus    *events.Bus
	logger *zap.Logger

	mu      sync.Mutex
	current *liveCapture
}

// liveCapture tracks the session started by this handler together with the
// binding requested at start time. failed and rec are written only by the
// watcher goroutine before done is closed.
type liveCapture struct {
	sess      *Session
	projectID string
	meetingID string

	done   chan struct{}
	failed bool
	rec    *models.Recording
}

// NewHandler creates a capture handler.
func NewHandler(svc *Service, rec *recordings.Service, bus *events.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, rec: rec, bus: bus, logger: logger}
}

type startRequest struct {
	ProjectID string `json:"project_id"`
	MeetingID string `json:"meeting_id"`
}

// Start begins a capture session. An optional binding in the body makes the
// eventual recording bound from the moment it is committed.
// POST /capture/start
func (h *Handler) Start(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "invalid body")
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sess, err := h.svc.Start(c.Request.Context())
	switch {
	case errors.Is(err, ErrDeviceBusy):
		response.Conflict(c, "a capture session is already active")
		return
	case errors.Is(err, ErrPermissionDenied):
		response.Forbidden(c, "audio capture permission denied")
		return
	case err != nil:
		h.logger.Error("capture start failed", zap.Error(err))
		response.Internal(c, "failed to start capture")
		return
	}

	lc := &liveCapture{
		sess:      sess,
		projectID: req.ProjectID,
		meetingID: req.MeetingID,
		done:      make(chan struct{}),
	}
	h.current = lc
	go h.watch(lc)

	h.bus.Publish(events.TypeCaptureState, "", gin.H{"state": "recording"})
	response.OK(c, gin.H{
		"file_name":  sess.FileName(),
		"started_at": sess.StartedAt(),
	})
}

// Stop finalizes the active session and commits the recording to the ledger.
// POST /capture/stop
func (h *Handler) Stop(c *gin.Context) {
	lc := h.take()
	if lc == nil {
		response.Conflict(c, "no active capture session")
		return
	}

	res, err := h.svc.Stop()
	if err != nil {
		h.logger.Error("capture stop failed", zap.Error(err))
		response.Internal(c, "failed to stop capture")
		return
	}
	<-lc.done

	h.bus.Publish(events.TypeCaptureState, "", gin.H{"state": "idle"})

	// The session may have already ended on its own. The watcher committed
	// the partial recording in that case; hand back that row.
	if lc.failed {
		response.OK(c, lc.rec)
		return
	}
	if res == nil {
		response.Conflict(c, "no active capture session")
		return
	}

	// Commit on a detached context: the file is already finalized, and a
	// client that disconnected mid-stop must not abort the ledger write and
	// orphan the artifact.
	rec, err := h.rec.RecordCapture(context.Background(), res.Path, res.FileName, res.Duration, res.StartedAt, res.EndedAt, lc.projectID, lc.meetingID)
	if err != nil {
		h.logger.Error("commit capture failed", zap.String("file", res.FileName), zap.Error(err))
		response.Internal(c, "failed to commit recording")
		return
	}
	response.OK(c, rec)
}

// Cancel aborts the active session and discards the partial file.
// POST /capture/cancel
func (h *Handler) Cancel(c *gin.Context) {
	lc := h.take()
	if lc == nil {
		response.Conflict(c, "no active capture session")
		return
	}

	if err := h.svc.Cancel(true); err != nil {
		h.logger.Error("capture cancel failed", zap.Error(err))
		response.Internal(c, "failed to cancel capture")
		return
	}
	<-lc.done

	// If the session died before the cancel arrived, the watcher already
	// committed a row for a file the user never wanted. Drop it.
	if lc.failed && lc.rec != nil {
		if err := h.rec.Delete(context.Background(), lc.rec.ID); err != nil {
			h.logger.Warn("discard failed capture", zap.String("recording_id", lc.rec.ID.String()), zap.Error(err))
		}
	}

	h.bus.Publish(events.TypeCaptureState, "", gin.H{"state": "idle"})
	response.NoContent(c)
}

// Status reports the active session, if any.
// GET /capture/status
func (h *Handler) Status(c *gin.Context) {
	h.mu.Lock()
	lc := h.current
	h.mu.Unlock()
	if lc == nil {
		response.OK(c, gin.H{"state": "idle"})
		return
	}
	response.OK(c, gin.H{
		"state":      lc.sess.State().String(),
		"file_name":  lc.sess.FileName(),
		"started_at": lc.sess.StartedAt(),
	})
}

func (h *Handler) take() *liveCapture {
	h.mu.Lock()
	defer h.mu.Unlock()
	lc := h.current
	h.current = nil
	return lc
}

// watch forwards session events to the bus and, should the session end on
// its own, commits the partial file so it is never lost.
func (h *Handler) watch(lc *liveCapture) {
	defer close(lc.done)
	for ev := range lc.sess.Events() {
		switch ev.Kind {
		case EventSample:
			h.bus.Publish(events.TypeCaptureSample, "", gin.H{
				"elapsed_ms": ev.Sample.Elapsed.Milliseconds(),
				"level":      ev.Sample.Level,
			})
		case EventInterrupted:
			h.bus.Publish(events.TypeCaptureState, "", gin.H{"state": "interrupted"})
		case EventResumed:
			h.bus.Publish(events.TypeCaptureState, "", gin.H{"state": "recording"})
		case EventFailed:
			h.logger.Warn("capture session ended on its own",
				zap.String("file", lc.sess.FileName()), zap.Error(ev.Err))
			rec, err := h.rec.RecordCapture(context.Background(),
				lc.sess.Destination(), lc.sess.FileName(), ev.Sample.Elapsed,
				lc.sess.StartedAt(), time.Now(), lc.projectID, lc.meetingID)
			if err != nil {
				h.logger.Error("commit interrupted capture failed",
					zap.String("file", lc.sess.FileName()), zap.Error(err))
			} else {
				lc.rec = rec
			}
			lc.failed = true
			h.bus.Publish(events.TypeCaptureState, "", gin.H{"state": "failed"})
		}
	}
}
