// Package uploadgw is a reference upload gateway for development. It issues
// pre-signed S3 PUT tickets and verifies uploads on finish. State lives in
// memory; restart it and in-flight tickets are gone, which is fine because
// device-side retries always apply for a fresh ticket.
package uploadgw

import (
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicevault/capture/internal/auth"
	"github.com/voicevault/capture/pkg/response"
	"github.com/voicevault/capture/pkg/storage"
)

type ticketState int

const (
	ticketPending ticketState = iota
	ticketFinished
)

type ticket struct {
	ID          string
	MeetingID   string
	Key         string
	ContentHash string
	Length      int64
	State       ticketState
	IssuedAt    time.Time
}

type applyRequest struct {
	MeetingID     string    `json:"meeting_id" binding:"required"`
	Name          string    `json:"name" binding:"required"`
	Extension     string    `json:"extension"`
	ContentHash   string    `json:"content_hash" binding:"required"`
	Length        int64     `json:"length" binding:"required"`
	FileType      string    `json:"file_type"`
	FromType      string    `json:"from_type"`
	ActualStartAt time.Time `json:"actual_start_at"`
	ActualEndAt   time.Time `json:"actual_end_at"`
}

type finishRequest struct {
	ContentHash string `json:"content_hash" binding:"required"`
}

// Server handles the apply/finish side of the delivery protocol.
type Server struct {
	s3     *storage.S3
	tokens *auth.TokenService
	logger *zap.Logger

	mu      sync.Mutex
	tickets map[string]*ticket
}

// NewServer creates the gateway server.
func NewServer(s3 *storage.S3, tokens *auth.TokenService, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		s3:      s3,
		tokens:  tokens,
		logger:  logger,
		tickets: make(map[string]*ticket),
	}
}

// Register mounts the gateway routes.
func (s *Server) Register(r gin.IRouter) {
	g := r.Group("/uploads", s.requireToken)
	g.POST("/apply", s.apply)
	g.POST("/:id/finish", s.finish)
}

func (s *Server) requireToken(c *gin.Context) {
	header := c.GetHeader("Authorization")
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		response.Unauthorized(c, "missing bearer token")
		c.Abort()
		return
	}
	claims, err := s.tokens.Validate(raw)
	if err != nil {
		response.Unauthorized(c, "invalid token")
		c.Abort()
		return
	}
	c.Set("device_id", claims.DeviceID)
	c.Next()
}

// apply issues an upload ticket. Re-applying for the same pending content
// returns the existing ticket rather than minting a second target.
func (s *Server) apply(c *gin.Context) {
	var req applyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "meeting_id, name, content_hash and length are required")
		return
	}

	s.mu.Lock()
	existing := s.findPending(req.MeetingID, req.ContentHash)
	if existing != nil {
		id, key := existing.ID, existing.Key
		s.mu.Unlock()
		s.respondTicket(c, id, key, req.Name)
		return
	}
	t := &ticket{
		ID:          uuid.NewString(),
		MeetingID:   req.MeetingID,
		ContentHash: req.ContentHash,
		Length:      req.Length,
		IssuedAt:    time.Now(),
	}
	t.Key = storage.RecordingKey(req.MeetingID, t.ID, req.Extension)
	s.tickets[t.ID] = t
	s.mu.Unlock()

	s.logger.Info("upload ticket issued",
		zap.String("upload_id", t.ID),
		zap.String("meeting_id", req.MeetingID),
		zap.Int64("length", req.Length))
	s.respondTicket(c, t.ID, t.Key, req.Name)
}

func (s *Server) respondTicket(c *gin.Context, id, key, name string) {
	url, err := s.s3.GeneratePresignedUploadURL(c.Request.Context(), key, storage.ContentTypeForFilename(name), s.s3.PresignExpire())
	if err != nil {
		s.logger.Error("presign upload failed", zap.String("upload_id", id), zap.Error(err))
		response.Internal(c, "failed to issue upload target")
		return
	}
	response.OK(c, gin.H{
		"id":                id,
		"upload_target_uri": url,
		"content_type":      storage.ContentTypeForFilename(name),
	})
}

// finish verifies the uploaded object and seals the ticket. Repeating a
// finish for an already-sealed ticket succeeds without re-checking S3.
func (s *Server) finish(c *gin.Context) {
	id := c.Param("id")
	var req finishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "content_hash is required")
		return
	}

	s.mu.Lock()
	t, ok := s.tickets[id]
	s.mu.Unlock()
	if !ok {
		response.NotFound(c, "unknown upload")
		return
	}
	if t.ContentHash != req.ContentHash {
		response.Conflict(c, "content hash does not match the applied upload")
		return
	}
	if t.State == ticketFinished {
		response.OK(c, gin.H{"id": t.ID})
		return
	}

	size, err := s.s3.ObjectSize(c.Request.Context(), t.Key)
	if err != nil {
		s.logger.Warn("finish before object landed", zap.String("upload_id", id), zap.Error(err))
		response.Conflict(c, "uploaded object not found")
		return
	}
	if size != t.Length {
		response.Conflict(c, "uploaded object length does not match the applied length")
		return
	}

	s.mu.Lock()
	t.State = ticketFinished
	s.mu.Unlock()
	s.logger.Info("upload finished", zap.String("upload_id", id), zap.String("key", t.Key))
	response.OK(c, gin.H{"id": t.ID})
}

func (s *Server) findPending(meetingID, contentHash string) *ticket {
	for _, t := range s.tickets {
		if t.State == ticketPending && t.MeetingID == meetingID && t.ContentHash == contentHash {
			return t
		}
	}
	return nil
}
