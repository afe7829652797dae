package upload

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicevault/capture/internal/events"
	"github.com/voicevault/capture/internal/filestore"
	"github.com/voicevault/capture/internal/models"
	"github.com/voicevault/capture/internal/recordings"
)

// Bulk retries must not saturate the device's network stack.
const defaultMaxConcurrent = 3

// Coordinator errors.
var (
	ErrUploadInFlight = errors.New("upload already in flight for recording")
	ErrDraftUpload    = errors.New("upload requires a project/meeting binding")
)

// StatusUpdate is published on the event bus as delivery progresses.
type StatusUpdate struct {
	Status   string `json:"status"`
	Progress int    `json:"progress"`
}

// Coordinator drives apply → transfer → finish for one recording at a time
// per recording id; distinct ids run in parallel under a small worker
// semaphore. Every ledger status write for an id is issued from that id's
// single delivery goroutine, so writes never overtake each other.
type Coordinator struct {
	ledger   *recordings.Repository
	gateway  Gateway
	files    *filestore.Store
	bus      *events.Bus
	logger   *zap.Logger
	client   *http.Client
	fileType string
	fromType string

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}
}

// NewCoordinator creates an upload coordinator.
func NewCoordinator(ledger *recordings.Repository, gateway Gateway, files *filestore.Store, bus *events.Bus, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		ledger:   ledger,
		gateway:  gateway,
		files:    files,
		bus:      bus,
		logger:   logger,
		client:   &http.Client{Timeout: transferTimeout},
		fileType: "audio",
		fromType: "device",
		sem:      make(chan struct{}, defaultMaxConcurrent),
		inflight: make(map[uuid.UUID]struct{}),
	}
}

// Start begins delivery of a bound recording. Rejects drafts, and rejects a
// second concurrent delivery of the same id without touching the gateway.
func (c *Coordinator) Start(rec models.Recording) error {
	if rec.IsDraft() {
		return ErrDraftUpload
	}
	c.mu.Lock()
	if _, busy := c.inflight[rec.ID]; busy {
		c.mu.Unlock()
		return ErrUploadInFlight
	}
	c.inflight[rec.ID] = struct{}{}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(rec)
	return nil
}

// Retry re-runs the whole sequence from Apply with a fresh ticket. There is
// no partial resume of a half-transferred range; recordings are bounded in
// size and the content hash makes the repeat safe.
func (c *Coordinator) Retry(rec models.Recording) error {
	return c.Start(rec)
}

// Wait blocks until all in-flight deliveries settle. Used at shutdown so an
// upload is never hard-cancelled into a forever-"uploading" row.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) run(rec models.Recording) {
	defer c.wg.Done()
	defer func() {
		c.mu.Lock()
		delete(c.inflight, rec.ID)
		c.mu.Unlock()
	}()
	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	// Detached from the caller: if the owning context disappears mid-flight,
	// the attempt runs to completion and the late ledger write is idempotent.
	ctx := context.Background()

	c.setStatus(ctx, rec.ID, models.UploadStatusUploading, 0)

	hash, size, err := c.ensureContent(ctx, &rec)
	if err != nil {
		c.fail(ctx, rec.ID, phaseErr(PhaseApply, err))
		return
	}

	ticket, err := c.gateway.ApplyUpload(ctx, ApplyRequest{
		MeetingID:     *rec.BindingMeetingID,
		Name:          rec.FileName,
		Extension:     filestore.Extension(rec.FileName),
		ContentHash:   hash,
		Length:        size,
		FileType:      c.fileType,
		FromType:      c.fromType,
		ActualStartAt: rec.ActualStartAt,
		ActualEndAt:   rec.ActualEndAt,
	})
	if err != nil {
		c.fail(ctx, rec.ID, phaseErr(PhaseApply, err))
		return
	}
	if err := c.ledger.UpdateRemoteUploadID(ctx, rec.ID, ticket.ID); err != nil {
		c.logger.Warn("persist ticket id failed", zap.String("recording_id", rec.ID.String()), zap.Error(err))
	}

	if err := c.doTransfer(ctx, rec, ticket, size); err != nil {
		c.fail(ctx, rec.ID, phaseErr(PhaseTransfer, err))
		return
	}

	// Not delivered until the backend confirms the hash: a failed finish is
	// a failed upload even though the bytes landed.
	if err := c.gateway.FinishUpload(ctx, ticket.ID, hash); err != nil {
		c.fail(ctx, rec.ID, phaseErr(PhaseFinish, err))
		return
	}

	c.setStatus(ctx, rec.ID, models.UploadStatusCompleted, 100)
	c.logger.Info("upload completed",
		zap.String("recording_id", rec.ID.String()), zap.String("ticket_id", ticket.ID))
}

// ensureContent returns the cached content hash and size, computing and
// persisting them on first use.
func (c *Coordinator) ensureContent(ctx context.Context, rec *models.Recording) (string, int64, error) {
	if rec.ContentHash != nil && *rec.ContentHash != "" && rec.FileSize > 0 {
		return *rec.ContentHash, rec.FileSize, nil
	}
	hash, err := c.files.Hash(rec.LocalFilePath)
	if err != nil {
		return "", 0, err
	}
	size, err := c.files.SizeOf(rec.LocalFilePath)
	if err != nil {
		return "", 0, err
	}
	if err := c.ledger.UpdateContent(ctx, rec.ID, hash, size); err != nil {
		return "", 0, err
	}
	rec.ContentHash = &hash
	rec.FileSize = size
	return hash, size, nil
}

func (c *Coordinator) doTransfer(ctx context.Context, rec models.Recording, ticket Ticket, size int64) error {
	f, err := c.files.Open(rec.LocalFilePath)
	if err != nil {
		return err
	}
	defer f.Close()

	last := -1
	report := func(sent, total int64) {
		if total <= 0 {
			return
		}
		p := int(sent * 100 / total)
		if p > 100 {
			p = 100
		}
		if p <= last {
			return
		}
		last = p
		c.setStatus(ctx, rec.ID, models.UploadStatusUploading, p)
	}
	report(0, size)
	if err := transfer(ctx, c.client, ticket, f, size, report); err != nil {
		return err
	}
	report(size, size)
	return nil
}

func (c *Coordinator) setStatus(ctx context.Context, id uuid.UUID, status string, progress int) {
	if err := c.ledger.UpdateStatus(ctx, id, status, progress); err != nil {
		c.logger.Warn("status write failed",
			zap.String("recording_id", id.String()), zap.String("status", status), zap.Error(err))
	}
	if c.bus != nil {
		c.bus.Publish(events.TypeUploadStatus, id.String(), StatusUpdate{Status: status, Progress: progress})
	}
}

func (c *Coordinator) fail(ctx context.Context, id uuid.UUID, cause *Error) {
	c.setStatus(ctx, id, models.UploadStatusFailed, 0)
	c.logger.Error("upload failed",
		zap.String("recording_id", id.String()), zap.String("phase", string(cause.Phase)), zap.Error(cause.Err))
}

// SetTransport overrides the HTTP client used for transfers (tests).
func (c *Coordinator) SetTransport(client *http.Client) {
	c.client = client
}
