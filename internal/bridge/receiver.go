package bridge

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicevault/capture/internal/filestore"
	"github.com/voicevault/capture/internal/models"
	"github.com/voicevault/capture/internal/recordings"
)

// Receiver is the primary-device half: a delivered file becomes a draft
// ledger row, never a bound one. The bytes are moved into managed storage
// before anything is written to the ledger, because the transient inbox may
// be purged by the OS.
type Receiver struct {
	ch     Channel
	ledger *recordings.Repository
	files  *filestore.Store
	logger *zap.Logger
}

// NewReceiver creates a receiver and attaches it to the channel.
func NewReceiver(ch Channel, ledger *recordings.Repository, files *filestore.Store, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Receiver{ch: ch, ledger: ledger, files: files, logger: logger}
	ch.OnFileReceived(r.handle)
	return r
}

func (r *Receiver) handle(meta FileMetadata, data []byte) {
	if !meta.Valid() {
		// Drop and log; there is nothing to retry on garbage metadata.
		r.logger.Warn("dropping transfer with invalid metadata", zap.String("file", meta.FileName))
		return
	}
	ctx := context.Background()
	startAt := meta.StartAt()

	// A re-queued transfer after a reachability flap can deliver the same
	// file twice; (fileName, timestamp) keys exactly one draft.
	existing, err := r.ledger.FindByFileNameAndStart(ctx, meta.FileName, startAt)
	if err != nil {
		r.logger.Error("dedupe lookup failed", zap.String("file", meta.FileName), zap.Error(err))
		return
	}
	if existing != nil {
		r.ack(meta)
		return
	}

	path, err := r.files.IngestBytes(meta.FileName, data)
	if err != nil {
		r.logger.Error("ingest transferred file failed", zap.String("file", meta.FileName), zap.Error(err))
		return
	}

	rec := &models.Recording{
		ID:             uuid.New(),
		FileName:       meta.FileName,
		LocalFilePath:  path,
		FileSize:       meta.FileSize,
		Duration:       meta.Duration,
		CustomName:     "Watch recording " + startAt.Format("2006-01-02 15:04"),
		UploadStatus:   models.UploadStatusPending,
		UploadProgress: 0,
		ActualStartAt:  startAt,
		ActualEndAt:    startAt.Add(time.Duration(meta.Duration) * time.Second),
	}
	if err := r.ledger.Upsert(ctx, rec); err != nil {
		r.logger.Error("insert transferred draft failed", zap.String("file", meta.FileName), zap.Error(err))
		return
	}
	r.logger.Info("companion capture received",
		zap.String("file", meta.FileName), zap.String("recording_id", rec.ID.String()))
	r.ack(meta)
}

// ack is best-effort: a lost ack means the sender re-delivers and the dedupe
// key absorbs it, never a re-send loop.
func (r *Receiver) ack(meta FileMetadata) {
	if err := r.ch.SendAck(Ack{FileName: meta.FileName, TimestampMS: meta.TimestampMS}); err != nil {
		r.logger.Debug("ack send failed", zap.String("file", meta.FileName), zap.Error(err))
	}
}
