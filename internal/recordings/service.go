package recordings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/voicevault/capture/internal/binding"
	"github.com/voicevault/capture/internal/filestore"
	"github.com/voicevault/capture/internal/models"
)

// Service errors.
var (
	ErrNotFound     = errors.New("recording not found")
	ErrFileMissing  = errors.New("recording file missing")
	ErrAlreadyBound = errors.New("recording already bound")
)

// Uploader hands bound recordings to the delivery pipeline. Satisfied by the
// upload coordinator.
type Uploader interface {
	Start(rec models.Recording) error
	Retry(rec models.Recording) error
}

// Service orchestrates the ledger operations that involve more than the row:
// file-coupled deletes, the bind flow, playback resolution and the integrity
// sweep.
type Service struct {
	ledger   *Repository
	files    *filestore.Store
	binder   binding.Service
	uploader Uploader
	logger   *zap.Logger

	// bindMu serializes the whole bind flow. The draft check, the meeting
	// creation and the ledger update span a network call, and two concurrent
	// binds of the same draft must not both create a meeting.
	bindMu sync.Mutex
}

// NewService creates the recordings service. binder and uploader may be nil
// on hosts without a backend (companion device).
func NewService(ledger *Repository, files *filestore.Store, binder binding.Service, uploader Uploader, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{ledger: ledger, files: files, binder: binder, uploader: uploader, logger: logger}
}

// Ledger exposes the underlying repository.
func (s *Service) Ledger() *Repository { return s.ledger }

// Delete removes a recording and its backing file as one logical operation.
// The file goes first: a crash between the two leaves at worst an orphaned
// file the sweep can collect, never a row pointing at nothing. A file that
// is already gone does not block the row delete.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	rec, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	if err := s.files.Remove(rec.LocalFilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete recording file: %w", err)
	}
	if err := s.ledger.Remove(ctx, id); err != nil {
		return err
	}
	s.logger.Info("recording deleted", zap.String("recording_id", id.String()))
	return nil
}

// Rename sets the user label.
func (s *Service) Rename(ctx context.Context, id uuid.UUID, customName string) error {
	rec, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	return s.ledger.Rename(ctx, id, customName)
}

// BindRequest describes a bind-draft-to-project call. MeetingID may be
// empty, in which case a meeting is created first.
type BindRequest struct {
	ProjectID   string
	MeetingID   string
	Title       string
	Location    string
	Description string
	CustomName  string
}

// Bind transitions a draft to bound and immediately hands it to the
// uploader. Binding never mutates file fields, and a repeated bind with the
// same ids is a no-op on the row.
func (s *Service) Bind(ctx context.Context, id uuid.UUID, req BindRequest) (*models.Recording, error) {
	s.bindMu.Lock()
	defer s.bindMu.Unlock()

	rec, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if !rec.IsDraft() {
		if sameBinding(rec, req) {
			return rec, nil
		}
		return nil, ErrAlreadyBound
	}

	meetingID := req.MeetingID
	if meetingID == "" {
		if s.binder == nil {
			return nil, fmt.Errorf("no meeting id and no binding service configured")
		}
		title := req.Title
		if title == "" {
			title = rec.CustomName
		}
		meeting, err := s.binder.CreateMeeting(ctx, req.ProjectID, title, rec.ActualStartAt, req.Location, req.Description)
		if err != nil {
			return nil, fmt.Errorf("create meeting: %w", err)
		}
		meetingID = meeting.ID
	}

	claimed, err := s.ledger.Bind(ctx, id, &req.ProjectID, &meetingID, req.CustomName)
	if err != nil {
		return nil, err
	}
	rec, err = s.ledger.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	if !claimed {
		// Another writer (a second agent sharing the ledger) bound the row
		// between our check and the update. The ledger refused the overwrite.
		if sameBinding(rec, req) {
			return rec, nil
		}
		return nil, ErrAlreadyBound
	}

	if s.uploader != nil {
		if err := s.uploader.Start(*rec); err != nil {
			// The binding holds either way; the upload is retryable.
			s.logger.Warn("upload start after bind failed",
				zap.String("recording_id", id.String()), zap.Error(err))
		}
	}
	return rec, nil
}

// Retry re-runs the delivery sequence for a bound recording.
func (s *Service) Retry(ctx context.Context, id uuid.UUID) error {
	rec, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrNotFound
	}
	if s.uploader == nil {
		return fmt.Errorf("no uploader configured")
	}
	return s.uploader.Retry(*rec)
}

// ResolvePlayback returns the local path for playback. A missing file makes
// the row unplayable except while an upload is in flight, when the backing
// file may be transiently relocated or still being finalized.
func (s *Service) ResolvePlayback(ctx context.Context, id uuid.UUID) (string, error) {
	rec, err := s.ledger.GetByID(ctx, id)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", ErrNotFound
	}
	if !s.files.Exists(rec.LocalFilePath) && rec.UploadStatus != models.UploadStatusUploading {
		return "", ErrFileMissing
	}
	return rec.LocalFilePath, nil
}

// RecordCapture inserts a finished capture into the ledger as pending. With
// a pre-declared binding the row is inserted bound and handed to the
// uploader right away; otherwise it is a draft waiting for the user.
func (s *Service) RecordCapture(ctx context.Context, path, fileName string, duration time.Duration, startAt, endAt time.Time, projectID, meetingID string) (*models.Recording, error) {
	size, err := s.files.SizeOf(path)
	if err != nil {
		return nil, err
	}
	rec := &models.Recording{
		ID:            uuid.New(),
		FileName:      fileName,
		LocalFilePath: path,
		FileSize:      size,
		Duration:      int(duration.Round(time.Second).Seconds()),
		CustomName:    "Recording " + startAt.Format("2006-01-02 15:04"),
		UploadStatus:  models.UploadStatusPending,
		ActualStartAt: startAt,
		ActualEndAt:   endAt,
	}
	if projectID != "" && meetingID != "" {
		rec.BindingProjectID = &projectID
		rec.BindingMeetingID = &meetingID
	}
	if err := s.ledger.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	if !rec.IsDraft() && s.uploader != nil {
		if err := s.uploader.Start(*rec); err != nil {
			s.logger.Warn("upload start after capture failed",
				zap.String("recording_id", rec.ID.String()), zap.Error(err))
		}
	}
	return rec, nil
}

// Sweep prunes rows whose backing file is gone, skipping rows mid-upload.
// Returns the number of rows pruned.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	list, err := s.ledger.Fetch(ctx, "", "")
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, rec := range list {
		if rec.UploadStatus == models.UploadStatusUploading {
			continue
		}
		if s.files.Exists(rec.LocalFilePath) {
			continue
		}
		if err := s.ledger.Remove(ctx, rec.ID); err != nil {
			s.logger.Warn("sweep remove failed", zap.String("recording_id", rec.ID.String()), zap.Error(err))
			continue
		}
		pruned++
	}
	if pruned > 0 {
		s.logger.Info("integrity sweep pruned rows", zap.Int("count", pruned))
	}
	return pruned, nil
}

func sameBinding(rec *models.Recording, req BindRequest) bool {
	return rec.BindingProjectID != nil && *rec.BindingProjectID == req.ProjectID &&
		rec.BindingMeetingID != nil && (req.MeetingID == "" || *rec.BindingMeetingID == req.MeetingID)
}
