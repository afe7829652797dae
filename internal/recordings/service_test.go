package recordings

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicevault/capture/internal/binding"
	"github.com/voicevault/capture/internal/filestore"
	"github.com/voicevault/capture/internal/models"
)

type fakeUploader struct {
	mu      sync.Mutex
	started []models.Recording
	retried []models.Recording
}

func (f *fakeUploader) Start(rec models.Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, rec)
	return nil
}

func (f *fakeUploader) Retry(rec models.Recording) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retried = append(f.retried, rec)
	return nil
}

func (f *fakeUploader) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type fakeBinder struct {
	created []string
}

func (f *fakeBinder) CreateMeeting(_ context.Context, projectID, title string, _ time.Time, _, _ string) (binding.Meeting, error) {
	f.created = append(f.created, title)
	return binding.Meeting{ID: "meet-created", ProjectID: projectID, Title: title}, nil
}

type serviceFixture struct {
	svc      *Service
	ledger   *Repository
	files    *filestore.Store
	uploader *fakeUploader
	binder   *fakeBinder
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	ledger := newTestLedger(t)
	files, err := filestore.New(afero.NewMemMapFs(), "recordings")
	require.NoError(t, err)
	uploader := &fakeUploader{}
	binder := &fakeBinder{}
	return &serviceFixture{
		svc:      NewService(ledger, files, binder, uploader, nil),
		ledger:   ledger,
		files:    files,
		uploader: uploader,
		binder:   binder,
	}
}

func (f *serviceFixture) mustRecord(t *testing.T, projectID, meetingID string) *models.Recording {
	t.Helper()
	path, name := f.files.Allocate(time.Now())
	_, err := f.files.IngestBytes(name, []byte("audio bytes"))
	require.NoError(t, err)
	rec, err := f.svc.RecordCapture(context.Background(), path, name,
		95*time.Second, time.Now().Add(-95*time.Second), time.Now(), projectID, meetingID)
	require.NoError(t, err)
	return rec
}

func TestRecordCaptureDraft(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.mustRecord(t, "", "")

	assert.True(t, rec.IsDraft())
	assert.Equal(t, models.UploadStatusPending, rec.UploadStatus)
	assert.Equal(t, 95, rec.Duration)
	assert.Equal(t, int64(len("audio bytes")), rec.FileSize)
	assert.Contains(t, rec.CustomName, "Recording ")
	assert.Zero(t, f.uploader.startedCount())
}

func TestRecordCaptureWithBindingStartsUpload(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.mustRecord(t, "proj-1", "meet-1")

	assert.False(t, rec.IsDraft())
	require.Equal(t, 1, f.uploader.startedCount())
	assert.Equal(t, rec.ID, f.uploader.started[0].ID)
}

func TestBindDraft(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.mustRecord(t, "", "")

	bound, err := f.svc.Bind(context.Background(), rec.ID, BindRequest{
		ProjectID:  "proj-1",
		MeetingID:  "meet-1",
		CustomName: "Standup",
	})
	require.NoError(t, err)
	assert.False(t, bound.IsDraft())
	assert.Equal(t, "Standup", bound.CustomName)
	assert.Equal(t, 1, f.uploader.startedCount())

	// Same binding again is a no-op, not an error, and no second upload.
	again, err := f.svc.Bind(context.Background(), rec.ID, BindRequest{
		ProjectID: "proj-1",
		MeetingID: "meet-1",
	})
	require.NoError(t, err)
	assert.Equal(t, bound.ID, again.ID)
	assert.Equal(t, 1, f.uploader.startedCount())

	// A different binding is rejected; binding is one-way.
	_, err = f.svc.Bind(context.Background(), rec.ID, BindRequest{
		ProjectID: "proj-2",
		MeetingID: "meet-2",
	})
	assert.ErrorIs(t, err, ErrAlreadyBound)
}

func TestConcurrentBindsCreateOneMeeting(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.mustRecord(t, "", "")

	// Two callers race to bind the same draft, each without a meeting id, so
	// each would create a meeting if it got past the draft check.
	reqs := []BindRequest{
		{ProjectID: "proj-1", Title: "First"},
		{ProjectID: "proj-2", Title: "Second"},
	}
	errs := make([]error, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func(i int, req BindRequest) {
			defer wg.Done()
			_, errs[i] = f.svc.Bind(context.Background(), rec.ID, req)
		}(i, req)
	}
	wg.Wait()

	// Exactly one winner, one ErrAlreadyBound, one meeting.
	var won, lost int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, ErrAlreadyBound):
			lost++
		default:
			t.Fatalf("unexpected bind error: %v", err)
		}
	}
	assert.Equal(t, 1, won)
	assert.Equal(t, 1, lost)
	assert.Len(t, f.binder.created, 1)

	// The row holds the winner's project, untouched by the loser.
	got, err := f.ledger.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	require.False(t, got.IsDraft())
	winner := "proj-1"
	if f.binder.created[0] == "Second" {
		winner = "proj-2"
	}
	assert.Equal(t, winner, *got.BindingProjectID)
	assert.Equal(t, "meet-created", *got.BindingMeetingID)
	assert.Equal(t, 1, f.uploader.startedCount())
}

func TestBindCreatesMeetingWhenAbsent(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.mustRecord(t, "", "")

	bound, err := f.svc.Bind(context.Background(), rec.ID, BindRequest{
		ProjectID: "proj-1",
		Title:     "Planning",
	})
	require.NoError(t, err)
	assert.Equal(t, "meet-created", *bound.BindingMeetingID)
	assert.Equal(t, []string{"Planning"}, f.binder.created)
}

func TestBindMissingRecording(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Bind(context.Background(), newDraft("x.m4a", time.Now()).ID, BindRequest{ProjectID: "p"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteRemovesFileAndRow(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.mustRecord(t, "", "")

	require.NoError(t, f.svc.Delete(context.Background(), rec.ID))
	assert.False(t, f.files.Exists(rec.LocalFilePath))
	got, err := f.ledger.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteWithMissingFileStillRemovesRow(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.mustRecord(t, "", "")
	require.NoError(t, f.files.Remove(rec.LocalFilePath))

	require.NoError(t, f.svc.Delete(context.Background(), rec.ID))
	got, err := f.ledger.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestResolvePlayback(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.mustRecord(t, "", "")

	path, err := f.svc.ResolvePlayback(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.LocalFilePath, path)

	// Gone file, not uploading: unplayable.
	require.NoError(t, f.files.Remove(rec.LocalFilePath))
	_, err = f.svc.ResolvePlayback(context.Background(), rec.ID)
	assert.ErrorIs(t, err, ErrFileMissing)

	// Mid-upload the missing file is tolerated.
	require.NoError(t, f.ledger.UpdateStatus(context.Background(), rec.ID, models.UploadStatusUploading, 40))
	path, err = f.svc.ResolvePlayback(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.LocalFilePath, path)
}

func TestSweepPrunesMissingFilesButSkipsUploading(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	kept := f.mustRecord(t, "", "")
	gone := f.mustRecord(t, "", "")
	busy := f.mustRecord(t, "", "")

	require.NoError(t, f.files.Remove(gone.LocalFilePath))
	require.NoError(t, f.files.Remove(busy.LocalFilePath))
	require.NoError(t, f.ledger.UpdateStatus(ctx, busy.ID, models.UploadStatusUploading, 10))

	pruned, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	left, err := f.ledger.Fetch(ctx, "", "")
	require.NoError(t, err)
	ids := map[string]bool{}
	for _, r := range left {
		ids[r.ID.String()] = true
	}
	assert.True(t, ids[kept.ID.String()])
	assert.True(t, ids[busy.ID.String()])
	assert.False(t, ids[gone.ID.String()])
}

func TestRetry(t *testing.T) {
	f := newServiceFixture(t)
	rec := f.mustRecord(t, "proj-1", "meet-1")

	require.NoError(t, f.svc.Retry(context.Background(), rec.ID))
	f.uploader.mu.Lock()
	defer f.uploader.mu.Unlock()
	require.Len(t, f.uploader.retried, 1)
	assert.Equal(t, rec.ID, f.uploader.retried[0].ID)
}
