package upload

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voicevault/capture/internal/auth"
	"github.com/voicevault/capture/internal/filestore"
	"github.com/voicevault/capture/internal/models"
	"github.com/voicevault/capture/internal/recordings"
	"github.com/voicevault/capture/pkg/database"
)

// fakeBackend plays the gateway and the storage target in one server.
type fakeBackend struct {
	t   *testing.T
	srv *httptest.Server

	mu        sync.Mutex
	applies   []ApplyRequest
	putBodies [][]byte
	finishes  []string
	failApply bool
	failPut   bool
	failFin   bool
	applyGate chan struct{}
	nextID    int
}

func newFakeBackend(t *testing.T) *fakeBackend {
	b := &fakeBackend{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/uploads/", b.handleGateway)
	mux.HandleFunc("/put/", b.handlePut)
	b.srv = httptest.NewServer(mux)
	t.Cleanup(b.srv.Close)
	return b
}

func (b *fakeBackend) handleGateway(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer test-token" {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "unauthorized"})
		return
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/apply"):
		b.mu.Lock()
		gate := b.applyGate
		b.mu.Unlock()
		if gate != nil {
			<-gate
		}
		var req ApplyRequest
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&req))
		b.mu.Lock()
		if b.failApply {
			b.mu.Unlock()
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "backend down"})
			return
		}
		b.applies = append(b.applies, req)
		b.nextID++
		id := b.nextID
		b.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"id":                fmt.Sprintf("tick-%d", id),
				"upload_target_uri": b.srv.URL + "/put/tick",
				"content_type":      "audio/mp4",
			},
		})
	case strings.HasSuffix(r.URL.Path, "/finish"):
		var body map[string]string
		require.NoError(b.t, json.NewDecoder(r.Body).Decode(&body))
		b.mu.Lock()
		fail := b.failFin
		if !fail {
			b.finishes = append(b.finishes, body["content_hash"])
		}
		b.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "hash mismatch"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *fakeBackend) handlePut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	require.NoError(b.t, err)
	b.mu.Lock()
	fail := b.failPut
	if !fail {
		b.putBodies = append(b.putBodies, data)
	}
	b.mu.Unlock()
	if fail {
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (b *fakeBackend) applyCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.applies)
}

type coordFixture struct {
	coord   *Coordinator
	ledger  *recordings.Repository
	files   *filestore.Store
	backend *fakeBackend
}

func newCoordFixture(t *testing.T) *coordFixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, recordings.Migrate(ctx, db))
	ledger := recordings.NewRepository(db)

	files, err := filestore.New(afero.NewMemMapFs(), "recordings")
	require.NoError(t, err)

	backend := newFakeBackend(t)
	gateway := NewHTTPGateway(backend.srv.URL, auth.StaticProvider("test-token"), nil)
	return &coordFixture{
		coord:   NewCoordinator(ledger, gateway, files, nil, nil),
		ledger:  ledger,
		files:   files,
		backend: backend,
	}
}

func (f *coordFixture) mustBoundRecording(t *testing.T, data []byte) models.Recording {
	t.Helper()
	path, err := f.files.IngestBytes("take.m4a", data)
	require.NoError(t, err)
	project, meeting := "proj-1", "meet-1"
	rec := models.Recording{
		ID:               uuid.New(),
		BindingProjectID: &project,
		BindingMeetingID: &meeting,
		FileName:         "take.m4a",
		LocalFilePath:    path,
		UploadStatus:     models.UploadStatusPending,
		ActualStartAt:    time.Now().Add(-time.Minute),
		ActualEndAt:      time.Now(),
	}
	require.NoError(t, f.ledger.Upsert(context.Background(), &rec))
	return rec
}

func TestUploadHappyPath(t *testing.T) {
	f := newCoordFixture(t)
	data := []byte("the recorded audio")
	rec := f.mustBoundRecording(t, data)

	require.NoError(t, f.coord.Start(rec))
	f.coord.Wait()

	got, err := f.ledger.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCompleted, got.UploadStatus)
	assert.Equal(t, 100, got.UploadProgress)
	require.NotNil(t, got.ContentHash)
	assert.NotEmpty(t, got.RemoteUploadID)
	assert.Equal(t, int64(len(data)), got.FileSize)

	wantHash, err := f.files.Hash(rec.LocalFilePath)
	require.NoError(t, err)
	assert.Equal(t, wantHash, *got.ContentHash)

	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	require.Len(t, f.backend.applies, 1)
	assert.Equal(t, "meet-1", f.backend.applies[0].MeetingID)
	assert.Equal(t, wantHash, f.backend.applies[0].ContentHash)
	assert.Equal(t, int64(len(data)), f.backend.applies[0].Length)
	assert.Equal(t, "m4a", f.backend.applies[0].Extension)
	require.Len(t, f.backend.putBodies, 1)
	assert.Equal(t, data, f.backend.putBodies[0])
	assert.Equal(t, []string{wantHash}, f.backend.finishes)
}

func TestUploadRejectsDraft(t *testing.T) {
	f := newCoordFixture(t)
	rec := f.mustBoundRecording(t, []byte("x"))
	rec.BindingMeetingID = nil

	assert.ErrorIs(t, f.coord.Start(rec), ErrDraftUpload)
}

func TestApplyFailureKeepsBinding(t *testing.T) {
	f := newCoordFixture(t)
	data := []byte("never leaves the device")
	rec := f.mustBoundRecording(t, data)

	f.backend.mu.Lock()
	f.backend.failApply = true
	f.backend.mu.Unlock()

	require.NoError(t, f.coord.Start(rec))
	f.coord.Wait()

	got, err := f.ledger.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusFailed, got.UploadStatus)
	assert.Equal(t, 0, got.UploadProgress)
	// Still bound and still on disk, so an explicit retry can succeed.
	assert.Equal(t, "proj-1", *got.BindingProjectID)
	assert.Equal(t, "meet-1", *got.BindingMeetingID)
	assert.True(t, f.files.Exists(rec.LocalFilePath))

	f.backend.mu.Lock()
	assert.Empty(t, f.backend.putBodies)
	f.backend.mu.Unlock()
}

func TestTransferFailureThenRetry(t *testing.T) {
	f := newCoordFixture(t)
	rec := f.mustBoundRecording(t, []byte("retry me"))

	f.backend.mu.Lock()
	f.backend.failPut = true
	f.backend.mu.Unlock()

	require.NoError(t, f.coord.Start(rec))
	f.coord.Wait()

	got, err := f.ledger.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusFailed, got.UploadStatus)
	assert.Equal(t, 0, got.UploadProgress)

	f.backend.mu.Lock()
	f.backend.failPut = false
	f.backend.mu.Unlock()

	require.NoError(t, f.coord.Retry(*got))
	f.coord.Wait()

	got, err = f.ledger.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCompleted, got.UploadStatus)
	assert.Equal(t, 100, got.UploadProgress)
	// The retry re-ran the whole sequence with a fresh ticket.
	assert.Equal(t, 2, f.backend.applyCount())
}

func TestFinishFailureIsUploadFailure(t *testing.T) {
	f := newCoordFixture(t)
	rec := f.mustBoundRecording(t, []byte("bytes land but finish fails"))

	f.backend.mu.Lock()
	f.backend.failFin = true
	f.backend.mu.Unlock()

	require.NoError(t, f.coord.Start(rec))
	f.coord.Wait()

	got, err := f.ledger.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusFailed, got.UploadStatus)

	// The transfer itself went through; only the confirmation was refused.
	f.backend.mu.Lock()
	defer f.backend.mu.Unlock()
	assert.Len(t, f.backend.putBodies, 1)
}

func TestAtMostOneUploadPerRecording(t *testing.T) {
	f := newCoordFixture(t)
	rec := f.mustBoundRecording(t, []byte("slow upload"))

	gate := make(chan struct{})
	f.backend.mu.Lock()
	f.backend.applyGate = gate
	f.backend.mu.Unlock()

	require.NoError(t, f.coord.Start(rec))
	assert.ErrorIs(t, f.coord.Start(rec), ErrUploadInFlight)

	close(gate)
	f.coord.Wait()

	// Once settled the id is free again.
	got, err := f.ledger.GetByID(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusCompleted, got.UploadStatus)
	require.NoError(t, f.coord.Start(*got))
	f.coord.Wait()
}

func TestErrorCarriesPhase(t *testing.T) {
	err := phaseErr(PhaseTransfer, io.ErrUnexpectedEOF)
	assert.Equal(t, PhaseTransfer, err.Phase)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "transfer")
}
