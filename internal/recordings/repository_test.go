package recordings

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voicevault/capture/internal/models"
	"github.com/voicevault/capture/pkg/database"
)

func newTestLedger(t *testing.T) *Repository {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(ctx, db))
	return NewRepository(db)
}

func newDraft(fileName string, startAt time.Time) *models.Recording {
	return &models.Recording{
		ID:            uuid.New(),
		FileName:      fileName,
		LocalFilePath: "recordings/" + fileName,
		FileSize:      1024,
		Duration:      42,
		UploadStatus:  models.UploadStatusPending,
		ActualStartAt: startAt,
		ActualEndAt:   startAt.Add(42 * time.Second),
	}
}

func TestUpsertRoundTrip(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	startAt := time.Date(2026, 5, 2, 10, 30, 0, 0, time.UTC)

	rec := newDraft("a.m4a", startAt)
	require.NoError(t, ledger.Upsert(ctx, rec))

	got, err := ledger.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "a.m4a", got.FileName)
	assert.Equal(t, int64(1024), got.FileSize)
	assert.True(t, got.IsDraft())
	assert.False(t, got.CreatedAt.IsZero())
	assert.True(t, startAt.Equal(got.ActualStartAt))

	// Upsert with the same id replaces, never duplicates.
	rec.CustomName = "renamed"
	require.NoError(t, ledger.Upsert(ctx, rec))
	list, err := ledger.Fetch(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "renamed", list[0].CustomName)
}

func TestGetByIDMissing(t *testing.T) {
	ledger := newTestLedger(t)
	got, err := ledger.GetByID(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestBindIsOneWayAndIdempotent(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	rec := newDraft("b.m4a", time.Now().UTC())
	require.NoError(t, ledger.Upsert(ctx, rec))

	project, meeting := "proj-1", "meet-1"
	claimed, err := ledger.Bind(ctx, rec.ID, &project, &meeting, "My session")
	require.NoError(t, err)
	assert.True(t, claimed)

	got, err := ledger.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDraft())
	assert.Equal(t, "proj-1", *got.BindingProjectID)
	assert.Equal(t, "meet-1", *got.BindingMeetingID)
	assert.Equal(t, "My session", got.CustomName)

	// A bound row no longer matches: the retry is reported unclaimed and
	// changes nothing.
	claimed, err = ledger.Bind(ctx, rec.ID, nil, nil, "")
	require.NoError(t, err)
	assert.False(t, claimed)
	got, err = ledger.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", *got.BindingProjectID)
	assert.Equal(t, "meet-1", *got.BindingMeetingID)
	assert.Equal(t, "My session", got.CustomName)

	// Binding does not touch file fields.
	assert.Equal(t, "b.m4a", got.FileName)
	assert.Equal(t, int64(1024), got.FileSize)
}

func TestBindNeverOverwritesExistingBinding(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	rec := newDraft("race.m4a", time.Now().UTC())
	require.NoError(t, ledger.Upsert(ctx, rec))

	p1, m1 := "proj-1", "meet-1"
	claimed, err := ledger.Bind(ctx, rec.ID, &p1, &m1, "")
	require.NoError(t, err)
	require.True(t, claimed)

	// A second bind with different ids is refused outright, not merged.
	p2, m2 := "proj-2", "meet-2"
	claimed, err = ledger.Bind(ctx, rec.ID, &p2, &m2, "")
	require.NoError(t, err)
	assert.False(t, claimed)

	got, err := ledger.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", *got.BindingProjectID)
	assert.Equal(t, "meet-1", *got.BindingMeetingID)

	// A half-bound row only gets its missing field filled; the set one wins.
	half := newDraft("half.m4a", time.Now().UTC())
	half.BindingProjectID = &p1
	require.NoError(t, ledger.Upsert(ctx, half))
	claimed, err = ledger.Bind(ctx, half.ID, &p2, &m2, "")
	require.NoError(t, err)
	assert.True(t, claimed)
	got, err = ledger.GetByID(ctx, half.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj-1", *got.BindingProjectID)
	assert.Equal(t, "meet-2", *got.BindingMeetingID)

	// Missing id: nothing claimed.
	claimed, err = ledger.Bind(ctx, uuid.New(), &p1, &m1, "")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestUpdateStatusMissingIDIsNoop(t *testing.T) {
	ledger := newTestLedger(t)
	err := ledger.UpdateStatus(context.Background(), uuid.New(), models.UploadStatusUploading, 50)
	assert.NoError(t, err)
}

func TestFetchFilters(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	project := "proj-1"

	bound := newDraft("bound.m4a", time.Now().UTC().Add(-time.Hour))
	bound.BindingProjectID = &project
	meeting := "meet-1"
	bound.BindingMeetingID = &meeting
	bound.UploadStatus = models.UploadStatusCompleted
	require.NoError(t, ledger.Upsert(ctx, bound))

	draft := newDraft("draft.m4a", time.Now().UTC())
	require.NoError(t, ledger.Upsert(ctx, draft))

	all, err := ledger.Fetch(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byProject, err := ledger.Fetch(ctx, "proj-1", "")
	require.NoError(t, err)
	require.Len(t, byProject, 1)
	assert.Equal(t, bound.ID, byProject[0].ID)

	byStatus, err := ledger.Fetch(ctx, "", models.UploadStatusPending)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, draft.ID, byStatus[0].ID)

	both, err := ledger.Fetch(ctx, "proj-1", models.UploadStatusPending)
	require.NoError(t, err)
	assert.Empty(t, both)

	drafts, err := ledger.FetchDrafts(ctx)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, draft.ID, drafts[0].ID)
}

func TestFindByFileNameAndStartNormalizesZones(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()

	loc := time.FixedZone("UTC+5", 5*3600)
	startLocal := time.Date(2026, 5, 2, 15, 30, 0, 0, loc)

	rec := newDraft("zoned.m4a", startLocal)
	require.NoError(t, ledger.Upsert(ctx, rec))

	// Same instant expressed in UTC resolves to the same row.
	got, err := ledger.FindByFileNameAndStart(ctx, "zoned.m4a", startLocal.UTC())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.ID, got.ID)

	missing, err := ledger.FindByFileNameAndStart(ctx, "zoned.m4a", startLocal.Add(time.Second))
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateContentAndRemoteID(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	rec := newDraft("c.m4a", time.Now().UTC())
	require.NoError(t, ledger.Upsert(ctx, rec))

	require.NoError(t, ledger.UpdateContent(ctx, rec.ID, "abc123", 2048))
	require.NoError(t, ledger.UpdateRemoteUploadID(ctx, rec.ID, "ticket-7"))

	got, err := ledger.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ContentHash)
	assert.Equal(t, "abc123", *got.ContentHash)
	assert.Equal(t, int64(2048), got.FileSize)
	assert.Equal(t, "ticket-7", got.RemoteUploadID)
}

func TestRemove(t *testing.T) {
	ledger := newTestLedger(t)
	ctx := context.Background()
	rec := newDraft("d.m4a", time.Now().UTC())
	require.NoError(t, ledger.Upsert(ctx, rec))

	require.NoError(t, ledger.Remove(ctx, rec.ID))
	got, err := ledger.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
