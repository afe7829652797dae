package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/voicevault/capture/internal/filestore"
	"github.com/voicevault/capture/internal/recordings"
	"github.com/voicevault/capture/pkg/database"
)

// memChannel is an in-memory Channel joining both halves in one process.
// When reachable, SendFile delivers synchronously to the file callback and
// SendAck to the ack callback.
type memChannel struct {
	mu        sync.Mutex
	reachable bool
	onFile    func(FileMetadata, []byte)
	onAck     func(Ack)
	onReach   func(bool)
	sent      int
}

func (c *memChannel) SendFile(meta FileMetadata, data []byte) error {
	c.mu.Lock()
	reachable, onFile := c.reachable, c.onFile
	if reachable {
		c.sent++
	}
	c.mu.Unlock()
	if !reachable {
		return ErrUnreachable
	}
	if onFile != nil {
		onFile(meta, data)
	}
	return nil
}

func (c *memChannel) SendAck(ack Ack) error {
	c.mu.Lock()
	onAck := c.onAck
	c.mu.Unlock()
	if onAck != nil {
		onAck(ack)
	}
	return nil
}

func (c *memChannel) OnFileReceived(fn func(FileMetadata, []byte)) {
	c.mu.Lock()
	c.onFile = fn
	c.mu.Unlock()
}

func (c *memChannel) OnAck(fn func(Ack)) {
	c.mu.Lock()
	c.onAck = fn
	c.mu.Unlock()
}

func (c *memChannel) IsReachable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reachable
}

func (c *memChannel) OnReachabilityChanged(fn func(bool)) {
	c.mu.Lock()
	c.onReach = fn
	c.mu.Unlock()
}

func (c *memChannel) setReachable(v bool) {
	c.mu.Lock()
	changed := c.reachable != v
	c.reachable = v
	fn := c.onReach
	c.mu.Unlock()
	if changed && fn != nil {
		fn(v)
	}
}

func (c *memChannel) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

func newTestLedger(t *testing.T) *recordings.Repository {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, ":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, recordings.Migrate(ctx, db))
	return recordings.NewRepository(db)
}

func newTestStore(t *testing.T) *filestore.Store {
	t.Helper()
	s, err := filestore.New(afero.NewMemMapFs(), "recordings")
	require.NoError(t, err)
	return s
}

func testMeta(name string, at time.Time) FileMetadata {
	return FileMetadata{
		FileName:    name,
		Duration:    30,
		TimestampMS: at.UnixMilli(),
		FileSize:    5,
	}
}

func TestSenderSpoolsWhileUnreachable(t *testing.T) {
	ch := &memChannel{}
	sender, err := NewSender(ch, afero.NewMemMapFs(), "spool", zap.NewNop())
	require.NoError(t, err)

	meta := testMeta("watch.m4a", time.Now())
	require.NoError(t, sender.Send(meta, []byte("bytes")))

	assert.Equal(t, 1, sender.PendingCount())
	assert.Zero(t, ch.sentCount())
}

func TestSenderRejectsInvalidMetadata(t *testing.T) {
	ch := &memChannel{}
	sender, err := NewSender(ch, afero.NewMemMapFs(), "spool", zap.NewNop())
	require.NoError(t, err)

	err = sender.Send(FileMetadata{FileName: "", TimestampMS: 0}, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidMetadata)
	assert.Zero(t, sender.PendingCount())
}

func TestStoreAndForwardRoundTrip(t *testing.T) {
	ch := &memChannel{}
	ledger := newTestLedger(t)
	files := newTestStore(t)
	NewReceiver(ch, ledger, files, zap.NewNop())
	sender, err := NewSender(ch, afero.NewMemMapFs(), "spool", zap.NewNop())
	require.NoError(t, err)

	startAt := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	meta := testMeta("watch.m4a", startAt)
	data := []byte("audio")

	// Primary offline: the capture waits in the spool.
	require.NoError(t, sender.Send(meta, data))
	require.Equal(t, 1, sender.PendingCount())

	// Reachability returns; the flush delivers, the receiver ingests and
	// acks, and the ack empties the spool.
	ch.setReachable(true)
	require.Eventually(t, func() bool { return sender.PendingCount() == 0 },
		2*time.Second, 10*time.Millisecond)

	drafts, err := ledger.FetchDrafts(context.Background())
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	rec := drafts[0]
	assert.True(t, rec.IsDraft())
	assert.Equal(t, "watch.m4a", rec.FileName)
	assert.Equal(t, 30, rec.Duration)
	assert.Equal(t, "Watch recording 2026-06-01 08:00", rec.CustomName)
	assert.True(t, startAt.Equal(rec.ActualStartAt))
	assert.True(t, startAt.Add(30*time.Second).Equal(rec.ActualEndAt))
	assert.True(t, files.Exists(rec.LocalFilePath))
}

func TestReceiverDeduplicatesRedelivery(t *testing.T) {
	ch := &memChannel{reachable: true}
	ledger := newTestLedger(t)
	files := newTestStore(t)
	NewReceiver(ch, ledger, files, zap.NewNop())

	meta := testMeta("dup.m4a", time.Now())
	data := []byte("audio")
	require.NoError(t, ch.SendFile(meta, data))
	require.NoError(t, ch.SendFile(meta, data))

	drafts, err := ledger.FetchDrafts(context.Background())
	require.NoError(t, err)
	assert.Len(t, drafts, 1)
}

func TestReceiverDropsInvalidMetadata(t *testing.T) {
	ch := &memChannel{reachable: true}
	ledger := newTestLedger(t)
	files := newTestStore(t)
	NewReceiver(ch, ledger, files, zap.NewNop())

	require.NoError(t, ch.SendFile(FileMetadata{}, []byte("junk")))

	drafts, err := ledger.FetchDrafts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, drafts)
}

func TestSenderDeliversImmediatelyWhenReachable(t *testing.T) {
	ch := &memChannel{reachable: true}
	ledger := newTestLedger(t)
	files := newTestStore(t)
	NewReceiver(ch, ledger, files, zap.NewNop())
	sender, err := NewSender(ch, afero.NewMemMapFs(), "spool", zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, sender.Send(testMeta("now.m4a", time.Now()), []byte("audio")))

	// The synchronous ack already cleared the spool.
	assert.Zero(t, sender.PendingCount())
	assert.Equal(t, 1, ch.sentCount())
}
