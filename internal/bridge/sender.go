package bridge

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Sender is the companion-device half: every completed capture is spooled to
// disk first, then pushed over the channel. The spool entry survives
// restarts and reachability flaps and is only deleted when the primary
// acknowledges the (fileName, timestamp) key, so a send is never lost. At
// worst it is delivered again and de-duplicated on the far side.
type Sender struct {
	ch     Channel
	fs     afero.Fs
	dir    string
	logger *zap.Logger

	mu sync.Mutex // serializes flushes
}

// NewSender creates a sender spooling into dir.
func NewSender(ch Channel, fs afero.Fs, dir string, logger *zap.Logger) (*Sender, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := fs.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}
	s := &Sender{ch: ch, fs: fs, dir: dir, logger: logger}
	ch.OnAck(s.handleAck)
	ch.OnReachabilityChanged(func(reachable bool) {
		if reachable {
			go s.Flush()
		}
	})
	return s, nil
}

// Send spools the capture and attempts immediate delivery. An unreachable
// channel is not an error for the caller: the entry waits for the next
// reachability change.
func (s *Sender) Send(meta FileMetadata, data []byte) error {
	if !meta.Valid() {
		return ErrInvalidMetadata
	}
	if err := s.spool(meta, data); err != nil {
		return err
	}
	if !s.ch.IsReachable() {
		s.logger.Info("primary unreachable, capture spooled", zap.String("file", meta.FileName))
		return nil
	}
	if err := s.ch.SendFile(meta, data); err != nil {
		s.logger.Warn("bridge send failed, capture stays spooled",
			zap.String("file", meta.FileName), zap.Error(err))
	}
	return nil
}

// Flush re-attempts delivery of every spooled capture.
func (s *Sender) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		s.logger.Warn("read spool dir failed", zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".json")
		if err := s.deliver(key); err != nil {
			s.logger.Debug("spool flush attempt failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// PendingCount returns the number of spooled, unacknowledged captures.
func (s *Sender) PendingCount() int {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n
}

func (s *Sender) spool(meta FileMetadata, data []byte) error {
	key := spoolKey(meta)
	raw, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := afero.WriteFile(s.fs, filepath.Join(s.dir, key+".bin"), data, 0o640); err != nil {
		return fmt.Errorf("spool bytes: %w", err)
	}
	// The meta file lands last: a crash between the two writes leaves a .bin
	// the flush loop ignores.
	if err := afero.WriteFile(s.fs, filepath.Join(s.dir, key+".json"), raw, 0o640); err != nil {
		return fmt.Errorf("spool metadata: %w", err)
	}
	return nil
}

func (s *Sender) deliver(key string) error {
	raw, err := afero.ReadFile(s.fs, filepath.Join(s.dir, key+".json"))
	if err != nil {
		return err
	}
	var meta FileMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return err
	}
	data, err := afero.ReadFile(s.fs, filepath.Join(s.dir, key+".bin"))
	if err != nil {
		return err
	}
	return s.ch.SendFile(meta, data)
}

// handleAck drops the spool entry for an acknowledged delivery. An ack for
// an already-removed key is a no-op, so re-delivered acks cannot loop.
func (s *Sender) handleAck(ack Ack) {
	key := spoolKey(FileMetadata{FileName: ack.FileName, TimestampMS: ack.TimestampMS})
	_ = s.fs.Remove(filepath.Join(s.dir, key+".json"))
	_ = s.fs.Remove(filepath.Join(s.dir, key+".bin"))
	s.logger.Debug("spool entry acknowledged", zap.String("key", key))
}

func spoolKey(meta FileMetadata) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		default:
			return '_'
		}
	}, meta.FileName)
	return fmt.Sprintf("%s-%d", name, meta.TimestampMS)
}
