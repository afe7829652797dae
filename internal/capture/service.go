package capture

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/voicevault/capture/internal/filestore"
)

// DeviceFactory builds a fresh device per session.
type DeviceFactory func() Device

// LeaseFactory builds the background-execution lease for a session.
type LeaseFactory func() Lease

// Service enforces that at most one capture session is active per process
// and wires sessions to the file store.
type Service struct {
	newDevice DeviceFactory
	newLease  LeaseFactory
	files     *filestore.Store
	opts      Options
	logger    *zap.Logger

	mu     chan struct{} // 1-slot semaphore guarding active
	active *Session
}

// StopResult describes a finalized capture.
type StopResult struct {
	Path      string
	FileName  string
	Duration  time.Duration
	StartedAt time.Time
	EndedAt   time.Time
}

// NewService creates the capture service.
func NewService(newDevice DeviceFactory, newLease LeaseFactory, files *filestore.Store, opts Options, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if newLease == nil {
		newLease = func() Lease { return NopLease{} }
	}
	mu := make(chan struct{}, 1)
	mu <- struct{}{}
	return &Service{newDevice: newDevice, newLease: newLease, files: files, opts: opts, logger: logger, mu: mu}
}

func (s *Service) lock()   { <-s.mu }
func (s *Service) unlock() { s.mu <- struct{}{} }

// Start begins a new capture session writing to a freshly allocated path.
// Returns ErrDeviceBusy while another session in this process is active.
func (s *Service) Start(ctx context.Context) (*Session, error) {
	s.lock()
	defer s.unlock()
	if s.active != nil && s.active.State() != StateIdle {
		return nil, ErrDeviceBusy
	}
	path, fileName := s.files.Allocate(time.Now())
	sess := newSession(s.newDevice(), s.newLease(), s.logger, s.opts, path, fileName)
	if err := sess.start(ctx); err != nil {
		return nil, err
	}
	s.active = sess
	s.logger.Info("capture started", zap.String("file", fileName))
	return sess, nil
}

// Active returns the session in flight, or nil.
func (s *Service) Active() *Session {
	s.lock()
	defer s.unlock()
	return s.active
}

// Stop finalizes the active session. A no-op returning nil result when no
// session is active.
func (s *Service) Stop() (*StopResult, error) {
	s.lock()
	sess := s.active
	s.active = nil
	s.unlock()
	if sess == nil {
		return nil, nil
	}
	dur, err := sess.Stop()
	if err != nil {
		return nil, err
	}
	endedAt := time.Now()
	s.logger.Info("capture stopped", zap.String("file", sess.FileName()), zap.Duration("duration", dur))
	return &StopResult{
		Path:      sess.Destination(),
		FileName:  sess.FileName(),
		Duration:  dur,
		StartedAt: sess.StartedAt(),
		EndedAt:   endedAt,
	}, nil
}

// Cancel stops the active session and optionally deletes the partial file.
// Used when the user aborts before committing.
func (s *Service) Cancel(deleteFile bool) error {
	res, err := s.Stop()
	if err != nil {
		return err
	}
	if res != nil && deleteFile {
		// Best-effort: the file is being abandoned either way.
		_ = s.files.Remove(res.Path)
	}
	return nil
}
