package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State of a capture session.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateRecording
	StateInterrupted
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRecording:
		return "recording"
	case StateInterrupted:
		return "interrupted"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// EventKind identifies a session event.
type EventKind int

const (
	// EventSample carries a periodic duration+level sample.
	EventSample EventKind = iota
	// EventInterrupted marks entry into the interrupted state.
	EventInterrupted
	// EventResumed marks a successful reacquire after an interruption.
	EventResumed
	// EventFailed is terminal: capture ended abnormally. Whatever was
	// recorded before the failure is finalized and kept, never discarded.
	EventFailed
)

// Sample is a metering tick. Elapsed comes from the device's own record
// position, so a suspended-and-resumed process never reports drifted time.
type Sample struct {
	Elapsed time.Duration `json:"elapsed_ms"`
	Level   float64       `json:"level"`
}

// Event is delivered on the session's single-consumer event channel.
type Event struct {
	Kind   EventKind
	Sample Sample
	Err    error
}

// Options tunes session timing and recovery.
type Options struct {
	// FastInterval drives smooth foreground metering (~10/sec).
	FastInterval time.Duration
	// CoarseInterval keeps samples flowing when the fast ticker is starved
	// (process backgrounded) and paces lease renewal checks.
	CoarseInterval time.Duration
	// ResumeAttempts bounds reacquisition after an interruption ends.
	ResumeAttempts int
	// ResumeBackoff is the wait between reacquisition attempts.
	ResumeBackoff time.Duration
	// LeaseRenewBelow renews the execution lease when less remains.
	LeaseRenewBelow time.Duration
}

// DefaultOptions matches the capture contract's recommended values.
func DefaultOptions() Options {
	return Options{
		FastInterval:    100 * time.Millisecond,
		CoarseInterval:  time.Second,
		ResumeAttempts:  3,
		ResumeBackoff:   time.Second,
		LeaseRenewBelow: 30 * time.Second,
	}
}

// Session owns the capture device from Acquire to Stop and runs the
// idle → armed → recording ⇄ interrupted → stopping → idle machine.
// Recovery after an interruption is owned by this machine alone; there is no
// second health-check path that could race it.
type Session struct {
	device      Device
	lease       Lease
	logger      *zap.Logger
	opts        Options
	destination string
	fileName    string
	startedAt   time.Time

	mu    sync.Mutex
	state State

	events    chan Event
	quit      chan struct{}
	done      chan struct{}
	quitOnce  sync.Once
	eventOnce sync.Once
}

func newSession(device Device, lease Lease, logger *zap.Logger, opts Options, destination, fileName string) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if lease == nil {
		lease = NopLease{}
	}
	return &Session{
		device:      device,
		lease:       lease,
		logger:      logger,
		opts:        opts,
		destination: destination,
		fileName:    fileName,
		state:       StateIdle,
		events:      make(chan Event, 64),
		quit:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Events is the single-consumer channel of samples and terminal signals.
// It is closed when the session reaches idle for good.
func (s *Session) Events() <-chan Event { return s.events }

// Destination returns the file the session writes.
func (s *Session) Destination() string { return s.destination }

// FileName returns the base name of the destination file.
func (s *Session) FileName() string { return s.fileName }

// StartedAt returns when recording began.
func (s *Session) StartedAt() time.Time { return s.startedAt }

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(v State) {
	s.mu.Lock()
	s.state = v
	s.mu.Unlock()
}

func (s *Session) start(ctx context.Context) error {
	s.setState(StateArmed)
	if err := s.device.Acquire(ctx, s.destination); err != nil {
		s.setState(StateIdle)
		s.closeEvents()
		switch {
		case errors.Is(err, ErrDeviceBusy), errors.Is(err, ErrPermissionDenied):
			return err
		default:
			return fmt.Errorf("%w: %v", ErrStartFailed, err)
		}
	}
	s.startedAt = time.Now()
	s.setState(StateRecording)
	go s.run()
	return nil
}

func (s *Session) run() {
	defer close(s.done)
	fast := time.NewTicker(s.opts.FastInterval)
	defer fast.Stop()
	coarse := time.NewTicker(s.opts.CoarseInterval)
	defer coarse.Stop()

	var lastEmit time.Time
	for {
		select {
		case <-s.quit:
			return
		case ev, ok := <-s.device.Events():
			if !ok {
				return
			}
			if s.handleDeviceEvent(ev) {
				return
			}
		case <-fast.C:
			s.emitSample(&lastEmit)
		case <-coarse.C:
			// The coarse tick fires even when the fast one was starved by a
			// suspension, and elapsed still reads the device position.
			if time.Since(lastEmit) >= s.opts.CoarseInterval {
				s.emitSample(&lastEmit)
			}
			s.renewLease()
		}
	}
}

// handleDeviceEvent reacts to a device signal; true means the run loop ends.
func (s *Session) handleDeviceEvent(ev DeviceEvent) bool {
	switch ev.Kind {
	case DeviceInterrupted:
		s.setState(StateInterrupted)
		s.send(Event{Kind: EventInterrupted})
		s.logger.Warn("capture interrupted", zap.String("file", s.fileName))
		return false
	case DeviceInterruptionEnded:
		if s.State() != StateInterrupted {
			return false
		}
		if !ev.Resumable {
			s.terminate(fmt.Errorf("%w: device not resumable", ErrResumeFailed))
			return true
		}
		if s.tryResume() {
			s.setState(StateRecording)
			s.send(Event{Kind: EventResumed})
			s.logger.Info("capture resumed", zap.String("file", s.fileName))
			return false
		}
		s.terminate(ErrResumeFailed)
		return true
	case DeviceFailed:
		s.terminate(fmt.Errorf("%w: %v", ErrStartFailed, ev.Err))
		return true
	}
	return false
}

func (s *Session) tryResume() bool {
	for attempt := 1; attempt <= s.opts.ResumeAttempts; attempt++ {
		err := s.device.Resume()
		if err == nil {
			return true
		}
		s.logger.Warn("capture reacquire failed",
			zap.Int("attempt", attempt), zap.Error(err))
		if attempt < s.opts.ResumeAttempts {
			time.Sleep(s.opts.ResumeBackoff)
		}
	}
	return false
}

// terminate finalizes the file, keeps it, and reports the failure exactly
// once. The consumer persists whatever was recorded before the failure.
func (s *Session) terminate(cause error) {
	dur, _ := s.device.Stop()
	s.setState(StateIdle)
	s.sendBlocking(Event{Kind: EventFailed, Sample: Sample{Elapsed: dur}, Err: cause})
	s.closeEvents()
	s.logger.Error("capture ended abnormally",
		zap.String("file", s.fileName), zap.Duration("recorded", dur), zap.Error(cause))
}

// Stop finalizes the recording and returns the measured duration. Safe to
// call with no active session.
func (s *Session) Stop() (time.Duration, error) {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateStopping {
		s.mu.Unlock()
		return 0, nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.quitOnce.Do(func() { close(s.quit) })
	<-s.done

	dur, err := s.device.Stop()
	s.setState(StateIdle)
	s.closeEvents()
	if err != nil {
		return dur, fmt.Errorf("finalize recording: %w", err)
	}
	return dur, nil
}

// emitSample is non-blocking: the sampling path must never stall behind a
// slow consumer.
func (s *Session) emitSample(lastEmit *time.Time) {
	if s.State() != StateRecording {
		return
	}
	*lastEmit = time.Now()
	s.send(Event{Kind: EventSample, Sample: Sample{
		Elapsed: s.device.Position(),
		Level:   s.device.Level(),
	}})
}

func (s *Session) renewLease() {
	if s.lease.Remaining() >= s.opts.LeaseRenewBelow {
		return
	}
	if err := s.lease.Renew(); err != nil {
		s.logger.Warn("execution lease renew failed", zap.Error(err))
	}
}

func (s *Session) send(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// sendBlocking delivers a terminal event even when the buffer is full of
// unread samples, shedding the oldest sample to make room.
func (s *Session) sendBlocking(ev Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
			select {
			case <-s.events:
			default:
			}
		}
	}
}

func (s *Session) closeEvents() {
	s.eventOnce.Do(func() { close(s.events) })
}
