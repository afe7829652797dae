package capture

import (
	"bufio"
	"context"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const stopGrace = 10 * time.Second

// FFmpegDevice records from the system audio input by driving an ffmpeg
// process. The record position is parsed from ffmpeg's own progress stream
// (out_time_us), which is the device-side counter the session reports as
// elapsed time. Interruptions of the process are not resumable: an m4a
// container cannot be reopened for append, so an unexpected exit surfaces as
// a device failure and the session keeps what was written.
type FFmpegDevice struct {
	binary    string
	inputArgs []string
	logger    *zap.Logger

	mu      sync.Mutex
	cmd     *exec.Cmd
	stopped bool

	events     chan DeviceEvent
	positionUS atomic.Int64
	levelBits  atomic.Uint64

	lastSize   int64
	lastSizeAt time.Time
}

// NewFFmpegDevice creates a device that launches binary with inputArgs
// (e.g. ["-f", "alsa", "-i", "default"]) in front of the output file.
func NewFFmpegDevice(binary string, inputArgs []string, logger *zap.Logger) *FFmpegDevice {
	if binary == "" {
		binary = "ffmpeg"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegDevice{
		binary:    binary,
		inputArgs: inputArgs,
		logger:    logger,
		events:    make(chan DeviceEvent, 8),
	}
}

// Events implements Device.
func (d *FFmpegDevice) Events() <-chan DeviceEvent { return d.events }

// Acquire implements Device: spawns ffmpeg writing destination.
func (d *FFmpegDevice) Acquire(ctx context.Context, destination string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cmd != nil {
		return ErrDeviceBusy
	}

	args := append([]string{}, d.inputArgs...)
	args = append(args, "-progress", "pipe:1", "-nostats", "-y", destination)
	// Stop is explicit; the request context must not kill a recording.
	cmd := exec.Command(d.binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStartFailed, err)
	}
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		if os.IsPermission(err) {
			return ErrPermissionDenied
		}
		return fmt.Errorf("%w: start ffmpeg: %v", ErrStartFailed, err)
	}
	d.cmd = cmd
	d.stopped = false
	d.lastSize = 0
	d.lastSizeAt = time.Now()

	go d.readProgress(stdout)
	go func() {
		err := cmd.Wait()
		d.mu.Lock()
		wasStopped := d.stopped
		d.cmd = nil
		d.mu.Unlock()
		if !wasStopped {
			select {
			case d.events <- DeviceEvent{Kind: DeviceFailed, Err: fmt.Errorf("ffmpeg exited: %v", err)}:
			default:
			}
		}
	}()
	return nil
}

// Resume implements Device. The ffmpeg backend cannot reattach to the same
// container, so resume always fails and the session surfaces ResumeFailed.
func (d *FFmpegDevice) Resume() error {
	return fmt.Errorf("ffmpeg backend cannot reattach to a finalized container")
}

// Position implements Device.
func (d *FFmpegDevice) Position() time.Duration {
	return time.Duration(d.positionUS.Load()) * time.Microsecond
}

// Level implements Device. ffmpeg's progress stream carries no input level,
// so the write rate stands in as a coarse meter.
func (d *FFmpegDevice) Level() float64 {
	return atomicLoadFloat(&d.levelBits)
}

// Stop implements Device: interrupt ffmpeg so it finalizes the container,
// escalating to kill after a grace period.
func (d *FFmpegDevice) Stop() (time.Duration, error) {
	d.mu.Lock()
	cmd := d.cmd
	d.stopped = true
	d.cmd = nil
	d.mu.Unlock()

	pos := d.Position()
	if cmd == nil || cmd.Process == nil {
		return pos, nil
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-done:
	case <-time.After(stopGrace):
		_ = cmd.Process.Kill()
	}
	return d.Position(), nil
}

// readProgress parses ffmpeg's key=value progress stream.
func (d *FFmpegDevice) readProgress(r interface{ Read([]byte) (int, error) }) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us":
			if us, err := strconv.ParseInt(value, 10, 64); err == nil {
				d.positionUS.Store(us)
			}
		case "total_size":
			if size, err := strconv.ParseInt(value, 10, 64); err == nil {
				d.updateLevel(size)
			}
		}
	}
}

// updateLevel derives a [0,1] meter from the encoder write rate, normalized
// against a nominal 64 KiB/s voice bitrate.
func (d *FFmpegDevice) updateLevel(size int64) {
	now := time.Now()
	dt := now.Sub(d.lastSizeAt).Seconds()
	if dt <= 0 {
		return
	}
	rate := float64(size-d.lastSize) / dt
	d.lastSize = size
	d.lastSizeAt = now
	level := rate / (64 * 1024)
	if level > 1 {
		level = 1
	}
	if level < 0 {
		level = 0
	}
	atomicStoreFloat(&d.levelBits, level)
}

func atomicStoreFloat(bits *atomic.Uint64, v float64) {
	bits.Store(math.Float64bits(v))
}

func atomicLoadFloat(bits *atomic.Uint64) float64 {
	return math.Float64frombits(bits.Load())
}
