// Package events fans session samples and upload progress out to stream
// consumers, with optional cross-instance publishing.
package events

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"
)

// Well-known event types.
const (
	TypeCaptureSample = "capture_sample"
	TypeCaptureState  = "capture_state"
	TypeUploadStatus  = "upload_status"
)

// Event is the envelope delivered to stream consumers.
type Event struct {
	Type        string          `json:"type"`
	RecordingID string          `json:"recording_id,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
}

// Publisher forwards events beyond this process (e.g. Redis).
type Publisher interface {
	Publish(ev Event) error
}

// Bus is the in-process fan-out. Delivery to a subscriber is non-blocking: a
// consumer that stops reading loses samples, never stalls a producer.
type Bus struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Event
	forward Publisher
	logger  *zap.Logger
}

// NewBus creates a bus; forward may be nil.
func NewBus(forward Publisher, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{subs: make(map[int]chan Event), forward: forward, logger: logger}
}

// Subscribe registers a consumer. Cancel closes the channel.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 128)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish marshals payload and delivers the event locally, then forwards it.
func (b *Bus) Publish(eventType, recordingID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.logger.Warn("event marshal failed", zap.String("type", eventType), zap.Error(err))
		return
	}
	ev := Event{Type: eventType, RecordingID: recordingID, Data: data}

	b.mu.Lock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// buffer full, skip
		}
	}
	forward := b.forward
	b.mu.Unlock()

	if forward != nil {
		if err := forward.Publish(ev); err != nil {
			b.logger.Debug("event forward failed", zap.Error(err))
		}
	}
}
