// Package bridge moves finished companion-device captures to the primary
// device: store-and-forward on the sender, de-duplicating draft ingestion on
// the receiver.
package bridge

import (
	"errors"
	"time"
)

// Bridge errors.
var (
	// ErrUnreachable is recoverable: the send stays spooled and is retried
	// on the next reachability change. It never surfaces to the user.
	ErrUnreachable = errors.New("companion channel unreachable")
	// ErrInvalidMetadata is not recoverable: the delivery is dropped and
	// logged.
	ErrInvalidMetadata = errors.New("invalid transfer metadata")
)

// FileMetadata travels with the transferred bytes. The timestamp is the
// capture start in unix milliseconds; together with the file name it is the
// natural de-duplication key, since the sender never learns a server id.
type FileMetadata struct {
	FileName    string `json:"file_name"`
	Duration    int    `json:"duration"`
	TimestampMS int64  `json:"timestamp_ms"`
	FileSize    int64  `json:"file_size"`
}

// StartAt returns the capture start encoded in the metadata.
func (m FileMetadata) StartAt() time.Time {
	return time.UnixMilli(m.TimestampMS).UTC()
}

// Valid reports whether the metadata identifies a transferable capture.
func (m FileMetadata) Valid() bool {
	return m.FileName != "" && m.TimestampMS > 0
}

// Ack confirms receipt of one (fileName, timestamp) delivery.
type Ack struct {
	FileName    string `json:"file_name"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// Channel is the bidirectional message + file-transfer primitive between the
// devices. The production implementation rides a websocket; tests use an
// in-memory pair.
type Channel interface {
	// SendFile delivers metadata and bytes to the peer. ErrUnreachable when
	// the peer cannot be reached right now.
	SendFile(meta FileMetadata, data []byte) error
	// SendAck returns a best-effort receipt to the peer.
	SendAck(ack Ack) error
	// OnFileReceived registers the receiver-side delivery callback.
	OnFileReceived(fn func(meta FileMetadata, data []byte))
	// OnAck registers the sender-side receipt callback.
	OnAck(fn func(ack Ack))
	// IsReachable reports current peer reachability.
	IsReachable() bool
	// OnReachabilityChanged registers a reachability transition callback.
	OnReachabilityChanged(fn func(reachable bool))
}
