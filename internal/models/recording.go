package models

import (
	"time"

	"github.com/google/uuid"
)

// Upload lifecycle of a recording.
const (
	UploadStatusPending   = "pending"
	UploadStatusUploading = "uploading"
	UploadStatusCompleted = "completed"
	UploadStatusFailed    = "failed"
)

// Recording is a locally captured audio artifact tracked by the ledger.
// A recording is a draft (both binding ids nil) or bound (both set);
// binding is one-way and never touches the file fields.
type Recording struct {
	ID               uuid.UUID `json:"id"`
	BindingProjectID *string   `json:"binding_project_id,omitempty"`
	BindingMeetingID *string   `json:"binding_meeting_id,omitempty"`
	FileName         string    `json:"file_name"`
	LocalFilePath    string    `json:"local_file_path"`
	FileSize         int64     `json:"file_size"`
	Duration         int       `json:"duration"`
	ContentHash      *string   `json:"content_hash,omitempty"`
	CustomName       string    `json:"custom_name,omitempty"`
	UploadStatus     string    `json:"upload_status"`
	UploadProgress   int       `json:"upload_progress"`
	RemoteUploadID   string    `json:"remote_upload_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	ActualStartAt    time.Time `json:"actual_start_at"`
	ActualEndAt      time.Time `json:"actual_end_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// IsDraft reports whether the recording has not been bound to a
// project/meeting yet.
func (r *Recording) IsDraft() bool {
	return r.BindingProjectID == nil || r.BindingMeetingID == nil
}
