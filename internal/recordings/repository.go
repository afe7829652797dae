// Package recordings holds the durable recording ledger and the operations
// the agent exposes on it.
package recordings

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voicevault/capture/internal/models"
)

const recordingColumns = `id, binding_project_id, binding_meeting_id, file_name, local_file_path,
	file_size, duration, content_hash, custom_name, upload_status, upload_progress,
	remote_upload_id, created_at, actual_start_at, actual_end_at, updated_at`

// Repository is the recording ledger. All SQL sticks to the dialect subset
// sqlite and PostgreSQL share ($n placeholders, ON CONFLICT upserts).
type Repository struct {
	db *sql.DB
}

// NewRepository creates a ledger over an opened database.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Upsert inserts or replaces a recording by id. Idempotent.
func (r *Repository) Upsert(ctx context.Context, rec *models.Recording) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	// Times are stored in UTC so the (file_name, actual_start_at) natural key
	// compares byte-for-byte on both drivers.
	rec.ActualStartAt = rec.ActualStartAt.UTC()
	rec.ActualEndAt = rec.ActualEndAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	const q = `INSERT INTO recordings (` + recordingColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			binding_project_id = excluded.binding_project_id,
			binding_meeting_id = excluded.binding_meeting_id,
			file_name = excluded.file_name,
			local_file_path = excluded.local_file_path,
			file_size = excluded.file_size,
			duration = excluded.duration,
			content_hash = excluded.content_hash,
			custom_name = excluded.custom_name,
			upload_status = excluded.upload_status,
			upload_progress = excluded.upload_progress,
			remote_upload_id = excluded.remote_upload_id,
			actual_start_at = excluded.actual_start_at,
			actual_end_at = excluded.actual_end_at,
			updated_at = excluded.updated_at`
	_, err := r.db.ExecContext(ctx, q,
		rec.ID.String(), rec.BindingProjectID, rec.BindingMeetingID, rec.FileName, rec.LocalFilePath,
		rec.FileSize, rec.Duration, rec.ContentHash, rec.CustomName, rec.UploadStatus, rec.UploadProgress,
		rec.RemoteUploadID, rec.CreatedAt, rec.ActualStartAt, rec.ActualEndAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert recording: %w", err)
	}
	return nil
}

// GetByID returns a recording, or nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM recordings WHERE id = $1`
	rec, err := scanRecording(r.db.QueryRowContext(ctx, q, id.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Fetch returns recordings filtered by project and/or status; both filters
// are optional and an unfiltered call returns every row.
func (r *Repository) Fetch(ctx context.Context, projectID, status string) ([]models.Recording, error) {
	q := `SELECT ` + recordingColumns + ` FROM recordings`
	var (
		conds []string
		args  []any
	)
	if projectID != "" {
		args = append(args, projectID)
		conds = append(conds, fmt.Sprintf("binding_project_id = $%d", len(args)))
	}
	if status != "" {
		args = append(args, status)
		conds = append(conds, fmt.Sprintf("upload_status = $%d", len(args)))
	}
	for i, c := range conds {
		if i == 0 {
			q += " WHERE " + c
		} else {
			q += " AND " + c
		}
	}
	q += " ORDER BY created_at DESC"
	return r.queryRecordings(ctx, q, args...)
}

// FetchDrafts returns unbound recordings, newest first.
func (r *Repository) FetchDrafts(ctx context.Context) ([]models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM recordings
		WHERE binding_meeting_id IS NULL OR binding_project_id IS NULL
		ORDER BY created_at DESC`
	return r.queryRecordings(ctx, q)
}

// UpdateStatus sets upload status and progress. A missing id is a silent
// no-op: progress callbacks may race a delete.
func (r *Repository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, progress int) error {
	const q = `UPDATE recordings SET upload_status = $1, upload_progress = $2, updated_at = $3 WHERE id = $4`
	_, err := r.db.ExecContext(ctx, q, status, progress, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// UpdateContent caches the computed content hash and file size.
func (r *Repository) UpdateContent(ctx context.Context, id uuid.UUID, contentHash string, fileSize int64) error {
	const q = `UPDATE recordings SET content_hash = $1, file_size = $2, updated_at = $3 WHERE id = $4`
	_, err := r.db.ExecContext(ctx, q, contentHash, fileSize, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("update content: %w", err)
	}
	return nil
}

// UpdateRemoteUploadID records the ticket id issued by the gateway.
func (r *Repository) UpdateRemoteUploadID(ctx context.Context, id uuid.UUID, remoteID string) error {
	const q = `UPDATE recordings SET remote_upload_id = $1, updated_at = $2 WHERE id = $3`
	_, err := r.db.ExecContext(ctx, q, remoteID, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("update remote upload id: %w", err)
	}
	return nil
}

// Bind transitions a draft to bound. The transition is one-way at the SQL
// level: fields already set always win over the arguments, and a row that is
// fully bound no longer matches the WHERE clause at all. The returned claimed
// flag is false when the row was absent or already bound, so two racing bind
// attempts cannot both believe they won. A partial retry can only fill fields
// an earlier attempt left null, never unset or replace them.
func (r *Repository) Bind(ctx context.Context, id uuid.UUID, projectID, meetingID *string, customName string) (bool, error) {
	const q = `UPDATE recordings SET
			binding_project_id = COALESCE(binding_project_id, $1),
			binding_meeting_id = COALESCE(binding_meeting_id, $2),
			custom_name = CASE WHEN $3 <> '' THEN $3 ELSE custom_name END,
			updated_at = $4
		WHERE id = $5 AND (binding_project_id IS NULL OR binding_meeting_id IS NULL)`
	res, err := r.db.ExecContext(ctx, q, projectID, meetingID, customName, time.Now().UTC(), id.String())
	if err != nil {
		return false, fmt.Errorf("bind recording: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("bind recording: %w", err)
	}
	return n > 0, nil
}

// Rename sets the user label.
func (r *Repository) Rename(ctx context.Context, id uuid.UUID, customName string) error {
	const q = `UPDATE recordings SET custom_name = $1, updated_at = $2 WHERE id = $3`
	_, err := r.db.ExecContext(ctx, q, customName, time.Now().UTC(), id.String())
	if err != nil {
		return fmt.Errorf("rename recording: %w", err)
	}
	return nil
}

// Remove deletes the row. The caller sequences the backing-file delete first.
func (r *Repository) Remove(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM recordings WHERE id = $1`
	_, err := r.db.ExecContext(ctx, q, id.String())
	if err != nil {
		return fmt.Errorf("remove recording: %w", err)
	}
	return nil
}

// FindByFileNameAndStart returns the recording with the given natural key,
// or nil. The bridge de-duplicates re-delivered files on it.
func (r *Repository) FindByFileNameAndStart(ctx context.Context, fileName string, startAt time.Time) (*models.Recording, error) {
	const q = `SELECT ` + recordingColumns + ` FROM recordings
		WHERE file_name = $1 AND actual_start_at = $2 LIMIT 1`
	rec, err := scanRecording(r.db.QueryRowContext(ctx, q, fileName, startAt.UTC()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Repository) queryRecordings(ctx context.Context, q string, args ...any) ([]models.Recording, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query recordings: %w", err)
	}
	defer rows.Close()
	var list []models.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *rec)
	}
	return list, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row rowScanner) (*models.Recording, error) {
	var (
		rec models.Recording
		id  string
	)
	err := row.Scan(&id, &rec.BindingProjectID, &rec.BindingMeetingID, &rec.FileName, &rec.LocalFilePath,
		&rec.FileSize, &rec.Duration, &rec.ContentHash, &rec.CustomName, &rec.UploadStatus, &rec.UploadProgress,
		&rec.RemoteUploadID, &rec.CreatedAt, &rec.ActualStartAt, &rec.ActualEndAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse recording id: %w", err)
	}
	return &rec, nil
}
