package database

import (
	"database/sql"
	"fmt"
)

// UploadRepository handles multipart upload sessions.
type UploadRepository struct {
	db dbtx
}

// NewUploadRepository creates a new upload session repository
func NewUploadRepository(db dbtx) *UploadRepository {
	return &UploadRepository{db: db}
}

const uploadColumns = `id, user_id, user_kind, mount_id, fs_path, file_size, mime_type, fingerprint_algo, fingerprint_value, strategy, part_size, total_parts, completed_parts, uploaded_bytes, provider_upload_id, provider_url, provider_meta, status, expires_at, created_at, updated_at`

func scanUpload(row interface{ Scan(...interface{}) error }) (*UploadSession, error) {
	var u UploadSession
	err := row.Scan(&u.ID, &u.UserID, &u.UserKind, &u.MountID, &u.FsPath, &u.FileSize,
		&u.MimeType, &u.FingerprintAlgo, &u.FingerprintValue, &u.Strategy, &u.PartSize,
		&u.TotalParts, &u.CompletedParts, &u.UploadedBytes, &u.ProviderUploadID,
		&u.ProviderURL, &u.ProviderMeta, &u.Status, &u.ExpiresAt, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Create inserts a new session.
func (r *UploadRepository) Create(u *UploadSession) error {
	_, err := r.db.Exec(`
		INSERT INTO upload_sessions (id, user_id, user_kind, mount_id, fs_path, file_size, mime_type, fingerprint_algo, fingerprint_value, strategy, part_size, total_parts, completed_parts, uploaded_bytes, provider_upload_id, provider_url, provider_meta, status, expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		u.ID, u.UserID, u.UserKind, u.MountID, u.FsPath, u.FileSize, u.MimeType,
		u.FingerprintAlgo, u.FingerprintValue, u.Strategy, u.PartSize, u.TotalParts,
		u.ProviderUploadID, u.ProviderURL, u.ProviderMeta, u.Status, u.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	return nil
}

// Get returns a session by id, or nil.
func (r *UploadRepository) Get(id string) (*UploadSession, error) {
	u, err := scanUpload(r.db.QueryRow(`SELECT `+uploadColumns+` FROM upload_sessions WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get upload session: %w", err)
	}
	return u, nil
}

// UpdateProgress records completed parts and bytes.
func (r *UploadRepository) UpdateProgress(id string, completedParts int, uploadedBytes int64) error {
	_, err := r.db.Exec(`
		UPDATE upload_sessions
		SET completed_parts = ?, uploaded_bytes = ?, updated_at = datetime('now')
		WHERE id = ?`, completedParts, uploadedBytes, id)
	if err != nil {
		return fmt.Errorf("failed to update upload progress: %w", err)
	}
	return nil
}

// SetStatus transitions a session's status.
func (r *UploadRepository) SetStatus(id string, status UploadSessionStatus) error {
	_, err := r.db.Exec(`
		UPDATE upload_sessions SET status = ?, updated_at = datetime('now') WHERE id = ?`,
		status, id)
	if err != nil {
		return fmt.Errorf("failed to set upload status: %w", err)
	}
	return nil
}

// ExpireStale marks active sessions past their expiry as expired and
// returns how many rows changed.
func (r *UploadRepository) ExpireStale() (int64, error) {
	res, err := r.db.Exec(`
		UPDATE upload_sessions
		SET status = 'expired', updated_at = datetime('now')
		WHERE status = 'active' AND expires_at <= datetime('now')`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire upload sessions: %w", err)
	}
	return res.RowsAffected()
}
