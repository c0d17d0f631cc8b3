package database

import (
	"database/sql"
	"fmt"
)

// ShareRepository handles file and paste shares plus their passwords.
type ShareRepository struct {
	db dbtx
}

// NewShareRepository creates a new share repository
func NewShareRepository(db dbtx) *ShareRepository {
	return &ShareRepository{db: db}
}

const fileShareColumns = `id, slug, filename, mimetype, size, remark, storage_config_id, storage_path, use_proxy, expires_at, max_views, views, created_by, created_at, updated_at`

func scanFileShare(row interface{ Scan(...interface{}) error }) (*FileShare, error) {
	var f FileShare
	err := row.Scan(&f.ID, &f.Slug, &f.Filename, &f.MimeType, &f.Size, &f.Remark,
		&f.StorageConfigID, &f.StoragePath, &f.UseProxy, &f.ExpiresAt, &f.MaxViews,
		&f.Views, &f.CreatedBy, &f.CreatedAt, &f.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateFileShare inserts a new file share.
func (r *ShareRepository) CreateFileShare(f *FileShare) error {
	var expires interface{}
	if f.ExpiresAt != nil {
		expires = f.ExpiresAt.UTC()
	}
	_, err := r.db.Exec(`
		INSERT INTO files (id, slug, filename, mimetype, size, remark, storage_config_id, storage_path, use_proxy, expires_at, max_views, views, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, datetime('now'), datetime('now'))`,
		f.ID, f.Slug, f.Filename, f.MimeType, f.Size, f.Remark, f.StorageConfigID,
		f.StoragePath, f.UseProxy, expires, f.MaxViews, f.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to create file share: %w", err)
	}
	return nil
}

// GetFileShareBySlug returns a file share by slug, or nil.
func (r *ShareRepository) GetFileShareBySlug(slug string) (*FileShare, error) {
	f, err := scanFileShare(r.db.QueryRow(`SELECT `+fileShareColumns+` FROM files WHERE slug = ?`, slug))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get file share: %w", err)
	}
	return f, nil
}

// SlugExists reports whether slug is taken by a file or paste share.
func (r *ShareRepository) SlugExists(slug string) (bool, error) {
	var one int
	err := r.db.QueryRow(`
		SELECT 1 WHERE EXISTS (SELECT 1 FROM files WHERE slug = ?)
		   OR EXISTS (SELECT 1 FROM pastes WHERE slug = ?)`, slug, slug).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check slug: %w", err)
	}
	return true, nil
}

// IncrementFileViews bumps the view counter and returns the new count.
func (r *ShareRepository) IncrementFileViews(id string) (int, error) {
	_, err := r.db.Exec(`UPDATE files SET views = views + 1, updated_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment views: %w", err)
	}
	var views int
	if err := r.db.QueryRow(`SELECT views FROM files WHERE id = ?`, id).Scan(&views); err != nil {
		return 0, fmt.Errorf("failed to read views: %w", err)
	}
	return views, nil
}

// DeleteFileShare removes a file share (passwords cascade).
func (r *ShareRepository) DeleteFileShare(id string) error {
	_, err := r.db.Exec(`DELETE FROM files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete file share: %w", err)
	}
	return nil
}

// DeleteExpiredShares removes shares past their expiry or view budget.
// Returns the number of rows removed across both tables.
func (r *ShareRepository) DeleteExpiredShares() (int64, error) {
	var total int64
	for _, table := range []string{"files", "pastes"} {
		res, err := r.db.Exec(`
			DELETE FROM ` + table + `
			WHERE (expires_at IS NOT NULL AND expires_at <= datetime('now'))
			   OR (max_views IS NOT NULL AND views >= max_views)`)
		if err != nil {
			return total, fmt.Errorf("failed to prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}

const pasteShareColumns = `id, slug, content, remark, expires_at, max_views, views, created_by, created_at, updated_at`

func scanPasteShare(row interface{ Scan(...interface{}) error }) (*PasteShare, error) {
	var p PasteShare
	err := row.Scan(&p.ID, &p.Slug, &p.Content, &p.Remark, &p.ExpiresAt, &p.MaxViews,
		&p.Views, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreatePasteShare inserts a new paste share.
func (r *ShareRepository) CreatePasteShare(p *PasteShare) error {
	var expires interface{}
	if p.ExpiresAt != nil {
		expires = p.ExpiresAt.UTC()
	}
	_, err := r.db.Exec(`
		INSERT INTO pastes (id, slug, content, remark, expires_at, max_views, views, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, datetime('now'), datetime('now'))`,
		p.ID, p.Slug, p.Content, p.Remark, expires, p.MaxViews, p.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to create paste share: %w", err)
	}
	return nil
}

// GetPasteShareBySlug returns a paste share by slug, or nil.
func (r *ShareRepository) GetPasteShareBySlug(slug string) (*PasteShare, error) {
	p, err := scanPasteShare(r.db.QueryRow(`SELECT `+pasteShareColumns+` FROM pastes WHERE slug = ?`, slug))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get paste share: %w", err)
	}
	return p, nil
}

// IncrementPasteViews bumps the view counter and returns the new count.
func (r *ShareRepository) IncrementPasteViews(id string) (int, error) {
	_, err := r.db.Exec(`UPDATE pastes SET views = views + 1, updated_at = datetime('now') WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to increment views: %w", err)
	}
	var views int
	if err := r.db.QueryRow(`SELECT views FROM pastes WHERE id = ?`, id).Scan(&views); err != nil {
		return 0, fmt.Errorf("failed to read views: %w", err)
	}
	return views, nil
}

// SetPassword stores the password row for a share in the given password
// table ("file_passwords" or "paste_passwords").
func (r *ShareRepository) SetPassword(table, shareID, hash, plaintext string) error {
	_, err := r.db.Exec(`
		INSERT INTO `+table+` (share_id, password_hash, plaintext, created_at)
		VALUES (?, ?, ?, datetime('now'))
		ON CONFLICT(share_id) DO UPDATE SET password_hash = excluded.password_hash, plaintext = excluded.plaintext`,
		shareID, hash, plaintext)
	if err != nil {
		return fmt.Errorf("failed to set share password: %w", err)
	}
	return nil
}

// GetPassword returns the password row for a share, or nil.
func (r *ShareRepository) GetPassword(table, shareID string) (*SharePassword, error) {
	var p SharePassword
	err := r.db.QueryRow(`
		SELECT share_id, password_hash, plaintext, created_at FROM `+table+` WHERE share_id = ?`, shareID).
		Scan(&p.ShareID, &p.PasswordHash, &p.Plaintext, &p.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get share password: %w", err)
	}
	return &p, nil
}
