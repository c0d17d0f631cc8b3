package database

import (
	"database/sql"
	"fmt"
	"time"
)

// MountRepository handles storage mount persistence.
type MountRepository struct {
	db dbtx
}

// NewMountRepository creates a new mount repository
func NewMountRepository(db dbtx) *MountRepository {
	return &MountRepository{db: db}
}

const mountColumns = `id, name, storage_config_id, mount_path, is_active, web_proxy, enable_sign, sign_expires, webdav_policy, sort_order, cache_ttl, created_by, created_at, updated_at`

func scanMount(row interface{ Scan(...interface{}) error }) (*StorageMount, error) {
	var m StorageMount
	err := row.Scan(&m.ID, &m.Name, &m.StorageConfigID, &m.MountPath, &m.IsActive,
		&m.WebProxy, &m.EnableSign, &m.SignExpires, &m.WebDAVPolicy, &m.SortOrder,
		&m.CacheTTL, &m.CreatedBy, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Create inserts a new mount.
func (r *MountRepository) Create(m *StorageMount) error {
	_, err := r.db.Exec(`
		INSERT INTO storage_mounts (`+mountColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		m.ID, m.Name, m.StorageConfigID, m.MountPath, m.IsActive, m.WebProxy,
		m.EnableSign, m.SignExpires, m.WebDAVPolicy, m.SortOrder, m.CacheTTL, m.CreatedBy)
	if err != nil {
		return fmt.Errorf("failed to create mount: %w", err)
	}
	m.CreatedAt = time.Now()
	m.UpdatedAt = m.CreatedAt
	return nil
}

// Get returns a mount by id, or nil when absent.
func (r *MountRepository) Get(id string) (*StorageMount, error) {
	m, err := scanMount(r.db.QueryRow(`SELECT `+mountColumns+` FROM storage_mounts WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get mount: %w", err)
	}
	return m, nil
}

// ListActive returns active mounts ordered for longest-prefix resolution
// tie-breaks: sort_order ascending, then created_at ascending.
func (r *MountRepository) ListActive() ([]*StorageMount, error) {
	rows, err := r.db.Query(`
		SELECT ` + mountColumns + ` FROM storage_mounts
		WHERE is_active = 1
		ORDER BY sort_order ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active mounts: %w", err)
	}
	defer rows.Close()

	var out []*StorageMount
	for rows.Next() {
		m, err := scanMount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mount: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListAll returns every mount regardless of active flag.
func (r *MountRepository) ListAll() ([]*StorageMount, error) {
	rows, err := r.db.Query(`SELECT ` + mountColumns + ` FROM storage_mounts ORDER BY sort_order ASC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list mounts: %w", err)
	}
	defer rows.Close()

	var out []*StorageMount
	for rows.Next() {
		m, err := scanMount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mount: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListByConfig returns every mount bound to a storage config. The cache
// bus uses this to fan a config-level invalidation out to mounts.
func (r *MountRepository) ListByConfig(storageConfigID string) ([]*StorageMount, error) {
	rows, err := r.db.Query(`
		SELECT `+mountColumns+` FROM storage_mounts
		WHERE storage_config_id = ?
		ORDER BY sort_order ASC, created_at ASC`, storageConfigID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mounts by config: %w", err)
	}
	defer rows.Close()

	var out []*StorageMount
	for rows.Next() {
		m, err := scanMount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mount: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Update rewrites the mutable fields of a mount.
func (r *MountRepository) Update(m *StorageMount) error {
	res, err := r.db.Exec(`
		UPDATE storage_mounts
		SET name = ?, storage_config_id = ?, mount_path = ?, is_active = ?, web_proxy = ?,
		    enable_sign = ?, sign_expires = ?, webdav_policy = ?, sort_order = ?, cache_ttl = ?,
		    updated_at = datetime('now')
		WHERE id = ?`,
		m.Name, m.StorageConfigID, m.MountPath, m.IsActive, m.WebProxy,
		m.EnableSign, m.SignExpires, m.WebDAVPolicy, m.SortOrder, m.CacheTTL, m.ID)
	if err != nil {
		return fmt.Errorf("failed to update mount: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("mount %s not found", m.ID)
	}
	return nil
}

// Delete removes a mount.
func (r *MountRepository) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM storage_mounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete mount: %w", err)
	}
	return nil
}
