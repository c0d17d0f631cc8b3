package database

import (
	"database/sql"
	"fmt"
	"time"
)

// StorageRepository handles storage config persistence.
type StorageRepository struct {
	db dbtx
}

// NewStorageRepository creates a new storage config repository
func NewStorageRepository(db dbtx) *StorageRepository {
	return &StorageRepository{db: db}
}

const storageConfigColumns = `id, name, driver_kind, driver_config, is_public, is_default, quota_bytes, admin_id, created_at, updated_at`

func scanStorageConfig(row interface{ Scan(...interface{}) error }) (*StorageConfig, error) {
	var c StorageConfig
	err := row.Scan(&c.ID, &c.Name, &c.DriverKind, &c.DriverConfig, &c.IsPublic,
		&c.IsDefault, &c.QuotaBytes, &c.AdminID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new storage config. Setting is_default clears the
// previous default of the same owner first so the partial unique index
// holds.
func (r *StorageRepository) Create(c *StorageConfig) error {
	if c.IsDefault {
		if _, err := r.db.Exec(`UPDATE storage_configs SET is_default = 0 WHERE admin_id = ?`, c.AdminID); err != nil {
			return fmt.Errorf("failed to clear previous default config: %w", err)
		}
	}

	_, err := r.db.Exec(`
		INSERT INTO storage_configs (`+storageConfigColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))`,
		c.ID, c.Name, c.DriverKind, c.DriverConfig, c.IsPublic, c.IsDefault, c.QuotaBytes, c.AdminID)
	if err != nil {
		return fmt.Errorf("failed to create storage config: %w", err)
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	return nil
}

// Get returns the config by id, or nil when absent.
func (r *StorageRepository) Get(id string) (*StorageConfig, error) {
	c, err := scanStorageConfig(r.db.QueryRow(
		`SELECT `+storageConfigColumns+` FROM storage_configs WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get storage config: %w", err)
	}
	return c, nil
}

// List returns every storage config ordered by creation time.
func (r *StorageRepository) List() ([]*StorageConfig, error) {
	rows, err := r.db.Query(`SELECT ` + storageConfigColumns + ` FROM storage_configs ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list storage configs: %w", err)
	}
	defer rows.Close()

	var out []*StorageConfig
	for rows.Next() {
		c, err := scanStorageConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan storage config: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Update rewrites the mutable fields of a config.
func (r *StorageRepository) Update(c *StorageConfig) error {
	if c.IsDefault {
		if _, err := r.db.Exec(`UPDATE storage_configs SET is_default = 0 WHERE admin_id = ? AND id != ?`, c.AdminID, c.ID); err != nil {
			return fmt.Errorf("failed to clear previous default config: %w", err)
		}
	}

	res, err := r.db.Exec(`
		UPDATE storage_configs
		SET name = ?, driver_kind = ?, driver_config = ?, is_public = ?, is_default = ?,
		    quota_bytes = ?, updated_at = datetime('now')
		WHERE id = ?`,
		c.Name, c.DriverKind, c.DriverConfig, c.IsPublic, c.IsDefault, c.QuotaBytes, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update storage config: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("storage config %s not found", c.ID)
	}
	return nil
}

// Delete removes a config. Mounts referencing it are orphaned, not
// cascaded; resolution simply stops matching them.
func (r *StorageRepository) Delete(id string) error {
	_, err := r.db.Exec(`DELETE FROM storage_configs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete storage config: %w", err)
	}
	return nil
}

// ACLAdmits reports whether the ACL table admits the given principal to a
// private config.
func (r *StorageRepository) ACLAdmits(configID, principalKind, principalID string) (bool, error) {
	var one int
	err := r.db.QueryRow(`
		SELECT 1 FROM principal_storage_acl
		WHERE storage_config_id = ? AND principal_kind = ? AND principal_id = ?
		LIMIT 1`, configID, principalKind, principalID).Scan(&one)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("failed to check storage acl: %w", err)
	}
	return true, nil
}

// GrantACL admits a principal to a private config.
func (r *StorageRepository) GrantACL(configID, principalKind, principalID string) error {
	_, err := r.db.Exec(`
		INSERT OR IGNORE INTO principal_storage_acl (storage_config_id, principal_kind, principal_id)
		VALUES (?, ?, ?)`, configID, principalKind, principalID)
	if err != nil {
		return fmt.Errorf("failed to grant storage acl: %w", err)
	}
	return nil
}

// RevokeACL removes a principal from a private config's ACL.
func (r *StorageRepository) RevokeACL(configID, principalKind, principalID string) error {
	_, err := r.db.Exec(`
		DELETE FROM principal_storage_acl
		WHERE storage_config_id = ? AND principal_kind = ? AND principal_id = ?`,
		configID, principalKind, principalID)
	if err != nil {
		return fmt.Errorf("failed to revoke storage acl: %w", err)
	}
	return nil
}
