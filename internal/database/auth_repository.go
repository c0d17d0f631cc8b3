package database

import (
	"database/sql"
	"fmt"
	"time"
)

// AuthRepository handles admins, admin tokens and API keys.
type AuthRepository struct {
	db dbtx
}

// NewAuthRepository creates a new auth repository
func NewAuthRepository(db dbtx) *AuthRepository {
	return &AuthRepository{db: db}
}

// CreateAdmin inserts an admin account.
func (r *AuthRepository) CreateAdmin(a *Admin) error {
	_, err := r.db.Exec(`
		INSERT INTO admins (id, username, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, datetime('now'), datetime('now'))`,
		a.ID, a.Username, a.PasswordHash)
	if err != nil {
		return fmt.Errorf("failed to create admin: %w", err)
	}
	return nil
}

// GetAdminByUsername returns the admin with the given username, or nil.
func (r *AuthRepository) GetAdminByUsername(username string) (*Admin, error) {
	var a Admin
	err := r.db.QueryRow(`
		SELECT id, username, password_hash, created_at, updated_at
		FROM admins WHERE username = ?`, username).
		Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get admin: %w", err)
	}
	return &a, nil
}

// GetAdmin returns the admin by id, or nil.
func (r *AuthRepository) GetAdmin(id string) (*Admin, error) {
	var a Admin
	err := r.db.QueryRow(`
		SELECT id, username, password_hash, created_at, updated_at
		FROM admins WHERE id = ?`, id).
		Scan(&a.ID, &a.Username, &a.PasswordHash, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get admin: %w", err)
	}
	return &a, nil
}

// CreateToken inserts a new admin session token.
func (r *AuthRepository) CreateToken(t *AdminToken) error {
	_, err := r.db.Exec(`
		INSERT INTO admin_tokens (token, admin_id, expires_at, created_at)
		VALUES (?, ?, ?, datetime('now'))`,
		t.Token, t.AdminID, t.ExpiresAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to create admin token: %w", err)
	}
	return nil
}

// ResolveToken returns the admin owning a live token, or nil when the
// token is unknown or expired.
func (r *AuthRepository) ResolveToken(token string) (*Admin, error) {
	var adminID string
	err := r.db.QueryRow(`
		SELECT admin_id FROM admin_tokens
		WHERE token = ? AND expires_at > datetime('now')`, token).Scan(&adminID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve admin token: %w", err)
	}
	return r.GetAdmin(adminID)
}

// DeleteToken revokes a session token.
func (r *AuthRepository) DeleteToken(token string) error {
	_, err := r.db.Exec(`DELETE FROM admin_tokens WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to delete admin token: %w", err)
	}
	return nil
}

// PruneExpiredTokens removes expired admin tokens; returns rows removed.
func (r *AuthRepository) PruneExpiredTokens() (int64, error) {
	res, err := r.db.Exec(`DELETE FROM admin_tokens WHERE expires_at <= datetime('now')`)
	if err != nil {
		return 0, fmt.Errorf("failed to prune admin tokens: %w", err)
	}
	return res.RowsAffected()
}

const apiKeyColumns = `id, name, key, permissions, role, basic_path, is_enable, expires_at, last_used, created_at`

func scanAPIKey(row interface{ Scan(...interface{}) error }) (*APIKey, error) {
	var k APIKey
	err := row.Scan(&k.ID, &k.Name, &k.Key, &k.Permissions, &k.Role, &k.BasicPath,
		&k.IsEnable, &k.ExpiresAt, &k.LastUsed, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// CreateAPIKey inserts a new API key. An empty role becomes GUEST, the
// schema default.
func (r *AuthRepository) CreateAPIKey(k *APIKey) error {
	var expires interface{}
	if k.ExpiresAt != nil {
		expires = k.ExpiresAt.UTC()
	}
	if k.Role == "" {
		k.Role = "GUEST"
	}
	_, err := r.db.Exec(`
		INSERT INTO api_keys (id, name, key, permissions, role, basic_path, is_enable, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))`,
		k.ID, k.Name, k.Key, k.Permissions, k.Role, k.BasicPath, k.IsEnable, expires)
	if err != nil {
		return fmt.Errorf("failed to create api key: %w", err)
	}
	return nil
}

// GetAPIKey returns a key by id, or nil.
func (r *AuthRepository) GetAPIKey(id string) (*APIKey, error) {
	k, err := scanAPIKey(r.db.QueryRow(`
		SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	return k, nil
}

// GetAPIKeyBySecret resolves a key by its opaque secret. Disabled and
// expired keys resolve to nil.
func (r *AuthRepository) GetAPIKeyBySecret(secret string) (*APIKey, error) {
	k, err := scanAPIKey(r.db.QueryRow(`
		SELECT `+apiKeyColumns+` FROM api_keys
		WHERE key = ? AND is_enable = 1
		  AND (expires_at IS NULL OR expires_at > datetime('now'))`, secret))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve api key: %w", err)
	}
	return k, nil
}

// ListAPIKeys returns every API key.
func (r *AuthRepository) ListAPIKeys() ([]*APIKey, error) {
	rows, err := r.db.Query(`SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	defer rows.Close()

	var out []*APIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan api key: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// TouchAPIKey records key usage.
func (r *AuthRepository) TouchAPIKey(id string, at time.Time) error {
	_, err := r.db.Exec(`UPDATE api_keys SET last_used = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch api key: %w", err)
	}
	return nil
}

// DeleteAPIKey removes a key.
func (r *AuthRepository) DeleteAPIKey(id string) error {
	_, err := r.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete api key: %w", err)
	}
	return nil
}
