package database

import (
	"database/sql"
	"fmt"
)

// FsMetaRepository handles path-keyed directory metadata.
type FsMetaRepository struct {
	db dbtx
}

// NewFsMetaRepository creates a new fs_meta repository
func NewFsMetaRepository(db dbtx) *FsMetaRepository {
	return &FsMetaRepository{db: db}
}

const fsMetaColumns = `id, path, header_markdown, footer_markdown, hide_patterns, inherit_header, inherit_footer, inherit_hide, password, created_at, updated_at`

func scanFsMeta(row interface{ Scan(...interface{}) error }) (*FsMeta, error) {
	var m FsMeta
	err := row.Scan(&m.ID, &m.Path, &m.HeaderMarkdown, &m.FooterMarkdown, &m.HidePatterns,
		&m.InheritHeader, &m.InheritFooter, &m.InheritHide, &m.Password, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// Upsert writes the metadata row for a path.
func (r *FsMetaRepository) Upsert(m *FsMeta) error {
	_, err := r.db.Exec(`
		INSERT INTO fs_meta (`+fsMetaColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, datetime('now'), datetime('now'))
		ON CONFLICT(path) DO UPDATE SET
		header_markdown = excluded.header_markdown,
		footer_markdown = excluded.footer_markdown,
		hide_patterns = excluded.hide_patterns,
		inherit_header = excluded.inherit_header,
		inherit_footer = excluded.inherit_footer,
		inherit_hide = excluded.inherit_hide,
		password = excluded.password,
		updated_at = datetime('now')`,
		m.ID, m.Path, m.HeaderMarkdown, m.FooterMarkdown, m.HidePatterns,
		m.InheritHeader, m.InheritFooter, m.InheritHide, m.Password)
	if err != nil {
		return fmt.Errorf("failed to upsert fs meta: %w", err)
	}
	return nil
}

// Get returns the metadata for an exact path, or nil.
func (r *FsMetaRepository) Get(path string) (*FsMeta, error) {
	m, err := scanFsMeta(r.db.QueryRow(`SELECT `+fsMetaColumns+` FROM fs_meta WHERE path = ?`, path))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get fs meta: %w", err)
	}
	return m, nil
}

// GetChain returns metadata rows for the path and all its ancestors, most
// specific first. The facade applies nearest-ancestor inheritance on top.
func (r *FsMetaRepository) GetChain(paths []string) ([]*FsMeta, error) {
	var out []*FsMeta
	for _, p := range paths {
		m, err := r.Get(p)
		if err != nil {
			return nil, err
		}
		if m != nil {
			out = append(out, m)
		}
	}
	return out, nil
}

// Delete removes metadata for a path.
func (r *FsMetaRepository) Delete(path string) error {
	_, err := r.db.Exec(`DELETE FROM fs_meta WHERE path = ?`, path)
	if err != nil {
		return fmt.Errorf("failed to delete fs meta: %w", err)
	}
	return nil
}
