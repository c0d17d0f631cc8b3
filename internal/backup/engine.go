// Package backup exports and restores the main database as a checksummed
// JSON envelope, selectable by functional module.
package backup

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// FormatVersion tags the envelope layout.
const FormatVersion = "1.0"

// BackupType selects full or per-module export.
type BackupType string

const (
	BackupFull    BackupType = "full"
	BackupModules BackupType = "modules"
)

// moduleTables is the fixed module → table-set mapping.
var moduleTables = map[string][]string{
	"text_management":    {"pastes", "paste_passwords"},
	"file_management":    {"files", "file_passwords"},
	"mount_management":   {"storage_mounts"},
	"storage_config":     {"storage_configs"},
	"key_management":     {"api_keys"},
	"account_management": {"admins", "admin_tokens"},
	"system_settings":    {"system_settings"},
}

// moduleDeps are transitive module dependencies pulled in automatically.
var moduleDeps = map[string][]string{
	"mount_management": {"storage_config"},
	"file_management":  {"storage_config"},
	"storage_config":   {"account_management"},
}

// tableDeps orders restores: key depends on value.
var tableDeps = map[string][]string{
	"paste_passwords": {"pastes"},
	"file_passwords":  {"files"},
	"admin_tokens":    {"admins"},
	"storage_configs": {"admins"},
	"storage_mounts":  {"storage_configs"},
}

// Metadata describes one backup envelope.
type Metadata struct {
	Version                  string         `json:"version"`
	Timestamp                time.Time      `json:"timestamp"`
	BackupType               BackupType     `json:"backup_type"`
	SelectedModules          []string       `json:"selected_modules"`
	IncludedModules          []string       `json:"included_modules"`
	AutoIncludedDependencies []string       `json:"auto_included_dependencies"`
	Tables                   map[string]int `json:"tables"`
	TotalRecords             int            `json:"total_records"`
	Checksum                 string         `json:"checksum"`
}

// Envelope is the full backup document.
type Envelope struct {
	Metadata Metadata                    `json:"metadata"`
	Data     map[string][]map[string]any `json:"data"`
}

// Engine runs backups and restores against the main database.
type Engine struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewEngine creates an engine over the raw connection.
func NewEngine(db *sql.DB, logger *slog.Logger) *Engine {
	return &Engine{db: db, logger: logger.With("component", "backup")}
}

// Modules lists the selectable module names.
func Modules() []string {
	names := make([]string, 0, len(moduleTables))
	for name := range moduleTables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// expandModules resolves selected modules plus their transitive
// dependencies. Returns the final module set and which ones were pulled
// in automatically.
func expandModules(selected []string) (included, auto []string, err error) {
	seen := map[string]bool{}
	autoSet := map[string]bool{}

	var visit func(name string, isDep bool) error
	visit = func(name string, isDep bool) error {
		if _, ok := moduleTables[name]; !ok {
			return fmt.Errorf("unknown backup module %q", name)
		}
		if seen[name] {
			return nil
		}
		seen[name] = true
		if isDep {
			autoSet[name] = true
		}
		for _, dep := range moduleDeps[name] {
			if err := visit(dep, true); err != nil {
				return err
			}
		}
		return nil
	}
	for _, name := range selected {
		if err := visit(name, false); err != nil {
			return nil, nil, err
		}
	}

	for name := range seen {
		included = append(included, name)
	}
	for name := range autoSet {
		auto = append(auto, name)
	}
	sort.Strings(included)
	sort.Strings(auto)
	return included, auto, nil
}

// CreateBackup exports the selected scope into an envelope.
func (e *Engine) CreateBackup(backupType BackupType, selectedModules []string) (*Envelope, error) {
	var included, auto []string
	var err error

	switch backupType {
	case BackupFull:
		included = Modules()
	case BackupModules:
		if len(selectedModules) == 0 {
			return nil, fmt.Errorf("module backup requires selected_modules")
		}
		included, auto, err = expandModules(selectedModules)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown backup type %q", backupType)
	}

	tables := map[string]bool{}
	for _, mod := range included {
		for _, table := range moduleTables[mod] {
			tables[table] = true
		}
	}

	env := &Envelope{
		Metadata: Metadata{
			Version:                  FormatVersion,
			Timestamp:                time.Now().UTC(),
			BackupType:               backupType,
			SelectedModules:          selectedModules,
			IncludedModules:          included,
			AutoIncludedDependencies: auto,
			Tables:                   map[string]int{},
		},
		Data: map[string][]map[string]any{},
	}

	for table := range tables {
		rows, err := e.exportTable(table)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", table, err)
		}
		env.Data[table] = rows
		env.Metadata.Tables[table] = len(rows)
		env.Metadata.TotalRecords += len(rows)
	}

	checksum, err := Checksum(env.Data)
	if err != nil {
		return nil, err
	}
	env.Metadata.Checksum = checksum

	e.logger.Info("backup created",
		"type", backupType,
		"tables", len(env.Data),
		"records", env.Metadata.TotalRecords)
	return env, nil
}

// exportTable dumps every row of a table as a column→value map.
func (e *Engine) exportTable(table string) ([]map[string]any, error) {
	rows, err := e.db.Query("SELECT * FROM " + table) //nolint:gosec // table names come from the fixed module map
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// restoreOrder sorts the backup's tables so referenced tables load first.
// A dependency cycle (impossible with the current map, but the data is
// caller-supplied) appends the remainder in name order.
func restoreOrder(tables []string) []string {
	present := map[string]bool{}
	for _, t := range tables {
		present[t] = true
	}

	var order []string
	done := map[string]bool{}
	progress := true
	for progress && len(order) < len(tables) {
		progress = false
		names := make([]string, 0, len(tables))
		for _, t := range tables {
			if !done[t] {
				names = append(names, t)
			}
		}
		sort.Strings(names)
		for _, t := range names {
			ready := true
			for _, dep := range tableDeps[t] {
				if present[dep] && !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				order = append(order, t)
				done[t] = true
				progress = true
			}
		}
	}

	// Cycle fallback: whatever is left goes in as-is.
	names := make([]string, 0)
	for _, t := range tables {
		if !done[t] {
			names = append(names, t)
		}
	}
	sort.Strings(names)
	return append(order, names...)
}
