package backup

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// RestoreMode selects how existing rows are treated.
type RestoreMode string

const (
	RestoreOverwrite RestoreMode = "overwrite"
	RestoreMerge     RestoreMode = "merge"
)

// RestoreOptions tunes a restore run.
type RestoreOptions struct {
	Mode               RestoreMode
	CurrentAdminID     string
	SkipIntegrityCheck bool
	StrictIntegrity    bool
	PreserveTimestamps bool
}

// IntegrityIssue reports one dangling reference found before restoring.
type IntegrityIssue struct {
	Table     string `json:"table"`
	RowID     string `json:"rowId"`
	RefTable  string `json:"refTable"`
	RefColumn string `json:"refColumn"`
	RefValue  string `json:"refValue"`
}

// TableOutcome counts per-table restore results.
type TableOutcome struct {
	Inserted int `json:"inserted"`
	Ignored  int `json:"ignored"`
	Failed   int `json:"failed"`
}

// RestoreResult is the aggregated outcome.
type RestoreResult struct {
	Inserted        int                     `json:"inserted"`
	Ignored         int                     `json:"ignored"`
	Failed          int                     `json:"failed"`
	Tables          map[string]TableOutcome `json:"tables"`
	IntegrityIssues []IntegrityIssue        `json:"integrityIssues,omitempty"`
}

// ownerColumns are rewritten to the restoring admin. API keys and admin
// tokens are never remapped.
var ownerColumns = map[string]string{
	"storage_configs": "admin_id",
	"storage_mounts":  "created_by",
	"files":           "created_by",
	"pastes":          "created_by",
}

// integrityRefs lists the references verified before restoring.
var integrityRefs = []struct {
	table, column, refTable, refColumn string
}{
	{"storage_mounts", "storage_config_id", "storage_configs", "id"},
	{"file_passwords", "share_id", "files", "id"},
	{"paste_passwords", "share_id", "pastes", "id"},
}

// Restore loads an envelope into the database. Catastrophic failures
// roll the whole batch back.
func (e *Engine) Restore(env *Envelope, opts RestoreOptions) (*RestoreResult, error) {
	if env == nil || env.Data == nil {
		return nil, fmt.Errorf("backup envelope has no data section")
	}
	if opts.Mode != RestoreOverwrite && opts.Mode != RestoreMerge {
		return nil, fmt.Errorf("unknown restore mode %q", opts.Mode)
	}

	// A missing checksum fails verification like a wrong one would;
	// SkipIntegrityCheck is the explicit opt-out for hand-edited backups.
	if !opts.SkipIntegrityCheck {
		checksum, err := Checksum(env.Data)
		if err != nil {
			return nil, err
		}
		if env.Metadata.Checksum == "" {
			return nil, fmt.Errorf("backup has no checksum; re-export it or skip the integrity check")
		}
		if checksum != env.Metadata.Checksum {
			return nil, fmt.Errorf("backup checksum mismatch: computed %s, recorded %s", checksum, env.Metadata.Checksum)
		}
	}

	result := &RestoreResult{Tables: map[string]TableOutcome{}}

	if opts.CurrentAdminID != "" {
		remapOwners(env.Data, opts.CurrentAdminID)
	}

	if !opts.SkipIntegrityCheck {
		issues, err := e.checkIntegrity(env.Data)
		if err != nil {
			return nil, err
		}
		result.IntegrityIssues = issues
		if len(issues) > 0 {
			if opts.StrictIntegrity {
				return result, fmt.Errorf("restore aborted: %d dangling references", len(issues))
			}
			e.logger.Warn("restore proceeding with dangling references", "count", len(issues))
		}
	}

	tables := make([]string, 0, len(env.Data))
	for t := range env.Data {
		tables = append(tables, t)
	}
	order := restoreOrder(tables)

	tx, err := e.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("PRAGMA defer_foreign_keys = ON"); err != nil {
		return nil, err
	}

	if opts.Mode == RestoreOverwrite {
		for i := len(order) - 1; i >= 0; i-- {
			if _, err := tx.Exec("DELETE FROM " + order[i]); err != nil { //nolint:gosec // table names validated by restoreOrder callers
				return nil, fmt.Errorf("clear %s: %w", order[i], err)
			}
		}
	}

	now := time.Now().UTC()
	for _, table := range order {
		outcome := TableOutcome{}
		for _, row := range env.Data[table] {
			if opts.Mode == RestoreMerge && !opts.PreserveTimestamps {
				if _, ok := row["updated_at"]; ok {
					row["updated_at"] = now
				}
			}
			status, err := insertRow(tx, table, row, opts.Mode)
			if err != nil {
				e.logger.Warn("row restore failed", "table", table, "err", err)
				outcome.Failed++
				continue
			}
			switch status {
			case rowInserted:
				outcome.Inserted++
			case rowIgnored:
				outcome.Ignored++
			}
		}
		result.Tables[table] = outcome
		result.Inserted += outcome.Inserted
		result.Ignored += outcome.Ignored
		result.Failed += outcome.Failed
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit restore: %w", err)
	}

	e.logger.Info("restore finished",
		"mode", opts.Mode,
		"inserted", result.Inserted,
		"ignored", result.Ignored,
		"failed", result.Failed)
	return result, nil
}

// remapOwners rewrites owner columns to the restoring admin. created_by
// columns keep their principal-kind prefix form.
func remapOwners(data map[string][]map[string]any, adminID string) {
	for table, column := range ownerColumns {
		rows, ok := data[table]
		if !ok {
			continue
		}
		for _, row := range rows {
			if _, ok := row[column]; !ok {
				continue
			}
			if column == "admin_id" {
				row[column] = adminID
			} else {
				row[column] = "admin:" + adminID
			}
		}
	}
}

// checkIntegrity verifies each reference against the backup itself or
// the live database.
func (e *Engine) checkIntegrity(data map[string][]map[string]any) ([]IntegrityIssue, error) {
	var issues []IntegrityIssue

	for _, ref := range integrityRefs {
		rows, ok := data[ref.table]
		if !ok {
			continue
		}

		inBackup := map[string]bool{}
		for _, row := range data[ref.refTable] {
			if v, ok := row[ref.refColumn]; ok {
				inBackup[fmt.Sprint(v)] = true
			}
		}

		for _, row := range rows {
			v, ok := row[ref.column]
			if !ok || v == nil {
				continue
			}
			value := fmt.Sprint(v)
			if inBackup[value] {
				continue
			}
			var count int
			q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", ref.refTable, ref.refColumn) //nolint:gosec // identifiers from fixed ref table
			if err := e.db.QueryRow(q, value).Scan(&count); err != nil {
				return nil, err
			}
			if count > 0 {
				continue
			}
			issues = append(issues, IntegrityIssue{
				Table:     ref.table,
				RowID:     fmt.Sprint(row["id"]),
				RefTable:  ref.refTable,
				RefColumn: ref.refColumn,
				RefValue:  value,
			})
		}
	}
	return issues, nil
}

type rowStatus int

const (
	rowInserted rowStatus = iota
	rowIgnored
)

// insertRow builds the INSERT for one exported row. Merge mode uses
// INSERT OR IGNORE so existing rows survive.
func insertRow(tx *sql.Tx, table string, row map[string]any, mode RestoreMode) (rowStatus, error) {
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	args := make([]any, len(cols))
	placeholders := make([]string, len(cols))
	for i, c := range cols {
		args[i] = row[c]
		placeholders[i] = "?"
	}

	verb := "INSERT"
	if mode == RestoreMerge {
		verb = "INSERT OR IGNORE"
	}
	q := fmt.Sprintf("%s INTO %s (%s) VALUES (%s)",
		verb, table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))

	res, err := tx.Exec(q, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return rowIgnored, nil
	}
	return rowInserted, nil
}
