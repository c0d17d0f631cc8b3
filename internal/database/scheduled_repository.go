package database

import (
	"database/sql"
	"fmt"
	"time"
)

// ScheduledJobRepository records periodic maintenance jobs and their runs.
type ScheduledJobRepository struct {
	db dbtx
}

// NewScheduledJobRepository creates a new scheduled job repository
func NewScheduledJobRepository(db dbtx) *ScheduledJobRepository {
	return &ScheduledJobRepository{db: db}
}

// Register upserts a scheduled job definition.
func (r *ScheduledJobRepository) Register(j *ScheduledJob) error {
	_, err := r.db.Exec(`
		INSERT INTO scheduled_jobs (id, name, cron_expr, is_active, created_at)
		VALUES (?, ?, ?, ?, datetime('now'))
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, cron_expr = excluded.cron_expr, is_active = excluded.is_active`,
		j.ID, j.Name, j.CronExpr, j.IsActive)
	if err != nil {
		return fmt.Errorf("failed to register scheduled job: %w", err)
	}
	return nil
}

// RecordRun stores one execution and bumps the job's last_run_at.
func (r *ScheduledJobRepository) RecordRun(jobID, status string, detail *string, started, finished time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO scheduled_job_runs (job_id, status, detail, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, status, detail, started.UTC(), finished.UTC())
	if err != nil {
		return fmt.Errorf("failed to record job run: %w", err)
	}
	_, err = r.db.Exec(`UPDATE scheduled_jobs SET last_run_at = ? WHERE id = ?`, finished.UTC(), jobID)
	if err != nil {
		return fmt.Errorf("failed to update job last run: %w", err)
	}
	return nil
}

// SettingsRepository is a simple key-value store for system settings.
type SettingsRepository struct {
	db dbtx
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db dbtx) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the value for key, or "" when absent.
func (r *SettingsRepository) Get(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM system_settings WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get setting: %w", err)
	}
	return value, nil
}

// Set upserts a setting.
func (r *SettingsRepository) Set(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO system_settings (key, value, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
