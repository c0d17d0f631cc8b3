package database

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

//go:embed task_migrations/*.sql
var embedTaskMigrations embed.FS

// DB wraps the main database connection and provides access to the
// per-aggregate repositories.
type DB struct {
	conn *sql.DB

	Storage  *StorageRepository
	Mounts   *MountRepository
	Auth     *AuthRepository
	Shares   *ShareRepository
	FsMeta   *FsMetaRepository
	Uploads  *UploadRepository
	Jobs     *ScheduledJobRepository
	Settings *SettingsRepository
}

// Config holds database configuration
type Config struct {
	DatabasePath string
}

// NewDB creates the main database connection and runs migrations
func NewDB(config Config) (*DB, error) {
	conn, err := openSQLite(config.DatabasePath)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(conn, embedMigrations, "migrations"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	db := &DB{conn: conn}
	db.Storage = NewStorageRepository(conn)
	db.Mounts = NewMountRepository(conn)
	db.Auth = NewAuthRepository(conn)
	db.Shares = NewShareRepository(conn)
	db.FsMeta = NewFsMetaRepository(conn)
	db.Uploads = NewUploadRepository(conn)
	db.Jobs = NewScheduledJobRepository(conn)
	db.Settings = NewSettingsRepository(conn)

	return db, nil
}

// TaskDB wraps the task store connection. The orchestrator is its single
// writer; workers serialize claims through immediate transactions.
type TaskDB struct {
	conn  *sql.DB
	Tasks *TaskRepository
}

// NewTaskDB creates the task database connection and runs its migrations
func NewTaskDB(config Config) (*TaskDB, error) {
	conn, err := openSQLite(config.DatabasePath)
	if err != nil {
		return nil, err
	}

	if err := runMigrations(conn, embedTaskMigrations, "task_migrations"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to run task migrations: %w", err)
	}

	return &TaskDB{conn: conn, Tasks: NewTaskRepository(conn)}, nil
}

// openSQLite opens path with a connection string optimized for
// write-heavy operations and applies the pragma set.
func openSQLite(path string) (*sql.DB, error) {
	// file: DSNs may already carry query parameters (mode, cache).
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	connString := path + sep + "_journal_mode=WAL&_synchronous=NORMAL&_cache_size=-32000&_temp_store=MEMORY&_busy_timeout=30000&_foreign_keys=on&_txlock=immediate"

	conn, err := sql.Open("sqlite3", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(3)
	conn.SetConnMaxLifetime(0)
	conn.SetConnMaxIdleTime(15 * time.Minute)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -32000",
		"PRAGMA temp_store = MEMORY",
		"PRAGMA busy_timeout = 30000",
		"PRAGMA wal_autocheckpoint = 500",
		"PRAGMA optimize",
	}

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to set pragma '%s': %w", pragma, err)
		}
	}

	return conn, nil
}

// runMigrations runs database migrations using Goose
func runMigrations(db *sql.DB, fsys embed.FS, dir string) error {
	goose.SetBaseFS(fsys)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("failed to run %s: %w", dir, err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Connection returns the underlying database connection
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// Close closes the task database connection
func (db *TaskDB) Close() error {
	return db.conn.Close()
}

// Connection returns the underlying task database connection
func (db *TaskDB) Connection() *sql.DB {
	return db.conn
}
