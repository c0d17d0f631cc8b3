package database

import (
	"database/sql"
)

// dbtx is the subset of *sql.DB / *sql.Tx the repositories use, so every
// repository can run either directly or inside a transaction.
type dbtx interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	Query(query string, args ...interface{}) (*sql.Rows, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}
