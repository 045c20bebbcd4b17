// Package store is the persistence layer for the dispatch core: printers,
// jobs, dispatch events and the outbound notification queue. Every mutating
// query is written so a single statement either commits the whole state
// transition or touches no rows at all, since the dispatcher relies on that
// to claim jobs safely across concurrent workers.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/linchengyeyu/bambu-farm/engine/db"
)

//go:embed schema.sql
var schema string

// Store wraps the database handle shared by PrinterStore and JobStore.
type Store struct {
	db *sql.DB
}

func New(database *sql.DB) *Store {
	db.MustMigrate(database, schema)
	return &Store{db: database}
}

func (s *Store) Printers() *PrinterStore { return &PrinterStore{db: s.db} }
func (s *Store) Jobs() *JobStore         { return &JobStore{db: s.db} }

func unixToTime(sec int64) time.Time { return time.Unix(sec, 0).UTC() }

func nullableUnixToTimePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := unixToTime(n.Int64)
	return &t
}

func nullableInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = fmt.Errorf("not found")

func wrapRowErr(err error) error {
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// RecordEvent appends a row to the dispatch event log. Best-effort: callers
// treat a logging failure as non-fatal to the operation it's describing.
func (s *Store) RecordEvent(ctx context.Context, kind string, printerID, jobID *int64, detail string) {
	_, _ = s.db.ExecContext(ctx,
		`INSERT INTO dispatch_events (kind, printer_id, job_id, detail) VALUES (?, ?, ?, ?)`,
		kind, printerID, jobID, detail)
}
