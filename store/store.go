// Package store persists captured traffic and the discovery inventory to
// a sqlite database.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// PersistenceError wraps a failed database operation with the statement
// that caused it, so callers and logs can tell a migration failure apart
// from a write failure without string-matching the driver error.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }

// Open opens (and creates, if absent) the sqlite database at dsn and runs
// the startup schema migration for the discovery inventory tables.
func Open(dsn string) (*sql.DB, error) {
	full, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", full)
	if err != nil {
		return nil, &PersistenceError{Op: "open " + dsn, Err: err}
	}
	db.SetMaxOpenConns(1)
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate creates the discovery inventory tables if they don't already
// exist. It is idempotent and safe to call on every startup.
func Migrate(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return &PersistenceError{Op: "migrate", Err: err}
	}
	return nil
}

// parseDSN appends the foreign-key and WAL journal pragmas sqlite needs
// for concurrent-safe single-writer access, preserving any values the
// caller already set.
func parseDSN(dsn string) (string, error) {
	parts := strings.SplitN(dsn, "?", 2)
	var q url.Values
	var err error
	if len(parts) == 1 {
		q = make(url.Values)
	} else {
		q, err = url.ParseQuery(parts[1])
		if err != nil {
			return "", fmt.Errorf("parsing dsn query string %q: %w", dsn, err)
		}
	}
	if !q.Has("_fk") && !q.Has("_foreign_keys") {
		q.Set("_fk", "true")
	}
	if !q.Has("_journal") && !q.Has("_journal_mode") {
		q.Set("_journal", "WAL")
	}
	return fmt.Sprintf("%s?%s", parts[0], q.Encode()), nil
}

// HostRecord is a (mac, ip) pairing in the discovery inventory.
type HostRecord struct {
	MAC        string
	IP         string
	DiscMethod string
}

// UpsertHost records a sighting of mac/ip, updating last_seen and
// disc_method on a repeat sighting rather than inserting a duplicate row.
// This is the one table in the schema that is mutated in place; the
// traffic_YYYYMMDD family is append-only.
func UpsertHost(db *sql.DB, rec HostRecord, now time.Time) error {
	ts := now.Unix()
	_, err := db.Exec(`
INSERT INTO hosts (mac, ip, first_seen, last_seen, disc_method)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (ip) DO UPDATE SET
    mac = excluded.mac,
    last_seen = excluded.last_seen,
    disc_method = excluded.disc_method
`, rec.MAC, rec.IP, ts, ts, rec.DiscMethod)
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("upsert host %s/%s", rec.MAC, rec.IP), Err: err}
	}
	return nil
}

// GetOrCreateDNSName returns the id of the dns_names row for value,
// inserting it if absent.
func GetOrCreateDNSName(db *sql.DB, value string) (int64, error) {
	var id int64
	err := getRow(db, `SELECT id FROM dns_names WHERE value = ?`, []any{value}, &id)
	if errors.Is(err, sql.ErrNoRows) {
		err = getRow(db, `INSERT INTO dns_names (value) VALUES (?) RETURNING id`, []any{value}, &id)
	}
	if err != nil {
		return 0, &PersistenceError{Op: fmt.Sprintf("get-or-create dns name %q", value), Err: err}
	}
	return id, nil
}

// RecordPTR associates ip with the resolved dns name, feeding the same
// resolver cache hit into both the discovery inventory and the traffic
// log enrichment path.
func RecordPTR(db *sql.DB, ip, name string) error {
	nameID, err := GetOrCreateDNSName(db, name)
	if err != nil {
		return err
	}
	_, err = db.Exec(`
INSERT INTO dns_ptr_records (ip, dns_name_id) VALUES (?, ?)
ON CONFLICT (ip, dns_name_id) DO NOTHING
`, ip, nameID)
	if err != nil {
		return &PersistenceError{Op: fmt.Sprintf("record ptr for %s", ip), Err: err}
	}
	return nil
}

func getRow(db *sql.DB, stmt string, args []any, dest ...any) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return db.QueryRowContext(ctx, stmt, args...).Scan(dest...)
}
