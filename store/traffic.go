package store

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// TrafficRecord is one row of forwarded traffic metadata.
type TrafficRecord struct {
	UnixSeconds int64
	SrcIP       string
	DstIP       string
	SrcDNS      string
	DstDNS      string
	FrameLen    int
	PayloadLen  int
}

// TrafficLogger appends TrafficRecord rows to a table named
// traffic_YYYYMMDD, rotating to a new table the first time a record
// arrives on a new calendar day. Table creation is lazy: a day with no
// traffic never gets a table.
type TrafficLogger struct {
	db  *sql.DB
	now func() time.Time

	mu           sync.Mutex
	lastDayTable string
}

// NewTrafficLogger wraps an already-open database handle. db is normally
// the handle returned by Open, shared with the discovery inventory
// tables.
func NewTrafficLogger(db *sql.DB) *TrafficLogger {
	return &TrafficLogger{db: db, now: time.Now}
}

func dayTableName(t time.Time) string {
	return fmt.Sprintf("traffic_%s", t.UTC().Format("20060102"))
}

const trafficTableDDL = `
CREATE TABLE IF NOT EXISTS %s (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp    INTEGER NOT NULL,
    from_ip      TEXT NOT NULL,
    from_dns     TEXT NOT NULL DEFAULT '',
    to_ip        TEXT NOT NULL,
    to_dns       TEXT NOT NULL DEFAULT '',
    packet_size  INTEGER NOT NULL,
    payload_size INTEGER NOT NULL
)`

// ensureTable creates today's table if this is the first row of the day.
// Callers must hold l.mu.
func (l *TrafficLogger) ensureTable(table string) error {
	if l.lastDayTable == table {
		return nil
	}
	if _, err := l.db.Exec(fmt.Sprintf(trafficTableDDL, table)); err != nil {
		return fmt.Errorf("creating traffic table %s: %w", table, err)
	}
	l.lastDayTable = table
	return nil
}

// Insert appends rec to the table for the current day, creating the table
// first if this is the day's first row.
func (l *TrafficLogger) Insert(rec TrafficRecord) error {
	table := dayTableName(l.now())

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.ensureTable(table); err != nil {
		return err
	}

	stmt := fmt.Sprintf(`
INSERT INTO %s (timestamp, from_ip, from_dns, to_ip, to_dns, packet_size, payload_size)
VALUES (?, ?, ?, ?, ?, ?, ?)`, table)
	_, err := l.db.Exec(stmt, rec.UnixSeconds, rec.SrcIP, rec.SrcDNS, rec.DstIP, rec.DstDNS, rec.FrameLen, rec.PayloadLen)
	if err != nil {
		return fmt.Errorf("inserting traffic row into %s: %w", table, err)
	}
	return nil
}

// CurrentTable reports the table name the next Insert would target,
// without creating it.
func (l *TrafficLogger) CurrentTable() string {
	return dayTableName(l.now())
}
