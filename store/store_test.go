package store

import (
	"database/sql"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateCreatesDiscoveryTables(t *testing.T) {
	db := openTestDB(t)
	var n int
	err := db.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name IN ('hosts','dns_names','dns_ptr_records')`).Scan(&n)
	if err != nil {
		t.Fatalf("querying sqlite_master: %v", err)
	}
	if n != 3 {
		t.Fatalf("found %d of 3 expected discovery tables", n)
	}
}

func TestUpsertHostUpdatesOnRepeat(t *testing.T) {
	db := openTestDB(t)
	now := time.Unix(1000, 0)

	if err := UpsertHost(db, HostRecord{MAC: "02:00:00:00:00:01", IP: "192.0.2.1", DiscMethod: "passive_arp"}, now); err != nil {
		t.Fatalf("UpsertHost: %v", err)
	}
	later := now.Add(time.Hour)
	if err := UpsertHost(db, HostRecord{MAC: "02:00:00:00:00:02", IP: "192.0.2.1", DiscMethod: "active_arp"}, later); err != nil {
		t.Fatalf("UpsertHost second call: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT count(*) FROM hosts WHERE ip='192.0.2.1'`).Scan(&count); err != nil {
		t.Fatalf("count query: %v", err)
	}
	if count != 1 {
		t.Fatalf("got %d rows for ip 192.0.2.1, want 1 (update, not insert)", count)
	}

	var mac, method string
	var lastSeen int64
	if err := db.QueryRow(`SELECT mac, last_seen, disc_method FROM hosts WHERE ip='192.0.2.1'`).Scan(&mac, &lastSeen, &method); err != nil {
		t.Fatalf("select: %v", err)
	}
	if mac != "02:00:00:00:00:02" || method != "active_arp" || lastSeen != later.Unix() {
		t.Errorf("row not updated: mac=%s method=%s last_seen=%d", mac, method, lastSeen)
	}
}

func TestRecordPTRDeduplicatesDNSName(t *testing.T) {
	db := openTestDB(t)
	if err := RecordPTR(db, "192.0.2.1", "host.example."); err != nil {
		t.Fatalf("RecordPTR: %v", err)
	}
	if err := RecordPTR(db, "192.0.2.2", "host.example."); err != nil {
		t.Fatalf("RecordPTR second: %v", err)
	}

	var nameCount int
	if err := db.QueryRow(`SELECT count(*) FROM dns_names WHERE value='host.example.'`).Scan(&nameCount); err != nil {
		t.Fatalf("count: %v", err)
	}
	if nameCount != 1 {
		t.Fatalf("got %d dns_names rows, want 1 (shared across both ips)", nameCount)
	}

	var ptrCount int
	if err := db.QueryRow(`SELECT count(*) FROM dns_ptr_records`).Scan(&ptrCount); err != nil {
		t.Fatalf("count: %v", err)
	}
	if ptrCount != 2 {
		t.Fatalf("got %d ptr records, want 2", ptrCount)
	}
}
