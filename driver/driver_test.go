package driver

import (
	"database/sql"
	"testing"
)

func TestOpenInMemoryExecQuery(t *testing.T) {
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec("CREATE TABLE t (id INT PRIMARY KEY, n VARCHAR(8))"); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}
	if _, err := db.Exec("INSERT INTO t VALUES (?, ?)", 1, "alice"); err != nil {
		t.Fatalf("INSERT with placeholders: %v", err)
	}

	rows, err := db.Query("SELECT id, n FROM t WHERE id = ?", 1)
	if err != nil {
		t.Fatalf("SELECT: %v", err)
	}
	defer rows.Close()

	if !rows.Next() {
		t.Fatal("expected one row")
	}
	var id int64
	var name string
	if err := rows.Scan(&id, &name); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if id != 1 || name != "alice" {
		t.Fatalf("got (%d, %q), want (1, alice)", id, name)
	}
}

func TestTransactionCommitRollback(t *testing.T) {
	db, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	defer db.Close()
	if _, err := db.Exec("CREATE TABLE t (id INT PRIMARY KEY, n VARCHAR(8))"); err != nil {
		t.Fatalf("CREATE TABLE: %v", err)
	}

	txn, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if _, err := txn.Exec("INSERT INTO t VALUES (1, 'a')"); err != nil {
		t.Fatalf("insert in txn: %v", err)
	}
	if err := txn.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	var count int64
	if err := db.QueryRow("SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count after rollback: %v", err)
	}
	if count != 0 {
		t.Fatalf("count after rollback = %d, want 0", count)
	}
}

func TestUnsupportedDSNRejected(t *testing.T) {
	db, err := sql.Open(DriverName, "bogus://nothing")
	if err != nil {
		t.Fatalf("sql.Open should defer DSN validation to Open: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err == nil {
		t.Fatal("expected an error opening an unsupported DSN scheme")
	}
}
