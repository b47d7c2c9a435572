package benchmarks

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sjpalmer/relstore"

	_ "modernc.org/sqlite"
)

func tmpDir(b *testing.B) string {
	b.Helper()
	dir, err := os.MkdirTemp("", "relstore_bench_*")
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

type backendOps struct {
	save  func(name string, nRows int)
	load  func(name string) int
	close func()
}

type backendEntry struct {
	name string
	open func(b *testing.B) backendOps
}

func backends() []backendEntry {
	return []backendEntry{
		{"relstore", openRelstore},
		{"SQLite-modernc", openSQLite},
	}
}

func openRelstore(b *testing.B) backendOps {
	b.Helper()
	dir := tmpDir(b)
	cfg := relstore.DefaultConfig()
	cfg.DataPath = dir
	cfg.CheckpointSpec = ""
	db, err := relstore.Open(cfg)
	if err != nil {
		b.Fatal(err)
	}
	ctx := context.Background()

	createDDL := func(name string) {
		db.Execute(ctx, fmt.Sprintf(
			"CREATE TABLE %s (id INT PRIMARY KEY, name VARCHAR(64), score DOUBLE)", name))
	}
	created := map[string]bool{}

	return backendOps{
		save: func(name string, nRows int) {
			if !created[name] {
				createDDL(name)
				created[name] = true
			} else {
				db.Execute(ctx, fmt.Sprintf("DELETE FROM %s", name))
			}
			for i := 0; i < nRows; i++ {
				db.Execute(ctx, fmt.Sprintf(
					"INSERT INTO %s VALUES (%d, 'user_%d', %f)", name, i, i, float64(i)*1.1))
			}
		},
		load: func(name string) int {
			res, err := db.Execute(ctx, fmt.Sprintf("SELECT * FROM %s", name))
			if err != nil || res == nil {
				return 0
			}
			return len(res.Rows)
		},
		close: func() { db.Close() },
	}
}

func openSQLite(b *testing.B) backendOps {
	b.Helper()
	dir := tmpDir(b)
	dbPath := filepath.Join(dir, "bench.sqlite3")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		b.Fatal(err)
	}
	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA synchronous=NORMAL")
	created := map[string]bool{}

	return backendOps{
		save: func(name string, nRows int) {
			if !created[name] {
				db.Exec(fmt.Sprintf(
					"CREATE TABLE %s (id INTEGER PRIMARY KEY, name TEXT, score REAL)", name))
				created[name] = true
			} else {
				db.Exec(fmt.Sprintf("DELETE FROM %s", name))
			}
			tx, _ := db.Begin()
			stmt, _ := tx.Prepare(fmt.Sprintf("INSERT INTO %s VALUES (?,?,?)", name))
			for i := 0; i < nRows; i++ {
				stmt.Exec(i, fmt.Sprintf("user_%d", i), float64(i)*1.1)
			}
			stmt.Close()
			tx.Commit()
		},
		load: func(name string) int {
			rows, err := db.Query(fmt.Sprintf("SELECT id, name, score FROM %s", name))
			if err != nil {
				return 0
			}
			defer rows.Close()
			count := 0
			var id int
			var nm string
			var sc float64
			for rows.Next() {
				rows.Scan(&id, &nm, &sc)
				count++
			}
			return count
		},
		close: func() { db.Close() },
	}
}

func BenchmarkBulkInsert(b *testing.B) {
	rowCounts := []int{10, 100, 1000}
	for _, rc := range rowCounts {
		for _, be := range backends() {
			b.Run(fmt.Sprintf("%s/rows=%d", be.name, rc), func(b *testing.B) {
				ops := be.open(b)
				defer ops.close()
				b.ResetTimer()
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					ops.save("bench", rc)
				}
			})
		}
	}
}

func BenchmarkFullScan(b *testing.B) {
	rowCounts := []int{10, 100, 1000}
	for _, rc := range rowCounts {
		for _, be := range backends() {
			b.Run(fmt.Sprintf("%s/rows=%d", be.name, rc), func(b *testing.B) {
				ops := be.open(b)
				defer ops.close()
				ops.save("scan_target", rc)
				b.ResetTimer()
				b.ReportAllocs()
				for i := 0; i < b.N; i++ {
					n := ops.load("scan_target")
					if n != rc {
						b.Fatalf("expected %d rows, got %d", rc, n)
					}
				}
			})
		}
	}
}

func BenchmarkRoundTrip(b *testing.B) {
	for _, be := range backends() {
		b.Run(be.name, func(b *testing.B) {
			ops := be.open(b)
			defer ops.close()
			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				ops.save("rt", 100)
				n := ops.load("rt")
				if n != 100 {
					b.Fatalf("expected 100 rows, got %d", n)
				}
			}
		})
	}
}
