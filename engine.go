// Package relstore implements an embeddable relational SQL storage
// engine: a page-structured file layer, a write-ahead log, B-tree
// tables and indexes, a lock manager and transaction manager, and a
// SQL front end (lexer, recursive-descent parser, cost-based planner
// and executor).
//
// # Basic usage
//
//	db, err := relstore.Open(relstore.DefaultConfig())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if _, err := db.Execute(context.Background(), "CREATE TABLE users (id INT PRIMARY KEY, name VARCHAR(64))"); err != nil {
//		log.Fatal(err)
//	}
//	res, err := db.Execute(context.Background(), "INSERT INTO users VALUES (1, 'Ada')")
package relstore

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/sjpalmer/relstore/internal/dberrors"
	"github.com/sjpalmer/relstore/internal/engine"
	"github.com/sjpalmer/relstore/internal/storage"
	"github.com/sjpalmer/relstore/internal/storage/pager"
)

// Config re-exports the storage layer's tunables so callers only ever
// import the root package.
type Config = storage.Config

// DefaultConfig returns the engine's out-of-the-box tunables.
func DefaultConfig() Config { return storage.DefaultConfig() }

const metadataFileName = "_metadata.tbl"

// DB is one open database: the file layer, buffer pool, WAL, schema
// catalog, lock manager and transaction manager, wired together, plus
// a background checkpoint scheduler.
type DB struct {
	cfg       Config
	files     *pager.FileManager
	wal       *pager.WAL
	pool      *pager.BufferPool
	catalog   *storage.Catalog
	locks     *storage.LockManager
	txns      *storage.TxnManager
	scheduler *storage.CheckpointScheduler

	tables  map[string]*storage.Table
	indexes map[string]*storage.Index
}

// Open wires up a database rooted at cfg.DataPath, replaying the WAL
// (redoing every committed PAGE_WRITE) before it becomes available.
func Open(cfg Config) (*DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	files, err := pager.NewFileManager(cfg.DataPath, cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("open data directory %q: %w", cfg.DataPath, err)
	}
	wal, _, err := pager.NewWAL(cfg.DataPath, files, func() int64 { return time.Now().UnixNano() })
	if err != nil {
		return nil, fmt.Errorf("open write-ahead log: %w", err)
	}
	pool := pager.NewBufferPool(files, wal, cfg.BufferPoolSize)

	metaFile, err := openOrCreate(files, metadataFileName)
	if err != nil {
		return nil, err
	}
	catalog := storage.NewCatalog(pool, metaFile)
	if err := catalog.Load(); err != nil {
		return nil, err
	}

	locks := storage.NewLockManager()
	txns := storage.NewTxnManager(wal, pool, locks)

	db := &DB{
		cfg:     cfg,
		files:   files,
		wal:     wal,
		pool:    pool,
		catalog: catalog,
		locks:   locks,
		txns:    txns,
		tables:  make(map[string]*storage.Table),
		indexes: make(map[string]*storage.Index),
	}

	if cfg.WALEnabled && cfg.CheckpointSpec != "" {
		db.scheduler = storage.NewCheckpointScheduler(wal)
		if err := db.scheduler.Start(cfg.CheckpointSpec); err != nil {
			return nil, fmt.Errorf("start checkpoint scheduler: %w", err)
		}
	}

	return db, nil
}

func openOrCreate(files *pager.FileManager, name string) (pager.FileID, error) {
	if id, ok := files.FileIDFor(name); ok {
		return id, nil
	}
	if id, err := files.OpenFile(name); err == nil {
		return id, nil
	}
	return files.CreateFile(name)
}

// Close stops the checkpoint scheduler, flushes every dirty page and
// closes the underlying files.
func (db *DB) Close() error {
	if db.scheduler != nil {
		db.scheduler.Stop()
	}
	if err := db.txns.CloseAll(); err != nil {
		return err
	}
	if err := db.pool.FlushAll(); err != nil {
		return err
	}
	return db.files.Close()
}

// Checkpoint flushes the buffer pool, forces a WAL checkpoint and
// prunes sealed segments whose records are all reflected in the data
// files.
func (db *DB) Checkpoint() (uint64, error) {
	if err := db.pool.FlushAll(); err != nil {
		return 0, err
	}
	lsn, err := db.wal.Checkpoint()
	if err != nil {
		return 0, err
	}
	if _, err := db.wal.PruneCheckpointed(); err != nil {
		return lsn, err
	}
	return lsn, nil
}

// Stats is a snapshot of the buffer pool's runtime counters, per
// spec's get_stats() collaborator interface.
type Stats struct {
	pager.Stats
	Residency    int
	LastDurableLSN uint64
}

// GetStats reports the buffer pool's current hit/miss/eviction
// counters and the WAL's last durable LSN.
func (db *DB) GetStats() Stats {
	return Stats{
		Stats:          db.pool.Stats(),
		Residency:      db.pool.Residency(),
		LastDurableLSN: db.wal.LastDurableLSN(),
	}
}

// GetSchema returns every table descriptor currently registered in
// the catalog.
func (db *DB) GetSchema() []*storage.TableDescriptor {
	names := db.catalog.ListTables()
	out := make([]*storage.TableDescriptor, 0, len(names))
	for _, name := range names {
		if t, err := db.catalog.GetTable(name); err == nil {
			out = append(out, t)
		}
	}
	return out
}

// Txn is a handle to an open transaction, obtained from
// BeginTransaction. Execute runs one statement under it; Commit and
// Rollback end it.
type Txn struct {
	db  *DB
	txn *storage.Txn
}

// BeginTransaction starts a new transaction. Every statement run
// through the returned handle is durable only once Commit returns.
func (db *DB) BeginTransaction() (*Txn, error) {
	txn, err := db.txns.Begin()
	if err != nil {
		return nil, err
	}
	return &Txn{db: db, txn: txn}, nil
}

// Commit durably commits every change made under this transaction.
func (t *Txn) Commit() error { return t.txn.Commit() }

// Rollback undoes every change made under this transaction.
func (t *Txn) Rollback() error { return t.txn.Rollback() }

// Execute parses and runs one SQL statement under this transaction.
func (t *Txn) Execute(ctx context.Context, sql string) (*engine.Result, error) {
	return t.db.execute(ctx, sql, t.txn)
}

// Execute parses and runs one SQL statement in its own
// auto-committing transaction: BEGIN, run, COMMIT on success or
// ROLLBACK on failure.
func (db *DB) Execute(ctx context.Context, sql string) (*engine.Result, error) {
	txn, err := db.txns.Begin()
	if err != nil {
		return nil, err
	}
	res, err := db.execute(ctx, sql, txn)
	if err != nil {
		_ = txn.Rollback()
		return nil, err
	}
	if err := txn.Commit(); err != nil {
		return nil, err
	}
	return res, nil
}

func (db *DB) execute(ctx context.Context, sql string, txn *storage.Txn) (*engine.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stmt, err := engine.Parse(sql)
	if err != nil {
		return nil, err
	}
	if tc, ok := stmt.(*engine.TxnControlStmt); ok {
		return db.execTxnControl(tc, txn)
	}
	ex := &engine.Executor{Catalog: db.catalog, Access: db, Logger: txn}
	return ex.Execute(stmt)
}

func (db *DB) execTxnControl(s *engine.TxnControlStmt, txn *storage.Txn) (*engine.Result, error) {
	switch s.Kind {
	case engine.TxnCommit:
		return &engine.Result{Type: engine.ResultDDL, Success: true}, txn.Commit()
	case engine.TxnRollback:
		return &engine.Result{Type: engine.ResultDDL, Success: true}, txn.Rollback()
	default:
		return &engine.Result{Type: engine.ResultDDL, Success: true}, nil
	}
}

// --- engine.TableAccess ---

// Table returns the open row store for desc, opening it on first use
// from its recorded primary B-tree root/height.
func (db *DB) Table(desc *storage.TableDescriptor) (*storage.Table, error) {
	if t, ok := db.tables[desc.Name]; ok {
		return t, nil
	}
	t, err := storage.OpenTable(db.pool, desc, desc.Root, desc.Height, db.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	db.tables[desc.Name] = t
	return t, nil
}

// Index returns the open secondary index store for desc.
func (db *DB) Index(desc *storage.IndexDescriptor) (*storage.Index, error) {
	if ix, ok := db.indexes[desc.Name]; ok {
		return ix, nil
	}
	ix, err := storage.OpenIndex(db.pool, desc, db.cfg.PageSize)
	if err != nil {
		return nil, err
	}
	db.indexes[desc.Name] = ix
	return ix, nil
}

// CreateTableFile allocates the backing page file for a new table.
func (db *DB) CreateTableFile(tableName string) (pager.FileID, error) {
	return db.files.CreateFile(tableFileName(tableName))
}

// CreateIndexFile allocates the backing page file for a new index.
func (db *DB) CreateIndexFile(indexName string) (pager.FileID, error) {
	return db.files.CreateFile(indexFileName(indexName))
}

func tableFileName(name string) string { return name + ".tbl" }
func indexFileName(name string) string { return name + ".idx" }

// DataFilePath returns the on-disk path of a table or index's backing
// page file, for tooling (the CLI `.filename` command) that needs a
// real filesystem path rather than a FileID.
func (db *DB) DataFilePath(name string) string { return filepath.Join(db.cfg.DataPath, name) }

// TableFilePath returns the on-disk path of table's backing file.
func (db *DB) TableFilePath(table string) string { return db.DataFilePath(tableFileName(table)) }

// IndexFilePath returns the on-disk path of index's backing file.
func (db *DB) IndexFilePath(index string) string { return db.DataFilePath(indexFileName(index)) }

var _ engine.TableAccess = (*DB)(nil)

// WrapSchemaError gives external collaborators (the CLI, the driver) a
// single place to recognize what kind of failure an error represents
// (not found, constraint violation, ...) without reaching into
// dberrors directly.
func WrapSchemaError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", dberrors.KindOf(err), err)
}
