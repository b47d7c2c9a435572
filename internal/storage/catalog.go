// Package storage implements the schema catalog, lock manager and
// transaction manager layered on top of internal/storage/pager's file,
// buffer pool, WAL and B-tree primitives.
package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sjpalmer/relstore/internal/dberrors"
	"github.com/sjpalmer/relstore/internal/storage/pager"
)

// ColumnType is one of the scalar types a column may declare.
type ColumnType string

const (
	TypeInt       ColumnType = "INT"
	TypeVarchar   ColumnType = "VARCHAR"
	TypeChar      ColumnType = "CHAR"
	TypeText      ColumnType = "TEXT"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeFloat     ColumnType = "FLOAT"
	TypeDouble    ColumnType = "DOUBLE"
	TypeDecimal   ColumnType = "DECIMAL"
	TypeDate      ColumnType = "DATE"
	TypeTime      ColumnType = "TIME"
	TypeDatetime  ColumnType = "DATETIME"
	TypeTimestamp ColumnType = "TIMESTAMP"
)

func validColumnType(t ColumnType) bool {
	switch t {
	case TypeInt, TypeVarchar, TypeChar, TypeText, TypeBoolean, TypeFloat, TypeDouble, TypeDecimal, TypeDate, TypeTime, TypeDatetime, TypeTimestamp:
		return true
	default:
		return false
	}
}

// Column describes one table column.
type Column struct {
	Name          string     `json:"name"`
	Type          ColumnType `json:"type"`
	Size          int        `json:"size,omitempty"` // VARCHAR(n)/CHAR(n)
	Nullable      bool       `json:"nullable"`
	Default       string     `json:"default,omitempty"` // raw SQL expression text
	AutoIncrement bool       `json:"auto_increment,omitempty"`
}

// ConstraintKind is the kind of a table-level constraint.
type ConstraintKind string

const (
	ConstraintPrimaryKey ConstraintKind = "PRIMARY_KEY"
	ConstraintUnique     ConstraintKind = "UNIQUE"
	ConstraintNotNull    ConstraintKind = "NOT_NULL"
	ConstraintDefault    ConstraintKind = "DEFAULT"
	ConstraintForeignKey ConstraintKind = "FOREIGN_KEY"
	ConstraintCheck      ConstraintKind = "CHECK"
)

// Constraint is one table-level constraint. Columns names the columns
// it applies to; RefTable/RefColumn are set for FOREIGN_KEY; Expr
// holds the raw SQL expression text for DEFAULT/CHECK.
type Constraint struct {
	Kind      ConstraintKind `json:"kind"`
	Columns   []string       `json:"columns,omitempty"`
	RefTable  string         `json:"ref_table,omitempty"`
	RefColumn string         `json:"ref_column,omitempty"`
	Expr      string         `json:"expr,omitempty"`
}

// TableDescriptor is the persistent description of one table.
type TableDescriptor struct {
	Name        string       `json:"name"`
	FileID      pager.FileID `json:"file_id"`
	Columns     []Column     `json:"columns"`
	Constraints []Constraint `json:"constraints"`
	RowCount    int64        `json:"row_count"`
	CreatedAt   time.Time    `json:"created_at"`

	// Root/Height locate the table's primary B-tree within FileID, so
	// a reopened table picks up exactly where it left off instead of
	// starting a fresh, empty tree.
	Root   pager.PageID `json:"root"`
	Height int          `json:"height"`
}

// ColumnIndex returns the position of a column by name, or -1.
func (t *TableDescriptor) ColumnIndex(name string) int {
	for i, c := range t.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// IndexKind distinguishes the implicit primary index from user-created
// secondary indexes.
type IndexKind string

const (
	IndexPrimary   IndexKind = "PRIMARY"
	IndexSecondary IndexKind = "SECONDARY"
)

// IndexDescriptor is the persistent description of one B-tree index.
type IndexDescriptor struct {
	Name    string       `json:"name"`
	Table   string       `json:"table"`
	Columns []string     `json:"columns"`
	FileID  pager.FileID `json:"file_id"`
	Kind    IndexKind    `json:"kind"`
	Unique  bool         `json:"unique"`
	Root    pager.PageID `json:"root"`
	Height  int          `json:"height"`
}

// snapshot is the wire format written to the metadata page.
type snapshot struct {
	Tables  map[string]*TableDescriptor `json:"tables"`
	Indexes map[string]*IndexDescriptor `json:"indexes"`
}

// Catalog is the live schema: the tables and indexes mappings and
// their on-disk image, a single serialized blob in page 0 of
// _metadata.tbl.
type Catalog struct {
	mu      sync.RWMutex
	pool    *pager.BufferPool
	file    pager.FileID
	tables  map[string]*TableDescriptor
	indexes map[string]*IndexDescriptor
}

// NewCatalog attaches an (empty, to be Load()ed) catalog to the
// metadata file.
func NewCatalog(pool *pager.BufferPool, metaFile pager.FileID) *Catalog {
	return &Catalog{
		pool:    pool,
		file:    metaFile,
		tables:  make(map[string]*TableDescriptor),
		indexes: make(map[string]*IndexDescriptor),
	}
}

// Load decodes the catalog from page 0. A freshly created (all-zero)
// metadata page decodes as an empty catalog.
func (c *Catalog) Load() error {
	pp, err := c.pool.Fetch(c.file, 0)
	if errors.Is(err, dberrors.ErrPageNotFound) {
		// A brand-new metadata file has no page 0 yet: allocate it.
		pp, err = c.pool.NewPage(c.file)
	}
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	defer pp.Release()
	buf := pp.Page().Bytes()
	if len(buf) < 4 {
		return fmt.Errorf("load catalog: %w", dberrors.ErrCorruption)
	}
	n := binary.LittleEndian.Uint32(buf[:4])
	if n == 0 {
		return nil
	}
	if int(4+n) > len(buf) {
		return fmt.Errorf("load catalog: %w", dberrors.ErrCorruption)
	}
	var snap snapshot
	if err := json.Unmarshal(buf[4:4+n], &snap); err != nil {
		return fmt.Errorf("load catalog: %w", dberrors.Wrap(err.Error(), dberrors.ErrCorruption))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.Tables != nil {
		c.tables = snap.Tables
	}
	if snap.Indexes != nil {
		c.indexes = snap.Indexes
	}
	return nil
}

// pageLogger is the transaction manager's write-logging capability,
// reused here so DDL goes through the same write-ahead path as row
// mutations.
type pageLogger interface {
	LogPageWrite(file pager.FileID, page pager.PageID, before, after []byte) error
}

// save serializes the catalog and rewrites page 0. Caller must already
// hold c.mu (read or write).
func (c *Catalog) save(logger pageLogger) error {
	snap := snapshot{Tables: c.tables, Indexes: c.indexes}
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	pp, err := c.pool.Fetch(c.file, 0)
	if err != nil {
		return fmt.Errorf("save catalog: %w", err)
	}
	defer pp.Release()
	pageSize := len(pp.Page().Bytes())
	if len(blob)+4 > pageSize {
		return fmt.Errorf("catalog blob is %d bytes, exceeds one page (%d): %w", len(blob), pageSize, dberrors.ErrIO)
	}
	after := make([]byte, pageSize)
	binary.LittleEndian.PutUint32(after[:4], uint32(len(blob)))
	copy(after[4:], blob)
	before := append([]byte(nil), pp.Page().Bytes()...)
	if logger != nil {
		if err := logger.LogPageWrite(c.file, 0, before, after); err != nil {
			return err
		}
	}
	pp.Page().WriteAt(0, after)
	return nil
}

// CreateTable registers a new table. Fails with ErrDuplicate if the
// name exists or two columns share a name, and with ErrInvalidType if
// there are no columns, a column type is unknown, or a VARCHAR/CHAR
// size is not positive.
func (c *Catalog) CreateTable(logger pageLogger, t *TableDescriptor) error {
	if err := validateTable(t); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[t.Name]; ok {
		return fmt.Errorf("table %q: %w", t.Name, dberrors.ErrDuplicate)
	}
	c.tables[t.Name] = t
	if err := c.save(logger); err != nil {
		delete(c.tables, t.Name)
		return err
	}
	return nil
}

func validateTable(t *TableDescriptor) error {
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %q has no columns: %w", t.Name, dberrors.ErrInvalidType)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, col := range t.Columns {
		if seen[col.Name] {
			return fmt.Errorf("duplicate column %q: %w", col.Name, dberrors.ErrDuplicate)
		}
		seen[col.Name] = true
		if !validColumnType(col.Type) {
			return fmt.Errorf("column %q: unknown type %q: %w", col.Name, col.Type, dberrors.ErrInvalidType)
		}
		if (col.Type == TypeVarchar || col.Type == TypeChar) && col.Size <= 0 {
			return fmt.Errorf("column %q: %s requires a positive size: %w", col.Name, col.Type, dberrors.ErrInvalidType)
		}
	}
	return nil
}

// DropTable cascades: every index on the table is dropped, the table
// is removed from the catalog, and the caller is responsible for
// deleting the underlying file (the catalog only tracks metadata).
func (c *Catalog) DropTable(logger pageLogger, name string) ([]*IndexDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[name]; !ok {
		return nil, fmt.Errorf("table %q: %w", name, dberrors.ErrUnknownTable)
	}
	var dropped []*IndexDescriptor
	for idxName, idx := range c.indexes {
		if idx.Table == name {
			dropped = append(dropped, idx)
			delete(c.indexes, idxName)
		}
	}
	delete(c.tables, name)
	if err := c.save(logger); err != nil {
		return nil, err
	}
	return dropped, nil
}

// CreateIndex registers a new index. Fails with ErrUnknownTable or
// ErrUnknownColumn if the table or any column is missing.
func (c *Catalog) CreateIndex(logger pageLogger, idx *IndexDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, ok := c.tables[idx.Table]
	if !ok {
		return fmt.Errorf("table %q: %w", idx.Table, dberrors.ErrUnknownTable)
	}
	for _, colName := range idx.Columns {
		if table.ColumnIndex(colName) < 0 {
			return fmt.Errorf("column %q on table %q: %w", colName, idx.Table, dberrors.ErrUnknownColumn)
		}
	}
	if _, ok := c.indexes[idx.Name]; ok {
		return fmt.Errorf("index %q: %w", idx.Name, dberrors.ErrDuplicate)
	}
	c.indexes[idx.Name] = idx
	if err := c.save(logger); err != nil {
		delete(c.indexes, idx.Name)
		return err
	}
	return nil
}

// DropIndex removes an index descriptor.
func (c *Catalog) DropIndex(logger pageLogger, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indexes[name]; !ok {
		return fmt.Errorf("index %q: %w", name, dberrors.ErrUnknownIndex)
	}
	delete(c.indexes, name)
	return c.save(logger)
}

// UpdateTable persists a mutated table descriptor (e.g. a new
// row_count after an insert). Callers must pass the same
// *TableDescriptor returned by GetTable.
func (c *Catalog) UpdateTable(logger pageLogger, t *TableDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.tables[t.Name]; !ok {
		return fmt.Errorf("table %q: %w", t.Name, dberrors.ErrUnknownTable)
	}
	c.tables[t.Name] = t
	return c.save(logger)
}

// UpdateIndex persists a mutated index descriptor (e.g. a new root
// page / height after a B-tree split reached the top).
func (c *Catalog) UpdateIndex(logger pageLogger, idx *IndexDescriptor) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.indexes[idx.Name]; !ok {
		return fmt.Errorf("index %q: %w", idx.Name, dberrors.ErrUnknownIndex)
	}
	c.indexes[idx.Name] = idx
	return c.save(logger)
}

// GetTable returns the live descriptor for name.
func (c *Catalog) GetTable(name string) (*TableDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[name]
	if !ok {
		return nil, fmt.Errorf("table %q: %w", name, dberrors.ErrUnknownTable)
	}
	return t, nil
}

// GetIndex returns the live descriptor for name.
func (c *Catalog) GetIndex(name string) (*IndexDescriptor, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.indexes[name]
	if !ok {
		return nil, fmt.Errorf("index %q: %w", name, dberrors.ErrUnknownIndex)
	}
	return idx, nil
}

// IndexesOn returns every index descriptor on a table.
func (c *Catalog) IndexesOn(table string) []*IndexDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*IndexDescriptor
	for _, idx := range c.indexes {
		if idx.Table == table {
			out = append(out, idx)
		}
	}
	return out
}

// ListTables returns every known table name.
func (c *Catalog) ListTables() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.tables))
	for name := range c.tables {
		out = append(out, name)
	}
	return out
}

// ListIndexes returns every known index name.
func (c *Catalog) ListIndexes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.indexes))
	for name := range c.indexes {
		out = append(out, name)
	}
	return out
}
