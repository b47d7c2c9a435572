package engine

import (
	"fmt"
	"sort"
	"time"

	"github.com/sjpalmer/relstore/internal/dberrors"
	"github.com/sjpalmer/relstore/internal/storage"
	"github.com/sjpalmer/relstore/internal/storage/pager"
)

// ExprError is the materialized form of an expression that failed at
// evaluation time (division by zero, an incomparable type pairing). It
// satisfies error so a row carrying one surfaces it when the row is
// finally returned to the caller, rather than aborting the whole scan
// the moment the sentinel is produced.
type ExprError struct{ Msg string }

func (e *ExprError) Error() string { return e.Msg }

// ResultType names the statement kind a Result was produced for.
type ResultType string

const (
	ResultSelect ResultType = "SELECT"
	ResultInsert ResultType = "INSERT"
	ResultUpdate ResultType = "UPDATE"
	ResultDelete ResultType = "DELETE"
	ResultDDL    ResultType = "DDL"
)

// Result is the uniform shape returned to external collaborators for
// every statement kind.
type Result struct {
	Type            ResultType
	Success         bool
	Rows            []map[string]any
	Columns         []string
	RowCount        int
	RowsAffected    int64
	InsertID        int64
	ExecutionTimeMs float64
}

// PageLogger is the narrow write-ahead logging capability the executor
// needs; *storage.Txn satisfies it, and every row/index mutation below
// is funneled through it so DML goes through the same write-ahead path
// as DDL.
type PageLogger interface {
	LogPageWrite(file pager.FileID, page pager.PageID, before, after []byte) error
}

// TableAccess opens (or returns already-open) row and index stores for
// the tables and indexes the executor touches, and allocates the
// backing file for a newly created table or index. The top-level
// engine wiring owns the actual file handles and their lifetime; the
// executor only ever asks for them by descriptor or name.
type TableAccess interface {
	Table(desc *storage.TableDescriptor) (*storage.Table, error)
	Index(desc *storage.IndexDescriptor) (*storage.Index, error)
	CreateTableFile(tableName string) (pager.FileID, error)
	CreateIndexFile(indexName string) (pager.FileID, error)
}

// Executor runs a parsed statement against the catalog and the row/
// index stores reached through access, logging every page mutation
// through logger (normally the active *storage.Txn).
type Executor struct {
	Catalog *storage.Catalog
	Access  TableAccess
	Logger  PageLogger
}

// Execute dispatches on the statement's concrete type and returns a
// uniform Result, timing the call itself.
func (ex *Executor) Execute(stmt Stmt) (*Result, error) {
	start := time.Now()
	res, err := ex.dispatch(stmt)
	if res != nil {
		res.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
	}
	return res, err
}

func (ex *Executor) dispatch(stmt Stmt) (*Result, error) {
	switch s := stmt.(type) {
	case *SelectStmt:
		return ex.execSelect(s)
	case *InsertStmt:
		return ex.execInsert(s)
	case *UpdateStmt:
		return ex.execUpdate(s)
	case *DeleteStmt:
		return ex.execDelete(s)
	case *CreateTableStmt:
		return ex.execCreateTable(s)
	case *CreateIndexStmt:
		return ex.execCreateIndex(s)
	case *DropStmt:
		return ex.execDrop(s)
	default:
		return nil, fmt.Errorf("statement kind not executable here: %w", dberrors.ErrNotImplemented)
	}
}

// --- DDL ---

func (ex *Executor) execCreateTable(s *CreateTableStmt) (*Result, error) {
	fileID, err := ex.Access.CreateTableFile(s.Table)
	if err != nil {
		return nil, err
	}
	desc := &storage.TableDescriptor{
		Name:        s.Table,
		FileID:      fileID,
		Columns:     s.Columns,
		Constraints: s.Constraints,
		CreatedAt:   time.Now(),
	}
	if err := ex.Catalog.CreateTable(ex.Logger, desc); err != nil {
		return nil, err
	}
	return &Result{Type: ResultDDL, Success: true}, nil
}

func (ex *Executor) execCreateIndex(s *CreateIndexStmt) (*Result, error) {
	fileID, err := ex.Access.CreateIndexFile(s.Index)
	if err != nil {
		return nil, err
	}
	desc := &storage.IndexDescriptor{
		Name:    s.Index,
		Table:   s.Table,
		Columns: s.Columns,
		FileID:  fileID,
		Kind:    storage.IndexSecondary,
		Unique:  s.Unique,
	}
	if err := ex.Catalog.CreateIndex(ex.Logger, desc); err != nil {
		return nil, err
	}
	if err := ex.backfillIndex(desc); err != nil {
		return nil, err
	}
	return &Result{Type: ResultDDL, Success: true}, nil
}

func (ex *Executor) backfillIndex(desc *storage.IndexDescriptor) error {
	table, err := ex.Catalog.GetTable(desc.Table)
	if err != nil {
		return err
	}
	tbl, err := ex.Access.Table(table)
	if err != nil {
		return err
	}
	idx, err := ex.Access.Index(desc)
	if err != nil {
		return err
	}
	ids, rows, err := tbl.Scan()
	if err != nil {
		return err
	}
	for i, row := range rows {
		key := storage.EncodeIndexKey(indexValues(row, desc.Columns))
		if err := idx.Insert(ex.Logger, key, ids[i]); err != nil {
			return err
		}
	}
	desc.Root, desc.Height = idx.Root(), idx.Height()
	return ex.Catalog.UpdateIndex(ex.Logger, desc)
}

func (ex *Executor) execDrop(s *DropStmt) (*Result, error) {
	if s.IsIndex {
		if err := ex.Catalog.DropIndex(ex.Logger, s.Name); err != nil {
			return nil, err
		}
		return &Result{Type: ResultDDL, Success: true}, nil
	}
	if _, err := ex.Catalog.DropTable(ex.Logger, s.Name); err != nil {
		return nil, err
	}
	return &Result{Type: ResultDDL, Success: true}, nil
}

// --- INSERT ---

func (ex *Executor) execInsert(s *InsertStmt) (*Result, error) {
	table, err := ex.Catalog.GetTable(s.Table)
	if err != nil {
		return nil, err
	}
	tbl, err := ex.Access.Table(table)
	if err != nil {
		return nil, err
	}

	row, err := ex.buildInsertRow(table, s)
	if err != nil {
		return nil, err
	}

	insertID, err := ex.applyAutoIncrement(table, row)
	if err != nil {
		return nil, err
	}

	if err := ex.validateConstraints(table, row, nil); err != nil {
		return nil, err
	}

	id := tbl.NextRowID()
	if err := tbl.Insert(ex.Logger, id, row); err != nil {
		return nil, err
	}
	if err := ex.maintainIndexesOnInsert(table, row, id); err != nil {
		return nil, err
	}

	table.RowCount++
	table.Root, table.Height = tbl.Root(), tbl.Height()
	if err := ex.Catalog.UpdateTable(ex.Logger, table); err != nil {
		return nil, err
	}

	return &Result{Type: ResultInsert, Success: true, RowsAffected: 1, InsertID: insertID}, nil
}

func (ex *Executor) buildInsertRow(table *storage.TableDescriptor, s *InsertStmt) (storage.Row, error) {
	cols := s.Columns
	if len(cols) == 0 {
		cols = make([]string, len(table.Columns))
		for i, c := range table.Columns {
			cols[i] = c.Name
		}
	}
	if len(cols) != len(s.Values) {
		return nil, fmt.Errorf("insert into %q: %d columns but %d values: %w", s.Table, len(cols), len(s.Values), dberrors.ErrInvalidType)
	}
	row := make(storage.Row, len(table.Columns))
	for _, col := range table.Columns {
		row[col.Name] = nil
	}
	for i, colName := range cols {
		if table.ColumnIndex(colName) < 0 {
			return nil, fmt.Errorf("column %q: %w", colName, dberrors.ErrUnknownColumn)
		}
		v, err := evalExpr(s.Values[i], nil, nil)
		if err != nil {
			return nil, err
		}
		row[colName] = v
	}
	for _, col := range table.Columns {
		if row[col.Name] == nil && col.Default != "" {
			defExpr, err := parseDefaultExpr(col.Default)
			if err == nil {
				if v, err := evalExpr(defExpr, nil, nil); err == nil {
					row[col.Name] = v
				}
			}
		}
	}
	return row, nil
}

func parseDefaultExpr(text string) (Expr, error) {
	p, err := newParser(text)
	if err != nil {
		return nil, err
	}
	return p.parseExpr()
}

// applyAutoIncrement assigns the AUTO_INCREMENT column (max existing +
// step, initialized at 0) when the row didn't already supply a value.
func (ex *Executor) applyAutoIncrement(table *storage.TableDescriptor, row storage.Row) (int64, error) {
	for _, col := range table.Columns {
		if !col.AutoIncrement {
			continue
		}
		if v, ok := row[col.Name]; ok && v != nil {
			if iv, ok := asInt(v); ok {
				return iv, nil
			}
		}
		tbl, err := ex.Access.Table(table)
		if err != nil {
			return 0, err
		}
		_, rows, err := tbl.Scan()
		if err != nil {
			return 0, err
		}
		var max int64
		for _, r := range rows {
			if iv, ok := asInt(r[col.Name]); ok && iv >= max {
				max = iv + 1
			}
		}
		row[col.Name] = max
		return max, nil
	}
	return 0, nil
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case float64:
		return int64(x), true
	default:
		return 0, false
	}
}

// validateConstraints checks NOT NULL on every column first, then the
// table's UNIQUE, PRIMARY KEY, FOREIGN KEY and CHECK constraints in
// declaration order; excludeID is the row being updated (so it is not
// compared against itself for uniqueness), or nil for INSERT.
func (ex *Executor) validateConstraints(table *storage.TableDescriptor, row storage.Row, excludeID *storage.RowID) error {
	for _, col := range table.Columns {
		if !col.Nullable && row[col.Name] == nil {
			return fmt.Errorf("column %q: %w", col.Name, dberrors.ErrNotNull)
		}
	}
	tbl, err := ex.Access.Table(table)
	if err != nil {
		return err
	}
	ids, rows, err := tbl.Scan()
	if err != nil {
		return err
	}
	for _, cons := range table.Constraints {
		switch cons.Kind {
		case storage.ConstraintPrimaryKey, storage.ConstraintUnique:
			for i, other := range rows {
				if excludeID != nil && ids[i] == *excludeID {
					continue
				}
				if sameValues(other, row, cons.Columns) {
					kind := dberrors.ErrUniqueViolation
					if cons.Kind == storage.ConstraintPrimaryKey {
						kind = dberrors.ErrPrimaryKeyViolation
					}
					return fmt.Errorf("columns %v on %q: %w", cons.Columns, table.Name, kind)
				}
			}
		case storage.ConstraintForeignKey:
			v := row[cons.Columns[0]]
			if v == nil {
				continue
			}
			refTable, err := ex.Catalog.GetTable(cons.RefTable)
			if err != nil {
				return fmt.Errorf("foreign key %q -> %q: %w", cons.Columns[0], cons.RefTable, dberrors.ErrForeignKeyViolation)
			}
			refTbl, err := ex.Access.Table(refTable)
			if err != nil {
				return err
			}
			_, refRows, err := refTbl.Scan()
			if err != nil {
				return err
			}
			found := false
			for _, rr := range refRows {
				if valuesEqual(rr[cons.RefColumn], v) {
					found = true
					break
				}
			}
			if !found {
				return fmt.Errorf("foreign key %q=%v not found in %q.%q: %w", cons.Columns[0], v, cons.RefTable, cons.RefColumn, dberrors.ErrForeignKeyViolation)
			}
		case storage.ConstraintCheck:
			expr, err := parseDefaultExpr(cons.Expr)
			if err != nil {
				continue
			}
			v, err := evalExpr(expr, rowCtx(row), nil)
			if err != nil {
				return fmt.Errorf("check %q: %w", cons.Expr, dberrors.ErrCheckViolation)
			}
			if b, ok := v.(bool); !ok || !b {
				return fmt.Errorf("check %q on %q: %w", cons.Expr, table.Name, dberrors.ErrCheckViolation)
			}
		}
	}
	return nil
}

func sameValues(a, b storage.Row, cols []string) bool {
	for _, c := range cols {
		if !valuesEqual(a[c], b[c]) {
			return false
		}
	}
	return true
}

func (ex *Executor) maintainIndexesOnInsert(table *storage.TableDescriptor, row storage.Row, id storage.RowID) error {
	for _, idxDesc := range ex.Catalog.IndexesOn(table.Name) {
		idx, err := ex.Access.Index(idxDesc)
		if err != nil {
			return err
		}
		key := storage.EncodeIndexKey(indexValues(row, idxDesc.Columns))
		if err := idx.Insert(ex.Logger, key, id); err != nil {
			return err
		}
		idxDesc.Root, idxDesc.Height = idx.Root(), idx.Height()
		if err := ex.Catalog.UpdateIndex(ex.Logger, idxDesc); err != nil {
			return err
		}
	}
	return nil
}

func (ex *Executor) maintainIndexesOnDelete(table *storage.TableDescriptor, row storage.Row, id storage.RowID) error {
	for _, idxDesc := range ex.Catalog.IndexesOn(table.Name) {
		idx, err := ex.Access.Index(idxDesc)
		if err != nil {
			return err
		}
		key := storage.EncodeIndexKey(indexValues(row, idxDesc.Columns))
		if err := idx.Remove(ex.Logger, key, id); err != nil {
			return err
		}
		idxDesc.Root, idxDesc.Height = idx.Root(), idx.Height()
		if err := ex.Catalog.UpdateIndex(ex.Logger, idxDesc); err != nil {
			return err
		}
	}
	return nil
}

func indexValues(row storage.Row, cols []string) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = row[c]
	}
	return out
}

// --- UPDATE / DELETE ---

func (ex *Executor) execUpdate(s *UpdateStmt) (*Result, error) {
	table, err := ex.Catalog.GetTable(s.Table)
	if err != nil {
		return nil, err
	}
	tbl, err := ex.Access.Table(table)
	if err != nil {
		return nil, err
	}
	ids, rows, err := tbl.Scan()
	if err != nil {
		return nil, err
	}
	var affected int64
	for i, row := range rows {
		if s.Where != nil {
			ok, err := evalBool(s.Where, rowCtx(row))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		updated := cloneRow(row)
		for _, a := range s.Set {
			v, err := evalExpr(a.Value, rowCtx(row), nil)
			if err != nil {
				return nil, err
			}
			updated[a.Column] = v
		}
		id := ids[i]
		if err := ex.validateConstraints(table, updated, &id); err != nil {
			return nil, err
		}
		if err := ex.maintainIndexesOnDelete(table, row, id); err != nil {
			return nil, err
		}
		if err := tbl.Delete(ex.Logger, id); err != nil {
			return nil, err
		}
		if err := tbl.Insert(ex.Logger, id, updated); err != nil {
			return nil, err
		}
		if err := ex.maintainIndexesOnInsert(table, updated, id); err != nil {
			return nil, err
		}
		affected++
	}
	table.Root, table.Height = tbl.Root(), tbl.Height()
	if err := ex.Catalog.UpdateTable(ex.Logger, table); err != nil {
		return nil, err
	}
	return &Result{Type: ResultUpdate, Success: true, RowsAffected: affected}, nil
}

func (ex *Executor) execDelete(s *DeleteStmt) (*Result, error) {
	table, err := ex.Catalog.GetTable(s.Table)
	if err != nil {
		return nil, err
	}
	tbl, err := ex.Access.Table(table)
	if err != nil {
		return nil, err
	}
	ids, rows, err := tbl.Scan()
	if err != nil {
		return nil, err
	}
	var affected int64
	for i, row := range rows {
		if s.Where != nil {
			ok, err := evalBool(s.Where, rowCtx(row))
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if err := ex.maintainIndexesOnDelete(table, row, ids[i]); err != nil {
			return nil, err
		}
		if err := tbl.Delete(ex.Logger, ids[i]); err != nil {
			return nil, err
		}
		affected++
	}
	table.RowCount -= affected
	table.Root, table.Height = tbl.Root(), tbl.Height()
	if err := ex.Catalog.UpdateTable(ex.Logger, table); err != nil {
		return nil, err
	}
	return &Result{Type: ResultDelete, Success: true, RowsAffected: affected}, nil
}

func cloneRow(row storage.Row) storage.Row {
	out := make(storage.Row, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

// --- SELECT ---

func (ex *Executor) execSelect(s *SelectStmt) (*Result, error) {
	plan, err := PlanSelect(ex.Catalog, s)
	if err != nil {
		return nil, err
	}
	rows, err := ex.runPlan(plan)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		clean := make(map[string]any, len(r))
		for k, v := range r {
			if k == groupMembersKey {
				continue
			}
			if ee, ok := v.(*ExprError); ok {
				return nil, fmt.Errorf("%s: %w", ee.Msg, dberrors.ErrInvalidType)
			}
			clean[k] = v
		}
		out[i] = clean
	}
	cols, err := ex.selectColumnNames(s)
	if err != nil {
		return nil, err
	}
	return &Result{Type: ResultSelect, Success: true, Rows: out, RowCount: len(out), Columns: cols}, nil
}

// selectColumnNames reports the output column names in projection
// order, expanding a wildcard item into its source table's declared
// column order (left table first, then the joined table, if any).
func (ex *Executor) selectColumnNames(s *SelectStmt) ([]string, error) {
	var wildcard []string
	if left, err := ex.Catalog.GetTable(s.From); err == nil {
		for _, c := range left.Columns {
			wildcard = append(wildcard, c.Name)
		}
	}
	if s.Join != nil {
		if right, err := ex.Catalog.GetTable(s.Join.Table); err == nil {
			for _, c := range right.Columns {
				wildcard = append(wildcard, c.Name)
			}
		}
	}

	var cols []string
	for _, item := range s.Columns {
		if item.Wildcard {
			cols = append(cols, wildcard...)
			continue
		}
		name := item.Alias
		if name == "" {
			name = exprLabel(item.Expr)
		}
		cols = append(cols, name)
	}
	return cols, nil
}

const groupMembersKey = "__group_members__"

func (ex *Executor) runPlan(plan *Plan) ([]storage.Row, error) {
	var rows []storage.Row

	for _, node := range plan.Nodes {
		switch node.Kind {
		case opTableScan:
			table, err := ex.Catalog.GetTable(node.Table)
			if err != nil {
				return nil, err
			}
			tbl, err := ex.Access.Table(table)
			if err != nil {
				return nil, err
			}
			_, scanned, err := tbl.Scan()
			if err != nil {
				return nil, err
			}
			rows = scanned

		case opFilter:
			var kept []storage.Row
			for _, r := range rows {
				ok, err := evalBool(node.Predicate, rowCtx(r))
				if err != nil {
					return nil, err
				}
				if ok {
					kept = append(kept, r)
				}
			}
			rows = kept

		case opJoin:
			rightTable, err := ex.Catalog.GetTable(node.RightTbl)
			if err != nil {
				return nil, err
			}
			rightTbl, err := ex.Access.Table(rightTable)
			if err != nil {
				return nil, err
			}
			_, rightRows, err := rightTbl.Scan()
			if err != nil {
				return nil, err
			}
			joined, err := ex.execJoin(node, rows, rightRows)
			if err != nil {
				return nil, err
			}
			rows = joined

		case opGroupBy:
			rows = groupRows(rows, node.GroupKeys)

		case opProjection:
			projected, err := projectRows(rows, node.Columns)
			if err != nil {
				return nil, err
			}
			rows = projected

		case opSort:
			if err := sortRows(rows, node.OrderBy); err != nil {
				return nil, err
			}

		case opLimit:
			rows = limitRows(rows, node.Limit, node.Offset)
		}
	}
	return rows, nil
}

func (ex *Executor) execJoin(node *planNode, left, right []storage.Row) ([]storage.Row, error) {
	var out []storage.Row
	for _, l := range left {
		matched := false
		for _, r := range right {
			merged := mergeRows(l, r)
			ok, err := evalBool(node.On, rowCtx(merged))
			if err != nil {
				return nil, err
			}
			if ok {
				out = append(out, merged)
				matched = true
			}
		}
		if !matched && node.JoinKind == JoinLeft {
			out = append(out, mergeRows(l, nil))
		}
	}
	if node.JoinKind == JoinRight {
		for _, r := range right {
			matched := false
			for _, l := range left {
				ok, _ := evalBool(node.On, rowCtx(mergeRows(l, r)))
				if ok {
					matched = true
					break
				}
			}
			if !matched {
				out = append(out, mergeRows(nil, r))
			}
		}
	}
	return out, nil
}

func mergeRows(left, right storage.Row) storage.Row {
	out := make(storage.Row, len(left)+len(right))
	for k, v := range left {
		out[k] = v
	}
	for k, v := range right {
		out[k] = v
	}
	return out
}

func groupRows(rows []storage.Row, keys []Expr) []storage.Row {
	type bucket struct {
		rep     storage.Row
		members []storage.Row
	}
	if len(keys) == 0 && len(rows) == 0 {
		// The implicit whole-table group exists even over no rows.
		return []storage.Row{{groupMembersKey: []storage.Row(nil)}}
	}
	order := make([]string, 0)
	buckets := make(map[string]*bucket)
	for _, r := range rows {
		keyParts := make([]any, len(keys))
		for i, k := range keys {
			v, _ := evalExpr(k, rowCtx(r), nil)
			keyParts[i] = v
		}
		sig := fmt.Sprint(keyParts)
		b, ok := buckets[sig]
		if !ok {
			b = &bucket{rep: cloneRow(r)}
			buckets[sig] = b
			order = append(order, sig)
		}
		b.members = append(b.members, r)
	}
	out := make([]storage.Row, 0, len(order))
	for _, sig := range order {
		b := buckets[sig]
		rep := cloneRow(b.rep)
		rep[groupMembersKey] = b.members
		out = append(out, rep)
	}
	return out
}

func projectRows(rows []storage.Row, items []SelectItem) ([]storage.Row, error) {
	out := make([]storage.Row, len(rows))
	for i, r := range rows {
		group, _ := r[groupMembersKey].([]storage.Row)
		proj := storage.Row{}
		for _, item := range items {
			if item.Wildcard {
				for k, v := range r {
					if k != groupMembersKey {
						proj[k] = v
					}
				}
				continue
			}
			v, err := evalExpr(item.Expr, rowCtx(r), group)
			if err != nil {
				return nil, err
			}
			name := item.Alias
			if name == "" {
				name = exprLabel(item.Expr)
			}
			proj[name] = v
		}
		out[i] = proj
	}
	return out, nil
}

func exprLabel(e Expr) string {
	switch v := e.(type) {
	case *ColumnExpr:
		if v.Table != "" {
			return v.Table + "." + v.Name
		}
		return v.Name
	case *FuncExpr:
		return v.Name
	default:
		return exprText(e)
	}
}

func sortRows(rows []storage.Row, orderBy []OrderItem) error {
	var sortErr error
	sort.SliceStable(rows, func(i, j int) bool {
		for _, ob := range orderBy {
			vi, _ := evalExpr(ob.Expr, rowCtx(rows[i]), nil)
			vj, _ := evalExpr(ob.Expr, rowCtx(rows[j]), nil)
			c, err := compareValuesCollated(vi, vj)
			if err != nil {
				sortErr = err
				return false
			}
			if c == 0 {
				continue
			}
			if ob.Desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return sortErr
}

func limitRows(rows []storage.Row, limit, offset int64) []storage.Row {
	if offset < 0 {
		offset = 0
	}
	if offset >= int64(len(rows)) {
		return nil
	}
	rows = rows[offset:]
	if limit >= 0 && limit < int64(len(rows)) {
		rows = rows[:limit]
	}
	return rows
}

// rowCtx adapts a storage.Row to the map[string]any expression
// evaluation context; the two are structurally identical, this just
// documents intent at call sites.
func rowCtx(r storage.Row) map[string]any { return map[string]any(r) }

