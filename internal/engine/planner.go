package engine

import (
	"fmt"

	"github.com/sjpalmer/relstore/internal/dberrors"
	"github.com/sjpalmer/relstore/internal/storage"
)

// opKind names one pipeline operator.
type opKind int

const (
	opTableScan opKind = iota
	opFilter
	opJoin
	opGroupBy
	opProjection
	opSort
	opLimit
	opUpdate
	opDelete
)

func (k opKind) String() string {
	switch k {
	case opTableScan:
		return "TableScan"
	case opFilter:
		return "Filter"
	case opJoin:
		return "Join"
	case opGroupBy:
		return "GroupBy"
	case opProjection:
		return "Projection"
	case opSort:
		return "Sort"
	case opLimit:
		return "Limit"
	case opUpdate:
		return "Update"
	case opDelete:
		return "Delete"
	default:
		return "?"
	}
}

// joinAlgo names the join algorithm chosen for an opJoin node.
type joinAlgo int

const (
	joinNestedLoop joinAlgo = iota
	joinHash
	joinSortMerge
)

// planNode is one operator in the linear pipeline, annotated with the
// cost model's estimated cost and row count.
type planNode struct {
	Kind opKind
	Cost float64
	Rows float64

	// TableScan
	Table   string
	Alias   string
	Indexed *storage.IndexDescriptor // non-nil if Filter used an index

	// Filter
	Predicate Expr

	// Join
	Algo      joinAlgo
	JoinKind  JoinKind
	RightTbl  string
	RightAls  string
	On        Expr

	// GroupBy
	GroupKeys []Expr

	// Projection
	Columns []SelectItem

	// Sort
	OrderBy []OrderItem

	// Limit
	Limit  int64
	Offset int64

	// Update/Delete
	Set []Assignment
}

// Plan is the full pipeline for one statement plus its overall
// estimated cost, the sum of every node's cost.
type Plan struct {
	Nodes     []*planNode
	TotalCost float64
}

// catalogView is the subset of the catalog the planner needs: table
// row-count estimates and index lookups for filter push-down.
type catalogView interface {
	GetTable(name string) (*storage.TableDescriptor, error)
	IndexesOn(table string) []*storage.IndexDescriptor
}

// PlanSelect builds the pipeline for a SELECT statement:
// TableScan -> Filter? -> Join? -> GroupBy? -> Projection -> Sort? -> Limit?
func PlanSelect(cat catalogView, stmt *SelectStmt) (*Plan, error) {
	table, err := cat.GetTable(stmt.From)
	if err != nil {
		return nil, err
	}
	plan := &Plan{}
	rows := float64(table.RowCount)

	scan := &planNode{Kind: opTableScan, Table: stmt.From, Alias: stmt.FromAlias, Rows: rows, Cost: rows * 0.1}
	plan.Nodes = append(plan.Nodes, scan)

	if stmt.Where != nil {
		filterNode := planFilter(cat, table, stmt.Where, rows)
		plan.Nodes = append(plan.Nodes, filterNode)
		rows = filterNode.Rows
	}

	if stmt.Join != nil {
		rightTable, err := cat.GetTable(stmt.Join.Table)
		if err != nil {
			return nil, err
		}
		joinNode := planJoin(stmt.Join, rows, float64(rightTable.RowCount))
		plan.Nodes = append(plan.Nodes, joinNode)
		rows = rows * float64(rightTable.RowCount)
		if rows == 0 {
			rows = float64(rightTable.RowCount)
		}
	}

	if len(stmt.GroupBy) > 0 {
		plan.Nodes = append(plan.Nodes, &planNode{Kind: opGroupBy, GroupKeys: stmt.GroupBy, Rows: rows, Cost: rows * 0.1})
	} else if hasAggregate(stmt.Columns) {
		// An aggregate with no explicit GROUP BY aggregates over the
		// whole result set: one implicit group.
		plan.Nodes = append(plan.Nodes, &planNode{Kind: opGroupBy, Rows: 1, Cost: rows * 0.1})
	}

	projCost := 0.1 * float64(len(stmt.Columns))
	plan.Nodes = append(plan.Nodes, &planNode{Kind: opProjection, Columns: stmt.Columns, Rows: rows, Cost: projCost})

	if len(stmt.OrderBy) > 0 {
		plan.Nodes = append(plan.Nodes, &planNode{Kind: opSort, OrderBy: stmt.OrderBy, Rows: rows, Cost: 10})
	}

	if stmt.Limit != nil {
		lim, err := literalInt(stmt.Limit)
		if err != nil {
			return nil, err
		}
		var off int64
		if stmt.Offset != nil {
			off, err = literalInt(stmt.Offset)
			if err != nil {
				return nil, err
			}
		}
		plan.Nodes = append(plan.Nodes, &planNode{Kind: opLimit, Limit: lim, Offset: off, Rows: float64(lim), Cost: 1})
	}

	plan.Nodes = eliminateDeadOperators(plan.Nodes)
	plan.TotalCost = sumCost(plan.Nodes)
	return plan, nil
}

// PlanUpdate builds TableScan -> Filter? -> Update.
func PlanUpdate(cat catalogView, stmt *UpdateStmt) (*Plan, error) {
	table, err := cat.GetTable(stmt.Table)
	if err != nil {
		return nil, err
	}
	plan := &Plan{}
	rows := float64(table.RowCount)
	plan.Nodes = append(plan.Nodes, &planNode{Kind: opTableScan, Table: stmt.Table, Rows: rows, Cost: rows * 0.1})
	if stmt.Where != nil {
		filterNode := planFilter(cat, table, stmt.Where, rows)
		plan.Nodes = append(plan.Nodes, filterNode)
		rows = filterNode.Rows
	}
	plan.Nodes = append(plan.Nodes, &planNode{Kind: opUpdate, Set: stmt.Set, Rows: rows, Cost: rows * 0.1})
	plan.TotalCost = sumCost(plan.Nodes)
	return plan, nil
}

// PlanDelete builds TableScan -> Filter? -> Delete.
func PlanDelete(cat catalogView, stmt *DeleteStmt) (*Plan, error) {
	table, err := cat.GetTable(stmt.Table)
	if err != nil {
		return nil, err
	}
	plan := &Plan{}
	rows := float64(table.RowCount)
	plan.Nodes = append(plan.Nodes, &planNode{Kind: opTableScan, Table: stmt.Table, Rows: rows, Cost: rows * 0.1})
	if stmt.Where != nil {
		filterNode := planFilter(cat, table, stmt.Where, rows)
		plan.Nodes = append(plan.Nodes, filterNode)
		rows = filterNode.Rows
	}
	plan.Nodes = append(plan.Nodes, &planNode{Kind: opDelete, Rows: rows, Cost: rows * 0.1})
	plan.TotalCost = sumCost(plan.Nodes)
	return plan, nil
}

// planFilter applies filter push-down by construction: the Filter node
// is built and appended immediately after its producing scan by every
// caller above, never deferred to a later pass. It also picks an
// equality index on the predicate's column, if the catalog has one.
func planFilter(cat catalogView, table *storage.TableDescriptor, pred Expr, rows float64) *planNode {
	sel := selectivity(pred)
	node := &planNode{Kind: opFilter, Predicate: pred, Rows: rows * sel}

	if col, ok := equalityColumn(pred); ok {
		for _, idx := range cat.IndexesOn(table.Name) {
			if len(idx.Columns) == 1 && idx.Columns[0] == col {
				node.Indexed = idx
				node.Cost = 1
				return node
			}
		}
	}
	node.Cost = 10
	return node
}

// selectivity applies the fixed heuristic: equality 0.1, range 0.3,
// otherwise 0.5.
func selectivity(e Expr) float64 {
	b, ok := e.(*BinaryExpr)
	if !ok {
		return 0.5
	}
	switch b.Op {
	case "=":
		return 0.1
	case "<", ">", "<=", ">=":
		return 0.3
	default:
		return 0.5
	}
}

// equalityColumn reports the column name of a top-level "col = literal"
// (or "literal = col") predicate, for index selection.
func equalityColumn(e Expr) (string, bool) {
	b, ok := e.(*BinaryExpr)
	if !ok || b.Op != "=" {
		return "", false
	}
	if col, ok := b.Left.(*ColumnExpr); ok {
		return col.Name, true
	}
	if col, ok := b.Right.(*ColumnExpr); ok {
		return col.Name, true
	}
	return "", false
}

// planJoin picks the join algorithm per the fixed rule: both sides
// under 1000 rows -> nested loop; left more than 10x right -> hash
// join; else sort-merge.
func planJoin(jc *JoinClause, leftRows, rightRows float64) *planNode {
	node := &planNode{Kind: opJoin, JoinKind: jc.Kind, RightTbl: jc.Table, RightAls: jc.Alias, On: jc.On}
	switch {
	case leftRows < 1000 && rightRows < 1000:
		node.Algo = joinNestedLoop
		node.Cost = 100
	case rightRows > 0 && leftRows > 10*rightRows:
		node.Algo = joinHash
		node.Cost = 50
	default:
		node.Algo = joinSortMerge
		node.Cost = 75
	}
	return node
}

// eliminateDeadOperators drops a Filter whose predicate is the literal
// TRUE. Other operators are kept as they are; the pipeline builders
// above append a Sort only for ORDER BY keys and a Limit only when one
// was requested.
func eliminateDeadOperators(nodes []*planNode) []*planNode {
	out := nodes[:0]
	for _, n := range nodes {
		if n.Kind == opFilter {
			if lit, ok := n.Predicate.(*LiteralExpr); ok {
				if b, ok := lit.Value.(bool); ok && b {
					continue
				}
			}
		}
		out = append(out, n)
	}
	return out
}

// hasAggregate reports whether any projected expression is (or
// contains) a recognized aggregate function call.
func hasAggregate(items []SelectItem) bool {
	for _, item := range items {
		if item.Expr != nil && exprHasAggregate(item.Expr) {
			return true
		}
	}
	return false
}

func exprHasAggregate(e Expr) bool {
	switch v := e.(type) {
	case *FuncExpr:
		switch v.Name {
		case "COUNT", "SUM", "AVG", "MAX", "MIN":
			return true
		}
		for _, a := range v.Args {
			if exprHasAggregate(a) {
				return true
			}
		}
		return false
	case *BinaryExpr:
		return exprHasAggregate(v.Left) || exprHasAggregate(v.Right)
	case *UnaryExpr:
		return exprHasAggregate(v.Operand)
	default:
		return false
	}
}

func sumCost(nodes []*planNode) float64 {
	var total float64
	for _, n := range nodes {
		total += n.Cost
	}
	return total
}

func literalInt(e Expr) (int64, error) {
	lit, ok := e.(*LiteralExpr)
	if !ok {
		return 0, fmt.Errorf("LIMIT/OFFSET must be a literal integer: %w", dberrors.ErrParse)
	}
	switch v := lit.Value.(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("LIMIT/OFFSET must be an integer: %w", dberrors.ErrParse)
	}
}
