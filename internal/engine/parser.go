package engine

import (
	"fmt"
	"strconv"

	"github.com/sjpalmer/relstore/internal/dberrors"
	"github.com/sjpalmer/relstore/internal/storage"
)

// parser holds the lexer's token stream and a one-token lookahead for
// recursive-descent parsing.
type parser struct {
	toks []token
	pos  int
}

func newParser(sql string) (*parser, error) {
	toks, err := tokenize(sql)
	if err != nil {
		return nil, err
	}
	return &parser{toks: toks}, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) peek() token { return p.toks[min(p.pos+1, len(p.toks)-1)] }
func (p *parser) advance() token {
	t := p.cur()
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (p *parser) errf(format string, a ...any) error {
	return fmt.Errorf("near %q: %s: %w", p.cur().String(), fmt.Sprintf(format, a...), dberrors.ErrParse)
}

func (p *parser) expectSymbol(sym string) error {
	if p.cur().Typ == tSymbol && p.cur().Val == sym {
		p.advance()
		return nil
	}
	return p.errf("expected %q", sym)
}

func (p *parser) expectKeyword(kw string) error {
	if p.cur().Typ == tKeyword && p.cur().Val == kw {
		p.advance()
		return nil
	}
	return p.errf("expected %q", kw)
}

func (p *parser) atKeyword(kw string) bool { return p.cur().Typ == tKeyword && p.cur().Val == kw }
func (p *parser) atSymbol(sym string) bool { return p.cur().Typ == tSymbol && p.cur().Val == sym }

// expectIdent accepts an identifier, or a keyword used loosely as a
// name (many SQL dialects allow this for common column names).
func (p *parser) expectIdent() (string, error) {
	t := p.cur()
	if t.Typ == tIdent || t.Typ == tKeyword {
		p.advance()
		return t.Val, nil
	}
	return "", p.errf("expected identifier")
}

// Parse parses one statement. A trailing ';' is optional.
func Parse(sql string) (Stmt, error) {
	p, err := newParser(sql)
	if err != nil {
		return nil, err
	}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if p.atSymbol(";") {
		p.advance()
	}
	if p.cur().Typ != tEOF {
		return nil, p.errf("unexpected trailing input")
	}
	return stmt, nil
}

func (p *parser) parseStatement() (Stmt, error) {
	switch {
	case p.atKeyword("SELECT"):
		return p.parseSelect()
	case p.atKeyword("INSERT"):
		return p.parseInsert()
	case p.atKeyword("UPDATE"):
		return p.parseUpdate()
	case p.atKeyword("DELETE"):
		return p.parseDelete()
	case p.atKeyword("CREATE"):
		return p.parseCreate()
	case p.atKeyword("DROP"):
		return p.parseDrop()
	case p.atKeyword("BEGIN"):
		p.advance()
		if p.atKeyword("TRANSACTION") {
			p.advance()
		}
		return &TxnControlStmt{Kind: TxnBegin}, nil
	case p.atKeyword("COMMIT"):
		p.advance()
		return &TxnControlStmt{Kind: TxnCommit}, nil
	case p.atKeyword("ROLLBACK"):
		p.advance()
		return &TxnControlStmt{Kind: TxnRollback}, nil
	default:
		return nil, p.errf("expected statement")
	}
}

// --- SELECT ---

func (p *parser) parseSelect() (*SelectStmt, error) {
	p.advance() // SELECT
	stmt := &SelectStmt{}
	if p.atKeyword("DISTINCT") {
		stmt.Distinct = true
		p.advance()
	}

	items, err := p.parseSelectList()
	if err != nil {
		return nil, err
	}
	stmt.Columns = items

	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt.From = table
	if p.cur().Typ == tIdent || (p.atKeyword("AS")) {
		if p.atKeyword("AS") {
			p.advance()
		}
		alias, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		stmt.FromAlias = alias
	}

	if p.atKeyword("JOIN") || p.atKeyword("LEFT") || p.atKeyword("RIGHT") || p.atKeyword("INNER") {
		join, err := p.parseJoin()
		if err != nil {
			return nil, err
		}
		stmt.Join = join
	}

	if p.atKeyword("WHERE") {
		p.advance()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = expr
	}

	if p.atKeyword("GROUP") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			stmt.GroupBy = append(stmt.GroupBy, e)
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}

	if p.atKeyword("HAVING") {
		p.advance()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Having = expr
	}

	if p.atKeyword("ORDER") {
		p.advance()
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := OrderItem{Expr: e}
			if p.atKeyword("DESC") {
				item.Desc = true
				p.advance()
			} else if p.atKeyword("ASC") {
				p.advance()
			}
			stmt.OrderBy = append(stmt.OrderBy, item)
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}

	if p.atKeyword("LIMIT") {
		p.advance()
		e, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		stmt.Limit = e
	}
	if p.atKeyword("OFFSET") {
		p.advance()
		e, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		stmt.Offset = e
	}

	return stmt, nil
}

func (p *parser) parseSelectList() ([]SelectItem, error) {
	var items []SelectItem
	for {
		if p.atSymbol("*") {
			p.advance()
			items = append(items, SelectItem{Wildcard: true})
		} else {
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			item := SelectItem{Expr: e}
			if p.atKeyword("AS") {
				p.advance()
				alias, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				item.Alias = alias
			} else if p.cur().Typ == tIdent {
				alias, _ := p.expectIdent()
				item.Alias = alias
			}
			items = append(items, item)
		}
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	return items, nil
}

func (p *parser) parseJoin() (*JoinClause, error) {
	kind := JoinInner
	switch {
	case p.atKeyword("LEFT"):
		kind = JoinLeft
		p.advance()
		if p.atKeyword("OUTER") {
			p.advance()
		}
	case p.atKeyword("RIGHT"):
		kind = JoinRight
		p.advance()
		if p.atKeyword("OUTER") {
			p.advance()
		}
	case p.atKeyword("INNER"):
		p.advance()
	}
	if err := p.expectKeyword("JOIN"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	jc := &JoinClause{Kind: kind, Table: table}
	if p.cur().Typ == tIdent {
		alias, _ := p.expectIdent()
		jc.Alias = alias
	}
	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	on, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	jc.On = on
	return jc, nil
}

// --- INSERT / UPDATE / DELETE ---

func (p *parser) parseInsert() (*InsertStmt, error) {
	p.advance() // INSERT
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &InsertStmt{Table: table}

	if p.atSymbol("(") {
		p.advance()
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, col)
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	}

	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	for {
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Values = append(stmt.Values, e)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) parseUpdate() (*UpdateStmt, error) {
	p.advance() // UPDATE
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &UpdateStmt{Table: table}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		val, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Set = append(stmt.Set, Assignment{Column: col, Value: val})
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if p.atKeyword("WHERE") {
		p.advance()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = expr
	}
	return stmt, nil
}

func (p *parser) parseDelete() (*DeleteStmt, error) {
	p.advance() // DELETE
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &DeleteStmt{Table: table}
	if p.atKeyword("WHERE") {
		p.advance()
		expr, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		stmt.Where = expr
	}
	return stmt, nil
}

// --- DDL ---

func (p *parser) parseCreate() (Stmt, error) {
	p.advance() // CREATE
	if p.atKeyword("TABLE") {
		return p.parseCreateTable()
	}
	if p.atKeyword("INDEX") || p.atKeyword("UNIQUE") {
		return p.parseCreateIndex()
	}
	return nil, p.errf("expected TABLE or INDEX")
}

func (p *parser) parseCreateTable() (*CreateTableStmt, error) {
	p.advance() // TABLE
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	stmt := &CreateTableStmt{Table: name}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	for {
		col, cons, err := p.parseColumnDef()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, col)
		stmt.Constraints = append(stmt.Constraints, cons...)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) parseColumnDef() (storage.Column, []storage.Constraint, error) {
	name, err := p.expectIdent()
	if err != nil {
		return storage.Column{}, nil, err
	}
	typ, size, err := p.parseTypeName()
	if err != nil {
		return storage.Column{}, nil, err
	}
	col := storage.Column{Name: name, Type: typ, Size: size, Nullable: true}
	var cons []storage.Constraint

	for {
		switch {
		case p.atKeyword("PRIMARY"):
			p.advance()
			if err := p.expectKeyword("KEY"); err != nil {
				return storage.Column{}, nil, err
			}
			col.Nullable = false
			cons = append(cons, storage.Constraint{Kind: storage.ConstraintPrimaryKey, Columns: []string{name}})
		case p.atKeyword("NOT"):
			p.advance()
			if err := p.expectKeyword("NULL"); err != nil {
				return storage.Column{}, nil, err
			}
			col.Nullable = false
			cons = append(cons, storage.Constraint{Kind: storage.ConstraintNotNull, Columns: []string{name}})
		case p.atKeyword("NULL"):
			p.advance()
			col.Nullable = true
		case p.atKeyword("UNIQUE"):
			p.advance()
			cons = append(cons, storage.Constraint{Kind: storage.ConstraintUnique, Columns: []string{name}})
		case p.atKeyword("DEFAULT"):
			p.advance()
			expr, err := p.parsePrimary()
			if err != nil {
				return storage.Column{}, nil, err
			}
			text := exprText(expr)
			col.Default = text
			cons = append(cons, storage.Constraint{Kind: storage.ConstraintDefault, Columns: []string{name}, Expr: text})
		case p.atKeyword("AUTO_INCREMENT"):
			p.advance()
			col.AutoIncrement = true
		case p.atKeyword("REFERENCES"):
			p.advance()
			refTable, err := p.expectIdent()
			if err != nil {
				return storage.Column{}, nil, err
			}
			refCol := name
			if p.atSymbol("(") {
				p.advance()
				refCol, err = p.expectIdent()
				if err != nil {
					return storage.Column{}, nil, err
				}
				if err := p.expectSymbol(")"); err != nil {
					return storage.Column{}, nil, err
				}
			}
			cons = append(cons, storage.Constraint{Kind: storage.ConstraintForeignKey, Columns: []string{name}, RefTable: refTable, RefColumn: refCol})
		default:
			return col, cons, nil
		}
	}
}

func (p *parser) parseTypeName() (storage.ColumnType, int, error) {
	if p.cur().Typ != tKeyword {
		return "", 0, p.errf("expected a type name")
	}
	name := p.cur().Val
	p.advance()
	typ := storage.ColumnType(name)
	size := 0
	if (typ == storage.TypeVarchar || typ == storage.TypeChar) && p.atSymbol("(") {
		p.advance()
		if p.cur().Typ != tNumber {
			return "", 0, p.errf("expected size")
		}
		n, err := strconv.Atoi(p.cur().Val)
		if err != nil {
			return "", 0, p.errf("invalid size")
		}
		size = n
		p.advance()
		if err := p.expectSymbol(")"); err != nil {
			return "", 0, err
		}
	}
	return typ, size, nil
}

func (p *parser) parseCreateIndex() (*CreateIndexStmt, error) {
	unique := false
	if p.atKeyword("UNIQUE") {
		unique = true
		p.advance()
	}
	if err := p.expectKeyword("INDEX"); err != nil {
		return nil, err
	}
	idxName, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	stmt := &CreateIndexStmt{Index: idxName, Table: table, Unique: unique}
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, col)
		if p.atSymbol(",") {
			p.advance()
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return stmt, nil
}

func (p *parser) parseDrop() (*DropStmt, error) {
	p.advance() // DROP
	isIndex := false
	switch {
	case p.atKeyword("TABLE"):
		p.advance()
	case p.atKeyword("INDEX"):
		isIndex = true
		p.advance()
	default:
		return nil, p.errf("expected TABLE or INDEX")
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	return &DropStmt{IsIndex: isIndex, Name: name}, nil
}

// --- expressions ---
//
// expr := or_expr
// or_expr := and_expr {OR and_expr}
// and_expr := not_expr {AND not_expr}
// not_expr := [NOT] comparison
// comparison := additive {('=' | '!=' | '<>' | '<' | '>' | '<=' | '>=') additive}
// additive := term {('+' | '-') term}
// term := unary {('*' | '/' | '%') unary}
// unary := ['-'] primary
// primary := NUMBER | STRING | NULL | TRUE | FALSE | func_call | column | '(' expr ')'

func (p *parser) parseExpr() (Expr, error) { return p.parseOr() }

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("OR") {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.atKeyword("AND") {
		p.advance()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.atKeyword("NOT") {
		p.advance()
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "NOT", Operand: e}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		if p.atKeyword("IS") {
			p.advance()
			negate := false
			if p.atKeyword("NOT") {
				negate = true
				p.advance()
			}
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			op := "ISNULL"
			if negate {
				op = "ISNOTNULL"
			}
			left = &UnaryExpr{Op: op, Operand: left}
			continue
		}
		if p.cur().Typ == tSymbol {
			switch p.cur().Val {
			case "=", "!=", "<>", "<", ">", "<=", ">=":
				op := p.advance().Val
				right, err := p.parseAdditive()
				if err != nil {
					return nil, err
				}
				left = &BinaryExpr{Op: op, Left: left, Right: right}
				continue
			}
		}
		break
	}
	return left, nil
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.cur().Typ == tSymbol && (p.cur().Val == "+" || p.cur().Val == "-") {
		op := p.advance().Val
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseTerm() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur().Typ == tSymbol && (p.cur().Val == "*" || p.cur().Val == "/" || p.cur().Val == "%") {
		op := p.advance().Val
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: op, Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.cur().Typ == tSymbol && p.cur().Val == "-" {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &UnaryExpr{Op: "-", Operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	t := p.cur()
	switch {
	case t.Typ == tNumber:
		p.advance()
		return parseNumberLiteral(t.Val), nil
	case t.Typ == tString:
		p.advance()
		return &LiteralExpr{Value: t.Val}, nil
	case t.Typ == tKeyword && t.Val == "TRUE":
		p.advance()
		return &LiteralExpr{Value: true}, nil
	case t.Typ == tKeyword && t.Val == "FALSE":
		p.advance()
		return &LiteralExpr{Value: false}, nil
	case t.Typ == tKeyword && t.Val == "NULL":
		p.advance()
		return &LiteralExpr{Value: nil}, nil
	case t.Typ == tSymbol && t.Val == "(":
		p.advance()
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return e, nil
	case (t.Typ == tIdent || t.Typ == tKeyword) && p.peek().Typ == tSymbol && p.peek().Val == "(":
		return p.parseFuncCall()
	case t.Typ == tIdent || t.Typ == tKeyword:
		return p.parseColumnRef()
	default:
		return nil, p.errf("expected an expression")
	}
}

func (p *parser) parseFuncCall() (Expr, error) {
	name := p.advance().Val
	p.advance() // '('
	fn := &FuncExpr{Name: name}
	if p.atSymbol("*") {
		p.advance()
		fn.Star = true
	} else if !p.atSymbol(")") {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			fn.Args = append(fn.Args, arg)
			if p.atSymbol(",") {
				p.advance()
				continue
			}
			break
		}
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return fn, nil
}

func (p *parser) parseColumnRef() (Expr, error) {
	first := p.advance().Val
	if p.atSymbol(".") {
		p.advance()
		second, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return &ColumnExpr{Table: first, Name: second}, nil
	}
	return &ColumnExpr{Name: first}, nil
}

func parseNumberLiteral(s string) *LiteralExpr {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return &LiteralExpr{Value: i}
	}
	f, _ := strconv.ParseFloat(s, 64)
	return &LiteralExpr{Value: f}
}

// exprText renders an expression back into source text, used to store
// DEFAULT/CHECK expressions in the catalog as re-parseable strings.
func exprText(e Expr) string {
	switch v := e.(type) {
	case *LiteralExpr:
		switch val := v.Value.(type) {
		case string:
			return "'" + val + "'"
		case nil:
			return "NULL"
		default:
			return fmt.Sprintf("%v", val)
		}
	case *ColumnExpr:
		if v.Table != "" {
			return v.Table + "." + v.Name
		}
		return v.Name
	default:
		return ""
	}
}
