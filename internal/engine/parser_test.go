package engine

import "testing"

func TestParseSelectStatement(t *testing.T) {
	stmt, err := Parse("SELECT id, name FROM users WHERE id = 1")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	sel, ok := stmt.(*SelectStmt)
	if !ok {
		t.Fatalf("got %T, want *SelectStmt", stmt)
	}
	if sel.From != "users" {
		t.Fatalf("From = %q, want users", sel.From)
	}
	if sel.Where == nil {
		t.Fatal("expected a WHERE clause")
	}
}

func TestParseCreateTableStatement(t *testing.T) {
	stmt, err := Parse("CREATE TABLE t (id INT PRIMARY KEY, n VARCHAR(16))")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ct, ok := stmt.(*CreateTableStmt)
	if !ok {
		t.Fatalf("got %T, want *CreateTableStmt", stmt)
	}
	if ct.Table != "t" {
		t.Fatalf("Table = %q, want t", ct.Table)
	}
	if len(ct.Columns) != 2 {
		t.Fatalf("got %d columns, want 2", len(ct.Columns))
	}
}

func TestParseInsertStatement(t *testing.T) {
	stmt, err := Parse("INSERT INTO t (id, n) VALUES (1, 'a')")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	ins, ok := stmt.(*InsertStmt)
	if !ok {
		t.Fatalf("got %T, want *InsertStmt", stmt)
	}
	if ins.Table != "t" || len(ins.Columns) != 2 || len(ins.Values) != 2 {
		t.Fatalf("unexpected insert: %+v", ins)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := Parse("SELEKT * FORM t"); err == nil {
		t.Fatal("expected a parse error for garbage input")
	}
}

func TestTokenizeKeywordsAreCaseInsensitive(t *testing.T) {
	toks, err := tokenize("select * from T")
	if err != nil {
		t.Fatalf("tokenize: %v", err)
	}
	if len(toks) == 0 || toks[0].Typ != tKeyword {
		t.Fatalf("expected first token to be a keyword, got %+v", toks[0])
	}
}
