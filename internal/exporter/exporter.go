// Package exporter writes an engine.Result's rows to an external sink:
// CSV, JSON, or a real SQLite file for interop with other tooling.
package exporter

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sjpalmer/relstore/internal/engine"
)

// Options controls export formatting.
type Options struct {
	PrettyJSON   bool
	CSVNoHeader  bool
	CSVDelimiter rune
}

func valueToString(v any) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case int:
		return strconv.Itoa(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(time.RFC3339)
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// ExportCSV writes res's rows as CSV to w, in res.Columns order.
func ExportCSV(w io.Writer, res *engine.Result, opts Options) error {
	csvw := csv.NewWriter(w)
	if opts.CSVDelimiter != 0 {
		csvw.Comma = opts.CSVDelimiter
	}
	if !opts.CSVNoHeader {
		if err := csvw.Write(res.Columns); err != nil {
			return err
		}
	}
	for _, r := range res.Rows {
		row := make([]string, len(res.Columns))
		for i, c := range res.Columns {
			row[i] = valueToString(r[c])
		}
		if err := csvw.Write(row); err != nil {
			return err
		}
	}
	csvw.Flush()
	return csvw.Error()
}

// ExportJSON writes res's rows as a JSON array of column-keyed objects.
func ExportJSON(w io.Writer, res *engine.Result, opts Options) error {
	enc := json.NewEncoder(w)
	if opts.PrettyJSON {
		enc.SetIndent("", "  ")
	}
	out := make([]map[string]any, len(res.Rows))
	for i, r := range res.Rows {
		m := make(map[string]any, len(res.Columns))
		for _, c := range res.Columns {
			m[c] = r[c]
		}
		out[i] = m
	}
	return enc.Encode(out)
}

// ExportSQLite writes res's rows into a fresh table in a real SQLite
// file at path, using modernc.org/sqlite's embedded (cgo-free) driver
// so the output is readable by any standard SQLite tool. The table is
// created with every column typed TEXT/INTEGER/REAL by the Go value's
// runtime type; an existing table of the same name is dropped first.
func ExportSQLite(path, table string, res *engine.Result) (err error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("exporter: open sqlite file: %w", err)
	}
	defer func() {
		if cerr := db.Close(); err == nil {
			err = cerr
		}
	}()

	if _, err = db.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %q`, table)); err != nil {
		return fmt.Errorf("exporter: drop existing table: %w", err)
	}

	colDefs := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		colDefs[i] = fmt.Sprintf("%q %s", c, sqliteColumnType(res.Rows, c))
	}
	createStmt := fmt.Sprintf("CREATE TABLE %q (%s)", table, joinComma(colDefs))
	if _, err = db.Exec(createStmt); err != nil {
		return fmt.Errorf("exporter: create table: %w", err)
	}

	placeholders := make([]string, len(res.Columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	insertStmt := fmt.Sprintf("INSERT INTO %q VALUES (%s)", table, joinComma(placeholders))
	stmt, err := db.Prepare(insertStmt)
	if err != nil {
		return fmt.Errorf("exporter: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range res.Rows {
		args := make([]any, len(res.Columns))
		for i, c := range res.Columns {
			args[i] = sqliteValue(r[c])
		}
		if _, err = stmt.Exec(args...); err != nil {
			return fmt.Errorf("exporter: insert row: %w", err)
		}
	}
	return nil
}

// sqliteColumnType infers a column's SQLite affinity from the first
// non-null value observed for it across res's rows.
func sqliteColumnType(rows []map[string]any, col string) string {
	for _, r := range rows {
		switch r[col].(type) {
		case int64, int:
			return "INTEGER"
		case float64:
			return "REAL"
		case bool:
			return "INTEGER"
		case nil:
			continue
		default:
			return "TEXT"
		}
	}
	return "TEXT"
}

func sqliteValue(v any) any {
	switch t := v.(type) {
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return v
	}
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
