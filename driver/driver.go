// Package driver implements a database/sql driver for relstore.
//
// It registers itself under the name "relstore" so database/sql.Open
// works out of the box, and supports two DSN forms:
//
//	mem://                a private, temp-directory-backed database
//	file:/path/to/dir      a persistent database rooted at the given directory
//
// Both forms accept query parameters: busy_timeout (a duration or a
// plain millisecond count) sets a deadline on the context each
// statement runs under; the deadline is checked once, before the
// statement is parsed. Statements take no row or table locks, so
// nothing waits on a lock.
package driver

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sjpalmer/relstore"
	"github.com/sjpalmer/relstore/internal/engine"
)

// DriverName is the name relstore registers itself under with
// database/sql.
const DriverName = "relstore"

func init() {
	sql.Register(DriverName, &drv{})
}

// Open opens a relstore-backed *sql.DB for the given DSN.
func Open(dsn string) (*sql.DB, error) {
	return sql.Open(DriverName, dsn)
}

// OpenFile opens a persistent relstore database rooted at path.
func OpenFile(path string) (*sql.DB, error) {
	return sql.Open(DriverName, "file:"+path)
}

// OpenInMemory opens a private, temp-directory-backed database. The
// underlying files are removed when the *sql.DB is closed.
func OpenInMemory() (*sql.DB, error) {
	return sql.Open(DriverName, "mem://")
}

type dsnConfig struct {
	dataPath    string
	ephemeral   bool
	busyTimeout time.Duration
}

func parseDSN(dsn string) (dsnConfig, error) {
	var c dsnConfig
	switch {
	case strings.HasPrefix(dsn, "mem://"):
		dir, err := os.MkdirTemp("", "relstore-mem-*")
		if err != nil {
			return c, fmt.Errorf("relstore: create temp data dir: %w", err)
		}
		c.dataPath = dir
		c.ephemeral = true
		if i := strings.Index(dsn, "?"); i >= 0 {
			if err := applyQuery(&c, dsn[i+1:]); err != nil {
				return c, err
			}
		}
		return c, nil
	case strings.HasPrefix(dsn, "file:"):
		path := strings.TrimPrefix(dsn, "file:")
		q := ""
		if i := strings.Index(path, "?"); i >= 0 {
			q = path[i+1:]
			path = path[:i]
		}
		if path == "" {
			return c, fmt.Errorf("relstore: file: DSN requires a path")
		}
		c.dataPath = path
		if q != "" {
			if err := applyQuery(&c, q); err != nil {
				return c, err
			}
		}
		return c, nil
	case dsn == "":
		return c, fmt.Errorf("relstore: empty DSN, use mem:// or file:<path>")
	default:
		return c, fmt.Errorf("relstore: unsupported DSN %q", dsn)
	}
}

func applyQuery(c *dsnConfig, q string) error {
	for _, kv := range strings.Split(q, "&") {
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		key := strings.ToLower(parts[0])
		val := ""
		if len(parts) == 2 {
			val = parts[1]
		}
		switch key {
		case "busy_timeout", "busytimeout":
			d, err := parseBusyTimeout(val)
			if err != nil {
				return err
			}
			c.busyTimeout = d
		}
	}
	return nil
}

func parseBusyTimeout(value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("relstore: busy_timeout must be >= 0")
		}
		return time.Duration(n) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("relstore: invalid busy_timeout %q", value)
	}
	return d, nil
}

// registry shares one *relstore.DB per resolved data path across
// connections opened from the same DSN, rather than reopening the
// underlying files on every connection.
var registry = struct {
	sync.Mutex
	dbs map[string]*sharedDB
}{dbs: make(map[string]*sharedDB)}

type sharedDB struct {
	db        *relstore.DB
	refs      int
	ephemeral bool
	path      string
}

func acquireDB(c dsnConfig) (*sharedDB, error) {
	registry.Lock()
	defer registry.Unlock()
	if s, ok := registry.dbs[c.dataPath]; ok {
		s.refs++
		return s, nil
	}
	cfg := relstore.DefaultConfig()
	cfg.DataPath = c.dataPath
	db, err := relstore.Open(cfg)
	if err != nil {
		return nil, err
	}
	s := &sharedDB{db: db, refs: 1, ephemeral: c.ephemeral, path: c.dataPath}
	registry.dbs[c.dataPath] = s
	return s, nil
}

func releaseDB(s *sharedDB) error {
	registry.Lock()
	defer registry.Unlock()
	s.refs--
	if s.refs > 0 {
		return nil
	}
	delete(registry.dbs, s.path)
	err := s.db.Close()
	if s.ephemeral {
		_ = os.RemoveAll(s.path)
	}
	return err
}

type drv struct{}

func (d *drv) Open(name string) (driver.Conn, error) {
	cfg, err := parseDSN(name)
	if err != nil {
		return nil, err
	}
	shared, err := acquireDB(cfg)
	if err != nil {
		return nil, err
	}
	return &conn{shared: shared, busyTimeout: cfg.busyTimeout}, nil
}

type conn struct {
	shared      *sharedDB
	busyTimeout time.Duration
	txn         *relstore.Txn
}

func (c *conn) Prepare(query string) (driver.Stmt, error) { return &stmt{c: c, sql: query}, nil }

func (c *conn) Close() error { return releaseDB(c.shared) }

func (c *conn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if opts.Isolation != driver.IsolationLevel(0) {
		return nil, fmt.Errorf("relstore: unsupported isolation level %v", opts.Isolation)
	}
	txn, err := c.shared.db.BeginTransaction()
	if err != nil {
		return nil, err
	}
	c.txn = txn
	return &tx{c: c}, nil
}

// Ping implements driver.Pinger.
func (c *conn) Ping(ctx context.Context) error { return nil }

type tx struct{ c *conn }

func (t *tx) Commit() error {
	err := t.c.txn.Commit()
	t.c.txn = nil
	return err
}

func (t *tx) Rollback() error {
	err := t.c.txn.Rollback()
	t.c.txn = nil
	return err
}

func (c *conn) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.busyTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.busyTimeout)
}

func (c *conn) run(ctx context.Context, query string) (*engine.Result, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var res *engine.Result
	var err error
	if c.txn != nil {
		res, err = c.txn.Execute(ctx, query)
	} else {
		res, err = c.shared.db.Execute(ctx, query)
	}
	if err != nil {
		return nil, relstore.WrapSchemaError(err)
	}
	return res, nil
}

func (c *conn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	sqlStr, err := bindPlaceholders(query, args)
	if err != nil {
		return nil, err
	}
	res, err := c.run(ctx, sqlStr)
	if err != nil {
		return nil, err
	}
	return execResult{rowsAffected: res.RowsAffected, lastInsertID: res.InsertID}, nil
}

func (c *conn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	sqlStr, err := bindPlaceholders(query, args)
	if err != nil {
		return nil, err
	}
	res, err := c.run(ctx, sqlStr)
	if err != nil {
		return nil, err
	}
	return &rows{res: res}, nil
}

func (c *conn) Exec(query string, args []driver.Value) (driver.Result, error) {
	return c.ExecContext(context.Background(), query, namedFromValues(args))
}

func (c *conn) Query(query string, args []driver.Value) (driver.Rows, error) {
	return c.QueryContext(context.Background(), query, namedFromValues(args))
}

func namedFromValues(args []driver.Value) []driver.NamedValue {
	out := make([]driver.NamedValue, len(args))
	for i, v := range args {
		out[i] = driver.NamedValue{Ordinal: i + 1, Value: v}
	}
	return out
}

// CheckNamedValue normalizes Go types into the primitive forms the
// SQL literal renderer understands.
func (c *conn) CheckNamedValue(nv *driver.NamedValue) error {
	switch v := nv.Value.(type) {
	case time.Time:
		nv.Value = v.UTC().Format(time.RFC3339Nano)
	case int:
		nv.Value = int64(v)
	case []byte:
		nv.Value = string(v)
	}
	return nil
}

type stmt struct {
	c   *conn
	sql string
}

func (s *stmt) Close() error  { return nil }
func (s *stmt) NumInput() int { return -1 }
func (s *stmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.c.Exec(s.sql, args)
}
func (s *stmt) Query(args []driver.Value) (driver.Rows, error) {
	return s.c.Query(s.sql, args)
}
func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	return s.c.ExecContext(ctx, s.sql, args)
}
func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	return s.c.QueryContext(ctx, s.sql, args)
}

type execResult struct {
	rowsAffected int64
	lastInsertID int64
}

func (r execResult) LastInsertId() (int64, error) { return r.lastInsertID, nil }
func (r execResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

type rows struct {
	res *engine.Result
	i   int
}

func (r *rows) Columns() []string { return r.res.Columns }
func (r *rows) Close() error      { return nil }
func (r *rows) Next(dest []driver.Value) error {
	if r.i >= len(r.res.Rows) {
		return io.EOF
	}
	row := r.res.Rows[r.i]
	for i, name := range r.res.Columns {
		switch vv := row[name].(type) {
		case nil, int64, float64, bool, string:
			dest[i] = vv
		default:
			b, _ := json.Marshal(vv)
			dest[i] = string(b)
		}
	}
	r.i++
	return nil
}

func (r *rows) ColumnTypeDatabaseTypeName(i int) string { return "TEXT" }
func (r *rows) ColumnTypeNullable(i int) (bool, bool)   { return true, true }
func (r *rows) ColumnTypeScanType(i int) any            { return new(any) }

// bindPlaceholders substitutes ?, $N and :N placeholders with SQL
// literals rendered from args, leaving quoted string literals in the
// query untouched.
func bindPlaceholders(sqlStr string, args []driver.NamedValue) (string, error) {
	var sb strings.Builder
	sb.Grow(len(sqlStr) + len(args)*8)
	argi := 0
	numbered := false
	for i := 0; i < len(sqlStr); i++ {
		ch := sqlStr[i]
		if ch == '\'' {
			sb.WriteByte(ch)
			i++
			for i < len(sqlStr) {
				sb.WriteByte(sqlStr[i])
				if sqlStr[i] == '\'' {
					if i+1 < len(sqlStr) && sqlStr[i+1] == '\'' {
						i++
						sb.WriteByte(sqlStr[i])
						i++
						continue
					}
					break
				}
				i++
			}
			continue
		}
		if ch == '?' {
			if argi >= len(args) {
				return "", fmt.Errorf("relstore: not enough arguments for placeholders")
			}
			sb.WriteString(sqlLiteral(args[argi].Value))
			argi++
			continue
		}
		if (ch == '$' || ch == ':') && i+1 < len(sqlStr) && sqlStr[i+1] >= '0' && sqlStr[i+1] <= '9' {
			j := i + 2
			for j < len(sqlStr) && sqlStr[j] >= '0' && sqlStr[j] <= '9' {
				j++
			}
			n, err := strconv.Atoi(sqlStr[i+1 : j])
			if err != nil || n <= 0 || n > len(args) {
				return "", fmt.Errorf("relstore: invalid placeholder %q", sqlStr[i:j])
			}
			sb.WriteString(sqlLiteral(args[n-1].Value))
			numbered = true
			i = j - 1
			continue
		}
		sb.WriteByte(ch)
	}
	if !numbered && argi != len(args) {
		return "", fmt.Errorf("relstore: too many arguments for placeholders")
	}
	return sb.String(), nil
}

func sqlLiteral(v any) string {
	if v == nil {
		return "NULL"
	}
	switch x := v.(type) {
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		if x {
			return "TRUE"
		}
		return "FALSE"
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	default:
		b, _ := json.Marshal(x)
		return "'" + strings.ReplaceAll(string(b), "'", "''") + "'"
	}
}
