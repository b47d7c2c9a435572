// Command relstore is an interactive shell and batch runner for the
// relstore embeddable SQL engine, styled after sqlite3's CLI: a REPL
// with dot-commands, a set of output modes, and one-shot -cmd/piped
// execution for scripting.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/sjpalmer/relstore"
	"github.com/sjpalmer/relstore/internal/engine"
	"github.com/sjpalmer/relstore/internal/exporter"
	"github.com/sjpalmer/relstore/internal/importer"
)

// config holds the runtime configuration for one CLI invocation.
type config struct {
	Output    string
	Header    bool
	Echo      bool
	Batch     bool
	Timer     bool
	NullValue string
	Mode      outputMode
}

type outputMode string

const (
	modeColumn outputMode = "column"
	modeList   outputMode = "list"
	modeCSV    outputMode = "csv"
	modeJSON   outputMode = "json"
	modeTable  outputMode = "table"
)

func main() {
	if err := runCLI(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCLI(args []string) error {
	fs := flag.NewFlagSet("relstore", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: relstore [OPTIONS] DATADIR [SQL]\n")
		fs.PrintDefaults()
	}

	var (
		mode    = fs.String("mode", "column", "Output mode: column|list|csv|json|table")
		headers = fs.Bool("header", true, "Include column headers")
		echo    = fs.Bool("echo", false, "Echo SQL before execution")
		cmdFlag = fs.String("cmd", "", "Run specific SQL and exit")
		batch   = fs.Bool("batch", false, "Force batch mode")
		outFile = fs.String("output", "", "Write output to file")
		timer   = fs.Bool("timer", false, "Print execution time per statement")
	)

	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := &config{
		Output: *outFile,
		Header: *headers,
		Echo:   *echo,
		Batch:  *batch,
		Mode:   outputMode(*mode),
		Timer:  *timer,
	}

	remaining := fs.Args()
	dataPath := "./data"
	inlineSQL := ""
	if len(remaining) >= 1 {
		dataPath = remaining[0]
	}
	if len(remaining) > 1 {
		inlineSQL = strings.Join(remaining[1:], " ")
	}

	db, err := openDatabase(dataPath)
	if err != nil {
		return err
	}
	defer db.Close()

	var out io.Writer = os.Stdout
	if cfg.Output != "" {
		f, err := os.Create(cfg.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	run := func(sql string) error {
		if strings.TrimSpace(sql) == "" {
			return nil
		}
		return execute(context.Background(), db, cfg, sql, out)
	}

	if *cmdFlag != "" {
		return run(*cmdFlag)
	}
	if inlineSQL != "" {
		return run(inlineSQL)
	}
	if isInputPiped() {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		return run(string(data))
	}
	if cfg.Batch {
		return errors.New("batch mode requested but no SQL provided")
	}

	repl := newRepl(db, cfg, dataPath, out)
	return repl.run()
}

func openDatabase(path string) (*relstore.DB, error) {
	cfg := relstore.DefaultConfig()
	cfg.DataPath = path
	return relstore.Open(cfg)
}

// ---- REPL (interactive shell) ----

type repl struct {
	db       *relstore.DB
	cfg      *config
	dataPath string
	out      io.Writer
	buf      strings.Builder
}

func newRepl(db *relstore.DB, cfg *config, dataPath string, out io.Writer) *repl {
	return &repl{db: db, cfg: cfg, dataPath: dataPath, out: out}
}

func (r *repl) run() error {
	fmt.Fprintf(r.out, "relstore shell\n")
	fmt.Fprintf(r.out, "Enter \".help\" for usage hints.\n")
	fmt.Fprintf(r.out, "Connected to: %s\n", r.dataPath)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 10*1024*1024)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigChan {
			if r.buf.Len() > 0 {
				fmt.Fprintln(r.out, "^C")
				r.buf.Reset()
				r.printPrompt()
			} else {
				_ = r.db.Close()
				os.Exit(0)
			}
		}
	}()

	r.printPrompt()
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if r.buf.Len() == 0 && strings.HasPrefix(trimmed, ".") {
			if err := r.handleMeta(trimmed); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
			r.printPrompt()
			continue
		}

		r.buf.WriteString(line)
		r.buf.WriteByte('\n')

		if strings.HasSuffix(trimmed, ";") {
			sqlText := r.buf.String()
			r.buf.Reset()
			if err := execute(context.Background(), r.db, r.cfg, sqlText, r.out); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			}
		}
		r.printPrompt()
	}
	return scanner.Err()
}

func (r *repl) printPrompt() {
	if r.buf.Len() == 0 {
		fmt.Fprint(r.out, "relstore> ")
	} else {
		fmt.Fprint(r.out, "     ...> ")
	}
}

func (r *repl) handleMeta(line string) error {
	parts := strings.Fields(line)
	cmd := parts[0]
	args := parts[1:]

	switch cmd {
	case ".help":
		printHelp(r.out)
	case ".quit", ".exit":
		_ = r.db.Close()
		os.Exit(0)
	case ".tables":
		printTables(r.out, r.db)
	case ".schema":
		target := ""
		if len(args) > 0 {
			target = args[0]
		}
		printSchema(r.out, r.db, target)
	case ".mode":
		if len(args) < 1 {
			return errors.New("usage: .mode MODE")
		}
		r.cfg.Mode = outputMode(args[0])
	case ".headers":
		if len(args) < 1 {
			return errors.New("usage: .headers on|off")
		}
		r.cfg.Header = args[0] == "on"
	case ".timer":
		if len(args) < 1 {
			return errors.New("usage: .timer on|off")
		}
		r.cfg.Timer = args[0] == "on"
	case ".nullvalue":
		if len(args) < 1 {
			return errors.New("usage: .nullvalue STRING")
		}
		r.cfg.NullValue = args[0]
	case ".read":
		if len(args) < 1 {
			return errors.New("usage: .read FILE")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return execute(context.Background(), r.db, r.cfg, string(data), r.out)
	case ".checkpoint":
		lsn, err := r.db.Checkpoint()
		if err != nil {
			return err
		}
		fmt.Fprintf(r.out, "checkpointed at LSN %d\n", lsn)
	case ".stats":
		printStats(r.out, r.db)
	case ".filename":
		if len(args) < 1 {
			return errors.New("usage: .filename TABLE")
		}
		fmt.Fprintln(r.out, r.db.TableFilePath(args[0]))
	case ".import":
		if len(args) < 2 {
			return errors.New("usage: .import FILE TABLE")
		}
		return runImport(r.db, args[0], args[1], r.out)
	case ".export":
		if len(args) < 3 {
			return errors.New("usage: .export FORMAT TABLE FILE")
		}
		return runExport(r.db, r.cfg, args[0], args[1], args[2])
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
	return nil
}

// runImport loads file into table, picking CSV or Shapefile handling
// from its extension, and reports what the importer did.
func runImport(db *relstore.DB, file, table string, out io.Writer) error {
	ctx := context.Background()
	var (
		res *importer.ImportResult
		err error
	)
	if strings.HasSuffix(strings.ToLower(file), ".shp") {
		res, err = importer.ImportShapefile(ctx, db, table, file, nil)
	} else {
		f, openErr := os.Open(file)
		if openErr != nil {
			return openErr
		}
		defer f.Close()
		res, err = importer.ImportCSV(ctx, db, table, f, nil)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "imported %d row(s) into %s (%d skipped)\n", res.RowsInserted, table, res.RowsSkipped)
	for _, e := range res.Errors {
		fmt.Fprintf(out, "  warning: %s\n", e)
	}
	return nil
}

// runExport runs "SELECT * FROM table" and writes the result to file
// in the given format: csv, json, or sqlite.
func runExport(db *relstore.DB, cfg *config, format, table, file string) error {
	res, err := db.Execute(context.Background(), fmt.Sprintf("SELECT * FROM %s", table))
	if err != nil {
		return err
	}
	switch strings.ToLower(format) {
	case "csv":
		f, err := os.Create(file)
		if err != nil {
			return err
		}
		defer f.Close()
		return exporter.ExportCSV(f, res, exporter.Options{CSVNoHeader: !cfg.Header})
	case "json":
		f, err := os.Create(file)
		if err != nil {
			return err
		}
		defer f.Close()
		return exporter.ExportJSON(f, res, exporter.Options{PrettyJSON: true})
	case "sqlite":
		return exporter.ExportSQLite(file, table, res)
	default:
		return fmt.Errorf("unknown export format %q (want csv, json, or sqlite)", format)
	}
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, `
.checkpoint            Force a WAL checkpoint
.exit                  Exit this program
.export FMT TBL FILE   Export a table to FILE (fmt: csv, json, sqlite)
.filename TABLE        Show the on-disk path of a table's backing file
.headers on|off        Turn display of headers on or off
.help                  Show this message
.import FILE TBL       Bulk-load FILE (.csv/.shp) into TBL
.mode MODE             Set output mode (column, list, csv, json, table)
.nullvalue STRING      Use STRING in place of NULL values
.read FILENAME         Execute SQL in FILENAME
.schema ?TABLE?        Show the CREATE statements
.stats                 Show buffer pool / WAL statistics
.tables                List names of tables
.timer on|off          Turn SQL timer on or off`)
}

// ---- execution ----

func execute(ctx context.Context, db *relstore.DB, cfg *config, sqlText string, out io.Writer) error {
	for _, stmtSQL := range splitStatements(sqlText) {
		if cfg.Echo {
			fmt.Fprintln(out, stmtSQL)
		}

		start := time.Now()
		res, err := db.Execute(ctx, stmtSQL)
		duration := time.Since(start)
		if err != nil {
			return relstore.WrapSchemaError(err)
		}

		if res.Type == engine.ResultSelect {
			if err := getPrinter(cfg.Mode).Print(out, res, cfg); err != nil {
				return err
			}
		} else if res.Type == engine.ResultInsert || res.Type == engine.ResultUpdate || res.Type == engine.ResultDelete {
			fmt.Fprintf(out, "%d row(s) affected\n", res.RowsAffected)
		}

		if cfg.Timer {
			fmt.Fprintf(out, "Run Time: real %.3fs\n", duration.Seconds())
		}
	}
	return nil
}

// ---- output formatters ----

type printer interface {
	Print(w io.Writer, res *engine.Result, cfg *config) error
}

func getPrinter(mode outputMode) printer {
	switch mode {
	case modeCSV:
		return &csvPrinter{}
	case modeJSON:
		return &jsonPrinter{}
	case modeList:
		return &listPrinter{}
	case modeColumn, modeTable:
		return &columnPrinter{}
	default:
		return &listPrinter{}
	}
}

type columnPrinter struct{}

func (columnPrinter) Print(out io.Writer, res *engine.Result, cfg *config) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	if cfg.Header {
		writeTabbed(w, res.Columns)
		sep := make([]string, len(res.Columns))
		for i, c := range res.Columns {
			sep[i] = strings.Repeat("-", len(c))
		}
		writeTabbed(w, sep)
	}
	for _, row := range res.Rows {
		vals := make([]string, len(res.Columns))
		for i, col := range res.Columns {
			vals[i] = fmtScalar(row[col], cfg.NullValue)
		}
		writeTabbed(w, vals)
	}
	return w.Flush()
}

func writeTabbed(w io.Writer, fields []string) {
	for i, f := range fields {
		fmt.Fprint(w, f)
		if i < len(fields)-1 {
			fmt.Fprint(w, "\t")
		}
	}
	fmt.Fprintln(w)
}

type listPrinter struct{}

func (listPrinter) Print(out io.Writer, res *engine.Result, cfg *config) error {
	for _, row := range res.Rows {
		for i, col := range res.Columns {
			if i > 0 {
				fmt.Fprint(out, "|")
			}
			fmt.Fprint(out, fmtScalar(row[col], cfg.NullValue))
		}
		fmt.Fprintln(out)
	}
	return nil
}

type csvPrinter struct{}

func (csvPrinter) Print(out io.Writer, res *engine.Result, cfg *config) error {
	w := csv.NewWriter(out)
	if cfg.Header {
		if err := w.Write(res.Columns); err != nil {
			return err
		}
	}
	for _, row := range res.Rows {
		record := make([]string, len(res.Columns))
		for i, col := range res.Columns {
			record[i] = fmtScalar(row[col], "")
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

type jsonPrinter struct{}

func (jsonPrinter) Print(out io.Writer, res *engine.Result, cfg *config) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	output := make([]map[string]any, 0, len(res.Rows))
	for _, row := range res.Rows {
		item := make(map[string]any, len(res.Columns))
		for _, col := range res.Columns {
			item[col] = row[col]
		}
		output = append(output, item)
	}
	return enc.Encode(output)
}

// ---- helpers ----

func fmtScalar(v any, nullVal string) string {
	if v == nil {
		return nullVal
	}
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func isInputPiped() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) == 0
}

func printTables(out io.Writer, db *relstore.DB) {
	tables := db.GetSchema()
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s  ", name)
	}
	fmt.Fprintln(out)
}

func printSchema(out io.Writer, db *relstore.DB, tableFilter string) {
	for _, t := range db.GetSchema() {
		if tableFilter != "" && !strings.EqualFold(t.Name, tableFilter) {
			continue
		}
		fmt.Fprintf(out, "CREATE TABLE %s (\n", t.Name)
		for i, col := range t.Columns {
			def := fmt.Sprintf("  %s %s", col.Name, col.Type)
			if !col.Nullable {
				def += " NOT NULL"
			}
			if i < len(t.Columns)-1 {
				def += ","
			}
			fmt.Fprintln(out, def)
		}
		fmt.Fprintln(out, ");")
	}
}

func printStats(out io.Writer, db *relstore.DB) {
	s := db.GetStats()
	fmt.Fprintf(out, "buffer pool: hits=%d misses=%d evictions=%d residency=%d\n",
		s.Hits, s.Misses, s.Evictions, s.Residency)
	fmt.Fprintf(out, "wal: last durable LSN=%d\n", s.LastDurableLSN)
}

// splitStatements is a simple quote-aware ';'-splitter, sufficient for
// CLI scripting; it doesn't need the full lexer's token stream.
func splitStatements(sql string) []string {
	var stmts []string
	var buf strings.Builder
	inSingle := false
	inDouble := false

	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		switch ch {
		case '\'':
			if !inDouble {
				inSingle = !inSingle
			}
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
		case ';':
			if !inSingle && !inDouble {
				if s := strings.TrimSpace(buf.String()); s != "" {
					stmts = append(stmts, s)
				}
				buf.Reset()
				continue
			}
		}
		buf.WriteByte(ch)
	}
	if s := strings.TrimSpace(buf.String()); s != "" {
		stmts = append(stmts, s)
	}
	return stmts
}
