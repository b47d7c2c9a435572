// Package importer provides bulk-load readers that turn external data
// into rows for a relstore table. Every reader builds a CREATE TABLE
// (if requested) and a stream of INSERT statements that run through
// the normal parsed-SQL executor, so imported rows get the same
// constraint and secondary-index maintenance as any other INSERT —
// there is no separate bulk-load code path that bypasses them.
package importer

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/sjpalmer/relstore"
	"github.com/sjpalmer/relstore/internal/storage"
)

// ImportOptions configures importer behavior. All fields are optional;
// a nil *ImportOptions uses the defaults applyDefaults fills in.
type ImportOptions struct {
	// BatchSize controls how many rows share one transaction (default 1000).
	BatchSize int

	// NullLiterals are treated as SQL NULL (case-insensitive, trimmed).
	NullLiterals []string

	// CreateTable creates the table from inferred column types if it
	// doesn't already exist (default true).
	CreateTable bool

	// Truncate deletes every existing row before import (default false).
	Truncate bool

	// HeaderMode controls header detection: "auto" (default), "present", "absent".
	HeaderMode string

	// DelimiterCandidates tested during auto-detection. Default: , ; \t |
	DelimiterCandidates []rune

	// TableName overrides the target table name.
	TableName string

	// SampleBytes caps how much input is read for format detection (default 128KB).
	SampleBytes int

	// SampleRecords caps how many records are analyzed for type inference (default 500).
	SampleRecords int

	// TypeInference enables column type detection; disabled, every column is VARCHAR (default true).
	TypeInference bool

	// DateTimeFormats are the layouts tried when detecting/parsing DATETIME values.
	DateTimeFormats []string

	// StrictTypes fails the whole import on a type-conversion error instead of skipping the row (default false).
	StrictTypes bool
}

// ImportResult reports what an import did.
type ImportResult struct {
	RowsInserted int64
	RowsSkipped  int64
	Delimiter    rune
	HadHeader    bool
	Encoding     string
	ColumnNames  []string
	ColumnTypes  []storage.ColumnType
	Errors       []string
}

// ImportCSV reads delimited data (CSV/TSV, optionally gzip-compressed)
// from src and loads it into tableName, auto-detecting encoding,
// delimiter, header presence and column types.
func ImportCSV(ctx context.Context, db *relstore.DB, tableName string, src io.Reader, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	applyDefaults(opts)
	if opts.TableName != "" {
		tableName = opts.TableName
	}
	if tableName == "" {
		return nil, fmt.Errorf("importer: table name is required")
	}

	result := &ImportResult{Errors: make([]string, 0)}

	r := maybeGzip(src)
	br := bufio.NewReader(r)
	sample, _ := br.Peek(maxInt(opts.SampleBytes, 16))
	enc, hasBOM := detectEncoding(sample)
	result.Encoding = enc

	var rr io.Reader
	switch enc {
	case "utf-16le", "utf-16be":
		all, err := io.ReadAll(br)
		if err != nil {
			return nil, fmt.Errorf("importer: read utf-16 stream: %w", err)
		}
		decoded, err := decodeUTF16All(all, enc == "utf-16be")
		if err != nil {
			return nil, fmt.Errorf("importer: decode utf-16: %w", err)
		}
		rr = bytes.NewReader(decoded)
	default:
		if hasBOM {
			if _, err := br.Discard(3); err != nil {
				return nil, fmt.Errorf("importer: discard utf-8 bom: %w", err)
			}
		}
		rr = br
	}

	sr := bufio.NewReader(rr)
	peek := peekN(sr, opts.SampleBytes)
	lines := splitUniversal(string(peek))

	delim := detectDelimiter(lines, candidateDelims(opts.DelimiterCandidates))
	result.Delimiter = delim

	records := parseRecords(lines, delim, opts.SampleRecords)
	hasHeader := decideHeader(records, opts.HeaderMode)
	result.HadHeader = hasHeader

	csvr := csv.NewReader(sr)
	csvr.Comma = delim
	csvr.FieldsPerRecord = -1
	csvr.LazyQuotes = true
	csvr.TrimLeadingSpace = true

	firstRec, err := csvr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("importer: empty input")
		}
		return nil, fmt.Errorf("importer: read first record: %w", err)
	}

	var colNames []string
	var firstDataRow []string
	if hasHeader {
		colNames = sanitizeColumnNames(firstRec)
	} else {
		colNames = generateColumnNames(len(firstRec))
		firstDataRow = firstRec
	}
	result.ColumnNames = colNames

	allRecords := make([][]string, 0)
	if firstDataRow != nil {
		allRecords = append(allRecords, firstDataRow)
	}
	for {
		rec, err := csvr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("read error: %v", err))
			continue
		}
		allRecords = append(allRecords, rec)
	}

	var colTypes []storage.ColumnType
	if opts.TypeInference {
		sampleSize := len(allRecords)
		if sampleSize > opts.SampleRecords {
			sampleSize = opts.SampleRecords
		}
		colTypes = inferColumnTypes(allRecords[:sampleSize], len(colNames), opts)
	} else {
		colTypes = make([]storage.ColumnType, len(colNames))
		for i := range colTypes {
			colTypes[i] = storage.TypeVarchar
		}
	}
	result.ColumnTypes = colTypes

	if opts.CreateTable {
		if err := createTableIfAbsent(ctx, db, tableName, colNames, colTypes); err != nil {
			return nil, fmt.Errorf("importer: create table: %w", err)
		}
	}
	if opts.Truncate {
		if _, err := db.Execute(ctx, fmt.Sprintf("DELETE FROM %s", tableName)); err != nil {
			return nil, fmt.Errorf("importer: truncate table: %w", err)
		}
	}

	rows, skipped, errs := insertAllRecords(ctx, db, tableName, colNames, colTypes, allRecords, opts)
	result.RowsInserted = rows
	result.RowsSkipped = skipped
	result.Errors = append(result.Errors, errs...)
	return result, nil
}

// ============================================================================
// Format & encoding detection — reusable across every reader in this package
// ============================================================================

func applyDefaults(o *ImportOptions) {
	if o.BatchSize <= 0 {
		o.BatchSize = 1000
	}
	if len(o.NullLiterals) == 0 {
		o.NullLiterals = []string{"", "null", "na", "n/a", "none", "#n/a"}
	}
	if o.HeaderMode == "" {
		o.HeaderMode = "auto"
	}
	if len(o.DelimiterCandidates) == 0 {
		o.DelimiterCandidates = []rune{',', ';', '\t', '|'}
	}
	if o.SampleBytes <= 0 {
		o.SampleBytes = 128 * 1024
	}
	if o.SampleRecords <= 0 {
		o.SampleRecords = 500
	}
	if len(o.DateTimeFormats) == 0 {
		o.DateTimeFormats = []string{
			time.RFC3339,
			time.RFC3339Nano,
			"2006-01-02",
			"2006-01-02 15:04:05",
			"2006-01-02T15:04:05",
			"01/02/2006",
			"01/02/2006 15:04:05",
			"02.01.2006",
			"02.01.2006 15:04:05",
		}
	}
	if !o.CreateTable && !o.Truncate {
		o.CreateTable = true
	}
	if !o.TypeInference && o.CreateTable {
		o.TypeInference = true
	}
}

func maybeGzip(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	magic, _ := br.Peek(2)
	if len(magic) >= 2 && magic[0] == 0x1F && magic[1] == 0x8B {
		if gr, err := gzip.NewReader(br); err == nil {
			return gr
		}
	}
	return br
}

func detectEncoding(b []byte) (enc string, hasUTF8BOM bool) {
	switch {
	case len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF:
		return "utf-8-bom", true
	case len(b) >= 2 && b[0] == 0xFF && b[1] == 0xFE:
		return "utf-16le", false
	case len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF:
		return "utf-16be", false
	default:
		return "utf-8", false
	}
}

func decodeUTF16All(b []byte, bigEndian bool) ([]byte, error) {
	if bigEndian && len(b) >= 2 && b[0] == 0xFE && b[1] == 0xFF {
		b = b[2:]
	} else if !bigEndian && len(b) >= 2 && b[0] == 0xFF && b[1] == 0xFE {
		b = b[2:]
	}
	if len(b)%2 != 0 {
		b = append(b, 0)
	}
	u16s := make([]uint16, len(b)/2)
	for i := range u16s {
		if bigEndian {
			u16s[i] = uint16(b[i*2])<<8 | uint16(b[i*2+1])
		} else {
			u16s[i] = uint16(b[i*2+1])<<8 | uint16(b[i*2])
		}
	}
	return []byte(string(utf16.Decode(u16s))), nil
}

func candidateDelims(c []rune) []rune {
	out := make([]rune, 0, len(c))
	for _, r := range c {
		if r != 0 {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return []rune{',', ';', '\t', '|'}
	}
	return out
}

func peekN(br *bufio.Reader, n int) []byte {
	if n <= 0 {
		n = 1
	}
	b, _ := br.Peek(n)
	return b
}

func splitUniversal(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); {
		switch s[i] {
		case '\r':
			out = append(out, s[start:i])
			i++
			if i < len(s) && s[i] == '\n' {
				i++
			}
			start = i
		case '\n':
			out = append(out, s[start:i])
			i++
			start = i
		default:
			i++
		}
	}
	if start <= len(s) {
		out = append(out, s[start:])
	}
	if len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	return out
}

func parseRecords(lines []string, delim rune, maxRecs int) [][]string {
	var out [][]string
	for _, ln := range lines {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		out = append(out, naiveSplitOutsideQuotes(ln, delim))
		if maxRecs > 0 && len(out) >= maxRecs {
			break
		}
	}
	return out
}

func detectDelimiter(lines []string, cands []rune) rune {
	type score struct {
		cand   rune
		stdev  float64
		fields int
	}
	var best *score
	for _, cand := range cands {
		var counts []int
		seen := 0
		for _, ln := range lines {
			if strings.TrimSpace(ln) == "" {
				continue
			}
			if seen >= 200 {
				break
			}
			counts = append(counts, countDelimsOutsideQuotes(ln, cand)+1)
			seen++
		}
		if len(counts) == 0 {
			continue
		}
		_, sd := meanStd(counts)
		fields := mode(counts)
		if fields <= 1 {
			continue
		}
		sc := score{cand: cand, stdev: sd, fields: fields}
		if best == nil || sc.stdev < best.stdev || (math.Abs(sc.stdev-best.stdev) < 1e-9 && sc.fields > best.fields) {
			cp := sc
			best = &cp
		}
	}
	if best != nil {
		return best.cand
	}
	return ','
}

func countDelimsOutsideQuotes(ln string, delim rune) int {
	inQ := false
	count := 0
	for i, w := 0, 0; i < len(ln); i += w {
		r, size := utf8.DecodeRuneInString(ln[i:])
		w = size
		if r == '"' {
			peek, _ := utf8.DecodeRuneInString(ln[i+w:])
			if inQ && peek == '"' {
				i += w
				continue
			}
			inQ = !inQ
			continue
		}
		if !inQ && r == delim {
			count++
		}
	}
	return count
}

func naiveSplitOutsideQuotes(ln string, delim rune) []string {
	var out []string
	var sb strings.Builder
	inQ := false
	for i := 0; i < len(ln); {
		r, w := utf8.DecodeRuneInString(ln[i:])
		i += w
		if r == '\r' || r == '\n' {
			break
		}
		if r == '"' {
			if inQ {
				if i < len(ln) {
					r2, w2 := utf8.DecodeRuneInString(ln[i:])
					if r2 == '"' {
						i += w2
						sb.WriteRune('"')
						continue
					}
				}
				inQ = false
				continue
			} else if sb.Len() == 0 {
				inQ = true
				continue
			}
		}
		if !inQ && r == delim {
			out = append(out, sb.String())
			sb.Reset()
			continue
		}
		sb.WriteRune(r)
	}
	out = append(out, sb.String())
	return out
}

func decideHeader(records [][]string, mode string) bool {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "present":
		return true
	case "absent":
		return false
	}
	if len(records) < 2 {
		return false
	}
	first := records[0]
	body := records[1:]
	cols := len(first)
	headerish := 0
	for c := 0; c < cols; c++ {
		headNum := looksNumeric(first[c])
		dataNum, rows := 0, 0
		for _, r := range body {
			if c >= len(r) {
				continue
			}
			if looksNumeric(r[c]) {
				dataNum++
			}
			rows++
		}
		if rows > 0 && !headNum && float64(dataNum)/float64(rows) > 0.6 {
			headerish++
		}
	}
	return float64(headerish)/float64(cols) >= 0.5
}

func looksNumeric(s string) bool {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", ""))
	if s == "" {
		return false
	}
	if _, err := strconv.ParseInt(s, 10, 64); err == nil {
		return true
	}
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

func meanStd(vals []int) (float64, float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range vals {
		sum += float64(v)
	}
	avg := sum / float64(len(vals))
	var ss float64
	for _, v := range vals {
		d := float64(v) - avg
		ss += d * d
	}
	return avg, math.Sqrt(ss / float64(len(vals)))
}

func mode(vals []int) int {
	if len(vals) == 0 {
		return 0
	}
	counts := map[int]int{}
	for _, v := range vals {
		counts[v]++
	}
	type kv struct{ v, c int }
	var arr []kv
	for v, c := range counts {
		arr = append(arr, kv{v, c})
	}
	sort.Slice(arr, func(i, j int) bool {
		if arr[i].c == arr[j].c {
			return arr[i].v > arr[j].v
		}
		return arr[i].c > arr[j].c
	})
	return arr[0].v
}

func sanitizeColumnNames(h []string) []string {
	out := make([]string, len(h))
	for i, s := range h {
		s = strings.TrimSpace(s)
		if s == "" {
			s = fmt.Sprintf("col_%d", i+1)
		}
		s = strings.Map(func(r rune) rune {
			switch {
			case r == ' ' || r == '-' || r == '.' || r == '/':
				return '_'
			case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_':
				return r
			default:
				return '_'
			}
		}, s)
		out[i] = s
	}
	return out
}

func generateColumnNames(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("col_%d", i+1)
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func isNullValue(val string, nullLiterals []string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(val))
	for _, nl := range nullLiterals {
		if trimmed == strings.ToLower(strings.TrimSpace(nl)) {
			return true
		}
	}
	return false
}
