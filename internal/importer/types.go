package importer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sjpalmer/relstore"
	"github.com/sjpalmer/relstore/internal/dberrors"
	"github.com/sjpalmer/relstore/internal/storage"
)

// inferColumnTypes analyzes sample rows and votes a catalog column type
// per column: BOOLEAN -> INT -> DOUBLE -> DATETIME -> VARCHAR, in order
// of specificity, falling back to VARCHAR below an 80% confidence bar.
func inferColumnTypes(sample [][]string, numCols int, opts *ImportOptions) []storage.ColumnType {
	votes := make([]map[storage.ColumnType]int, numCols)
	for i := range votes {
		votes[i] = make(map[storage.ColumnType]int)
	}
	for _, row := range sample {
		for c := 0; c < numCols; c++ {
			var val string
			if c < len(row) {
				val = strings.TrimSpace(row[c])
			}
			if isNullValue(val, opts.NullLiterals) {
				continue
			}
			votes[c][detectValueType(val, opts.DateTimeFormats)]++
		}
	}
	out := make([]storage.ColumnType, numCols)
	for c := range out {
		out[c] = determineColumnType(votes[c])
	}
	return out
}

func detectValueType(val string, dateFormats []string) storage.ColumnType {
	switch {
	case val == "":
		return storage.TypeVarchar
	case isBoolLike(val):
		return storage.TypeBoolean
	case isIntLike(val):
		return storage.TypeInt
	case isFloatLike(val):
		return storage.TypeDouble
	case isTimeLike(val, dateFormats):
		return storage.TypeDatetime
	default:
		return storage.TypeVarchar
	}
}

func isBoolLike(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "false", "yes", "no":
		return true
	case "t", "f", "y", "n":
		return len(val) == 1
	default:
		return false
	}
}

func isIntLike(val string) bool {
	_, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
	return err == nil
}

func isFloatLike(val string) bool {
	_, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
	return err == nil
}

func isTimeLike(val string, layouts []string) bool {
	for _, l := range layouts {
		if _, err := time.Parse(l, val); err == nil {
			return true
		}
	}
	return false
}

// determineColumnType picks the most specific type that covers at
// least 80% of a column's non-null sample votes, else VARCHAR.
func determineColumnType(votes map[storage.ColumnType]int) storage.ColumnType {
	total := 0
	for _, n := range votes {
		total += n
	}
	if total == 0 {
		return storage.TypeVarchar
	}
	threshold := float64(total) * 0.80
	if float64(votes[storage.TypeBoolean]) >= threshold {
		return storage.TypeBoolean
	}
	if float64(votes[storage.TypeDatetime]) >= threshold {
		return storage.TypeDatetime
	}
	if float64(votes[storage.TypeInt]) >= threshold && votes[storage.TypeDouble] == 0 {
		return storage.TypeInt
	}
	if float64(votes[storage.TypeInt]+votes[storage.TypeDouble]) >= threshold {
		return storage.TypeDouble
	}
	return storage.TypeVarchar
}

// createTableIfAbsent issues a CREATE TABLE built from the inferred
// schema through the normal DDL path; a table that already exists
// (the catalog's ErrDuplicate) is left as-is.
func createTableIfAbsent(ctx context.Context, db *relstore.DB, tableName string, colNames []string, colTypes []storage.ColumnType) error {
	defs := make([]string, len(colNames))
	for i, name := range colNames {
		defs[i] = name + " " + columnTypeSQL(colTypes[i])
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", tableName, strings.Join(defs, ", "))
	if _, err := db.Execute(ctx, stmt); err != nil {
		if errors.Is(err, dberrors.ErrDuplicate) {
			return nil
		}
		return err
	}
	return nil
}

func columnTypeSQL(t storage.ColumnType) string {
	if t == storage.TypeVarchar {
		return "VARCHAR(255)"
	}
	return string(t)
}

// insertAllRecords runs one INSERT per row, batching BatchSize rows
// per transaction so a mid-batch conversion failure only rolls back
// the rows after the last commit.
func insertAllRecords(
	ctx context.Context,
	db *relstore.DB,
	tableName string,
	colNames []string,
	colTypes []storage.ColumnType,
	records [][]string,
	opts *ImportOptions,
) (inserted int64, skipped int64, errs []string) {
	colList := strings.Join(colNames, ", ")

	txn, err := db.BeginTransaction()
	if err != nil {
		return 0, 0, []string{err.Error()}
	}
	inBatch := 0

	commit := func() error {
		if inBatch == 0 {
			return nil
		}
		if err := txn.Commit(); err != nil {
			return err
		}
		inBatch = 0
		txn, err = db.BeginTransaction()
		return err
	}

	for rowNum, rec := range records {
		select {
		case <-ctx.Done():
			errs = append(errs, "import cancelled")
			_ = txn.Rollback()
			return inserted, skipped, errs
		default:
		}

		values, err := convertRow(rec, colTypes, opts)
		if err != nil {
			if opts.StrictTypes {
				errs = append(errs, fmt.Sprintf("row %d: %v", rowNum+1, err))
				_ = txn.Rollback()
				return inserted, skipped + 1, errs
			}
			errs = append(errs, fmt.Sprintf("row %d: %v (skipped)", rowNum+1, err))
			skipped++
			continue
		}

		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", tableName, colList, strings.Join(values, ", "))
		if _, err := txn.Execute(ctx, stmt); err != nil {
			errs = append(errs, fmt.Sprintf("row %d: %v", rowNum+1, err))
			skipped++
			continue
		}
		inserted++
		inBatch++

		if inBatch >= opts.BatchSize {
			if err := commit(); err != nil {
				errs = append(errs, err.Error())
				return inserted, skipped, errs
			}
		}
	}

	if inBatch > 0 {
		if err := txn.Commit(); err != nil {
			errs = append(errs, err.Error())
		}
	} else {
		_ = txn.Rollback()
	}
	return inserted, skipped, errs
}

// convertRow renders each field as a SQL literal in colTypes order,
// falling back to a quoted string literal when a value doesn't match
// its column's inferred type and StrictTypes is off.
func convertRow(rec []string, colTypes []storage.ColumnType, opts *ImportOptions) ([]string, error) {
	out := make([]string, len(colTypes))
	for i := range colTypes {
		var raw string
		if i < len(rec) {
			raw = rec[i]
		}
		lit, err := convertValue(raw, colTypes[i], opts.DateTimeFormats, opts.NullLiterals)
		if err != nil {
			if opts.StrictTypes {
				return nil, fmt.Errorf("column %d: %w", i+1, err)
			}
			lit = quoteString(raw)
		}
		out[i] = lit
	}
	return out, nil
}

func convertValue(val string, colType storage.ColumnType, dateFormats, nullLiterals []string) (string, error) {
	val = strings.TrimSpace(val)
	if isNullValue(val, nullLiterals) {
		return "NULL", nil
	}
	switch colType {
	case storage.TypeBoolean:
		b, err := parseBool(val)
		if err != nil {
			return "", err
		}
		if b {
			return "TRUE", nil
		}
		return "FALSE", nil
	case storage.TypeInt:
		n, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case storage.TypeFloat, storage.TypeDouble, storage.TypeDecimal:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return "", err
		}
		return strconv.FormatFloat(f, 'g', -1, 64), nil
	case storage.TypeDate, storage.TypeTime, storage.TypeDatetime, storage.TypeTimestamp:
		t, err := parseDateTime(val, dateFormats)
		if err != nil {
			return "", err
		}
		return quoteString(t.Format(time.RFC3339)), nil
	default:
		return quoteString(val), nil
	}
}

func parseBool(val string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	default:
		return strconv.ParseBool(val)
	}
}

func parseDateTime(val string, formats []string) (time.Time, error) {
	for _, layout := range formats {
		if t, err := time.Parse(layout, val); err == nil {
			return t, nil
		}
	}
	return time.Time{}, strconv.ErrSyntax
}

func quoteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
