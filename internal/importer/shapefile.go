package importer

import (
	"context"
	"encoding/json"
	"fmt"

	shp "github.com/jonas-p/go-shp"

	"github.com/sjpalmer/relstore"
	"github.com/sjpalmer/relstore/internal/storage"
)

// ImportShapefile reads a .shp/.dbf pair and loads one row per feature
// into tableName: every DBF attribute field becomes its own VARCHAR
// column, plus a "geometry" column holding the feature's coordinates
// as GeoJSON-shaped JSON text. Rows go through the same INSERT path as
// ImportCSV, so they're constraint- and index-checked like any other
// write.
func ImportShapefile(ctx context.Context, db *relstore.DB, tableName string, filePath string, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}
	applyDefaults(opts)
	if opts.TableName != "" {
		tableName = opts.TableName
	}

	r, err := shp.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("importer: open shapefile: %w", err)
	}
	defer r.Close()

	fields := r.Fields()
	attrNames := make([]string, len(fields))
	for i, f := range fields {
		attrNames[i] = f.String()
	}
	colNames := append(sanitizeColumnNames(attrNames), "geometry")

	colTypes := make([]storage.ColumnType, len(colNames))
	for i := range colTypes {
		colTypes[i] = storage.TypeVarchar
	}

	result := &ImportResult{
		Errors:      make([]string, 0),
		HadHeader:   true,
		Encoding:    "utf-8",
		ColumnNames: colNames,
		ColumnTypes: colTypes,
	}

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

	var records [][]string
	for r.Next() {
		idx, shape := r.Shape()
		rec := make([]string, len(attrNames)+1)
		for fi := range attrNames {
			rec[fi] = r.ReadAttribute(idx, fi)
		}
		geom, err := shapeGeometryJSON(shape)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("feature %d: %v", idx, err))
			continue
		}
		rec[len(attrNames)] = geom
		records = append(records, rec)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("importer: no features found in shapefile")
	}

	inserted, skipped, errs := insertAllRecords(ctx, db, tableName, colNames, colTypes, records, opts)
	result.RowsInserted = inserted
	result.RowsSkipped = skipped
	result.Errors = append(result.Errors, errs...)
	return result, nil
}

func shapeGeometryJSON(shape shp.Shape) (string, error) {
	var geom any
	switch s := shape.(type) {
	case *shp.Point:
		geom = map[string]any{"type": "Point", "coordinates": []float64{s.X, s.Y}}
	case *shp.PolyLine:
		coords := make([][]float64, len(s.Points))
		for i, p := range s.Points {
			coords[i] = []float64{p.X, p.Y}
		}
		geom = map[string]any{"type": "LineString", "coordinates": coords}
	case *shp.Polygon:
		ring := make([][]float64, len(s.Points))
		for i, p := range s.Points {
			ring[i] = []float64{p.X, p.Y}
		}
		geom = map[string]any{"type": "Polygon", "coordinates": []any{ring}}
	default:
		geom = nil
	}
	b, err := json.Marshal(geom)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
