package engine

import (
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// foldKeyword uppercases a raw identifier for keyword lookup using a
// locale-aware caser rather than a byte-range ASCII fold, so
// identifiers spelled with accented letters still fold correctly
// before the keyword-table lookup.
var upperCaser = cases.Upper(language.Und)

func foldKeyword(raw string) string {
	return upperCaser.String(raw)
}
