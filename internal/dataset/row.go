package dataset

import (
	"strings"

	"github.com/shopspring/decimal"
)

// keySep joins key column values into one map key. US control character,
// never present in exchange data.
const keySep = "\x1f"

// Row is one observation as a column-name → value mapping. The column set is
// family-dependent, so rows stay schemaless; key columns give them identity.
type Row map[string]string

// Key builds the composite merge key from the given columns.
func (r Row) Key(keyCols []string) string {
	parts := make([]string, len(keyCols))
	for i, col := range keyCols {
		parts[i] = r[col]
	}
	return strings.Join(parts, keySep)
}

// HasKey reports whether every key column carries a non-empty value.
func (r Row) HasKey(keyCols []string) bool {
	for _, col := range keyCols {
		if strings.TrimSpace(r[col]) == "" {
			return false
		}
	}
	return true
}

// Decimal parses a numeric column. Thousands separators are tolerated.
func (r Row) Decimal(col string) (decimal.Decimal, error) {
	return decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(r[col]), ",", ""))
}

// Clone returns an independent copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// FillMissingDates writes value into rows whose date column is absent or
// empty and returns how many rows were patched. 풋옵션 응답처럼 날짜 컬럼이
// 빠진 행을 병합 전에 보정하는 용도다.
func FillMissingDates(rows []Row, dateCol, value string) int {
	patched := 0
	for _, row := range rows {
		if strings.TrimSpace(row[dateCol]) == "" {
			row[dateCol] = value
			patched++
		}
	}
	return patched
}
