package schema

import (
	"fmt"
	"strings"

	"github.com/odxtools/odetl/internal/etlerr"
)

// ConvertRow coerces a row of MySQL-shaped scalars into values the PostgreSQL
// driver can bind for this definition's column types. MySQL hands back
// TINYINT(1) as an integer and most text as []byte; boolean columns become
// bool and textual columns become string. Binary columns stay []byte.
func (d *Definition) ConvertRow(row []any) ([]any, error) {
	if len(row) != len(d.Columns) {
		return nil, etlerr.ForTable(etlerr.KindDataLoading, "schema.convert", d.Table,
			fmt.Errorf("row has %d values, table has %d columns", len(row), len(d.Columns)))
	}

	out := make([]any, len(row))
	for i, v := range row {
		if v == nil {
			out[i] = nil
			continue
		}
		converted, err := convertValue(v, d.Columns[i].PGType)
		if err != nil {
			return nil, etlerr.ForTable(etlerr.KindDataLoading, "schema.convert", d.Table,
				fmt.Errorf("column %s: %w", d.Columns[i].Name, err))
		}
		out[i] = converted
	}
	return out, nil
}

func convertValue(v any, pgType string) (any, error) {
	base := baseType(pgType)
	switch base {
	case "boolean":
		return toBool(v)
	case "bytea", "bit":
		return v, nil
	default:
		// Everything else binds fine as a string; the server parses
		// numerics, timestamps and json from their text form.
		if b, ok := v.([]byte); ok {
			return string(b), nil
		}
		return v, nil
	}
}

func toBool(v any) (any, error) {
	switch n := v.(type) {
	case bool:
		return n, nil
	case int64:
		return n != 0, nil
	case int:
		return n != 0, nil
	case []byte:
		return parseBoolText(string(n))
	case string:
		return parseBoolText(n)
	default:
		return nil, fmt.Errorf("cannot convert %T to boolean", v)
	}
}

func parseBoolText(s string) (any, error) {
	switch strings.TrimSpace(s) {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return nil, fmt.Errorf("cannot convert %q to boolean", s)
	}
}
