package warehouse

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/tidwall/gjson"
)

// Column is a target table column and its base type name (pg_type.typname).
type Column struct {
	Name string
	Type string
}

const describeColumnsSQL = `
SELECT a.attname, t.typname
FROM pg_attribute a
JOIN pg_type t ON t.oid = a.atttypid
WHERE a.attrelid = $1::text::regclass
  AND a.attnum > 0
  AND NOT a.attisdropped
ORDER BY a.attnum`

func describeColumns(ctx context.Context, tx pgx.Tx, table string) ([]Column, error) {
	rows, err := tx.Query(ctx, describeColumnsSQL, sanitizeTable(table))
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", table, err)
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Column, error) {
		var c Column
		err := row.Scan(&c.Name, &c.Type)
		return c, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe %s: %w", table, err)
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("table %s has no columns", table)
	}
	return cols, nil
}

// convertValue turns the JSON value at a column path into a value that can
// be copied into a column of type col.Type. Missing values and JSON null
// become NULL.
func convertValue(v gjson.Result, col Column, formatTime string) (any, error) {
	if !v.Exists() || v.Type == gjson.Null {
		return nil, nil
	}
	switch col.Type {
	case "int2", "int4", "int8":
		if v.Type == gjson.Number {
			if n, err := strconv.ParseInt(v.Raw, 10, 64); err == nil {
				return n, nil
			}
			// Exponent or fractional forms such as 1e3 and 5.0.
			f := v.Float()
			if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
				return nil, fmt.Errorf("value %s is not an integer", v.Raw)
			}
			return int64(f), nil
		}
		return strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
	case "float4", "float8":
		if v.Type == gjson.Number {
			return v.Float(), nil
		}
		return strconv.ParseFloat(strings.TrimSpace(v.String()), 64)
	case "numeric":
		var n pgtype.Numeric
		if err := n.Scan(strings.TrimSpace(v.String())); err != nil {
			return nil, fmt.Errorf("value %s is not numeric: %w", v.Raw, err)
		}
		return n, nil
	case "bool":
		switch v.Type {
		case gjson.True, gjson.False:
			return v.Bool(), nil
		}
		return strconv.ParseBool(strings.TrimSpace(v.String()))
	case "timestamp", "timestamptz", "date":
		return parseTime(v, formatTime)
	case "json", "jsonb":
		return v.Raw, nil
	default:
		if v.Type == gjson.String {
			return v.String(), nil
		}
		return v.Raw, nil
	}
}

var autoTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// parseTime interprets format as "auto", "epochsecs", "epochmillisecs" or a
// Go time layout.
func parseTime(v gjson.Result, format string) (time.Time, error) {
	s := strings.TrimSpace(v.String())
	switch format {
	case "", "auto":
		for _, layout := range autoTimeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			return epochSeconds(secs), nil
		}
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	case "epochsecs":
		secs, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch seconds %q: %w", s, err)
		}
		return epochSeconds(secs), nil
	case "epochmillisecs":
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid epoch milliseconds %q: %w", s, err)
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		t, err := time.Parse(format, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("time %q does not match %q: %w", s, format, err)
		}
		return t.UTC(), nil
	}
}

func epochSeconds(secs float64) time.Time {
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*1e3).UTC()
}
