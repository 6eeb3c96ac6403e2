package warehouse

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

const (
	activeColumn = "is_active"
	seqColumn    = "load_seq"
)

// tableIdent splits an optionally schema-qualified table name.
func tableIdent(table string) pgx.Identifier {
	return pgx.Identifier(strings.Split(table, "."))
}

func sanitizeTable(table string) string {
	return tableIdent(table).Sanitize()
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteAll(names []string) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = quote(n)
	}
	return out
}

// stagingNames returns the staging and deduplicated staging table names for
// target.
func stagingNames(target string) (staging, active string) {
	parts := strings.Split(target, ".")
	base := "stg_" + parts[len(parts)-1]
	return base, base + "_active"
}

func createStagingSQL(target, staging string) []string {
	return []string{
		fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s)", quote(staging), sanitizeTable(target)),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s BOOLEAN", quote(staging), quote(activeColumn)),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s BIGINT", quote(staging), quote(seqColumn)),
	}
}

func keyMatch(left, right string, keys []string) string {
	conds := make([]string, len(keys))
	for i, k := range keys {
		conds[i] = fmt.Sprintf("%s.%s = %s.%s", left, quote(k), right, quote(k))
	}
	return strings.Join(conds, " AND ")
}

func deleteInactiveSQL(target, staging string, keys []string) string {
	return fmt.Sprintf(
		"DELETE FROM %s AS t USING %s AS s WHERE %s AND s.%s = FALSE",
		sanitizeTable(target), quote(staging), keyMatch("t", "s", keys), quote(activeColumn),
	)
}

// buildActiveSQL keeps, per key, only the record with the highest load_seq
// and drops it when that record is a deletion. Inactive rows take part in the
// ranking, so a key whose latest record is a deletion stays deleted even when
// an earlier record in the same batch was active. Discarding inactive rows
// before de-duplicating would instead resurrect that earlier image. The result
// has no helper columns.
func buildActiveSQL(staging, active string, cols, keys []string) string {
	colList := strings.Join(quoteAll(cols), ", ")
	return fmt.Sprintf(
		"CREATE TEMP TABLE %s AS SELECT %s FROM (SELECT %s, %s, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY %s DESC) AS rn FROM %s) ranked WHERE rn = 1 AND %s IS NOT FALSE",
		quote(active), colList, colList, quote(activeColumn),
		strings.Join(quoteAll(keys), ", "), quote(seqColumn), quote(staging), quote(activeColumn),
	)
}

func dropColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", quote(table), quote(column))
}

func mergeSQL(target, active string, cols, keys []string) string {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	var sets []string
	for _, c := range cols {
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = s.%s", quote(c), quote(c)))
		}
	}
	values := make([]string, len(cols))
	for i, c := range cols {
		values[i] = "s." + quote(c)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS t USING %s AS s ON %s", sanitizeTable(target), quote(active), keyMatch("t", "s", keys))
	if len(sets) > 0 {
		fmt.Fprintf(&b, " WHEN MATCHED THEN UPDATE SET %s", strings.Join(sets, ", "))
	} else {
		b.WriteString(" WHEN MATCHED THEN DO NOTHING")
	}
	fmt.Fprintf(&b, " WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)", strings.Join(quoteAll(cols), ", "), strings.Join(values, ", "))
	return b.String()
}

func truncateSQL(target string) string {
	return fmt.Sprintf("TRUNCATE %s", sanitizeTable(target))
}

func insertAllSQL(target, staging string, cols []string) string {
	colList := strings.Join(quoteAll(cols), ", ")
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s", sanitizeTable(target), colList, colList, quote(staging))
}

func dropTableSQL(table string) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", quote(table))
}
