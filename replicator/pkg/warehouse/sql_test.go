package warehouse

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReplicator_Warehouse_SQL(t *testing.T) {
	t.Parallel()

	staging, active := stagingNames("analytics.users")
	require.Equal(t, "stg_users", staging)
	require.Equal(t, "stg_users_active", active)

	require.Equal(t, []string{
		`CREATE TEMP TABLE "stg_users" (LIKE "analytics"."users")`,
		`ALTER TABLE "stg_users" ADD COLUMN "is_active" BOOLEAN`,
		`ALTER TABLE "stg_users" ADD COLUMN "load_seq" BIGINT`,
	}, createStagingSQL("analytics.users", staging))

	require.Equal(t,
		`DELETE FROM "analytics"."users" AS t USING "stg_users" AS s WHERE t."id" = s."id" AND t."ts" = s."ts" AND s."is_active" = FALSE`,
		deleteInactiveSQL("analytics.users", staging, []string{"id", "ts"}))

	require.Equal(t,
		`CREATE TEMP TABLE "stg_users_active" AS SELECT "id", "v" FROM (SELECT "id", "v", "is_active", ROW_NUMBER() OVER (PARTITION BY "id" ORDER BY "load_seq" DESC) AS rn FROM "stg_users") ranked WHERE rn = 1 AND "is_active" IS NOT FALSE`,
		buildActiveSQL(staging, active, []string{"id", "v"}, []string{"id"}))

	require.Equal(t,
		`MERGE INTO "analytics"."users" AS t USING "stg_users_active" AS s ON t."id" = s."id" WHEN MATCHED THEN UPDATE SET "v" = s."v" WHEN NOT MATCHED THEN INSERT ("id", "v") VALUES (s."id", s."v")`,
		mergeSQL("analytics.users", active, []string{"id", "v"}, []string{"id"}))

	require.Equal(t,
		`MERGE INTO "analytics"."links" AS t USING "stg_links_active" AS s ON t."a" = s."a" AND t."b" = s."b" WHEN MATCHED THEN DO NOTHING WHEN NOT MATCHED THEN INSERT ("a", "b") VALUES (s."a", s."b")`,
		mergeSQL("analytics.links", "stg_links_active", []string{"a", "b"}, []string{"a", "b"}))

	require.Equal(t, `TRUNCATE "analytics"."users"`, truncateSQL("analytics.users"))
	require.Equal(t, `INSERT INTO "analytics"."users" ("id", "v") SELECT "id", "v" FROM "stg_users"`, insertAllSQL("analytics.users", staging, []string{"id", "v"}))
	require.Equal(t, `ALTER TABLE "stg_users" DROP COLUMN "is_active"`, dropColumnSQL(staging, activeColumn))
	require.Equal(t, `DROP TABLE IF EXISTS "stg_users_active"`, dropTableSQL(active))

	// Identifiers are quoted, never interpolated raw.
	require.Equal(t, `"a""; DROP TABLE x; --"`, quote(`a"; DROP TABLE x; --`))
}
