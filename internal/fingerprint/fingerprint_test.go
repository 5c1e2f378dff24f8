package fingerprint

import (
	"context"
	"database/sql"
	"testing"

	"github.com/leapstack-labs/sparkify-lake/internal/adapter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *adapter.DuckDBAdapter {
	t.Helper()
	db := adapter.NewDuckDBAdapter(nil)
	require.NoError(t, db.Connect(context.Background(), adapter.Config{}))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func hash(t *testing.T, db adapter.Adapter, table string, exclude ...string) *Fingerprint {
	t.Helper()
	fp, err := Table(context.Background(), db, table, exclude...)
	require.NoError(t, err)
	return fp
}

func TestTable_OrderInsensitive(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	require.NoError(t, db.Exec(ctx, `CREATE TABLE a AS SELECT * FROM (VALUES (1, 'x'), (2, 'y'), (3, NULL)) t(id, v)`))
	require.NoError(t, db.Exec(ctx, `CREATE TABLE b AS SELECT * FROM a ORDER BY id DESC`))

	fa, fb := hash(t, db, "a"), hash(t, db, "b")
	assert.Equal(t, fa.Hash, fb.Hash)
	assert.Equal(t, int64(3), fa.Rows)
	assert.Len(t, fa.Hash, 16)
}

func TestTable_ContentSensitive(t *testing.T) {
	tests := []struct {
		name  string
		other string
	}{
		{"changed value", `VALUES (1, 'x'), (2, 'z')`},
		{"null vs empty", `VALUES (1, 'x'), (2, '')`},
		{"duplicate row", `VALUES (1, 'x'), (2, NULL), (2, NULL)`},
		{"extra null row", `VALUES (1, 'x'), (2, NULL), (NULL, NULL)`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			db := newDB(t)
			require.NoError(t, db.Exec(ctx, `CREATE TABLE base AS SELECT * FROM (VALUES (1, 'x'), (2, NULL)) t(id, v)`))
			require.NoError(t, db.Exec(ctx, `CREATE TABLE other AS SELECT * FROM (`+tt.other+`) t(id, v)`))

			assert.NotEqual(t, hash(t, db, "base").Hash, hash(t, db, "other").Hash)
		})
	}
}

func TestTable_ExcludedColumns(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	require.NoError(t, db.Exec(ctx, `CREATE TABLE r1 AS SELECT * FROM (VALUES (1, 'a'), (2, 'b')) t(songplay_id, v)`))
	require.NoError(t, db.Exec(ctx, `CREATE TABLE r2 AS SELECT * FROM (VALUES (7, 'b'), (9, 'a')) t(songplay_id, v)`))

	assert.NotEqual(t, hash(t, db, "r1").Hash, hash(t, db, "r2").Hash)
	assert.Equal(t, hash(t, db, "r1", "songplay_id").Hash, hash(t, db, "r2", "SONGPLAY_ID").Hash)

	_, err := Table(ctx, db, "r1", "songplay_id", "v")
	assert.Error(t, err)
}

func TestTable_Empty(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	require.NoError(t, db.Exec(ctx, `CREATE TABLE e (id INTEGER)`))

	fp := hash(t, db, "e")
	assert.Equal(t, "0000000000000000", fp.Hash)
	assert.Zero(t, fp.Rows)

	_, err := Table(ctx, db, "missing")
	assert.Error(t, err)
}

func TestEncodeRow(t *testing.T) {
	got := encodeRow(nil, []sql.NullString{{String: "a", Valid: true}, {}, {String: "", Valid: true}})
	assert.Equal(t, []byte{'a', fieldSep, nullField, fieldSep}, got)
}
