package writer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/leapstack-labs/sparkify-lake/internal/adapter"
	"github.com/leapstack-labs/sparkify-lake/internal/etlerr"
	"github.com/leapstack-labs/sparkify-lake/internal/storage"
	"github.com/leapstack-labs/sparkify-lake/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*adapter.DuckDBAdapter, *Writer) {
	t.Helper()
	ctx := context.Background()

	db := adapter.NewDuckDBAdapter(testutil.NewTestLogger(t))
	require.NoError(t, db.Connect(ctx, adapter.Config{}))
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, db.Exec(ctx, `CREATE TABLE songs AS SELECT * FROM (VALUES
		('S1', 'One', 'A1', 2001, 120.5),
		('S2', 'Two', 'A1', 2001, 200.0),
		('S3', 'Three', 'A2', 0, 99.9)
	) t(song_id, title, artist_id, "year", duration)`))
	require.NoError(t, db.Exec(ctx, `CREATE TABLE users AS SELECT * FROM (VALUES
		('10', 'Sophie', 'free'),
		('26', 'Ryan', 'paid')
	) t(userId, firstName, "level")`))

	stores := &storage.Resolver{Local: storage.NewLocalStore(testutil.NewTestLogger(t))}
	w, err := New(db, stores, Config{RunID: "run-1", Logger: testutil.NewTestLogger(t)})
	require.NoError(t, err)
	return db, w
}

func readBack(t *testing.T, db adapter.Adapter, pattern string) int64 {
	t.Helper()
	n, err := db.QueryInt64(context.Background(),
		"SELECT count(*) FROM read_parquet("+adapter.QuoteLiteral(pattern)+", hive_partitioning = true)")
	require.NoError(t, err)
	return n
}

func TestWriter_Partitioned(t *testing.T) {
	ctx := context.Background()
	db, w := setup(t)
	out := t.TempDir()
	final := storage.Location{Path: filepath.Join(out, "songs_table")}

	res, err := w.Write(ctx, Table{
		Relation:    "songs",
		Output:      final,
		Columns:     []string{"song_id", "title", "artist_id", "year", "duration"},
		PartitionBy: []string{"year", "artist_id"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Rows)
	assert.Equal(t, final.String(), res.Location)

	assert.DirExists(t, filepath.Join(final.Path, "year=2001", "artist_id=A1"))
	assert.DirExists(t, filepath.Join(final.Path, "year=0", "artist_id=A2"))
	assert.Equal(t, int64(3), readBack(t, db, filepath.Join(final.Path, "**", "*.parquet")))
	assert.NoDirExists(t, filepath.Join(out, storage.StagingDir, "run-1", "songs_table"))
}

func TestWriter_UnpartitionedSingleFile(t *testing.T) {
	ctx := context.Background()
	db, w := setup(t)
	final := storage.Location{Path: filepath.Join(t.TempDir(), "users_table")}

	_, err := w.Write(ctx, Table{Relation: "users", Output: final})
	require.NoError(t, err)

	file := filepath.Join(final.Path, SingleFileName)
	assert.FileExists(t, file)
	assert.Equal(t, int64(2), readBack(t, db, file))
}

func TestWriter_OverwritesPreviousContent(t *testing.T) {
	ctx := context.Background()
	db, w := setup(t)
	final := storage.Location{Path: filepath.Join(t.TempDir(), "songs_table")}
	table := Table{Relation: "songs", Output: final, PartitionBy: []string{"year", "artist_id"}}

	// a stale partition from a previous run must not survive
	stale := filepath.Join(final.Path, "year=1999", "artist_id=OLD")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "data_0.parquet"), []byte("stale"), 0o600))

	_, err := w.Write(ctx, table)
	require.NoError(t, err)
	assert.NoDirExists(t, stale)

	// writing twice leaves the same row count, never appends
	_, err = w.Write(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, int64(3), readBack(t, db, filepath.Join(final.Path, "**", "*.parquet")))
}

func TestWriter_FailureKeepsPreviousContent(t *testing.T) {
	ctx := context.Background()
	_, w := setup(t)
	out := t.TempDir()
	final := storage.Location{Path: filepath.Join(out, "artists_table")}
	require.NoError(t, os.MkdirAll(final.Path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(final.Path, SingleFileName), []byte("previous"), 0o600))

	_, err := w.Write(ctx, Table{Relation: "artists", Output: final})
	require.Error(t, err)
	assert.True(t, errors.Is(err, etlerr.WriteFailure))

	data, err := os.ReadFile(filepath.Join(final.Path, SingleFileName))
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))
	assert.NoDirExists(t, filepath.Join(out, storage.StagingDir, "run-1", "artists_table"))
}

func TestWriter_NoStoreForRemote(t *testing.T) {
	_, w := setup(t)
	_, err := w.Write(context.Background(), Table{
		Relation: "users",
		Output:   storage.Location{Bucket: "lake", Path: "out/users_table"},
	})
	assert.True(t, errors.Is(err, etlerr.WriteFailure))
}

func TestNew_Compression(t *testing.T) {
	stores := &storage.Resolver{}

	w, err := New(nil, stores, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultCompression, w.compression)

	w, err = New(nil, stores, Config{Compression: "ZSTD"})
	require.NoError(t, err)
	assert.Equal(t, "zstd", w.compression)

	_, err = New(nil, stores, Config{Compression: "rar"})
	assert.Error(t, err)
}

func TestWriter_CopySQL(t *testing.T) {
	w := &Writer{compression: "snappy"}

	tests := []struct {
		name    string
		table   Table
		target  storage.Location
		inPlace bool
		want    string
	}{
		{
			name:   "local unpartitioned",
			table:  Table{Relation: "users"},
			target: storage.Location{Path: "/out/.staging/r/users_table"},
			want:   `COPY (SELECT * FROM "users") TO '/out/.staging/r/users_table/data.parquet' (FORMAT PARQUET, COMPRESSION snappy)`,
		},
		{
			name:    "s3 partitioned",
			table:   Table{Relation: "time", Columns: []string{"ts", "year", "month"}, PartitionBy: []string{"year", "month"}},
			target:  storage.Location{Bucket: "lake", Path: "out/time_table"},
			inPlace: true,
			want: `COPY (SELECT "ts", "year", "month" FROM "time") TO 's3://lake/out/time_table' ` +
				`(FORMAT PARQUET, COMPRESSION snappy, PARTITION_BY ("year", "month"), OVERWRITE_OR_IGNORE true)`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, w.copySQL(tt.table, tt.target, tt.inPlace))
		})
	}
}
