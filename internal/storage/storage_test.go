package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/leapstack-labs/sparkify-lake/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		remote  bool
		wantErr bool
	}{
		{name: "s3", raw: "s3://udacity-dend/", want: "s3://udacity-dend", remote: true},
		{name: "s3a normalized", raw: "s3a://udacity-dend/song_data", want: "s3://udacity-dend/song_data", remote: true},
		{name: "nested key", raw: "s3://lake/out/v1/", want: "s3://lake/out/v1", remote: true},
		{name: "absolute local", raw: "/data/in", want: "/data/in"},
		{name: "no bucket", raw: "s3:///key", wantErr: true},
		{name: "unknown scheme", raw: "gs://bucket/key", wantErr: true},
		{name: "empty", raw: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loc, err := Parse(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, loc.String())
			assert.Equal(t, tt.remote, loc.IsRemote())
		})
	}
}

func TestParse_RelativeLocalIsAbsolute(t *testing.T) {
	loc, err := Parse("data/out")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(loc.Path))
}

func TestLocation_Join(t *testing.T) {
	remote := Location{Bucket: "lake", Path: "out"}
	assert.Equal(t, "s3://lake/out/songs_table", remote.Join("songs_table").String())
	assert.Equal(t, "s3://lake/song_data/**/*.json", Location{Bucket: "lake"}.Join("song_data/**/*.json").String())
	assert.Equal(t, "out/songs_table/", remote.Join("songs_table").Prefix())

	local := Location{Path: "/data"}
	assert.Equal(t, filepath.Join("/data", "log_data", "*.json"), local.Join("log_data", "*.json").String())
}

func TestLocalStore_StageAndCommit(t *testing.T) {
	ctx := context.Background()
	out := t.TempDir()
	store := NewLocalStore(testutil.NewTestLogger(t))
	final := Location{Path: filepath.Join(out, "users_table")}

	// previous run's content
	require.NoError(t, os.MkdirAll(final.Path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(final.Path, "stale.parquet"), []byte("old"), 0o600))

	target, err := store.Prepare(ctx, final, "run-1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, StagingDir, "run-1", "users_table"), target.Path)
	assert.DirExists(t, target.Path)

	// previous content still visible while staging
	assert.FileExists(t, filepath.Join(final.Path, "stale.parquet"))

	require.NoError(t, os.WriteFile(filepath.Join(target.Path, "data.parquet"), []byte("new"), 0o600))
	require.NoError(t, store.Commit(ctx, target, final))

	assert.FileExists(t, filepath.Join(final.Path, "data.parquet"))
	assert.NoFileExists(t, filepath.Join(final.Path, "stale.parquet"))
	assert.NoDirExists(t, target.Path)

	require.NoError(t, store.Release(ctx, Location{Path: out}, "run-1"))
	assert.NoDirExists(t, filepath.Join(out, StagingDir))
}

func TestLocalStore_CommitWithoutPrevious(t *testing.T) {
	ctx := context.Background()
	out := t.TempDir()
	store := NewLocalStore(nil)
	final := Location{Path: filepath.Join(out, "time_table")}

	target, err := store.Prepare(ctx, final, "run-2")
	require.NoError(t, err)
	require.NoError(t, store.Commit(ctx, target, final))
	assert.DirExists(t, final.Path)
}

func TestLocalStore_Abort(t *testing.T) {
	ctx := context.Background()
	out := t.TempDir()
	store := NewLocalStore(nil)
	final := Location{Path: filepath.Join(out, "songs_table")}
	require.NoError(t, os.MkdirAll(final.Path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(final.Path, "keep.parquet"), []byte("old"), 0o600))

	target, err := store.Prepare(ctx, final, "run-3")
	require.NoError(t, err)
	require.NoError(t, store.Abort(ctx, target))

	assert.NoDirExists(t, target.Path)
	assert.FileExists(t, filepath.Join(final.Path, "keep.parquet"))
}

// fakeS3 is an in-memory bucket implementing the calls ObjectClient makes.
type fakeS3 struct {
	s3iface.S3API
	objects   map[string]bool
	deleteErr error
	batches   int
}

func newFakeS3(keys ...string) *fakeS3 {
	f := &fakeS3{objects: map[string]bool{}}
	for _, k := range keys {
		f.objects[k] = true
	}
	return f
}

func (f *fakeS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input,
	fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option,
) error {
	page := &s3.ListObjectsV2Output{}
	for k := range f.objects {
		if strings.HasPrefix(k, aws.StringValue(in.Prefix)) {
			page.Contents = append(page.Contents, &s3.Object{Key: aws.String(k)})
		}
	}
	fn(page, true)
	return nil
}

func (f *fakeS3) DeleteObjectsWithContext(_ aws.Context, in *s3.DeleteObjectsInput, _ ...request.Option) (*s3.DeleteObjectsOutput, error) {
	if f.deleteErr != nil {
		return nil, f.deleteErr
	}
	f.batches++
	for _, o := range in.Delete.Objects {
		delete(f.objects, aws.StringValue(o.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestObjectClient_DeletePrefix(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3(
		"out/songs_table/year=1974/artist_id=AR1/data_0.parquet",
		"out/songs_table/year=0/artist_id=AR2/data_0.parquet",
		"out/songs_table_backup/data.parquet",
		"out/users_table/data.parquet",
	)
	client := NewObjectClient(api, testutil.NewTestLogger(t))

	n, err := client.DeletePrefix(ctx, Location{Bucket: "lake", Path: "out/songs_table"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, api.objects, 2)
	assert.True(t, api.objects["out/songs_table_backup/data.parquet"])
	assert.True(t, api.objects["out/users_table/data.parquet"])
}

func TestObjectClient_DeletePrefixBatches(t *testing.T) {
	keys := make([]string, 0, 2500)
	for i := range 2500 {
		keys = append(keys, fmt.Sprintf("out/time_table/part-%04d.parquet", i))
	}
	api := newFakeS3(keys...)
	client := NewObjectClient(api, nil)

	n, err := client.DeletePrefix(context.Background(), Location{Bucket: "lake", Path: "out/time_table"})
	require.NoError(t, err)
	assert.Equal(t, 2500, n)
	assert.Equal(t, 3, api.batches)
	assert.Empty(t, api.objects)
}

func TestObjectClient_DeletePrefixErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("bucket root", func(t *testing.T) {
		client := NewObjectClient(newFakeS3(), nil)
		_, err := client.DeletePrefix(ctx, Location{Bucket: "lake"})
		assert.Error(t, err)
	})

	t.Run("api failure", func(t *testing.T) {
		api := newFakeS3("out/x/a.parquet")
		api.deleteErr = errors.New("access denied")
		client := NewObjectClient(api, nil)
		_, err := client.DeletePrefix(ctx, Location{Bucket: "lake", Path: "out/x"})
		assert.ErrorContains(t, err, "access denied")
	})
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	api := newFakeS3("out/artists_table/data.parquet")
	store := NewS3Store(NewObjectClient(api, nil), nil)
	final := Location{Bucket: "lake", Path: "out/artists_table"}

	target, err := store.Prepare(ctx, final, "run-1")
	require.NoError(t, err)
	assert.Equal(t, final, target)
	assert.Empty(t, api.objects)
	assert.True(t, store.InPlace())
	assert.NoError(t, store.Commit(ctx, target, final))
	assert.NoError(t, store.Release(ctx, Location{Bucket: "lake", Path: "out"}, "run-1"))
}

func TestResolver(t *testing.T) {
	r := &Resolver{Local: NewLocalStore(nil)}

	s, err := r.For(Location{Path: "/tmp/out"})
	require.NoError(t, err)
	assert.False(t, s.InPlace())

	_, err = r.For(Location{Bucket: "lake", Path: "out"})
	assert.Error(t, err)
}
