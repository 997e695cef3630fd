package filecache

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/contestms/grading/go/testutils/unittest"
	"github.com/contestms/grading/go/types"
)

func setup(t *testing.T) (context.Context, *FileCacher, *MemBackend, func()) {
	tmp, err := ioutil.TempDir("", "filecache_test_")
	require.NoError(t, err)
	backend := NewMemBackend()
	fc, err := New(backend, filepath.Join(tmp, "cache"))
	require.NoError(t, err)
	return context.Background(), fc, backend, func() {
		_ = os.RemoveAll(tmp)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	unittest.SmallTest(t)
	ctx, fc, _, cleanup := setup(t)
	defer cleanup()

	contents := []byte("some testcase input\n")
	digest, err := fc.PutBytes(ctx, contents, "input for t1")
	require.NoError(t, err)
	require.Equal(t, types.DigestOf(contents), digest)

	got, err := fc.GetBytes(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, contents, got)

	// Successive reads return identical bytes.
	got2, err := fc.GetBytes(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, got, got2)
}

func TestPutIdempotent(t *testing.T) {
	unittest.SmallTest(t)
	ctx, fc, _, cleanup := setup(t)
	defer cleanup()

	contents := []byte("same bytes")
	d1, err := fc.PutBytes(ctx, contents, "")
	require.NoError(t, err)
	d2, err := fc.PutBytes(ctx, contents, "")
	require.NoError(t, err)
	require.Equal(t, d1, d2)
}

func TestGetUnknownDigest(t *testing.T) {
	unittest.SmallTest(t)
	ctx, fc, _, cleanup := setup(t)
	defer cleanup()

	_, err := fc.GetBytes(ctx, types.DigestOf([]byte("never stored")))
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestTombstone(t *testing.T) {
	unittest.SmallTest(t)
	ctx, fc, _, cleanup := setup(t)
	defer cleanup()

	digest, err := fc.PutBytes(ctx, []byte("doomed"), "")
	require.NoError(t, err)
	require.NoError(t, fc.Tombstone(ctx, digest))

	_, err = fc.GetBytes(ctx, digest)
	require.True(t, errors.Is(err, ErrTombstone))

	exists, err := fc.Exists(ctx, digest)
	require.NoError(t, err)
	require.False(t, exists)

	// The tombstone sentinel digest is always tombstoned.
	_, err = fc.Get(ctx, types.TombstoneDigest)
	require.True(t, errors.Is(err, ErrTombstone))
}

func TestGetToPath(t *testing.T) {
	unittest.SmallTest(t)
	ctx, fc, _, cleanup := setup(t)
	defer cleanup()

	contents := []byte("materialize me")
	digest, err := fc.PutBytes(ctx, contents, "")
	require.NoError(t, err)

	dir, err := ioutil.TempDir("", "filecache_dst_")
	require.NoError(t, err)
	defer func() {
		_ = os.RemoveAll(dir)
	}()
	dst := filepath.Join(dir, "input.txt")
	require.NoError(t, fc.GetToPath(ctx, digest, dst))
	got, err := ioutil.ReadFile(dst)
	require.NoError(t, err)
	require.Equal(t, contents, got)
}

func TestRefillFromBackend(t *testing.T) {
	unittest.SmallTest(t)
	ctx, fc, _, cleanup := setup(t)
	defer cleanup()

	contents := []byte("backend only")
	digest, err := fc.PutBytes(ctx, contents, "")
	require.NoError(t, err)

	// Evict the blob from the local cache; the read refills from the
	// backend.
	require.NoError(t, os.Remove(fc.cachePath(digest)))
	got, err := fc.GetBytes(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, contents, got)
}

func TestDescribe(t *testing.T) {
	unittest.SmallTest(t)
	ctx, fc, _, cleanup := setup(t)
	defer cleanup()

	digest, err := fc.PutBytes(ctx, []byte("blob"), "submission 17 source")
	require.NoError(t, err)
	desc, err := fc.Describe(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, "submission 17 source", desc)
}

func TestFSBackend(t *testing.T) {
	unittest.MediumTest(t)
	tmp, err := ioutil.TempDir("", "fsbackend_test_")
	require.NoError(t, err)
	defer func() {
		_ = os.RemoveAll(tmp)
	}()
	backend, err := NewFSBackend(filepath.Join(tmp, "store"))
	require.NoError(t, err)
	fc, err := New(backend, filepath.Join(tmp, "cache"))
	require.NoError(t, err)
	ctx := context.Background()

	contents := []byte("fs backend blob")
	digest, err := fc.PutBytes(ctx, contents, "a description")
	require.NoError(t, err)

	got, err := fc.GetBytes(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, contents, got)

	desc, err := backend.Describe(ctx, digest)
	require.NoError(t, err)
	require.Equal(t, "a description", desc)

	require.NoError(t, backend.Tombstone(ctx, digest))
	_, err = backend.Get(ctx, digest)
	require.True(t, errors.Is(err, ErrTombstone))
}
