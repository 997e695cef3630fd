// Package filecache implements the content-addressed file store which moves
// large inputs and outputs between the orchestrator and the workers without a
// shared filesystem.
//
// Blobs are identified by the SHA-1 of their contents. A FileCacher keeps a
// local file-system cache in front of an authoritative Backend; reads
// transparently refill the cache from the backend, and writes are durable in
// the backend before the digest is returned.
package filecache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/contestms/grading/go/sklog"
	"github.com/contestms/grading/go/types"
	"github.com/contestms/grading/go/util"
)

var (
	// ErrNotFound is returned when a digest is unknown to the store.
	ErrNotFound = errors.New("file not found in the store")

	// ErrTombstone is returned when the requested blob has been marked
	// known-lost by an operator.
	ErrTombstone = errors.New("file is tombstoned")
)

const descCacheSize = 1024

// FileCacher is the handle through which the pipeline reads and writes
// blobs.
type FileCacher struct {
	backend   Backend
	cacheDir  string
	descCache *lru.Cache
}

// New returns a FileCacher backed by the given Backend, with a local cache in
// cacheDir.
func New(backend Backend, cacheDir string) (*FileCacher, error) {
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "creating cache dir %q", cacheDir)
	}
	descCache, err := lru.New(descCacheSize)
	if err != nil {
		return nil, err
	}
	return &FileCacher{
		backend:   backend,
		cacheDir:  cacheDir,
		descCache: descCache,
	}, nil
}

func (fc *FileCacher) cachePath(digest types.Digest) string {
	return filepath.Join(fc.cacheDir, string(digest))
}

// Put stores the bytes read from r and returns their Digest. The write is
// durable in the backend before Put returns. Putting identical bytes twice
// returns the same Digest and does not duplicate storage.
func (fc *FileCacher) Put(ctx context.Context, r io.Reader, description string) (types.Digest, error) {
	// We have to read the whole stream to compute the digest; spill it to
	// a temporary file in the cache dir so that promoting it to the cache
	// is a rename.
	tmp, err := ioutil.TempFile(fc.cacheDir, "put-")
	if err != nil {
		return "", errors.Wrap(err, "creating temporary file")
	}
	defer util.Remove(tmp.Name())
	hasher := sha1.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), r); err != nil {
		_ = tmp.Close()
		return "", errors.Wrap(err, "reading blob contents")
	}
	if err := tmp.Close(); err != nil {
		return "", errors.Wrap(err, "closing temporary file")
	}
	digest := types.Digest(hex.EncodeToString(hasher.Sum(nil)))

	f, err := os.Open(tmp.Name())
	if err != nil {
		return "", errors.Wrap(err, "reopening temporary file")
	}
	defer util.Close(f)
	// Store in the backend even if the blob is already in the local cache;
	// there's a small chance it was lost from the backend but survived
	// here.
	if err := fc.backend.Put(ctx, digest, f, description); err != nil {
		return "", errors.Wrapf(err, "storing blob %s", digest)
	}

	cached := fc.cachePath(digest)
	if _, err := os.Stat(cached); os.IsNotExist(err) {
		if err := os.Link(tmp.Name(), cached); err != nil {
			// The cache is best-effort; the backend write already
			// succeeded.
			sklog.Warningf("Failed to promote %s into the local cache: %s", digest, err)
		}
	}
	return digest, nil
}

// PutBytes is Put for an in-memory blob.
func (fc *FileCacher) PutBytes(ctx context.Context, b []byte, description string) (types.Digest, error) {
	return fc.Put(ctx, bytes.NewReader(b), description)
}

// PutFile is Put for a file on the local filesystem.
func (fc *FileCacher) PutFile(ctx context.Context, path, description string) (types.Digest, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "opening %q", path)
	}
	defer util.Close(f)
	return fc.Put(ctx, f, description)
}

// Get streams the blob with the given digest, refilling the local cache from
// the backend if needed. Returns ErrNotFound or ErrTombstone via errors.Is.
func (fc *FileCacher) Get(ctx context.Context, digest types.Digest) (io.ReadCloser, error) {
	if digest.IsTombstone() {
		return nil, ErrTombstone
	}
	if !digest.Valid() {
		return nil, errors.Errorf("invalid digest %q", digest)
	}
	if f, err := os.Open(fc.cachePath(digest)); err == nil {
		return f, nil
	}
	if err := fc.refill(ctx, digest); err != nil {
		return nil, err
	}
	f, err := os.Open(fc.cachePath(digest))
	if err != nil {
		return nil, errors.Wrapf(err, "opening cached blob %s", digest)
	}
	return f, nil
}

// refill copies the blob from the backend into the local cache.
func (fc *FileCacher) refill(ctx context.Context, digest types.Digest) error {
	src, err := fc.backend.Get(ctx, digest)
	if err != nil {
		return err
	}
	defer util.Close(src)
	tmp, err := ioutil.TempFile(fc.cacheDir, "get-")
	if err != nil {
		return errors.Wrap(err, "creating temporary file")
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		util.Remove(tmp.Name())
		return errors.Wrapf(err, "fetching blob %s", digest)
	}
	if err := tmp.Close(); err != nil {
		util.Remove(tmp.Name())
		return errors.Wrapf(err, "closing blob %s", digest)
	}
	if err := os.Rename(tmp.Name(), fc.cachePath(digest)); err != nil {
		util.Remove(tmp.Name())
		return errors.Wrapf(err, "promoting blob %s into the cache", digest)
	}
	return nil
}

// GetBytes returns the full contents of the blob.
func (fc *FileCacher) GetBytes(ctx context.Context, digest types.Digest) ([]byte, error) {
	r, err := fc.Get(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer util.Close(r)
	return ioutil.ReadAll(r)
}

// GetToPath materializes the blob as a local file at the given path. The file
// appears atomically: it is written to a temporary name in the same directory
// and renamed into place.
func (fc *FileCacher) GetToPath(ctx context.Context, digest types.Digest, path string) error {
	src, err := fc.Get(ctx, digest)
	if err != nil {
		return err
	}
	defer util.Close(src)
	tmp, err := ioutil.TempFile(filepath.Dir(path), ".fetch-")
	if err != nil {
		return errors.Wrap(err, "creating temporary file")
	}
	if _, err := io.Copy(tmp, src); err != nil {
		_ = tmp.Close()
		util.Remove(tmp.Name())
		return errors.Wrapf(err, "writing %q", path)
	}
	if err := tmp.Close(); err != nil {
		util.Remove(tmp.Name())
		return errors.Wrapf(err, "closing %q", path)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		util.Remove(tmp.Name())
		return errors.Wrapf(err, "moving %q into place", path)
	}
	return nil
}

// Exists returns true iff the digest is known and not tombstoned.
func (fc *FileCacher) Exists(ctx context.Context, digest types.Digest) (bool, error) {
	if digest.IsTombstone() {
		return false, nil
	}
	if _, err := os.Stat(fc.cachePath(digest)); err == nil {
		return true, nil
	}
	return fc.backend.Exists(ctx, digest)
}

// Describe returns the description recorded with the blob, if any. Not on
// the hot path; results are cached in-process.
func (fc *FileCacher) Describe(ctx context.Context, digest types.Digest) (string, error) {
	if desc, ok := fc.descCache.Get(digest); ok {
		return desc.(string), nil
	}
	desc, err := fc.backend.Describe(ctx, digest)
	if err != nil {
		return "", err
	}
	fc.descCache.Add(digest, desc)
	return desc, nil
}

// Tombstone marks the blob known-lost. Operator action only.
func (fc *FileCacher) Tombstone(ctx context.Context, digest types.Digest) error {
	util.Remove(fc.cachePath(digest))
	return fc.backend.Tombstone(ctx, digest)
}
