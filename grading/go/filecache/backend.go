package filecache

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/contestms/grading/go/types"
)

// Backend is the authoritative tier of the file store. Cache layers above it
// may evict; the backend may not, except when an operator places a
// tombstone.
type Backend interface {
	// Get returns a reader for the blob with the given digest. Returns
	// ErrNotFound if the digest is unknown and ErrTombstone if the blob is
	// known-lost.
	Get(ctx context.Context, digest types.Digest) (io.ReadCloser, error)

	// Put stores the blob under the given digest. Storing the same digest
	// twice is a no-op; contents are assumed identical because the digest
	// is content-addressed.
	Put(ctx context.Context, digest types.Digest, r io.Reader, description string) error

	// Exists returns true iff the digest is known and not tombstoned.
	Exists(ctx context.Context, digest types.Digest) (bool, error)

	// Describe returns the description stored with the blob, or "" if none
	// was recorded.
	Describe(ctx context.Context, digest types.Digest) (string, error)

	// Tombstone marks the blob known-lost and drops its contents. This is
	// an operator action; it is irreversible short of re-uploading the
	// bytes.
	Tombstone(ctx context.Context, digest types.Digest) error
}

// FSBackend stores blobs in a flat directory tree, named after their digest.
type FSBackend struct {
	root string
}

// NewFSBackend returns an FSBackend rooted at the given directory, creating
// it if needed.
func NewFSBackend(root string) (*FSBackend, error) {
	for _, sub := range []string{"objects", "descriptions"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0755); err != nil {
			return nil, errors.Wrapf(err, "creating file store root %q", root)
		}
	}
	return &FSBackend{root: root}, nil
}

func (b *FSBackend) objectPath(digest types.Digest) string {
	return filepath.Join(b.root, "objects", string(digest))
}

func (b *FSBackend) tombstonePath(digest types.Digest) string {
	return b.objectPath(digest) + ".tombstone"
}

// Get implements Backend.
func (b *FSBackend) Get(ctx context.Context, digest types.Digest) (io.ReadCloser, error) {
	if _, err := os.Stat(b.tombstonePath(digest)); err == nil {
		return nil, ErrTombstone
	}
	f, err := os.Open(b.objectPath(digest))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, errors.Wrapf(err, "opening blob %s", digest)
	}
	return f, nil
}

// Put implements Backend. The blob is written to a temporary file and moved
// into place, so a digest never refers to a partially-written blob.
func (b *FSBackend) Put(ctx context.Context, digest types.Digest, r io.Reader, description string) error {
	dst := b.objectPath(digest)
	if _, err := os.Stat(dst); err == nil {
		// Already stored; drain the reader so callers can Close cleanly.
		_, _ = io.Copy(ioutil.Discard, r)
		return nil
	}
	tmp, err := ioutil.TempFile(filepath.Join(b.root, "objects"), "put-")
	if err != nil {
		return errors.Wrap(err, "creating temporary file")
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return errors.Wrapf(err, "writing blob %s", digest)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "closing blob %s", digest)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return errors.Wrapf(err, "moving blob %s into place", digest)
	}
	if description != "" {
		descPath := filepath.Join(b.root, "descriptions", string(digest))
		if err := ioutil.WriteFile(descPath, []byte(description), 0644); err != nil {
			return errors.Wrapf(err, "writing description for %s", digest)
		}
	}
	return nil
}

// Exists implements Backend.
func (b *FSBackend) Exists(ctx context.Context, digest types.Digest) (bool, error) {
	if _, err := os.Stat(b.tombstonePath(digest)); err == nil {
		return false, nil
	}
	if _, err := os.Stat(b.objectPath(digest)); os.IsNotExist(err) {
		return false, nil
	} else if err != nil {
		return false, errors.Wrapf(err, "statting blob %s", digest)
	}
	return true, nil
}

// Describe implements Backend.
func (b *FSBackend) Describe(ctx context.Context, digest types.Digest) (string, error) {
	desc, err := ioutil.ReadFile(filepath.Join(b.root, "descriptions", string(digest)))
	if os.IsNotExist(err) {
		return "", nil
	} else if err != nil {
		return "", errors.Wrapf(err, "reading description for %s", digest)
	}
	return string(desc), nil
}

// Tombstone implements Backend.
func (b *FSBackend) Tombstone(ctx context.Context, digest types.Digest) error {
	if err := ioutil.WriteFile(b.tombstonePath(digest), nil, 0644); err != nil {
		return errors.Wrapf(err, "placing tombstone for %s", digest)
	}
	if err := os.Remove(b.objectPath(digest)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "dropping tombstoned blob %s", digest)
	}
	return nil
}

// MemBackend is an in-memory Backend for tests.
type MemBackend struct {
	mtx        sync.Mutex
	blobs      map[types.Digest][]byte
	descs      map[types.Digest]string
	tombstones map[types.Digest]bool
}

// NewMemBackend returns an empty MemBackend.
func NewMemBackend() *MemBackend {
	return &MemBackend{
		blobs:      map[types.Digest][]byte{},
		descs:      map[types.Digest]string{},
		tombstones: map[types.Digest]bool{},
	}
}

// Get implements Backend.
func (b *MemBackend) Get(ctx context.Context, digest types.Digest) (io.ReadCloser, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.tombstones[digest] {
		return nil, ErrTombstone
	}
	blob, ok := b.blobs[digest]
	if !ok {
		return nil, ErrNotFound
	}
	return ioutil.NopCloser(bytes.NewReader(blob)), nil
}

// Put implements Backend.
func (b *MemBackend) Put(ctx context.Context, digest types.Digest, r io.Reader, description string) error {
	blob, err := ioutil.ReadAll(r)
	if err != nil {
		return err
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if _, ok := b.blobs[digest]; !ok {
		b.blobs[digest] = blob
	}
	if description != "" {
		b.descs[digest] = description
	}
	return nil
}

// Exists implements Backend.
func (b *MemBackend) Exists(ctx context.Context, digest types.Digest) (bool, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if b.tombstones[digest] {
		return false, nil
	}
	_, ok := b.blobs[digest]
	return ok, nil
}

// Describe implements Backend.
func (b *MemBackend) Describe(ctx context.Context, digest types.Digest) (string, error) {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	return b.descs[digest], nil
}

// Tombstone implements Backend.
func (b *MemBackend) Tombstone(ctx context.Context, digest types.Digest) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.tombstones[digest] = true
	delete(b.blobs, digest)
	return nil
}

var _ Backend = &FSBackend{}
var _ Backend = &MemBackend{}
