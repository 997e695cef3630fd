package types

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
)

const (
	// TombstoneDigest is the sentinel digest assigned to blobs which an
	// operator has marked as known-lost. It is deliberately not a valid
	// hex digest.
	TombstoneDigest Digest = "x"
)

var validDigest = regexp.MustCompile("^[0-9a-f]{40}$")

// Digest is the content-addressed identifier of a blob in the file store.
// Equality of Digests defines equality of blob contents.
type Digest string

// DigestOf returns the Digest for the given bytes.
func DigestOf(b []byte) Digest {
	h := sha1.Sum(b)
	return Digest(hex.EncodeToString(h[:]))
}

// IsTombstone returns true iff the digest is the tombstone sentinel.
func (d Digest) IsTombstone() bool {
	return d == TombstoneDigest
}

// Valid returns true iff the digest is well-formed, ie. it is either the
// tombstone sentinel or a lowercase hex SHA-1.
func (d Digest) Valid() bool {
	return d == TombstoneDigest || validDigest.MatchString(string(d))
}

// CopyDigestMap returns a copy of the given map.
func CopyDigestMap(m map[string]Digest) map[string]Digest {
	if m == nil {
		return nil
	}
	rv := make(map[string]Digest, len(m))
	for k, v := range m {
		rv[k] = v
	}
	return rv
}
