// Package gitobj models Git's three non-delta object kinds (blob, tree,
// commit) and computes their content-addressed SHA-1 hashes.
//
// For more details about Git's object format, see:
// https://git-scm.com/book/en/v2/Git-Internals-Git-Objects
package gitobj

import (
	"bytes"
	"crypto"
	"strconv"

	// Linking SHA-1 into the binary; its init function registers the hash
	// with the crypto package. Git still uses SHA-1 for the most part:
	// https://git-scm.com/docs/hash-function-transition
	//nolint:gosec
	_ "crypto/sha1"
)

// Hash is a content-addressed object identifier, the raw 20-byte SHA-1
// digest (not hex-encoded).
type Hash [20]byte

// Type identifies which of Git's object kinds an Object represents.
type Type uint8

const (
	TypeBlob   Type = 3
	TypeTree   Type = 2
	TypeCommit Type = 1
)

// Bytes returns the object type's wire name, as used in the object header.
func (t Type) Bytes() []byte {
	switch t {
	case TypeBlob:
		return []byte("blob")
	case TypeTree:
		return []byte("tree")
	case TypeCommit:
		return []byte("commit")
	default:
		return []byte("unknown")
	}
}

// Object is any content-addressed Git object producible by this server:
// a Blob, a Tree or a Commit.
type Object interface {
	// Type returns the object's kind.
	Type() Type
	// Body returns the object's canonical serialised body, excluding the
	// "<type> <len>\0" header.
	Body() []byte
	// Hash returns the object's SHA-1 hash, computed over the canonical
	// header followed by Body().
	Hash() Hash
}

// hashObject computes the SHA-1 hash of an object's header and body,
// matching Git's "<type> <len>\0<body>" object format exactly.
func hashObject(t Type, body []byte) Hash {
	h := crypto.SHA1.New()
	h.Write(t.Bytes())
	h.Write([]byte(" "))
	h.Write([]byte(strconv.Itoa(len(body))))
	h.Write([]byte{0})
	h.Write(body)

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Less reports whether h sorts before other, byte-for-byte.
func (h Hash) Less(other Hash) bool {
	return bytes.Compare(h[:], other[:]) < 0
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}
