// Package registry describes the read-side contract this server needs
// from the crate registry's persistence layer: users, SSH keys, session
// keys, and the crates (with their versions) a user may see within an
// organisation. None of it is implemented here — the HTTP/JSON API, the
// relational database, and the blob store for uploaded tarballs all live
// outside this module's scope; Port is the seam between them and the
// Git-over-SSH core.
package registry

import (
	"context"
	"time"
)

// User is an authenticated registry account.
type User struct {
	ID       int64
	Username string
}

// UserSSHKey is one of a user's registered public keys.
type UserSSHKey struct {
	ID         int64
	UserID     int64
	Name       string
	LastUsedAt time.Time
}

// CrateDef is a published crate's registry-level metadata, independent
// of any particular version.
type CrateDef struct {
	Name string
}

// Version is a single published version of a crate, carrying the fields
// the Cargo registry index format requires alongside the checksum and
// yank state tracked separately by the registry.
type Version struct {
	Name     string
	Vers     string
	Deps     []VersionDep
	Features map[string][]string
	Cksum    string
	Yanked   bool
}

// VersionDep is one dependency entry of a published version, in Cargo's
// registry index format. The json tags are load-bearing: these are the
// exact field names a Cargo client expects in each index leaf line.
type VersionDep struct {
	Name             string   `json:"name"`
	Req              string   `json:"req"`
	Features         []string `json:"features"`
	Optional         bool     `json:"optional"`
	DefaultFeatures  bool     `json:"default_features"`
	Target           string   `json:"target"`
	Kind             string   `json:"kind"`
	Package          string   `json:"package"`
	RegistryIndexURL string   `json:"registry"`
}

// CrateWithVersions pairs a crate's definition with its visible,
// published versions.
type CrateWithVersions struct {
	Crate    CrateDef
	Versions []Version
}

// Port is the read-only registry capability the Git core depends on. No
// write operations are required: the last-used-timestamp touch and
// session-key creation are the only side effects. The last-used touch is
// best-effort (a failure is logged); a session-key failure fails the
// index build.
type Port interface {
	// FindUserBySSHKey looks up the user and key record owning pubkey.
	// ok is false if no such key is registered.
	FindUserBySSHKey(ctx context.Context, pubkey []byte) (key UserSSHKey, user User, ok bool, err error)

	// UpdateLastUsed records that key was just used to authenticate.
	// Failure here is logged, never fatal to the connection.
	UpdateLastUsed(ctx context.Context, key UserSSHKey) error

	// GetOrCreateSession returns the session key bound to the given SSH
	// key (and, if known, client IP), creating one on first use.
	GetOrCreateSession(ctx context.Context, key UserSSHKey, clientIP string) (sessionKey string, err error)

	// ListCratesWithVersions returns every crate visible to userID
	// within org, along with its versions.
	ListCratesWithVersions(ctx context.Context, userID int64, org string) ([]CrateWithVersions, error)
}
