package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

// Fake is an in-memory Port, useful for tests and local development
// without a real registry database behind it.
type Fake struct {
	mu       sync.Mutex
	keys     map[string]UserSSHKey // keyed by raw pubkey bytes
	users    map[int64]User
	sessions map[int64]string // keyed by UserSSHKey.ID
	crates   map[string][]CrateWithVersions
}

// NewFake returns an empty Fake registry.
func NewFake() *Fake {
	return &Fake{
		keys:     make(map[string]UserSSHKey),
		users:    make(map[int64]User),
		sessions: make(map[int64]string),
		crates:   make(map[string][]CrateWithVersions),
	}
}

// AddUser registers a user and one of their public keys. Subsequent
// calls with the same pubkey replace the association.
func (f *Fake) AddUser(user User, key UserSSHKey, pubkey []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	f.keys[string(pubkey)] = key
}

// SetCrates replaces the crate listing visible to org.
func (f *Fake) SetCrates(org string, crates []CrateWithVersions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crates[org] = crates
}

func (f *Fake) FindUserBySSHKey(_ context.Context, pubkey []byte) (UserSSHKey, User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key, ok := f.keys[string(pubkey)]
	if !ok {
		return UserSSHKey{}, User{}, false, nil
	}
	user, ok := f.users[key.UserID]
	if !ok {
		return UserSSHKey{}, User{}, false, nil
	}
	return key, user, true, nil
}

func (f *Fake) UpdateLastUsed(_ context.Context, key UserSSHKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Last-used tracking is not queryable through this fake; acknowledging
	// the call is enough for the core's best-effort semantics.
	_ = key
	return nil
}

func (f *Fake) GetOrCreateSession(_ context.Context, key UserSSHKey, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if session, ok := f.sessions[key.ID]; ok {
		return session, nil
	}

	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("registry: generate session key: %w", err)
	}
	session := hex.EncodeToString(raw)
	f.sessions[key.ID] = session
	return session, nil
}

func (f *Fake) ListCratesWithVersions(_ context.Context, _ int64, org string) ([]CrateWithVersions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.crates[org], nil
}

var _ Port = (*Fake)(nil)
