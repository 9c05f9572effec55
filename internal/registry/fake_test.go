package registry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/ttys3/chartered-git/internal/registry"
)

func TestFake_FindUserBySSHKey(t *testing.T) {
	f := registry.NewFake()
	user := registry.User{ID: 1, Username: "jordan"}
	key := registry.UserSSHKey{ID: 10, UserID: 1, Name: "laptop"}
	pubkey := []byte("ssh-ed25519 AAAA...")

	f.AddUser(user, key, pubkey)

	gotKey, gotUser, ok, err := f.FindUserBySSHKey(context.Background(), pubkey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, key, gotKey)
	require.Equal(t, user, gotUser)

	_, _, ok, err = f.FindUserBySSHKey(context.Background(), []byte("unknown key"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFake_GetOrCreateSession_IsStable(t *testing.T) {
	f := registry.NewFake()
	key := registry.UserSSHKey{ID: 1, UserID: 1}

	first, err := f.GetOrCreateSession(context.Background(), key, "127.0.0.1")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := f.GetOrCreateSession(context.Background(), key, "127.0.0.1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := f.GetOrCreateSession(context.Background(), registry.UserSSHKey{ID: 2, UserID: 1}, "127.0.0.1")
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestFake_ListCratesWithVersions(t *testing.T) {
	f := registry.NewFake()
	f.SetCrates("my-org", []registry.CrateWithVersions{
		{
			Crate: registry.CrateDef{Name: "serde"},
			Versions: []registry.Version{
				{Name: "serde", Vers: "1.0.0", Cksum: "abc", Features: map[string][]string{}},
			},
		},
	})

	got, err := f.ListCratesWithVersions(context.Background(), 1, "my-org")
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "serde", got[0].Crate.Name)

	got, err = f.ListCratesWithVersions(context.Background(), 1, "other-org")
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFake_UpdateLastUsed_NeverErrors(t *testing.T) {
	f := registry.NewFake()
	require.NoError(t, f.UpdateLastUsed(context.Background(), registry.UserSSHKey{ID: 1}))
}
