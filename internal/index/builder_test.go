package index_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ttys3/chartered-git/internal/gitobj"
	"github.com/ttys3/chartered-git/internal/index"
	"github.com/ttys3/chartered-git/internal/registry"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func setup(t *testing.T) (*registry.Fake, registry.User, registry.UserSSHKey) {
	t.Helper()
	reg := registry.NewFake()
	user := registry.User{ID: 1, Username: "jordan"}
	key := registry.UserSSHKey{ID: 5, UserID: 1, Name: "laptop"}
	reg.AddUser(user, key, []byte("pubkey"))
	return reg, user, key
}

func TestBuild_SingleCrate(t *testing.T) {
	reg, user, key := setup(t)
	reg.SetCrates("my-org", []registry.CrateWithVersions{
		{
			Crate: registry.CrateDef{Name: "serde"},
			Versions: []registry.Version{
				{Name: "serde", Vers: "1.0.0", Cksum: "abc123", Features: map[string][]string{}},
			},
		},
	})

	clock := fixedClock{t: time.Unix(1700000000, 0).In(time.FixedZone("", 0))}
	built, err := index.Build(context.Background(), reg, clock, index.DefaultAuthor, "http://127.0.0.1:8888", user, "my-org", key, "127.0.0.1")
	require.NoError(t, err)
	require.False(t, built.CommitHash.IsZero())

	// config.json blob, "serde" version blob, "rd" leaf tree, "se" tree,
	// root tree, commit.
	require.Len(t, built.Objects, 6)

	var commit *gitobj.Commit
	for _, obj := range built.Objects {
		if c, ok := obj.(*gitobj.Commit); ok {
			commit = c
		}
	}
	require.NotNil(t, commit)
	require.Equal(t, commit.Hash(), built.CommitHash)

	// The last object must be the commit, and the one before it the root
	// tree, per the topological invariant.
	last := built.Objects[len(built.Objects)-1]
	require.Equal(t, gitobj.TypeCommit, last.Type())
	secondToLast := built.Objects[len(built.Objects)-2]
	require.Equal(t, gitobj.TypeTree, secondToLast.Type())
	require.Equal(t, commit.Tree, secondToLast.Hash())
}

func TestBuild_RootTreeShape(t *testing.T) {
	reg, user, key := setup(t)
	reg.SetCrates("my-org", []registry.CrateWithVersions{
		{Crate: registry.CrateDef{Name: "serde"}, Versions: []registry.Version{{Name: "serde", Vers: "1.0.0", Features: map[string][]string{}}}},
		{Crate: registry.CrateDef{Name: "serum"}, Versions: []registry.Version{{Name: "serum", Vers: "0.1.0", Features: map[string][]string{}}}},
	})

	clock := fixedClock{t: time.Unix(1700000000, 0).In(time.FixedZone("", 0))}
	built, err := index.Build(context.Background(), reg, clock, index.DefaultAuthor, "http://127.0.0.1:8888", user, "my-org", key, "127.0.0.1")
	require.NoError(t, err)

	var commit *gitobj.Commit
	for _, obj := range built.Objects {
		if c, ok := obj.(*gitobj.Commit); ok {
			commit = c
		}
	}
	require.NotNil(t, commit)

	var rootTree *gitobj.Tree
	for _, obj := range built.Objects {
		if tr, ok := obj.(*gitobj.Tree); ok && tr.Hash() == commit.Tree {
			rootTree = tr
		}
	}
	require.NotNil(t, rootTree)

	names := make([]string, 0)
	for _, item := range rootTree.Items() {
		names = append(names, item.Name)
	}
	require.Equal(t, []string{"config.json", "se"}, names)
}

func TestBuild_ConfigJSON(t *testing.T) {
	reg, user, key := setup(t)
	clock := fixedClock{t: time.Unix(1700000000, 0).In(time.FixedZone("", 0))}

	built, err := index.Build(context.Background(), reg, clock, index.DefaultAuthor, "http://127.0.0.1:8888", user, "my-org", key, "127.0.0.1")
	require.NoError(t, err)

	var configBlob *gitobj.Blob
	for _, obj := range built.Objects {
		if b, ok := obj.(*gitobj.Blob); ok {
			configBlob = b
			break
		}
	}
	require.NotNil(t, configBlob)

	var doc struct {
		DL  string `json:"dl"`
		API string `json:"api"`
	}
	require.NoError(t, json.Unmarshal(configBlob.Body(), &doc))
	require.True(t, strings.HasPrefix(doc.DL, "http://127.0.0.1:8888/a/"))
	require.True(t, strings.HasSuffix(doc.DL, "/o/my-org/api/v1/crates"))
	require.True(t, strings.HasSuffix(doc.API, "/o/my-org"))
}

func TestBuild_VersionsSortedOldestFirst(t *testing.T) {
	reg, user, key := setup(t)
	reg.SetCrates("my-org", []registry.CrateWithVersions{
		{
			Crate: registry.CrateDef{Name: "serde"},
			Versions: []registry.Version{
				{Name: "serde", Vers: "2.0.0", Features: map[string][]string{}},
				{Name: "serde", Vers: "1.0.0", Features: map[string][]string{}},
				{Name: "serde", Vers: "1.5.0", Features: map[string][]string{}},
			},
		},
	})

	clock := fixedClock{t: time.Unix(1700000000, 0).In(time.FixedZone("", 0))}
	built, err := index.Build(context.Background(), reg, clock, index.DefaultAuthor, "http://base", user, "my-org", key, "127.0.0.1")
	require.NoError(t, err)

	var leaf *gitobj.Blob
	for _, obj := range built.Objects {
		if b, ok := obj.(*gitobj.Blob); ok && strings.Contains(string(b.Body()), "\"vers\"") {
			leaf = b
		}
	}
	require.NotNil(t, leaf)

	lines := strings.Split(strings.TrimSpace(string(leaf.Body())), "\n")
	require.Len(t, lines, 3)
	require.Contains(t, lines[0], `"vers":"1.0.0"`)
	require.Contains(t, lines[1], `"vers":"1.5.0"`)
	require.Contains(t, lines[2], `"vers":"2.0.0"`)
}

func TestBuild_ShortCrateNamePadding(t *testing.T) {
	reg, user, key := setup(t)
	reg.SetCrates("my-org", []registry.CrateWithVersions{
		{Crate: registry.CrateDef{Name: "x"}, Versions: []registry.Version{{Name: "x", Vers: "0.1.0", Features: map[string][]string{}}}},
	})

	clock := fixedClock{t: time.Unix(1700000000, 0).In(time.FixedZone("", 0))}
	built, err := index.Build(context.Background(), reg, clock, index.DefaultAuthor, "http://base", user, "my-org", key, "127.0.0.1")
	require.NoError(t, err)

	var commit *gitobj.Commit
	for _, obj := range built.Objects {
		if c, ok := obj.(*gitobj.Commit); ok {
			commit = c
		}
	}
	require.NotNil(t, commit)

	var rootTree *gitobj.Tree
	for _, obj := range built.Objects {
		if tr, ok := obj.(*gitobj.Tree); ok && tr.Hash() == commit.Tree {
			rootTree = tr
		}
	}
	require.NotNil(t, rootTree)

	var firstDirName string
	for _, item := range rootTree.Items() {
		if item.Name != "config.json" {
			firstDirName = item.Name
		}
	}
	require.Equal(t, "x_", firstDirName)
}
