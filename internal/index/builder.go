// Package index turns a registry's crate listing into the directory
// tree and commit a fetch response streams back to the client: a
// crates.io-style two-level `first2/second2` split keyed by crate name,
// one leaf blob per crate holding one JSON line per version, and a
// config.json blob pointing at the registry's HTTP endpoints.
//
// Grounded directly on the original's fetch_tree/build_tree
// (chartered-git/src/main.rs): the BTreeMap-of-BTreeMaps nesting becomes
// Go maps walked in sorted key order, and the bottom-up pack entry
// order (blobs, then leaf trees, then second-level trees, then the root
// tree, then the commit) is carried over unchanged.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/ttys3/chartered-git/internal/gitlog"
	"github.com/ttys3/chartered-git/internal/gitobj"
	"github.com/ttys3/chartered-git/internal/registry"
)

// Clock abstracts the current time, so commit timestamps are
// deterministic in tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the real wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Author identifies who synthesised commits are attributed to.
type Author struct {
	Name  string
	Email string
}

// DefaultAuthor is used when no author override is configured.
var DefaultAuthor = Author{Name: "chartered", Email: "git@chartered.dev"}

// Built is the output of Build: the objects to pack, in the topological
// order invariant (2) of the data model requires, plus the commit's
// hash for the ls-refs response.
type Built struct {
	Objects    []gitobj.Object
	CommitHash gitobj.Hash
}

// crateEntry is one line of a Cargo registry index leaf blob.
type crateEntry struct {
	Name     string                `json:"name"`
	Vers     string                `json:"vers"`
	Deps     []registry.VersionDep `json:"deps"`
	Cksum    string                `json:"cksum"`
	Features map[string][]string   `json:"features"`
	Yanked   bool                  `json:"yanked"`
}

// Build queries port for every crate visible to user within org, and
// assembles the config.json blob, the per-crate version blobs, the
// first2/second2 tree layers, the root tree, and a fresh root commit
// authored by author as of clock.Now().
func Build(ctx context.Context, port registry.Port, clock Clock, author Author, baseURL string, user registry.User, orgName string, key registry.UserSSHKey, clientIP string) (*Built, error) {
	logger := gitlog.FromContext(ctx)

	session, err := port.GetOrCreateSession(ctx, key, clientIP)
	if err != nil {
		return nil, fmt.Errorf("index: get or create session: %w", err)
	}

	var objects []gitobj.Object
	var rootItems []gitobj.TreeItem

	configBlob := gitobj.NewBlob(configJSON(baseURL, session, orgName))
	objects = append(objects, configBlob)
	rootItems = append(rootItems, gitobj.TreeItem{
		Name: "config.json",
		Kind: gitobj.RegularFile,
		Hash: configBlob.Hash(),
	})

	crates, err := port.ListCratesWithVersions(ctx, user.ID, orgName)
	if err != nil {
		return nil, fmt.Errorf("index: list crates with versions: %w", err)
	}

	tree := groupByDirectoryKeys(logger, crates)

	for _, first := range sortedKeys(tree) {
		second := tree[first]
		var firstLevelItems []gitobj.TreeItem

		for _, secondKey := range sortedKeys(second) {
			leaves := second[secondKey]
			var secondLevelItems []gitobj.TreeItem

			for _, name := range sortedLeafNames(leaves) {
				body := leaves[name]
				blob := gitobj.NewBlob(body)
				objects = append(objects, blob)
				secondLevelItems = append(secondLevelItems, gitobj.TreeItem{
					Name: name,
					Kind: gitobj.RegularFile,
					Hash: blob.Hash(),
				})
			}

			secondLevelTree := gitobj.NewTree(secondLevelItems)
			objects = append(objects, secondLevelTree)
			firstLevelItems = append(firstLevelItems, gitobj.TreeItem{
				Name: secondKey,
				Kind: gitobj.Directory,
				Hash: secondLevelTree.Hash(),
			})
		}

		firstLevelTree := gitobj.NewTree(firstLevelItems)
		objects = append(objects, firstLevelTree)
		rootItems = append(rootItems, gitobj.TreeItem{
			Name: first,
			Kind: gitobj.Directory,
			Hash: firstLevelTree.Hash(),
		})
	}

	rootTree := gitobj.NewTree(rootItems)
	objects = append(objects, rootTree)

	identity := gitobj.NewIdentity(author.Name, author.Email, clock.Now())
	commit := &gitobj.Commit{
		Tree:      rootTree.Hash(),
		Author:    identity,
		Committer: identity,
		Message:   "Most recent crates\n",
	}
	objects = append(objects, commit)

	logger.Debug("built index tree", "org", orgName, "crates", len(crates), "objects", len(objects))

	return &Built{Objects: objects, CommitHash: commit.Hash()}, nil
}

func configJSON(baseURL, session, org string) []byte {
	doc := map[string]string{
		"dl":  fmt.Sprintf("%s/a/%s/o/%s/api/v1/crates", baseURL, session, org),
		"api": fmt.Sprintf("%s/a/%s/o/%s", baseURL, session, org),
	}
	// The config pointer blob is small and fixed-shape. json.Marshal
	// sorts map keys alphabetically, which would put "api" before "dl",
	// so a struct is marshalled instead to keep the original's
	// dl-then-api field order.
	out, _ := json.Marshal(struct {
		DL  string `json:"dl"`
		API string `json:"api"`
	}{DL: doc["dl"], API: doc["api"]})
	return out
}

// groupByDirectoryKeys buckets crates into the first2/second2 tree,
// rendering each crate's versions into its JSON-lines leaf blob body.
func groupByDirectoryKeys(logger gitlog.Logger, crates []registry.CrateWithVersions) map[string]map[string]map[string][]byte {
	tree := make(map[string]map[string]map[string][]byte)

	for _, cv := range crates {
		first, second := directoryKeys(cv.Crate.Name)

		if tree[first] == nil {
			tree[first] = make(map[string]map[string][]byte)
		}
		if tree[first][second] == nil {
			tree[first][second] = make(map[string][]byte)
		}

		tree[first][second][cv.Crate.Name] = renderVersions(logger, cv.Versions)
	}

	return tree
}

// directoryKeys splits a crate name into its first2/second2 directory
// key pair. Names shorter than 4 bytes have the missing half of each
// pair padded with the literal byte '_', so a 1-byte name "x" yields
// ("x_", "__") and a 3-byte name "abc" yields ("ab", "c_").
func directoryKeys(name string) (first, second string) {
	padded := name
	for len(padded) < 4 {
		padded += "_"
	}
	return padded[0:2], padded[2:4]
}

type parsedVersion struct {
	version registry.Version
	semver  *semver.Version
}

// renderVersions sorts versions oldest-to-newest by semver and renders
// one JSON object per line. A version string that fails to parse as
// semver is still emitted, in its original position relative to the
// other unparseable entries, so no published version is ever dropped.
func renderVersions(logger gitlog.Logger, versions []registry.Version) []byte {
	sorted := make([]parsedVersion, len(versions))
	for i, v := range versions {
		sv, err := semver.NewVersion(v.Vers)
		if err != nil {
			logger.Warn("crate version does not parse as semver, emitting as-is", "vers", v.Vers, "error", err)
		}
		sorted[i] = parsedVersion{version: v, semver: sv}
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].semver == nil || sorted[j].semver == nil {
			return false
		}
		return sorted[i].semver.LessThan(sorted[j].semver)
	})

	var buf strings.Builder
	for _, pv := range sorted {
		v := pv.version
		entry := crateEntry{
			Name:     v.Name,
			Vers:     v.Vers,
			Deps:     v.Deps,
			Cksum:    v.Cksum,
			Features: v.Features,
			Yanked:   v.Yanked,
		}
		line, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return []byte(buf.String())
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedLeafNames(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
