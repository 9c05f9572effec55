package gitobj

import "sort"

// Kind distinguishes the two entry kinds a Tree can hold.
type Kind uint8

const (
	RegularFile Kind = iota
	Directory
)

// mode returns the entry's octal file mode, as used in the tree body.
func (k Kind) mode() string {
	if k == Directory {
		return "40000"
	}
	return "100644"
}

// TreeItem is a single entry in a Tree: a name, the kind of object it
// points at, and that object's hash.
type TreeItem struct {
	Name string
	Kind Kind
	Hash Hash
}

// sortKey returns the name entries are ordered by. Git sorts tree entries
// as if directory names carried a trailing slash, so "foo" (a file) sorts
// before "foo.txt", and a directory named "foo" sorts after both.
func (t TreeItem) sortKey() string {
	if t.Kind == Directory {
		return t.Name + "/"
	}
	return t.Name
}

// Tree is an ordered list of named entries, each pointing at a blob or
// another tree.
type Tree struct {
	items []TreeItem
}

// NewTree builds a Tree from items, sorting a copy into Git's canonical
// order. The input slice is not modified.
func NewTree(items []TreeItem) *Tree {
	sorted := make([]TreeItem, len(items))
	copy(sorted, items)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].sortKey() < sorted[j].sortKey()
	})
	return &Tree{items: sorted}
}

// Items returns the tree's entries in canonical order.
func (t *Tree) Items() []TreeItem {
	return t.items
}

func (t *Tree) Type() Type { return TypeTree }

// Body serialises each entry as "<mode> <name>\0<20-byte hash>", concatenated
// in canonical order.
func (t *Tree) Body() []byte {
	var out []byte
	for _, item := range t.items {
		out = append(out, item.Kind.mode()...)
		out = append(out, ' ')
		out = append(out, item.Name...)
		out = append(out, 0)
		out = append(out, item.Hash[:]...)
	}
	return out
}

func (t *Tree) Hash() Hash { return hashObject(TypeTree, t.Body()) }
