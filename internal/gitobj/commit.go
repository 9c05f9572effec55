package gitobj

import "fmt"

// Commit is a single, parentless commit pointing at a root Tree. Every
// commit this server produces is synthesised fresh from the crate
// registry's current state, so there is never a parent to chain from.
type Commit struct {
	Tree      Hash
	Author    Identity
	Committer Identity
	Message   string
}

func (c *Commit) Type() Type { return TypeCommit }

// Body renders the commit in Git's canonical text form: a tree line, an
// author line, a committer line, a blank line, then the message.
func (c *Commit) Body() []byte {
	return []byte(fmt.Sprintf(
		"tree %s\nauthor %s\ncommitter %s\n\n%s",
		c.Tree, c.Author, c.Committer, c.Message,
	))
}

func (c *Commit) Hash() Hash { return hashObject(TypeCommit, c.Body()) }
