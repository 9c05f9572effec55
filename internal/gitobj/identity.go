package gitobj

import (
	"fmt"
	"time"
)

// Identity is a Git author/committer identity in its raw form, matching
// Git's internal encoding: "name <email> timestamp timezone".
type Identity struct {
	Name      string
	Email     string
	Timestamp int64
	// Timezone is a signed 4-digit offset, e.g. "+0000" or "-0700".
	Timezone string
}

// NewIdentity builds an Identity from a name, email and a time.Time,
// deriving the Unix timestamp and the "+hhmm"-style timezone offset from
// the time's own location.
func NewIdentity(name, email string, t time.Time) Identity {
	return Identity{
		Name:      name,
		Email:     email,
		Timestamp: t.Unix(),
		Timezone:  t.Format("-0700"),
	}
}

// String renders the identity in Git's canonical wire form.
func (i Identity) String() string {
	return fmt.Sprintf("%s <%s> %d %s", i.Name, i.Email, i.Timestamp, i.Timezone)
}
