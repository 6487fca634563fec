// Package fields implements the FieldProcessor contract (spec §4.3): a
// closed set of tagged processors that turn a raw source issue into a
// row of sink columns, given a schema and the live column set of the
// target table.
package fields

import (
	"context"

	"github.com/ticket-sink/ticket-sink/internal/source/jira"
)

// Kind is the closed set of processor tags a schema entry may carry.
type Kind int

const (
	KindSimple Kind = iota
	KindNested
	KindUser
	KindDatetime
	KindComponents
	KindVersions
	KindLinks
	KindTicketHyperlink
)

func (k Kind) String() string {
	switch k {
	case KindSimple:
		return "simple"
	case KindNested:
		return "nested"
	case KindUser:
		return "user"
	case KindDatetime:
		return "datetime"
	case KindComponents:
		return "components"
	case KindVersions:
		return "versions"
	case KindLinks:
		return "links"
	case KindTicketHyperlink:
		return "ticket-hyperlink"
	default:
		return "unknown"
	}
}

// Entry is one source-field → sink-column mapping (spec §3).
type Entry struct {
	SourcePath string
	SinkField  string
	Kind       Kind
	// LinkPrefixFilter, only meaningful for KindLinks, maps an issuing
	// project's key prefix to the set of linked-issue prefixes that
	// should survive the filter. A prefix with no entry is pass-through.
	LinkPrefixFilter map[string][]string
}

// Schema is the complete set of field mappings for one table binding,
// plus the ordered list of candidate identity-column names.
type Schema struct {
	Entries            []Entry
	IdentityCandidates []string
}

// UserResult is what a UserMapper returns for one username (spec §4.5).
type UserResult struct {
	State       UserState
	SinkUserID  string
	DisplayName string
}

// UserState mirrors UserMapper's three possible outcomes.
type UserState int

const (
	UserValid UserState = iota
	UserEmpty
	UserPending
)

// UserMapper is the subset of internal/usermap's contract the user
// processor depends on. Defined here, implemented there, to keep
// internal/fields free of a dependency on UserCache's persistence.
// email is the source user's address, carried alongside username so
// the offline resolver has something to actually look up against the
// sink directory (spec §4.2's lookup_user takes an email, not a
// source-side username).
type UserMapper interface {
	Map(ctx context.Context, username, email string) (UserResult, error)
}

// Issue is the narrow view of jira.Issue the processors need; kept as
// a type alias so call sites can pass a jira.Issue directly.
type Issue = jira.Issue
