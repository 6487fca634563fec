// Package ident holds the lightweight typed identifiers threaded
// through the sync pipeline: teams, tables, bindings, and issue keys.
package ident

import "fmt"

// Team identifies a JIRA/Lark team configuration namespace.
type Team string

// TableKey is the configuration name of a table within a team, e.g.
// "tp" in teams.mgmt.tables.tp.
type TableKey string

// TableID is the fully-qualified identifier for a binding's local
// state (processing log file name, metrics label, log field). It is
// stable across config reloads as long as team/table names don't
// change.
type TableID string

// NewTableID builds the canonical TableID for a (team, table) pair.
func NewTableID(team Team, table TableKey) TableID {
	return TableID(fmt.Sprintf("%s.%s", team, table))
}

// Binding identifies one (team, table) pairing.
type Binding struct {
	Team  Team
	Table TableKey
}

// ID returns the canonical TableID for the binding.
func (b Binding) ID() TableID {
	return NewTableID(b.Team, b.Table)
}

// String implements fmt.Stringer.
func (b Binding) String() string {
	return string(b.ID())
}

// IssueKey is a stable source-side issue identifier, e.g. "TP-3153".
type IssueKey string

// Username is a source-side (JIRA) account identifier used as the key
// into the UserCache.
type Username string
