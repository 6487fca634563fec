package config

import (
	"github.com/ticket-sink/ticket-sink/internal/fields"
)

// Schema builds a fields.Schema from either the newer schema-file form
// (field_mappings.schema_file) or the legacy inline jira_to_lark map
// (spec §6: "both forms are equivalent"). It does not apply
// issue_link_rules; runtime.Binding does that with LinkPrefixFilter.
func (c *Config) Schema() (fields.Schema, error) {
	if c.FieldMappings.SchemaFile != "" {
		return fields.LoadSchemaFile(c.FieldMappings.SchemaFile)
	}
	return c.legacySchema(), nil
}

// legacySchema interprets the flat jira_to_lark map as a schema where
// every entry defaults to the "simple" processor, since the legacy
// form carries no processor tag of its own. It exists to keep old
// configuration files working; new deployments should use a schema
// file.
func (c *Config) legacySchema() fields.Schema {
	entries := make([]fields.Entry, 0, len(c.FieldMappings.JiraToLark)+len(c.FieldMappings.TicketFields))
	for source, sink := range c.FieldMappings.JiraToLark {
		entries = append(entries, fields.Entry{SourcePath: source, SinkField: sink, Kind: fields.KindSimple})
	}
	for _, candidate := range c.FieldMappings.TicketFields {
		entries = append(entries, fields.Entry{SinkField: candidate, Kind: fields.KindTicketHyperlink})
	}
	return fields.Schema{Entries: entries, IdentityCandidates: c.FieldMappings.TicketFields}
}

// LinkPrefixFilter converts issue_link_rules into the map shape
// fields.Entry.LinkPrefixFilter expects.
func (c *Config) LinkPrefixFilter() map[string][]string {
	out := make(map[string][]string, len(c.IssueLinkRules))
	for prefix, rule := range c.IssueLinkRules {
		out[prefix] = rule.DisplayLinkPrefixes
	}
	return out
}
