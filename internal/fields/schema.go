package fields

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ticket-sink/ticket-sink/internal/errs"
)

// wireSchema is the on-disk schema-file form (spec.md §6: "the newer
// form is a schema file").
type wireSchema struct {
	TicketFields []string    `yaml:"ticket_fields"`
	Fields       []wireEntry `yaml:"fields"`
}

type wireEntry struct {
	Source           string              `yaml:"source"`
	Sink             string              `yaml:"sink"`
	Processor        string              `yaml:"processor"`
	LinkPrefixFilter map[string][]string `yaml:"link_prefix_filter,omitempty"`
}

// LoadSchemaFile reads and parses a schema file from path.
func LoadSchemaFile(path string) (Schema, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Schema{}, errs.Configuration(err, "reading schema file "+path)
	}
	return ParseSchema(raw)
}

// ParseSchema decodes a schema file's YAML content.
func ParseSchema(raw []byte) (Schema, error) {
	var w wireSchema
	if err := yaml.Unmarshal(raw, &w); err != nil {
		return Schema{}, errs.Configuration(err, "parsing schema file")
	}

	entries := make([]Entry, 0, len(w.Fields))
	for _, f := range w.Fields {
		kind, err := parseKind(f.Processor)
		if err != nil {
			return Schema{}, errs.Configuration(err, "field "+f.Sink)
		}
		entries = append(entries, Entry{
			SourcePath:       f.Source,
			SinkField:        f.Sink,
			Kind:             kind,
			LinkPrefixFilter: f.LinkPrefixFilter,
		})
	}

	identity := make([]Entry, 0, 1)
	for _, candidate := range w.TicketFields {
		identity = append(identity, Entry{SinkField: candidate, Kind: KindTicketHyperlink})
	}
	entries = append(entries, identity...)

	return Schema{Entries: entries, IdentityCandidates: w.TicketFields}, nil
}

func parseKind(name string) (Kind, error) {
	switch name {
	case "simple":
		return KindSimple, nil
	case "nested":
		return KindNested, nil
	case "user":
		return KindUser, nil
	case "datetime":
		return KindDatetime, nil
	case "components":
		return KindComponents, nil
	case "versions":
		return KindVersions, nil
	case "links":
		return KindLinks, nil
	case "ticket-hyperlink":
		return KindTicketHyperlink, nil
	default:
		return 0, errs.Configuration(errors.Errorf("unknown processor kind %q", name), "parsing schema")
	}
}
