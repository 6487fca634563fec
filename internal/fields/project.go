package fields

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ticket-sink/ticket-sink/internal/errs"
)

// Projector turns issues into sink rows against a Schema. It holds the
// collaborators a subset of processors need: a base URL to build
// ticket hyperlinks, and the UserMapper the user processor delegates
// to (spec §4.5).
type Projector struct {
	BaseURL string
	Mapper  UserMapper
}

// Project implements FieldProcessor.project (spec §4.3): only columns
// present in tableColumns and not in excluded are emitted; a
// projection error on a single field nulls that field and logs, while
// an error on identityField fails the whole issue.
func (p *Projector) Project(
	ctx context.Context,
	issue Issue,
	schema Schema,
	tableColumns map[string]bool,
	excluded map[string]bool,
	identityField string,
) (map[string]any, error) {
	out := make(map[string]any, len(schema.Entries))
	prefix := issuePrefix(issue.Key)

	for _, entry := range schema.Entries {
		if entry.SinkField == "" || !tableColumns[entry.SinkField] || excluded[entry.SinkField] {
			continue
		}

		value, skip, err := p.evaluate(ctx, issue, entry, prefix)
		if err != nil {
			if entry.SinkField == identityField {
				return nil, errs.Projection(err, "projecting identity field for "+issue.Key)
			}
			log.WithError(err).WithFields(log.Fields{
				"issue_key":  issue.Key,
				"sink_field": entry.SinkField,
			}).Warn("field projection failed, nulling field")
			out[entry.SinkField] = nil
			continue
		}
		if skip {
			continue
		}
		out[entry.SinkField] = value
	}
	return out, nil
}

func (p *Projector) evaluate(ctx context.Context, issue Issue, entry Entry, prefix string) (any, bool, error) {
	switch entry.Kind {
	case KindTicketHyperlink:
		return hyperlink(p.BaseURL, issue.Key), false, nil
	case KindSimple:
		return lookupPath(issue.Fields, entry.SourcePath), false, nil
	case KindNested:
		v, _ := lookupNested(issue.Fields, entry.SourcePath)
		return v, false, nil
	case KindDatetime:
		raw, _ := lookupPath(issue.Fields, entry.SourcePath).(string)
		if raw == "" {
			return nil, false, nil
		}
		ms, err := parseDatetimeMillis(raw)
		if err != nil {
			log.WithError(err).WithField("issue_key", issue.Key).Warn("unparseable datetime, nulling field")
			return nil, false, nil
		}
		return ms, false, nil
	case KindComponents, KindVersions:
		return namesOf(lookupPath(issue.Fields, entry.SourcePath)), false, nil
	case KindLinks:
		return filterLinks(linkedKeys(lookupPath(issue.Fields, entry.SourcePath)), prefix, entry.LinkPrefixFilter, p.BaseURL), false, nil
	case KindUser:
		username, _ := lookupNested(issue.Fields, entry.SourcePath)
		uname, _ := username.(string)
		if uname == "" {
			return nil, false, nil
		}
		email := siblingString(issue.Fields, entry.SourcePath, "emailAddress")
		res, err := p.Mapper.Map(ctx, uname, email)
		if err != nil {
			return nil, false, err
		}
		switch res.State {
		case UserValid:
			return map[string]any{"id": res.SinkUserID, "name": res.DisplayName}, false, nil
		case UserEmpty:
			if res.DisplayName == "" {
				return nil, false, nil
			}
			return res.DisplayName, false, nil
		default: // UserPending: omit the field entirely so the record can still be written.
			return nil, true, nil
		}
	default:
		return nil, false, nil
	}
}

func issuePrefix(key string) string {
	if i := strings.IndexByte(key, '-'); i > 0 {
		return key[:i]
	}
	return key
}

func hyperlink(baseURL, key string) map[string]string {
	return map[string]string{"link": canonicalURL(baseURL, key), "text": key}
}

func canonicalURL(baseURL, key string) string {
	return strings.TrimSuffix(baseURL, "/") + "/browse/" + key
}

// lookupPath returns fields[path] verbatim (including an explicit
// nil), for processors with no dotted traversal.
func lookupPath(fields map[string]any, path string) any {
	v, ok := fields[path]
	if !ok {
		return nil
	}
	return v
}

// lookupNested dereferences a dotted path, e.g. "assignee.name". A
// missing intermediate yields "" (the zero value), distinct from a
// present-but-empty value, which a caller can still tell apart by
// checking presence upstream if it needs to.
func lookupNested(fields map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = fields
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	return cur, true
}

// siblingString looks up the value at path with its final segment
// replaced by siblingKey, e.g. siblingString(fields, "assignee.name",
// "emailAddress") reads fields["assignee"]["emailAddress"]. JIRA's
// assignee object carries both under the same parent.
func siblingString(fields map[string]any, path, siblingKey string) string {
	parts := strings.Split(path, ".")
	if len(parts) == 0 {
		return ""
	}
	parts[len(parts)-1] = siblingKey
	v, ok := lookupNested(fields, strings.Join(parts, "."))
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// namesOf extracts an ordered list of "name" fields from a JIRA-style
// array of objects (components, fixVersions).
func namesOf(raw any) []string {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	names := make([]string, 0, len(arr))
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if name, ok := obj["name"].(string); ok {
			names = append(names, name)
		}
	}
	return names
}

type linkedIssue struct {
	Key string
}

// linkedKeys extracts the linked-issue keys from a JIRA issuelinks
// array, following whichever of inwardIssue/outwardIssue is present.
func linkedKeys(raw any) []linkedIssue {
	arr, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []linkedIssue
	for _, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		for _, side := range []string{"outwardIssue", "inwardIssue"} {
			linked, ok := obj[side].(map[string]any)
			if !ok {
				continue
			}
			if key, ok := linked["key"].(string); ok {
				out = append(out, linkedIssue{Key: key})
			}
		}
	}
	return out
}

func filterLinks(links []linkedIssue, fromPrefix string, filter map[string][]string, baseURL string) []map[string]string {
	allowed, configured := filter[fromPrefix]
	out := make([]map[string]string, 0, len(links))
	for _, l := range links {
		if configured && !contains(allowed, issuePrefix(l.Key)) {
			continue
		}
		out = append(out, hyperlink(baseURL, l.Key))
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// parseDatetimeMillis parses an ISO-8601 timestamp with a timezone
// offset, tolerating JIRA's colonless "+0800" form, and returns epoch
// milliseconds.
func parseDatetimeMillis(raw string) (int64, error) {
	t, err := time.Parse(time.RFC3339, normalizeOffset(raw))
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}

func normalizeOffset(ts string) string {
	if len(ts) < 5 {
		return ts
	}
	tail := ts[len(ts)-5:]
	if (tail[0] == '+' || tail[0] == '-') && tail[3] != ':' {
		if _, err := strconv.Atoi(tail[1:]); err == nil {
			return ts[:len(ts)-5] + tail[:3] + ":" + tail[3:]
		}
	}
	return ts
}

// ResolveIdentityColumn picks the first candidate name from
// schema.IdentityCandidates that is present in liveColumns with the
// sink's hyperlink type (spec §3: "first name present in a configured
// list ... that also resolves to a hyperlink-typed column").
func ResolveIdentityColumn(schema Schema, liveColumns map[string]string) (string, error) {
	for _, candidate := range schema.IdentityCandidates {
		if typ, ok := liveColumns[candidate]; ok && typ == "hyperlink" {
			return candidate, nil
		}
	}
	return "", errs.Configuration(
		errors.New("no identity-column candidate resolves to a hyperlink-typed column"),
		"resolving identity column",
	)
}
