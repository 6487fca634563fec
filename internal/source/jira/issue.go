// Package jira implements the SourceClient contract (spec §4.1): query
// issues by filter expression, fetch one issue by key, and return raw
// field maps. It is the only package that understands the JIRA REST
// wire format.
package jira

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Issue is the transient, source-side representation of a JIRA issue.
// It is discarded after FieldProcessor projects it into a sink row.
type Issue struct {
	// Key is the stable identifier, e.g. "TP-3153".
	Key string
	// Updated is fields.updated, parsed from its ISO-8601 wire form.
	Updated time.Time
	// Fields is the opaque raw field map, interpreted by the schema.
	Fields map[string]any
}

// UpdatedUnixMilli returns Updated as epoch milliseconds, the unit
// ProcessingLog persists.
func (i Issue) UpdatedUnixMilli() int64 {
	return i.Updated.UnixMilli()
}

// wireIssue mirrors the subset of the JIRA issue JSON shape this
// client depends on.
type wireIssue struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields"`
}

func (w wireIssue) toIssue() (Issue, error) {
	updatedRaw, _ := w.Fields["updated"].(string)
	updated, err := time.Parse(time.RFC3339, normalizeOffset(updatedRaw))
	if err != nil {
		return Issue{}, errors.Wrapf(err, "parsing updated timestamp %q for issue %s", updatedRaw, w.Key)
	}
	return Issue{Key: w.Key, Updated: updated, Fields: w.Fields}, nil
}

// normalizeOffset rewrites JIRA's "+0800" style zone offset (no colon)
// into the "+08:00" form time.RFC3339 expects.
func normalizeOffset(ts string) string {
	if len(ts) < 5 {
		return ts
	}
	tail := ts[len(ts)-5:]
	if (tail[0] == '+' || tail[0] == '-') && tail[3] != ':' {
		return ts[:len(ts)-5] + tail[:3] + ":" + tail[3:]
	}
	return ts
}

type searchResponse struct {
	Issues     []wireIssue `json:"issues"`
	StartAt    int         `json:"startAt"`
	MaxResults int         `json:"maxResults"`
	Total      int         `json:"total"`
}

func parseSearchResponse(body []byte) (searchResponse, error) {
	var resp searchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return searchResponse{}, errors.Wrap(err, "decoding JIRA search response")
	}
	return resp, nil
}
