package jira

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/ticket-sink/ticket-sink/internal/errs"
	"github.com/ticket-sink/ticket-sink/internal/source/jira/msort"
)

// searchPageSize is the number of issues requested per page during
// search. JIRA's own ceiling is typically much higher, but a smaller
// page keeps individual requests fast and retryable.
const searchPageSize = 100

// keyChunkSize bounds how many issue keys are folded into a single
// "key in (...)" sub-query during full-refresh mode, so that request
// URIs stay well under the server's length limit (spec §4.1).
const keyChunkSize = 100

// Config holds the connection details for the upstream JIRA server
// (spec §6, source.*).
type Config struct {
	ServerURL  string
	Username   string
	Password   string
	CACertPath string
}

// Client implements the SourceClient contract.
type Client struct {
	http    *retryablehttp.Client
	baseURL *url.URL
	cfg     Config
}

// New constructs a Client from cfg. ca_cert_path, if set, is expected
// to have already been resolved to an absolute path by
// internal/config (spec §6).
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.ServerURL)
	if err != nil {
		return nil, errs.Configuration(err, "parsing source.server_url")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.CACertPath != "" {
		pool, err := loadCACert(cfg.CACertPath)
		if err != nil {
			return nil, errs.Configuration(err, "loading source.ca_cert_path")
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = transport
	rc.RetryMax = 3
	rc.Logger = nil // structured logging happens at the call site, not in the transport
	rc.CheckRetry = checkRetry

	return &Client{http: rc, baseURL: base, cfg: cfg}, nil
}

func loadCACert(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading CA cert %s", path)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.Errorf("no certificates parsed from %s", path)
	}
	return pool, nil
}

// checkRetry classifies which failures retryablehttp should retry:
// network errors and 5xx/429 responses, per spec §4.1's "exponential
// backoff on transient errors (network, 5xx, throttling)".
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return true, nil
	}
	if resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// Search returns every issue matching filterExpr, deduplicated by key
// keeping the entry with the greatest Updated. It is atomic in
// outcome: either the complete result set is returned, or an error is
// returned and no partial results are visible to the caller.
func (c *Client) Search(ctx context.Context, filterExpr string, fieldSet []string) ([]Issue, error) {
	var all []Issue
	startAt := 0
	for {
		page, total, err := c.searchPage(ctx, filterExpr, fieldSet, startAt, searchPageSize)
		if err != nil {
			// Atomicity: a failure mid-pagination discards everything
			// gathered so far rather than returning a truncated set.
			return nil, err
		}
		all = append(all, page...)
		startAt += len(page)
		if len(page) == 0 || startAt >= total {
			break
		}
	}
	return dedupeByKey(all), nil
}

func dedupeByKey(issues []Issue) []Issue {
	entries := make([]msort.Entry, len(issues))
	for i, iss := range issues {
		entries[i] = msort.Entry{Key: iss.Key, UpdatedUnixMilli: iss.UpdatedUnixMilli(), Index: i}
	}
	kept := msort.UniqueByKey(entries)
	out := make([]Issue, len(kept))
	for i, e := range kept {
		out[i] = issues[e.Index]
	}
	return out
}

func (c *Client) searchPage(
	ctx context.Context, filterExpr string, fieldSet []string, startAt, maxResults int,
) ([]Issue, int, error) {
	body := map[string]any{
		"jql":        filterExpr,
		"startAt":    startAt,
		"maxResults": maxResults,
	}
	if len(fieldSet) > 0 {
		body["fields"] = fieldSet
	}
	raw, err := c.post(ctx, "/rest/api/2/search", body)
	if err != nil {
		return nil, 0, err
	}
	resp, err := parseSearchResponse(raw)
	if err != nil {
		return nil, 0, errs.Protocol(err, "search")
	}
	issues := make([]Issue, 0, len(resp.Issues))
	for _, w := range resp.Issues {
		iss, err := w.toIssue()
		if err != nil {
			log.WithError(err).WithField("issue_key", w.Key).Warn("skipping issue with unparseable updated timestamp")
			continue
		}
		issues = append(issues, iss)
	}
	return issues, resp.Total, nil
}

// Get fetches a single issue by key.
func (c *Client) Get(ctx context.Context, key string, fieldSet []string) (Issue, error) {
	path := fmt.Sprintf("/rest/api/2/issue/%s", url.PathEscape(key))
	if len(fieldSet) > 0 {
		path += "?fields=" + url.QueryEscape(strings.Join(fieldSet, ","))
	}
	raw, err := c.get(ctx, path)
	if err != nil {
		return Issue{}, err
	}
	var w wireIssue
	if err := json.Unmarshal(raw, &w); err != nil {
		return Issue{}, errs.Protocol(err, "decoding issue "+key)
	}
	iss, err := w.toIssue()
	if err != nil {
		return Issue{}, errs.Protocol(err, "parsing issue "+key)
	}
	return iss, nil
}

// SearchByKeys fetches the given issues by key, partitioning the
// request into sub-queries of at most keyChunkSize keys each (spec
// §4.1, full-refresh mode) and composing their results.
func (c *Client) SearchByKeys(ctx context.Context, keys []string, fieldSet []string) ([]Issue, error) {
	var all []Issue
	for start := 0; start < len(keys); start += keyChunkSize {
		end := start + keyChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]
		jql := fmt.Sprintf("key in (%s)", strings.Join(quoteAll(chunk), ","))
		issues, err := c.Search(ctx, jql, fieldSet)
		if err != nil {
			return nil, err
		}
		all = append(all, issues...)
	}
	return dedupeByKey(all), nil
}

func quoteAll(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = `"` + strings.ReplaceAll(k, `"`, `\"`) + `"`
	}
	return out
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encoding request body")
	}
	return c.do(ctx, http.MethodPost, path, payload)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	full := *c.baseURL
	full.Path = strings.TrimSuffix(full.Path, "/") + path

	req, err := retryablehttp.NewRequestWithContext(ctx, method, full.String(), body)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errs.Transport(err, method+" "+path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Transport(err, "reading response body")
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, errs.Transport(errors.Errorf("status %d", resp.StatusCode), method+" "+path)
	}
	if resp.StatusCode >= 400 {
		return nil, errs.Protocol(errors.Errorf("status %d: %s", resp.StatusCode, string(raw)), method+" "+path)
	}
	return raw, nil
}
