// Package lark implements the SinkClient contract (spec §4.2) against
// the Lark Base (Bitable) REST API: resolving a workspace token to an
// app token, scanning a table, batch-creating and updating records,
// listing columns, and looking up directory users by email.
package lark

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/ticket-sink/ticket-sink/internal/errs"
)

// createChunkSize is the sink's documented maximum rows per
// batch_create call (spec §4.2).
const createChunkSize = 500

// Config holds the app credentials for the Lark/Bitable API (spec §6,
// sink.*).
type Config struct {
	AppID     string
	AppSecret string
	BaseURL   string // defaults to the production Lark Open Platform host when empty
}

// Row is one record returned from a table scan.
type Row struct {
	RowID  string
	Fields map[string]any
}

// Column describes one field on a live table, used to discover the
// hyperlink-typed identity column (spec §4.3).
type Column struct {
	Name string
	Type string
}

// UserRef is the sink's representation of a directory user, returned
// by LookupUser and embedded in person-field projections.
type UserRef struct {
	ID    string
	Email string
	Name  string
}

// Client implements the SinkClient contract.
type Client struct {
	http    *retryablehttp.Client
	limiter *rate.Limiter
	baseURL string
	cfg     Config

	tokens *tokenCache
}

// New constructs a Client. rps bounds outbound request rate per spec
// §4.2's "respect a documented cap"; callers typically derive this
// from the sink's advertised per-app rate limit.
func New(cfg Config, rps float64) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://open.larksuite.com"
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = nil
	rc.CheckRetry = checkRetry

	return &Client{
		http:    rc,
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		baseURL: strings.TrimSuffix(base, "/"),
		cfg:     cfg,
		tokens:  newTokenCache(),
	}
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// Resolve returns the app_token for workspaceToken, memoized with a
// TTL (spec §4.2).
func (c *Client) Resolve(ctx context.Context, workspaceToken string) (string, error) {
	if tok, ok := c.tokens.get(workspaceToken); ok {
		return tok, nil
	}
	raw, err := c.call(ctx, http.MethodGet, "/open-apis/bitable/v1/apps/"+workspaceToken, nil)
	if err != nil {
		return "", err
	}
	var resp struct {
		Data struct {
			App struct {
				AppToken string `json:"app_token"`
			} `json:"app"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", errs.Protocol(err, "decoding resolve response")
	}
	c.tokens.put(workspaceToken, resp.Data.App.AppToken, 10*time.Minute)
	return resp.Data.App.AppToken, nil
}

// Scan performs a full, paginated table scan, returning every row
// exactly once.
func (c *Client) Scan(ctx context.Context, appToken, tableID string, fieldSubset []string) ([]Row, error) {
	var all []Row
	pageToken := ""
	for {
		path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records?page_size=500", appToken, tableID)
		if pageToken != "" {
			path += "&page_token=" + pageToken
		}
		if len(fieldSubset) > 0 {
			path += "&field_names=" + strings.Join(fieldSubset, ",")
		}
		raw, err := c.call(ctx, http.MethodGet, path, nil)
		if err != nil {
			return nil, err
		}
		var resp struct {
			Data struct {
				Items []struct {
					RecordID string         `json:"record_id"`
					Fields   map[string]any `json:"fields"`
				} `json:"items"`
				HasMore   bool   `json:"has_more"`
				PageToken string `json:"page_token"`
			} `json:"data"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, errs.Protocol(err, "decoding scan page")
		}
		for _, item := range resp.Data.Items {
			all = append(all, Row{RowID: item.RecordID, Fields: item.Fields})
		}
		if !resp.Data.HasMore {
			break
		}
		pageToken = resp.Data.PageToken
	}
	return all, nil
}

// CreateResult is BatchCreate's per-row outcome, aligned by input
// index with the rows slice passed in.
type CreateResult struct {
	RowID string
	Err   error
}

// BatchCreate creates rows, splitting into sub-calls of at most
// createChunkSize (spec §4.2). Results are returned aligned by input
// index so callers can reconcile successes and failures per row.
func (c *Client) BatchCreate(
	ctx context.Context, appToken, tableID string, rows []map[string]any,
) ([]CreateResult, error) {
	results := make([]CreateResult, len(rows))
	for start := 0; start < len(rows); start += createChunkSize {
		end := start + createChunkSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := c.batchCreateChunk(ctx, appToken, tableID, rows[start:end], results[start:end]); err != nil {
			return results, err
		}
	}
	return results, nil
}

func (c *Client) batchCreateChunk(
	ctx context.Context, appToken, tableID string, rows []map[string]any, out []CreateResult,
) error {
	records := make([]map[string]any, len(rows))
	for i, r := range rows {
		records[i] = map[string]any{"fields": r}
	}
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/batch_create", appToken, tableID)
	// client_token lets Lark de-duplicate this exact chunk if the
	// retryable transport resends it after a response timeout (the
	// request may have actually succeeded server-side); a fresh token
	// per chunk, not per attempt, is what makes retries of the same
	// chunk idempotent rather than retries of the same logical create.
	raw, err := c.call(ctx, http.MethodPost, path, map[string]any{"records": records, "client_token": uuid.NewString()})
	if err != nil {
		// The whole chunk failed transport/protocol-wise: every row in
		// it is recorded as failed so BatchProcessor can surface them
		// without aborting the rest of the cycle.
		for i := range out {
			out[i] = CreateResult{Err: err}
		}
		return nil
	}
	var resp struct {
		Data struct {
			Records []struct {
				RecordID string `json:"record_id"`
			} `json:"records"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		for i := range out {
			out[i] = CreateResult{Err: errs.Protocol(err, "decoding batch_create response")}
		}
		return nil
	}
	for i := range out {
		if i < len(resp.Data.Records) {
			out[i] = CreateResult{RowID: resp.Data.Records[i].RecordID}
		} else {
			out[i] = CreateResult{Err: errors.New("batch_create response missing record")}
		}
	}
	return nil
}

// Update performs a single-row update; the sink has no native batch
// update (spec §4.2).
func (c *Client) Update(ctx context.Context, appToken, tableID, rowID string, fields map[string]any) error {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s", appToken, tableID, rowID)
	_, err := c.call(ctx, http.MethodPut, path, map[string]any{"fields": fields})
	if err != nil {
		if errs.Is(err, errs.KindProtocol) && isNotFound(err) {
			return errs.Precondition(err, "sink row no longer exists: "+rowID)
		}
		return err
	}
	return nil
}

func isNotFound(err error) bool {
	return strings.Contains(err.Error(), "status 404")
}

// ListColumns returns the live column set for a table, used to
// discover the hyperlink-typed identity column (spec §4.3).
func (c *Client) ListColumns(ctx context.Context, appToken, tableID string) ([]Column, error) {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/fields?page_size=100", appToken, tableID)
	raw, err := c.call(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data struct {
			Items []struct {
				FieldName string `json:"field_name"`
				Type      any    `json:"type"`
			} `json:"items"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errs.Protocol(err, "decoding list_columns response")
	}
	cols := make([]Column, len(resp.Data.Items))
	for i, item := range resp.Data.Items {
		cols[i] = Column{Name: item.FieldName, Type: fieldTypeName(item.Type)}
	}
	return cols, nil
}

// fieldTypeName maps Bitable's numeric field-type codes to readable
// names. 15 is the hyperlink/URL field type.
func fieldTypeName(raw any) string {
	n, ok := raw.(float64)
	if !ok {
		return "unknown"
	}
	if n == 15 {
		return "hyperlink"
	}
	return fmt.Sprintf("type-%d", int(n))
}

// LookupUser resolves an email to a directory user reference, or nil
// if no match exists (spec §4.2, used by UserMapper's offline path).
func (c *Client) LookupUser(ctx context.Context, email string) (*UserRef, error) {
	path := "/open-apis/contact/v3/users/batch_get_id?user_id_type=open_id"
	raw, err := c.call(ctx, http.MethodPost, path, map[string]any{"emails": []string{email}})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data struct {
			UserList []struct {
				UserID string `json:"user_id"`
				Email  string `json:"email"`
			} `json:"user_list"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, errs.Protocol(err, "decoding lookup_user response")
	}
	if len(resp.Data.UserList) == 0 || resp.Data.UserList[0].UserID == "" {
		return nil, nil
	}
	return &UserRef{ID: resp.Data.UserList[0].UserID, Email: email}, nil
}

func (c *Client) call(ctx context.Context, method, path string, body any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "waiting for sink rate limiter")
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "encoding request body")
		}
	}

	token, err := c.appAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, errors.Wrap(err, "building request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
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
	if resp.StatusCode == http.StatusNotFound {
		return nil, errs.Protocol(errors.Errorf("status 404: %s", string(raw)), method+" "+path)
	}
	if resp.StatusCode >= 400 {
		return nil, errs.Protocol(errors.Errorf("status %d: %s", resp.StatusCode, string(raw)), method+" "+path)
	}
	return raw, nil
}

// appAccessToken fetches and memoizes the app-level access token used
// to authorize every other call (distinct from the workspace →
// app_token resolution that Resolve performs).
func (c *Client) appAccessToken(ctx context.Context) (string, error) {
	const cacheKey = "__app_access_token__"
	if tok, ok := c.tokens.get(cacheKey); ok {
		return tok, nil
	}
	payload, _ := json.Marshal(map[string]string{
		"app_id":     c.cfg.AppID,
		"app_secret": c.cfg.AppSecret,
	})
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/open-apis/auth/v3/app_access_token/internal", payload)
	if err != nil {
		return "", errors.Wrap(err, "building token request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", errs.Transport(err, "fetching app_access_token")
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errs.Transport(err, "reading token response")
	}
	var parsed struct {
		AppAccessToken string `json:"app_access_token"`
		Expire         int    `json:"expire"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", errs.Protocol(err, "decoding token response")
	}
	ttl := time.Duration(parsed.Expire) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	c.tokens.put(cacheKey, parsed.AppAccessToken, ttl)
	return parsed.AppAccessToken, nil
}
