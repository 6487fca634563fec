package lark

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) (*Client, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	c := New(Config{AppID: "app", AppSecret: "secret", BaseURL: srv.URL}, 100)
	return c, srv.Close
}

func tokenHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/open-apis/auth/v3/app_access_token/internal" {
		json.NewEncoder(w).Encode(map[string]any{"app_access_token": "tok", "expire": 7200})
		return
	}
}

func TestBatchCreateChunking(t *testing.T) {
	var chunkSizes []int
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		tokenHandler(w, r)
		if r.URL.Path == "/open-apis/auth/v3/app_access_token/internal" {
			return
		}
		var body struct {
			Records []map[string]any `json:"records"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		chunkSizes = append(chunkSizes, len(body.Records))
		resp := map[string]any{"data": map[string]any{"records": make([]map[string]string, len(body.Records))}}
		for i := range body.Records {
			resp["data"].(map[string]any)["records"].([]map[string]string)[i] = map[string]string{"record_id": "r"}
		}
		json.NewEncoder(w).Encode(resp)
	})
	defer closeFn()

	rows := make([]map[string]any, 1100)
	for i := range rows {
		rows[i] = map[string]any{"Key": "T-1"}
	}
	results, err := c.BatchCreate(context.Background(), "app_tok", "tbl", rows)
	if err != nil {
		t.Fatalf("BatchCreate: %v", err)
	}
	if len(results) != 1100 {
		t.Fatalf("expected 1100 results, got %d", len(results))
	}
	if len(chunkSizes) != 3 || chunkSizes[0] != 500 || chunkSizes[1] != 500 || chunkSizes[2] != 100 {
		t.Fatalf("unexpected chunk sizes: %v", chunkSizes)
	}
}

func TestResolveMemoizesAppToken(t *testing.T) {
	calls := 0
	c, closeFn := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		tokenHandler(w, r)
		if r.URL.Path == "/open-apis/auth/v3/app_access_token/internal" {
			return
		}
		calls++
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"app": map[string]any{"app_token": "AT1"}},
		})
	})
	defer closeFn()

	for i := 0; i < 3; i++ {
		tok, err := c.Resolve(context.Background(), "ws-1")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if tok != "AT1" {
			t.Fatalf("got %q", tok)
		}
	}
	if calls != 1 {
		t.Fatalf("expected Resolve to hit the network once, got %d", calls)
	}
}
