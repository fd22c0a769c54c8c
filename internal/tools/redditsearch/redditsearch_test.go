package redditsearch

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/scout/internal/backoff"
	"github.com/haasonsaas/scout/internal/providers/websearch"
	"github.com/haasonsaas/scout/internal/retry"
	"github.com/haasonsaas/scout/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHandler(t *testing.T, srv *httptest.Server) *Handler {
	t.Helper()
	client := websearch.New(websearch.Config{
		APIKey:  "test-key",
		BaseURL: srv.URL,
		Logger:  discardLogger(),
		RetryPolicy: &retry.Policy{
			MaxAttempts: 2,
			Backoff:     backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2},
			Retryable:   retry.RetryableStatuses(429, 500, 502, 503, 504),
		},
	})
	return New(client, discardLogger(), nil)
}

// queryOf extracts the single scoped query of a batched request.
func queryOf(t *testing.T, r *http.Request) string {
	t.Helper()
	body, _ := io.ReadAll(r.Body)
	var payload []struct {
		Q string `json:"q"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload) != 1 {
		t.Errorf("expected a single-query batch, got %s", body)
		return ""
	}
	return payload[0].Q
}

func callHandler(t *testing.T, h *Handler, params Params) *tools.Response {
	t.Helper()
	args, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	resp := h.Handle(context.Background(), args)
	if resp == nil {
		t.Fatal("Handle returned nil")
	}
	return resp
}

func TestHandleRanksAcrossQueries(t *testing.T) {
	var mu sync.Mutex
	var wireQueries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := queryOf(t, r)
		mu.Lock()
		wireQueries = append(wireQueries, q)
		mu.Unlock()

		switch {
		case strings.Contains(q, "best keyboard"):
			_, _ = w.Write([]byte(`[{"organic": [
				{"title": "Shared thread", "link": "https://reddit.com/r/mk/shared", "snippet": "everyone agrees"},
				{"title": "Keyboard only", "link": "https://reddit.com/r/mk/kb", "snippet": "kb"}
			]}]`))
		case strings.Contains(q, "quiet switches"):
			_, _ = w.Write([]byte(`[{"organic": [
				{"title": "Switch thread", "link": "https://reddit.com/r/mk/sw", "snippet": "sw"},
				{"title": "Shared thread", "link": "https://reddit.com/r/mk/shared", "snippet": "again"}
			]}]`))
		default:
			t.Errorf("unexpected query %q", q)
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	h := newHandler(t, srv)

	resp := callHandler(t, h, Params{Queries: []string{"best keyboard", "quiet switches"}})

	if resp.IsError {
		t.Fatalf("IsError = true, body:\n%s", resp.Body)
	}
	want := tools.Stats{Requested: 2, Succeeded: 2, Items: 4, Attempts: 2}
	if resp.Stats != want {
		t.Errorf("Stats = %+v, want %+v", resp.Stats, want)
	}

	for _, q := range wireQueries {
		if !strings.Contains(q, "site:reddit.com") {
			t.Errorf("wire query %q is missing the site filter", q)
		}
	}

	idxConsensus := strings.Index(resp.Body, "## Cross-query consensus")
	idxTop := strings.Index(resp.Body, "## Top links")
	idxPer := strings.Index(resp.Body, "## Per-query results")
	if idxConsensus < 0 || idxTop < idxConsensus || idxPer < idxTop {
		t.Fatalf("sections out of order (consensus=%d top=%d per=%d):\n%s", idxConsensus, idxTop, idxPer, resp.Body)
	}

	consensusSection := resp.Body[idxConsensus:idxTop]
	if !strings.Contains(consensusSection, "https://reddit.com/r/mk/shared") {
		t.Errorf("consensus section is missing the shared URL:\n%s", consensusSection)
	}
	if !strings.Contains(consensusSection, "score 1.50, 2 queries") {
		t.Errorf("consensus section is missing the score annotation:\n%s", consensusSection)
	}
	if strings.Contains(consensusSection, "https://reddit.com/r/mk/kb") {
		t.Errorf("single-query URL leaked into consensus:\n%s", consensusSection)
	}

	// Overall ranking: shared (1.5) before sw (1.0) before kb (0.5).
	topSection := resp.Body[idxTop:idxPer]
	iShared := strings.Index(topSection, "https://reddit.com/r/mk/shared")
	iSw := strings.Index(topSection, "https://reddit.com/r/mk/sw")
	iKb := strings.Index(topSection, "https://reddit.com/r/mk/kb")
	if iShared < 0 || iSw < iShared || iKb < iSw {
		t.Errorf("top links out of score order (shared=%d sw=%d kb=%d):\n%s", iShared, iSw, iKb, topSection)
	}

	// Raw per-query lists are preserved with the original query headers.
	perSection := resp.Body[idxPer:]
	for _, q := range []string{"best keyboard", "quiet switches"} {
		if !strings.Contains(perSection, "### "+q) {
			t.Errorf("per-query section for %q missing:\n%s", q, perSection)
		}
	}
}

func TestHandleMaxResultsCapsRankedListsOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"organic": [
			{"title": "A", "link": "https://reddit.com/a", "snippet": ""},
			{"title": "B", "link": "https://reddit.com/b", "snippet": ""},
			{"title": "C", "link": "https://reddit.com/c", "snippet": ""}
		]}]`))
	}))
	t.Cleanup(srv.Close)
	h := newHandler(t, srv)

	resp := callHandler(t, h, Params{Queries: []string{"only query"}, MaxResults: 2})

	if resp.IsError {
		t.Fatalf("IsError = true, body:\n%s", resp.Body)
	}
	// The third URL is cut from the ranked list but stays in the raw
	// per-query list, so it appears exactly once.
	if got := strings.Count(resp.Body, "https://reddit.com/c"); got != 1 {
		t.Errorf("third URL appears %d times, want 1 (per-query list only):\n%s", got, resp.Body)
	}
	if got := strings.Count(resp.Body, "https://reddit.com/a"); got != 2 {
		t.Errorf("first URL appears %d times, want 2 (ranked + per-query):\n%s", got, resp.Body)
	}
}

func TestHandleRejectsBadArguments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("rejected arguments reached the provider")
	}))
	t.Cleanup(srv.Close)
	h := newHandler(t, srv)

	cases := []struct {
		name string
		args string
	}{
		{"no queries", `{"queries": []}`},
		{"too many queries", `{"queries": ["1","2","3","4","5","6","7","8","9"]}`},
		{"negative max_results", `{"queries": ["q"], "max_results": -1}`},
		{"not json", `{"queries":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := h.Handle(context.Background(), json.RawMessage(tc.args))
			if !resp.IsError {
				t.Fatalf("IsError = false, body:\n%s", resp.Body)
			}
			if !strings.HasPrefix(resp.Body, tools.ErrorSentinel) {
				t.Errorf("body does not start with the error sentinel:\n%s", resp.Body)
			}
		})
	}
}

func TestHandleAllQueriesFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	h := newHandler(t, srv)

	resp := callHandler(t, h, Params{Queries: []string{"a", "b"}})

	if !resp.IsError {
		t.Fatal("IsError = false, want true when every query failed")
	}
	for _, want := range []string{"Reddit search failed", "SEARCH_API_KEY", "environment variable"} {
		if !strings.Contains(resp.Body, want) {
			t.Errorf("body is missing %q:\n%s", want, resp.Body)
		}
	}
}

func TestHandlePartialFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(queryOf(t, r), "broken") {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[{"organic": [{"title": "OK", "link": "https://reddit.com/ok", "snippet": ""}]}]`))
	}))
	t.Cleanup(srv.Close)
	h := newHandler(t, srv)

	resp := callHandler(t, h, Params{Queries: []string{"working", "broken"}})

	if resp.IsError {
		t.Fatalf("IsError = true, want partial success, body:\n%s", resp.Body)
	}
	// broken exhausts both attempts, working takes one.
	want := tools.Stats{Requested: 2, Succeeded: 1, Failed: 1, Items: 1, Attempts: 3, Retries: 1}
	if resp.Stats != want {
		t.Errorf("Stats = %+v, want %+v", resp.Stats, want)
	}
	if !strings.Contains(resp.Body, "❌ Failed: broken") {
		t.Errorf("body is missing the per-query failure line:\n%s", resp.Body)
	}
}
