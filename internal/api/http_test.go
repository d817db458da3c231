package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/agent"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/deadletter"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/retrieval"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/sentiment"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/storage"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/vectorstore"
)

// --- mocks ---

type mockAnalyzer struct {
	err error
}

func (m *mockAnalyzer) Invoke(_ context.Context, payload json.RawMessage) (agent.Outcome, error) {
	id := uuid.New()
	in, err := sentiment.ParseInput(payload)
	if err != nil {
		return agent.Outcome{ContextID: id, State: agent.StateFailed}, &agent.Error{ContextID: id, Kind: agent.KindValidation, Err: err}
	}
	if m.err != nil {
		return agent.Outcome{ContextID: id, State: agent.StateFailed}, m.err
	}
	return agent.Outcome{
		ContextID: id,
		State:     agent.StateCompleted,
		Output: sentiment.Result{
			Country: in.Country, WindowStart: in.WindowStart, WindowEnd: in.WindowEnd,
			Severity: "High", Themes: []string{"wifi"}, Summary: fmt.Sprintf("%d complaints", len(in.Complaints)),
		},
	}, nil
}

func (m *mockAnalyzer) InvokeAll(ctx context.Context, payloads []json.RawMessage) []agent.Result {
	out := make([]agent.Result, len(payloads))
	for i, p := range payloads {
		o, err := m.Invoke(ctx, p)
		out[i] = agent.Result{Outcome: o, Err: err}
	}
	return out
}

type mockRetriever struct {
	hits []vectorstore.Hit
	err  error
	k    int
}

func (m *mockRetriever) Search(_ context.Context, _ string, k int) ([]vectorstore.Hit, error) {
	m.k = k
	return m.hits, m.err
}

func (m *mockRetriever) Ask(_ context.Context, question string, k int) (retrieval.Answer, error) {
	m.k = k
	if m.err != nil {
		return retrieval.Answer{}, m.err
	}
	return retrieval.Answer{Text: "answer to " + question, Hits: m.hits}, nil
}

type mockResults struct {
	records []storage.SentimentRecord
	country string
}

func (m *mockResults) ListSentimentResults(_ context.Context, country string, limit int) ([]storage.SentimentRecord, error) {
	m.country = country
	if limit < len(m.records) {
		return m.records[:limit], nil
	}
	return m.records, nil
}

type mockDeadLetters struct {
	letters []deadletter.Letter
}

func (m *mockDeadLetters) List(_ context.Context, limit int) ([]deadletter.Letter, error) {
	return m.letters, nil
}

func newTestHandler(t *testing.T, deps Deps) http.Handler {
	t.Helper()
	if deps.Analyzer == nil {
		deps.Analyzer = &mockAnalyzer{}
	}
	if deps.Retriever == nil {
		deps.Retriever = &mockRetriever{hits: []vectorstore.Hit{{EntityID: 7, Distance: 0.12, Content: "wifi down"}}}
	}
	if deps.Results == nil {
		deps.Results = &mockResults{}
	}
	if deps.DeadLetters == nil {
		deps.DeadLetters = &mockDeadLetters{}
	}
	return NewHandler(deps)
}

func do(h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// --- tests ---

func TestHealth(t *testing.T) {
	rr := do(newTestHandler(t, Deps{Token: "secret"}), http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rr.Code, http.StatusOK)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status=ok", body)
	}
}

func TestBearerAuth(t *testing.T) {
	h := newTestHandler(t, Deps{Token: "secret"})

	rr := do(h, http.MethodGet, "/v1/search?q=wifi", "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rr.Code)
	}
	rr = do(h, http.MethodGet, "/v1/search?q=wifi", "", "Authorization", "Bearer wrong")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rr.Code)
	}
	rr = do(h, http.MethodGet, "/v1/search?q=wifi", "", "Authorization", "Bearer secret")
	if rr.Code != http.StatusOK {
		t.Fatalf("good token: status = %d, want 200", rr.Code)
	}
}

func TestAnalyze(t *testing.T) {
	h := newTestHandler(t, Deps{})
	body := `{"country":"Belgium","windowStart":100,"windowEnd":200,"complaints":["wifi down","billing error"]}`

	rr := do(h, http.MethodPost, "/v1/analyses", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		ContextID string           `json:"contextId"`
		State     string           `json:"state"`
		Result    sentiment.Result `json:"result"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.State != "completed" || resp.ContextID == "" {
		t.Errorf("resp = %+v", resp)
	}
	if resp.Result.Country != "Belgium" || resp.Result.WindowStart != 100 || resp.Result.WindowEnd != 200 {
		t.Errorf("result = %+v", resp.Result)
	}
}

func TestAnalyzeErrors(t *testing.T) {
	tests := []struct {
		name     string
		analyzer *mockAnalyzer
		body     string
		wantCode int
		wantType string
	}{
		{"bad json", &mockAnalyzer{}, `{`, http.StatusBadRequest, "invalid_request_error"},
		{"validation", &mockAnalyzer{}, `{"country":"Belgium"}`, http.StatusUnprocessableEntity, "invalid_request_error"},
		{"timeout", &mockAnalyzer{err: &agent.Error{Kind: agent.KindTimeout, Err: context.DeadlineExceeded}}, `{"complaints":["a"]}`, http.StatusGatewayTimeout, "timeout_error"},
		{"transport", &mockAnalyzer{err: &agent.Error{Kind: agent.KindTransport, Err: errors.New("refused")}}, `{"complaints":["a"]}`, http.StatusBadGateway, "api_error"},
		{"invariant", &mockAnalyzer{err: &agent.Error{Kind: agent.KindInvariant, Err: errors.New("dup")}}, `{"complaints":["a"]}`, http.StatusInternalServerError, "server_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := do(newTestHandler(t, Deps{Analyzer: tt.analyzer}), http.MethodPost, "/v1/analyses", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.wantCode, rr.Body.String())
			}
			var body struct {
				Error errorBody `json:"error"`
			}
			json.NewDecoder(rr.Body).Decode(&body)
			if body.Error.Type != tt.wantType {
				t.Errorf("type = %q, want %q", body.Error.Type, tt.wantType)
			}
		})
	}
}

func TestAnalyzeBatch(t *testing.T) {
	h := newTestHandler(t, Deps{})
	body := `[{"country":"A","complaints":["x"]},{"country":"B"},{"country":"C","complaints":["y","z"]}]`

	rr := do(h, http.MethodPost, "/v1/analyses/batch", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rr.Code, rr.Body.String())
	}
	var resp []analysisResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp) != 3 {
		t.Fatalf("got %d results", len(resp))
	}
	if resp[0].Result == nil || resp[0].Result.Country != "A" {
		t.Errorf("first = %+v", resp[0])
	}
	if resp[1].Error == nil || resp[1].Result != nil {
		t.Errorf("second should have failed: %+v", resp[1])
	}
	if resp[2].Result == nil || resp[2].Result.Summary != "2 complaints" {
		t.Errorf("third = %+v", resp[2])
	}

	if rr := do(h, http.MethodPost, "/v1/analyses/batch", `[]`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d", rr.Code)
	}
}

func TestListResults(t *testing.T) {
	results := &mockResults{records: []storage.SentimentRecord{{
		ID: "r1", ContextID: "c1", Country: "Belgium", WindowStart: 100, WindowEnd: 200,
		Severity: "High", Themes: `["wifi","billing"]`, Summary: "s", CreatedAt: time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC),
	}}}
	h := newTestHandler(t, Deps{Results: results})

	rr := do(h, http.MethodGet, "/v1/analyses?country=Belgium&limit=5", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if results.country != "Belgium" {
		t.Errorf("country filter = %q", results.country)
	}
	var got []map[string]any
	json.NewDecoder(rr.Body).Decode(&got)
	if len(got) != 1 {
		t.Fatalf("got %d results", len(got))
	}
	if got[0]["contextId"] != "c1" || got[0]["severity"] != "High" || got[0]["createdAt"] != "2025-06-01T10:00:00Z" {
		t.Errorf("result = %v", got[0])
	}
	themes, _ := got[0]["themes"].([]any)
	if len(themes) != 2 {
		t.Errorf("themes = %v", got[0]["themes"])
	}
}

func TestSearch(t *testing.T) {
	ret := &mockRetriever{hits: []vectorstore.Hit{{EntityID: 7, Distance: 0.12, Content: "wifi down"}}}
	h := newTestHandler(t, Deps{Retriever: ret})

	rr := do(h, http.MethodGet, "/v1/search?q=wifi&k=500", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ret.k != 100 {
		t.Errorf("k = %d, want clamped to 100", ret.k)
	}
	var hits []hitResponse
	json.NewDecoder(rr.Body).Decode(&hits)
	if len(hits) != 1 || hits[0].ComplaintID != 7 || hits[0].Description != "wifi down" {
		t.Errorf("hits = %+v", hits)
	}

	if rr := do(h, http.MethodGet, "/v1/search", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("missing q status = %d", rr.Code)
	}
}

func TestSearchUpstreamError(t *testing.T) {
	h := newTestHandler(t, Deps{Retriever: &mockRetriever{err: errors.New("ollama down")}})
	if rr := do(h, http.MethodGet, "/v1/search?q=x", ""); rr.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", rr.Code)
	}
}

func TestAsk(t *testing.T) {
	ret := &mockRetriever{hits: []vectorstore.Hit{{EntityID: 1}, {EntityID: 2}}}
	h := newTestHandler(t, Deps{Retriever: ret})

	rr := do(h, http.MethodPost, "/v1/ask", `{"question":"why wifi?"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ret.k != 5 {
		t.Errorf("default limit = %d, want 5", ret.k)
	}
	var resp askResponse
	json.NewDecoder(rr.Body).Decode(&resp)
	if resp.Answer != "answer to why wifi?" || resp.RetrievedCount != 2 {
		t.Errorf("resp = %+v", resp)
	}

	if rr := do(h, http.MethodPost, "/v1/ask", `{"question":""}`); rr.Code != http.StatusBadRequest {
		t.Errorf("empty question status = %d", rr.Code)
	}
}

func TestListDeadLetters(t *testing.T) {
	dl := &mockDeadLetters{letters: []deadletter.Letter{{ID: "d1", EntityID: 9, Reason: "empty description"}}}
	h := newTestHandler(t, Deps{DeadLetters: dl})

	rr := do(h, http.MethodGet, "/v1/deadletters", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var got []deadletter.Letter
	json.NewDecoder(rr.Body).Decode(&got)
	if len(got) != 1 || got[0].EntityID != 9 {
		t.Errorf("letters = %+v", got)
	}

	empty := newTestHandler(t, Deps{DeadLetters: &mockDeadLetters{}})
	rr = do(empty, http.MethodGet, "/v1/deadletters", "")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty body = %q, want []", rr.Body.String())
	}
}

func TestRoutesDisabledWithoutDeps(t *testing.T) {
	h := NewHandler(Deps{})
	if rr := do(h, http.MethodGet, "/v1/search?q=x", ""); rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 20},
		{"limit=abc", 20},
		{"limit=-1", 20},
		{"limit=0", 20},
		{"limit=7", 7},
		{"limit=1000", 100},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/?"+tt.query, nil)
		if got := parseIntParam(r, "limit", 20, 100); got != tt.want {
			t.Errorf("parseIntParam(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}
