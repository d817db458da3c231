package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/LeonardoBonacci/meaningful-complaints/internal/agent"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/deadletter"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/retrieval"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/sentiment"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/storage"
	"github.com/LeonardoBonacci/meaningful-complaints/internal/vectorstore"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	maxBatchSize       = 100
)

// Analyzer runs sentiment executions.
type Analyzer interface {
	Invoke(ctx context.Context, payload json.RawMessage) (agent.Outcome, error)
	InvokeAll(ctx context.Context, payloads []json.RawMessage) []agent.Result
}

// Retriever answers similarity and question queries over complaints.
type Retriever interface {
	Search(ctx context.Context, query string, k int) ([]vectorstore.Hit, error)
	Ask(ctx context.Context, question string, k int) (retrieval.Answer, error)
}

// ResultLister reads stored sentiment results.
type ResultLister interface {
	ListSentimentResults(ctx context.Context, country string, limit int) ([]storage.SentimentRecord, error)
}

// DeadLetterLister reads dead-lettered change records.
type DeadLetterLister interface {
	List(ctx context.Context, limit int) ([]deadletter.Letter, error)
}

// Deps holds the collaborators of the HTTP and MCP layers. Nil members
// disable the routes that need them.
type Deps struct {
	Analyzer    Analyzer
	Retriever   Retriever
	Results     ResultLister
	DeadLetters DeadLetterLister
	Token       string
}

// NewHandler returns the HTTP API.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		if deps.Analyzer != nil {
			r.Post("/analyses", handleAnalyze(deps.Analyzer))
			r.Post("/analyses/batch", handleAnalyzeBatch(deps.Analyzer))
		}
		if deps.Results != nil {
			r.Get("/analyses", handleListResults(deps.Results))
		}
		if deps.Retriever != nil {
			r.Get("/search", handleSearch(deps.Retriever))
			r.Post("/ask", handleAsk(deps.Retriever))
		}
		if deps.DeadLetters != nil {
			r.Get("/deadletters", handleListDeadLetters(deps.DeadLetters))
		}
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type analysisResponse struct {
	ContextID string            `json:"contextId"`
	State     agent.State       `json:"state"`
	Result    *sentiment.Result `json:"result,omitempty"`
	Error     *errorBody        `json:"error,omitempty"`
}

type errorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func toAnalysisResponse(out agent.Outcome, err error) analysisResponse {
	resp := analysisResponse{ContextID: out.ContextID.String(), State: out.State}
	if err != nil {
		_, errType := agentErrorStatus(err)
		resp.Error = &errorBody{Message: err.Error(), Type: errType}
		return resp
	}
	if res, ok := out.Output.(sentiment.Result); ok {
		resp.Result = &res
	}
	return resp
}

func handleAnalyze(a Analyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var payload json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		out, err := a.Invoke(r.Context(), payload)
		if err != nil {
			code, errType := agentErrorStatus(err)
			httpError(w, code, errType, "%v", err)
			return
		}
		writeJSON(w, http.StatusOK, toAnalysisResponse(out, nil))
	}
}

func handleAnalyzeBatch(a Analyzer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var payloads []json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&payloads); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(payloads) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at least one input is required")
			return
		}
		if len(payloads) > maxBatchSize {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d inputs per batch", maxBatchSize)
			return
		}

		results := a.InvokeAll(r.Context(), payloads)
		resp := make([]analysisResponse, len(results))
		for i, res := range results {
			resp[i] = toAnalysisResponse(res.Outcome, res.Err)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleListResults(l ResultLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		records, err := l.ListSentimentResults(r.Context(), r.URL.Query().Get("country"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list results: %v", err)
			return
		}

		out := make([]storedResult, 0, len(records))
		for _, rec := range records {
			sr, err := toStoredResult(rec)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
				return
			}
			out = append(out, sr)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type storedResult struct {
	ContextID string `json:"contextId"`
	sentiment.Result
	CreatedAt string `json:"createdAt"`
}

func toStoredResult(rec storage.SentimentRecord) (storedResult, error) {
	themes := []string{}
	if err := json.Unmarshal([]byte(rec.Themes), &themes); err != nil {
		return storedResult{}, fmt.Errorf("decoding themes of %s: %w", rec.ID, err)
	}
	return storedResult{
		ContextID: rec.ContextID,
		Result: sentiment.Result{
			Country:     rec.Country,
			WindowStart: rec.WindowStart,
			WindowEnd:   rec.WindowEnd,
			Severity:    rec.Severity,
			Themes:      themes,
			Summary:     rec.Summary,
		},
		CreatedAt: rec.CreatedAt.Format(time.RFC3339),
	}, nil
}

type hitResponse struct {
	ComplaintID int64   `json:"complaintId"`
	Distance    float64 `json:"distance"`
	Description string  `json:"description,omitempty"`
}

func toHits(hits []vectorstore.Hit) []hitResponse {
	out := make([]hitResponse, len(hits))
	for i, h := range hits {
		out[i] = hitResponse{ComplaintID: h.EntityID, Distance: h.Distance, Description: h.Content}
	}
	return out
}

func handleSearch(ret Retriever) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		k := parseIntParam(r, "k", 5, 100)

		hits, err := ret.Search(r.Context(), q, k)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, toHits(hits))
	}
}

type askRequest struct {
	Question string `json:"question"`
	Limit    int    `json:"limit"`
}

type askResponse struct {
	Answer             string        `json:"answer"`
	RetrievedCount     int           `json:"retrievedComplaintsCount"`
	RelevantComplaints []hitResponse `json:"relevantComplaints"`
}

func handleAsk(ret Retriever) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req askRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}
		if req.Limit <= 0 {
			req.Limit = 5
		}

		ans, err := ret.Ask(r.Context(), req.Question, req.Limit)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "ask failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, askResponse{
			Answer:             ans.Text,
			RetrievedCount:     len(ans.Hits),
			RelevantComplaints: toHits(ans.Hits),
		})
	}
}

func handleListDeadLetters(l DeadLetterLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 500)
		letters, err := l.List(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list dead letters: %v", err)
			return
		}
		if letters == nil {
			letters = []deadletter.Letter{}
		}
		writeJSON(w, http.StatusOK, letters)
	}
}

// agentErrorStatus maps an execution failure onto an HTTP status and error type.
func agentErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, agent.ErrValidation):
		return http.StatusUnprocessableEntity, "invalid_request_error"
	case errors.Is(err, agent.ErrTimeout):
		return http.StatusGatewayTimeout, "timeout_error"
	case errors.Is(err, agent.ErrTransport):
		return http.StatusBadGateway, "api_error"
	case errors.Is(err, agent.ErrCanceled):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
