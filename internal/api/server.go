// Package api is the HTTP surface over the research lifecycle and the
// billing ledger.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/ledger"
	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/research"
)

// Server holds the non-blocking views the handlers wait on.
type Server struct {
	research *research.AsyncService
	ledger   *ledger.AsyncLedger
}

// NewRouter builds the chi router with CORS, request logging and panic
// recovery.
func NewRouter(svc *research.AsyncService, l *ledger.AsyncLedger, cfg config.ServerConfig) *chi.Mux {
	s := &Server{research: svc, ledger: l}

	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/research", func(r chi.Router) {
			r.Post("/", s.handleSubmit)
			r.Get("/", s.handleList)
			r.Get("/search", s.handleSearch)
			r.Get("/search/suggestions", s.handleSuggestions)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Delete("/", s.handleDelete)
				r.Get("/status", s.handleStatus)
				r.Get("/result", s.handleResult)
				r.Get("/report", s.handleReport)
				r.Post("/abort", s.handleAbort)
				r.Post("/rerun", s.handleRerun)
			})
		})
		r.Route("/credits/{user}", func(r chi.Router) {
			r.Get("/", s.handleAccount)
			r.Get("/searches-remaining", s.handleQuota)
			r.Post("/add", s.handleAddCredits)
			r.Get("/transactions", s.handleTransactions)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- research ---

type submitResponse struct {
	RequestID       string       `json:"request_id"`
	Status          model.Status `json:"status"`
	Depth           model.Depth  `json:"research_depth"`
	CreditsRequired int          `json:"credits_required"`
	CreatedAt       time.Time    `json:"created_at"`
}

func accepted(t *model.Task) submitResponse {
	return submitResponse{
		RequestID:       t.RequestID,
		Status:          t.Status,
		Depth:           t.Depth,
		CreditsRequired: t.CreditsRequired,
		CreatedAt:       t.CreatedAt,
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req research.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	task, err := s.research.Submit(r.Context(), req).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted(task))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := model.TaskFilter{
		UserID: q.Get("user_id"),
		Status: model.Status(q.Get("status")),
		Query:  q.Get("q"),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	tasks, err := s.research.List(r.Context(), filter).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("q")) == "" {
		writeMessage(w, http.StatusBadRequest, "q is required")
		return
	}
	hits, err := s.research.Search(r.Context(), q.Get("user_id"), q.Get("q"), queryInt(r, "limit", 10)).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": hits, "count": len(hits), "query": q.Get("q")})
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sugs, err := s.research.Suggestions(r.Context(), q.Get("user_id"), q.Get("q"), queryInt(r, "limit", 5)).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": sugs, "count": len(sugs)})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	task, err := s.research.Get(r.Context(), chi.URLParam(r, "id")).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if _, err := s.research.Delete(r.Context(), chi.URLParam(r, "id")).Wait(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, err := s.research.Status(r.Context(), chi.URLParam(r, "id")).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	raw, err := s.research.Result(r.Context(), chi.URLParam(r, "id")).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	report, err := s.research.Report(r.Context(), id).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request_id": id, "final_report": report})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.research.Abort(r.Context(), id).Wait(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"request_id": id, "status": "abort_requested"})
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	task, err := s.research.Rerun(r.Context(), chi.URLParam(r, "id")).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, accepted(task))
}

// --- credits ---

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	b, err := s.ledger.Account(r.Context(), chi.URLParam(r, "user")).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	q, err := s.ledger.Quota(r.Context(), chi.URLParam(r, "user")).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

type addCreditsRequest struct {
	Amount      int    `json:"amount"`
	Description string `json:"description"`
}

func (s *Server) handleAddCredits(w http.ResponseWriter, r *http.Request) {
	var req addCreditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Amount <= 0 {
		writeMessage(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	if req.Description == "" {
		req.Description = "manual top-up"
	}
	res, err := s.ledger.Add(r.Context(), chi.URLParam(r, "user"), req.Amount, req.Description).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	txns, err := s.ledger.History(r.Context(), chi.URLParam(r, "user"), queryInt(r, "limit", 50)).Wait(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if txns == nil {
		txns = []model.CreditTransaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txns, "count": len(txns)})
}

func queryInt(r *http.Request, key string, fallback int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
