package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-research/internal/cache"
	"github.com/sells-group/market-research/internal/checkpoint"
	"github.com/sells-group/market-research/internal/config"
	"github.com/sells-group/market-research/internal/cost"
	"github.com/sells-group/market-research/internal/execctx"
	"github.com/sells-group/market-research/internal/ledger"
	"github.com/sells-group/market-research/internal/model"
	"github.com/sells-group/market-research/internal/research"
	"github.com/sells-group/market-research/internal/store"
)

const idea = "Subscription service for refurbished espresso machines"

type queue struct {
	mu   sync.Mutex
	jobs []model.Job
}

func (q *queue) Dispatch(_ context.Context, job model.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *queue) last() model.Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs[len(q.jobs)-1]
}

type runner struct{}

func (runner) Run(_ context.Context, rc model.ResearchContext) (model.ResearchState, error) {
	s := model.NewResearchState(rc)
	s.Plan = &model.ResearchPlan{Sector: "consumer appliances"}
	for _, k := range model.Workers() {
		s = s.WithResult(k, &model.AgentResult{Worker: k, Status: model.AgentSuccess, SourcesAnalyzed: 5})
	}
	s.Synthesis = &model.SynthesisResult{Status: model.AgentSuccess, Report: map[string]any{"executive_summary": "viable"}, SourcesAnalyzed: 15}
	s.Status = model.StatusCompleted
	s.CurrentStep = model.StepCompleted
	s.Progress = 100
	return s, nil
}

type fixture struct {
	srv     *httptest.Server
	svc     *research.Service
	store   *store.SQLiteStore
	queue   *queue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))

	mr := miniredis.RunT(t)
	c := cache.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = c.Close() })

	tr := checkpoint.NewTracker(c, s, config.TrackerConfig{RetryAttempts: 1, RetryBackoffMs: 1})
	l := ledger.New(s, c, cost.NewCalculator(cost.DefaultPrices()), config.BillingConfig{
		InitialCredits:      100,
		MonthlyLimit:        1000,
		BalanceCacheTTLSecs: 900,
	})
	svc := research.New(s, tr, l, runner{})
	q := &queue{}
	svc.SetDispatcher(q)

	sched := execctx.NewServe(8)
	router := NewRouter(research.Async(svc, sched), ledger.Async(l, sched), config.ServerConfig{})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, svc: svc, store: s, queue: q}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func (f *fixture) submit(t *testing.T, depth string) string {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/v1/research",
		`{"product_idea":"`+idea+`","research_depth":"`+depth+`","user_id":"u1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	return body["request_id"].(string)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestSubmitAndFollowRequest(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/api/v1/research",
		`{"product_idea":"`+idea+`","research_depth":"basic","user_id":"u1"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	id := body["request_id"].(string)
	assert.Equal(t, "pending", body["status"])
	assert.EqualValues(t, 6, body["credits_required"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/research/"+id+"/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, model.ProjectionInitializing, body["current_step"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/research/"+id+"/result", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, err := f.svc.Execute(context.Background(), f.queue.last())
	require.NoError(t, err)

	resp, body = f.do(t, http.MethodGet, "/api/v1/research/"+id+"/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.EqualValues(t, 100, body["progress"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/research/"+id+"/result", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.Equal(t, "viable", body["final_report"].(map[string]any)["executive_summary"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/research/"+id, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, idea, body["product_idea"])
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "malformed json", body: `{"product_idea":`, want: http.StatusBadRequest},
		{name: "idea too short", body: `{"product_idea":"coffee","user_id":"u1"}`, want: http.StatusBadRequest},
		{name: "unknown depth", body: `{"product_idea":"` + idea + `","research_depth":"deep","user_id":"u1"}`, want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/api/v1/research", tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestSubmitInsufficientCredits(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.EnsureBalance(context.Background(), "u1", model.MonthYear(time.Now()), 10, 1000)
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodPost, "/api/v1/research",
		`{"product_idea":"`+idea+`","research_depth":"comprehensive","user_id":"u1"}`)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Contains(t, body["error"], "insufficient")
}

func TestUnknownRequest(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/v1/research/research_missing", "/api/v1/research/research_missing/status", "/api/v1/research/research_missing/result"} {
		resp, body := f.do(t, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
		assert.NotEmpty(t, body["error"])
	}
}

func TestAbortAndRerun(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "standard")

	resp, body := f.do(t, http.MethodPost, "/api/v1/research/"+id+"/abort", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "abort_requested", body["status"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/research/"+id+"/abort", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = f.do(t, http.MethodPost, "/api/v1/research/"+id+"/rerun", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEqual(t, id, body["request_id"])
	assert.Equal(t, "standard", body["research_depth"])
}

func TestListAndDelete(t *testing.T) {
	f := newFixture(t)
	first := f.submit(t, "basic")
	f.submit(t, "basic")

	resp, body := f.do(t, http.MethodGet, "/api/v1/research?user_id=u1&limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])

	resp, _ = f.do(t, http.MethodDelete, "/api/v1/research/"+first, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/research?user_id=u1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/research?user_id=nobody", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSearchAndSuggestions(t *testing.T) {
	f := newFixture(t)
	for _, text := range []string{idea, "Meal kits built around espresso-based desserts", "Smart leash for anxious dogs"} {
		resp, body := f.do(t, http.MethodPost, "/api/v1/research",
			`{"product_idea":"`+text+`","research_depth":"basic","user_id":"u1"}`)
		require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	}

	resp, body := f.do(t, http.MethodGet, "/api/v1/research/search?q=espresso+machines", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["count"])
	results := body["results"].([]any)
	top := results[0].(map[string]any)
	assert.Equal(t, idea, top["query"])
	assert.EqualValues(t, 1, top["relevance"])
	assert.EqualValues(t, 0.5, results[1].(map[string]any)["relevance"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/research/search?q=+", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/research/search/suggestions?q=dog", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.EqualValues(t, 1, body["count"])
	sug := body["suggestions"].([]any)[0].(map[string]any)
	assert.Equal(t, "Smart leash for anxious dogs", sug["query"])
	assert.Equal(t, model.MatchWordStart, sug["match_type"])
}

func TestReport(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, "basic")

	resp, _ := f.do(t, http.MethodGet, "/api/v1/research/"+id+"/report", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	_, err := f.svc.Execute(context.Background(), f.queue.last())
	require.NoError(t, err)

	resp, body := f.do(t, http.MethodGet, "/api/v1/research/"+id+"/report", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["request_id"])
	assert.Equal(t, "viable", body["final_report"].(map[string]any)["executive_summary"])

	resp, _ = f.do(t, http.MethodGet, "/api/v1/research/research_missing/report", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCredits(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/v1/credits/u2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 100, body["current_balance"])

	resp, body = f.do(t, http.MethodGet, "/api/v1/credits/u2/searches-remaining", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	remaining := body["searches_remaining"].(map[string]any)
	assert.EqualValues(t, 16, remaining["basic"])
	assert.EqualValues(t, 8, remaining["standard"])
	assert.EqualValues(t, 5, remaining["comprehensive"])

	resp, body = f.do(t, http.MethodPost, "/api/v1/credits/u2/add", `{"amount":50,"description":"promo"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 150, body["balance_after"])

	resp, _ = f.do(t, http.MethodPost, "/api/v1/credits/u2/add", `{"amount":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/v1/credits/u2/transactions?limit=5", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["count"])
	txn := body["transactions"].([]any)[0].(map[string]any)
	assert.Equal(t, "promo", txn["description"])
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{eris.Wrap(research.ErrValidation, "x"), http.StatusBadRequest},
		{eris.Wrap(ledger.ErrInsufficientCredits, "x"), http.StatusPaymentRequired},
		{eris.Wrap(store.ErrNotFound, "x"), http.StatusNotFound},
		{eris.Wrap(research.ErrConflict, "x"), http.StatusConflict},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRecoverer(t *testing.T) {
	h := recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal error"}`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/v1/research", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
