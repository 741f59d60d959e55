package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"expensetracker/internal/cache"
	"expensetracker/internal/core"
	"expensetracker/internal/docstore/memory"
	"expensetracker/internal/metrics"
	"expensetracker/internal/reader"
	"expensetracker/internal/services"
	"expensetracker/internal/stats"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

var now = time.Date(2024, 4, 10, 12, 0, 0, 0, time.UTC)

// staticStats answers from the store on every call so tests see their own
// writes without waiting on a subscription.
type staticStats struct {
	mu     sync.Mutex
	svc    *services.ExpenseService
	loaded bool
}

func (s *staticStats) View() stats.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return stats.View{}
	}
	list, err := s.svc.Stats(context.Background())
	return stats.View{Stats: list, Loaded: err == nil, Err: err}
}

func (s *staticStats) OnChange(fn func(stats.View)) func() { return func() {} }

func (s *staticStats) WaitLoaded(ctx context.Context) (stats.View, error) {
	v := s.View()
	if !v.Loaded {
		return v, context.DeadlineExceeded
	}
	return v, v.Err
}

type testServer struct {
	srv   *Server
	svc   *services.ExpenseService
	cache *cache.Manager
	stats *staticStats
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := memory.New(memory.WithClock(func() time.Time { return now }))
	t.Cleanup(func() { store.Close() })
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	cm := cache.NewManager(cache.WithMetrics(m))
	t.Cleanup(cm.Close)
	svc := services.NewExpenseService(store, "u1", time.UTC, services.WithClock(fixedClock{now}), services.WithMetrics(m))
	st := &staticStats{svc: svc, loaded: true}
	srv := NewServer(":0", Deps{
		Service:  svc,
		Reader:   reader.New(store, cm, "u1", time.UTC, reader.WithClock(fixedClock{now}), reader.WithMetrics(m)),
		Stats:    st,
		Cache:    cm,
		Metrics:  m,
		Gatherer: reg,
	})
	return &testServer{srv: srv, svc: svc, cache: cm, stats: st}
}

func (ts *testServer) do(t *testing.T, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", contentType)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rr := httptest.NewRecorder()
	ts.srv.Handler.ServeHTTP(rr, req)
	return rr
}

func (ts *testServer) post(t *testing.T, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	return ts.do(t, http.MethodPost, target, "application/json", body)
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t)
	if rr := ts.do(t, http.MethodGet, "/healthz", "", ""); rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("/healthz = %d %q", rr.Code, rr.Body.String())
	}
	if rr := ts.do(t, http.MethodGet, "/readyz", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("/readyz = %d, want 200", rr.Code)
	}
	ts.stats.mu.Lock()
	ts.stats.loaded = false
	ts.stats.mu.Unlock()
	if rr := ts.do(t, http.MethodGet, "/readyz", "", ""); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("/readyz before load = %d, want 503", rr.Code)
	}
}

func TestCreateExpense(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.post(t, "/api/expenses", `{"amount":"12,50","category":"transport","note":"bus","date":"2024-03-15"}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rr.Code, rr.Body.String())
	}
	if id := decode[map[string]string](t, rr)["id"]; id == "" {
		t.Fatal("missing id in response")
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}

	list, err := ts.svc.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	st, ok := core.FindStat(list, "2024-03")
	if !ok || st.Total.Cents != 1250 || st.Count != 1 {
		t.Fatalf("stat = %+v ok=%v, want 1250/1", st, ok)
	}
}

func TestCreateExpenseFormBody(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodPost, "/api/expenses", "application/x-www-form-urlencoded", "amount=3.20&date=2024-03-02")
	if rr.Code != http.StatusCreated {
		t.Fatalf("create = %d %s", rr.Code, rr.Body.String())
	}
}

func TestCreateExpenseValidation(t *testing.T) {
	ts := newTestServer(t)
	cases := map[string]string{
		"zero amount":  `{"amount":"0"}`,
		"negative":     `{"amount":-4}`,
		"no amount":    `{"category":"Food"}`,
		"bad category": `{"amount":"1.00","category":"Rent"}`,
		"bad date":     `{"amount":"1.00","date":"15/03/2024"}`,
		"long note":    `{"amount":"1.00","note":"` + strings.Repeat("x", 201) + `"}`,
		"malformed":    `{"amount":`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rr := ts.post(t, "/api/expenses", body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400 (%s)", rr.Code, rr.Body.String())
			}
			if decode[map[string]string](t, rr)["error"] == "" {
				t.Error("missing error message")
			}
		})
	}
	if list, _ := ts.svc.Stats(context.Background()); len(list) != 0 {
		t.Errorf("rejected writes left %d aggregates", len(list))
	}
}

func TestDeleteExpense(t *testing.T) {
	ts := newTestServer(t)
	id := decode[map[string]string](t, ts.post(t, "/api/expenses", `{"amount":"2.00","date":"2024-03-20"}`))["id"]

	if rr := ts.do(t, http.MethodDelete, "/api/expenses/missing", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("delete missing = %d, want 404", rr.Code)
	}
	if rr := ts.do(t, http.MethodDelete, "/api/expenses/"+id+"?amount=2.00&date=2024-03-20", "", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("delete = %d %s", rr.Code, rr.Body.String())
	}
	list, _ := ts.svc.Stats(context.Background())
	if st, _ := core.FindStat(list, "2024-03"); st.Count != 0 || st.Total.Cents != 0 {
		t.Errorf("stat after delete = %+v, want 0/0", st)
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	ts := newTestServer(t)
	for _, d := range []string{"2024-03-01", "2024-03-03", "2024-03-02"} {
		ts.post(t, "/api/expenses", `{"amount":"1.00","date":"`+d+`"}`)
	}
	rr := ts.do(t, http.MethodGet, "/api/expenses/recent?limit=2", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("recent = %d", rr.Code)
	}
	got := decode[map[string][]expenseJSON](t, rr)["expenses"]
	if len(got) != 2 || !strings.HasPrefix(got[0].Date, "2024-03-03") {
		t.Fatalf("recent = %+v, want 2 newest first", got)
	}
	if rr := ts.do(t, http.MethodGet, "/api/expenses/recent?limit=abc", "", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rr.Code)
	}
}

func TestMonthFetchedThenCached(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/expenses", `{"amount":"5.00","category":"Food","date":"2024-03-15"}`)
	ts.post(t, "/api/expenses", `{"amount":"2.00","category":"Bills","date":"2024-03-16"}`)

	rr := ts.do(t, http.MethodGet, "/api/months/2024-03", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("month = %d %s", rr.Code, rr.Body.String())
	}
	first := decode[monthJSON](t, rr)
	if first.State != "fetched" || len(first.Expenses) != 2 {
		t.Fatalf("first read = %+v, want fetched with 2 expenses", first)
	}
	if first.Overview == nil || first.Overview.TotalCents != 700 || first.Overview.TotalDisplay != "€7,00" {
		t.Fatalf("overview = %+v, want 700", first.Overview)
	}

	rr = ts.do(t, http.MethodGet, "/api/months/2024-03", "", "")
	second := decode[monthJSON](t, rr)
	if second.State != "cached" || rr.Header().Get("X-Cache-Tier") != "memory" {
		t.Fatalf("second read = %s tier=%q, want cached from memory", second.State, rr.Header().Get("X-Cache-Tier"))
	}
}

func TestMonthStates(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/expenses", `{"amount":"9.99","date":"2024-04-02"}`)

	if got := decode[monthJSON](t, ts.do(t, http.MethodGet, "/api/months/2024-01", "", "")); got.State != "empty" || len(got.Expenses) != 0 {
		t.Errorf("month without aggregate = %+v, want empty", got)
	}
	live := decode[monthJSON](t, ts.do(t, http.MethodGet, "/api/months/2024-04", "", ""))
	if live.State != "live" || len(live.Expenses) != 1 {
		t.Errorf("current month = %+v, want live with 1 expense", live)
	}
	if ts.cache.MemorySize() != 0 {
		t.Errorf("live month cached: MemorySize() = %d", ts.cache.MemorySize())
	}
	if rr := ts.do(t, http.MethodGet, "/api/months/March", "", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("bad key = %d, want 400", rr.Code)
	}

	ts.stats.mu.Lock()
	ts.stats.loaded = false
	ts.stats.mu.Unlock()
	if got := decode[monthJSON](t, ts.do(t, http.MethodGet, "/api/months/2024-01", "", "")); got.State != "loading" || got.Overview != nil {
		t.Errorf("before load = %+v, want loading without overview", got)
	}
}

func TestBudget(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/expenses", `{"amount":"30.00","date":"2024-03-15"}`)

	got := decode[budgetJSON](t, ts.do(t, http.MethodGet, "/api/months/2024-03/budget", "", ""))
	if got.CapSet || got.SpentCents != 3000 {
		t.Fatalf("budget without cap = %+v", got)
	}
	if rr := ts.do(t, http.MethodPut, "/api/budget", "application/json", `{"amount":"20.00"}`); rr.Code != http.StatusOK {
		t.Fatalf("set budget = %d %s", rr.Code, rr.Body.String())
	}
	got = decode[budgetJSON](t, ts.do(t, http.MethodGet, "/api/months/2024-03/budget", "", ""))
	if !got.CapSet || !got.Over || got.RemainingCents != 0 || got.Percent != 150 {
		t.Fatalf("budget = %+v, want over at 150%%", got)
	}
}

func TestReconcileEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/expenses", `{"amount":"5.00","date":"2024-03-15"}`)
	if err := ts.svc.UpdateMonthlyStat(context.Background(), "2024-03", core.Fingerprint{Total: core.Money{Cents: 1}, Count: 4}); err != nil {
		t.Fatal(err)
	}
	got := decode[reconcileJSON](t, ts.post(t, "/api/months/2024-03/reconcile", ""))
	if got.Outcome != services.ReconcileRepaired || got.Actual.TotalCents != 500 || got.Recorded.Count != 4 {
		t.Fatalf("reconcile = %+v", got)
	}
	got = decode[reconcileJSON](t, ts.post(t, "/api/months/2024-03/reconcile", ""))
	if got.Outcome != services.ReconcileInSync {
		t.Fatalf("second reconcile = %s, want in_sync", got.Outcome)
	}
}

func TestTrendAndStats(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/expenses", `{"amount":"1.00","date":"2024-02-15"}`)
	ts.post(t, "/api/expenses", `{"amount":"2.00","date":"2024-04-01"}`)

	trend := decode[map[string][]statJSON](t, ts.do(t, http.MethodGet, "/api/stats/trend?months=3", "", ""))["trend"]
	if len(trend) != 3 || trend[0].Month != "2024-02" || trend[1].TotalCents != 0 || trend[2].TotalCents != 200 {
		t.Fatalf("trend = %+v", trend)
	}
	rr := ts.do(t, http.MethodGet, "/api/stats", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"loaded":true`) {
		t.Fatalf("stats = %d %s", rr.Code, rr.Body.String())
	}
}

func TestClearCacheAndMetrics(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/expenses", `{"amount":"5.00","date":"2024-03-15"}`)
	ts.do(t, http.MethodGet, "/api/months/2024-03", "", "")
	if ts.cache.MemorySize() != 1 {
		t.Fatalf("MemorySize() = %d, want 1", ts.cache.MemorySize())
	}
	if rr := ts.post(t, "/api/cache/clear", ""); rr.Code != http.StatusNoContent {
		t.Fatalf("clear = %d", rr.Code)
	}
	if ts.cache.MemorySize() != 0 {
		t.Errorf("MemorySize() after clear = %d", ts.cache.MemorySize())
	}

	rr := ts.do(t, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "expense_month_fetches_total 1") {
		t.Fatalf("metrics missing fetch counter:\n%s", rr.Body.String())
	}
}

func nextEvent(t *testing.T, sc *bufio.Scanner) watchEventJSON {
	t.Helper()
	for sc.Scan() {
		line := sc.Text()
		if data, ok := strings.CutPrefix(line, "data: "); ok {
			var ev watchEventJSON
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				t.Fatalf("decode event %q: %v", data, err)
			}
			return ev
		}
	}
	t.Fatalf("stream ended: %v", sc.Err())
	return watchEventJSON{}
}

func TestWatchStreamsLiveMonth(t *testing.T) {
	ts := newTestServer(t)
	ts.post(t, "/api/expenses", `{"amount":"1.00","date":"2024-04-02"}`)

	hs := httptest.NewServer(ts.srv.Handler)
	defer hs.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hs.URL+"/api/months/2024-04/watch", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := hs.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	first := nextEvent(t, sc)
	if first.State != "live" || first.Month != "2024-04" || len(first.Expenses) != 1 {
		t.Fatalf("first event = %+v, want live with 1 expense", first)
	}

	ts.post(t, "/api/expenses", `{"amount":"2.00","date":"2024-04-03"}`)
	second := nextEvent(t, sc)
	if len(second.Expenses) != 2 || second.Generation != first.Generation {
		t.Fatalf("second event = %+v, want 2 expenses in the same generation", second)
	}
}

func TestWriteRateLimit(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	cm := cache.NewManager()
	t.Cleanup(cm.Close)
	svc := services.NewExpenseService(store, "u1", time.UTC)
	srv := NewServer(":0", Deps{
		Service:    svc,
		Reader:     reader.New(store, cm, "u1", time.UTC),
		Stats:      &staticStats{svc: svc, loaded: true},
		Cache:      cm,
		WriteLimit: 2,
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	ts := &testServer{srv: srv, svc: svc, cache: cm}

	for i := 0; i < 2; i++ {
		if rr := ts.post(t, "/api/expenses", `{"amount":"1.00"}`); rr.Code != http.StatusCreated {
			t.Fatalf("write %d = %d", i+1, rr.Code)
		}
	}
	rr := ts.post(t, "/api/expenses", `{"amount":"1.00"}`)
	if rr.Code != http.StatusTooManyRequests || rr.Header().Get("Retry-After") == "" {
		t.Fatalf("third write = %d retry=%q, want 429", rr.Code, rr.Header().Get("Retry-After"))
	}
	if rr := ts.do(t, http.MethodGet, "/api/stats", "", ""); rr.Code != http.StatusOK {
		t.Errorf("reads limited: %d", rr.Code)
	}
}

func TestSecurityHeaders(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/api/stats", "", "")
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" || rr.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("headers = %v", rr.Header())
	}
}
