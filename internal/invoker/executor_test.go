package invoker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/surveysync/internal/auth"
	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/internal/connectivity"
	"github.com/pitabwire/surveysync/internal/endpoint"
	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/model"
)

// sleepRecorder captures backoff delays without waiting.
type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *sleepRecorder) got() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type recordingQueue struct {
	mu     sync.Mutex
	writes []model.QueuedWrite
}

func (q *recordingQueue) Enqueue(_ context.Context, w model.QueuedWrite) error {
	q.mu.Lock()
	q.writes = append(q.writes, w)
	q.mu.Unlock()
	return nil
}

func testRemoteConfig(baseURL string) config.RemoteConfig {
	return config.RemoteConfig{
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		Retry: config.RetryConfig{
			MaxRetries:        3,
			BaseDelay:         time.Second,
			RateLimitFallback: 5 * time.Second,
			MaxRetryAfter:     time.Minute,
		},
		CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, Timeout: 30 * time.Second},
	}
}

func testResolver() *endpoint.TemplateResolver {
	return endpoint.NewTemplateResolver(map[string][]string{
		model.EndpointSave:       {"/survey/responses", "/survey/{type}/responses/{client}", "/survey/{type}"},
		model.EndpointResponses:  {"/survey/responses/{client}/{type}", "/api/survey/responses?client_id={client}&survey_type={type}"},
		model.EndpointDefinition: {"/survey/{type}/questions"},
	})
}

func newTestExecutor(t *testing.T, baseURL string, opts ...Option) (*Executor, *sleepRecorder) {
	t.Helper()
	rec := &sleepRecorder{}
	opts = append([]Option{WithSleep(rec.sleep)}, opts...)
	return NewExecutor(testRemoteConfig(baseURL), testResolver(), opts...), rec
}

func saveOp() model.Operation {
	return model.Operation{
		Name:           "save",
		Kind:           model.EndpointSave,
		Method:         http.MethodPost,
		Params:         map[string]string{"client": "c1", "type": "strategy"},
		Body:           map[string]any{"responses": map[string]any{"q1": "yes"}},
		Probe:          true,
		IdempotencyKey: "idem-1",
	}
}

func readOp() model.Operation {
	return model.Operation{
		Name:   "responses",
		Kind:   model.EndpointResponses,
		Method: http.MethodGet,
		Params: map[string]string{"client": "c1", "type": "strategy"},
		Safe:   true,
		Probe:  true,
	}
}

func assertCode(t *testing.T, err error, want string) {
	t.Helper()
	if got := model.CodeOf(err); got != want {
		t.Fatalf("error code = %q (%v), want %q", got, err, want)
	}
}

func TestExecute_success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/survey/strategy/questions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"sections":[]}`))
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv.URL)
	res, err := exec.Execute(context.Background(), model.Operation{
		Name: "definition", Kind: model.EndpointDefinition, Method: http.MethodGet,
		Params: map[string]string{"type": "strategy"}, Safe: true,
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", res.StatusCode)
	}
	if string(res.Body) != `{"sections":[]}` {
		t.Errorf("Body = %s", res.Body)
	}
	if res.Endpoint != "/survey/strategy/questions" {
		t.Errorf("Endpoint = %q", res.Endpoint)
	}
	if res.Headers["Content-Type"] != "application/json" {
		t.Errorf("Headers = %v", res.Headers)
	}
}

func TestExecute_serverErrorRetriesWithExponentialBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	exec, rec := newTestExecutor(t, srv.URL)
	op := saveOp()
	op.Probe = false
	_, err := exec.Execute(context.Background(), op)

	assertCode(t, err, model.ErrServerError)
	if n := calls.Load(); n != 4 {
		t.Errorf("attempts = %d, want 4", n)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	got := rec.got()
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExecute_recoversAfterTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	exec, rec := newTestExecutor(t, srv.URL)
	if _, err := exec.Execute(context.Background(), readOp()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	if got := rec.got(); len(got) != 2 {
		t.Errorf("delays = %v, want 2 entries", got)
	}
}

func TestExecute_clientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message":"not your client"}`))
	}))
	defer srv.Close()

	exec, rec := newTestExecutor(t, srv.URL)
	_, err := exec.Execute(context.Background(), saveOp())

	assertCode(t, err, model.ErrForbidden)
	if n := calls.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
	if len(rec.got()) != 0 {
		t.Errorf("unexpected backoff: %v", rec.got())
	}
	if !strings.Contains(err.Error(), "not your client") {
		t.Errorf("error = %v, want server message", err)
	}
}

func TestExecute_requestTimeoutStatusRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusRequestTimeout)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv.URL)
	if _, err := exec.Execute(context.Background(), readOp()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}

func TestExecute_rateLimitHonorsRetryAfterSeconds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec, rec := newTestExecutor(t, srv.URL)
	if _, err := exec.Execute(context.Background(), saveOp()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := rec.got()
	if len(got) != 1 || got[0] != 7*time.Second {
		t.Errorf("delays = %v, want [7s]", got)
	}
}

func TestExecute_rateLimitHonorsRetryAfterDate(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", now.Add(12*time.Second).Format(http.TimeFormat))
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec, rec := newTestExecutor(t, srv.URL, WithClock(func() time.Time { return now }))
	if _, err := exec.Execute(context.Background(), saveOp()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	got := rec.got()
	if len(got) != 1 || got[0] != 12*time.Second {
		t.Errorf("delays = %v, want [12s]", got)
	}
}

func TestExecute_rateLimitBonusRetryThenNormalCounting(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	exec, rec := newTestExecutor(t, srv.URL)
	_, err := exec.Execute(context.Background(), saveOp())

	assertCode(t, err, model.ErrRateLimited)
	if n := calls.Load(); n != 5 {
		t.Errorf("attempts = %d, want 5 (1 + bonus + 3 retries)", n)
	}
	want := []time.Duration{5 * time.Second, time.Second, 2 * time.Second, 4 * time.Second}
	got := rec.got()
	if len(got) != len(want) {
		t.Fatalf("delays = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delay[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestExecute_retryAfterClamped(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3600")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec, rec := newTestExecutor(t, srv.URL)
	if _, err := exec.Execute(context.Background(), saveOp()); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := rec.got(); len(got) != 1 || got[0] != time.Minute {
		t.Errorf("delays = %v, want [1m]", got)
	}
}

func TestExecute_probeFallsBackOnNotFound(t *testing.T) {
	var paths []string
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths = append(paths, r.URL.Path)
		mu.Unlock()
		switch r.URL.Path {
		case "/survey/responses":
			w.WriteHeader(http.StatusNotFound)
		case "/survey/strategy/responses/c1":
			w.WriteHeader(http.StatusMethodNotAllowed)
		default:
			w.WriteHeader(http.StatusCreated)
		}
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	exec, rec := newTestExecutor(t, srv.URL, WithMetrics(m))
	res, err := exec.Execute(context.Background(), saveOp())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Endpoint != "/survey/strategy" {
		t.Errorf("Endpoint = %q, want /survey/strategy", res.Endpoint)
	}
	if len(paths) != 3 {
		t.Errorf("paths = %v, want 3 candidates", paths)
	}
	if len(rec.got()) != 0 {
		t.Errorf("404/405 should not back off: %v", rec.got())
	}
	if v := testutil.ToFloat64(m.EndpointFallbacksTotal.WithLabelValues(model.EndpointSave)); v != 2 {
		t.Errorf("fallbacks = %v, want 2", v)
	}
}

func TestExecute_probeStopsAtFirstSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv.URL)
	res, err := exec.Execute(context.Background(), saveOp())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if calls.Load() != 1 || res.Endpoint != "/survey/responses" {
		t.Errorf("calls = %d endpoint = %q, want 1 call to /survey/responses", calls.Load(), res.Endpoint)
	}
}

func TestExecute_readAllCandidatesNotFound(t *testing.T) {
	var calls atomic.Int32
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == "/api/survey/responses" {
			gotQuery = r.URL.RawQuery
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv.URL)
	_, err := exec.Execute(context.Background(), readOp())

	assertCode(t, err, model.ErrNotFound)
	if n := calls.Load(); n != 2 {
		t.Errorf("attempts = %d, want one per candidate", n)
	}
	if gotQuery != "client_id=c1&survey_type=strategy" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestExecute_withoutProbeUsesFirstCandidate(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv.URL)
	op := saveOp()
	op.Probe = false
	_, err := exec.Execute(context.Background(), op)

	assertCode(t, err, model.ErrNotFound)
	if n := calls.Load(); n != 1 {
		t.Errorf("attempts = %d, want 1", n)
	}
}

func TestExecute_extraQueryJoinsTemplateQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/survey/responses/c1/strategy" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv.URL)
	op := readOp()
	op.Query = map[string]string{"include": "progress"}
	if _, err := exec.Execute(context.Background(), op); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotQuery != "client_id=c1&survey_type=strategy&include=progress" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestExecute_unauthorizedClearsCredentials(t *testing.T) {
	var calls atomic.Int32
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	creds := auth.NewCredentials("opaque-token")
	var hookCalls int
	exec, rec := newTestExecutor(t, srv.URL,
		WithCredentials(creds),
		WithOnUnauthorized(func() { hookCalls++ }),
	)
	_, err := exec.Execute(context.Background(), saveOp())

	assertCode(t, err, model.ErrUnauthorized)
	if gotAuth != "Bearer opaque-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if _, ok := creds.Token(); ok {
		t.Error("credentials should be cleared after 401")
	}
	if hookCalls != 1 {
		t.Errorf("OnUnauthorized calls = %d, want 1", hookCalls)
	}
	if calls.Load() != 1 || len(rec.got()) != 0 {
		t.Errorf("401 must not be retried: calls=%d delays=%v", calls.Load(), rec.got())
	}
}

func TestExecute_headers(t *testing.T) {
	var mu sync.Mutex
	var headers []http.Header
	var bodies []map[string]any
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = append(headers, r.Header.Clone())
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		bodies = append(bodies, body)
		mu.Unlock()
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv.URL, WithCredentials(auth.NewCredentials("tok")))
	op := saveOp()
	op.Probe = false
	op.Headers = map[string]string{"X-Custom": "a\r\nInjected: yes"}
	ctx := model.WithRequestContext(context.Background(), &model.RequestContext{CorrelationID: "corr-9"})
	if _, err := exec.Execute(ctx, op); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if len(headers) != 2 {
		t.Fatalf("attempts = %d, want 2", len(headers))
	}
	for i, h := range headers {
		if h.Get("Accept") != "application/json" {
			t.Errorf("attempt %d Accept = %q", i, h.Get("Accept"))
		}
		if h.Get("Content-Type") != "application/json" {
			t.Errorf("attempt %d Content-Type = %q", i, h.Get("Content-Type"))
		}
		if h.Get("Authorization") != "Bearer tok" {
			t.Errorf("attempt %d Authorization = %q", i, h.Get("Authorization"))
		}
		if h.Get("X-Idempotency-Key") != "idem-1" {
			t.Errorf("attempt %d X-Idempotency-Key = %q", i, h.Get("X-Idempotency-Key"))
		}
		if h.Get("X-Correlation-Id") != "corr-9" {
			t.Errorf("attempt %d X-Correlation-Id = %q", i, h.Get("X-Correlation-Id"))
		}
		if h.Get("X-Custom") != "aInjected: yes" {
			t.Errorf("attempt %d X-Custom = %q, want CR/LF stripped", i, h.Get("X-Custom"))
		}
		if _, err := uuid.Parse(h.Get("X-Request-Id")); err != nil {
			t.Errorf("attempt %d X-Request-Id = %q is not a uuid", i, h.Get("X-Request-Id"))
		}
	}
	if headers[0].Get("X-Request-Id") == headers[1].Get("X-Request-Id") {
		t.Error("X-Request-Id must be new per attempt")
	}
	if resp, ok := bodies[0]["responses"].(map[string]any); !ok || resp["q1"] != "yes" {
		t.Errorf("body = %v", bodies[0])
	}
}

func TestExecute_rawBodyKeepsContentType(t *testing.T) {
	var gotCT, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCT = r.Header.Get("Content-Type")
		data, _ := io.ReadAll(r.Body)
		gotBody = string(data)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv.URL)
	_, err := exec.Execute(context.Background(), model.Operation{
		Name: "upload", Kind: model.EndpointSave, Method: http.MethodPost,
		RawBody: []byte("--b\r\n"), ContentType: "multipart/form-data; boundary=b",
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotCT != "multipart/form-data; boundary=b" || gotBody != "--b\r\n" {
		t.Errorf("Content-Type = %q body = %q", gotCT, gotBody)
	}
}

func TestExecute_offlineWriteQueued(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	q := &recordingQueue{}
	exec, _ := newTestExecutor(t, srv.URL,
		WithObserver(connectivity.NewManual(false)),
		WithQueue(q),
	)
	op := saveOp()
	op.QueueOnOffline = &model.QueuedWrite{ClientID: "c1", SurveyType: "strategy"}
	_, err := exec.Execute(context.Background(), op)

	assertCode(t, err, model.ErrQueuedOffline)
	if calls.Load() != 0 {
		t.Error("offline write should not reach the network")
	}
	if len(q.writes) != 1 {
		t.Fatalf("queued = %d, want 1", len(q.writes))
	}
	if q.writes[0].IdempotencyKey != "idem-1" {
		t.Errorf("IdempotencyKey = %q, want idem-1", q.writes[0].IdempotencyKey)
	}
	if q.writes[0].EnqueuedAt.IsZero() {
		t.Error("EnqueuedAt should be stamped")
	}
}

func TestExecute_offlineWriteWithoutQueue(t *testing.T) {
	exec, _ := newTestExecutor(t, "http://127.0.0.1:1", WithObserver(connectivity.NewManual(false)))
	_, err := exec.Execute(context.Background(), saveOp())
	assertCode(t, err, model.ErrConnectivity)
}

func TestExecute_offlineReadWaitsForConnectivity(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	obs := connectivity.NewManual(false)
	exec, _ := newTestExecutor(t, srv.URL, WithObserver(obs))

	done := make(chan error, 1)
	go func() {
		_, err := exec.Execute(context.Background(), readOp())
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("read completed while offline")
	case <-time.After(50 * time.Millisecond):
	}
	if calls.Load() != 0 {
		t.Fatal("read reached the network while offline")
	}

	obs.SetOnline(true)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read did not resume after reconnecting")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestExecute_offlineReadCancelledIsAborted(t *testing.T) {
	exec, _ := newTestExecutor(t, "http://127.0.0.1:1", WithObserver(connectivity.NewManual(false)))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, readOp())
	assertCode(t, err, model.ErrAborted)
	if !model.IsAborted(err) {
		t.Error("IsAborted() = false")
	}
}

func TestExecute_connectionFailureExhaustedQueuesWrite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	q := &recordingQueue{}
	var failures int
	exec, rec := newTestExecutor(t, url,
		WithQueue(q),
		WithConnectionFailureHook(func() { failures++ }),
	)
	op := saveOp()
	op.Probe = false
	op.QueueOnOffline = &model.QueuedWrite{ClientID: "c1", SurveyType: "strategy"}
	_, err := exec.Execute(context.Background(), op)

	assertCode(t, err, model.ErrQueuedOffline)
	if len(q.writes) != 1 {
		t.Errorf("queued = %d, want 1", len(q.writes))
	}
	if got := rec.got(); len(got) != 3 {
		t.Errorf("delays = %v, want 3 retries before queueing", got)
	}
	if failures != 4 {
		t.Errorf("connection failure reports = %d, want 4", failures)
	}
}

func TestExecute_connectionFailureReadReturnsConnectivity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	exec, _ := newTestExecutor(t, url)
	op := readOp()
	op.Probe = false
	_, err := exec.Execute(context.Background(), op)
	assertCode(t, err, model.ErrConnectivity)
}

func TestExecute_cancelledContextIsAborted(t *testing.T) {
	exec, _ := newTestExecutor(t, "http://127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := exec.Execute(ctx, saveOp())
	assertCode(t, err, model.ErrAborted)
}

func TestExecute_cancelDuringBackoffIsAborted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	exec, _ := newTestExecutor(t, srv.URL, WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))
	_, err := exec.Execute(ctx, readOp())
	assertCode(t, err, model.ErrAborted)
}

func TestExecute_attemptTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testRemoteConfig(srv.URL)
	cfg.Timeout = 30 * time.Millisecond
	cfg.Retry.MaxRetries = 1
	rec := &sleepRecorder{}
	exec := NewExecutor(cfg, testResolver(), WithSleep(rec.sleep))

	op := readOp()
	op.Probe = false
	_, err := exec.Execute(context.Background(), op)

	assertCode(t, err, model.ErrTimeout)
	if got := rec.got(); len(got) != 1 {
		t.Errorf("delays = %v, want timeout to be retried once", got)
	}
}

func TestExecute_openBreakerFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	cb := NewCircuitBreaker(config.CircuitBreakerConfig{FailureThreshold: 1, Timeout: time.Hour})
	cb.RecordFailure()
	exec, _ := newTestExecutor(t, srv.URL, WithBreaker(cb))

	_, err := exec.Execute(context.Background(), readOp())
	assertCode(t, err, model.ErrBackendUnavailable)
	if calls.Load() != 0 {
		t.Error("open breaker should not reach the network")
	}
}

func TestExecute_clientErrorsDoNotTripBreaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv.URL)
	for i := 0; i < 10; i++ {
		_, err := exec.Execute(context.Background(), saveOp())
		assertCode(t, err, model.ErrValidationError)
	}
	if s := exec.Breaker().State(); s != BreakerClosed {
		t.Errorf("breaker = %v, want closed", s)
	}
}

func TestExecute_breakerStateMetric(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m := observability.InitMetrics(reg)
	cfg := testRemoteConfig(srv.URL)
	cfg.CircuitBreaker.FailureThreshold = 2
	cfg.Retry.MaxRetries = 1
	rec := &sleepRecorder{}
	exec := NewExecutor(cfg, testResolver(), WithSleep(rec.sleep), WithMetrics(m))

	op := readOp()
	op.Probe = false
	_, _ = exec.Execute(context.Background(), op)

	if v := testutil.ToFloat64(m.CircuitBreakerState); v != float64(BreakerOpen) {
		t.Errorf("breaker gauge = %v, want %v", v, float64(BreakerOpen))
	}
	if v := testutil.ToFloat64(m.RemoteRequestsTotal.WithLabelValues("responses", "500")); v != 2 {
		t.Errorf("500 attempts = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.RemoteRetriesTotal.WithLabelValues("responses")); v != 1 {
		t.Errorf("retries = %v, want 1", v)
	}
}

func TestExecute_responseBodyCapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		chunk := strings.Repeat("x", 1<<20)
		for i := 0; i < 11; i++ {
			_, _ = io.WriteString(w, chunk)
		}
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv.URL)
	res, err := exec.Execute(context.Background(), readOp())
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(res.Body) != maxResponseBytes {
		t.Errorf("body length = %d, want %d", len(res.Body), maxResponseBytes)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	exec := NewExecutor(testRemoteConfig("http://x"), testResolver(), WithClock(func() time.Time { return now }))

	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{" 10 ", 10 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{now.Add(30 * time.Second).Format(http.TimeFormat), 30 * time.Second},
		{"soon", 0},
		{"86400", time.Minute},
	}
	for _, tt := range tests {
		if got := exec.parseRetryAfter(tt.in); got != tt.want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeHeader(t *testing.T) {
	tests := map[string]string{
		"normal":      "normal",
		"a\r\nb":      "ab",
		"a\nb\rc":     "abc",
		"":            "",
		"\r\n\r\n":    "",
		"trace-1234z": "trace-1234z",
	}
	for in, want := range tests {
		if got := sanitizeHeader(in); got != want {
			t.Errorf("sanitizeHeader(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	tests := map[string]string{
		`{"message":"bad version"}`: "bad version",
		`{"error":"nope"}`:          "nope",
		`{"detail":"missing"}`:      "missing",
		`{"error":{"code":1}}`:      "",
		`not json`:                  "",
	}
	for in, want := range tests {
		if got := errorMessage([]byte(in)); got != want {
			t.Errorf("errorMessage(%s) = %q, want %q", in, got, want)
		}
	}
}
