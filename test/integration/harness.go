// Package integration provides a reusable test harness for end-to-end
// testing of the survey sync agent. It wires the full stack against a
// stateful mock survey service, in-memory storage, a manual connectivity
// observer, a fake clock and an advisor token minter.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/surveysync/internal/auth"
	"github.com/pitabwire/surveysync/internal/cache"
	"github.com/pitabwire/surveysync/internal/clock"
	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/internal/connectivity"
	"github.com/pitabwire/surveysync/internal/definition"
	"github.com/pitabwire/surveysync/internal/endpoint"
	"github.com/pitabwire/surveysync/internal/invoker"
	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/internal/offline"
	"github.com/pitabwire/surveysync/internal/remote"
	"github.com/pitabwire/surveysync/internal/storage"
	"github.com/pitabwire/surveysync/internal/survey"
	"github.com/pitabwire/surveysync/internal/transport"
	"github.com/pitabwire/surveysync/model"
)

// TestUserID is the user id carried by the harness's default token.
const TestUserID = "user-42"

var harnessEpoch = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

// TestHarness encapsulates a fully wired agent with a mock survey service.
type TestHarness struct {
	t      *testing.T
	server *httptest.Server
	minter *tokenMinter
	cancel context.CancelFunc

	// Internal components exposed for advanced test scenarios.
	Service     *MockSurveyService
	Store       *storage.MemoryStore
	Registry    *definition.Registry
	Network     *connectivity.Manual
	Credentials *auth.Credentials
	Queue       *offline.Queue
	Executor    *invoker.Executor
	Client      *remote.Client
	Clock       *clock.Fake
	Metrics     *observability.Metrics
	Gatherer    *prometheus.Registry
	Logger      *zap.Logger

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	definitionDirs []string
	remoteDefs     bool
	circuitBreaker config.CircuitBreakerConfig
	maxRetries     int
	handlerTimeout time.Duration
	watchQueue     bool
	token          *AdvisorClaims
}

// WithDefinitions sets the definition directories to load. Relative paths
// are resolved from the testdata directory.
func WithDefinitions(dirs ...string) HarnessOption {
	return func(c *harnessConfig) {
		c.definitionDirs = dirs
	}
}

// WithoutRemoteDefinitions keeps the local definitions off the mock
// service, so only the local fallback can serve them.
func WithoutRemoteDefinitions() HarnessOption {
	return func(c *harnessConfig) {
		c.remoteDefs = false
	}
}

// WithCircuitBreaker overrides the circuit breaker settings.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) {
		c.circuitBreaker = cb
	}
}

// WithMaxRetries overrides the retry limit of the executor.
func WithMaxRetries(n int) HarnessOption {
	return func(c *harnessConfig) {
		c.maxRetries = n
	}
}

// WithHandlerTimeout sets the per-request handler timeout of the agent.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) {
		c.handlerTimeout = d
	}
}

// WithReplayOnReconnect replays the offline queue whenever the network
// observer comes back online.
func WithReplayOnReconnect() HarnessOption {
	return func(c *harnessConfig) {
		c.watchQueue = true
	}
}

// WithToken sets the claims of the bearer token. A nil value starts
// unauthenticated.
func WithToken(claims *AdvisorClaims) HarnessOption {
	return func(c *harnessConfig) {
		c.token = claims
	}
}

// NewTestHarness creates and starts a full agent test instance. Everything
// is cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	defaultClaims := DefaultClaims()
	hc := &harnessConfig{
		remoteDefs:     true,
		maxRetries:     1,
		handlerTimeout: 10 * time.Second,
		token:          &defaultClaims,
		circuitBreaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	if len(hc.definitionDirs) == 0 {
		hc.definitionDirs = []string{"definitions"}
	}
	for i, dir := range hc.definitionDirs {
		if !filepath.IsAbs(dir) {
			hc.definitionDirs[i] = filepath.Join(testdataDir(), dir)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &TestHarness{
		t:      t,
		cancel: cancel,
		Logger: zaptest.NewLogger(t),
		Clock:  clock.NewFake(harnessEpoch),
	}
	t.Cleanup(cancel)

	// Step 1: Start the mock survey service.
	h.Service = newMockSurveyService(t)

	// Step 2: Load and validate definitions.
	defs, err := definition.NewLoader().LoadAll(hc.definitionDirs)
	if err != nil {
		t.Fatalf("load definitions: %v", err)
	}
	if verrs := definition.NewValidator().Validate(defs); len(verrs) > 0 {
		t.Fatalf("invalid definitions: %v", verrs)
	}
	h.Registry = definition.NewRegistry(defs)
	if hc.remoteDefs {
		for _, def := range defs {
			h.Service.AddDefinition(def)
		}
	}

	// Step 3: Build config.
	h.cfg = config.Defaults()
	h.cfg.Remote.BaseURL = h.Service.URL()
	h.cfg.Remote.Timeout = 5 * time.Second
	h.cfg.Remote.Retry.MaxRetries = hc.maxRetries
	h.cfg.Remote.CircuitBreaker = hc.circuitBreaker
	h.cfg.Storage.Driver = "memory"
	h.cfg.Agent.WriteTimeout = hc.handlerTimeout

	// Step 4: Build storage, metrics and credentials.
	h.Store = storage.NewMemoryStore()
	h.Gatherer = prometheus.NewRegistry()
	h.Metrics = observability.InitMetrics(h.Gatherer)
	h.Metrics.SetDefinitionsLoaded(h.Registry.Len())

	h.minter = newTokenMinter(t)
	h.Credentials = auth.NewCredentials("")
	if hc.token != nil {
		h.Credentials.Set(h.MintToken(*hc.token))
	}

	// Step 5: Build connectivity and the offline queue.
	h.Network = connectivity.NewManual(true)
	h.Queue = offline.New(h.Store,
		offline.WithLogger(h.Logger),
		offline.WithMetrics(h.Metrics),
	)

	// Step 6: Build the executor. Backoff is skipped and transport failures
	// flip the network observer offline.
	h.Executor = invoker.NewExecutor(h.cfg.Remote, endpoint.NewTemplateResolver(h.cfg.Endpoints),
		invoker.WithCredentials(h.Credentials),
		invoker.WithObserver(h.Network),
		invoker.WithQueue(h.Queue),
		invoker.WithConnectionFailureHook(func() { h.Network.SetOnline(false) }),
		invoker.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }),
		invoker.WithClock(h.Clock.Now),
		invoker.WithLogger(h.Logger),
		invoker.WithMetrics(h.Metrics),
	)

	// Step 7: Build the remote client.
	h.Client = remote.New(h.Executor, cache.New(time.Minute, cache.WithMetrics(h.Metrics)),
		remote.WithLocalDefinitions(h.Registry),
		remote.WithCredentials(h.Credentials),
		remote.WithClock(h.Clock.Now),
		remote.WithLogger(h.Logger),
		remote.WithMetrics(h.Metrics),
	)

	if hc.watchQueue {
		stop := h.Queue.Watch(ctx, h.Network, h.Client)
		t.Cleanup(stop)
	}

	// Step 8: Build the agent router and start it.
	router := transport.NewRouter(transport.Dependencies{
		Queue:       h.Queue,
		Sender:      h.Client,
		Definitions: h.Definitions(),
		Registry:    h.Registry,
		Status:      h.Client,
		Readiness: observability.ReadinessChecks{
			Storage:           h.Store,
			DefinitionsLoaded: h.Registry.Len,
			Online:            h.Network.Online,
			QueueDepth:        h.Queue.Depth,
		},
		Gatherer:       h.Gatherer,
		Metrics:        h.Metrics,
		Logger:         h.Logger,
		HandlerTimeout: hc.handlerTimeout,
	})
	h.server = httptest.NewServer(router)
	t.Cleanup(h.server.Close)

	return h
}

// Definitions returns the provider the engine uses: the remote service
// with the local registry as fallback.
func (h *TestHarness) Definitions() definition.Provider {
	return h.Client.Definitions()
}

// NewEngine builds a survey engine on the harness's components. It is
// closed when the test completes.
func (h *TestHarness) NewEngine() *survey.Engine {
	h.t.Helper()
	e := survey.NewEngine(survey.Deps{
		Definitions: h.Definitions(),
		Responses:   h.Client,
		Drafts:      h.Store,
		Credentials: h.Credentials,
	},
		survey.WithClock(h.Clock),
		survey.WithTimings(h.cfg.Autosave),
		survey.WithLogger(h.Logger),
		survey.WithMetrics(h.Metrics),
	)
	h.t.Cleanup(e.Close)
	return e
}

// Autosave advances the fake clock past the autosave delay, running any
// scheduled autosave.
func (h *TestHarness) Autosave() {
	h.Clock.Advance(h.cfg.Autosave.Delay)
}

// GoOffline takes the survey service down and marks the network offline.
func (h *TestHarness) GoOffline() {
	h.Service.SetDown(true)
	h.Network.SetOnline(false)
}

// GoOnline brings the survey service back and marks the network online.
func (h *TestHarness) GoOnline() {
	h.Service.SetDown(false)
	h.Network.SetOnline(true)
}

// QueueDepth returns the number of pending offline writes.
func (h *TestHarness) QueueDepth() int {
	h.t.Helper()
	n, err := h.Store.Len(context.Background())
	if err != nil {
		h.t.Fatalf("queue depth: %v", err)
	}
	return n
}

// BaseURL returns the agent server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// MintToken returns an advisor token valid for an hour.
func (h *TestHarness) MintToken(c AdvisorClaims) string {
	return h.minter.Mint(c, time.Now().Add(time.Hour))
}

// MintExpiredToken returns an advisor token that expired a minute ago.
func (h *TestHarness) MintExpiredToken(c AdvisorClaims) string {
	return h.minter.Mint(c, time.Now().Add(-time.Minute))
}

// --- HTTP client helpers ---

// GET performs a GET request against the agent.
func (h *TestHarness) GET(path string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, nil)
}

// GETWithHeaders performs a GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodGet, path, nil, headers)
}

// POST performs a POST request with a JSON body.
func (h *TestHarness) POST(path string, body any) *http.Response {
	h.t.Helper()
	return h.doRequest(http.MethodPost, path, body, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks the response status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// DefaultClaims returns the claims of the harness's default token.
func DefaultClaims() AdvisorClaims {
	return AdvisorClaims{
		UserID: TestUserID,
		Email:  "advisor@example.com",
	}
}

// ErrorCode extracts the envelope code from an error.
func ErrorCode(err error) string {
	return model.CodeOf(err)
}

func testdataDir() string {
	_, file, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(file), "testdata")
}
