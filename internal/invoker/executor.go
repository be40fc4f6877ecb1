// Package invoker executes remote survey operations with retry, endpoint
// fallback probing, offline queueing and circuit breaker support.
package invoker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/internal/auth"
	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/internal/connectivity"
	"github.com/pitabwire/surveysync/internal/endpoint"
	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/model"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// Enqueuer accepts writes that cannot reach the network.
type Enqueuer interface {
	Enqueue(ctx context.Context, w model.QueuedWrite) error
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Executor runs remote operations against the survey service with retry,
// endpoint probing, offline queueing and circuit breaking.
type Executor struct {
	baseURL  string
	client   *http.Client
	resolver endpoint.Resolver
	breaker  *CircuitBreaker
	retry    config.RetryConfig
	timeout  time.Duration

	creds          *auth.Credentials
	observer       connectivity.Observer
	queue          Enqueuer
	onUnauthorized func()
	onConnFailure  func()

	sleep   SleepFunc
	now     func() time.Time
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithCredentials attaches the bearer token source.
func WithCredentials(c *auth.Credentials) Option {
	return func(e *Executor) { e.creds = c }
}

// WithObserver attaches the connectivity observer.
func WithObserver(o connectivity.Observer) Option {
	return func(e *Executor) { e.observer = o }
}

// WithQueue attaches the offline write queue.
func WithQueue(q Enqueuer) Option {
	return func(e *Executor) { e.queue = q }
}

// WithOnUnauthorized sets the hook run after a 401 clears the credentials.
func WithOnUnauthorized(fn func()) Option {
	return func(e *Executor) { e.onUnauthorized = fn }
}

// WithConnectionFailureHook sets the hook run when a request fails to reach
// the service, typically connectivity.Probe.ReportFailure.
func WithConnectionFailureHook(fn func()) Option {
	return func(e *Executor) { e.onConnFailure = fn }
}

// WithBreaker replaces the circuit breaker built from configuration.
func WithBreaker(cb *CircuitBreaker) Option {
	return func(e *Executor) { e.breaker = cb }
}

// WithSleep replaces the backoff sleep.
func WithSleep(fn SleepFunc) Option {
	return func(e *Executor) { e.sleep = fn }
}

// WithClock replaces the time source used for Retry-After dates.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithLogger sets the fallback logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithMetrics attaches the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// NewExecutor creates an executor for the service at cfg.BaseURL.
func NewExecutor(cfg config.RemoteConfig, resolver endpoint.Resolver, opts ...Option) *Executor {
	e := &Executor{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		resolver: resolver,
		retry:    cfg.Retry,
		timeout:  cfg.Timeout,
		sleep:    sleepContext,
		now:      time.Now,
		logger:   zap.NewNop(),
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
	if e.timeout <= 0 {
		e.timeout = 30 * time.Second
	}
	if e.retry.MaxRetries < 0 {
		e.retry.MaxRetries = 0
	}
	if e.retry.BaseDelay <= 0 {
		e.retry.BaseDelay = time.Second
	}
	if e.retry.RateLimitFallback <= 0 {
		e.retry.RateLimitFallback = 5 * time.Second
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.breaker == nil {
		e.breaker = NewCircuitBreaker(cfg.CircuitBreaker, WithStateChange(func(from, to BreakerState) {
			e.metrics.SetCircuitBreakerState(float64(to))
			e.logger.Warn("circuit breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		}))
	}
	return e
}

// Breaker exposes the executor's circuit breaker.
func (e *Executor) Breaker() *CircuitBreaker { return e.breaker }

// Execute runs op and returns the first successful response. Failures are
// *model.ErrorEnvelope values.
func (e *Executor) Execute(ctx context.Context, op model.Operation) (res model.Result, err error) {
	ctx, span := observability.StartSyncSpan(ctx, "remote."+op.Name,
		observability.AttrOperation.String(op.Name),
		observability.AttrEndpointKind.String(op.Kind),
	)
	start := time.Now()
	defer func() {
		e.metrics.RecordRemoteDuration(op.Name, time.Since(start))
		span.SetAttributes(observability.AttrOutcome.String(outcome(err)))
		if res.Endpoint != "" {
			span.SetAttributes(observability.AttrEndpoint.String(res.Endpoint))
		}
		observability.FinishSpan(span, err)
	}()

	logger := observability.SessionLogger(ctx, e.logger).With(zap.String("operation", op.Name))

	if ctx.Err() != nil {
		return model.Result{}, model.NewAbortedError()
	}

	if e.observer != nil && !e.observer.Online() {
		switch {
		case op.Safe:
			logger.Debug("offline, waiting for connectivity")
			if werr := e.observer.WaitOnline(ctx); werr != nil {
				return model.Result{}, model.NewAbortedError()
			}
		case op.QueueOnOffline != nil && e.queue != nil:
			return model.Result{}, e.enqueue(ctx, logger, op)
		default:
			return model.Result{}, model.NewConnectivityError()
		}
	}

	candidates, err := e.resolver.Candidates(op.Kind, op.Params)
	if err != nil {
		return model.Result{}, fmt.Errorf("invoker: %s: %w", op.Name, err)
	}
	if !op.Probe {
		candidates = candidates[:1]
	}

	body, err := encodeBody(op)
	if err != nil {
		return model.Result{}, fmt.Errorf("invoker: %s: %w", op.Name, err)
	}

	for i, path := range candidates {
		res, err = e.executeWithRetry(ctx, logger, op, e.baseURL+appendQuery(path, op.Query), body)
		if err == nil {
			res.Endpoint = path
			return res, nil
		}
		if i < len(candidates)-1 && isProbeMiss(err) {
			e.metrics.RecordEndpointFallback(op.Kind)
			logger.Debug("endpoint candidate missed, trying next",
				zap.String("endpoint", path),
				zap.String("code", model.CodeOf(err)),
			)
			continue
		}
		break
	}

	if model.IsCode(err, model.ErrConnectivity) && op.QueueOnOffline != nil && e.queue != nil {
		return model.Result{}, e.enqueue(ctx, logger, op)
	}
	return model.Result{}, err
}

// executeWithRetry runs one candidate URL under the retry policy.
func (e *Executor) executeWithRetry(
	ctx context.Context,
	logger *zap.Logger,
	op model.Operation,
	reqURL string,
	body []byte,
) (model.Result, error) {
	retries := 0
	rateLimitBonus := true

	for attempt := 1; ; attempt++ {
		res, err := e.executeOnce(ctx, op, reqURL, body)
		if err == nil {
			return res, nil
		}
		if !model.IsRetryable(err) {
			return model.Result{}, err
		}

		var delay time.Duration
		var env *model.ErrorEnvelope
		errors.As(err, &env)

		switch {
		case env.Code == model.ErrRateLimited && rateLimitBonus:
			rateLimitBonus = false
			delay = env.RetryAfter
			if delay <= 0 {
				delay = e.retry.RateLimitFallback
			}
		case retries >= e.retry.MaxRetries:
			return model.Result{}, err
		default:
			delay = e.retry.BaseDelay << retries
			if env.Code == model.ErrRateLimited && env.RetryAfter > 0 {
				delay = env.RetryAfter
			}
			retries++
		}

		e.metrics.RecordRemoteRetry(op.Name)
		logger.Info("retrying remote call",
			zap.Int("attempt", attempt),
			zap.String("code", env.Code),
			zap.Duration("delay", delay),
		)
		if serr := e.sleep(ctx, delay); serr != nil {
			return model.Result{}, model.NewAbortedError()
		}
	}
}

// executeOnce performs a single HTTP request with circuit breaker protection.
func (e *Executor) executeOnce(ctx context.Context, op model.Operation, reqURL string, body []byte) (model.Result, error) {
	if ctx.Err() != nil {
		return model.Result{}, model.NewAbortedError()
	}
	if err := e.breaker.Allow(); err != nil {
		return model.Result{}, model.NewBackendUnavailableError()
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, op.Method, reqURL, reader)
	if err != nil {
		e.breaker.Release()
		return model.Result{}, fmt.Errorf("invoker: build request: %w", err)
	}
	requestID := uuid.NewString()
	req.Header = e.buildHeaders(ctx, op, requestID, body != nil)

	resp, err := e.client.Do(req)
	if err != nil {
		return model.Result{}, e.transportFailure(ctx, attemptCtx, op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return model.Result{}, e.transportFailure(ctx, attemptCtx, op, err)
	}

	e.metrics.RecordRemoteAttempt(op.Name, resp.StatusCode)
	if resp.StatusCode >= 500 {
		e.breaker.RecordFailure()
	} else {
		e.breaker.RecordSuccess()
	}

	if resp.StatusCode < 400 {
		return model.Result{
			StatusCode: resp.StatusCode,
			Body:       data,
			Headers:    extractResponseHeaders(resp),
		}, nil
	}

	env := model.FromStatus(resp.StatusCode, errorMessage(data))
	env.RequestID = requestID
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		e.creds.Clear()
		if e.onUnauthorized != nil {
			e.onUnauthorized()
		}
	case http.StatusTooManyRequests:
		env.RetryAfter = e.parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return model.Result{}, env
}

// transportFailure classifies an error that prevented a response.
func (e *Executor) transportFailure(ctx, attemptCtx context.Context, op model.Operation, err error) error {
	if ctx.Err() != nil {
		e.breaker.Release()
		return model.NewAbortedError()
	}
	e.breaker.RecordFailure()
	e.metrics.RecordRemoteAttempt(op.Name, 0)
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return model.NewTimeoutError()
	}
	if e.onConnFailure != nil {
		e.onConnFailure()
	}
	return model.NewConnectivityError()
}

// enqueue hands the operation's write to the offline queue.
func (e *Executor) enqueue(ctx context.Context, logger *zap.Logger, op model.Operation) error {
	w := *op.QueueOnOffline
	if w.IdempotencyKey == "" {
		w.IdempotencyKey = op.IdempotencyKey
	}
	if w.EnqueuedAt.IsZero() {
		w.EnqueuedAt = e.now()
	}
	if err := e.queue.Enqueue(ctx, w); err != nil {
		logger.Error("failed to queue offline write", zap.Error(err))
		return model.NewConnectivityError()
	}
	logger.Info("write queued for replay",
		zap.String("client_id", w.ClientID),
		zap.String("survey_type", w.SurveyType),
	)
	return model.NewQueuedOfflineError()
}

func (e *Executor) buildHeaders(ctx context.Context, op model.Operation, requestID string, hasBody bool) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if hasBody {
		ct := op.ContentType
		if ct == "" {
			ct = "application/json"
		}
		h.Set("Content-Type", sanitizeHeader(ct))
	}
	h.Set("X-Request-Id", requestID)
	if token, ok := e.creds.Token(); ok {
		h.Set("Authorization", "Bearer "+sanitizeHeader(token))
	}
	if op.IdempotencyKey != "" {
		h.Set("X-Idempotency-Key", sanitizeHeader(op.IdempotencyKey))
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil && rctx.CorrelationID != "" {
		h.Set("X-Correlation-Id", sanitizeHeader(rctx.CorrelationID))
	}
	for k, v := range op.Headers {
		h.Set(sanitizeHeader(k), sanitizeHeader(v))
	}
	observability.PropagateTrace(ctx, h)
	return h
}

// parseRetryAfter reads a Retry-After value given in seconds or as an
// HTTP-date. Values beyond the configured maximum are clamped.
func (e *Executor) parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	var d time.Duration
	if secs, err := strconv.Atoi(v); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(v); err == nil {
		d = t.Sub(e.now())
	}
	if d < 0 {
		d = 0
	}
	if e.retry.MaxRetryAfter > 0 && d > e.retry.MaxRetryAfter {
		d = e.retry.MaxRetryAfter
	}
	return d
}

func encodeBody(op model.Operation) ([]byte, error) {
	if op.RawBody != nil {
		return op.RawBody, nil
	}
	if op.Body == nil {
		return nil, nil
	}
	data, err := json.Marshal(op.Body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	return data, nil
}

// appendQuery adds q to a candidate path that may already carry a query.
func appendQuery(path string, q map[string]string) string {
	if len(q) == 0 {
		return path
	}
	params := url.Values{}
	for k, v := range q {
		params.Set(k, v)
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params.Encode()
}

// errorMessage extracts a message from a JSON error body.
func errorMessage(data []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
		Detail  string `json:"detail"`
	}
	if json.Unmarshal(data, &body) != nil {
		return ""
	}
	switch {
	case body.Message != "":
		return body.Message
	case body.Detail != "":
		return body.Detail
	}
	if s, ok := body.Error.(string); ok {
		return s
	}
	return ""
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	s = strings.ReplaceAll(s, "\n", "")
	return s
}

func extractResponseHeaders(resp *http.Response) map[string]string {
	headers := make(map[string]string)
	for _, key := range []string{
		"Content-Type", "Content-Disposition", "ETag",
		"X-Correlation-Id", "X-Request-Id",
	} {
		if v := resp.Header.Get(key); v != "" {
			headers[key] = v
		}
	}
	return headers
}

func isProbeMiss(err error) bool {
	code := model.CodeOf(err)
	return code == model.ErrNotFound || code == model.ErrMethodNotAllowed
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if code := model.CodeOf(err); code != "" {
		return code
	}
	return model.ErrInternalError
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

var _ model.Executor = (*Executor)(nil)

