// Package remote implements the survey definition provider and the remote
// response store over the resilient request executor and the TTL cache.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/internal/auth"
	"github.com/pitabwire/surveysync/internal/cache"
	"github.com/pitabwire/surveysync/internal/conflict"
	"github.com/pitabwire/surveysync/internal/definition"
	"github.com/pitabwire/surveysync/internal/normalize"
	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/model"
)

// Client talks to the survey service. It is safe for concurrent use.
type Client struct {
	exec     model.Executor
	cache    *cache.TTLCache
	resolver *conflict.Resolver
	creds    *auth.Credentials
	local    definition.Provider
	defs     definition.Provider
	now      func() time.Time
	logger   *zap.Logger
	metrics  *observability.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithResolver replaces the conflict resolver used by Send.
func WithResolver(r *conflict.Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithCredentials names the user a queued submission is completed for.
func WithCredentials(creds *auth.Credentials) Option {
	return func(c *Client) { c.creds = creds }
}

// WithLocalDefinitions serves definitions from local when the service
// cannot, both to callers of Definitions and for response normalization.
func WithLocalDefinitions(local definition.Provider) Option {
	return func(c *Client) { c.local = local }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithMetrics attaches the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client. A nil cache is replaced by a private one with the
// default TTL.
func New(exec model.Executor, c *cache.TTLCache, opts ...Option) *Client {
	if c == nil {
		c = cache.New(cache.DefaultTTL)
	}
	cl := &Client{
		exec:   exec,
		cache:  c,
		now:    time.Now,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(cl)
	}
	if cl.resolver == nil {
		cl.resolver = conflict.NewResolver(conflict.WithLogger(cl.logger), conflict.WithMetrics(cl.metrics))
	}
	cl.defs = cl
	if cl.local != nil {
		cl.defs = definition.NewFallbackProvider(cl, cl.local, cl.logger)
	}
	return cl
}

// Definitions returns the definition provider the client resolves survey
// types with: the service, backed by the local definitions when configured.
func (c *Client) Definitions() definition.Provider {
	return c.defs
}

// GetDefinition returns the definition of surveyType, from the cache when
// live.
func (c *Client) GetDefinition(ctx context.Context, surveyType string) (model.SurveyDefinition, error) {
	defs := cache.NewTyped[model.SurveyDefinition](c.cache)
	return defs.GetOrLoad(ctx, cache.DefinitionKey(surveyType), func(ctx context.Context) (model.SurveyDefinition, error) {
		res, err := c.exec.Execute(ctx, model.Operation{
			Name:   "get_definition",
			Kind:   model.EndpointDefinition,
			Method: http.MethodGet,
			Params: map[string]string{"type": surveyType},
			Safe:   true,
			Probe:  true,
		})
		if err != nil {
			return model.SurveyDefinition{}, err
		}
		return definition.ParseRemote(res.Body, surveyType)
	})
}

// GetResponses returns the normalized responses of clientID for surveyType.
// A missing record is an empty one.
func (c *Client) GetResponses(ctx context.Context, surveyType, clientID string) (model.ResponseRecord, error) {
	records := cache.NewTyped[model.ResponseRecord](c.cache)
	rec, err := records.GetOrLoad(ctx, cache.ResponsesKey(clientID, surveyType), func(ctx context.Context) (model.ResponseRecord, error) {
		return c.fetchResponses(ctx, surveyType, clientID)
	})
	if err != nil {
		return model.ResponseRecord{}, err
	}
	rec.Responses = rec.Responses.Clone()
	return rec, nil
}

// FetchLatest reads the responses from the service, bypassing the cache,
// and refreshes the cached copy.
func (c *Client) FetchLatest(ctx context.Context, surveyType, clientID string) (model.ResponseRecord, error) {
	rec, err := c.fetchResponses(ctx, surveyType, clientID)
	if err != nil {
		return model.ResponseRecord{}, err
	}
	c.cache.Set(cache.ResponsesKey(clientID, surveyType), rec)
	rec.Responses = rec.Responses.Clone()
	return rec, nil
}

func (c *Client) fetchResponses(ctx context.Context, surveyType, clientID string) (model.ResponseRecord, error) {
	def, err := c.defs.GetDefinition(ctx, surveyType)
	if err != nil {
		return model.ResponseRecord{}, err
	}

	res, err := c.exec.Execute(ctx, model.Operation{
		Name:   "get_responses",
		Kind:   model.EndpointResponses,
		Method: http.MethodGet,
		Params: map[string]string{"type": surveyType, "client": clientID},
		Safe:   true,
		Probe:  true,
	})
	if model.IsCode(err, model.ErrNotFound) {
		return model.ResponseRecord{Responses: model.ResponseSet{}}, nil
	}
	if err != nil {
		return model.ResponseRecord{}, err
	}
	if len(bytes.TrimSpace(res.Body)) == 0 {
		return model.ResponseRecord{Responses: model.ResponseSet{}}, nil
	}

	var raw any
	if err := json.Unmarshal(res.Body, &raw); err != nil {
		return model.ResponseRecord{}, fmt.Errorf("remote: decode responses: %w", err)
	}
	shape := normalize.DetectShape(raw)
	c.metrics.RecordNormalizedShape(string(shape))
	rec := normalize.Record(raw, def.Questions)
	if ce := observability.LoggerFrom(ctx, c.logger).Check(zap.DebugLevel, "responses normalized"); ce != nil {
		ce.Write(
			zap.String("survey_type", surveyType),
			zap.String("shape", string(shape)),
			zap.String("endpoint", res.Endpoint),
			zap.Any("responses", observability.RedactAnswers(def, rec.Responses)),
		)
	}
	return rec, nil
}

// SaveResponses writes payload. Without connectivity the write is handed
// to the offline queue and QUEUED_OFFLINE is returned.
func (c *Client) SaveResponses(ctx context.Context, payload model.SavePayload) error {
	if payload.ClientTimestamp.IsZero() {
		payload.ClientTimestamp = c.now().UTC()
	}
	key := uuid.NewString()
	_, err := c.exec.Execute(ctx, model.Operation{
		Name:           "save_responses",
		Kind:           model.EndpointSave,
		Method:         http.MethodPost,
		Params:         map[string]string{"type": payload.SurveyType, "client": payload.ClientID},
		Body:           payload,
		Probe:          true,
		IdempotencyKey: key,
		QueueOnOffline: &model.QueuedWrite{
			ClientID:       payload.ClientID,
			SurveyType:     payload.SurveyType,
			Payload:        payload,
			IdempotencyKey: key,
			UserID:         c.queuedUser(payload),
		},
	})
	if err != nil {
		return err
	}
	c.invalidate(payload.ClientID, payload.SurveyType)
	return nil
}

// Send replays one queued write through the conflict flow. It never queues
// again: an unreachable service fails the send and leaves the entry in
// place. A replayed submission also records its completion.
func (c *Client) Send(ctx context.Context, w model.QueuedWrite) error {
	attempt := 0
	save := func(ctx context.Context, p model.SavePayload) error {
		key := w.IdempotencyKey
		if attempt > 0 {
			key += ":merged"
		}
		attempt++
		_, err := c.exec.Execute(ctx, model.Operation{
			Name:           "replay_responses",
			Kind:           model.EndpointSave,
			Method:         http.MethodPost,
			Params:         map[string]string{"type": w.SurveyType, "client": w.ClientID},
			Body:           p,
			Probe:          true,
			IdempotencyKey: key,
		})
		return err
	}
	fetch := func(ctx context.Context) (model.ResponseRecord, error) {
		return c.FetchLatest(ctx, w.SurveyType, w.ClientID)
	}

	if _, err := c.resolver.Save(ctx, w.Payload, save, fetch); err != nil {
		return err
	}
	c.invalidate(w.ClientID, w.SurveyType)

	if !w.Payload.Completed {
		return nil
	}
	completion := model.Completion{
		ClientID:   w.ClientID,
		SurveyType: w.SurveyType,
		UserID:     w.UserID,
	}
	if w.Payload.CompletedAt != nil {
		completion.CompletedAt = *w.Payload.CompletedAt
	}
	if err := c.CompleteSurvey(ctx, completion); err != nil {
		return fmt.Errorf("remote: record completion: %w", err)
	}
	return nil
}

func (c *Client) queuedUser(p model.SavePayload) string {
	if !p.Completed || c.creds == nil {
		return ""
	}
	return c.creds.Subject()
}

// SendBatch delivers queued drafts in one batch save. Conflicts are not
// resolved here: a rejected batch is left for per-write replay.
func (c *Client) SendBatch(ctx context.Context, ws []model.QueuedWrite) error {
	payloads := make([]model.SavePayload, len(ws))
	for i, w := range ws {
		payloads[i] = w.Payload
	}
	return c.BatchSave(ctx, payloads)
}

// CompleteSurvey records the completion of a survey.
func (c *Client) CompleteSurvey(ctx context.Context, completion model.Completion) error {
	if completion.CompletedAt.IsZero() {
		completion.CompletedAt = c.now().UTC()
	}
	_, err := c.exec.Execute(ctx, model.Operation{
		Name:           "complete_survey",
		Kind:           model.EndpointComplete,
		Method:         http.MethodPost,
		Params:         map[string]string{"type": completion.SurveyType, "client": completion.ClientID},
		Body:           completion,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return err
	}
	c.invalidate(completion.ClientID, completion.SurveyType)
	return nil
}

// BatchSave writes several payloads in one call.
func (c *Client) BatchSave(ctx context.Context, payloads []model.SavePayload) error {
	if len(payloads) == 0 {
		return nil
	}
	now := c.now().UTC()
	batch := model.BatchSave{Responses: make([]model.SavePayload, len(payloads))}
	for i, p := range payloads {
		if p.ClientTimestamp.IsZero() {
			p.ClientTimestamp = now
		}
		batch.Responses[i] = p
	}

	_, err := c.exec.Execute(ctx, model.Operation{
		Name:           "batch_save",
		Kind:           model.EndpointBatch,
		Method:         http.MethodPost,
		Body:           batch,
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return err
	}
	for _, p := range payloads {
		c.invalidate(p.ClientID, p.SurveyType)
	}
	return nil
}

// Status returns the completion status of clientID for surveyType, from the
// cache when live.
func (c *Client) Status(ctx context.Context, clientID, surveyType string) (model.StatusRecord, error) {
	statuses := cache.NewTyped[model.StatusRecord](c.cache)
	return statuses.GetOrLoad(ctx, cache.StatusKey(clientID, surveyType), func(ctx context.Context) (model.StatusRecord, error) {
		res, err := c.exec.Execute(ctx, model.Operation{
			Name:   "get_status",
			Kind:   model.EndpointStatus,
			Method: http.MethodGet,
			Params: map[string]string{"type": surveyType, "client": clientID},
			Safe:   true,
		})
		if err != nil {
			return model.StatusRecord{}, err
		}
		var status model.StatusRecord
		if err := json.Unmarshal(res.Body, &status); err != nil {
			return model.StatusRecord{}, fmt.Errorf("remote: decode status: %w", err)
		}
		if status.ClientID == "" {
			status.ClientID = clientID
		}
		if status.SurveyType == "" {
			status.SurveyType = surveyType
		}
		return status, nil
	})
}

// Upload describes a file answer to upload.
type Upload struct {
	ClientID    string
	SurveyType  string
	QuestionID  string
	Filename    string
	ContentType string
	Content     io.Reader
}

// Upload sends a file as multipart form data and returns the reference to
// store as the question's answer.
func (c *Client) Upload(ctx context.Context, u Upload) (model.FileRef, error) {
	contentType := u.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, field := range [][2]string{
		{"client_id", u.ClientID},
		{"survey_type", u.SurveyType},
		{"question_id", u.QuestionID},
	} {
		if err := w.WriteField(field[0], field[1]); err != nil {
			return model.FileRef{}, fmt.Errorf("remote: upload form: %w", err)
		}
	}
	part, err := w.CreatePart(filePartHeader(u.Filename, contentType))
	if err != nil {
		return model.FileRef{}, fmt.Errorf("remote: upload form: %w", err)
	}
	size, err := io.Copy(part, u.Content)
	if err != nil {
		return model.FileRef{}, fmt.Errorf("remote: reading upload: %w", err)
	}
	if err := w.Close(); err != nil {
		return model.FileRef{}, fmt.Errorf("remote: upload form: %w", err)
	}

	res, err := c.exec.Execute(ctx, model.Operation{
		Name:           "upload_file",
		Kind:           model.EndpointUpload,
		Method:         http.MethodPost,
		Params:         map[string]string{"type": u.SurveyType, "client": u.ClientID},
		RawBody:        buf.Bytes(),
		ContentType:    w.FormDataContentType(),
		IdempotencyKey: uuid.NewString(),
	})
	if err != nil {
		return model.FileRef{}, err
	}

	ref := model.FileRef{File: u.Filename, Size: size, Type: contentType}
	if len(bytes.TrimSpace(res.Body)) > 0 {
		var stored model.FileRef
		if err := json.Unmarshal(res.Body, &stored); err != nil {
			return model.FileRef{}, fmt.Errorf("remote: decode upload response: %w", err)
		}
		if stored.File != "" {
			ref.File = stored.File
		}
		if stored.Size > 0 {
			ref.Size = stored.Size
		}
		if stored.Type != "" {
			ref.Type = stored.Type
		}
	}
	return ref, nil
}

func filePartHeader(filename, contentType string) textproto.MIMEHeader {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	h.Set("Content-Type", contentType)
	return h
}

// Export downloads the responses of clientID for surveyType in format.
func (c *Client) Export(ctx context.Context, clientID, surveyType, format string) (model.Export, error) {
	if format == "" {
		format = "pdf"
	}
	res, err := c.exec.Execute(ctx, model.Operation{
		Name:   "export_responses",
		Kind:   model.EndpointExport,
		Method: http.MethodGet,
		Params: map[string]string{"type": surveyType, "client": clientID, "format": format},
		Safe:   true,
	})
	if err != nil {
		return model.Export{}, err
	}
	return model.Export{ContentType: res.Headers["Content-Type"], Data: res.Body}, nil
}

// Invalidate drops the cached responses and status of clientID for
// surveyType.
func (c *Client) Invalidate(clientID, surveyType string) {
	c.invalidate(clientID, surveyType)
}

func (c *Client) invalidate(clientID, surveyType string) {
	c.cache.Delete(cache.ResponsesKey(clientID, surveyType))
	c.cache.Delete(cache.StatusKey(clientID, surveyType))
}
