// Package conflict merges concurrent edits of a response record and runs the
// save, fetch, merge and retry flow on a version conflict.
package conflict

import (
	"context"
	"maps"
	"reflect"
	"slices"

	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/model"
)

// SaveFunc writes one payload to the survey service.
type SaveFunc func(ctx context.Context, payload model.SavePayload) error

// FetchFunc reads the latest server record, bypassing any cache.
type FetchFunc func(ctx context.Context) (model.ResponseRecord, error)

// Merge combines the server record with the client's edits. Client answers
// win per question id, the version moves past the server's, progress never
// moves backwards, and the client's completion flag is kept.
func Merge(server, client model.ResponseRecord) model.ResponseRecord {
	responses := server.Responses.Clone()
	maps.Copy(responses, client.Responses.Clone())

	merged := model.ResponseRecord{
		Responses:   responses,
		Version:     max(server.Version, 0) + 1,
		Completed:   client.Completed,
		CompletedAt: client.CompletedAt,
		Progress:    mergeProgress(server.Progress, client.Progress),
	}
	return merged
}

// Overwritten returns the sorted ids of questions the server answered
// differently from client. Merge keeps the client's answer for these.
func Overwritten(server, client model.ResponseSet) []string {
	server, client = server.Clone(), client.Clone()
	var ids []string
	for id, v := range client {
		if sv, ok := server[id]; ok && !reflect.DeepEqual(sv, v) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

func mergeProgress(server, client *model.Progress) *model.Progress {
	switch {
	case client == nil && server == nil:
		return nil
	case client == nil:
		p := *server
		return &p
	case server == nil:
		p := *client
		return &p
	}
	p := *client
	p.Answered = max(server.Answered, client.Answered)
	p.Percentage = max(server.Percentage, client.Percentage)
	return &p
}

// Resolver runs saves through the conflict flow.
type Resolver struct {
	logger  *zap.Logger
	metrics *observability.Metrics
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// WithMetrics attaches the metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// NewResolver creates a Resolver.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Save writes payload. On a CONFLICT it fetches the latest server record,
// merges the payload into it and retries once. It returns the payload that
// was accepted. A second conflict yields UNRESOLVED_CONFLICT.
func (r *Resolver) Save(ctx context.Context, payload model.SavePayload, save SaveFunc, fetchLatest FetchFunc) (model.SavePayload, error) {
	err := save(ctx, payload)
	if err == nil || !model.IsCode(err, model.ErrConflict) {
		return payload, err
	}

	ctx, span := observability.StartSyncSpan(ctx, "conflict.resolve")
	accepted, err := r.resolve(ctx, payload, save, fetchLatest)
	observability.FinishSpan(span, err)
	return accepted, err
}

func (r *Resolver) resolve(ctx context.Context, payload model.SavePayload, save SaveFunc, fetchLatest FetchFunc) (model.SavePayload, error) {
	logger := observability.LoggerFrom(ctx, r.logger).With(
		zap.String("client_id", payload.ClientID),
		zap.String("survey_type", payload.SurveyType),
	)
	logger.Info("save conflicted, merging with server record", zap.Int("client_version", payload.Version))

	server, err := fetchLatest(ctx)
	if err != nil && !model.IsCode(err, model.ErrNotFound) {
		return payload, err
	}

	merged := payload
	merged.ResponseRecord = Merge(server, payload.ResponseRecord)
	if ids := Overwritten(server.Responses, payload.Responses); len(ids) > 0 {
		logger.Warn("client answers replace concurrent server edits", zap.Strings("question_ids", ids))
	}

	err = save(ctx, merged)
	switch {
	case err == nil:
		r.metrics.RecordConflict("resolved")
		logger.Info("conflict resolved", zap.Int("version", merged.Version))
		return merged, nil
	case model.IsCode(err, model.ErrConflict):
		r.metrics.RecordConflict("unresolved")
		logger.Warn("merged save conflicted again")
		return payload, model.NewUnresolvedConflictError()
	default:
		return merged, err
	}
}
