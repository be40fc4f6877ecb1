package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/model"
)

// Redacted replaces answer values that must not reach the logs.
const Redacted = "[REDACTED]"

type loggerKey struct{}

// NewLogger builds the JSON logger used by the agent and the CLI. Output
// goes to stderr so command output on stdout stays machine readable. An
// unknown level falls back to info.
//
// Levels:
//   - error: storage failures, unresolved conflicts, exhausted retries
//   - warn:  retries, endpoint fallbacks, queued-offline writes, breaker trips
//   - info:  survey load and submit, queue replay, definition reload
//   - debug: cache traffic, normalized payload shapes, redacted answers
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Sampling = nil
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zc.Build()
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger stored in ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// SessionLogger returns the context logger tagged with the survey session
// carried in ctx. Empty identifiers are left out.
func SessionLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	var fields []zap.Field
	for _, f := range []struct{ key, val string }{
		{"client_id", rctx.ClientID},
		{"survey_type", rctx.SurveyType},
		{"subject_id", rctx.SubjectID},
		{"correlation_id", rctx.CorrelationID},
		{"trace_id", rctx.TraceID},
	} {
		if f.val != "" {
			fields = append(fields, zap.String(f.key, f.val))
		}
	}
	return logger.With(fields...)
}

// freeForm lists response types whose answers may hold personal data.
var freeForm = map[string]bool{
	model.ResponseShortText: true,
	model.ResponseLongText:  true,
	model.ResponseEmail:     true,
	model.ResponsePhone:     true,
	model.ResponseFile:      true,
}

// RedactAnswers returns a copy of responses safe for debug logging. Answers
// to free-form questions, to questions with a contact validation and to
// questions def does not know are replaced by Redacted. Choice, numeric
// and date answers are kept.
func RedactAnswers(def model.SurveyDefinition, responses model.ResponseSet) model.ResponseSet {
	if responses == nil {
		return nil
	}
	out := make(model.ResponseSet, len(responses))
	for id, v := range responses {
		q, ok := def.Question(id)
		if !ok || freeForm[q.ResponseType] || q.ValidationType != "" {
			out[id] = Redacted
			continue
		}
		out[id] = v
	}
	return out
}
