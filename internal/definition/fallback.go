package definition

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/model"
)

// FallbackProvider serves definitions from a primary provider and falls back
// to local definitions when the primary cannot be reached or does not know
// the survey type.
type FallbackProvider struct {
	primary Provider
	local   Provider
	logger  *zap.Logger
}

// NewFallbackProvider wraps primary with local as the fallback.
func NewFallbackProvider(primary, local Provider, logger *zap.Logger) *FallbackProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackProvider{primary: primary, local: local, logger: logger}
}

// GetDefinition implements Provider. When the local lookup also fails the
// primary's error is returned.
func (p *FallbackProvider) GetDefinition(ctx context.Context, surveyType string) (model.SurveyDefinition, error) {
	def, err := p.primary.GetDefinition(ctx, surveyType)
	if err == nil || !shouldFallback(err) {
		return def, err
	}

	local, lerr := p.local.GetDefinition(ctx, surveyType)
	if lerr != nil {
		return def, err
	}
	p.logger.Warn("serving local survey definition",
		zap.String("survey_type", surveyType),
		zap.String("remote_error", model.CodeOf(err)),
		zap.String("source_file", local.SourceFile),
	)
	return local, nil
}

func shouldFallback(err error) bool {
	switch model.CodeOf(err) {
	case model.ErrConnectivity, model.ErrTimeout, model.ErrNotFound, model.ErrBackendUnavailable:
		return true
	}
	return false
}
