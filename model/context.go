package model

import "context"

// RequestContext names the survey session a remote call is made for and
// the IDs that tie it to the agent request and trace. Treat it as
// immutable once attached to a context; derive changes with WithSurvey.
type RequestContext struct {
	ClientID      string
	SurveyType    string
	SubjectID     string
	CorrelationID string
	TraceID       string
}

// WithSurvey returns a copy scoped to clientID and surveyType. Empty
// arguments keep the current values. A nil receiver yields a fresh context.
func (r *RequestContext) WithSurvey(clientID, surveyType string) *RequestContext {
	var cp RequestContext
	if r != nil {
		cp = *r
	}
	if clientID != "" {
		cp.ClientID = clientID
	}
	if surveyType != "" {
		cp.SurveyType = surveyType
	}
	return &cp
}

type requestContextKey struct{}

// WithRequestContext returns ctx carrying rctx.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rctx)
}

// RequestContextFrom returns the RequestContext in ctx, or nil.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(requestContextKey{}).(*RequestContext)
	return rctx
}
