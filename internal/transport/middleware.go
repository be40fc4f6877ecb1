package transport

import (
	"context"
	"net/http"
	"time"
	"unicode"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/model"
)

const (
	correlationHeader = "X-Correlation-Id"
	requestIDHeader   = "X-Request-Id"
	maxCorrelationLen = 128
)

type correlationIDKey struct{}

// CorrelationIDFrom returns the correlation ID of the current request.
func CorrelationIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationIDKey{}).(string)
	return id
}

// Recovery turns a handler panic into an INTERNAL_ERROR response and logs
// it with the stack.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("handler panic",
					zap.Any("panic", rec),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("correlation_id", CorrelationIDFrom(r.Context())),
					zap.Stack("stack"),
				)
				writeRequestError(w, r, model.NewInternalError())
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestID assigns the request's correlation ID. A caller-supplied
// X-Correlation-Id, or else X-Request-Id, is reused when it is short and
// printable; otherwise a new UUID is generated. The ID is echoed in the
// response and forwarded on calls to the survey service.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = r.Header.Get(requestIDHeader)
		}
		if !usableCorrelationID(id) {
			id = uuid.NewString()
		}
		w.Header().Set(correlationHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), correlationIDKey{}, id)))
	})
}

func usableCorrelationID(id string) bool {
	if id == "" || len(id) > maxCorrelationLen {
		return false
	}
	for _, c := range id {
		if !unicode.IsPrint(c) || unicode.IsSpace(c) {
			return false
		}
	}
	return true
}

// SecurityHeaders sets the agent's fixed response headers.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Cache-Control", "no-store")
		h.Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// BuildRequestContext attaches a model.RequestContext carrying the
// correlation and trace IDs, plus a session logger. client_id and
// survey_type query parameters seed the survey session; routes that name
// them in the path refine it with SurveySession.
func BuildRequestContext(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			rctx := &model.RequestContext{
				ClientID:      q.Get("client_id"),
				SurveyType:    q.Get("survey_type"),
				CorrelationID: CorrelationIDFrom(r.Context()),
				TraceID:       observability.TraceID(r.Context()),
			}
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), rctx, logger)))
		})
	}
}

// SurveySession copies the {clientId} and {surveyType} route parameters
// into the request's survey session. It must run after routing, so mount
// it with chi's Router.With.
func SurveySession(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rctx := model.RequestContextFrom(r.Context()).WithSurvey(
				chi.URLParam(r, "clientId"),
				chi.URLParam(r, "surveyType"),
			)
			next.ServeHTTP(w, r.WithContext(withSession(r.Context(), rctx, logger)))
		})
	}
}

// withSession attaches rctx and a logger tagged with it. The logger is
// derived from base, not from the context, so refining a session does not
// repeat fields.
func withSession(ctx context.Context, rctx *model.RequestContext, base *zap.Logger) context.Context {
	if base == nil {
		base = zap.NewNop()
	}
	tagged := observability.SessionLogger(model.WithRequestContext(context.Background(), rctx), base)
	return observability.WithLogger(model.WithRequestContext(ctx, rctx), tagged)
}

// HandlerTimeout bounds each request's context by d. A non-positive d
// disables the bound.
func HandlerTimeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if d <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestLogging writes one entry per request with the session fields. 5xx
// responses log at error and 4xx at warn.
func RequestLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := zapcore.InfoLevel
			switch {
			case status >= http.StatusInternalServerError:
				level = zapcore.ErrorLevel
			case status >= http.StatusBadRequest:
				level = zapcore.WarnLevel
			}

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			observability.LoggerFrom(r.Context(), logger).Log(level, "request",
				zap.String("method", r.Method),
				zap.String("route", route),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}
