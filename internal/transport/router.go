package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/surveysync/internal/definition"
	"github.com/pitabwire/surveysync/internal/observability"
	"github.com/pitabwire/surveysync/internal/offline"
	"github.com/pitabwire/surveysync/model"
)

// StatusFetcher returns the remote completion status of a survey.
type StatusFetcher interface {
	Status(ctx context.Context, clientID, surveyType string) (model.StatusRecord, error)
}

// Dependencies holds all injected dependencies for the agent HTTP layer.
type Dependencies struct {
	Queue          *offline.Queue
	Sender         offline.Sender
	Definitions    definition.Provider
	Registry       *definition.Registry
	Status         StatusFetcher
	Readiness      observability.ReadinessChecks
	Gatherer       prometheus.Gatherer
	Metrics        *observability.Metrics
	Logger         *zap.Logger
	HandlerTimeout time.Duration
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness and metrics endpoints skip request
// logging and the handler timeout.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", observability.HandlerFor(deps.Gatherer))
	} else {
		r.Method(http.MethodGet, "/metrics", observability.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TraceRequests)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}
		r.Use(BuildRequestContext(logger))
		r.Use(HandlerTimeout(deps.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Route("/v1", func(r chi.Router) {
			r.Get("/queue", handleListQueue(deps.Queue))
			r.Post("/queue/replay", handleReplayQueue(deps.Queue, deps.Sender))
			r.Get("/definitions", handleListDefinitions(deps.Registry))
			session := r.With(SurveySession(logger))
			session.Get("/definitions/{surveyType}", handleGetDefinition(deps.Definitions))
			session.Get("/status/{clientId}/{surveyType}", handleStatus(deps.Status))
		})
	})

	r.NotFound(routeNotFound)
	r.MethodNotAllowed(methodNotAllowed)

	return r
}
