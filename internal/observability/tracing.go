package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/surveysync/internal/config"
	"github.com/pitabwire/surveysync/model"
)

const instrumentationName = "github.com/pitabwire/surveysync"

const defaultSamplingRate = 0.1

// Span attributes shared by the sync components.
var (
	AttrSurveyType   = attribute.Key("survey.type")
	AttrClientID     = attribute.Key("survey.client_id")
	AttrOperation    = attribute.Key("sync.operation")
	AttrEndpointKind = attribute.Key("sync.endpoint_kind")
	AttrEndpoint     = attribute.Key("sync.endpoint")
	AttrOutcome      = attribute.Key("sync.outcome")
	AttrQueueDepth   = attribute.Key("sync.queue_depth")
)

// SetupTracing installs the global TracerProvider and W3C propagators. The
// returned function flushes and stops the provider. With tracing disabled
// nothing is installed and the shutdown is a no-op.
func SetupTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := spanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

func spanExporter(ctx context.Context, cfg config.TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		return otlptracegrpc.New(ctx, opts...)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	}
	return nil, fmt.Errorf("unsupported exporter %q (want otlp or stdout)", cfg.Exporter)
}

// sampler honours the caller's sampling decision and samples new traces at
// rate, clamped to (0, 1].
func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = defaultSamplingRate
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSyncSpan starts a span for a sync step. The survey session found in
// ctx, if any, is recorded on the span alongside attrs.
func StartSyncSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.SurveyType != "" {
			attrs = append(attrs, AttrSurveyType.String(rctx.SurveyType))
		}
		if rctx.ClientID != "" {
			attrs = append(attrs, AttrClientID.String(rctx.ClientID))
		}
	}
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// FinishSpan ends span. A write parked in the offline queue and a
// cancelled call are recorded as events, any other error marks the span
// as failed.
func FinishSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case model.IsCode(err, model.ErrQueuedOffline):
		span.AddEvent("queued offline")
	case model.IsAborted(err):
		span.AddEvent("aborted")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// TraceID returns the hex trace ID of the active span, or "".
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// PropagateTrace writes the active trace context into outbound headers.
func PropagateTrace(ctx context.Context, h http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(h))
}

// TraceRequests starts a server span per agent API request, continuing any
// inbound traceparent. Once routing completes the span is renamed after the
// chi route pattern so spans group by endpoint rather than by IDs.
func TraceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prop := otel.GetTextMapPropagator()
		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(r.Method),
				semconv.URLPath(r.URL.Path),
			),
		)
		defer span.End()

		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))
		code := statusOf(ww)

		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(code))
		if code >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(code))
		}
	})
}
