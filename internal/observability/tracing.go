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

	"github.com/soshogle/nexrel-crm-sub028/internal/config"
	"github.com/soshogle/nexrel-crm-sub028/model"
)

const tracerName = "github.com/soshogle/nexrel-crm-sub028"

// Span attribute keys for engine operations.
var (
	AttrTenantID     = attribute.Key("nexrel.tenant_id")
	AttrWorkflowID   = attribute.Key("nexrel.workflow_id")
	AttrEnrollmentID = attribute.Key("nexrel.enrollment_id")
	AttrLeadID       = attribute.Key("nexrel.lead_id")
	AttrStepIndex    = attribute.Key("nexrel.step_index")
	AttrChannel      = attribute.Key("nexrel.channel")
	AttrTaskID       = attribute.Key("nexrel.task_id")
	AttrTriggerType  = attribute.Key("nexrel.trigger_type")
)

// InitTracing installs the global TracerProvider and W3C propagators and
// returns a flush function for shutdown. With tracing disabled nothing is
// installed and the flush is a no-op.
func InitTracing(ctx context.Context, cfg config.TracingConfig, serviceName, serviceVersion string) (func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }
	if !cfg.Enabled {
		return noop, nil
	}

	var (
		exp sdktrace.SpanExporter
		err error
	)
	switch cfg.Exporter {
	case "", "otlp":
		var opts []otlptracegrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
		}
		exp, err = otlptracegrpc.New(ctx, opts...)
	case "stdout":
		exp, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	default:
		return noop, fmt.Errorf("tracing: exporter %q not supported, use otlp or stdout", cfg.Exporter)
	}
	if err != nil {
		return noop, fmt.Errorf("tracing: %s exporter: %w", cfg.Exporter, err)
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(semconv.ServiceName(serviceName), semconv.ServiceVersion(serviceVersion)),
	)
	if err != nil {
		return noop, fmt.Errorf("tracing: resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(newSampler(cfg.SamplingRate)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	return tp.Shutdown, nil
}

// newSampler samples root spans at rate, clamped to (0, 1], and follows the
// parent's decision otherwise. Scans fire every few seconds, so the default
// keeps a tenth.
func newSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate <= 0:
		rate = 0.1
	case rate >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Tracer is the engine's named tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts an internal span carrying attrs.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EnrollmentAttrs returns the span attributes identifying an enrollment at
// its current step.
func EnrollmentAttrs(enr model.Enrollment) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(enr.TenantID),
		AttrWorkflowID.String(enr.WorkflowID),
		AttrEnrollmentID.String(enr.ID),
		AttrLeadID.String(enr.LeadID),
		AttrStepIndex.Int(enr.CurrentStep),
	}
}

// EndSpanWithError records err on span, if any, and ends it.
func EndSpanWithError(span trace.Span, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// TraceIDFromContext returns the hex trace id of the span in ctx, or "".
func TraceIDFromContext(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		return sc.TraceID().String()
	}
	return ""
}

// InjectTraceContext writes the current trace context into a header map.
// Both http.Header and nats.Header satisfy the parameter type, so the same
// call covers provider requests and published events.
func InjectTraceContext(ctx context.Context, headers map[string][]string) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// ExtractTraceContext returns ctx joined to the trace carried in headers.
func ExtractTraceContext(ctx context.Context, headers map[string][]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(headers))
}

// TracingMiddleware starts a server span per request, continuing any inbound
// traceparent. Spans are renamed to the matched chi route after routing so
// enrollment and tracking ids do not end up in span names.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := Tracer().Start(ExtractTraceContext(r.Context(), r.Header), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(semconv.HTTPRequestMethodKey.String(r.Method), semconv.URLPath(r.URL.Path)),
		)
		defer span.End()

		InjectTraceContext(ctx, w.Header())
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r.WithContext(ctx))

		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				span.SetName(r.Method + " " + pattern)
				span.SetAttributes(semconv.HTTPRoute(pattern))
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}
