package tracing

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys shared by the recovery and execution layers.
const (
	AttrOperation     = attribute.Key("recovery.operation")
	AttrCorrelationID = attribute.Key("correlation.id")
	AttrExecutionID   = attribute.Key("execution.id")
	AttrProjectID     = attribute.Key("project.id")
	AttrAttempt       = attribute.Key("recovery.attempt")
	AttrContainerID   = attribute.Key("container.id")
)

// Config holds tracing configuration
type Config struct {
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
	Enabled        bool    `json:"enabled"`
}

// TracingService hands out spans for recovery calls, bounded executions,
// container runtime calls and HTTP requests. A nil or disabled service
// hands out no-op spans.
type TracingService struct {
	tracer   oteltrace.Tracer
	enabled  bool
	provider *sdktrace.TracerProvider
}

// NewTracingService creates the service. With tracing disabled no
// exporter is created and nothing is registered globally.
func NewTracingService(config *Config) (*TracingService, error) {
	if config == nil {
		config = &Config{ServiceName: "clarity-runner"}
	}
	if !config.Enabled {
		return &TracingService{tracer: noop.NewTracerProvider().Tracer(config.ServiceName)}, nil
	}

	tp, err := newJaegerProvider(config)
	if err != nil {
		return nil, err
	}

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracingService{
		tracer:   tp.Tracer(config.ServiceName),
		enabled:  true,
		provider: tp,
	}, nil
}

func newJaegerProvider(config *Config) (*sdktrace.TracerProvider, error) {
	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(config.JaegerEndpoint)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			attribute.String("deployment.environment", config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
	), nil
}

// NewWithProvider builds a service on an existing provider, e.g. an SDK
// provider with an in-memory span recorder in tests.
func NewWithProvider(provider oteltrace.TracerProvider, name string) *TracingService {
	return &TracingService{tracer: provider.Tracer(name), enabled: true}
}

// Shutdown flushes pending spans
func (ts *TracingService) Shutdown(ctx context.Context) error {
	if ts == nil || ts.provider == nil {
		return nil
	}
	return ts.provider.Shutdown(ctx)
}

func (ts *TracingService) activeTracer() oteltrace.Tracer {
	if ts == nil || ts.tracer == nil {
		return noop.NewTracerProvider().Tracer("")
	}
	return ts.tracer
}

// StartSpan starts a plain span
func (ts *TracingService) StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return ts.activeTracer().Start(ctx, name, opts...)
}

// StartRecoverySpan starts the span that covers one orchestrated call
func (ts *TracingService) StartRecoverySpan(ctx context.Context, operation, correlationID, executionID string) (context.Context, oteltrace.Span) {
	return ts.activeTracer().Start(ctx, "recovery."+operation,
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			AttrOperation.String(operation),
			AttrCorrelationID.String(correlationID),
			AttrExecutionID.String(executionID),
		),
	)
}

// StartExecutionSpan starts a span for a bounded container execution
func (ts *TracingService) StartExecutionSpan(ctx context.Context, operation, projectID, executionID string) (context.Context, oteltrace.Span) {
	return ts.activeTracer().Start(ctx, "execution."+operation,
		oteltrace.WithSpanKind(oteltrace.SpanKindInternal),
		oteltrace.WithAttributes(
			AttrOperation.String(operation),
			AttrProjectID.String(projectID),
			AttrExecutionID.String(executionID),
		),
	)
}

// StartContainerSpan starts a span around a container runtime call
func (ts *TracingService) StartContainerSpan(ctx context.Context, operation, containerID string) (context.Context, oteltrace.Span) {
	return ts.activeTracer().Start(ctx, "container."+operation,
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(AttrContainerID.String(containerID)),
	)
}

// RecordError marks span failed with err
func (ts *TracingService) RecordError(span oteltrace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// WithSpan runs fn inside a span named name. An error from fn marks the
// span failed and is returned unchanged.
func (ts *TracingService) WithSpan(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, span := ts.StartSpan(ctx, name)
	defer span.End()

	if err := fn(ctx); err != nil {
		ts.RecordError(span, err)
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// TracingMiddleware opens a server span per request, continuing any trace
// propagated in the request headers.
func (ts *TracingService) TracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if ts == nil || !ts.enabled {
			c.Next()
			return
		}

		propagator := otel.GetTextMapPropagator()
		ctx := propagator.Extract(c.Request.Context(), propagation.HeaderCarrier(c.Request.Header))
		ctx, span := ts.activeTracer().Start(ctx, c.Request.Method+" "+c.FullPath(),
			oteltrace.WithSpanKind(oteltrace.SpanKindServer),
			oteltrace.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request.Method),
				semconv.HTTPRoute(c.FullPath()),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		propagator.Inject(ctx, propagation.HeaderCarrier(c.Writer.Header()))

		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(semconv.HTTPResponseStatusCode(status))
		for _, err := range c.Errors {
			span.RecordError(err.Err)
		}
		if status >= 500 {
			span.SetStatus(codes.Error, fmt.Sprintf("HTTP %d", status))
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}
}

// GetTraceID returns the trace id of the span on ctx, or ""
func GetTraceID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
