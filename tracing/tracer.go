package tracing

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/zerologr"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"

	"github.com/querygate/querygate/common"
	"github.com/rs/zerolog"
)

const instrumentationName = "github.com/querygate/querygate"

var (
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	initOnce       sync.Once
	isEnabled      bool
)

func Initialize(ctx context.Context, logger *zerolog.Logger, cfg *common.TracingConfig) error {
	var err error

	initOnce.Do(func() {
		if cfg == nil || !cfg.Enabled {
			logger.Info().Msg("tracing is disabled")
			return
		}

		logger.Info().Str("endpoint", cfg.Endpoint).Str("protocol", string(cfg.Protocol)).Msg("initializing tracing")

		var exporter *otlptrace.Exporter
		switch cfg.Protocol {
		case common.TracingProtocolGrpc:
			exporter, err = createGRPCExporter(ctx, cfg)
		case common.TracingProtocolHttp:
			exporter, err = createHTTPExporter(ctx, cfg)
		default:
			err = fmt.Errorf("unsupported tracing protocol: %s", cfg.Protocol)
		}
		if err != nil {
			logger.Error().Err(err).Msg("failed to create span exporter")
			return
		}

		var res *resource.Resource
		res, err = resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceNameKey.String(cfg.ServiceName),
				semconv.ServiceVersionKey.String(common.Version),
				attribute.String("commit.sha", common.CommitSha),
			),
		)
		if err != nil {
			logger.Error().Err(err).Msg("failed to create tracing resource")
			return
		}

		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSampler(createSampler(cfg)),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))

		if logger.GetLevel() <= zerolog.DebugLevel {
			otel.SetLogger(zerologr.New(logger))
		}

		tracer = otel.Tracer(instrumentationName)
		isEnabled = true
		logger.Info().Msg("tracing initialized")
	})

	return err
}

func Shutdown(ctx context.Context) error {
	if tracerProvider == nil {
		return nil
	}
	return tracerProvider.Shutdown(ctx)
}

func IsEnabled() bool {
	return isEnabled
}

// StartSpan is a no-op returning the parent span while tracing is disabled.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if !isEnabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// StartDeploymentSpan starts an internal span tagged with the deployment it works on.
func StartDeploymentSpan(ctx context.Context, name, deploymentId string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !isEnabled {
		return ctx, trace.SpanFromContext(ctx)
	}
	attrs = append(attrs, attribute.String("deployment.id", deploymentId))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err, if any, then ends the span.
func EndSpan(span trace.Span, err error) {
	if !span.IsRecording() {
		return
	}
	if err != nil {
		SetError(span, err)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func SetError(span trace.Span, err error) {
	if err == nil {
		return
	}
	if stdErr, ok := err.(common.StandardError); ok {
		span.SetAttributes(attribute.String("error.chain", stdErr.CodeChain()))
		span.RecordError(err)
		span.SetStatus(codes.Error, string(stdErr.Base().Code))
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, common.ErrorSummary(err))
}

func createGRPCExporter(ctx context.Context, cfg *common.TracingConfig) (*otlptrace.Exporter, error) {
	secureOption := otlptracegrpc.WithInsecure()
	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := common.CreateTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		secureOption = otlptracegrpc.WithTLSCredentials(credentials.NewTLS(tlsConfig))
	}

	return otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		secureOption,
	)
}

func createHTTPExporter(ctx context.Context, cfg *common.TracingConfig) (*otlptrace.Exporter, error) {
	secureOption := otlptracehttp.WithInsecure()
	if cfg.TLS != nil && cfg.TLS.Enabled {
		tlsConfig, err := common.CreateTLSConfig(cfg.TLS)
		if err != nil {
			return nil, err
		}
		secureOption = otlptracehttp.WithTLSClientConfig(tlsConfig)
	}

	return otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		secureOption,
	)
}

func createSampler(cfg *common.TracingConfig) sdktrace.Sampler {
	if cfg.SampleRate <= 0 {
		return sdktrace.NeverSample()
	}
	if cfg.SampleRate >= 1.0 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.TraceIDRatioBased(cfg.SampleRate)
}
