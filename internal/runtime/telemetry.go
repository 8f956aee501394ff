package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cowcowlabs/cowcow/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// chunkDurationMetric must match the histogram the upload client records.
const chunkDurationMetric = "cowcow.upload.chunk.duration"

// setupTelemetry installs the global tracer and meter providers for the
// device. Upload spans go to the OTLP collector when one is configured and
// to stdout only at debug level. The cowcow.* instruments, Go runtime and
// process metrics share one registry behind the returned scrape handler.
func setupTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
			attribute.String("cowcow.device_id", cfg.DeviceID),
			attribute.String("cowcow.collector", cfg.Upload.Collector),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	tracerProvider, err := newTracerProvider(ctx, cfg.Telemetry, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(tracerProvider)

	meterProvider, handler, err := newMeterProvider(cfg.Upload, res, logger)
	if err != nil {
		_ = tracerProvider.Shutdown(ctx)
		return nil, nil, err
	}
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		return errors.Join(meterProvider.Shutdown(ctx), tracerProvider.Shutdown(ctx))
	}
	return shutdown, handler, nil
}

func newTracerProvider(ctx context.Context, cfg config.TelemetryConfig, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	switch endpoint := strings.TrimSpace(cfg.OTLPEndpoint); {
	case endpoint != "":
		clientOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			clientOpts = append(clientOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, clientOpts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("upload tracing enabled", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
	case strings.EqualFold(cfg.LogLevel, "debug"):
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("upload tracing enabled", slog.String("exporter", "stdout"))
	default:
		logger.Debug("upload tracing disabled, no otlp endpoint")
	}
	return sdktrace.NewTracerProvider(opts...), nil
}

func newMeterProvider(upload config.UploadConfig, res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
		sdkmetric.WithView(sdkmetric.NewView(
			sdkmetric.Instrument{Name: chunkDurationMetric},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: chunkBuckets(upload),
			}},
		)),
	)
	logger.Debug("metrics registry ready", slog.Any("chunk_buckets", chunkBuckets(upload)))
	return provider, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil
}

// chunkBuckets spreads histogram boundaries (seconds) up to the chunk
// timeout, the slowest a chunk can be acknowledged.
func chunkBuckets(upload config.UploadConfig) []float64 {
	timeout := upload.ChunkTimeout().Seconds()
	fractions := []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1}
	out := make([]float64, len(fractions))
	for i, f := range fractions {
		out[i] = timeout * f
	}
	return out
}
