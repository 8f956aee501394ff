package upload

import (
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

type instruments struct {
	chunks  metric.Int64Counter
	bytes   metric.Int64Counter
	retries metric.Int64Counter
	results metric.Int64Counter
	latency metric.Float64Histogram
}

func newInstruments(log *slog.Logger) instruments {
	meter := otel.Meter(instrumentationName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			log.Warn("failed to create instrument", slog.String("name", name), slog.String("error", err.Error()))
			return noop.Int64Counter{}
		}
		return c
	}
	latency, err := meter.Float64Histogram("cowcow.upload.chunk.duration",
		metric.WithDescription("Time from sending a chunk to its acknowledgement"),
		metric.WithUnit("s"))
	if err != nil {
		log.Warn("failed to create instrument", slog.String("name", "cowcow.upload.chunk.duration"), slog.String("error", err.Error()))
		latency = noop.Float64Histogram{}
	}
	return instruments{
		latency: latency,
		chunks:  counter("cowcow.upload.chunks", "Chunks acknowledged by the collector"),
		bytes:   counter("cowcow.upload.bytes", "Payload bytes acknowledged by the collector"),
		retries: counter("cowcow.upload.retries", "Upload passes retried after a transient failure"),
		results: counter("cowcow.upload.results", "Finished upload invocations by status"),
	}
}
