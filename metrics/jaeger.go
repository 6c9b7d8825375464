package metrics

import (
	logging "github.com/ipfs/go-log/v2"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"golang.org/x/xerrors"
)

var log = logging.Logger("deal-importer/metrics")

// NewJaegerTraceProvider returns a TracerProvider that batches spans to the jaeger collector at endpoint.
func NewJaegerTraceProvider(serviceName, endpoint string, sampleRatio float64) (*tracesdk.TracerProvider, error) {
	log.Infow("creating jaeger trace provider", "serviceName", serviceName, "ratio", sampleRatio, "endpoint", endpoint)

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return nil, xerrors.Errorf("jaeger exporter: %w", err)
	}
	return tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithSampler(sampler(sampleRatio)),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
		)),
	), nil
}

func sampler(ratio float64) tracesdk.Sampler {
	switch {
	case ratio >= 1:
		return tracesdk.AlwaysSample()
	case ratio > 0:
		return tracesdk.ParentBased(tracesdk.TraceIDRatioBased(ratio))
	default:
		return tracesdk.NeverSample()
	}
}
