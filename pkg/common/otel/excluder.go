package otel

import (
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// endpointExcluder drops spans for excluded routes (health probes and the like)
// and applies probability sampling to everything else.
type endpointExcluder struct {
	endpoints   map[string]struct{}
	probability float64
	sampler     sdktrace.Sampler
}

func newEndpointExcluder(endpoints map[string]struct{}, probability float64) endpointExcluder {
	return endpointExcluder{
		endpoints:   endpoints,
		probability: probability,
		sampler:     sdktrace.TraceIDRatioBased(probability),
	}
}

// ShouldSample implements the sdktrace.Sampler interface.
func (ee endpointExcluder) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	for _, attr := range params.Attributes {
		if attr.Key == semconv.HTTPTargetKey {
			if _, exists := ee.endpoints[attr.Value.AsString()]; exists {
				return sdktrace.SamplingResult{Decision: sdktrace.Drop}
			}
		}
	}

	return ee.sampler.ShouldSample(params)
}

// Description implements the sdktrace.Sampler interface.
func (ee endpointExcluder) Description() string { return "endpointExcluder" }
