// Package telemetry owns the process MeterProvider. Instruments created from
// Meter are aggregated in memory and read back on demand through a manual
// reader, which backs the service's stats endpoint.
package telemetry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// Provider is a MeterProvider paired with the reader that collects it.
type Provider struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
}

// New creates a provider with cumulative in-memory aggregation.
func New() *Provider {
	reader := sdkmetric.NewManualReader()
	return &Provider{
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		reader:   reader,
	}
}

// Meter returns a named meter from the provider.
func (p *Provider) Meter(name string) metric.Meter {
	return p.provider.Meter(name)
}

// MeterProvider exposes the underlying provider, e.g. for otel.SetMeterProvider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.provider
}

// Collect gathers the current value of every instrument.
func (p *Provider) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	if err := p.reader.Collect(ctx, &rm); err != nil {
		return rm, fmt.Errorf("collect metrics: %w", err)
	}
	return rm, nil
}

// Values flattens the collected data into one number per series.
//
// Sums and gauges are keyed by instrument name, with attributes appended as
// name{k=v,...}. Histograms contribute name.count and name.sum.
func (p *Provider) Values(ctx context.Context) (map[string]float64, error) {
	rm, err := p.Collect(ctx)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[SeriesKey(m.Name, dp.Attributes)] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[SeriesKey(m.Name, dp.Attributes)] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[SeriesKey(m.Name, dp.Attributes)] = float64(dp.Value)
				}
			case metricdata.Gauge[float64]:
				for _, dp := range data.DataPoints {
					out[SeriesKey(m.Name, dp.Attributes)] = dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					key := SeriesKey(m.Name, dp.Attributes)
					out[key+".count"] += float64(dp.Count)
					out[key+".sum"] += dp.Sum
				}
			}
		}
	}
	return out, nil
}

// SeriesKey names one attribute combination of an instrument.
func SeriesKey(name string, attrs attribute.Set) string {
	if attrs.Len() == 0 {
		return name
	}
	parts := make([]string, 0, attrs.Len())
	for _, kv := range attrs.ToSlice() {
		parts = append(parts, string(kv.Key)+"="+kv.Value.Emit())
	}
	sort.Strings(parts)
	return name + "{" + strings.Join(parts, ",") + "}"
}

// Shutdown flushes and stops the provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.provider.Shutdown(ctx)
}
