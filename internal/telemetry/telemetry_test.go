package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func TestProvider_Values(t *testing.T) {
	p := New()
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	meter := p.Meter("telemetry-test")
	ctx := context.Background()

	counter, err := meter.Int64Counter("requests")
	require.NoError(t, err)
	counter.Add(ctx, 2)
	counter.Add(ctx, 3, metric.WithAttributes(attribute.String("kind", "bad")))

	updown, err := meter.Int64UpDownCounter("open")
	require.NoError(t, err)
	updown.Add(ctx, 4)
	updown.Add(ctx, -1)

	hist, err := meter.Float64Histogram("latency")
	require.NoError(t, err)
	hist.Record(ctx, 1.5)
	hist.Record(ctx, 2.5)

	_, err = meter.Int64ObservableGauge("queued",
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(7)
			return nil
		}))
	require.NoError(t, err)

	values, err := p.Values(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2.0, values["requests"])
	assert.Equal(t, 3.0, values["requests{kind=bad}"])
	assert.Equal(t, 3.0, values["open"])
	assert.Equal(t, 2.0, values["latency.count"])
	assert.Equal(t, 4.0, values["latency.sum"])
	assert.Equal(t, 7.0, values["queued"])
}

func TestProvider_ValuesAreCumulative(t *testing.T) {
	p := New()
	counter, err := p.Meter("telemetry-test").Int64Counter("frames")
	require.NoError(t, err)

	counter.Add(context.Background(), 1)
	first, err := p.Values(context.Background())
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	second, err := p.Values(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1.0, first["frames"])
	assert.Equal(t, 2.0, second["frames"])
}

func TestSeriesKey(t *testing.T) {
	assert.Equal(t, "x", SeriesKey("x", attribute.NewSet()))
	assert.Equal(t, "x{a=1,b=two}", SeriesKey("x", attribute.NewSet(
		attribute.String("b", "two"), attribute.Int("a", 1))))
}
