package metrics

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoopProviderDiscardsEverything(t *testing.T) {
	p := NewNoop()
	c := p.NewCounter(CounterOpts{CommonOpts{Name: "x"}})
	c.Inc(1)
	g := p.NewGauge(GaugeOpts{CommonOpts{Name: "y"}})
	g.Set(5)
	h := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Name: "z"}})
	h.Observe(1)
	timer := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Name: "w"}})()
	timer.ObserveDuration()
	require.NoError(t, p.Health(context.Background()))
}

func TestPrometheusProviderRegistersMetrics(t *testing.T) {
	p := NewPrometheusProvider(PrometheusOptions{})
	counter := p.NewCounter(CounterOpts{CommonOpts{Namespace: "loadgen", Name: "tasks_total", Labels: []string{"type"}}})
	counter.Inc(1, "sleep")
	counter.Inc(2, "sleep")

	gauge := p.NewGauge(GaugeOpts{CommonOpts{Namespace: "loadgen", Name: "active_tasks"}})
	gauge.Set(3)
	gauge.Add(-1)

	hist := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "loadgen", Name: "latency_seconds"}})
	hist.Observe(0.2)

	require.NoError(t, p.Health(context.Background()))
	assert.NotNil(t, p.MetricsHandler())
}

func TestPrometheusProviderRejectsInvalidName(t *testing.T) {
	p := NewPrometheusProvider(PrometheusOptions{})
	c := p.NewCounter(CounterOpts{CommonOpts{Name: "has a space"}})
	// Falls back to a no-op rather than panicking.
	c.Inc(1)
}

func TestOTelProviderBasicUsage(t *testing.T) {
	p := NewOTelProvider(OTelOptions{ServiceName: "loadgen-test"})
	counter := p.NewCounter(CounterOpts{CommonOpts{Namespace: "loadgen", Name: "tasks_total"}})
	counter.Inc(1)

	gauge := p.NewGauge(GaugeOpts{CommonOpts{Namespace: "loadgen", Name: "active_tasks"}})
	gauge.Set(2)
	gauge.Set(5)

	hist := p.NewHistogram(HistogramOpts{CommonOpts: CommonOpts{Namespace: "loadgen", Name: "latency_seconds"}})
	hist.Observe(0.1)

	timer := p.NewTimer(HistogramOpts{CommonOpts: CommonOpts{Namespace: "loadgen", Name: "timer_seconds"}})()
	timer.ObserveDuration()

	require.NoError(t, p.Health(context.Background()))
}
