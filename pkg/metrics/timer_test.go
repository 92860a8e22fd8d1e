package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func histogramSample(t *testing.T, h prometheus.Histogram) *dto.Histogram {
	t.Helper()
	pb := &dto.Metric{}
	require.NoError(t, h.Write(pb))
	return pb.GetHistogram()
}

// TestTimerDuration tests elapsed-time measurement
func TestTimerDuration(t *testing.T) {
	timer := NewTimer()
	require.False(t, timer.start.IsZero())

	time.Sleep(20 * time.Millisecond)
	elapsed := timer.Duration()
	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)

	// Duration keeps counting; a later read is never smaller.
	assert.GreaterOrEqual(t, timer.Duration(), elapsed)
}

// TestTimerObserve tests histogram observation
func TestTimerObserve(t *testing.T) {
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Buckets: prometheus.DefBuckets,
	})

	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	timer.ObserveDuration(hist)

	sample := histogramSample(t, hist)
	require.EqualValues(t, 1, sample.GetSampleCount())
	assert.GreaterOrEqual(t, sample.GetSampleSum(), 0.01)
}

// TestTimerObserveVec tests labeled histogram observation
func TestTimerObserveVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "test_labeled_duration_seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"pool"})

	timer := NewTimer()
	timer.ObserveDurationVec(vec, "default")

	sample := histogramSample(t, vec.WithLabelValues("default").(prometheus.Histogram))
	assert.EqualValues(t, 1, sample.GetSampleCount())
}
