package metrics

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHistogramQuantileOrdering(t *testing.T) {
	h := &Histogram{}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10000; i++ {
		h.Observe(time.Duration(rng.Intn(2000)+1) * time.Millisecond)
	}

	p50 := h.Quantile(0.50)
	p95 := h.Quantile(0.95)
	p99 := h.Quantile(0.99)
	max := h.Quantile(1.0)

	assert.LessOrEqual(t, p50, p95)
	assert.LessOrEqual(t, p95, p99)
	assert.LessOrEqual(t, p99, max)
}

func TestHistogramRelativeError(t *testing.T) {
	h := &Histogram{}
	// All samples identical: any quantile must land within the bucket's
	// relative error of the true value.
	v := 500 * time.Millisecond
	for i := 0; i < 1000; i++ {
		h.Observe(v)
	}

	for _, q := range []float64{0.5, 0.9, 0.95, 0.99} {
		got := h.Quantile(q)
		ratio := float64(got) / float64(v)
		assert.InDelta(t, 1.0, ratio, 0.05, "q=%v got %v", q, got)
	}
}

func TestHistogramQuantileClampedToObservedMax(t *testing.T) {
	h := &Histogram{}
	for i := 0; i < 1000; i++ {
		h.Observe(50 * time.Millisecond)
	}

	// Bucket midpoints round up; the estimate must still never exceed the
	// exact maximum that min/max reporting uses.
	for _, q := range []float64{0.5, 0.95, 0.99, 1.0} {
		assert.LessOrEqual(t, h.Quantile(q), 50*time.Millisecond, "q=%v", q)
	}

	o := &Histogram{}
	o.Observe(80 * time.Millisecond)
	h.Merge(o)
	assert.Equal(t, int64(80*time.Millisecond), h.MaxNs)
	assert.LessOrEqual(t, h.Quantile(1.0), 80*time.Millisecond)
}

func TestHistogramEmpty(t *testing.T) {
	h := &Histogram{}
	assert.Zero(t, h.Quantile(0.5))
}

func TestHistogramMergeEquivalence(t *testing.T) {
	// Observing everything in one histogram must equal merging two halves.
	whole := &Histogram{}
	a, b := &Histogram{}, &Histogram{}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		d := time.Duration(rng.Intn(3000)+1) * time.Millisecond
		whole.Observe(d)
		if i%2 == 0 {
			a.Observe(d)
		} else {
			b.Observe(d)
		}
	}

	a.Merge(b)
	require.Equal(t, whole.Total, a.Total)
	assert.Equal(t, whole.Counts, a.Counts)
	assert.Equal(t, whole.Quantile(0.95), a.Quantile(0.95))
}

func TestHistogramClone(t *testing.T) {
	h := &Histogram{}
	h.Observe(time.Second)

	c := h.Clone()
	c.Observe(time.Second)

	assert.Equal(t, uint64(1), h.Total)
	assert.Equal(t, uint64(2), c.Total)
}

func TestHistogramExtremes(t *testing.T) {
	h := &Histogram{}
	h.Observe(time.Nanosecond)
	h.Observe(24 * time.Hour)
	assert.Equal(t, uint64(2), h.Total)
	assert.LessOrEqual(t, h.Quantile(0.01), h.Quantile(1.0))
}
