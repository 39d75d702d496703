// Package metrics aggregates request events into running statistics,
// real-time snapshots, and final task summaries, and exposes operator
// counters via Prometheus.
package metrics

import (
	"math"
	"time"
)

// Histogram is a fixed-size exponentially-bucketed latency sketch. With 512
// buckets and 4% growth it spans ~100µs to well beyond any request timeout
// with ~2% relative error, and merges across shards by bucket-wise addition.
type Histogram struct {
	Counts [histBuckets]uint64 `json:"counts"`
	Total  uint64              `json:"total"`
	// MaxNs is the exact largest sample. Quantile estimates clamp to it so
	// a bucket midpoint can never report a percentile above the observed
	// maximum.
	MaxNs int64 `json:"max_ns"`
}

const (
	histBuckets = 512
	histMin     = float64(100 * time.Microsecond)
	histGrowth  = 1.04
)

var histLogGrowth = math.Log(histGrowth)

// Observe records one latency sample.
func (h *Histogram) Observe(d time.Duration) {
	h.Counts[bucketIndex(d)]++
	h.Total++
	if int64(d) > h.MaxNs {
		h.MaxNs = int64(d)
	}
}

func bucketIndex(d time.Duration) int {
	v := float64(d)
	if v <= histMin {
		return 0
	}
	i := int(math.Log(v/histMin) / histLogGrowth)
	if i >= histBuckets {
		return histBuckets - 1
	}
	return i
}

// Quantile returns an estimate of the q-th quantile (0 < q <= 1).
// Estimates are monotone in q.
func (h *Histogram) Quantile(q float64) time.Duration {
	if h.Total == 0 {
		return 0
	}
	rank := uint64(math.Ceil(q * float64(h.Total)))
	if rank == 0 {
		rank = 1
	}
	var seen uint64
	for i, c := range h.Counts {
		seen += c
		if seen >= rank {
			return h.clamp(bucketMid(i))
		}
	}
	return h.clamp(bucketMid(histBuckets - 1))
}

func (h *Histogram) clamp(d time.Duration) time.Duration {
	if h.MaxNs > 0 && d > time.Duration(h.MaxNs) {
		return time.Duration(h.MaxNs)
	}
	return d
}

// bucketMid returns the geometric midpoint of bucket i.
func bucketMid(i int) time.Duration {
	lo := histMin * math.Pow(histGrowth, float64(i))
	return time.Duration(lo * math.Sqrt(histGrowth))
}

// Merge adds another histogram's samples into h.
func (h *Histogram) Merge(o *Histogram) {
	if o == nil {
		return
	}
	for i := range h.Counts {
		h.Counts[i] += o.Counts[i]
	}
	h.Total += o.Total
	if o.MaxNs > h.MaxNs {
		h.MaxNs = o.MaxNs
	}
}

// Clone returns an independent copy.
func (h *Histogram) Clone() *Histogram {
	c := *h
	return &c
}
