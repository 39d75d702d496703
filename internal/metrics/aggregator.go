package metrics

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/lmeterx/pkg/failure"
)

// SnapshotSink receives 1-second real-time rows. The store implements it for
// single-process runs; shard workers implement it over their stdout pipe.
type SnapshotSink interface {
	WriteSnapshot(ctx context.Context, snap Snapshot) error
}

// Aggregator is the single consumer of request events for one shard. It
// owns all aggregation state; virtual users only touch the bounded channel.
type Aggregator struct {
	taskID string
	events chan Event
	sink   SnapshotSink
	users  func() int
	log    *slog.Logger

	dropped   atomic.Uint64
	cancelled uint64

	labels   map[string]*LabelStats
	warmup   map[string]*LabelStats
	estimate bool

	// last-second window counters for the real-time RPS/fail rates
	windowRequests uint64
	windowFailures uint64

	cumRequests uint64
	cumFailures uint64

	startedAt time.Time
	// measureStart is written from the scheduler's state callback while the
	// aggregator goroutine reads it, hence the atomic nanosecond clock.
	measureStart atomic.Int64
	inWarmup     atomic.Bool

	done chan struct{}
}

// NewAggregator creates an aggregator with a bounded event channel sized at
// eight events per expected user (minimum 256).
func NewAggregator(taskID string, users int, sink SnapshotSink, currentUsers func() int, log *slog.Logger) *Aggregator {
	capacity := 8 * users
	if capacity < 256 {
		capacity = 256
	}
	if log == nil {
		log = slog.Default()
	}
	if currentUsers == nil {
		currentUsers = func() int { return 0 }
	}
	return &Aggregator{
		taskID: taskID,
		events: make(chan Event, capacity),
		sink:   sink,
		users:  currentUsers,
		log:    log.With("component", "aggregator"),
		labels: make(map[string]*LabelStats),
		warmup: make(map[string]*LabelStats),
		done:   make(chan struct{}),
	}
}

// SetWarmup flags subsequent snapshots as warmup rows. The scheduler clears
// it when the warmup ramp finishes, which also starts the measurement window
// used for summary rates.
func (a *Aggregator) SetWarmup(on bool) {
	was := a.inWarmup.Swap(on)
	if was && !on {
		a.measureStart.Store(time.Now().UnixNano())
	}
}

// Emit offers an event to the aggregator without blocking. Overflow is
// dropped and counted; drops surface in the final summary and in the
// Prometheus drop counter.
func (a *Aggregator) Emit(ev Event) {
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
		eventsDropped.Inc()
	}
}

// Close signals that no more events will be emitted. Run drains the channel
// and returns.
func (a *Aggregator) Close() {
	close(a.events)
}

// Wait blocks until Run has drained and exited.
func (a *Aggregator) Wait() {
	<-a.done
}

// Run consumes events and flushes a snapshot every second until Close. Late
// events arriving after cancellation are still counted.
func (a *Aggregator) Run(ctx context.Context) {
	defer close(a.done)

	a.startedAt = time.Now()
	a.measureStart.Store(a.startedAt.UnixNano())

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-a.events:
			if !ok {
				a.flush(ctx)
				return
			}
			a.observe(ev)
		case <-ticker.C:
			a.flush(ctx)
		}
	}
}

func (a *Aggregator) observe(ev Event) {
	if ev.FailureKind != "" && !ev.OK && ev.Label == "" {
		// Defensive: events without a label are aggregator-level noise.
		a.log.Warn("dropping malformed event", "kind", ev.FailureKind)
		return
	}

	if ev.FailureKind == failure.KindCancelled {
		a.cancelled++
		return
	}

	set := a.labels
	if ev.Warmup {
		set = a.warmup
	}

	ls, ok := set[ev.Label]
	if !ok {
		ls = newLabelStats(ev.Label)
		set[ev.Label] = ls
	}
	ls.observe(ev)
	if ev.TokensEstimated {
		a.estimate = true
	}

	if ev.countsTowardRPS() {
		if ev.OK {
			a.windowRequests++
			a.cumRequests++
		} else {
			a.windowFailures++
			a.cumFailures++
		}
	}
	requestEvents.WithLabelValues(ev.Label, resultLabel(ev.OK)).Inc()
}

// flush writes one real-time row covering the last second.
func (a *Aggregator) flush(ctx context.Context) {
	if a.sink == nil {
		a.windowRequests, a.windowFailures = 0, 0
		return
	}

	warm := a.inWarmup.Load()

	hist := &Histogram{}
	var sumMs, minMs, maxMs float64
	var count uint64
	// Warmup-flagged rows fold in the warmup stats; warmup is only excluded
	// from the final summary, not from real-time reporting.
	sets := []map[string]*LabelStats{a.labels}
	if warm {
		sets = append(sets, a.warmup)
	}
	for _, set := range sets {
		for label, ls := range set {
			if label == LabelFirstToken {
				continue
			}
			hist.Merge(ls.Hist)
			sumMs += ls.SumMs
			count += ls.Count
			if ls.MinMs >= 0 && (minMs == 0 || ls.MinMs < minMs) {
				minMs = ls.MinMs
			}
			if ls.MaxMs > maxMs {
				maxMs = ls.MaxMs
			}
		}
	}

	snap := Snapshot{
		TaskID:            a.taskID,
		Timestamp:         time.Now().Truncate(time.Second),
		CurrentUsers:      a.users(),
		CurrentRPS:        float64(a.windowRequests),
		CurrentFailPerSec: float64(a.windowFailures),
		MinMs:             minMs,
		MaxMs:             maxMs,
		MedianMs:          float64(hist.Quantile(0.50)) / float64(time.Millisecond),
		P95Ms:             float64(hist.Quantile(0.95)) / float64(time.Millisecond),
		TotalRequests:     a.cumRequests,
		TotalFailures:     a.cumFailures,
		Warmup:            warm,
		Hist:              hist,
	}
	if count > 0 {
		snap.AvgMs = sumMs / float64(count)
	}
	a.windowRequests, a.windowFailures = 0, 0

	if err := a.sink.WriteSnapshot(ctx, snap); err != nil {
		a.log.Error("failed to write realtime snapshot", "error", err)
	}
}

// Summary computes the final summary over the non-warmup window. Call after
// Wait has returned.
func (a *Aggregator) Summary() *Summary {
	end := time.Now()
	s := &Summary{
		TaskID:          a.taskID,
		StartedAt:       a.startedAt,
		EndedAt:         end,
		DurationSec:     end.Sub(time.Unix(0, a.measureStart.Load())).Seconds(),
		Labels:          a.labels,
		TokensEstimated: a.estimate,
		Dropped:         a.dropped.Load(),
		Cancelled:       a.cancelled,
	}
	s.finalizeRates()
	return s
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
