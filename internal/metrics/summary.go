package metrics

import (
	"sort"
	"time"
)

// LabelStats is the running state for one endpoint label. It carries the
// raw moments needed for exact merging across shards.
type LabelStats struct {
	Label    string            `json:"label"`
	Count    uint64            `json:"count"`
	Failures uint64            `json:"failures"`
	ByKind   map[string]uint64 `json:"failures_by_kind,omitempty"`

	SumMs   float64 `json:"sum_ms"`
	SumSqMs float64 `json:"sum_sq_ms"`
	MinMs   float64 `json:"min_ms"`
	MaxMs   float64 `json:"max_ms"`

	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
	TokensEstimated  bool  `json:"tokens_estimated"`

	Hist *Histogram `json:"hist"`
}

func newLabelStats(label string) *LabelStats {
	return &LabelStats{
		Label:  label,
		ByKind: make(map[string]uint64),
		MinMs:  -1,
		Hist:   &Histogram{},
	}
}

func (s *LabelStats) observe(ev Event) {
	if !ev.OK {
		s.Failures++
		s.ByKind[string(ev.FailureKind)]++
		return
	}
	ms := float64(ev.Latency) / float64(time.Millisecond)
	s.Count++
	s.SumMs += ms
	s.SumSqMs += ms * ms
	if s.MinMs < 0 || ms < s.MinMs {
		s.MinMs = ms
	}
	if ms > s.MaxMs {
		s.MaxMs = ms
	}
	s.Hist.Observe(ev.Latency)
	s.PromptTokens += ev.PromptTokens
	s.CompletionTokens += ev.CompletionTokens
	s.TotalTokens += ev.TotalTokens
	if ev.TokensEstimated {
		s.TokensEstimated = true
	}
}

// AvgMs returns the mean latency in milliseconds.
func (s *LabelStats) AvgMs() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.SumMs / float64(s.Count)
}

// merge folds another shard's stats for the same label into s.
func (s *LabelStats) merge(o *LabelStats) {
	s.Count += o.Count
	s.Failures += o.Failures
	for k, v := range o.ByKind {
		if s.ByKind == nil {
			s.ByKind = make(map[string]uint64)
		}
		s.ByKind[k] += v
	}
	s.SumMs += o.SumMs
	s.SumSqMs += o.SumSqMs
	if o.MinMs >= 0 && (s.MinMs < 0 || o.MinMs < s.MinMs) {
		s.MinMs = o.MinMs
	}
	if o.MaxMs > s.MaxMs {
		s.MaxMs = o.MaxMs
	}
	if s.Hist == nil {
		s.Hist = &Histogram{}
	}
	s.Hist.Merge(o.Hist)
	s.PromptTokens += o.PromptTokens
	s.CompletionTokens += o.CompletionTokens
	s.TotalTokens += o.TotalTokens
	s.TokensEstimated = s.TokensEstimated || o.TokensEstimated
}

// Summary is the final result of one task run (or one shard of it).
type Summary struct {
	TaskID    string    `json:"task_id"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	// DurationSec is the measured window excluding warmup.
	DurationSec float64 `json:"duration_sec"`

	Labels map[string]*LabelStats `json:"labels"`

	RPS           float64 `json:"rps"`
	CompletionTPS float64 `json:"completion_tps"`
	TotalTPS      float64 `json:"total_tps"`
	SuccessRate   float64 `json:"success_rate"`

	TokensEstimated bool   `json:"tokens_estimated"`
	Dropped         uint64 `json:"dropped"`
	Cancelled       uint64 `json:"cancelled"`
}

// Snapshot is one 1-second real-time row.
type Snapshot struct {
	TaskID            string    `json:"task_id"`
	Timestamp         time.Time `json:"timestamp"`
	CurrentUsers      int       `json:"current_users"`
	CurrentRPS        float64   `json:"current_rps"`
	CurrentFailPerSec float64   `json:"current_fail_per_sec"`

	AvgMs    float64 `json:"avg_response_time"`
	MinMs    float64 `json:"min_response_time"`
	MaxMs    float64 `json:"max_response_time"`
	MedianMs float64 `json:"median_response_time"`
	P95Ms    float64 `json:"p95_response_time"`

	TotalRequests uint64 `json:"total_requests"`
	TotalFailures uint64 `json:"total_failures"`
	Warmup        bool   `json:"warmup"`

	// Hist carries the cumulative sketch so the runner can union shard
	// snapshots before persisting.
	Hist *Histogram `json:"hist,omitempty"`
}

// MergeSummaries folds per-shard summaries into one. It is a pure function:
// inputs are not modified.
func MergeSummaries(parts []*Summary) *Summary {
	if len(parts) == 0 {
		return nil
	}
	out := &Summary{
		TaskID: parts[0].TaskID,
		Labels: make(map[string]*LabelStats),
	}
	for _, p := range parts {
		if out.StartedAt.IsZero() || (!p.StartedAt.IsZero() && p.StartedAt.Before(out.StartedAt)) {
			out.StartedAt = p.StartedAt
		}
		if p.EndedAt.After(out.EndedAt) {
			out.EndedAt = p.EndedAt
		}
		if p.DurationSec > out.DurationSec {
			out.DurationSec = p.DurationSec
		}
		for label, ls := range p.Labels {
			dst, ok := out.Labels[label]
			if !ok {
				dst = newLabelStats(label)
				out.Labels[label] = dst
			}
			dst.merge(ls)
		}
		out.TokensEstimated = out.TokensEstimated || p.TokensEstimated
		out.Dropped += p.Dropped
		out.Cancelled += p.Cancelled
	}
	out.finalizeRates()
	return out
}

// finalizeRates recomputes the task-level rates from label stats.
func (s *Summary) finalizeRates() {
	var completions, failures uint64
	var completionTokens, totalTokens int64
	for label, ls := range s.Labels {
		if label == LabelFirstToken {
			continue
		}
		completions += ls.Count
		failures += ls.Failures
		completionTokens += ls.CompletionTokens
		totalTokens += ls.TotalTokens
	}
	if s.DurationSec > 0 {
		s.RPS = float64(completions) / s.DurationSec
		s.CompletionTPS = float64(completionTokens) / s.DurationSec
		s.TotalTPS = float64(totalTokens) / s.DurationSec
	}
	if completions+failures > 0 {
		s.SuccessRate = float64(completions) / float64(completions+failures)
	}
}

// MergeSnapshots groups per-shard snapshots by 1-second timestamp bucket and
// merges each bucket: counts are summed, averages weighted by request count,
// sketches unioned. The result is ordered by timestamp.
func MergeSnapshots(parts [][]Snapshot) []Snapshot {
	buckets := make(map[int64]*Snapshot)
	var order []int64
	for _, shard := range parts {
		for i := range shard {
			snap := shard[i]
			sec := snap.Timestamp.Unix()
			dst, ok := buckets[sec]
			if !ok {
				c := snap
				if snap.Hist != nil {
					c.Hist = snap.Hist.Clone()
				}
				buckets[sec] = &c
				order = append(order, sec)
				continue
			}
			mergeSnapshot(dst, &snap)
		}
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })
	out := make([]Snapshot, 0, len(order))
	for _, sec := range order {
		out = append(out, *buckets[sec])
	}
	return out
}

// Merge folds another shard's same-second snapshot into s.
func (s *Snapshot) Merge(src *Snapshot) {
	mergeSnapshot(s, src)
}

func mergeSnapshot(dst, src *Snapshot) {
	total := dst.TotalRequests + src.TotalRequests
	if total > 0 {
		dst.AvgMs = (dst.AvgMs*float64(dst.TotalRequests) + src.AvgMs*float64(src.TotalRequests)) / float64(total)
	}
	if src.MinMs > 0 && (dst.MinMs == 0 || src.MinMs < dst.MinMs) {
		dst.MinMs = src.MinMs
	}
	if src.MaxMs > dst.MaxMs {
		dst.MaxMs = src.MaxMs
	}
	dst.CurrentUsers += src.CurrentUsers
	dst.CurrentRPS += src.CurrentRPS
	dst.CurrentFailPerSec += src.CurrentFailPerSec
	dst.TotalRequests = total
	dst.TotalFailures += src.TotalFailures
	dst.Warmup = dst.Warmup || src.Warmup
	if dst.Hist == nil {
		dst.Hist = &Histogram{}
	}
	dst.Hist.Merge(src.Hist)
	dst.MedianMs = float64(dst.Hist.Quantile(0.50)) / float64(time.Millisecond)
	dst.P95Ms = float64(dst.Hist.Quantile(0.95)) / float64(time.Millisecond)
}
