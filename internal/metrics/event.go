package metrics

import (
	"time"

	"github.com/blueberrycongee/lmeterx/pkg/failure"
)

// Endpoint labels attached to request events. Streaming LLM requests emit
// first_token and completion; everything else emits request (or the
// task-supplied label for generic APIs).
const (
	LabelFirstToken = "first_token"
	LabelCompletion = "completion"
	LabelRequest    = "request"
)

// Event is one immutable request observation emitted by a virtual user.
// Events pass by value through a bounded channel to the aggregator.
type Event struct {
	Label   string
	Start   time.Time
	Latency time.Duration
	TTFT    time.Duration

	OK          bool
	HTTPStatus  int
	FailureKind failure.Kind

	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
	TokensEstimated  bool

	// Warmup marks events observed during the warmup ramp; they appear in
	// real-time rows (flagged) but are excluded from the final summary.
	Warmup bool
}

// countsTowardRPS reports whether the event's label closes a request cycle.
func (e Event) countsTowardRPS() bool {
	return e.Label != LabelFirstToken
}
