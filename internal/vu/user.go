// Package vu implements the virtual user: one closed-loop client that picks
// dataset entries, issues requests, parses responses, and emits request
// events. Users never retry; every failure is a sample.
package vu

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/blueberrycongee/lmeterx/internal/dataset"
	"github.com/blueberrycongee/lmeterx/internal/fieldmap"
	"github.com/blueberrycongee/lmeterx/internal/metrics"
	"github.com/blueberrycongee/lmeterx/internal/parser"
	"github.com/blueberrycongee/lmeterx/internal/store"
	"github.com/blueberrycongee/lmeterx/pkg/failure"
)

// Params wires one User. The dataset view and parser are shared read-only;
// the client belongs exclusively to this user.
type Params struct {
	ID      int
	Task    *store.Task
	Dataset *dataset.Dataset
	Parser  *parser.Parser
	Mapping fieldmap.Mapping
	Client  *http.Client
	Agg     *metrics.Aggregator
	Log     *slog.Logger
	// Warmup reports whether the scheduler is still in its warmup ramp.
	Warmup func() bool
}

// User is one virtual user.
type User struct {
	Params
	builder *payloadBuilder
	url     string
	label   string
}

// New creates a virtual user for the task.
func New(p Params) (*User, error) {
	u := &User{Params: p}
	u.url = strings.TrimRight(p.Task.TargetHost, "/") + p.Task.APIPath

	if p.Task.Kind == store.KindLLM {
		b, err := newPayloadBuilder(p.Task, p.Mapping)
		if err != nil {
			return nil, err
		}
		u.builder = b
		u.label = metrics.LabelRequest
	} else {
		u.label = p.Task.APIPath
	}
	if u.Log == nil {
		u.Log = slog.Default()
	}
	return u, nil
}

// Run executes the closed loop until ctx is cancelled. The cancellation
// signal is polled between requests and at every stream chunk boundary.
func (u *User) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		u.doRequest(ctx)
	}
}

func (u *User) doRequest(ctx context.Context) {
	entry := u.Dataset.Next()
	if entry == nil {
		return
	}

	body := entry.RawPayload
	if u.builder != nil {
		built, err := u.builder.build(entry)
		if err != nil {
			u.emitFailure(time.Now(), 0, failure.NewParse("build payload: "+err.Error()))
			return
		}
		body = built
	}

	req, err := http.NewRequestWithContext(ctx, u.method(), u.url, bytes.NewReader(body))
	if err != nil {
		u.emitFailure(time.Now(), 0, failure.NewParse("build request: "+err.Error()))
		return
	}
	u.setHeaders(req)

	start := time.Now()
	resp, err := u.Client.Do(req)
	if err != nil {
		u.emitFailure(start, time.Since(start), classify(ctx, err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		u.emitFailure(start, time.Since(start),
			failure.NewHTTPStatus(resp.StatusCode, http.StatusText(resp.StatusCode)))
		return
	}

	if u.Task.Kind == store.KindLLM && u.Task.StreamMode {
		u.handleStream(ctx, resp.Body, start, entry.Prompt())
		return
	}
	u.handleBody(resp.Body, start, entry.Prompt())
}

// handleBody finishes a non-streaming request and emits one event.
func (u *User) handleBody(body io.Reader, start time.Time, prompt string) {
	raw, err := io.ReadAll(body)
	latency := time.Since(start)
	if err != nil {
		u.emitFailure(start, latency, classifyRead(err))
		return
	}

	ev := metrics.Event{
		Label:   u.label,
		Start:   start,
		Latency: latency,
		OK:      true,
		Warmup:  u.inWarmup(),
	}

	if u.Task.Kind == store.KindLLM {
		res, perr := u.Parser.ParseBody(raw, prompt)
		if perr != nil {
			u.emitFailure(start, latency, perr.(*failure.Failure))
			return
		}
		attachTokens(&ev, res)
	}
	u.Agg.Emit(ev)
}

// handleStream consumes a streaming response, emitting a first_token event
// for TTFT and a completion event carrying tokens and total latency.
func (u *User) handleStream(ctx context.Context, body io.Reader, start time.Time, prompt string) {
	res, err := u.Parser.ParseStream(ctx, body, start, prompt)
	latency := time.Since(start)
	warmup := u.inWarmup()

	if res != nil && res.TTFT > 0 {
		// The first token arrived, so its latency is a real sample even
		// when the stream fails afterwards.
		u.Agg.Emit(metrics.Event{
			Label:   metrics.LabelFirstToken,
			Start:   start,
			Latency: res.TTFT,
			TTFT:    res.TTFT,
			OK:      true,
			Warmup:  warmup,
		})
	}

	if err != nil {
		f, ok := err.(*failure.Failure)
		if !ok {
			f = failure.NewParse(err.Error())
		}
		u.emitLabelled(metrics.LabelCompletion, start, latency, f)
		return
	}

	ev := metrics.Event{
		Label:   metrics.LabelCompletion,
		Start:   start,
		Latency: latency,
		TTFT:    res.TTFT,
		OK:      true,
		Warmup:  warmup,
	}
	attachTokens(&ev, res)
	u.Agg.Emit(ev)
}

func (u *User) method() string {
	if u.Task.Method != "" {
		return strings.ToUpper(u.Task.Method)
	}
	return http.MethodPost
}

func (u *User) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if u.Task.Kind == store.KindLLM && u.Task.StreamMode {
		req.Header.Set("Accept", "text/event-stream")
	}
	for _, kv := range u.Task.Headers {
		req.Header.Set(kv.Key, kv.Value)
	}
	for _, kv := range u.Task.Cookies {
		req.AddCookie(&http.Cookie{Name: kv.Key, Value: kv.Value})
	}
}

func (u *User) inWarmup() bool {
	return u.Warmup != nil && u.Warmup()
}

func (u *User) emitFailure(start time.Time, latency time.Duration, f *failure.Failure) {
	u.emitLabelled(u.label, start, latency, f)
}

func (u *User) emitLabelled(label string, start time.Time, latency time.Duration, f *failure.Failure) {
	u.Agg.Emit(metrics.Event{
		Label:       label,
		Start:       start,
		Latency:     latency,
		OK:          false,
		HTTPStatus:  f.StatusCode,
		FailureKind: f.Kind,
		Warmup:      u.inWarmup(),
	})
	if f.Kind != failure.KindCancelled {
		u.Log.Debug("request failed", "kind", string(f.Kind), "error", f.Message)
	}
}

// classify maps a transport error to the failure taxonomy. Errors before
// any byte was read are connection failures; deadline errors are timeouts;
// context cancellation is a cancellation, never a sample failure.
func classify(ctx context.Context, err error) *failure.Failure {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return failure.NewCancelled(err.Error())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.NewTimeout(err.Error())
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return failure.NewTimeout(err.Error())
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.NewTimeout(err.Error())
	}
	return failure.NewConnect(err.Error())
}

func classifyRead(err error) *failure.Failure {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return failure.NewTimeout(err.Error())
	}
	return failure.NewStreamTruncated(err.Error())
}

func attachTokens(ev *metrics.Event, res *parser.Result) {
	ev.PromptTokens = res.PromptTokens
	ev.CompletionTokens = res.CompletionTokens
	ev.TotalTokens = res.TotalTokens
	ev.TokensEstimated = res.Estimated
}
