// Package scheduler brings the virtual-user population to the task's load
// profile and holds it there: warmup ramps, fixed plateaus, and stepped
// ramps with a sustain phase. One cancellation signal drains everything.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/blueberrycongee/lmeterx/internal/store"
)

// State is the scheduler lifecycle phase.
type State int32

const (
	StateIdle State = iota
	StateWarmup
	StateRamp
	StatePlateau
	StateDrain
	StateDone
)

func (s State) String() string {
	switch s {
	case StateWarmup:
		return "warmup"
	case StateRamp:
		return "ramp"
	case StatePlateau:
		return "plateau"
	case StateDrain:
		return "drain"
	case StateDone:
		return "done"
	default:
		return "idle"
	}
}

// Profile is the resolved load profile for one task (or one shard of it).
type Profile struct {
	Users     int
	SpawnRate int
	Duration  time.Duration

	WarmupEnabled  bool
	WarmupDuration time.Duration

	Stepped       bool
	StepStart     int
	StepIncrement int
	StepMax       int
	StepDuration  time.Duration
	StepSustain   time.Duration

	DrainTimeout time.Duration
}

// FromTask resolves the profile from a task row, clamping warmup to its
// allowed 10..1800s range.
func FromTask(t *store.Task) Profile {
	p := Profile{
		Users:        t.ConcurrentUsers,
		SpawnRate:    t.SpawnRate,
		Duration:     time.Duration(t.Duration) * time.Second,
		DrainTimeout: 30 * time.Second,
	}
	if p.SpawnRate < 1 {
		p.SpawnRate = 1
	}
	if t.WarmupEnabled {
		d := t.WarmupDuration
		if d < 10 {
			d = 10
		}
		if d > 1800 {
			d = 1800
		}
		p.WarmupEnabled = true
		p.WarmupDuration = time.Duration(d) * time.Second
	}
	if t.Kind == store.KindGeneric && t.LoadMode == "stepped" {
		p.Stepped = true
		p.StepStart = t.StepStartUsers
		p.StepIncrement = t.StepIncrement
		p.StepMax = t.StepMaxUsers
		p.StepDuration = time.Duration(t.StepDuration) * time.Second
		p.StepSustain = time.Duration(t.StepSustainDuration) * time.Second
		if p.StepStart < 1 {
			p.StepStart = 1
		}
		if p.StepIncrement < 1 {
			p.StepIncrement = 1
		}
		if p.StepMax < p.StepStart {
			p.StepMax = p.StepStart
		}
	}
	return p
}

// Shard scales the profile down for one of n shard processes, distributing
// the remainder across the lowest shard indices.
func (p Profile) Shard(index, shards int) Profile {
	out := p
	out.Users = split(p.Users, index, shards)
	out.SpawnRate = split(p.SpawnRate, index, shards)
	if out.SpawnRate < 1 {
		out.SpawnRate = 1
	}
	if p.Stepped {
		out.StepStart = split(p.StepStart, index, shards)
		out.StepIncrement = split(p.StepIncrement, index, shards)
		out.StepMax = split(p.StepMax, index, shards)
		if out.StepStart < 1 {
			out.StepStart = 1
		}
		if out.StepIncrement < 1 {
			out.StepIncrement = 1
		}
	}
	return out
}

func split(total, index, shards int) int {
	base := total / shards
	if index < total%shards {
		base++
	}
	return base
}

// SpawnFunc runs one virtual user until its context is cancelled.
type SpawnFunc func(ctx context.Context, id int)

type userSlot struct {
	id     int
	cancel context.CancelFunc
}

// Scheduler drives one shard's virtual-user population.
type Scheduler struct {
	profile Profile
	spawn   SpawnFunc
	log     *slog.Logger

	state atomic.Int32

	mu     sync.Mutex
	users  []userSlot
	nextID int

	wg sync.WaitGroup

	// OnState, when set, is invoked on every phase transition. The runner
	// uses it to flag warmup windows on the aggregator.
	OnState func(State)
}

// New creates a scheduler.
func New(profile Profile, spawn SpawnFunc, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		profile: profile,
		spawn:   spawn,
		log:     log.With("component", "scheduler"),
	}
}

// CurrentUsers returns the live virtual-user count.
func (s *Scheduler) CurrentUsers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// InWarmup reports whether the scheduler is in its warmup ramp.
func (s *Scheduler) InWarmup() bool {
	return State(s.state.Load()) == StateWarmup
}

// StateNow returns the current phase.
func (s *Scheduler) StateNow() State {
	return State(s.state.Load())
}

// Run executes the profile to completion. It returns ctx.Err() when the run
// was cancelled before its natural end, nil otherwise. In both cases all
// users are drained (or abandoned after the drain timeout) on return.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.drain()

	if s.profile.Stepped {
		return s.runStepped(ctx)
	}
	return s.runFixed(ctx)
}

func (s *Scheduler) runFixed(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(s.profile.SpawnRate), 1)

	if s.profile.WarmupEnabled {
		s.setState(StateWarmup)
		if err := s.rampLinear(ctx, s.profile.Users, s.profile.WarmupDuration); err != nil {
			return err
		}
	}

	s.setState(StateRamp)
	if err := s.scaleTo(ctx, s.profile.Users, limiter); err != nil {
		return err
	}

	s.setState(StatePlateau)
	return sleepCtx(ctx, s.profile.Duration)
}

// rampLinear spreads spawns evenly across the window so the population
// grows linearly from the current count to target.
func (s *Scheduler) rampLinear(ctx context.Context, target int, window time.Duration) error {
	missing := target - s.CurrentUsers()
	if missing <= 0 {
		return sleepCtx(ctx, window)
	}
	interval := window / time.Duration(missing)
	for i := 0; i < missing; i++ {
		if err := sleepCtx(ctx, interval); err != nil {
			return err
		}
		s.spawnOne()
	}
	return nil
}

func (s *Scheduler) runStepped(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(s.profile.SpawnRate), 1)

	target := s.profile.StepStart
	s.setState(StateRamp)
	for {
		if err := s.scaleTo(ctx, target, limiter); err != nil {
			return err
		}
		if target >= s.profile.StepMax {
			break
		}
		if err := sleepCtx(ctx, s.profile.StepDuration); err != nil {
			return err
		}
		target += s.profile.StepIncrement
		if target > s.profile.StepMax {
			target = s.profile.StepMax
		}
	}

	s.setState(StatePlateau)
	return sleepCtx(ctx, s.profile.StepSustain)
}

// scaleTo moves the population to target: spawning under the rate limiter,
// or cancelling newest-first when shrinking.
func (s *Scheduler) scaleTo(ctx context.Context, target int, limiter *rate.Limiter) error {
	for s.CurrentUsers() < target {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		s.spawnOne()
	}
	for s.CurrentUsers() > target {
		s.stopNewest()
	}
	return nil
}

func (s *Scheduler) spawnOne() {
	// User contexts are detached from the run context's deadline; drain
	// cancels them explicitly so in-flight work is interrupted exactly once.
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.users = append(s.users, userSlot{id: id, cancel: cancel})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.release(id)
		s.spawn(ctx, id)
	}()
}

func (s *Scheduler) stopNewest() {
	s.mu.Lock()
	n := len(s.users)
	if n == 0 {
		s.mu.Unlock()
		return
	}
	slot := s.users[n-1]
	s.users = s.users[:n-1]
	s.mu.Unlock()
	slot.cancel()
}

// release drops a finished user from the population count.
func (s *Scheduler) release(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, u := range s.users {
		if u.id == id {
			s.users = append(s.users[:i], s.users[i+1:]...)
			return
		}
	}
}

// drain cancels every user and waits up to the drain timeout. Users still
// running afterwards are abandoned; their in-flight requests surface as
// cancelled events.
func (s *Scheduler) drain() {
	s.setState(StateDrain)

	s.mu.Lock()
	users := s.users
	s.users = nil
	s.mu.Unlock()
	for _, u := range users {
		u.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timeout := s.profile.DrainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		s.log.Warn("drain timeout exceeded, abandoning outstanding users")
	}
	s.setState(StateDone)
}

func (s *Scheduler) setState(st State) {
	s.state.Store(int32(st))
	if s.OnState != nil {
		s.OnState(st)
	}
	s.log.Debug("scheduler phase", "state", st.String())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
