package batcher

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

type submission struct {
	Kind    StageKind
	Target  string
	Threads int
	Delay   time.Duration
}

// fakeEnv implements every collaborator interface over in-memory state.
type fakeEnv struct {
	mu sync.Mutex

	resources  map[string]Resource
	candidates []Candidate
	topoErr    error
	readErr    map[string]error

	capacity        Capacity
	capErr          error
	capCalls        int
	capFailOn       int
	costs           map[Operation]float64
	consumeOnSubmit bool

	hackThreads float64
	growThreads float64
	analysisErr error

	submitErr   func(kind StageKind) error
	submissions []submission

	opErr  error
	ops    []Operation
	weaken func(r *Resource)
	grow   func(r *Resource)
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{
		resources: make(map[string]Resource),
		readErr:   make(map[string]error),
		capacity:  Capacity{Total: 1e6},
		costs: map[Operation]float64{
			OpWeaken: 1,
			OpGrow:   1,
			OpHack:   1,
		},
		hackThreads: 40,
		growThreads: 10,
		weaken: func(r *Resource) {
			r.SecurityLevel = math.Max(r.MinSecurity, r.SecurityLevel-5)
		},
		grow: func(r *Resource) {
			r.Money = math.Min(r.MaxMoney, math.Max(r.Money*2, r.Money+100000))
			r.SecurityLevel += 0.5
		},
	}
}

func (f *fakeEnv) set(r Resource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resources[r.ID] = r
}

func (f *fakeEnv) get(id string) Resource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources[id]
}

func (f *fakeEnv) Resource(_ context.Context, id string) (Resource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.readErr[id]; err != nil {
		return Resource{}, err
	}
	r, ok := f.resources[id]
	if !ok {
		return Resource{}, fmt.Errorf("unknown resource %q", id)
	}
	return r, nil
}

func (f *fakeEnv) Candidates(context.Context) ([]Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.topoErr != nil {
		return nil, f.topoErr
	}
	return append([]Candidate(nil), f.candidates...), nil
}

func (f *fakeEnv) Capacity(context.Context) (Capacity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.capCalls++
	if f.capErr != nil {
		return Capacity{}, f.capErr
	}
	if f.capFailOn > 0 && f.capCalls == f.capFailOn {
		return Capacity{}, fmt.Errorf("capacity read %d failed", f.capCalls)
	}
	return f.capacity, nil
}

func (f *fakeEnv) StageCost(_ context.Context, op Operation) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capErr != nil {
		return 0, f.capErr
	}
	return f.costs[op], nil
}

func (f *fakeEnv) HackThreads(context.Context, string, float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hackThreads, f.analysisErr
}

func (f *fakeEnv) GrowThreads(context.Context, string, float64) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.growThreads, f.analysisErr
}

func (f *fakeEnv) Submit(_ context.Context, kind StageKind, id string, threads int, delay time.Duration) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		if err := f.submitErr(kind); err != nil {
			return Handle{}, err
		}
	}
	f.submissions = append(f.submissions, submission{Kind: kind, Target: id, Threads: threads, Delay: delay})
	if f.consumeOnSubmit {
		f.capacity.Used += float64(threads) * f.costs[kind.Operation()]
	}
	return Handle{ID: fmt.Sprintf("h-%d", len(f.submissions)), Kind: kind, Target: id}, nil
}

func (f *fakeEnv) Weaken(_ context.Context, id string) error {
	return f.apply(id, OpWeaken, f.weaken)
}

func (f *fakeEnv) Grow(_ context.Context, id string) error {
	return f.apply(id, OpGrow, f.grow)
}

func (f *fakeEnv) apply(id string, op Operation, effect func(*Resource)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.opErr != nil {
		return f.opErr
	}
	r := f.resources[id]
	effect(&r)
	f.resources[id] = r
	f.ops = append(f.ops, op)
	return nil
}

func (f *fakeEnv) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]submission(nil), f.submissions...)
}

func (f *fakeEnv) operations() []Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Operation(nil), f.ops...)
}

func (f *fakeEnv) deps(clock Clock) Deps {
	return Deps{
		Topology:   f,
		Resources:  f,
		Capacity:   f,
		Analysis:   f,
		Dispatcher: f,
		Operator:   f,
		Clock:      clock,
	}
}

// manualClock advances only when slept on.
type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	sleeps  []time.Duration
	onSleep func(d time.Duration, n int)
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.sleeps = append(c.sleeps, d)
	n := len(c.sleeps)
	hook := c.onSleep
	c.mu.Unlock()

	if hook != nil {
		hook(d, n)
	}
	return ctx.Err()
}

func (c *manualClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sleeps)
}
