package batcher

import (
	"fmt"
	"time"
)

// StageKind identifies one of the four stages of a batch, in dispatch order.
type StageKind int

const (
	StageWeaken1 StageKind = iota
	StageGrow
	StageWeaken2
	StageHack
)

// StageOrder is the fixed order stages are dispatched and expected to land in.
var StageOrder = [4]StageKind{StageWeaken1, StageGrow, StageWeaken2, StageHack}

func (k StageKind) String() string {
	switch k {
	case StageWeaken1:
		return "weaken1"
	case StageGrow:
		return "grow"
	case StageWeaken2:
		return "weaken2"
	case StageHack:
		return "hack"
	default:
		return fmt.Sprintf("stage(%d)", int(k))
	}
}

// Operation is the worker operation a stage runs.
type Operation string

const (
	OpWeaken Operation = "weaken"
	OpGrow   Operation = "grow"
	OpHack   Operation = "hack"
)

// Operation maps the stage to the worker that executes it. Both weaken
// stages run the same worker.
func (k StageKind) Operation() Operation {
	switch k {
	case StageGrow:
		return OpGrow
	case StageHack:
		return OpHack
	default:
		return OpWeaken
	}
}

// Resource is a synchronous read of a target's state.
type Resource struct {
	ID            string  `json:"id"`
	SecurityLevel float64 `json:"security_level"`
	MinSecurity   float64 `json:"min_security"`
	Money         float64 `json:"money"`
	MaxMoney      float64 `json:"max_money"`
}

// SecurityExcess is how far security sits above its floor.
func (r Resource) SecurityExcess() float64 {
	return r.SecurityLevel - r.MinSecurity
}

// MoneyRatio is money/maxMoney. A resource without capacity is treated as
// having a capacity of one.
func (r Resource) MoneyRatio() float64 {
	maxMoney := r.MaxMoney
	if maxMoney <= 0 {
		maxMoney = 1
	}
	return r.Money / maxMoney
}

// Candidate is an entry from the topology collaborator.
type Candidate struct {
	ID        string `json:"id"`
	HasAccess bool   `json:"has_access"`
}

// Capacity is a snapshot of the dispatch host.
type Capacity struct {
	Total float64 `json:"total"`
	Used  float64 `json:"used"`
}

// ThreadPlan is the per-stage thread count for one batch.
type ThreadPlan struct {
	Hack    int `json:"hack"`
	Grow    int `json:"grow"`
	Weaken1 int `json:"weaken1"`
	Weaken2 int `json:"weaken2"`
}

// Threads returns the thread count planned for kind.
func (p ThreadPlan) Threads(kind StageKind) int {
	switch kind {
	case StageWeaken1:
		return p.Weaken1
	case StageGrow:
		return p.Grow
	case StageWeaken2:
		return p.Weaken2
	case StageHack:
		return p.Hack
	}
	return 0
}

// Demand returns the plan as a per-stage demand.
func (p ThreadPlan) Demand() Demand {
	d := make(Demand, len(StageOrder))
	for _, kind := range StageOrder {
		d[kind] = p.Threads(kind)
	}
	return d
}

// Demand is a set of thread counts submitted for admission.
type Demand map[StageKind]int

// Stage is one dispatch request within a batch.
type Stage struct {
	Kind    StageKind     `json:"kind"`
	Threads int           `json:"threads"`
	Offset  time.Duration `json:"offset"`
}

// Batch is the ephemeral four-stage request built for one iteration.
type Batch struct {
	Index  int      `json:"index"`
	Stages [4]Stage `json:"stages"`
}

// NewBatch lays out batch index i: stage k lands at (i+k)·delta after the
// cycle start.
func NewBatch(index int, plan ThreadPlan, delta time.Duration) Batch {
	b := Batch{Index: index}
	base := time.Duration(index) * delta
	for k, kind := range StageOrder {
		b.Stages[k] = Stage{
			Kind:    kind,
			Threads: plan.Threads(kind),
			Offset:  base + time.Duration(k)*delta,
		}
	}
	return b
}

// Demand returns the thread counts of stages[from:].
func (b Batch) Demand(from int) Demand {
	d := make(Demand, len(b.Stages)-from)
	for _, s := range b.Stages[from:] {
		d[s.Kind] += s.Threads
	}
	return d
}

// Handle identifies a dispatched stage. The scheduler never waits on it.
type Handle struct {
	ID     string    `json:"id"`
	Kind   StageKind `json:"kind"`
	Target string    `json:"target"`
}
