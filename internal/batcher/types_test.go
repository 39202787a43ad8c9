package batcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewBatch_Offsets(t *testing.T) {
	plan := ThreadPlan{Hack: 40, Grow: 11, Weaken1: 70, Weaken2: 3}
	delta := 200 * time.Millisecond

	b := NewBatch(2, plan, delta)

	assert.Equal(t, 2, b.Index)
	for k, s := range b.Stages {
		assert.Equal(t, StageOrder[k], s.Kind)
		assert.Equal(t, time.Duration(2+k)*delta, s.Offset)
		if k > 0 {
			assert.GreaterOrEqual(t, s.Offset, b.Stages[k-1].Offset)
		}
	}
	assert.Equal(t, 70, b.Stages[0].Threads)
	assert.Equal(t, 11, b.Stages[1].Threads)
	assert.Equal(t, 3, b.Stages[2].Threads)
	assert.Equal(t, 40, b.Stages[3].Threads)
}

func TestBatch_Demand(t *testing.T) {
	b := NewBatch(0, ThreadPlan{Hack: 4, Grow: 3, Weaken1: 2, Weaken2: 1}, time.Millisecond)

	assert.Equal(t, Demand{StageWeaken1: 2, StageGrow: 3, StageWeaken2: 1, StageHack: 4}, b.Demand(0))
	assert.Equal(t, Demand{StageWeaken2: 1, StageHack: 4}, b.Demand(2))
	assert.Equal(t, Demand{StageHack: 4}, b.Demand(3))
}

func TestStageKind_Operation(t *testing.T) {
	assert.Equal(t, OpWeaken, StageWeaken1.Operation())
	assert.Equal(t, OpWeaken, StageWeaken2.Operation())
	assert.Equal(t, OpGrow, StageGrow.Operation())
	assert.Equal(t, OpHack, StageHack.Operation())
	assert.Equal(t, "weaken2", StageWeaken2.String())
}

func TestResource_MoneyRatio(t *testing.T) {
	assert.InDelta(t, 0.5, Resource{Money: 50, MaxMoney: 100}.MoneyRatio(), 1e-9)
	assert.InDelta(t, 0.0, Resource{Money: 0, MaxMoney: 0}.MoneyRatio(), 1e-9)
	assert.InDelta(t, 4.0, Resource{SecurityLevel: 9, MinSecurity: 5}.SecurityExcess(), 1e-9)
}
