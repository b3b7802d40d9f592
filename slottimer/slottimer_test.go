package slottimer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePlatform is a software stand-in for the single hardware one-shot: it
// records the last armed duration and lets the test decide what
// "Remaining" currently reports, simulating elapsed time without a real
// clock.
type fakePlatform struct {
	armed     []uint32
	remaining uint32
	disabled  int
	enabled   bool
}

func (f *fakePlatform) Arm(slots uint32) {
	f.armed = append(f.armed, slots)
	f.remaining = slots
	f.enabled = true
}

func (f *fakePlatform) Remaining() uint32 { return f.remaining }

func (f *fakePlatform) Disable() {
	f.disabled++
	f.enabled = false
}

func TestFirstStartArmsHardware(t *testing.T) {
	hw := &fakePlatform{}
	m := New(hw)

	m.Start(1, 10, nil)

	assert.Equal(t, StateActive, m.State(1))
	require.Len(t, hw.armed, 1)
	assert.Equal(t, uint32(10), hw.armed[0])
}

func TestZeroSlotsCoercedToOne(t *testing.T) {
	hw := &fakePlatform{}
	m := New(hw)

	m.Start(1, 0, nil)

	assert.Equal(t, uint32(1), hw.armed[0])
}

func TestShorterRequestPreemptsAndConvertsActiveToHold(t *testing.T) {
	hw := &fakePlatform{}
	m := New(hw)

	m.Start(1, 10, nil)
	require.Equal(t, StateActive, m.State(1))

	m.Start(2, 4, nil) // shorter than the 10 currently armed/remaining

	assert.Equal(t, StateActive, m.State(2))
	assert.Equal(t, StateHold, m.State(1))
	assert.Equal(t, uint32(4), hw.armed[len(hw.armed)-1])
}

func TestLongerRequestGoesToHold(t *testing.T) {
	hw := &fakePlatform{}
	m := New(hw)

	m.Start(1, 5, nil)
	m.Start(2, 20, nil)

	assert.Equal(t, StateActive, m.State(1))
	assert.Equal(t, StateHold, m.State(2))
}

func TestEqualRequestBecomesActiveWithoutRearming(t *testing.T) {
	hw := &fakePlatform{}
	m := New(hw)

	m.Start(1, 10, nil)
	armsBefore := len(hw.armed)
	m.Start(2, 10, nil)

	assert.Equal(t, StateActive, m.State(2))
	assert.Equal(t, armsBefore, len(hw.armed), "equal-duration request must not rearm the hardware")
}

func TestHWInterruptFiresActiveAndPromotesHold(t *testing.T) {
	hw := &fakePlatform{}
	m := New(hw)

	var fired []int32
	m.Start(1, 5, func(id int32) { fired = append(fired, id) })
	m.Start(2, 20, nil) // goes to Hold, remaining = 15

	hw.remaining = 0 // simulate the armed 5-slot period having elapsed
	m.HWInterrupt()

	assert.Equal(t, []int32{1}, fired)
	assert.Equal(t, StateStop, m.State(1))
	assert.Equal(t, StateActive, m.State(2))
	assert.Equal(t, uint32(15), hw.armed[len(hw.armed)-1])
}

func TestStopLastActivePromotesNextHold(t *testing.T) {
	hw := &fakePlatform{}
	m := New(hw)

	m.Start(1, 5, nil)
	m.Start(2, 12, nil) // Hold, remaining = 7

	m.Stop(1)

	assert.Equal(t, StateActive, m.State(2))
	assert.Equal(t, uint32(7), hw.armed[len(hw.armed)-1])
}

func TestStopWithOtherActiveDoesNotRearm(t *testing.T) {
	hw := &fakePlatform{}
	m := New(hw)

	m.Start(1, 10, nil)
	m.Start(2, 10, nil) // equal, also Active
	armsBefore := len(hw.armed)

	m.Stop(1)

	assert.Equal(t, StateActive, m.State(2))
	assert.Equal(t, armsBefore, len(hw.armed))
}

func TestSleepDisablesHardware(t *testing.T) {
	hw := &fakePlatform{}
	m := New(hw)
	m.Start(1, 10, nil)

	m.Sleep()

	assert.Equal(t, 1, hw.disabled)
	assert.False(t, hw.enabled)
}

func TestResumeRearmsPendingTimers(t *testing.T) {
	hw := &fakePlatform{}
	m := New(hw)
	m.Start(1, 10, nil)
	m.Sleep()

	m.Resume()

	assert.True(t, hw.enabled)
	assert.Equal(t, StateActive, m.State(1))
}

func TestNoTimersLeavesHardwareDisabled(t *testing.T) {
	hw := &fakePlatform{}
	m := New(hw)

	m.Start(1, 5, nil)
	hw.remaining = 0
	m.HWInterrupt() // fires 1, nothing left to promote

	assert.Equal(t, 1, hw.disabled)
	assert.False(t, hw.enabled)
}
