package datapoll

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanomesh/core/evtloop"
)

func runUntil(loop *evtloop.Loop, maxTicks int, cond func() bool) {
	loop.RunUntilIdle()
	for i := 0; i < maxTicks && !cond(); i++ {
		loop.Tick()
		loop.RunUntilIdle()
	}
}

func TestFastPollFiresAtConfiguredCadence(t *testing.T) {
	loop := evtloop.New()
	var polls int
	m, err := New(loop, WithPollFunc(func(parent uint16) error {
		polls++
		return nil
	}))
	require.NoError(t, err)

	m.SetMode(ModeFastPoll)
	runUntil(loop, fastPollPeriodTicks+5, func() bool { return polls > 0 })
	assert.Equal(t, 1, polls)
}

func TestPollFailureInvokesCallbackAfterFourMisses(t *testing.T) {
	loop := evtloop.New()
	var polls, failures int
	m, err := New(loop, WithPollFailCallback(func() { failures++ }))
	require.NoError(t, err)
	m.pollFunc = func(parent uint16) error { polls++; return nil }

	m.SetMode(ModeFastPoll)
	for i := 0; i < 4; i++ {
		runUntil(loop, fastPollPeriodTicks+5, func() bool { return polls > i })
		m.PollConfirm(ResultFailure)
	}
	assert.Equal(t, 1, failures)
}

func TestSuccessfulPollResetsFailureCount(t *testing.T) {
	m := &Machine{consecutiveFailures: 3, mode: ModeSlowPoll, slowPollPeriodSeconds: 60}
	loop := evtloop.New()
	tk, err := loop.HandlerCreate(m.handleEvent, -1)
	require.NoError(t, err)
	m.loop, m.self = loop, tk

	m.PollConfirm(ResultData)
	assert.Equal(t, 0, m.consecutiveFailures)
}

func TestProtocolPollNestingUsesFastCadenceWhilePending(t *testing.T) {
	m := &Machine{mode: ModeSlowPoll, slowPollPeriodSeconds: 120}
	assert.Equal(t, uint32(120*ticksPerSecond), m.nextPeriodTicks())

	m.protocolPollDepth++
	assert.Equal(t, uint32(fastPollPeriodTicks), m.nextPeriodTicks())

	m.protocolPollDepth--
	assert.Equal(t, uint32(120*ticksPerSecond), m.nextPeriodTicks())
}

func TestSlowPollTimeoutFloorsAtThirtyTwoSeconds(t *testing.T) {
	m := &Machine{slowPollPeriodSeconds: 1}
	assert.Equal(t, uint32(minSlowPollTimeoutSeconds*ticksPerSecond), m.SlowPollTimeoutTicks())

	m.slowPollPeriodSeconds = 100
	assert.Equal(t, uint32(400*ticksPerSecond), m.SlowPollTimeoutTicks())
}

func TestRxOnIdleModeNeverPolls(t *testing.T) {
	loop := evtloop.New()
	var polls int
	m, err := New(loop, WithPollFunc(func(parent uint16) error { polls++; return nil }))
	require.NoError(t, err)

	m.SetMode(ModeRxOnIdle)
	runUntil(loop, 100, func() bool { return false })
	assert.Equal(t, 0, polls)
}
