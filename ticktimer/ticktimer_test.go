package ticktimer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTicksBeforeWrapSafe(t *testing.T) {
	assert.True(t, TicksBefore(^uint32(0), 4))
	assert.True(t, TicksBeforeOrAt(^uint32(0), ^uint32(0)))
	assert.False(t, TicksBefore(10, 10))
	assert.True(t, TicksBefore(10, 11))
}

func TestRequestInFiresAtDelta(t *testing.T) {
	var fired []Event
	s := New(10, func(e Event) { fired = append(fired, e) })

	s.RequestIn(Event{Receiver: 1, EventID: 7}, 3)
	for i := 0; i < 2; i++ {
		s.Tick()
	}
	assert.Empty(t, fired)
	s.Tick()
	require.Len(t, fired, 1)
	assert.Equal(t, int32(7), fired[0].EventID)
}

func TestRequestAtAlreadyDueFiresImmediately(t *testing.T) {
	var fired []Event
	s := New(10, func(e Event) { fired = append(fired, e) })
	s.Tick()
	s.Tick()

	s.RequestAt(Event{EventID: 9}, 1)
	require.Len(t, fired, 1)
	assert.Equal(t, int32(9), fired[0].EventID)
}

func TestOrderingTiesPreserveInsertionOrder(t *testing.T) {
	var fired []int32
	s := New(10, func(e Event) { fired = append(fired, e.EventID) })

	s.RequestIn(Event{EventID: 1}, 5)
	s.RequestIn(Event{EventID: 2}, 5)
	s.RequestIn(Event{EventID: 3}, 5)

	for i := 0; i < 5; i++ {
		s.Tick()
	}
	assert.Equal(t, []int32{1, 2, 3}, fired)
}

// TestPeriodicTimerUnderWrap is spec scenario S3: sys_ticks starts 5 ticks
// before wraparound, a periodic-every-10 timer is registered, and 40 ticks
// are run. Expected: 4 deliveries, none skipped or duplicated.
func TestPeriodicTimerUnderWrap(t *testing.T) {
	var fired []uint32
	s := New(10, func(e Event) {})
	s.mu.Enter()
	s.ticks = ^uint32(0) - 5
	s.mu.Exit()

	s2 := New(10, func(e Event) { fired = append(fired, 0) })
	s2.mu.Enter()
	s2.ticks = ^uint32(0) - 5
	s2.mu.Exit()
	s2.RequestEvery(Event{EventID: 42}, 10)

	for i := 0; i < 40; i++ {
		s2.Tick()
	}
	assert.Len(t, fired, 4)
}

func TestPeriodicAdvancesAndRearmsAfterEachFire(t *testing.T) {
	var fired int
	s := New(10, func(e Event) { fired++ })
	s.RequestEvery(Event{EventID: 1}, 10)

	for i := 0; i < 35; i++ {
		s.Tick()
	}
	assert.Equal(t, 3, fired)
}

func TestCancelRemovesPendingEntry(t *testing.T) {
	var fired int
	s := New(10, func(e Event) { fired++ })
	s.RequestIn(Event{Receiver: 1, EventID: 5}, 10)

	require.NoError(t, s.Cancel(1, 5))
	for i := 0; i < 20; i++ {
		s.Tick()
	}
	assert.Equal(t, 0, fired)
}

func TestCancelUnknownReturnsError(t *testing.T) {
	s := New(10, func(e Event) {})
	assert.ErrorIs(t, s.Cancel(1, 99), ErrTimerIDInvalid)
}

func TestShortestActive(t *testing.T) {
	s := New(10, func(e Event) {})
	assert.Equal(t, uint32(0), s.ShortestActive())

	s.RequestIn(Event{EventID: 1}, 5)
	assert.Equal(t, uint32(5), s.ShortestActive())
}

func TestLegacyMSRoundingRule(t *testing.T) {
	// "<=2*tick_period -> 2 ticks; else ceil(ms/tick_period)+1", preserved
	// verbatim per spec S9's open question.
	assert.Equal(t, uint32(2), legacyMSToTicks(5, 10))
	assert.Equal(t, uint32(2), legacyMSToTicks(20, 10))
	assert.Equal(t, uint32(6), legacyMSToTicks(50, 10))
}

func TestNewPanicsOnNonDivisorTickPeriod(t *testing.T) {
	assert.Panics(t, func() { New(7, func(e Event) {}) })
}
