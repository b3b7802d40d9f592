package evtloop

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T) (*Loop, *Tasklet) {
	t.Helper()
	l := New(WithStartupPool(4))
	var tasklet *Tasklet
	tk, err := l.HandlerCreate(func(ev *Event) {}, 1)
	require.NoError(t, err)
	tasklet = tk
	l.RunUntilIdle() // drain the init event HandlerCreate enqueues
	return l, tasklet
}

// TestPriorityOrderedDispatch is spec scenario S2.
func TestPriorityOrderedDispatch(t *testing.T) {
	l, tasklet := newTestLoop(t)

	var seen []int32
	tk2, err := l.HandlerCreate(func(ev *Event) { seen = append(seen, ev.EventID) }, 0)
	require.NoError(t, err)
	l.RunUntilIdle()
	_ = tasklet

	require.NoError(t, l.Send(Event{Receiver: tk2.ID, EventID: 1, Priority: PriorityLow}))
	require.NoError(t, l.Send(Event{Receiver: tk2.ID, EventID: 2, Priority: PriorityHigh}))
	require.NoError(t, l.Send(Event{Receiver: tk2.ID, EventID: 3, Priority: PriorityMed}))

	require.True(t, l.DispatchOne())
	require.True(t, l.DispatchOne())
	require.True(t, l.DispatchOne())

	assert.Equal(t, []int32{2, 3, 1}, seen)
}

func TestFIFOWithinPriority(t *testing.T) {
	l, _ := newTestLoop(t)
	var seen []int32
	tk, err := l.HandlerCreate(func(ev *Event) { seen = append(seen, ev.EventID) }, 0)
	require.NoError(t, err)
	l.RunUntilIdle()

	for i := int32(1); i <= 3; i++ {
		require.NoError(t, l.Send(Event{Receiver: tk.ID, EventID: i, Priority: PriorityMed}))
	}
	l.RunUntilIdle()
	assert.Equal(t, []int32{1, 2, 3}, seen)
}

func TestHandlerCreateRejectsDuplicateFunc(t *testing.T) {
	l := New()
	fn := func(ev *Event) {}
	_, err := l.HandlerCreate(fn, 0)
	require.NoError(t, err)
	_, err = l.HandlerCreate(fn, 0)
	assert.ErrorIs(t, err, ErrHandlerExists)
}

func TestSendUnknownReceiverErrors(t *testing.T) {
	l := New()
	err := l.Send(Event{Receiver: 99})
	assert.ErrorIs(t, err, ErrNoReceiver)
}

func TestStartupPoolRecycled(t *testing.T) {
	l := New(WithStartupPool(1))
	tk, err := l.HandlerCreate(func(ev *Event) {}, 0)
	require.NoError(t, err)
	l.RunUntilIdle() // consumes + recycles the init event's pool slot

	require.NoError(t, l.Send(Event{Receiver: tk.ID, EventID: 1}))
	// Pool had exactly 1 slot; a second concurrent Send should fall back
	// to dynamic allocation without failing.
	require.NoError(t, l.Send(Event{Receiver: tk.ID, EventID: 2}))
	l.RunUntilIdle()
}

func TestCancelQueuedEventRemovesIt(t *testing.T) {
	l, tk := newTestLoop(t)
	var fired bool
	l.tasklets[tk.ID].Handler = func(ev *Event) { fired = true }

	ev := Event{Receiver: tk.ID, EventID: 1}
	require.NoError(t, l.Send(ev))

	// find the queued copy to cancel
	var stored *Event
	for _, q := range l.queues {
		for _, e := range q {
			if e.Receiver == tk.ID && e.EventID == 1 {
				stored = e
			}
		}
	}
	require.NotNil(t, stored)
	assert.True(t, l.Cancel(stored))
	l.RunUntilIdle()
	assert.False(t, fired)
}

func TestCancelRunningIsNoOp(t *testing.T) {
	l, tk := newTestLoop(t)
	ev := &Event{Receiver: tk.ID, state: StateRunning}
	assert.False(t, l.Cancel(ev))
}

func TestRequestInDeliversAfterTicks(t *testing.T) {
	l, tk := newTestLoop(t)
	var fired int32 = -1
	l.tasklets[tk.ID].Handler = func(ev *Event) { fired = ev.EventID }

	l.RequestIn(Event{Receiver: tk.ID, EventID: 42}, 2)
	l.Tick()
	l.Tick()
	l.RunUntilIdle()

	assert.Equal(t, int32(42), fired)
}

func TestCancelTimerBeforeFirePreventsDelivery(t *testing.T) {
	l, tk := newTestLoop(t)
	var fired bool
	l.tasklets[tk.ID].Handler = func(ev *Event) { fired = true }

	l.RequestIn(Event{Receiver: tk.ID, EventID: 5}, 10)
	require.NoError(t, l.CancelTimer(tk.ID, 5))

	for i := 0; i < 20; i++ {
		l.Tick()
	}
	l.RunUntilIdle()
	assert.False(t, fired)
}

func TestShortestActiveReflectsNextTimer(t *testing.T) {
	l, tk := newTestLoop(t)
	assert.Equal(t, uint32(0), l.ShortestActive())
	l.RequestIn(Event{Receiver: tk.ID}, 7)
	assert.Equal(t, uint32(7), l.ShortestActive())
}

func TestRunIdlesUntilSignaled(t *testing.T) {
	l, tk := newTestLoop(t)
	var fired int32 = -1
	l.tasklets[tk.ID].Handler = func(ev *Event) { fired = ev.EventID }

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		l.Run(stop)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond) // let Run reach idle
	require.NoError(t, l.Send(Event{Receiver: tk.ID, EventID: 9}))

	deadline := time.After(time.Second)
	for fired != 9 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for signaled dispatch")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(stop)
	<-done
}

func TestMutexContract(t *testing.T) {
	l := New()
	assert.False(t, l.MutexAmOwner())
	l.MutexWait()
	assert.True(t, l.MutexAmOwner())
	l.MutexRelease()
}

func TestCurrentTaskletIdleOutsideDispatch(t *testing.T) {
	l := New()
	assert.Equal(t, int8(-1), l.CurrentTasklet())
}
