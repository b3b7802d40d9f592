// Package evtloop implements the cooperative event loop and tasklet
// scheduler (C5): named handlers ("tasklets") receiving prioritized events
// from a shared queue, plus the system-timer plant (C4) that schedules
// deadline-based deliveries into that same queue.
//
// It is grounded on the teacher's own single-goroutine cooperative loop
// (eventloop/loop.go): a CAS-free run/poll/idle structure, a priority
// queue instead of that package's time-ordered timer heap, and the same
// "mutex released before blocking, reacquired on wake" idle contract
// eventloop.Loop.poll uses around its FastPoller wait. Where the teacher
// multiplexes network I/O and JS microtasks onto one goroutine, this
// loop multiplexes tasklet dispatch and tick-timer delivery — the
// concurrency shape (single active critical section, external wake
// signal) is the same pattern, generalized to the spec's domain.
package evtloop

import (
	"errors"
	"reflect"

	"github.com/nanomesh/core/critsec"
	"github.com/nanomesh/core/logx"
	"github.com/nanomesh/core/ticktimer"
)

// Event-loop error taxonomy (spec §7 "Event").
var (
	ErrHandlerExists    = errors.New("evtloop: handler already registered")
	ErrHandlerAllocFail = errors.New("evtloop: no free tasklet id")
	ErrNoReceiver       = errors.New("evtloop: no such receiver tasklet")
	ErrTimerIDInvalid   = ticktimer.ErrTimerIDInvalid
)

// Handler is a tasklet's event-handling function.
type Handler func(*Event)

// Tasklet is a named event handler, immortal once created. Id is in
// 0..=127 per spec §3.2.
type Tasklet struct {
	ID      int8
	Handler Handler
}

// Option configures a Loop at construction.
type Option func(*Loop)

// WithLogger attaches structured logging.
func WithLogger(l logx.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithStartupPool pre-allocates n Event storages so tasklet startup can
// proceed before any dynamic allocation path is available (spec §4.5's
// init-event pool). Default is 10, matching the spec's example size.
func WithStartupPool(n int) Option {
	return func(lp *Loop) { lp.poolSize = n }
}

// WithTickPeriodMS constructs the internal ticktimer.System driving
// RequestAt/RequestIn/RequestEvery/RequestLegacyMS, at the given tick
// period in milliseconds (must evenly divide 1000).
func WithTickPeriodMS(ms uint32) Option {
	return func(lp *Loop) { lp.tickPeriodMS = ms }
}

// Loop is the single-goroutine cooperative scheduler: a priority-ordered
// event queue, a tasklet table, and the tick-timer plant that feeds it.
type Loop struct {
	crit critsec.Section

	logger logx.Logger
	log    *logx.Scoped

	tasklets    map[int8]*Tasklet
	handlerFns  map[uintptr]struct{}
	nextTasklet int8

	queues [numPriorities][]*Event

	poolSize int
	pool     []*Event

	current int8 // id of the tasklet currently running, -1 when idle

	wake chan struct{}

	tickPeriodMS uint32
	timers       *ticktimer.System
}

// New creates a ready-to-run Loop.
func New(opts ...Option) *Loop {
	l := &Loop{
		tasklets:   make(map[int8]*Tasklet),
		handlerFns: make(map[uintptr]struct{}),
		current:    -1,
		wake:       make(chan struct{}, 1),
		poolSize:   10,
		tickPeriodMS: 10,
	}
	for _, o := range opts {
		o(l)
	}
	l.log = logx.With(l.logger, "evtloop")
	l.pool = make([]*Event, 0, l.poolSize)
	for i := 0; i < l.poolSize; i++ {
		l.pool = append(l.pool, &Event{provenance: ProvenanceStartupPool})
	}
	l.timers = ticktimer.New(l.tickPeriodMS, l.onTimerFire, ticktimer.WithLogger(l.logger))
	return l
}

// MutexWait acquires the scheduler's recursive mutex. Other threads in a
// host RTOS port call this (instead of touching shared state unlocked)
// before mutating anything the loop also touches, satisfying spec §4.5's
// scheduler-mutex contract. A pure single-goroutine embedder never needs
// to call this directly; Run/DispatchOne already hold it for the handler's
// duration.
func (l *Loop) MutexWait() { l.crit.Enter() }

// MutexRelease releases one level of the scheduler mutex.
func (l *Loop) MutexRelease() { l.crit.Exit() }

// MutexAmOwner reports whether the calling goroutine holds the scheduler
// mutex, letting a handler assert it safely.
func (l *Loop) MutexAmOwner() bool { return l.crit.AmOwner() }

// HandlerCreate allocates a tasklet at the lowest free id in 0..=127,
// rejecting a handler function already registered under another id, and
// enqueues an init event of initEventType to it.
func (l *Loop) HandlerCreate(fn Handler, initEventType int32) (*Tasklet, error) {
	l.crit.Enter()
	defer l.crit.Exit()

	key := reflect.ValueOf(fn).Pointer()
	if _, exists := l.handlerFns[key]; exists {
		return nil, ErrHandlerExists
	}

	id := int8(-1)
	for c := 0; c <= 127; c++ {
		cand := int8(c)
		if _, used := l.tasklets[cand]; !used {
			id = cand
			break
		}
	}
	if id < 0 {
		return nil, ErrHandlerAllocFail
	}

	t := &Tasklet{ID: id, Handler: fn}
	l.tasklets[id] = t
	l.handlerFns[key] = struct{}{}

	l.sendLocked(&Event{
		Sender:    id,
		Receiver:  id,
		EventType: initEventType,
		Priority:  PriorityLow,
	})
	return t, nil
}

// Send copies ev into loop-owned storage (taken from the startup pool
// when non-empty, else a fresh heap allocation) and inserts it into the
// active queue by priority, waking the scheduler.
func (l *Loop) Send(ev Event) error {
	l.crit.Enter()
	defer l.crit.Exit()

	if _, ok := l.tasklets[ev.Receiver]; !ok {
		return ErrNoReceiver
	}

	var stored *Event
	if n := len(l.pool); n > 0 {
		stored = l.pool[n-1]
		l.pool = l.pool[:n-1]
		*stored = ev
		stored.provenance = ProvenanceStartupPool
	} else {
		cp := ev
		cp.provenance = ProvenanceDynamic
		stored = &cp
	}
	l.sendLocked(stored)
	return nil
}

func (l *Loop) sendLocked(ev *Event) {
	ev.state = StateQueued
	pr := ev.Priority
	l.queues[pr] = append(l.queues[pr], ev)
	l.signal()
}

// SendUserAllocated inserts a caller-owned Event into the queue without
// taking ownership of its storage; used where allocation failure must not
// be possible (tick-timer delivery, protocol timers).
func (l *Loop) SendUserAllocated(ev *Event) error {
	l.crit.Enter()
	defer l.crit.Exit()

	if _, ok := l.tasklets[ev.Receiver]; !ok {
		return ErrNoReceiver
	}
	ev.provenance = ProvenanceUser
	l.sendLocked(ev)
	return nil
}

// Cancel removes ev from the active queue if it is Queued. If ev's
// provenance is Timer, the caller should prefer CancelTimer by id so the
// ticktimer pending-list entry (if any) is also removed; Cancel here only
// ever touches the already-queued copy. A Running or Unqueued event is a
// no-op, matching spec §4.5/§5.
func (l *Loop) Cancel(ev *Event) bool {
	l.crit.Enter()
	defer l.crit.Exit()
	return l.cancelLocked(ev)
}

func (l *Loop) cancelLocked(ev *Event) bool {
	if ev.state != StateQueued {
		return false
	}
	q := l.queues[ev.Priority]
	for i, e := range q {
		if e == ev {
			l.queues[ev.Priority] = append(q[:i], q[i+1:]...)
			ev.state = StateUnqueued
			return true
		}
	}
	return false
}

// CancelTimer implements the combined lookup spec §4.4 describes: first
// try to cancel a still-pending ticktimer entry for (receiver, eventID);
// failing that, search the already-queued events for a Timer-provenance
// match and cancel it there.
func (l *Loop) CancelTimer(receiver int8, eventID int32) error {
	if err := l.timers.Cancel(int32(receiver), eventID); err == nil {
		return nil
	}

	l.crit.Enter()
	defer l.crit.Exit()
	for _, q := range l.queues {
		for _, ev := range q {
			if ev.timerOwned && ev.Receiver == receiver && ev.EventID == eventID {
				l.cancelLocked(ev)
				return nil
			}
		}
	}
	return ErrTimerIDInvalid
}

// DispatchOne pops the highest-priority (FIFO within priority) pending
// event, runs its tasklet's handler, then recycles the storage according
// to its provenance. Returns false if the queue was empty.
func (l *Loop) DispatchOne() bool {
	l.crit.Enter()
	defer l.crit.Exit()
	return l.dispatchOneLocked()
}

func (l *Loop) dispatchOneLocked() bool {
	ev := l.popHighestLocked()
	if ev == nil {
		return false
	}

	ev.state = StateRunning
	prevCurrent := l.current
	l.current = ev.Receiver
	t := l.tasklets[ev.Receiver]

	l.log.Debug("dispatch", map[string]any{"receiver": ev.Receiver, "event": ev.EventID, "priority": ev.Priority.String()})

	if t != nil {
		l.crit.Exit()
		safeInvoke(t.Handler, ev)
		l.crit.Enter()
	}

	l.current = prevCurrent
	l.recycle(ev)
	return true
}

func safeInvoke(h Handler, ev *Event) {
	defer func() { recover() }()
	h(ev)
}

func (l *Loop) popHighestLocked() *Event {
	for pr := numPriorities - 1; pr >= 0; pr-- {
		q := l.queues[pr]
		if len(q) == 0 {
			continue
		}
		ev := q[0]
		l.queues[pr] = q[1:]
		return ev
	}
	return nil
}

func (l *Loop) recycle(ev *Event) {
	ev.state = StateUnqueued
	switch ev.provenance {
	case ProvenanceStartupPool:
		*ev = Event{provenance: ProvenanceStartupPool}
		l.pool = append(l.pool, ev)
	case ProvenanceDynamic:
		// Dropped; Go's GC reclaims it.
	case ProvenanceUser:
		// Caller-owned; nothing to do.
	case ProvenanceTimer:
		// Already handed back to ticktimer by onTimerFire before the
		// event was queued (its rearm decision happens at fire time,
		// not at dispatch time) — nothing further to recycle here.
	}
}

// CurrentTasklet returns the id of the tasklet currently executing its
// handler, or -1 if the loop is idle. Handlers may call this to assert
// context, matching the spec's current_tasklet global.
func (l *Loop) CurrentTasklet() int8 {
	l.crit.Enter()
	defer l.crit.Exit()
	return l.current
}

// RunUntilIdle drains the queue, dispatching events until none remain.
func (l *Loop) RunUntilIdle() {
	for l.DispatchOne() {
	}
}

// Run dispatches events forever; when the queue empties it calls idle,
// which releases the scheduler mutex and blocks until Signal is called
// from another goroutine or ISR-equivalent callback, or stop is closed.
func (l *Loop) Run(stop <-chan struct{}) {
	l.crit.Enter()
	defer l.crit.Exit()

	for {
		select {
		case <-stop:
			return
		default:
		}
		if l.dispatchOneLocked() {
			continue
		}
		if !l.idle(stop) {
			return
		}
	}
}

// idle releases the scheduler mutex and blocks on the wake channel (or
// stop), reacquiring the mutex before returning. It is the loop's only
// suspension point (spec §5): no handler ever yields mid-execution.
func (l *Loop) idle(stop <-chan struct{}) bool {
	l.crit.Exit()
	select {
	case <-l.wake:
	case <-stop:
		l.crit.Enter()
		return false
	}
	l.crit.Enter()
	return true
}

// Signal wakes a loop blocked in idle. Safe to call from any goroutine,
// including one that is not the loop's own and does not hold the
// scheduler mutex (e.g. a PHY driver's completion callback).
func (l *Loop) Signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) signal() { l.Signal() }

// --- tick-timer plant glue (C4, wired through the Loop that owns it) ---

// Tick advances the tick-timer plant by one period. A host binary calls
// this from its platform tick ISR (or, on a polled bare-metal target,
// from its main loop at the configured cadence).
func (l *Loop) Tick() { l.timers.Tick() }

// Now returns the current tick count.
func (l *Loop) Now() uint32 { return l.timers.Now() }

// ShortestActive returns ticks until the next pending timer fires, for
// use by a host's sleep/idle power-management decision.
func (l *Loop) ShortestActive() uint32 { return l.timers.ShortestActive() }

// RequestAt schedules ev for one-shot delivery at absolute tick atTick.
func (l *Loop) RequestAt(ev Event, atTick uint32) int32 {
	return l.timers.RequestAt(l.wrapTimerEvent(ev), atTick)
}

// RequestIn schedules ev for one-shot delivery deltaTicks from now.
func (l *Loop) RequestIn(ev Event, deltaTicks uint32) int32 {
	return l.timers.RequestIn(l.wrapTimerEvent(ev), deltaTicks)
}

// RequestEvery schedules ev for periodic delivery, first firing at
// now+period, then every period ticks thereafter.
func (l *Loop) RequestEvery(ev Event, period uint32) int32 {
	return l.timers.RequestEvery(l.wrapTimerEvent(ev), period)
}

// RequestLegacyMS is the legacy integer-millisecond scheduling API,
// preserved bug-for-bug per spec §9's open question; new code should call
// RequestIn/RequestAt/RequestEvery directly in tick units.
func (l *Loop) RequestLegacyMS(ev Event, ms uint32) int32 {
	return l.timers.RequestLegacyMS(l.wrapTimerEvent(ev), ms)
}

func (l *Loop) wrapTimerEvent(ev Event) ticktimer.Event {
	ev.provenance = ProvenanceTimer
	ev.timerOwned = true
	return ticktimer.Event{Receiver: int32(ev.Receiver), EventID: ev.EventID, Data: ev}
}

func (l *Loop) onTimerFire(te ticktimer.Event) {
	ev := te.Data.(Event)

	l.crit.Enter()
	defer l.crit.Exit()

	if _, ok := l.tasklets[ev.Receiver]; !ok {
		l.log.Warn("timer fire dropped: no receiver", map[string]any{"receiver": ev.Receiver, "event": ev.EventID})
		return
	}
	l.sendLocked(&ev)
}
