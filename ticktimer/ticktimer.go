// Package ticktimer implements the low-resolution tick timer and the
// ordered system-timer list it drives (C4): a fixed-period tick
// incrementing a wrap-safe u32 counter, and an ascending-by-launch-tick
// list of pending events delivered to the event loop (C5) when due.
//
// It is grounded directly on system_timer.c: timer_sys_ticks (read/written
// only inside the critical section), the TICKS_BEFORE/TICKS_BEFORE_OR_AT
// wrap-safe comparisons, the ordered-insertion rule in timer_sys_add
// (first entry whose launch is strictly after the new one wins
// insert-before; ties preserve request order by appending after equal
// entries), the pop-while-due scan in timer_sys_tick_update, and the
// periodic re-arm policy in timer_sys_event_free (advance by period; if
// already overdue, redeliver immediately instead of re-queuing).
package ticktimer

import (
	"errors"

	"github.com/nanomesh/core/critsec"
	"github.com/nanomesh/core/logx"
)

// ErrTimerIDInvalid is returned by Cancel when no pending entry matches
// the given (receiver, eventID) pair.
var ErrTimerIDInvalid = errors.New("ticktimer: timer id invalid")

// TicksBefore reports whether a is strictly before b, wrap-safe across the
// u32 range (mirrors system_timer.c's TICKS_BEFORE macro: the comparison
// is done on the signed difference, so it remains correct across a single
// wraparound).
func TicksBefore(a, b uint32) bool {
	return int32(a-b) < 0
}

// TicksBeforeOrAt reports whether a is before or equal to b, wrap-safe.
func TicksBeforeOrAt(a, b uint32) bool {
	return int32(a-b) <= 0
}

// Event is the payload a system timer delivers once due. The System's
// DispatchFunc is the callback invoked (by Tick, inside the critical
// section) with the entry that fired; it plays the role the spec assigns to handing the backing
// Event to the event loop's queue.
type Event struct {
	Receiver int32
	EventID  int32
	Data     any
}

// DispatchFunc delivers a due (or immediately-fired) Event to the event
// loop. It is called with the System's critical section held, matching
// the spec's "tick timer pushes to the event queue inside the critical
// section" contract; DispatchFunc implementations must not block.
type DispatchFunc func(Event)

type entry struct {
	id         int32
	launchTick uint32
	periodTick uint32 // 0 = one-shot
	event      Event
	next       *entry
}

// System owns the monotonic tick counter and the ordered pending-timer
// list. The zero value is not usable; construct with New.
type System struct {
	mu critsec.Section

	logger logx.Logger
	log    *logx.Scoped

	tickPeriodMS uint32
	dispatch     DispatchFunc

	ticks uint32
	head  *entry
	nextID int32
}

// Option configures a System at construction.
type Option func(*System)

// WithLogger attaches structured logging for timer-list transitions.
func WithLogger(l logx.Logger) Option {
	return func(s *System) { s.logger = l }
}

// New creates a System with the given tick period (milliseconds) and the
// function used to deliver due events. tickPeriodMS must evenly divide
// 1000, per the spec's build-time requirement; New panics otherwise, since
// this is a construction-time configuration error, not a runtime fault.
func New(tickPeriodMS uint32, dispatch DispatchFunc, opts ...Option) *System {
	if tickPeriodMS == 0 || 1000%tickPeriodMS != 0 {
		panic("ticktimer: tick period must evenly divide 1000ms")
	}
	s := &System{tickPeriodMS: tickPeriodMS, dispatch: dispatch}
	for _, o := range opts {
		o(s)
	}
	s.log = logx.With(s.logger, "ticktimer")
	return s
}

// Now returns the current tick count.
func (s *System) Now() uint32 {
	s.mu.Enter()
	defer s.mu.Exit()
	return s.ticks
}

// Tick advances the tick counter by one and delivers every entry whose
// launch tick is now before-or-at the counter, in ascending launch-tick
// order (ties in request order, since the list is kept sorted that way).
// Mirrors timer_sys_tick_update.
func (s *System) Tick() {
	s.mu.Enter()
	defer s.mu.Exit()

	s.ticks++
	s.popDue()
}

func (s *System) popDue() {
	for s.head != nil && TicksBeforeOrAt(s.head.launchTick, s.ticks) {
		e := s.head
		s.head = e.next
		s.deliver(e)
	}
}

func (s *System) deliver(e *entry) {
	s.log.Debug("timer fired", map[string]any{"id": e.id, "launch": e.launchTick})
	if s.dispatch != nil {
		s.dispatch(e.event)
	}
	if e.periodTick == 0 {
		return
	}
	e.launchTick += e.periodTick
	if TicksBeforeOrAt(e.launchTick, s.ticks) {
		// Still overdue after advancing by one period: fire again
		// immediately instead of re-queuing, per timer_sys_event_free.
		s.deliver(e)
		return
	}
	s.insert(e)
}

func (s *System) insert(e *entry) {
	if s.head == nil || TicksBefore(e.launchTick, s.head.launchTick) {
		e.next = s.head
		s.head = e
		return
	}
	cur := s.head
	for cur.next != nil && !TicksBefore(e.launchTick, cur.next.launchTick) {
		cur = cur.next
	}
	e.next = cur.next
	cur.next = e
}

// RequestAt schedules a one-shot delivery of ev at absolute tick atTick.
// If atTick is already due, ev is delivered immediately (still inside the
// critical section, as if it had just fired).
func (s *System) RequestAt(ev Event, atTick uint32) int32 {
	s.mu.Enter()
	defer s.mu.Exit()
	return s.requestAtLocked(ev, atTick, 0)
}

// RequestIn schedules a one-shot delivery of ev deltaTicks from now.
func (s *System) RequestIn(ev Event, deltaTicks uint32) int32 {
	s.mu.Enter()
	defer s.mu.Exit()
	return s.requestAtLocked(ev, s.ticks+deltaTicks, 0)
}

// RequestEvery schedules a periodic delivery of ev, first firing at
// now+period, then every period ticks thereafter.
func (s *System) RequestEvery(ev Event, period uint32) int32 {
	s.mu.Enter()
	defer s.mu.Exit()
	return s.requestAtLocked(ev, s.ticks+period, period)
}

func (s *System) requestAtLocked(ev Event, atTick uint32, period uint32) int32 {
	s.nextID++
	id := s.nextID
	e := &entry{id: id, launchTick: atTick, periodTick: period, event: ev}
	if TicksBeforeOrAt(atTick, s.ticks) {
		s.deliver(e)
		return id
	}
	s.insert(e)
	return id
}

// RequestLegacyMS is the legacy integer-millisecond scheduling API,
// preserved verbatim per spec §9's open question: the original's rounding
// rule is documented upstream as surprising ("someone wanting 50ms
// shouldn't get 6 ticks") but is kept bug-for-bug compatible here. New
// code should call RequestIn/RequestAt directly in tick units.
func (s *System) RequestLegacyMS(ev Event, ms uint32) int32 {
	ticks := legacyMSToTicks(ms, s.tickPeriodMS)
	return s.RequestIn(ev, ticks)
}

func legacyMSToTicks(ms, tickPeriodMS uint32) uint32 {
	if ms <= 2*tickPeriodMS {
		return 2
	}
	return (ms+tickPeriodMS-1)/tickPeriodMS + 1
}

// Cancel removes the pending entry for (receiver, eventID) from the
// system-timer list, returning ErrTimerIDInvalid if none matches. Per
// spec §4.4, looking up an already-queued (delivered but not yet
// processed) event is the event loop's job, not this package's: Cancel
// only ever searches the pending list.
func (s *System) Cancel(receiver, eventID int32) error {
	s.mu.Enter()
	defer s.mu.Exit()

	var prev *entry
	for cur := s.head; cur != nil; cur = cur.next {
		if cur.event.Receiver == receiver && cur.event.EventID == eventID {
			if prev == nil {
				s.head = cur.next
			} else {
				prev.next = cur.next
			}
			return nil
		}
		prev = cur
	}
	return ErrTimerIDInvalid
}

// ShortestActive returns the number of ticks until the next pending
// timer fires: 1 if a pending entry is already overdue (should not
// normally occur since Tick drains due entries eagerly, but preserved for
// parity with eventOS_event_timer_shortest_active_timer, which can race
// the tick update on some targets), 0 if nothing is pending. Exposed to
// hosts through evtloop.Loop.ShortestActive; the event loop's own idle
// wait does not consult it.
func (s *System) ShortestActive() uint32 {
	s.mu.Enter()
	defer s.mu.Exit()

	if s.head == nil {
		return 0
	}
	if TicksBeforeOrAt(s.head.launchTick, s.ticks) {
		return 1
	}
	return s.head.launchTick - s.ticks
}
