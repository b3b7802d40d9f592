// Package slottimer implements the high-resolution slot timer (C3): any
// number of logical one-shot timers multiplexed onto a single hardware
// timer. It is grounded on the spec's own state-machine prose (there is no
// single nsdynmemLIB/system_timer.c analogue for this specific
// multiplexing trick — it is distilled directly from the original's
// platform_timer usage). Each logical timer carries a plain State field,
// read and written only inside the Mux's critsec critical section.
package slottimer

import (
	"github.com/nanomesh/core/critsec"
	"github.com/nanomesh/core/logx"
)

// State is the lifecycle of a single logical slot timer.
type State int8

const (
	StateStop State = iota
	StateHold
	StateActive
	StateRunInterrupt
)

func (s State) String() string {
	switch s {
	case StateStop:
		return "stop"
	case StateHold:
		return "hold"
	case StateActive:
		return "active"
	case StateRunInterrupt:
		return "run-interrupt"
	default:
		return "unknown"
	}
}

// Platform is the single hardware one-shot timer this mux drives. Remaining
// reports the number of slots left until the currently armed interrupt
// fires; it is the Go stand-in for reading the hardware's count-down
// register directly, which the real platform_timer port would do.
type Platform interface {
	Arm(slots uint32)
	Remaining() uint32
	Disable()
}

// Callback is invoked, inside the owning Mux's critical section, when a
// logical timer fires. id identifies which logical timer fired.
type Callback func(id int32)

type logical struct {
	id        int32
	state     State
	remaining uint32
	cb        Callback
}

// Option configures a Mux at construction.
type Option func(*Mux)

func WithLogger(l logx.Logger) Option {
	return func(m *Mux) { m.logger = l }
}

// Mux multiplexes logical slot timers onto a single Platform one-shot.
// Every exported method is itself a critical section (via critsec.Section),
// matching the spec's "inside critical section" requirement for start/stop
// and the ISR-context requirement for the interrupt handler; since the
// section is recursive, a caller that already holds the surrounding core
// critical section (the common case, per §5's concurrency model) simply
// nests into it without blocking.
type Mux struct {
	crit critsec.Section

	hw     Platform
	logger logx.Logger
	log    *logx.Scoped

	timers map[int32]*logical

	hwRunning    bool
	hwArmedSlots uint32
}

// New creates a Mux driving hw.
func New(hw Platform, opts ...Option) *Mux {
	m := &Mux{hw: hw, timers: make(map[int32]*logical)}
	for _, o := range opts {
		o(m)
	}
	m.log = logx.With(m.logger, "slottimer")
	return m
}

func (m *Mux) getOrCreate(id int32, cb Callback) *logical {
	t, ok := m.timers[id]
	if !ok {
		t = &logical{id: id}
		m.timers[id] = t
	}
	if cb != nil {
		t.cb = cb
	}
	return t
}

// Start (re)schedules the logical timer id to fire slots platform-timer
// units from now. A requested duration of zero is coerced to one slot, the
// minimum the hardware can represent.
func (m *Mux) Start(id int32, slots uint32, cb Callback) {
	m.crit.Enter()
	defer m.crit.Exit()

	if slots == 0 {
		slots = 1
	}

	t := m.getOrCreate(id, cb)

	if !m.hwRunning {
		t.state = StateHold
		t.remaining = slots
		m.promote()
		return
	}

	hwRemaining := m.hw.Remaining()
	switch {
	case slots < hwRemaining:
		m.hw.Arm(slots)
		m.hwArmedSlots = slots
		for _, o := range m.timers {
			if o.state == StateActive {
				o.state = StateHold
				o.remaining += hwRemaining - slots
			}
		}
		t.state = StateActive
		t.remaining = 0
	case slots > hwRemaining:
		t.state = StateHold
		t.remaining = slots - hwRemaining
	default:
		t.state = StateActive
		t.remaining = 0
	}
}

// Stop clears the logical timer to Stop. If it was the last Active timer,
// the shortest remaining Hold is promoted and armed in its place.
func (m *Mux) Stop(id int32) {
	m.crit.Enter()
	defer m.crit.Exit()

	t, ok := m.timers[id]
	if !ok {
		return
	}
	wasActive := t.state == StateActive
	t.state = StateStop
	t.remaining = 0

	if !wasActive {
		return
	}
	for _, o := range m.timers {
		if o.state == StateActive {
			return
		}
	}
	m.promote()
}

// HWInterrupt is the entry point for the hardware ISR: every Active timer
// transitions to RunInterrupt, the next shortest Hold is promoted and
// armed, and then each fired timer's callback runs — all inside the
// critical section, per the spec's ISR-context contract.
func (m *Mux) HWInterrupt() {
	m.crit.Enter()
	defer m.crit.Exit()

	var fired []*logical
	for _, t := range m.timers {
		if t.state == StateActive {
			t.state = StateRunInterrupt
			fired = append(fired, t)
		}
	}

	m.promote()

	for _, t := range fired {
		t.state = StateStop
		if t.cb != nil {
			t.cb(t.id)
		}
	}
}

// Sleep disables the hardware timer entirely, for low-power entry. Waking
// is left to the caller, via Resume; no other package in this module calls
// Resume.
func (m *Mux) Sleep() {
	m.crit.Enter()
	defer m.crit.Exit()
	m.hw.Disable()
	m.hwRunning = false
}

// Resume re-arms the hardware after Sleep, treating any timer left Active
// (by definition already due) as a zero-remaining Hold so it is promoted
// immediately alongside the rest.
func (m *Mux) Resume() {
	m.crit.Enter()
	defer m.crit.Exit()
	if m.hwRunning {
		return
	}
	for _, t := range m.timers {
		if t.state == StateActive {
			t.state = StateHold
			t.remaining = 0
		}
	}
	m.promote()
}

// promote finds the Hold timer(s) with the smallest remaining delta, arms
// the hardware for that duration, transitions them to Active, and reduces
// every other Hold's remaining by the newly armed amount (since their
// delta was always measured "beyond whatever is currently armed").
func (m *Mux) promote() {
	newArm := uint32(0)
	found := false
	for _, t := range m.timers {
		if t.state != StateHold {
			continue
		}
		if !found || t.remaining < newArm {
			newArm = t.remaining
			found = true
		}
	}
	if !found {
		m.hwRunning = false
		m.hw.Disable()
		return
	}
	for _, t := range m.timers {
		if t.state != StateHold {
			continue
		}
		if t.remaining == newArm {
			t.state = StateActive
			t.remaining = 0
		} else {
			t.remaining -= newArm
		}
	}
	m.hw.Arm(newArm)
	m.hwRunning = true
	m.hwArmedSlots = newArm
}

// State reports the current lifecycle state of a logical timer, Stop if it
// has never been started.
func (m *Mux) State(id int32) State {
	m.crit.Enter()
	defer m.crit.Exit()
	if t, ok := m.timers[id]; ok {
		return t.state
	}
	return StateStop
}
