// Package datapoll implements the sleepy-end-device data-poll state
// machine (C7): periodic MLME-POLL requests for a device that keeps its
// radio off between polls, with fast/slow/always-on cadences and
// consecutive-failure tracking (spec §4.7).
package datapoll

import (
	"github.com/nanomesh/core/critsec"
	"github.com/nanomesh/core/evtloop"
	"github.com/nanomesh/core/logx"
)

// Mode selects the poll cadence.
type Mode int

const (
	// ModeRxOnIdle keeps the radio on continuously; polling is disabled.
	ModeRxOnIdle Mode = iota
	// ModeFastPoll polls at a fixed ~300ms cadence, used during attach
	// and while a protocol poll request is pending.
	ModeFastPoll
	// ModeSlowPoll polls at an app-configured period, falling back
	// through FastPoll whenever the host was previously RxOnIdle.
	ModeSlowPoll
)

// Result is the outcome MLME-POLL.confirm reports for one poll.
type Result int

const (
	ResultData Result = iota
	ResultNoData
	ResultFailure
)

// PollFunc triggers one MLME-POLL.request against the parent. Its
// outcome arrives asynchronously through Machine.PollConfirm.
type PollFunc func(parent uint16) error

// PollFailFunc is invoked after maxConsecutiveFailures unsuccessful
// polls in a row (typically triggers a parent reattach upstream).
type PollFailFunc func()

// RadioOffFunc powers the radio down between polls. Called only when
// the host's macRxOnWhenIdle attribute is false (queried via the
// RxOnIdle option, not this package's own Mode).
type RadioOffFunc func()

const evPollDue int32 = 1

// ticksPerSecond assumes the shared event loop's tick period is 10ms,
// matching mac's own tick-rate assumption (see mac.Mac's
// indirectTimeoutTicks comment).
const ticksPerSecond = 100

const fastPollPeriodTicks = 3 * ticksPerSecond / 10 // 300ms

const maxConsecutiveFailures = 4

const minSlowPollTimeoutSeconds = 32

// Option configures a Machine at construction.
type Option func(*Machine)

func WithLogger(l logx.Logger) Option { return func(m *Machine) { m.logger = l } }

// WithPollFunc registers the function that actually sends a poll.
func WithPollFunc(fn PollFunc) Option { return func(m *Machine) { m.pollFunc = fn } }

// WithPollFailCallback registers the parent-reattach trigger.
func WithPollFailCallback(fn PollFailFunc) Option {
	return func(m *Machine) { m.pollFailCb = fn }
}

// WithRadioOff registers the radio-off hook used after a NO_DATA
// confirm while the host is not RxOnIdle.
func WithRadioOff(fn RadioOffFunc) Option { return func(m *Machine) { m.radioOff = fn } }

// WithRxOnIdle supplies the live macRxOnWhenIdle PIB attribute (spec
// §4.7's "with RxOnIdle off" gate on the immediate-radio-off behavior);
// defaults to always false, i.e. a sleepy device.
func WithRxOnIdle(fn func() bool) Option { return func(m *Machine) { m.rxOnIdle = fn } }

// WithParent sets the initial poll destination.
func WithParent(short uint16) Option { return func(m *Machine) { m.parent = short } }

// WithSlowPollPeriod sets the app-configured SlowPoll period in
// seconds, clamped to the spec's 1s-864001s domain.
func WithSlowPollPeriod(seconds uint32) Option {
	return func(m *Machine) {
		if seconds < 1 {
			seconds = 1
		}
		if seconds > 864001 {
			seconds = 864001
		}
		m.slowPollPeriodSeconds = seconds
	}
}

// Machine is the per-device data-poll state (spec §3.5): mode, next
// poll deadline, parent address, consecutive-failure count, and the
// pending protocol-poll nesting counter (spec §9/original_source
// supplement, Part D item 1).
type Machine struct {
	crit critsec.Section

	logger logx.Logger
	log    *logx.Scoped

	loop *evtloop.Loop
	self *evtloop.Tasklet

	mode   Mode
	parent uint16

	slowPollPeriodSeconds uint32

	consecutiveFailures int
	protocolPollDepth   int // BeginProtocolPoll/EndProtocolPoll nesting

	armed bool

	pollFunc   PollFunc
	pollFailCb PollFailFunc
	radioOff   RadioOffFunc
	rxOnIdle   func() bool
}

// New creates a Machine driven by loop. loop must already be running
// (or driven via RunUntilIdle/Run) since New registers an internal
// tasklet for the poll-due timeout.
func New(loop *evtloop.Loop, opts ...Option) (*Machine, error) {
	m := &Machine{
		loop:                  loop,
		mode:                  ModeRxOnIdle,
		slowPollPeriodSeconds: 60,
		rxOnIdle:              func() bool { return false },
	}
	for _, o := range opts {
		o(m)
	}
	m.log = logx.With(m.logger, "datapoll")

	tasklet, err := loop.HandlerCreate(m.handleEvent, -1)
	if err != nil {
		return nil, err
	}
	m.self = tasklet
	return m, nil
}

func (m *Machine) handleEvent(ev *evtloop.Event) {
	m.crit.Enter()
	defer m.crit.Exit()
	if ev.EventType == evPollDue {
		m.firePoll()
	}
}

// SetMode switches the poll cadence. Entering ModeRxOnIdle cancels any
// pending poll deadline; entering FastPoll/SlowPoll (re)arms one.
func (m *Machine) SetMode(mode Mode) {
	m.crit.Enter()
	defer m.crit.Exit()
	prev := m.mode
	m.mode = mode
	if mode == ModeRxOnIdle {
		m.disarm()
		return
	}
	if prev == ModeRxOnIdle && mode == ModeSlowPoll {
		m.schedule(fastPollPeriodTicks)
		return
	}
	m.schedule(m.nextPeriodTicks())
}

// BeginProtocolPoll requests a temporary fast-poll window layered over
// the configured mode (spec §9 supplement, original_source's
// protocol_poll): nested requests compose via a reference count. The
// first caller to raise the count above zero re-arms the poll deadline
// at the fast cadence immediately.
func (m *Machine) BeginProtocolPoll() {
	m.crit.Enter()
	defer m.crit.Exit()
	m.protocolPollDepth++
	if m.protocolPollDepth == 1 && m.mode != ModeRxOnIdle {
		m.schedule(fastPollPeriodTicks)
	}
}

// EndProtocolPoll releases one nested protocol-poll request. It is a
// no-op once the count reaches zero (excess releases are ignored
// rather than going negative).
func (m *Machine) EndProtocolPoll() {
	m.crit.Enter()
	defer m.crit.Exit()
	if m.protocolPollDepth == 0 {
		return
	}
	m.protocolPollDepth--
}

// PollConfirm reports the outcome of the poll last sent via PollFunc.
func (m *Machine) PollConfirm(result Result) {
	m.crit.Enter()
	defer m.crit.Exit()

	switch result {
	case ResultData:
		m.consecutiveFailures = 0
		m.scheduleNext()
	case ResultNoData:
		m.consecutiveFailures = 0
		if !m.rxOnIdle() && m.radioOff != nil {
			m.radioOff()
		}
		m.scheduleNext()
	case ResultFailure:
		m.consecutiveFailures++
		if m.consecutiveFailures >= maxConsecutiveFailures {
			if m.pollFailCb != nil {
				m.pollFailCb()
			}
			return
		}
		m.scheduleNext()
	}
}

// scheduleNext arms the next poll at the fast cadence while a protocol
// poll is pending, otherwise at the mode's normal cadence.
func (m *Machine) scheduleNext() {
	if m.mode == ModeRxOnIdle {
		return
	}
	m.schedule(m.nextPeriodTicks())
}

func (m *Machine) nextPeriodTicks() uint32 {
	if m.protocolPollDepth > 0 || m.mode == ModeFastPoll {
		return fastPollPeriodTicks
	}
	return m.slowPollPeriodSeconds * ticksPerSecond
}

// SlowPollTimeoutTicks is the inactivity deadline a caller should use
// to judge a parent unreachable while in ModeSlowPoll: max(32s, 4x the
// configured period), per spec §4.7.
func (m *Machine) SlowPollTimeoutTicks() uint32 {
	m.crit.Enter()
	defer m.crit.Exit()
	seconds := uint32(minSlowPollTimeoutSeconds)
	if v := 4 * m.slowPollPeriodSeconds; v > seconds {
		seconds = v
	}
	return seconds * ticksPerSecond
}

func (m *Machine) schedule(ticks uint32) {
	m.disarm()
	m.armed = true
	m.loop.RequestIn(evtloop.Event{
		Receiver: m.self.ID, EventID: evPollDue, EventType: evPollDue, Priority: evtloop.PriorityMed,
	}, ticks)
}

func (m *Machine) disarm() {
	if !m.armed {
		return
	}
	m.armed = false
	_ = m.loop.CancelTimer(m.self.ID, evPollDue)
}

func (m *Machine) firePoll() {
	if m.mode == ModeRxOnIdle || m.pollFunc == nil {
		return
	}
	if err := m.pollFunc(m.parent); err != nil {
		m.log.Warn("poll request failed", map[string]any{"err": err.Error()})
		m.PollConfirm(ResultFailure)
		return
	}
}

// SetParent updates the poll destination (e.g. after a reattach).
func (m *Machine) SetParent(short uint16) {
	m.crit.Enter()
	defer m.crit.Exit()
	m.parent = short
}
