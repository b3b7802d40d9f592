package mac

import (
	"context"
	"math/rand"

	"github.com/nanomesh/core/critsec"
	"github.com/nanomesh/core/evtloop"
	"github.com/nanomesh/core/logx"
	"github.com/nanomesh/core/phy"
	"github.com/nanomesh/core/slottimer"
	"github.com/nanomesh/core/ticktimer"
)

// Event types the Mac's own tasklet dispatches on internally, driving the
// CSMA/ACK/indirect-TTL/scan deadlines through the shared event loop
// (spec's dataflow: "periodic and deadline-based events schedule through
// C4"; delivery always arrives as a C5 event, per spec §5's timeout
// contract).
const (
	evCCAExpiry int32 = iota
	evAckTimeout
	evIndirectSweep
	evScanStep
	evEnhancedAckDone
	evHWTick
)

// DataConfirmFunc reports the outcome of an MCPS-DATA.request.
type DataConfirmFunc func(handle uint8, status Status, ccaRetries, txRetries uint8, timestampUS uint32)

// DataIndicationFunc delivers a received data frame upward.
type DataIndicationFunc func(pf *ParsedFrame)

// PurgeConfirmFunc reports the outcome of an MCPS-PURGE.request.
type PurgeConfirmFunc func(handle uint8, status Status)

// CommStatusFunc reports an MLME-COMM-STATUS.indication (security drops,
// CSMA exhaustion forced radio cycles).
type CommStatusFunc func(status Status, src, dst Address)

// Option configures a Mac at construction.
type Option func(*Mac)

func WithLogger(l logx.Logger) Option { return func(m *Mac) { m.logger = l } }

// WithCSMAExtension enables driver-timed CSMA (spec §4.6.2): the MAC
// computes an absolute PHY transmit time instead of arming its own
// slot-timer CCA.
func WithCSMAExtension(enabled bool) Option {
	return func(m *Mac) { m.csmaExtension = enabled }
}

// WithFHSS enables FHSS coordination: broadcast queue gating, multi-CCA
// backoff pull-in, and beacon synch-info stripping.
func WithFHSS(multiCCAIntervalUS uint32) Option {
	return func(m *Mac) { m.fhss = true; m.multiCCAIntervalUS = multiCCAIntervalUS }
}

// Mac is the MAC state core (C6): PIB, device/key tables, TX/indirect
// queues, and the CSMA-CA/scan/beacon state machines, all serialized
// under a single critical section per spec §5 (all MAC SAP handlers
// execute serially on the event-loop thread).
type Mac struct {
	crit critsec.Section

	logger logx.Logger
	log    *logx.Scoped

	PIB     *PIB
	Keys    *KeyTable
	Devices *DeviceTable

	driver phy.Driver
	slots  *slottimer.Mux
	loop   *evtloop.Loop
	self   *evtloop.Tasklet

	unicastQ   FrameQueue
	broadcastQ FrameQueue
	indirect   map[uint16]*FrameQueue // per-destination pending queues

	active     *Frame // the one frame a radio may transmit at a time (spec invariant P2)
	activeBE   uint8
	activeCCA  uint8
	seqData    uint8
	seqBeacon  uint8

	csmaExtension bool
	fhss          bool
	multiCCAIntervalUS uint32
	broadcastChannelActive bool

	indirectTimeoutTicks uint32 // TTL, default 7000ms worth of ticks
	indirectSweepArmed   bool

	dataConfirm    DataConfirmFunc
	dataIndication DataIndicationFunc
	purgeConfirm   PurgeConfirmFunc
	commStatus     CommStatusFunc

	scan        *scanState
	scanConfirm ScanConfirmFunc

	savedActive *Frame // TX setup preempted by an in-flight enhanced ACK build

	rng *rand.Rand
}

// New creates a Mac wired to driver and loop. loop must already be
// running (or driven by RunUntilIdle/Run) since New registers an internal
// tasklet through it for CSMA/ACK/scan/indirect-TTL timeouts.
func New(driver phy.Driver, loop *evtloop.Loop, opts ...Option) (*Mac, error) {
	m := &Mac{
		PIB:     NewPIB(),
		Keys:    NewKeyTable(),
		Devices: NewDeviceTable(),
		driver:  driver,
		loop:    loop,
		indirect: make(map[uint16]*FrameQueue),
		indirectTimeoutTicks: 700, // 7000ms @ 10ms ticks, spec §4.6.3 default
		rng:     rand.New(rand.NewSource(1)),
	}
	for _, o := range opts {
		o(m)
	}
	m.log = logx.With(m.logger, "mac")

	tasklet, err := loop.HandlerCreate(m.handleInternalEvent, -1)
	if err != nil {
		return nil, err
	}
	m.self = tasklet

	hwTimer := &macPlatformTimer{m: m}
	m.slots = slottimer.New(hwTimer, slottimer.WithLogger(m.logger))

	driver.SetTXDoneCB(m.onPHYTxDone)
	return m, nil
}

// macPlatformTimer adapts slottimer.Platform onto the one hardware one-shot
// register a real platform port would supply (spec §6.3's platform_timer
// contract): here the register is stood in for by a single outstanding
// tick-timer request on the shared loop, i.e. one slot equals one tick.
// Remaining is computed from the last-armed absolute deadline rather than
// read back from real hardware, which is the one simplification this
// software stand-in makes.
type macPlatformTimer struct {
	m        *Mac
	armed    bool
	deadline uint32
}

func (t *macPlatformTimer) Arm(slots uint32) {
	t.armed = true
	t.deadline = t.m.loop.Now() + slots
	t.m.loop.RequestIn(evtloop.Event{
		Receiver: t.m.self.ID, EventID: evHWTick, EventType: evHWTick, Priority: evtloop.PriorityHigh,
	}, slots)
}

func (t *macPlatformTimer) Remaining() uint32 {
	if !t.armed {
		return 0
	}
	now := t.m.loop.Now()
	if ticktimer.TicksBeforeOrAt(t.deadline, now) {
		return 0
	}
	return t.deadline - now
}

func (t *macPlatformTimer) Disable() {
	if !t.armed {
		return
	}
	t.armed = false
	_ = t.m.loop.CancelTimer(t.m.self.ID, evHWTick)
}

func (m *Mac) handleInternalEvent(ev *evtloop.Event) {
	m.crit.Enter()
	defer m.crit.Exit()

	switch ev.EventType {
	case evCCAExpiry:
		m.onCCAExpiry()
	case evAckTimeout:
		m.onAckTimeout()
	case evIndirectSweep:
		m.sweepIndirectExpired()
	case evScanStep:
		m.onScanStep()
	case evEnhancedAckDone:
		m.onEnhancedAckDone()
	case evHWTick:
		m.slots.HWInterrupt()
	}
}

func (m *Mac) nextDataSeq() uint8 {
	s := m.seqData
	m.seqData++
	return s
}

func (m *Mac) nextBeaconSeq() uint8 {
	s := m.seqBeacon
	m.seqBeacon++
	return s
}

// onPHYTxDone is the ISR-context entry point a driver calls once a PHYTx it
// accepted completes (spec §6.1's phy_tx_done_cb). It wakes the event loop
// and then completes the TX immediately, running onTXDone inside the Mac's
// critical section rather than posting an event for it.
func (m *Mac) onPHYTxDone(driverID int8, txHandle uint8, status phy.TXStatus, ccaRetries, txRetries uint8) {
	m.loop.Signal()
	m.crit.Enter()
	defer m.crit.Exit()
	m.onTXDone(status, ccaRetries, txRetries)
}

// wrapInternalEvent builds the evtloop.Event used to schedule one of the
// Mac's own internal deadlines (ack-wait, indirect sweep, scan step): the
// EventID is set to the deadline's category constant so CancelTimer can
// address it individually even while several categories are concurrently
// pending against the same receiver tasklet.
func wrapInternalEvent(receiver int8, id int32) evtloop.Event {
	return evtloop.Event{Receiver: receiver, EventID: id, EventType: id, Priority: evtloop.PriorityHigh}
}

func (m *Mac) submitPHYTx(f *Frame, raw []byte) {
	ctx := context.Background()
	if err := m.driver.PHYTx(ctx, raw, f.MSDUHandle); err != nil {
		m.log.Warn("phy tx rejected", map[string]any{"err": err.Error()})
		m.finishActive(StatusTRXOff)
	}
}
