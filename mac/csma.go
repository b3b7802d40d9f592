package mac

import (
	"github.com/nanomesh/core/phy"
)

// csmaTimerID is the single logical slot timer id the Mac drives its own
// backoff through (one active TX at a time, spec §3.4 invariant a, so one
// logical timer suffices).
const csmaTimerID int32 = 1

// unitBackoffSlots is aUnitBackoffPeriod, 20 symbols per IEEE
// 802.15.4-2015 Table 8-81, expressed in C3 slot units for the software
// platform stand-in by counting one symbol as one 50µs slot (an O-QPSK
// 250kbps symbol is 16µs, about 0.32 slots; this host-side model does not
// scale it).
const unitBackoffSlots = 20

// kickTX dequeues and begins transmitting the next eligible frame, if the
// radio is idle and nothing is already active. No-op if the queues are
// empty or the FHSS broadcast gate blocks everything currently queued.
func (m *Mac) kickTX() {
	if m.active != nil {
		return
	}
	if m.scan != nil && m.scan.active {
		return
	}
	f := m.dequeueNext()
	if f == nil {
		return
	}
	m.beginTX(f)
}

// dequeueNext implements the TX queue policy of spec §4.6.8: FHSS
// broadcast-channel-first selection, the broadcastDisabled gate (which,
// per this module's resolution of the spec's open question, blocks both
// queues under FHSS rather than just the broadcast queue), and the
// non-FHSS rule restricting a broadcastDisabled radio to ack-requesting
// unicast frames only.
func (m *Mac) dequeueNext() *Frame {
	broadcastDisabled, _ := m.PIB.Get(AttrBroadcastDisabled)
	disabled, _ := broadcastDisabled.(bool)

	if m.fhss {
		if disabled {
			return nil
		}
		if m.broadcastChannelActive {
			if f := m.broadcastQ.Pop(); f != nil {
				return f
			}
			return m.unicastQ.Pop()
		}
		return m.unicastQ.Pop()
	}

	if disabled {
		return m.unicastQ.PopMatching(func(f *Frame) bool { return f.AckRequest })
	}
	if f := m.unicastQ.Pop(); f != nil {
		return f
	}
	return m.broadcastQ.Pop()
}

func (m *Mac) beginTX(f *Frame) {
	m.active = f
	minBE, _ := m.PIB.Get(AttrMinBE)
	m.activeBE = minBE.(uint8)
	m.activeCCA = 0
	m.armBackoff()
}

// armBackoff draws a random backoff in unit-backoff periods from
// [0, 2^BE-1] (spec §4.6.2) and either hands an absolute TX time to a
// CSMA-extension-capable driver, or arms the slot timer and waits for its
// expiry to perform CCA.
func (m *Mac) armBackoff() {
	window := (uint32(1) << m.activeBE) - 1
	units := uint32(0)
	if window > 0 {
		units = uint32(m.rng.Int63n(int64(window) + 1))
	}
	backoffSlots := units * unitBackoffSlots
	if backoffSlots == 0 {
		backoffSlots = 1
	}

	if m.csmaExtension {
		periods := uint32(1)
		deadlinePullInUS := uint32(0)
		if m.fhss {
			periods = 2
			deadlinePullInUS = (periods - 1) * m.multiCCAIntervalUS
		}
		now := uint32(0)
		if v, err := m.driver.Extension(phy.ExtGetTimestamp, nil); err == nil {
			now, _ = v.(uint32)
		}
		_, _ = m.driver.Extension(phy.ExtSetTXTime, now+backoffSlots*50-deadlinePullInUS)
		m.submitActive()
		return
	}

	m.slots.Start(csmaTimerID, backoffSlots, func(int32) { m.onCCAExpiry() })
}

// onCCAExpiry is the slot-timer callback at backoff expiry: it performs
// PLME-CCA by handing the frame to the PHY driver. The driver reports the
// actual CCA/TX outcome asynchronously via onPHYTxDone.
func (m *Mac) onCCAExpiry() {
	if m.active == nil {
		return
	}
	m.submitActive()
}

func (m *Mac) submitActive() {
	f := m.active
	if f.wire == nil {
		raw, err := Build(f)
		if err != nil {
			m.finishActive(StatusFrameTooLong)
			return
		}
		f.wire = raw
	}
	m.submitPHYTx(f, f.wire)
}

// onTXDone is reached from onPHYTxDone once a PHYTx this module submitted
// completes (spec §4.6.2's CCA-busy/TX-done handling).
func (m *Mac) onTXDone(status phy.TXStatus, ccaRetries, txRetries uint8) {
	f := m.active
	if f == nil {
		return
	}

	if f.Type == FrameTypeAck {
		switch status {
		case phy.TXStatusChannelBusy:
			m.onEnhancedAckExpiry()
		default:
			m.onEnhancedAckDone()
		}
		return
	}

	switch status {
	case phy.TXStatusChannelBusy:
		m.onCCABusy()
	case phy.TXStatusNoAck:
		m.onAckFailure()
	case phy.TXStatusFail:
		m.finishActive(StatusTRXOff)
	case phy.TXStatusSuccess:
		if f.AckRequest {
			m.loop.RequestIn(wrapInternalEvent(m.self.ID, evAckTimeout), ackWaitTicks)
			return
		}
		m.finishActive(StatusSuccess)
	}
}

// ackWaitTicks stands in for mac_ack_wait_duration (spec §4.6.2),
// expressed in the loop's tick units rather than slots since the software
// ack-wait path here runs through C4/C5 rather than C3.
const ackWaitTicks = 5

// onCCABusy handles one busy CCA result. macMaxCSMABackoffs bounds the
// number of *retries* after the initial attempt (spec §4.6.2/S6: with
// macMaxCSMABackoffs=4, exactly 5 total CCA attempts occur — the initial
// one plus 4 retries — before the confirm reports cca_retries=4). activeCCA
// therefore counts retries already spent, checked before it is spent on
// this one, not attempts already made.
func (m *Mac) onCCABusy() {
	f := m.active
	maxBackoffs, _ := m.PIB.Get(AttrMaxCSMABackoffs)
	if m.activeCCA >= maxBackoffs.(uint8) {
		f.CCARetries = int(m.activeCCA)
		m.finishActive(StatusBusyChannel)
		return
	}
	m.activeCCA++
	maxBE, _ := m.PIB.Get(AttrMaxBE)
	if m.activeBE < maxBE.(uint8) {
		m.activeBE++
	}
	m.armBackoff()
}

// onAckTimeout fires when the software ack-wait deadline elapses with no
// matching ACK having arrived (see onAckReceived in sap.go).
func (m *Mac) onAckTimeout() {
	if m.active == nil {
		return
	}
	m.onAckFailure()
}

func (m *Mac) onAckFailure() {
	f := m.active
	f.TXRetries++
	maxRetries, _ := m.PIB.Get(AttrMaxFrameRetries)
	if f.TXRetries > int(maxRetries.(uint8)) {
		m.finishActive(StatusNoAck)
		return
	}
	minBE, _ := m.PIB.Get(AttrMinBE)
	m.activeBE = minBE.(uint8)
	m.activeCCA = 0
	m.armBackoff()
}

// onAckReceived is called by the RX path when an incoming ACK's sequence
// number matches the frame currently awaiting one.
func (m *Mac) onAckReceived(seq uint8) {
	if m.active == nil || m.active.Seq != seq {
		return
	}
	_ = m.loop.CancelTimer(m.self.ID, evAckTimeout)
	m.finishActive(StatusSuccess)
}

func (m *Mac) finishActive(status Status) {
	f := m.active
	if f == nil {
		return
	}
	m.slots.Stop(csmaTimerID)
	f.Status = status
	m.active = nil

	if m.dataConfirm != nil {
		m.dataConfirm(f.MSDUHandle, status, uint8(f.CCARetries), uint8(f.TXRetries), m.loop.Now())
	}
	m.kickTX()
}
