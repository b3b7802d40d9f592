package mac

// enhancedAckCCADisabledSlots is the fixed "now + 300µs" CCA-disabled ACK
// transmit deadline (spec §4.6.4), in the platform stand-in's slot units
// (50µs/slot).
const enhancedAckCCADisabledSlots = 6

// BuildEnhancedAck constructs and transmits a version-2015 Enhanced ACK
// in response to req, preempting any in-progress TX setup (spec §4.6.4):
// the active frame's CCA/backoff stage is aborted (its buffer kept for
// resumption) and the ACK is sent at a fixed, CCA-disabled deadline ahead
// of resuming the preempted frame with a fresh backoff.
func (m *Mac) BuildEnhancedAck(req *ParsedFrame, headerIEs, payloadIEs []IE, secured bool) {
	m.crit.Enter()
	defer m.crit.Exit()

	if m.active != nil {
		m.slots.Stop(csmaTimerID)
		m.savedActive = m.active
		m.active = nil
	}

	ack := &Frame{
		Type: FrameTypeAck, Version: FrameVersion2015, Seq: req.Seq,
		HeaderIEs: headerIEs, PayloadIEs: payloadIEs, IEPresent: len(headerIEs)+len(payloadIEs) > 0,
	}

	if secured && req.Security != nil {
		ack.Security = &SecurityAux{Level: req.Security.Level, KeyIDMode: req.Security.KeyIDMode, KeyIndex: req.Security.KeyIndex}
		if kd, err := m.Keys.Resolve(ack.Security.KeyIDMode, ack.Security.KeyIndex); err == nil {
			extAddr, _ := m.PIB.Get(AttrExtendedAddress)
			_ = m.encryptFrame(ack, kd, extAddr.(uint64))
		}
	}

	m.active = ack
	m.activeBE = 0
	m.activeCCA = 0
	m.slots.Start(csmaTimerID, enhancedAckCCADisabledSlots, func(int32) { m.onEnhancedAckExpiry() })
}

func (m *Mac) onEnhancedAckExpiry() {
	m.submitActive()
}

// onEnhancedAckDone is reached once the preempting ACK's PHYTx completes;
// it resumes the preempted frame, if any, with a fresh backoff.
func (m *Mac) onEnhancedAckDone() {
	m.active = nil
	if m.savedActive == nil {
		m.kickTX()
		return
	}
	f := m.savedActive
	m.savedActive = nil
	m.beginTX(f)
}
