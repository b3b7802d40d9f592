package mac

// WithDataConfirm registers the MCPS-DATA.confirm sink.
func WithDataConfirm(fn DataConfirmFunc) Option { return func(m *Mac) { m.dataConfirm = fn } }

// WithDataIndication registers the MCPS-DATA.indication sink.
func WithDataIndication(fn DataIndicationFunc) Option { return func(m *Mac) { m.dataIndication = fn } }

// WithPurgeConfirm registers the MCPS-PURGE.confirm sink.
func WithPurgeConfirm(fn PurgeConfirmFunc) Option { return func(m *Mac) { m.purgeConfirm = fn } }

// WithCommStatus registers the MLME-COMM-STATUS.indication sink.
func WithCommStatus(fn CommStatusFunc) Option { return func(m *Mac) { m.commStatus = fn } }

// DataRequest is one MCPS-DATA.request (spec §4.6.1).
type DataRequest struct {
	DstMode    AddrMode
	DstPAN     uint16
	Dst        Address
	MSDUHandle uint8
	Payload    []byte
	Priority   int8

	AckRequest bool
	InDirect   bool
	Async      bool // no ACK permitted, per step 1's validation rule

	SecurityLevel SecurityLevel
	KeyIDMode     KeyIDMode
	KeyIndex      uint8
}

// DataRequest implements MCPS-DATA.request: the frame-construction
// pipeline of spec §4.6.1 steps 1-6, followed by enqueue (direct or
// indirect per req.InDirect) and an immediate kick of the TX pipeline.
// It returns synchronously only the validation outcome; the eventual
// transmission result arrives via the registered DataConfirmFunc.
func (m *Mac) DataRequest(req DataRequest) Status {
	m.crit.Enter()
	defer m.crit.Exit()

	if req.Async && req.AckRequest {
		return StatusInvalidParameter
	}
	if len(req.Payload) > m.driver.MTU()-m.driver.HeaderLength()-m.driver.TailLength() {
		return StatusFrameTooLong
	}

	srcMode := AddrModeShort
	shortAddr, _ := m.PIB.Get(AttrShortAddress)
	panID, _ := m.PIB.Get(AttrPANId)
	extAddr, _ := m.PIB.Get(AttrExtendedAddress)

	f := &Frame{
		Type: FrameTypeData, DstMode: req.DstMode, SrcMode: srcMode,
		DstPAN: req.DstPAN, Dst: req.Dst,
		SrcPAN: panID.(uint16), Src: Address{Mode: AddrModeShort, Short: shortAddr.(uint16)},
		AckRequest: req.AckRequest, MSDUHandle: req.MSDUHandle, Payload: req.Payload,
		Priority: req.Priority, InDirectTx: req.InDirect,
	}
	f.PANIDCompressed = PANIDCompression(f.DstMode, f.SrcMode, f.DstPAN, f.SrcPAN)
	f.Seq = m.nextDataSeq()

	if req.SecurityLevel != 0 {
		kd, err := m.Keys.Resolve(req.KeyIDMode, req.KeyIndex)
		if err != nil {
			return StatusUnavailableKey
		}
		f.Security = &SecurityAux{Level: req.SecurityLevel, KeyIDMode: req.KeyIDMode, KeyIndex: req.KeyIndex}
		if err := m.encryptFrame(f, kd, extAddr.(uint64)); err != nil {
			return StatusCounterError
		}
	}

	if req.InDirect {
		m.StoreIndirect(shortAddrOf(req.Dst), f)
		return StatusSuccess
	}

	if req.DstMode == AddrModeShort && req.Dst.Short == 0xffff {
		m.broadcastQ.Push(f)
	} else {
		m.unicastQ.Push(f)
	}
	m.kickTX()
	return StatusSuccess
}

func shortAddrOf(a Address) uint16 {
	if a.Mode == AddrModeShort {
		return a.Short
	}
	return uint16(a.Ext)
}

// encryptFrame draws the local device's own next outgoing frame counter
// (macFrameCounter, spec §4.6.1 step 6), computes the CCM* nonce, and
// authenticates/encrypts the payload in place. srcEUI is this device's
// own extended address, used as the nonce's source-EUI field.
func (m *Mac) encryptFrame(f *Frame, kd KeyDescriptor, srcEUI uint64) error {
	fc, err := m.PIB.NextFrameCounter()
	if err != nil {
		return err
	}
	f.Security.FrameCounter = fc

	cipher, err := newCCMStar(kd.Key)
	if err != nil {
		return err
	}
	header, _ := Build(&Frame{
		Type: f.Type, Version: FrameVersion2015, DstMode: f.DstMode, SrcMode: f.SrcMode,
		DstPAN: f.DstPAN, SrcPAN: f.SrcPAN, Dst: f.Dst, Src: f.Src, PANIDCompressed: f.PANIDCompressed,
		Security: f.Security, Seq: f.Seq,
	})
	nonce := Nonce(srcEUI, fc, f.Security.Level)
	ciphertext, mic := cipher.Encrypt(nonce, header, f.Payload, f.Security.Level.MICLength(), f.Security.Level.Encrypted())
	f.CipherPayload = append(ciphertext, mic...)
	return nil
}

// PurgeRequest implements MCPS-PURGE.request: find handle in the direct
// or indirect queues and discard it (spec §4.6.8).
func (m *Mac) PurgeRequest(handle uint8) Status {
	m.crit.Enter()
	defer m.crit.Exit()

	if m.unicastQ.Remove(handle) != nil {
		m.confirmPurge(handle)
		return StatusPurgeSuccess
	}
	if m.broadcastQ.Remove(handle) != nil {
		m.confirmPurge(handle)
		return StatusPurgeSuccess
	}
	for _, q := range m.indirect {
		if q.Remove(handle) != nil {
			m.confirmPurge(handle)
			return StatusPurgeSuccess
		}
	}
	return StatusInvalidHandle
}

func (m *Mac) confirmPurge(handle uint8) {
	if m.purgeConfirm != nil {
		m.purgeConfirm(handle, StatusPurgeSuccess)
	}
}

// RXIndication is the PD-SAP entry point a PHY driver calls with a
// received frame's raw bytes and radio metadata (spec §6.1/§6.2). It
// parses the MHR, decrypts/authenticates if secured, resolves ACK
// reception against an in-flight TX, and otherwise dispatches the frame
// upward via DataIndicationFunc (or onBeaconReceived for beacons).
func (m *Mac) RXIndication(raw []byte, lqi uint8, rssiDBm int8, timestamp uint32) {
	m.crit.Enter()
	defer m.crit.Exit()

	pf, err := Parse(raw)
	if err != nil {
		m.log.Debug("rx parse error", map[string]any{"err": err.Error()})
		return
	}
	pf.LQI, pf.RSSIDBm, pf.Timestamp = lqi, rssiDBm, timestamp

	if pf.Type == FrameTypeAck {
		m.onAckReceived(pf.Seq)
		return
	}

	if pf.Security != nil {
		dev, ok := m.Devices.ByExt(pf.Src.Ext)
		if !ok {
			m.reportCommStatus(StatusSecurityFail, pf.Src, pf.Dst)
			return
		}
		kd, err := m.Keys.Resolve(pf.Security.KeyIDMode, pf.Security.KeyIndex)
		if err != nil {
			m.reportCommStatus(StatusUnavailableKey, pf.Src, pf.Dst)
			return
		}
		cipher, err := newCCMStar(kd.Key)
		if err != nil {
			m.reportCommStatus(StatusSecurityFail, pf.Src, pf.Dst)
			return
		}
		micLen := pf.Security.Level.MICLength()
		if len(pf.MACPayload) < micLen {
			m.reportCommStatus(StatusSecurityFail, pf.Src, pf.Dst)
			return
		}
		ciphertext := pf.MACPayload[:len(pf.MACPayload)-micLen]
		mic := pf.MACPayload[len(pf.MACPayload)-micLen:]
		nonce := Nonce(pf.Src.Ext, pf.Security.FrameCounter, pf.Security.Level)
		plain, ok := cipher.Decrypt(nonce, raw[:len(raw)-len(pf.MACPayload)], ciphertext, mic, pf.Security.Level.Encrypted())
		if !ok {
			m.reportCommStatus(StatusSecurityFail, pf.Src, pf.Dst)
			return
		}
		if pf.Security.FrameCounter < dev.FrameCounter {
			m.reportCommStatus(StatusCounterError, pf.Src, pf.Dst)
			return
		}
		dev.FrameCounter = pf.Security.FrameCounter + 1
		pf.MACPayload = plain
	}

	switch pf.Type {
	case FrameTypeBeacon:
		m.onBeaconReceived(pf, pf.SrcPAN, pf.Src, 0)
	case FrameTypeCommand:
		if len(pf.MACPayload) > 0 && pf.MACPayload[0] == macDataRequestCommandID {
			// The frame-pending bit on the immediate hardware ACK this poll
			// triggers is the driver's responsibility; PollIndirect's
			// return only decides what gets queued next.
			m.PollIndirect(pf.Src.Short)
			return
		}
		if m.dataIndication != nil {
			m.dataIndication(pf)
		}
	default:
		if m.dataIndication != nil {
			m.dataIndication(pf)
		}
	}
}

// macDataRequestCommandID is the MAC command frame identifier for a data
// request (poll), IEEE 802.15.4-2015 Table 7-49.
const macDataRequestCommandID = 0x04

func (m *Mac) reportCommStatus(status Status, src, dst Address) {
	if m.commStatus != nil {
		m.commStatus(status, src, dst)
	}
}
