package mac

import "github.com/nanomesh/core/phy"

// ScanType selects an MLME-SCAN.request's behavior (spec §4.6.5).
type ScanType int8

const (
	ScanActive ScanType = iota
	ScanPassive
	ScanEnergyDetect
	ScanOrphan
)

// PANDescriptor is one collected scan result.
type PANDescriptor struct {
	PANID      uint16
	Coordinator Address
	Channel    uint8
	LQI        uint8
	SecurityOK bool
}

// MaxScanResults caps the PAN descriptor list per scan (spec §4.6.5's
// MLME_MAC_RES_SIZE_MAX).
const MaxScanResults = 16

// baseSuperframeSymbols is aBaseSuperframeDuration (spec §4.6.5).
const baseSuperframeSymbols = 960

// energyDetectBurstTicks is the interval between ED samples: one loop
// tick (10ms at the default tick period), standing in for spec §4.6.5's
// 4.8ms "96-slot timer bursts" in this module's tick-granularity scan
// stepper.
const energyDetectBurstTicks = 1

type scanState struct {
	active      bool
	typ         ScanType
	channels    []uint8
	channelIdx  int
	durationExp uint8
	results     []PANDescriptor
	edResults   []PANDescriptor
	edMax       int8
	stepsLeft   int
	requestID   int32
}

// ScanConfirmFunc reports an MLME-SCAN.confirm.
type ScanConfirmFunc func(typ ScanType, status Status, results []PANDescriptor)

// WithScanConfirm registers the scan-confirm sink.
func WithScanConfirm(fn ScanConfirmFunc) Option {
	return func(m *Mac) { m.scanConfirm = fn }
}

// StartScan begins a scan of the given channel list, rejecting a
// concurrently running scan with SCAN_IN_PROGRESS (spec §4.6.5).
func (m *Mac) StartScan(typ ScanType, channels []uint8, durationExp uint8) Status {
	m.crit.Enter()
	defer m.crit.Exit()

	if m.scan != nil && m.scan.active {
		return StatusScanInProgress
	}
	if len(channels) == 0 {
		return StatusInvalidParameter
	}

	m.scan = &scanState{active: true, typ: typ, channels: channels, durationExp: durationExp}
	m.beginChannel()
	return StatusSuccess
}

func (m *Mac) beginChannel() {
	s := m.scan
	ch := s.channels[s.channelIdx]
	_, _ = m.driver.Extension(phy.ExtSetChannel, ch)
	s.edMax = -128
	s.stepsLeft = scanStepsForDuration(s.durationExp)

	switch s.typ {
	case ScanActive:
		m.sendBeaconRequest()
	case ScanPassive, ScanOrphan:
		// listen only; fall through to the periodic stepper below
	case ScanEnergyDetect:
		// sampling happens in onScanStep
	}

	m.loop.RequestIn(wrapInternalEvent(m.self.ID, evScanStep), energyDetectBurstTicks)
}

// scanStepsForDuration converts ScanDuration to the number of sampling
// bursts this scan-per-channel step runs for: aBaseSuperframeDuration *
// (2^duration + 1) symbols, coarsely bucketed into ticks (spec §4.6.5).
func scanStepsForDuration(durationExp uint8) int {
	symbols := baseSuperframeSymbols * ((1 << durationExp) + 1)
	steps := symbols / (baseSuperframeSymbols * 4)
	if steps < 1 {
		steps = 1
	}
	return steps
}

func (m *Mac) sendBeaconRequest() {
	f := &Frame{Type: FrameTypeCommand, DstMode: AddrModeShort, Dst: Address{Mode: AddrModeShort, Short: 0xffff}, Priority: 7}
	m.unicastQ.Push(f)
	m.kickTX()
}

// onScanStep advances the scan stepper: for Energy-Detect it samples and
// records the running max; for Active/Passive it just waits out the
// per-channel window; when the window elapses it advances to the next
// channel or finishes the scan.
func (m *Mac) onScanStep() {
	s := m.scan
	if s == nil || !s.active {
		return
	}

	if s.typ == ScanEnergyDetect {
		if v, err := m.driver.Extension(phy.ExtReadChannelEnergy, nil); err == nil {
			if ed, ok := v.(int8); ok && ed > s.edMax {
				s.edMax = ed
			}
		}
	}

	s.stepsLeft--
	if s.stepsLeft > 0 {
		m.loop.RequestIn(wrapInternalEvent(m.self.ID, evScanStep), energyDetectBurstTicks)
		return
	}

	if s.typ == ScanEnergyDetect {
		// Energy readings carry no PAN id and are kept off s.results
		// entirely, so they can never collide with a real beacon's
		// (channel, pan_id) dedup key in onBeaconReceived.
		s.edResults = append(s.edResults, PANDescriptor{Channel: s.channels[s.channelIdx], LQI: uint8(128 + int(s.edMax))})
	}

	s.channelIdx++
	if s.channelIdx >= len(s.channels) {
		m.finishScan(StatusSuccess)
		return
	}
	m.beginChannel()
}

// onBeaconReceived implements beacon processing (spec §4.6.6): FHSS sync
// info is stripped before delivery upward, and during an active scan the
// beacon either replaces a lower-LQI duplicate or is appended, capped at
// MaxScanResults.
func (m *Mac) onBeaconReceived(pf *ParsedFrame, panID uint16, coord Address, channel uint8) {
	const fhssSynchInfoLength = 10

	payload := pf.MACPayload
	if m.fhss && len(payload) >= fhssSynchInfoLength {
		payload = payload[:len(payload)-fhssSynchInfoLength]
	}

	if m.scan == nil || !m.scan.active {
		if m.dataIndication != nil {
			cp := *pf
			cp.MACPayload = payload
			m.dataIndication(&cp)
		}
		return
	}

	desc := PANDescriptor{PANID: panID, Coordinator: coord, Channel: channel, LQI: pf.LQI, SecurityOK: pf.Security != nil}
	for i, existing := range m.scan.results {
		// Scan P1 (spec §8.1): dedup by (channel, pan_id) when FHSS is
		// disabled, since the same pan_id can legitimately appear on
		// distinct channels; by pan_id alone under FHSS, where the PAN
		// hops channels and a fixed per-descriptor channel is meaningless.
		var dup bool
		if m.fhss {
			dup = existing.PANID == desc.PANID
		} else {
			dup = existing.PANID == desc.PANID && existing.Channel == desc.Channel
		}
		if dup {
			if desc.LQI > existing.LQI {
				m.scan.results[i] = desc
			}
			return
		}
	}
	if len(m.scan.results) >= MaxScanResults {
		m.finishScan(StatusLimitReached)
		return
	}
	m.scan.results = append(m.scan.results, desc)
}

func (m *Mac) finishScan(status Status) {
	s := m.scan
	s.active = false
	results := s.results
	if s.typ == ScanEnergyDetect {
		results = s.edResults
	}
	if m.scanConfirm != nil {
		m.scanConfirm(s.typ, status, results)
	}
	m.scan = nil
}
