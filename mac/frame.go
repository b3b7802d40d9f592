package mac

import (
	"encoding/binary"
	"fmt"
)

// fcf bit layout (IEEE 802.15.4-2015 §7.2.2), this package only ever
// builds/parses the subset the spec names.
const (
	fcfFrameTypeMask    = 0x0007
	fcfSecurityEnabled  = 0x0008
	fcfFramePending     = 0x0010
	fcfAckRequest       = 0x0020
	fcfPANIDCompression = 0x0040
	fcfSeqSuppression   = 0x0100
	fcfIEPresent        = 0x0200
	fcfDstAddrModeShift = 10
	fcfFrameVerShift    = 12
	fcfSrcAddrModeShift = 14
)

// Frame is a pre-built outgoing frame (spec §3.4 "Pre-built frame"). It
// carries everything the CSMA/TX pipeline needs and is the element type
// of the TX/indirect queues.
type Frame struct {
	Type       FrameType
	Version    FrameVersion
	DstMode    AddrMode
	SrcMode    AddrMode
	AckRequest bool
	PANIDCompressed bool
	SeqSuppressed   bool
	IEPresent       bool

	Seq uint8

	DstPAN, SrcPAN uint16
	Dst, Src       Address

	Security *SecurityAux // nil => unsecured

	HeaderIEs  []IE
	PayloadIEs []IE

	MSDUHandle uint8
	Payload    []byte // plaintext payload as supplied by the caller; Encrypt fills CipherPayload

	CipherPayload []byte // payload + MIC, ready for the wire, set by Encrypt

	Priority int8

	InDirectTx bool // moved to the indirect (pending) queue instead of direct TX

	// CSMA/TX bookkeeping, mutated by the scheduler.
	CCARetries int
	TXRetries  int
	Status     Status

	wire []byte // cached Build+Encrypt output, resent unchanged across CCA/ACK retries

	indirectDeadline uint32 // tick at which an indirect-queued frame expires (TRANSACTION_EXPIRED)

	next *Frame // intrusive link for queue membership; see queue.go
}

// ParsedFrame is a pre-parsed incoming frame (spec §3.4 "Pre-parsed
// frame"): raw bytes plus the parsed FCF and payload boundaries.
type ParsedFrame struct {
	Raw []byte

	Type       FrameType
	Version    FrameVersion
	DstMode    AddrMode
	SrcMode    AddrMode
	AckRequest bool
	FramePending bool
	PANIDCompressed bool
	SeqSuppressed   bool
	IEPresent       bool

	Seq uint8

	DstPAN, SrcPAN uint16
	Dst, Src       Address

	Security *SecurityAux

	HeaderIEs  []IE
	PayloadIEs []IE
	MACPayload []byte

	LQI       uint8
	RSSIDBm   int8
	Timestamp uint32

	Neighbor *DeviceDescriptor
}

// encodeFCF packs the bits this package models into a 16-bit FCF,
// choosing frame version per spec §4.6.1 step 2: IE-present (or
// explicit 2015 opt-in) forces FrameVersion2015; else secured frames use
// FrameVersion2006; else legacy.
func encodeFCF(f *Frame) uint16 {
	version := f.Version
	if f.IEPresent {
		version = FrameVersion2015
	} else if f.Security != nil && version < FrameVersion2006 {
		version = FrameVersion2006
	}

	var fcf uint16
	fcf |= uint16(f.Type) & fcfFrameTypeMask
	if f.Security != nil {
		fcf |= fcfSecurityEnabled
	}
	if f.AckRequest {
		fcf |= fcfAckRequest
	}
	if f.PANIDCompressed {
		fcf |= fcfPANIDCompression
	}
	if f.IEPresent {
		fcf |= fcfIEPresent
	}
	if version == FrameVersion2015 && f.SeqSuppressed {
		fcf |= fcfSeqSuppression
	}
	fcf |= uint16(f.DstMode) << fcfDstAddrModeShift
	fcf |= uint16(version) << fcfFrameVerShift
	fcf |= uint16(f.SrcMode) << fcfSrcAddrModeShift
	return fcf
}

func decodeFCF(fcf uint16) (typ FrameType, version FrameVersion, dstMode, srcMode AddrMode, secured, ackReq, panComp, seqSup, iePresent, framePending bool) {
	typ = FrameType(fcf & fcfFrameTypeMask)
	secured = fcf&fcfSecurityEnabled != 0
	framePending = fcf&fcfFramePending != 0
	ackReq = fcf&fcfAckRequest != 0
	panComp = fcf&fcfPANIDCompression != 0
	iePresent = fcf&fcfIEPresent != 0
	seqSup = fcf&fcfSeqSuppression != 0
	dstMode = AddrMode((fcf >> fcfDstAddrModeShift) & 0x3)
	version = FrameVersion((fcf >> fcfFrameVerShift) & 0x3)
	srcMode = AddrMode((fcf >> fcfSrcAddrModeShift) & 0x3)
	return
}

// PANIDCompression derives the FCF PAN-ID-compression bit from the
// address-mode combination per IEEE 802.15.4-2015 Table 7-2, as spec
// §4.6.1 step 2 requires: compressed when both addresses are present and
// the PANs are equal (the classic case), or when one side carries no
// address at all but the frame still needs to suppress a redundant field.
func PANIDCompression(dstMode, srcMode AddrMode, dstPAN, srcPAN uint16) bool {
	switch {
	case dstMode != AddrModeNone && srcMode != AddrModeNone:
		return dstPAN == srcPAN
	case dstMode != AddrModeNone && srcMode == AddrModeNone:
		return true
	case dstMode == AddrModeNone && srcMode != AddrModeNone:
		return true
	default:
		return false
	}
}

// Build assembles the MHR bytes (FCF, sequence number unless suppressed,
// addressing fields, and the security aux header if present) ahead of
// the ciphertext payload. It does not perform encryption; call Encrypt
// first if f.Security != nil. Mirrors spec §4.6.1 steps 1-3.
func Build(f *Frame) ([]byte, error) {
	if f.Security != nil && f.Version != FrameVersion2015 && f.IEPresent {
		return nil, fmt.Errorf("mac: IEs require frame version 2015")
	}

	buf := make([]byte, 0, 32)
	fcf := encodeFCF(f)
	buf = binary.LittleEndian.AppendUint16(buf, fcf)

	version := FrameVersion((fcf >> fcfFrameVerShift) & 0x3)
	if !(version == FrameVersion2015 && f.SeqSuppressed) {
		buf = append(buf, f.Seq)
	}

	if f.DstMode != AddrModeNone {
		buf = binary.LittleEndian.AppendUint16(buf, f.DstPAN)
		buf = appendAddr(buf, f.DstMode, f.Dst)
	}
	if f.SrcMode != AddrModeNone {
		if !f.PANIDCompressed {
			buf = binary.LittleEndian.AppendUint16(buf, f.SrcPAN)
		}
		buf = appendAddr(buf, f.SrcMode, f.Src)
	}

	if f.Security != nil {
		buf = appendSecurityAux(buf, f.Security)
	}

	for _, ie := range f.HeaderIEs {
		buf = appendIE(buf, ie)
	}
	if len(f.PayloadIEs) > 0 {
		buf = binary.LittleEndian.AppendUint16(buf, 0x800f) // header-termination IE, payload-IEs follow
	}
	for _, ie := range f.PayloadIEs {
		buf = appendIE(buf, ie)
	}

	payload := f.CipherPayload
	if payload == nil {
		payload = f.Payload
	}
	buf = append(buf, payload...)
	return buf, nil
}

func appendAddr(buf []byte, mode AddrMode, a Address) []byte {
	switch mode {
	case AddrModeShort:
		return binary.LittleEndian.AppendUint16(buf, a.Short)
	case AddrModeExtended:
		return binary.LittleEndian.AppendUint64(buf, a.Ext)
	default:
		return buf
	}
}

func appendSecurityAux(buf []byte, s *SecurityAux) []byte {
	buf = append(buf, byte(s.Level)|byte(s.KeyIDMode)<<3)
	buf = binary.LittleEndian.AppendUint32(buf, s.FrameCounter)
	switch s.KeyIDMode {
	case KeyIDMode1Byte:
		buf = append(buf, s.KeyIndex)
	case KeyIDMode5Byte:
		buf = binary.LittleEndian.AppendUint32(buf, 0)
		buf = append(buf, s.KeyIndex)
	case KeyIDMode9Byte:
		buf = binary.LittleEndian.AppendUint64(buf, 0)
		buf = append(buf, s.KeyIndex)
	}
	return buf
}

func appendIE(buf []byte, ie IE) []byte {
	header := uint16(len(ie.Content)&0x7f) | (ie.ID&0x1ff)<<7
	buf = binary.LittleEndian.AppendUint16(buf, header)
	return append(buf, ie.Content...)
}

// Parse reverses Build's MHR encoding into a ParsedFrame, leaving the MAC
// payload (still ciphertext if secured) in MACPayload for the caller to
// decrypt via Decrypt. Mirrors the inbound half of spec §4.6.1/§6.5.
func Parse(raw []byte) (*ParsedFrame, error) {
	if len(raw) < 2 {
		return nil, fmt.Errorf("mac: frame too short")
	}
	fcf := binary.LittleEndian.Uint16(raw)
	typ, version, dstMode, srcMode, secured, ackReq, panComp, seqSup, iePresent, framePending := decodeFCF(fcf)

	p := &ParsedFrame{
		Raw: raw, Type: typ, Version: version, DstMode: dstMode, SrcMode: srcMode,
		AckRequest: ackReq, FramePending: framePending, PANIDCompressed: panComp,
		SeqSuppressed: seqSup, IEPresent: iePresent,
	}

	off := 2
	if !(version == FrameVersion2015 && seqSup) {
		if off >= len(raw) {
			return nil, fmt.Errorf("mac: truncated sequence number")
		}
		p.Seq = raw[off]
		off++
	}

	var err error
	if dstMode != AddrModeNone {
		if off+2 > len(raw) {
			return nil, fmt.Errorf("mac: truncated dst PAN")
		}
		p.DstPAN = binary.LittleEndian.Uint16(raw[off:])
		off += 2
		p.Dst, off, err = parseAddr(raw, off, dstMode)
		if err != nil {
			return nil, err
		}
	}
	if srcMode != AddrModeNone {
		if !panComp {
			if off+2 > len(raw) {
				return nil, fmt.Errorf("mac: truncated src PAN")
			}
			p.SrcPAN = binary.LittleEndian.Uint16(raw[off:])
			off += 2
		} else {
			p.SrcPAN = p.DstPAN
		}
		p.Src, off, err = parseAddr(raw, off, srcMode)
		if err != nil {
			return nil, err
		}
	}

	if secured {
		if off >= len(raw) {
			return nil, fmt.Errorf("mac: truncated security header")
		}
		sctl := raw[off]
		off++
		sec := &SecurityAux{Level: SecurityLevel(sctl & 0x7), KeyIDMode: KeyIDMode((sctl >> 3) & 0x3)}
		if off+4 > len(raw) {
			return nil, fmt.Errorf("mac: truncated frame counter")
		}
		sec.FrameCounter = binary.LittleEndian.Uint32(raw[off:])
		off += 4
		switch sec.KeyIDMode {
		case KeyIDMode1Byte:
			sec.KeyIndex = raw[off]
			off++
		case KeyIDMode5Byte:
			off += 4
			sec.KeyIndex = raw[off]
			off++
		case KeyIDMode9Byte:
			off += 8
			sec.KeyIndex = raw[off]
			off++
		}
		p.Security = sec
	}

	// Header IEs are parsed into HeaderIEs up to the first termination
	// marker (0x800f). Payload IEs are not parsed: any bytes after that
	// marker, payload IEs included, are left in MACPayload.
	if iePresent {
		for off+2 <= len(raw) {
			h := binary.LittleEndian.Uint16(raw[off:])
			off += 2
			if h == 0x800f {
				break
			}
			length := int(h & 0x7f)
			id := (h >> 7) & 0x1ff
			if off+length > len(raw) {
				return nil, fmt.Errorf("mac: truncated IE")
			}
			p.HeaderIEs = append(p.HeaderIEs, IE{ID: id, Content: raw[off : off+length]})
			off += length
		}
	}

	p.MACPayload = raw[off:]
	return p, nil
}

func parseAddr(raw []byte, off int, mode AddrMode) (Address, int, error) {
	switch mode {
	case AddrModeShort:
		if off+2 > len(raw) {
			return Address{}, off, fmt.Errorf("mac: truncated short address")
		}
		return Address{Mode: AddrModeShort, Short: binary.LittleEndian.Uint16(raw[off:])}, off + 2, nil
	case AddrModeExtended:
		if off+8 > len(raw) {
			return Address{}, off, fmt.Errorf("mac: truncated extended address")
		}
		return Address{Mode: AddrModeExtended, Ext: binary.LittleEndian.Uint64(raw[off:])}, off + 8, nil
	default:
		return Address{}, off, nil
	}
}
