package mac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanomesh/core/evtloop"
	"github.com/nanomesh/core/phy"
)

// fakeDriver is a software PHY stand-in: PHYTx always "succeeds"
// synchronously (or returns the scripted status queue) rather than
// waiting on real radio hardware.
type fakeDriver struct {
	mtu        int
	txDoneCB   phy.TXDoneFunc
	scripted   []phy.TXStatus // consumed FIFO; default success if empty
	sent       [][]byte
	extReplies map[phy.ExtensionOp]any
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{mtu: 127, extReplies: make(map[phy.ExtensionOp]any)}
}

func (d *fakeDriver) StateControl(state phy.State, arg uint8) (int8, error) { return 0, nil }
func (d *fakeDriver) AddressWrite(kind phy.AddressKind, value []byte)       {}
func (d *fakeDriver) PHYTx(ctx context.Context, buf []byte, txHandle uint8) error {
	d.sent = append(d.sent, append([]byte(nil), buf...))
	status := phy.TXStatusSuccess
	if len(d.scripted) > 0 {
		status = d.scripted[0]
		d.scripted = d.scripted[1:]
	}
	d.txDoneCB(0, txHandle, status, 0, 0)
	return nil
}
func (d *fakeDriver) Extension(op phy.ExtensionOp, arg any) (any, error) {
	if v, ok := d.extReplies[op]; ok {
		return v, nil
	}
	return nil, nil
}
func (d *fakeDriver) SetTXDoneCB(fn phy.TXDoneFunc) { d.txDoneCB = fn }
func (d *fakeDriver) MTU() int                      { return d.mtu }
func (d *fakeDriver) HeaderLength() int             { return 0 }
func (d *fakeDriver) TailLength() int               { return 0 }
func (d *fakeDriver) LinkType() phy.LinkType        { return phy.LinkTypeNormal }

// runUntil advances the loop's tick timer (driving the CSMA backoff/ACK
// deadlines this package schedules through it), dispatching after every
// tick, until cond reports true or maxTicks elapses.
func runUntil(loop *evtloop.Loop, maxTicks int, cond func() bool) {
	loop.RunUntilIdle()
	for i := 0; i < maxTicks && !cond(); i++ {
		loop.Tick()
		loop.RunUntilIdle()
	}
}

func newTestMac(t *testing.T) (*Mac, *evtloop.Loop, *fakeDriver) {
	t.Helper()
	loop := evtloop.New()
	drv := newFakeDriver()
	m, err := New(drv, loop)
	require.NoError(t, err)
	m.PIB.Set(AttrShortAddress, uint16(0x1234))
	m.PIB.Set(AttrPANId, uint16(0xabcd))
	m.PIB.Set(AttrExtendedAddress, uint64(0x0011223344556677))
	return m, loop, drv
}

func TestFrameBuildParseRoundTrip(t *testing.T) {
	f := &Frame{
		Type: FrameTypeData, Version: FrameVersionLegacy, DstMode: AddrModeShort, SrcMode: AddrModeShort,
		AckRequest: true, Seq: 42, DstPAN: 0xabcd, SrcPAN: 0xabcd,
		Dst: Address{Mode: AddrModeShort, Short: 0x5678}, Src: Address{Mode: AddrModeShort, Short: 0x1234},
		Payload: []byte("hello"),
	}
	f.PANIDCompressed = PANIDCompression(f.DstMode, f.SrcMode, f.DstPAN, f.SrcPAN)

	raw, err := Build(f)
	require.NoError(t, err)

	pf, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, FrameTypeData, pf.Type)
	assert.True(t, pf.AckRequest)
	assert.Equal(t, uint8(42), pf.Seq)
	assert.Equal(t, uint16(0x5678), pf.Dst.Short)
	assert.Equal(t, uint16(0x1234), pf.Src.Short)
	assert.Equal(t, []byte("hello"), pf.MACPayload)
}

func TestPIBRejectsOutOfRangeMaxBE(t *testing.T) {
	p := NewPIB()
	assert.Equal(t, StatusInvalidParameter, p.Set(AttrMaxBE, uint8(2)))
	assert.Equal(t, StatusSuccess, p.Set(AttrMaxBE, uint8(6)))
	v, status := p.Get(AttrMaxBE)
	require.Equal(t, StatusSuccess, status)
	assert.Equal(t, uint8(6), v)
}

func TestPIBRejectsMinBEAboveMaxBE(t *testing.T) {
	p := NewPIB()
	assert.Equal(t, StatusInvalidParameter, p.Set(AttrMinBE, uint8(9)))
}

// TestSecuredDataRequestDeliversAndConfirms exercises spec scenario S4:
// secured TX with a successful immediate ACK.
func TestSecuredDataRequestDeliversAndConfirms(t *testing.T) {
	m, loop, drv := newTestMac(t)

	var confirmed []Status
	m.dataConfirm = func(handle uint8, status Status, cca, tx uint8, ts uint32) {
		confirmed = append(confirmed, status)
	}

	var key [16]byte
	key[0] = 0xaa
	m.Keys.Set(KeyDescriptor{KeyIDMode: KeyIDMode1Byte, KeyIndex: 1, Key: key})
	m.Devices.Put(&DeviceDescriptor{ShortAddr: 0x9999, ExtAddr: 0x0011223344556677})

	status := m.DataRequest(DataRequest{
		DstMode: AddrModeShort, DstPAN: 0xabcd, Dst: Address{Mode: AddrModeShort, Short: 0x9999},
		MSDUHandle: 7, Payload: []byte("secret"), AckRequest: true,
		SecurityLevel: 5, KeyIDMode: KeyIDMode1Byte, KeyIndex: 1,
	})
	require.Equal(t, StatusSuccess, status)
	runUntil(loop, 5000, func() bool { return len(drv.sent) > 0 })

	require.Len(t, drv.sent, 1)
	require.Len(t, confirmed, 0) // still awaiting software ACK

	// Simulate the peer's ACK arriving, matching the sequence number this
	// Mac allocated for its request (the first one, so 0).
	m.RXIndication(buildAck(t, 0), 200, -60, loop.Now())

	require.Len(t, confirmed, 1)
	assert.Equal(t, StatusSuccess, confirmed[0])
}

func buildAck(t *testing.T, seq uint8) []byte {
	t.Helper()
	raw, err := Build(&Frame{Type: FrameTypeAck, Seq: seq})
	require.NoError(t, err)
	return raw
}

// TestIndirectPollRoundTrip exercises spec scenario S5: a frame parked
// indirect is promoted to direct TX once the destination polls.
func TestIndirectPollRoundTrip(t *testing.T) {
	m, loop, drv := newTestMac(t)

	status := m.DataRequest(DataRequest{
		DstMode: AddrModeShort, Dst: Address{Mode: AddrModeShort, Short: 0x2222},
		MSDUHandle: 3, Payload: []byte("pending"), InDirect: true,
	})
	require.Equal(t, StatusSuccess, status)
	assert.Equal(t, 1, m.indirect[0x2222].Len())
	assert.Equal(t, 0, len(drv.sent))

	pollCmd, err := Build(&Frame{
		Type: FrameTypeCommand, SrcMode: AddrModeShort, Src: Address{Mode: AddrModeShort, Short: 0x2222},
		Payload: []byte{macDataRequestCommandID},
	})
	require.NoError(t, err)
	m.RXIndication(pollCmd, 200, -50, loop.Now())
	runUntil(loop, 5000, func() bool { return len(drv.sent) > 0 })

	assert.True(t, m.indirect[0x2222].Empty())
	assert.Len(t, drv.sent, 1)
}

// TestCSMAExhaustionReachesBusyChannel exercises spec scenario S6: every
// CCA attempt comes back channel-busy until macMaxCSMABackoffs is spent.
func TestCSMAExhaustionReachesBusyChannel(t *testing.T) {
	m, loop, drv := newTestMac(t)
	maxBackoffs, _ := m.PIB.Get(AttrMaxCSMABackoffs)
	for i := 0; i < int(maxBackoffs.(uint8))+1; i++ {
		drv.scripted = append(drv.scripted, phy.TXStatusChannelBusy)
	}

	var got Status
	var ccaRetries uint8
	var done bool
	m.dataConfirm = func(handle uint8, status Status, cca, tx uint8, ts uint32) {
		got = status
		ccaRetries = cca
		done = true
	}

	status := m.DataRequest(DataRequest{
		DstMode: AddrModeShort, Dst: Address{Mode: AddrModeShort, Short: 0x4444},
		MSDUHandle: 9, Payload: []byte("x"),
	})
	require.Equal(t, StatusSuccess, status)
	runUntil(loop, 5000, func() bool { return done })

	assert.Equal(t, StatusBusyChannel, got)
	assert.Equal(t, maxBackoffs.(uint8), ccaRetries)
}

func TestPurgeRequestRemovesQueuedFrame(t *testing.T) {
	m, _, _ := newTestMac(t)
	f := &Frame{MSDUHandle: 5}
	m.unicastQ.Push(f)

	assert.Equal(t, StatusPurgeSuccess, m.PurgeRequest(5))
	assert.Equal(t, StatusInvalidHandle, m.PurgeRequest(5))
}
