package main

import (
	"context"
	"sync"

	"github.com/nanomesh/core/phy"
)

// loopbackDriver is a software PHY stand-in used for this example binary:
// every PHYTx call "succeeds" and reports completion synchronously, by
// invoking the TX-done callback before PHYTx returns, since no real radio
// hardware is wired up (spec §1
// names concrete PHY drivers a deliberately out-of-scope collaborator).
// It exists only to give cmd/nanomeshd something to hand the MAC core so
// every other package has a live, runnable wiring path to exercise.
type loopbackDriver struct {
	mu       sync.Mutex
	txDoneCB phy.TXDoneFunc
	channel  uint8
	state    phy.State
}

func newLoopbackDriver() *loopbackDriver { return &loopbackDriver{} }

func (d *loopbackDriver) StateControl(state phy.State, arg uint8) (int8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.state = state
	return 0, nil
}

func (d *loopbackDriver) AddressWrite(kind phy.AddressKind, value []byte) {}

func (d *loopbackDriver) PHYTx(ctx context.Context, buf []byte, txHandle uint8) error {
	d.mu.Lock()
	cb := d.txDoneCB
	d.mu.Unlock()
	if cb != nil {
		cb(0, txHandle, phy.TXStatusSuccess, 0, 0)
	}
	return nil
}

func (d *loopbackDriver) Extension(op phy.ExtensionOp, arg any) (any, error) {
	switch op {
	case phy.ExtSetChannel:
		if ch, ok := arg.(uint8); ok {
			d.mu.Lock()
			d.channel = ch
			d.mu.Unlock()
		}
		return nil, nil
	case phy.ExtReadChannelEnergy:
		return uint8(0), nil
	case phy.ExtGetTimestamp:
		return uint32(0), nil
	default:
		return nil, nil
	}
}

func (d *loopbackDriver) SetTXDoneCB(fn phy.TXDoneFunc) { d.txDoneCB = fn }
func (d *loopbackDriver) MTU() int                      { return 127 }
func (d *loopbackDriver) HeaderLength() int             { return 0 }
func (d *loopbackDriver) TailLength() int               { return 2 }
func (d *loopbackDriver) LinkType() phy.LinkType        { return phy.LinkTypeNormal }
