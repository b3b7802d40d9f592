// Package phy declares the driver contract the MAC core (C6) consumes
// from, and the upper-layer contract it exposes to (spec §6.1, §6.2). It
// holds no behavior of its own — only the interfaces and shared value
// types that let mac/ stay decoupled from any concrete radio driver, per
// the spec's explicit call-out that concrete PHY drivers are a deliberate
// out-of-scope collaborator (§1).
package phy

import "context"

// State is the PHY state-control argument (spec §6.1).
type State int8

const (
	StateDown State = iota
	StateUp
	StateSniffer
	StateRxEnergy
)

// AddressKind selects which address AddressWrite programs into the
// driver.
type AddressKind int8

const (
	AddressMAC64 AddressKind = iota
	AddressMAC16
	AddressPANID
)

// ExtensionOp selects a driver extension operation (spec §6.1).
type ExtensionOp int8

const (
	ExtSetChannel ExtensionOp = iota
	ExtSetCSMAParameters
	ExtGetTimestamp
	ExtReadChannelEnergy
	ExtSetTXTime
)

// CSMAParameters is the argument to ExtSetCSMAParameters.
type CSMAParameters struct {
	BackoffTimeUS uint32
	CCAEnabled    bool
}

// TXStatus is the outcome a driver reports via TXDoneCB.
type TXStatus int8

const (
	TXStatusSuccess TXStatus = iota
	TXStatusChannelBusy
	TXStatusNoAck
	TXStatusFail
)

// TXDoneFunc is called by the driver (from ISR context, per spec §5) once
// a PHYTx call it previously accepted has completed.
type TXDoneFunc func(driverID int8, txHandle uint8, status TXStatus, ccaRetries, txRetries uint8)

// Driver is the abstraction the MAC core consumes (spec §6.1). A
// concrete radio driver (out of scope for this module) implements it;
// tests use a software fake.
type Driver interface {
	// StateControl requests a PHY state transition.
	StateControl(state State, arg uint8) (int8, error)
	// AddressWrite programs kind's value into the PHY's address filter.
	AddressWrite(kind AddressKind, value []byte)
	// PHYTx synchronously hands buf to the PHY for transmission; the
	// driver reports completion asynchronously via the TXDoneFunc
	// registered with SetTXDoneCB.
	PHYTx(ctx context.Context, buf []byte, txHandle uint8) error
	// Extension performs a side-channel driver operation.
	Extension(op ExtensionOp, arg any) (any, error)
	// SetTXDoneCB registers the completion callback PHYTx results are
	// reported through.
	SetTXDoneCB(fn TXDoneFunc)

	// MTU is the PHY's maximum transmissible unit, in bytes.
	MTU() int
	// HeaderLength is the PHY header length prepended ahead of the MHR.
	HeaderLength() int
	// TailLength is the PHY trailer length appended after the MAC
	// payload (e.g. a hardware FCS).
	TailLength() int
	// LinkType reports the PHY's link type (used by FHSS coordination
	// to decide whether multi-CCA deadlines apply).
	LinkType() LinkType
}

// LinkType distinguishes PHY link behaviors relevant to the MAC core's
// CSMA/FHSS decisions.
type LinkType int8

const (
	LinkTypeNormal LinkType = iota
	LinkTypeFHSS
)
