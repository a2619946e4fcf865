// Package transferexec is the client side's mirror of busadapter: real
// USB I/O against a locally-attached device is explicitly out of scope
// for the core (spec §1), so this package only defines the executor
// contract the URB Engine's client-side mirror calls into, plus an
// in-process SimulatedExecutor used by tests and loopback demos. A
// hardware-backed GousbExecutor lives in gousb_executor.go.
package transferexec

import (
	"context"

	"github.com/berndverst/usb-over-ip/internal/wire"
)

// Request is a fully-parsed URB handed to the executor by the
// client-side URB Engine mirror (spec §4.4 "Client-side mirror").
type Request struct {
	DeviceID        uint32
	EndpointAddress uint8
	TransferType    wire.TransferType
	Direction       wire.Direction
	BufferLength    uint32
	SetupPacket     [wire.SetupPacketLen]byte
	OutBytes        []byte
}

// Response is the executor's result, translated straight into a
// URB_COMPLETE payload by the caller.
type Response struct {
	Status       wire.Status
	ActualLength uint32
	InBytes      []byte
}

// Executor performs (or simulates) the underlying USB transfer for one
// locally-captured device.
type Executor interface {
	// Transfer executes one control/bulk/interrupt/isochronous request
	// and blocks until it completes or fails. The executors in this
	// package check ctx only before starting; a transfer already under
	// way is not interrupted when ctx is done.
	Transfer(ctx context.Context, req Request) (Response, error)

	// Close releases any OS-level handle this executor holds for the
	// device, if any.
	Close() error
}
