// Package urbengine is the heart of the system (spec §4.4): it shepherds
// every transfer request through submission, network round-trip, and
// completion, with at-most-once correctness under session loss, device
// detach, cancellation, and timeout.
package urbengine

import (
	"time"

	"github.com/berndverst/usb-over-ip/internal/session"
	"github.com/berndverst/usb-over-ip/internal/wire"
)

// DefaultTimeout is the entry lifetime before the sweep completes it
// with ErrorBusy (spec §4.4 "Timeouts").
const DefaultTimeout = 5 * time.Second

// SweepInterval is how often the timeout sweep runs.
const SweepInterval = 200 * time.Millisecond

// Entry is one in-flight URB (spec §3's "URB Entry"), server-side.
type Entry struct {
	URBID           uint32
	Sequence        uint32
	DeviceID        uint32
	Owner           session.ID
	EndpointAddress uint8
	TransferType    wire.TransferType
	Direction       wire.Direction
	TransferFlags   uint32
	BufferLength    uint32
	Interval        uint32
	SetupPacket     [wire.SetupPacketLen]byte
	OutBytes        []byte
	RequestHandle   uint64
	SubmitTime      time.Time
	Timeout         time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.SubmitTime) >= e.Timeout
}
