// Package busadapter defines the contract between the URB Engine and
// the OS-level virtual USB bus adapter (spec §4.5, §6.4). The adapter
// itself — the kernel driver or equivalent that presents virtual
// devices on the host's USB bus — is explicitly out of scope (spec
// §1); this package only defines the narrow request/completion
// channel and ships one in-process SimulatedAdapter that stands in
// for it in tests and in environments with no real kernel driver.
package busadapter

import (
	"context"
	"errors"

	"github.com/berndverst/usb-over-ip/internal/wire"
)

// ErrWouldBlock is returned by PollPendingURB once the adapter has been
// closed; the engine's pump stops on it.
var ErrWouldBlock = errors.New("busadapter: would block")

// PendingURB is one transfer request the adapter wants forwarded to
// the owning client, as handed to the engine by PollPendingURB.
type PendingURB struct {
	DeviceID        uint32
	EndpointAddress uint8
	TransferType    wire.TransferType
	Direction       wire.Direction
	TransferFlags   uint32
	BufferLength    uint32
	Interval        uint32
	SetupPacket     [wire.SetupPacketLen]byte
	OutBytes        []byte
	// RequestHandle is an opaque reference to the adapter-side request
	// (spec §3's "request_handle"); the engine stores it on the URB
	// Entry and passes it back unexamined to CompleteURB/CancelURB.
	// It is unrelated to urb_id, which the engine assigns itself and
	// never shares with the adapter.
	RequestHandle uint64
}

// Version describes the adapter's capability set (spec §6.4 GetVersion).
type Version struct {
	DriverVersion   uint32
	ProtocolVersion uint32
	MaxDevices      uint32
	Capabilities    uint32
}

// Statistics are adapter-wide counters (spec §6.4 GetStatistics).
type Statistics struct {
	DevicesPluggedIn uint64
	URBsForwarded    uint64
	URBsCompleted    uint64
	URBsCancelled    uint64
}

// DeviceListEntry is one row of spec §6.4's GetDeviceList.
type DeviceListEntry struct {
	DeviceID uint32
	Port     uint32
	State    int
	Info     wire.DeviceInfo
}

// Adapter is the engine's view of the bus adapter: a single-threaded
// producer/consumer the engine treats as a black box (spec §4.5).
type Adapter interface {
	// GetVersion reports driver/protocol capabilities.
	GetVersion() (Version, error)

	// Plugin allocates a local port for the device described by info
	// and descriptors, returning the adapter's own device ID. The
	// registry does not use that ID: it keys devices by its own slot
	// number (info.DeviceID) and passes that number to Unplug.
	Plugin(info wire.DeviceInfo, descriptors []byte) (deviceID uint32, err error)

	// Unplug tears down the virtual device. The adapter must complete
	// any in-flight host-side requests with Cancelled before returning.
	Unplug(deviceID uint32) error

	// GetDeviceList enumerates devices currently plugged into the
	// adapter.
	GetDeviceList() ([]DeviceListEntry, error)

	// PollPendingURB blocks (with timed-wait semantics; no busy-spin)
	// until a URB is ready to forward, ctx is cancelled, or the
	// adapter is closed.
	PollPendingURB(ctx context.Context) (PendingURB, error)

	// CompleteURB hands a finished transfer back to the adapter,
	// identified by the RequestHandle it handed out in PollPendingURB.
	CompleteURB(deviceID uint32, requestHandle uint64, status wire.Status, actualLength uint32, inBytes []byte) error

	// CancelURB asks the adapter to abort an in-flight host-side
	// request; a no-op if requestHandle is unknown to it.
	CancelURB(requestHandle uint64) error

	// GetStatistics reports adapter-wide counters.
	GetStatistics() (Statistics, error)

	// ResetDevice resets device state to Default.
	ResetDevice(deviceID uint32) error

	// Close shuts the adapter down, unblocking any PollPendingURB
	// waiter with ErrWouldBlock.
	Close() error
}
