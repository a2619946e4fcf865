// Package registry is the authoritative table of attached virtual
// devices on a server, and of locally-captured devices on a client
// (spec §4.3). All operations are mutually exclusive under one lock;
// hold time is constant, matching spec §5's "Shared-resource policy".
package registry

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/berndverst/usb-over-ip/internal/busadapter"
	"github.com/berndverst/usb-over-ip/internal/session"
	"github.com/berndverst/usb-over-ip/internal/wire"
)

// SessionID identifies the owning Connection Session. The session
// package mints these; registry only ever compares them.
type SessionID = session.ID

// State is a Virtual Device's position in its attach lifecycle.
type State int

const (
	StateAttached State = iota
	StateAddressed
	StateConfigured
)

var (
	// ErrFull is returned by Attach when no slot in [1, MaxDevices] is free.
	ErrFull = errors.New("registry: device table full")
	// ErrInvalidDescriptors is returned when a descriptor blob fails
	// structural validation.
	ErrInvalidDescriptors = errors.New("registry: invalid descriptors")
	// ErrNotOwned is returned by Detach when the caller does not own
	// the target device.
	ErrNotOwned = errors.New("registry: device not owned by caller")
	// ErrUnknown is returned when a device_id has no matching slot.
	ErrUnknown = errors.New("registry: unknown device")
)

// Stats holds the per-device counters spec §3 lists alongside a
// Virtual Device: bytes_in, bytes_out, urbs_completed, urbs_errored.
type Stats struct {
	BytesIn       uint64
	BytesOut      uint64
	URBsCompleted uint64
	URBsErrored   uint64
}

// Device is a Virtual Device (spec §3), the server-side in-memory
// record of one attached remote device.
type Device struct {
	LocalID     uint32
	PortNumber  uint32
	State       State
	Owner       SessionID
	Info        wire.DeviceInfo
	Descriptors []byte

	bytesIn       atomic.Uint64
	bytesOut      atomic.Uint64
	urbsCompleted atomic.Uint64
	urbsErrored   atomic.Uint64
}

// Stats returns a point-in-time snapshot of this device's counters.
func (d *Device) Stats() Stats {
	return Stats{
		BytesIn:       d.bytesIn.Load(),
		BytesOut:      d.bytesOut.Load(),
		URBsCompleted: d.urbsCompleted.Load(),
		URBsErrored:   d.urbsErrored.Load(),
	}
}

// AddBytesIn/AddBytesOut/IncCompleted/IncErrored are called by the URB
// engine as it drains the pending table; they never take the registry
// lock, matching spec §4.3's note that the submission hot path caches
// the owner pointer once per URB.
func (d *Device) AddBytesIn(n int)  { d.bytesIn.Add(uint64(n)) }
func (d *Device) AddBytesOut(n int) { d.bytesOut.Add(uint64(n)) }
func (d *Device) IncCompleted()     { d.urbsCompleted.Add(1) }
func (d *Device) IncErrored()       { d.urbsErrored.Add(1) }

// Registry tracks virtual devices and their owning sessions.
type Registry struct {
	mu         sync.Mutex
	maxDevices uint32
	slots      []*Device // index 0 unused; slot i holds device_id i
	adapter    busadapter.Adapter
}

// New creates a Registry with room for maxDevices slots in [1, maxDevices].
func New(maxDevices uint32, adapter busadapter.Adapter) *Registry {
	return &Registry{
		maxDevices: maxDevices,
		slots:      make([]*Device, maxDevices+1),
		adapter:    adapter,
	}
}

// Attach allocates the lowest free slot in [1, MaxDevices], assigns
// device_id = port_number = slot, records the owning session, and
// notifies the bus adapter (spec §4.3).
func (r *Registry) Attach(owner SessionID, info wire.DeviceInfo, descriptors []byte) (uint32, error) {
	r.mu.Lock()
	slot := uint32(0)
	for i := uint32(1); i <= r.maxDevices; i++ {
		if r.slots[i] == nil {
			slot = i
			break
		}
	}
	if slot == 0 {
		r.mu.Unlock()
		return 0, ErrFull
	}
	info.DeviceID = slot
	dev := &Device{
		LocalID:     slot,
		PortNumber:  slot,
		State:       StateAttached,
		Owner:       owner,
		Info:        info,
		Descriptors: descriptors,
	}
	r.slots[slot] = dev
	r.mu.Unlock()

	if r.adapter != nil {
		if _, err := r.adapter.Plugin(info, descriptors); err != nil {
			r.mu.Lock()
			r.slots[slot] = nil
			r.mu.Unlock()
			return 0, err
		}
	}
	return slot, nil
}

// AttachAt records a device under an exact, caller-chosen slot instead
// of allocating the lowest free one. The client-side registry mirror
// uses this: device_id is assigned server-side and must match exactly
// on both ends (spec §4.3), so the client cannot auto-allocate its own.
func (r *Registry) AttachAt(deviceID uint32, owner SessionID, info wire.DeviceInfo, descriptors []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if deviceID == 0 || deviceID > r.maxDevices {
		return ErrFull
	}
	if r.slots[deviceID] != nil {
		return ErrFull
	}
	info.DeviceID = deviceID
	r.slots[deviceID] = &Device{
		LocalID:     deviceID,
		PortNumber:  deviceID,
		State:       StateAttached,
		Owner:       owner,
		Info:        info,
		Descriptors: descriptors,
	}
	return nil
}

// Detach removes a device and notifies the bus adapter. Only the
// owning session may detach, except during a session-shutdown sweep
// (ownerOverride=true), where the registry detaches on behalf of the
// departing session (spec §4.3). Callers that must cascade-cancel the
// device's pending URBs before the adapter sees Unplug (spec §4.4's
// ordering requirement) should use DetachMark instead and notify the
// adapter themselves once the cascade is complete.
func (r *Registry) Detach(owner SessionID, deviceID uint32, ownerOverride bool) error {
	dev, err := r.remove(owner, deviceID, ownerOverride)
	if err != nil {
		return err
	}
	if r.adapter != nil {
		r.adapter.Unplug(dev.LocalID)
	}
	return nil
}

// DetachMark removes a single device from the table, enforcing
// ownership unless ownerOverride, without notifying the bus adapter.
// The caller is responsible for cascading the device's pending URBs to
// Cancelled completions and only then calling the adapter's Unplug, so
// the adapter observes Cancelled completions before Unplug (spec §4.4).
func (r *Registry) DetachMark(owner SessionID, deviceID uint32, ownerOverride bool) error {
	_, err := r.remove(owner, deviceID, ownerOverride)
	return err
}

func (r *Registry) remove(owner SessionID, deviceID uint32, ownerOverride bool) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if deviceID == 0 || deviceID > r.maxDevices || r.slots[deviceID] == nil {
		return nil, ErrUnknown
	}
	dev := r.slots[deviceID]
	if !ownerOverride && dev.Owner != owner {
		return nil, ErrNotOwned
	}
	r.slots[deviceID] = nil
	return dev, nil
}

// Find looks up a device by ID.
func (r *Registry) Find(deviceID uint32) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if deviceID == 0 || deviceID > r.maxDevices || r.slots[deviceID] == nil {
		return nil, ErrUnknown
	}
	return r.slots[deviceID], nil
}

// FindOwner returns the SessionID owning deviceID.
func (r *Registry) FindOwner(deviceID uint32) (SessionID, error) {
	dev, err := r.Find(deviceID)
	if err != nil {
		return "", err
	}
	return dev.Owner, nil
}

// Reap removes every device owned by session from the table and
// returns their IDs, without notifying the bus adapter. The URB Engine
// (via ReapSession) cascade-cancels each device's pending entries first
// and calls the adapter's Unplug only afterward, so the adapter
// observes Cancelled completions before Unplug (spec §4.4 "Cascade on
// session loss"). It is the one caller allowed to detach on another
// session's behalf.
func (r *Registry) Reap(owner SessionID) []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var reaped []uint32
	for id, dev := range r.slots {
		if dev != nil && dev.Owner == owner {
			reaped = append(reaped, uint32(id))
			r.slots[id] = nil
		}
	}
	return reaped
}

// List returns a snapshot of every attached device, for DEVICE_LIST
// responses and the admin API.
func (r *Registry) List() []*Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Device, 0, len(r.slots))
	for _, dev := range r.slots {
		if dev != nil {
			out = append(out, dev)
		}
	}
	return out
}

// MaxDevices returns the configured slot capacity.
func (r *Registry) MaxDevices() uint32 { return r.maxDevices }
