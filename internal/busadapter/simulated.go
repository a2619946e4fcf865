package busadapter

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/berndverst/usb-over-ip/internal/wire"
)

// HostCompletion is the result the host side of SimulatedAdapter
// receives once the engine completes a request it enqueued.
type HostCompletion struct {
	Status       wire.Status
	ActualLength uint32
	InBytes      []byte
}

type simDevice struct {
	id   uint32
	info wire.DeviceInfo
}

type hostRequest struct {
	pending PendingURB
	result  chan HostCompletion
}

// SimulatedAdapter is an in-process stand-in for the real OS bus
// adapter: a single-threaded producer/consumer work queue (spec §4.5),
// the shape the engine is tested against. Plugin/Unplug track a plain
// device table; PollPendingURB/CompleteURB/CancelURB drain a channel
// fed by Enqueue, the method test harnesses and the loopback host use
// to simulate a kernel handing the engine work.
type SimulatedAdapter struct {
	mu      sync.Mutex
	devices map[uint32]simDevice
	nextID  uint32

	nextHandle atomic.Uint64
	pending    chan hostRequest
	inflight   map[uint64]chan HostCompletion

	stats  Statistics
	closed chan struct{}
	once   sync.Once
}

// NewSimulatedAdapter creates a SimulatedAdapter with the given pending
// queue depth (the adapter's internal work-queue capacity).
func NewSimulatedAdapter(queueDepth int) *SimulatedAdapter {
	return &SimulatedAdapter{
		devices:  make(map[uint32]simDevice),
		pending:  make(chan hostRequest, queueDepth),
		inflight: make(map[uint64]chan HostCompletion),
		closed:   make(chan struct{}),
	}
}

func (a *SimulatedAdapter) GetVersion() (Version, error) {
	return Version{DriverVersion: 1, ProtocolVersion: uint32(wire.Version()), MaxDevices: 128}, nil
}

func (a *SimulatedAdapter) Plugin(info wire.DeviceInfo, _ []byte) (uint32, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	id := a.nextID
	a.devices[id] = simDevice{id: id, info: info}
	a.stats.DevicesPluggedIn++
	return id, nil
}

func (a *SimulatedAdapter) Unplug(deviceID uint32) error {
	a.mu.Lock()
	delete(a.devices, deviceID)
	a.mu.Unlock()
	return nil
}

func (a *SimulatedAdapter) GetDeviceList() ([]DeviceListEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]DeviceListEntry, 0, len(a.devices))
	for id, d := range a.devices {
		out = append(out, DeviceListEntry{DeviceID: id, Port: id, Info: d.info})
	}
	return out, nil
}

// Enqueue is the host-side half of the simulated adapter: it hands the
// engine one pending URB and returns a channel that receives the
// completion once the engine (via CompleteURB) or a cancel resolves it.
// Real deployments have no equivalent call; the kernel driver produces
// PendingURBs on its own. Tests use this to drive PollPendingURB.
func (a *SimulatedAdapter) Enqueue(p PendingURB) <-chan HostCompletion {
	handle := a.nextHandle.Add(1)
	p.RequestHandle = handle
	result := make(chan HostCompletion, 1)

	a.mu.Lock()
	a.inflight[handle] = result
	a.mu.Unlock()

	a.pending <- hostRequest{pending: p, result: result}
	return result
}

func (a *SimulatedAdapter) PollPendingURB(ctx context.Context) (PendingURB, error) {
	select {
	case req := <-a.pending:
		a.mu.Lock()
		a.stats.URBsForwarded++
		a.mu.Unlock()
		return req.pending, nil
	case <-a.closed:
		return PendingURB{}, ErrWouldBlock
	case <-ctx.Done():
		return PendingURB{}, ctx.Err()
	}
}

func (a *SimulatedAdapter) CompleteURB(_ uint32, requestHandle uint64, status wire.Status, actualLength uint32, inBytes []byte) error {
	a.mu.Lock()
	result, ok := a.inflight[requestHandle]
	delete(a.inflight, requestHandle)
	if ok {
		a.stats.URBsCompleted++
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	result <- HostCompletion{Status: status, ActualLength: actualLength, InBytes: inBytes}
	close(result)
	return nil
}

func (a *SimulatedAdapter) CancelURB(requestHandle uint64) error {
	a.mu.Lock()
	result, ok := a.inflight[requestHandle]
	delete(a.inflight, requestHandle)
	if ok {
		a.stats.URBsCancelled++
	}
	a.mu.Unlock()
	if !ok {
		return nil
	}
	result <- HostCompletion{Status: wire.StatusCancelled}
	close(result)
	return nil
}

func (a *SimulatedAdapter) GetStatistics() (Statistics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats, nil
}

func (a *SimulatedAdapter) ResetDevice(uint32) error { return nil }

func (a *SimulatedAdapter) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}
