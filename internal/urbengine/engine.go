package urbengine

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/berndverst/usb-over-ip/internal/busadapter"
	"github.com/berndverst/usb-over-ip/internal/registry"
	"github.com/berndverst/usb-over-ip/internal/session"
	"github.com/berndverst/usb-over-ip/internal/wire"
)

// Sender is the narrow view of session.Manager the engine needs: send
// an unsolicited frame to the session owning a device.
type Sender interface {
	SendTo(id session.ID, cmd wire.Command, payload []byte) (uint32, error)
}

// Engine is the server-side URB Engine (spec §4.4).
type Engine struct {
	registry *registry.Registry
	adapter  busadapter.Adapter
	sender   Sender

	timeout       time.Duration
	sweepInterval time.Duration

	mu      sync.Mutex
	pending map[uint32]*Entry

	urbCounter atomic.Uint64

	stopCh     chan struct{}
	cancelPump context.CancelFunc
	wg         sync.WaitGroup
}

// New creates an Engine wired to reg, adapter, and sender, with the
// given per-URB timeout (0 selects DefaultTimeout).
func New(reg *registry.Registry, adapter busadapter.Adapter, sender Sender, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{
		registry:      reg,
		adapter:       adapter,
		sender:        sender,
		timeout:       timeout,
		sweepInterval: SweepInterval,
		pending:       make(map[uint32]*Entry),
		stopCh:        make(chan struct{}),
	}
}

// Start launches the adapter-pump and timeout-sweep goroutines. ctx
// cancellation stops the pump; Stop stops both unconditionally.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancelPump = context.WithCancel(ctx)
	e.wg.Add(2)
	go e.pump(ctx)
	go e.sweepLoop()
}

// Stop halts the sweep loop and unblocks the pump.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	if e.cancelPump != nil {
		e.cancelPump()
	}
	e.wg.Wait()
}

func (e *Engine) pump(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		p, err := e.adapter.PollPendingURB(ctx)
		if err != nil {
			if err == busadapter.ErrWouldBlock || ctx.Err() != nil {
				return
			}
			log.Printf("urbengine: poll pending urb: %v", err)
			continue
		}
		e.submit(p)
	}
}

// submit implements spec §4.4's submission path.
func (e *Engine) submit(p busadapter.PendingURB) {
	urbID := uint32(e.urbCounter.Add(1))

	owner, err := e.registry.FindOwner(p.DeviceID)
	if err != nil {
		e.adapter.CompleteURB(p.DeviceID, p.RequestHandle, wire.StatusNoDevice, 0, nil)
		return
	}

	entry := &Entry{
		URBID:           urbID,
		DeviceID:        p.DeviceID,
		Owner:           owner,
		EndpointAddress: p.EndpointAddress,
		TransferType:    p.TransferType,
		Direction:       p.Direction,
		TransferFlags:   p.TransferFlags,
		BufferLength:    p.BufferLength,
		Interval:        p.Interval,
		SetupPacket:     p.SetupPacket,
		OutBytes:        p.OutBytes,
		RequestHandle:   p.RequestHandle,
		SubmitTime:      time.Now(),
		Timeout:         e.timeout,
	}

	e.mu.Lock()
	e.pending[urbID] = entry
	e.mu.Unlock()

	submitPayload := wire.EncodeURBSubmit(wire.URBSubmit{
		DeviceID:        entry.DeviceID,
		URBID:           entry.URBID,
		EndpointAddress: entry.EndpointAddress,
		TransferType:    entry.TransferType,
		Direction:       entry.Direction,
		TransferFlags:   entry.TransferFlags,
		BufferLength:    entry.BufferLength,
		Interval:        entry.Interval,
		SetupPacket:     entry.SetupPacket,
		OutBytes:        entry.OutBytes,
	})

	sequence, err := e.sender.SendTo(owner, wire.CmdURBSubmit, submitPayload)
	if err != nil {
		e.removeEntry(urbID)
		e.adapter.CompleteURB(entry.DeviceID, entry.RequestHandle, wire.StatusErrorBusy, 0, nil)
		return
	}

	e.mu.Lock()
	entry.Sequence = sequence
	e.mu.Unlock()
}

func (e *Engine) removeEntry(urbID uint32) *Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.pending[urbID]
	if !ok {
		return nil
	}
	delete(e.pending, urbID)
	return entry
}

// Complete implements spec §4.4's completion path: a URB_COMPLETE
// arrived from the owning session. A peer reporting actual_length or
// in_bytes beyond the buffer_length it was given at submission time is
// truncated to that buffer_length before it reaches the adapter or the
// device's byte counters; the owning session never gets to grow the
// buffer it was handed.
func (e *Engine) Complete(deviceID, urbID uint32, status wire.Status, actualLength uint32, inBytes []byte) {
	entry := e.removeEntry(urbID)
	if entry == nil {
		// A completion without a matching submission is a stale
		// duplicate, not an error (spec §4.4).
		log.Printf("urbengine: dropping stale completion for urb %d", urbID)
		return
	}

	if actualLength > entry.BufferLength {
		actualLength = entry.BufferLength
	}
	if uint32(len(inBytes)) > entry.BufferLength {
		inBytes = inBytes[:entry.BufferLength]
	}

	if dev, err := e.registry.Find(deviceID); err == nil {
		if status == wire.StatusSuccess || status == wire.StatusErrorShortXfer {
			dev.IncCompleted()
		} else {
			dev.IncErrored()
		}
		if entry.Direction == wire.DirectionIn {
			dev.AddBytesIn(len(inBytes))
		} else {
			dev.AddBytesOut(int(entry.BufferLength))
		}
	}

	e.adapter.CompleteURB(entry.DeviceID, entry.RequestHandle, status, actualLength, inBytes)
}

// Cancel implements spec §4.4's cancellation: a URB_CANCEL arrived for
// {device_id, urb_id}. A cancel on an absent URB is a no-op.
func (e *Engine) Cancel(deviceID, urbID uint32) {
	e.mu.Lock()
	entry, ok := e.pending[urbID]
	if !ok || entry.DeviceID != deviceID {
		e.mu.Unlock()
		return
	}
	delete(e.pending, urbID)
	e.mu.Unlock()
	e.adapter.CompleteURB(entry.DeviceID, entry.RequestHandle, wire.StatusCancelled, 0, nil)
}

// ReapSession implements spec §4.4's "Cascade on session loss": every
// pending entry belonging to one of the just-reaped devices is
// completed with Cancelled (no URB_CANCEL is sent to the peer), and
// only once every such entry has been completed does the adapter see
// Unplug for each device. This
// ordering (Cancelled completions, then Unplug) matches spec §8
// scenario 5; reapedDeviceIDs must already be removed from the
// registry (registry.Registry.Reap) before this is called.
func (e *Engine) ReapSession(reapedDeviceIDs []uint32) {
	if len(reapedDeviceIDs) == 0 {
		return
	}
	reaped := make(map[uint32]bool, len(reapedDeviceIDs))
	for _, id := range reapedDeviceIDs {
		reaped[id] = true
	}

	e.mu.Lock()
	var toCancel []*Entry
	for urbID, entry := range e.pending {
		if reaped[entry.DeviceID] {
			toCancel = append(toCancel, entry)
			delete(e.pending, urbID)
		}
	}
	e.mu.Unlock()

	for _, entry := range toCancel {
		e.adapter.CompleteURB(entry.DeviceID, entry.RequestHandle, wire.StatusCancelled, 0, nil)
	}

	for _, deviceID := range reapedDeviceIDs {
		e.adapter.Unplug(deviceID)
	}
}

func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.sweepExpired()
		}
	}
}

func (e *Engine) sweepExpired() {
	now := time.Now()
	e.mu.Lock()
	var expired []*Entry
	for urbID, entry := range e.pending {
		if entry.expired(now) {
			expired = append(expired, entry)
			delete(e.pending, urbID)
		}
	}
	e.mu.Unlock()

	for _, entry := range expired {
		e.adapter.CompleteURB(entry.DeviceID, entry.RequestHandle, wire.StatusErrorBusy, 0, nil)
		cancelPayload := wire.EncodeURBCancel(wire.URBCancel{DeviceID: entry.DeviceID, URBID: entry.URBID})
		if _, err := e.sender.SendTo(entry.Owner, wire.CmdURBCancel, cancelPayload); err != nil {
			log.Printf("urbengine: advisory cancel for timed-out urb %d: %v", entry.URBID, err)
		}
	}
}

// PendingCount reports how many URBs are currently in flight, for the
// admin API.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}
