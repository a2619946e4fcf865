package transferexec

import (
	"context"
	"sync"

	"github.com/berndverst/usb-over-ip/internal/wire"
)

// SimulatedExecutor loops transfers back in-process: In requests are
// satisfied with zero-filled data of the requested length, Out
// requests are acknowledged with actual_length equal to the bytes
// sent. It exists so the client-side mirror, and anything layered on
// top of it, can be exercised without real hardware.
type SimulatedExecutor struct {
	mu     sync.Mutex
	closed bool
}

// NewSimulatedExecutor creates a ready-to-use SimulatedExecutor.
func NewSimulatedExecutor() *SimulatedExecutor {
	return &SimulatedExecutor{}
}

func (e *SimulatedExecutor) Transfer(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return Response{Status: wire.StatusNoDevice}, nil
	}

	if req.Direction == wire.DirectionIn {
		return Response{Status: wire.StatusSuccess, ActualLength: req.BufferLength, InBytes: make([]byte, req.BufferLength)}, nil
	}
	return Response{Status: wire.StatusSuccess, ActualLength: uint32(len(req.OutBytes))}, nil
}

func (e *SimulatedExecutor) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}
