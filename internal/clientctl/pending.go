// Package clientctl is the client-side counterpart of internal/server:
// it dispatches incoming URB_SUBMIT/URB_CANCEL frames to the URB
// Engine mirror, and correlates this client's own outbound
// DEVICE_ATTACH/DEVICE_DETACH/DEVICE_LIST requests with their
// responses, which the session layer delivers asynchronously off the
// same read loop as everything else (spec §4.2).
package clientctl

import (
	"fmt"
	"sync"
)

// PendingRequests correlates a request's sequence number with the
// channel its caller is blocked on, the way a request/response client
// has to when responses arrive on a shared, asynchronously-read
// connection rather than in strict call/return order.
type PendingRequests struct {
	mu      sync.Mutex
	waiters map[uint32]chan []byte
	closed  bool
}

// NewPendingRequests creates an empty correlation table.
func NewPendingRequests() *PendingRequests {
	return &PendingRequests{waiters: make(map[uint32]chan []byte)}
}

// Register reserves sequence and returns the channel its response
// payload will arrive on.
func (p *PendingRequests) Register(sequence uint32) (<-chan []byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, fmt.Errorf("clientctl: session closed")
	}
	ch := make(chan []byte, 1)
	p.waiters[sequence] = ch
	return ch, nil
}

// Cancel drops a reservation that the caller gave up waiting on (e.g.
// its context expired).
func (p *PendingRequests) Cancel(sequence uint32) {
	p.mu.Lock()
	delete(p.waiters, sequence)
	p.mu.Unlock()
}

func (p *PendingRequests) deliver(sequence uint32, payload []byte) {
	p.mu.Lock()
	ch, ok := p.waiters[sequence]
	if ok {
		delete(p.waiters, sequence)
	}
	p.mu.Unlock()
	if ok {
		ch <- payload
	}
}

func (p *PendingRequests) closeAll(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for seq, ch := range p.waiters {
		close(ch)
		delete(p.waiters, seq)
	}
}
