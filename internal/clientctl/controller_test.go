package clientctl

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/berndverst/usb-over-ip/internal/session"
)

func TestControllerRoundTripCancelledByContext(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	pending := NewPendingRequests()
	s := session.New(clientConn, nil)
	s.Start()
	defer s.Close(nil)
	controller := NewController(s, pending)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := controller.ListDevices(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPendingRequestsDeliverMatchesWaiter(t *testing.T) {
	pending := NewPendingRequests()
	ch, err := pending.Register(7)
	require.NoError(t, err)

	pending.deliver(7, []byte("payload"))

	select {
	case payload := <-ch:
		require.Equal(t, []byte("payload"), payload)
	case <-time.After(time.Second):
		t.Fatal("delivery never arrived")
	}
}

func TestPendingRequestsCloseAllUnblocksWaiters(t *testing.T) {
	pending := NewPendingRequests()
	ch, err := pending.Register(1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	var closed bool
	go func() {
		defer wg.Done()
		_, ok := <-ch
		closed = !ok
	}()

	pending.closeAll(nil)
	wg.Wait()
	require.True(t, closed)

	_, err = pending.Register(2)
	require.Error(t, err)
}

func TestPendingRequestsCancelDropsWaiter(t *testing.T) {
	pending := NewPendingRequests()
	_, err := pending.Register(3)
	require.NoError(t, err)
	pending.Cancel(3)

	// A delivery after Cancel should be a silent no-op, not a panic.
	pending.deliver(3, []byte("late"))
}
