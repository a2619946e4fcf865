package busadapter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/berndverst/usb-over-ip/internal/wire"
)

func TestSimulatedAdapterPluginUnplug(t *testing.T) {
	a := NewSimulatedAdapter(4)
	id, err := a.Plugin(wire.DeviceInfo{VendorID: 0x1234}, nil)
	require.NoError(t, err)
	require.NotZero(t, id)

	list, err := a.GetDeviceList()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, a.Unplug(id))
	list, err = a.GetDeviceList()
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestSimulatedAdapterEnqueueAndComplete(t *testing.T) {
	a := NewSimulatedAdapter(4)
	result := a.Enqueue(PendingURB{DeviceID: 1, EndpointAddress: 0x81, TransferType: wire.TransferBulk, Direction: wire.DirectionIn, BufferLength: 4})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := a.PollPendingURB(ctx)
	require.NoError(t, err)
	require.NotZero(t, p.RequestHandle)

	require.NoError(t, a.CompleteURB(p.DeviceID, p.RequestHandle, wire.StatusSuccess, 4, []byte{1, 2, 3, 4}))

	select {
	case c := <-result:
		require.Equal(t, wire.StatusSuccess, c.Status)
		require.Equal(t, []byte{1, 2, 3, 4}, c.InBytes)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}

	stats, err := a.GetStatistics()
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.URBsForwarded)
	require.EqualValues(t, 1, stats.URBsCompleted)
}

func TestSimulatedAdapterCancel(t *testing.T) {
	a := NewSimulatedAdapter(4)
	result := a.Enqueue(PendingURB{DeviceID: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := a.PollPendingURB(ctx)
	require.NoError(t, err)

	require.NoError(t, a.CancelURB(p.RequestHandle))
	c := <-result
	require.Equal(t, wire.StatusCancelled, c.Status)
}

func TestSimulatedAdapterCloseUnblocksPoll(t *testing.T) {
	a := NewSimulatedAdapter(4)
	done := make(chan error, 1)
	go func() {
		_, err := a.PollPendingURB(context.Background())
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, a.Close())
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrWouldBlock)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock PollPendingURB")
	}
}
