package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/berndverst/usb-over-ip/internal/wire"
)

type recordingHandler struct {
	mu     sync.Mutex
	frames []wire.Header
	closed bool
	err    error
	seen   chan struct{}
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{seen: make(chan struct{}, 16)}
}

func (h *recordingHandler) HandleFrame(_ *Session, hdr wire.Header, _ []byte) {
	h.mu.Lock()
	h.frames = append(h.frames, hdr)
	h.mu.Unlock()
	h.seen <- struct{}{}
}

func (h *recordingHandler) HandleClosed(_ *Session, err error) {
	h.mu.Lock()
	h.closed = true
	h.err = err
	h.mu.Unlock()
}

func pipeConns(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	c1, c2 := net.Pipe()
	return c1, c2
}

func TestHandshakeEstablishesSession(t *testing.T) {
	clientConn, serverConn := pipeConns(t)
	defer clientConn.Close()
	defer serverConn.Close()

	clientH := newRecordingHandler()
	serverH := newRecordingHandler()
	client := New(clientConn, clientH)
	server := New(serverConn, serverH)

	var wg sync.WaitGroup
	wg.Add(2)
	var clientErr, serverErr error
	go func() {
		defer wg.Done()
		clientErr = client.ClientHandshake("tester")
	}()
	go func() {
		defer wg.Done()
		_, serverErr = server.ServerHandshake()
	}()
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	require.Equal(t, StateEstablished, client.State())
	require.Equal(t, StateEstablished, server.State())
	require.Equal(t, "tester", server.PeerName)
}

func TestSendAndReceiveFrame(t *testing.T) {
	clientConn, serverConn := pipeConns(t)
	clientH := newRecordingHandler()
	serverH := newRecordingHandler()
	client := New(clientConn, clientH)
	server := New(serverConn, serverH)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); require.NoError(t, client.ClientHandshake("tester")) }()
	go func() { defer wg.Done(); _, err := server.ServerHandshake(); require.NoError(t, err) }()
	wg.Wait()

	client.Start()
	server.Start()
	defer client.Close(nil)
	defer server.Close(nil)

	_, err := client.Send(wire.CmdDeviceList, nil)
	require.NoError(t, err)

	select {
	case <-serverH.seen:
	case <-time.After(time.Second):
		t.Fatal("server never observed the frame")
	}

	serverH.mu.Lock()
	require.Len(t, serverH.frames, 1)
	require.Equal(t, wire.CmdDeviceList, serverH.frames[0].Command)
	serverH.mu.Unlock()
}

func TestQueueFullRejectsSend(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	s := New(clientConn, nil)
	s.setState(StateEstablished)

	big := make([]byte, wire.MaxPayloadLen)
	var err error
	for i := 0; i < MaxQueuedFrames+1; i++ {
		_, err = s.Send(wire.CmdPing, big)
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestCloseIsIdempotentAndNotifiesOnce(t *testing.T) {
	clientConn, _ := net.Pipe()
	h := newRecordingHandler()
	s := New(clientConn, h)
	s.Close(nil)
	s.Close(nil)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.True(t, h.closed)
}
