// Package session implements the Connection Session state machine
// (spec §4.2): the framed, full-duplex TCP conversation between one
// server and one client, including the CONNECT handshake, keep-alive
// PING/PONG, and a bounded outbound send queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"

	"github.com/berndverst/usb-over-ip/internal/wire"
)

const (
	// MaxQueuedFrames bounds the outbound send queue (spec §4.2 backpressure).
	MaxQueuedFrames = 1024
	// MaxQueuedBytes bounds the outbound send queue by payload size.
	MaxQueuedBytes = 16 << 20

	// KeepaliveInterval is how often an established session sends PING.
	KeepaliveInterval = 10 * time.Second
	// KeepaliveMisses is how many missed PONGs close the session.
	KeepaliveMisses = 3
)

var (
	// ErrQueueFull is returned by Send when the outbound queue is saturated.
	ErrQueueFull = errors.New("session: send queue full")
	// ErrClosed is returned by Send/SendResponse on a closed session.
	ErrClosed = errors.New("session: closed")
	// ErrWrongState is returned when an operation is attempted outside
	// the state it requires.
	ErrWrongState = errors.New("session: wrong state for operation")
)

// ID identifies one Connection Session. It doubles as registry.SessionID.
type ID string

// Handler receives events from a Session's read loop. Implementations
// must not block for long inside HandleFrame; the caller blocks the
// reader goroutine until it returns.
type Handler interface {
	HandleFrame(s *Session, hdr wire.Header, payload []byte)
	HandleClosed(s *Session, err error)
}

type outboundFrame struct {
	bytes []byte
}

// Session owns one net.Conn and the framed protocol running over it.
type Session struct {
	ID   ID
	conn net.Conn

	handler Handler

	mu    sync.Mutex
	state State

	seq atomic.Uint32

	sendCh      chan outboundFrame
	queuedBytes atomic.Int64

	lastPong atomic.Int64 // unix nanos

	closeOnce sync.Once
	closeErr  error
	done      chan struct{}
	wg        sync.WaitGroup

	// PeerName is the client name received by ServerHandshake and is
	// read-only after it completes; ClientHandshake leaves it empty.
	PeerName string
}

// New wraps conn in a Session. The caller must drive the handshake
// (ClientHandshake or ServerHandshake) before calling Start.
func New(conn net.Conn, handler Handler) *Session {
	return &Session{
		ID:      ID(uuid.NewString()),
		conn:    conn,
		handler: handler,
		state:   StateCreated,
		sendCh:  make(chan outboundFrame, MaxQueuedFrames),
		done:    make(chan struct{}),
	}
}

// Dial opens a TCP connection to addr with an exponential backoff
// retry policy (100ms initial interval, 5s cap, 30s overall), then
// wraps it in a Session.
func Dial(ctx context.Context, addr string, handler Handler) (*Session, error) {
	var conn net.Conn
	dialer := &net.Dialer{}
	op := func() error {
		c, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second

	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("session: dial %s: %w", addr, err)
	}
	return New(conn, handler), nil
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// nextSequence returns a fresh monotonic sequence number for an
// unsolicited send (spec §4.2: solicited responses instead echo the
// request's sequence).
func (s *Session) nextSequence() uint32 {
	return s.seq.Add(1)
}

// NextSequence reserves a fresh sequence number for a caller that must
// register a response waiter before the request frame reaches the
// wire (clientctl.Controller's request/response round trips).
func (s *Session) NextSequence() uint32 {
	return s.nextSequence()
}

// Send encodes and enqueues an unsolicited frame, assigning it a fresh
// monotonic sequence number, which is returned for correlation.
func (s *Session) Send(cmd wire.Command, payload []byte) (uint32, error) {
	sequence := s.nextSequence()
	return sequence, s.enqueue(cmd, sequence, payload)
}

// SendResponse encodes and enqueues a frame that echoes the sequence
// number of the request it answers.
func (s *Session) SendResponse(cmd wire.Command, sequence uint32, payload []byte) error {
	return s.enqueue(cmd, sequence, payload)
}

func (s *Session) enqueue(cmd wire.Command, sequence uint32, payload []byte) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	frame := wire.EncodeFrame(cmd, sequence, payload)
	if s.queuedBytes.Load()+int64(len(frame)) > MaxQueuedBytes {
		return ErrQueueFull
	}

	select {
	case s.sendCh <- outboundFrame{bytes: frame}:
		s.queuedBytes.Add(int64(len(frame)))
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the reader and writer goroutines; the writer also
// sends the keep-alive PINGs. Call it once the CONNECT handshake has
// completed: the read loop does not handle CONNECT, and Start does not
// check the session's state.
func (s *Session) Start() {
	s.lastPong.Store(time.Now().UnixNano())
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
}

// Wait blocks until the session is fully closed and its goroutines
// have exited, returning the error that caused the close (nil for a
// clean shutdown).
func (s *Session) Wait() error {
	<-s.done
	s.wg.Wait()
	return s.closeErr
}

// Close idempotently tears the session down: it stops the goroutines,
// closes the underlying connection, and notifies the handler exactly
// once.
func (s *Session) Close(cause error) error {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		s.closeErr = cause
		close(s.done)
		s.conn.Close()
		if s.handler != nil {
			s.handler.HandleClosed(s, cause)
		}
	})
	return nil
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	header := make([]byte, wire.HeaderLen)
	for {
		if _, err := readFull(s.conn, header); err != nil {
			s.Close(err)
			return
		}
		hdr, err := wire.DecodeHeader(header)
		if err != nil {
			s.Close(err)
			return
		}
		payload := make([]byte, hdr.Length)
		if hdr.Length > 0 {
			if _, err := readFull(s.conn, payload); err != nil {
				s.Close(err)
				return
			}
		}

		if hdr.Command == wire.CmdPong {
			s.lastPong.Store(time.Now().UnixNano())
			continue
		}
		if hdr.Command == wire.CmdPing {
			_ = s.SendResponse(wire.CmdPong, hdr.Sequence, nil)
			continue
		}
		if s.handler != nil {
			s.handler.HandleFrame(s, hdr, payload)
		}
	}
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case f := <-s.sendCh:
			s.queuedBytes.Add(-int64(len(f.bytes)))
			if _, err := s.conn.Write(f.bytes); err != nil {
				s.Close(err)
				return
			}
		case <-ticker.C:
			last := time.Unix(0, s.lastPong.Load())
			if time.Since(last) > KeepaliveInterval*KeepaliveMisses {
				s.Close(fmt.Errorf("session: keepalive timeout, no PONG in %s", KeepaliveInterval*KeepaliveMisses))
				return
			}
			if _, err := s.conn.Write(wire.EncodeFrame(wire.CmdPing, s.nextSequence(), nil)); err != nil {
				s.Close(err)
				return
			}
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
