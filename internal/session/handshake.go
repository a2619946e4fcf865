package session

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/berndverst/usb-over-ip/internal/wire"
)

// HandshakeTimeout bounds how long either side waits for the CONNECT
// exchange before giving up (spec §4.2).
const HandshakeTimeout = 5 * time.Second

// ProtocolVersion is this build's wire.Version(), advertised in both
// halves of the CONNECT exchange.
var ProtocolVersion = uint32(wire.Version())

// wireSessionCounter assigns the numeric session_id carried in the
// CONNECT response; it is purely informational on the wire and
// distinct from the session's internal uuid-based ID.
var wireSessionCounter atomic.Uint32

// ClientHandshake performs the client half of CONNECT: send the
// request, then block for the server's response. On success the
// session moves to StateEstablished.
func (s *Session) ClientHandshake(clientName string) error {
	s.setState(StateHandshaking)
	s.conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	req := wire.ConnectRequest{ClientVersion: ProtocolVersion, ClientName: clientName}
	frame := wire.EncodeFrame(wire.CmdConnect, s.nextSequence(), wire.EncodeConnectRequest(req))
	if _, err := s.conn.Write(frame); err != nil {
		return fmt.Errorf("session: send connect request: %w", err)
	}

	header := make([]byte, wire.HeaderLen)
	if _, err := readFull(s.conn, header); err != nil {
		return fmt.Errorf("session: read connect response: %w", err)
	}
	hdr, err := wire.DecodeHeader(header)
	if err != nil {
		return err
	}
	if hdr.Command != wire.CmdConnect {
		return fmt.Errorf("session: expected CONNECT response, got %s", hdr.Command)
	}
	payload := make([]byte, hdr.Length)
	if _, err := readFull(s.conn, payload); err != nil {
		return fmt.Errorf("session: read connect response payload: %w", err)
	}
	resp, err := wire.DecodeConnectResponse(payload)
	if err != nil {
		return err
	}
	if resp.Status != wire.StatusSuccess {
		return fmt.Errorf("session: server rejected connect: %s", resp.Status)
	}

	s.setState(StateEstablished)
	return nil
}

// ServerHandshake blocks for the client's CONNECT request and answers
// it. On success the session moves to StateEstablished.
func (s *Session) ServerHandshake() (wire.ConnectRequest, error) {
	s.setState(StateHandshaking)
	s.conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	header := make([]byte, wire.HeaderLen)
	if _, err := readFull(s.conn, header); err != nil {
		return wire.ConnectRequest{}, fmt.Errorf("session: read connect request: %w", err)
	}
	hdr, err := wire.DecodeHeader(header)
	if err != nil {
		return wire.ConnectRequest{}, err
	}
	if hdr.Command != wire.CmdConnect {
		s.rejectHandshake(hdr.Sequence, fmt.Sprintf("expected CONNECT, got %s", hdr.Command))
		return wire.ConnectRequest{}, fmt.Errorf("session: expected CONNECT request, got %s", hdr.Command)
	}
	payload := make([]byte, hdr.Length)
	if _, err := readFull(s.conn, payload); err != nil {
		return wire.ConnectRequest{}, fmt.Errorf("session: read connect request payload: %w", err)
	}
	req, err := wire.DecodeConnectRequest(payload)
	if err != nil {
		return wire.ConnectRequest{}, err
	}

	s.PeerName = req.ClientName
	resp := wire.ConnectResponse{Status: wire.StatusSuccess, ServerVersion: ProtocolVersion, SessionID: wireSessionCounter.Add(1)}
	frame := wire.EncodeFrame(wire.CmdConnect, hdr.Sequence, wire.EncodeConnectResponse(resp))
	if _, err := s.conn.Write(frame); err != nil {
		return wire.ConnectRequest{}, fmt.Errorf("session: send connect response: %w", err)
	}

	s.setState(StateEstablished)
	return req, nil
}

func (s *Session) rejectHandshake(sequence uint32, reason string) {
	resp := wire.ConnectResponse{Status: wire.StatusInvalidDescriptors}
	frame := wire.EncodeFrame(wire.CmdConnect, sequence, wire.EncodeConnectResponse(resp))
	s.conn.Write(frame)
}
