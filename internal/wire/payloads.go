package wire

import (
	"encoding/binary"
	"fmt"
)

// ConnectRequestLen is the fixed size of a CONNECT request payload.
const ConnectRequestLen = 72

// ConnectRequest is sent client -> server to open a session (spec §4.2).
type ConnectRequest struct {
	ClientVersion uint32
	Capabilities  uint32
	ClientName    string
}

func EncodeConnectRequest(r ConnectRequest) []byte {
	buf := make([]byte, ConnectRequestLen)
	binary.LittleEndian.PutUint32(buf[0:4], r.ClientVersion)
	binary.LittleEndian.PutUint32(buf[4:8], r.Capabilities)
	putFixedString(buf[8:ConnectRequestLen], r.ClientName)
	return buf
}

func DecodeConnectRequest(buf []byte) (ConnectRequest, error) {
	if len(buf) < ConnectRequestLen {
		return ConnectRequest{}, protoErr(ShortBuffer, fmt.Sprintf("connect request needs %d bytes", ConnectRequestLen))
	}
	return ConnectRequest{
		ClientVersion: binary.LittleEndian.Uint32(buf[0:4]),
		Capabilities:  binary.LittleEndian.Uint32(buf[4:8]),
		ClientName:    getFixedString(buf[8:ConnectRequestLen]),
	}, nil
}

// ConnectResponseLen is the fixed size of a CONNECT response payload.
const ConnectResponseLen = 16

// ConnectResponse is sent server -> client in reply to CONNECT.
type ConnectResponse struct {
	Status       Status
	ServerVersion uint32
	Capabilities  uint32
	SessionID     uint32
}

func EncodeConnectResponse(r ConnectResponse) []byte {
	buf := make([]byte, ConnectResponseLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Status))
	binary.LittleEndian.PutUint32(buf[4:8], r.ServerVersion)
	binary.LittleEndian.PutUint32(buf[8:12], r.Capabilities)
	binary.LittleEndian.PutUint32(buf[12:16], r.SessionID)
	return buf
}

func DecodeConnectResponse(buf []byte) (ConnectResponse, error) {
	if len(buf) < ConnectResponseLen {
		return ConnectResponse{}, protoErr(ShortBuffer, fmt.Sprintf("connect response needs %d bytes", ConnectResponseLen))
	}
	return ConnectResponse{
		Status:        Status(binary.LittleEndian.Uint32(buf[0:4])),
		ServerVersion: binary.LittleEndian.Uint32(buf[4:8]),
		Capabilities:  binary.LittleEndian.Uint32(buf[8:12]),
		SessionID:     binary.LittleEndian.Uint32(buf[12:16]),
	}, nil
}

// DeviceAttachRequest is the client -> server DEVICE_ATTACH payload:
// a fixed Device Record, a descriptor-blob length, then the blob.
type DeviceAttachRequest struct {
	Info        DeviceInfo
	Descriptors []byte
}

func EncodeDeviceAttachRequest(r DeviceAttachRequest) []byte {
	buf := make([]byte, 0, DeviceInfoLen+4+len(r.Descriptors))
	buf = append(buf, EncodeDeviceInfo(r.Info)...)
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(r.Descriptors)))
	buf = append(buf, lenBuf...)
	buf = append(buf, r.Descriptors...)
	return buf
}

func DecodeDeviceAttachRequest(buf []byte) (DeviceAttachRequest, error) {
	if len(buf) < DeviceInfoLen+4 {
		return DeviceAttachRequest{}, protoErr(ShortBuffer, "device attach request truncated")
	}
	info, err := DecodeDeviceInfo(buf[:DeviceInfoLen])
	if err != nil {
		return DeviceAttachRequest{}, err
	}
	descLen := binary.LittleEndian.Uint32(buf[DeviceInfoLen : DeviceInfoLen+4])
	tail := buf[DeviceInfoLen+4:]
	if uint32(len(tail)) < descLen {
		return DeviceAttachRequest{}, protoErr(ShortBuffer, "descriptor blob truncated")
	}
	descriptors := make([]byte, descLen)
	copy(descriptors, tail[:descLen])
	return DeviceAttachRequest{Info: info, Descriptors: descriptors}, nil
}

// DeviceAttachResponseLen is the fixed size of a DEVICE_ATTACH reply.
const DeviceAttachResponseLen = 8

// DeviceAttachResponse is the server -> client DEVICE_ATTACH reply.
type DeviceAttachResponse struct {
	Status   Status
	DeviceID uint32
}

func EncodeDeviceAttachResponse(r DeviceAttachResponse) []byte {
	buf := make([]byte, DeviceAttachResponseLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.Status))
	binary.LittleEndian.PutUint32(buf[4:8], r.DeviceID)
	return buf
}

func DecodeDeviceAttachResponse(buf []byte) (DeviceAttachResponse, error) {
	if len(buf) < DeviceAttachResponseLen {
		return DeviceAttachResponse{}, protoErr(ShortBuffer, "device attach response truncated")
	}
	return DeviceAttachResponse{
		Status:   Status(binary.LittleEndian.Uint32(buf[0:4])),
		DeviceID: binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}

// DeviceDetachRequestLen is the fixed size of a DEVICE_DETACH payload.
const DeviceDetachRequestLen = 4

type DeviceDetachRequest struct {
	DeviceID uint32
}

func EncodeDeviceDetachRequest(r DeviceDetachRequest) []byte {
	buf := make([]byte, DeviceDetachRequestLen)
	binary.LittleEndian.PutUint32(buf[0:4], r.DeviceID)
	return buf
}

func DecodeDeviceDetachRequest(buf []byte) (DeviceDetachRequest, error) {
	if len(buf) < DeviceDetachRequestLen {
		return DeviceDetachRequest{}, protoErr(ShortBuffer, "device detach request truncated")
	}
	return DeviceDetachRequest{DeviceID: binary.LittleEndian.Uint32(buf[0:4])}, nil
}

// StatusPayloadLen is the fixed size of a generic STATUS / DEVICE_DETACH ack.
const StatusPayloadLen = 4

type StatusPayload struct {
	Status Status
}

func EncodeStatusPayload(s StatusPayload) []byte {
	buf := make([]byte, StatusPayloadLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.Status))
	return buf
}

func DecodeStatusPayload(buf []byte) (StatusPayload, error) {
	if len(buf) < StatusPayloadLen {
		return StatusPayload{}, protoErr(ShortBuffer, "status payload truncated")
	}
	return StatusPayload{Status: Status(binary.LittleEndian.Uint32(buf[0:4]))}, nil
}

// DeviceListResponse carries a count followed by that many Device
// Records (spec §6.1). DeviceListRequest has no payload.
type DeviceListResponse struct {
	Devices []DeviceInfo
}

func EncodeDeviceListResponse(r DeviceListResponse) []byte {
	buf := make([]byte, 4, 4+len(r.Devices)*DeviceInfoLen)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(r.Devices)))
	for _, d := range r.Devices {
		buf = append(buf, EncodeDeviceInfo(d)...)
	}
	return buf
}

func DecodeDeviceListResponse(buf []byte) (DeviceListResponse, error) {
	if len(buf) < 4 {
		return DeviceListResponse{}, protoErr(ShortBuffer, "device list response truncated")
	}
	count := binary.LittleEndian.Uint32(buf[0:4])
	need := 4 + int(count)*DeviceInfoLen
	if len(buf) < need {
		return DeviceListResponse{}, protoErr(ShortBuffer, "device list response truncated")
	}
	devices := make([]DeviceInfo, 0, count)
	off := 4
	for i := uint32(0); i < count; i++ {
		info, err := DecodeDeviceInfo(buf[off : off+DeviceInfoLen])
		if err != nil {
			return DeviceListResponse{}, err
		}
		devices = append(devices, info)
		off += DeviceInfoLen
	}
	return DeviceListResponse{Devices: devices}, nil
}

// ErrorPayloadLen is the fixed size of an ERROR payload: error_code,
// orig_command and orig_sequence, then a 64-byte message field.
const (
	errorMessageLen   = 64
	ErrorPayloadLen   = 4 + 2 + 4 + errorMessageLen
)

// ErrorPayload describes a protocol-level error report (spec §6.1).
type ErrorPayload struct {
	ErrorCode    uint32
	OrigCommand  Command
	OrigSequence uint32
	Message      string
}

func EncodeErrorPayload(e ErrorPayload) []byte {
	buf := make([]byte, ErrorPayloadLen)
	binary.LittleEndian.PutUint32(buf[0:4], e.ErrorCode)
	binary.LittleEndian.PutUint16(buf[4:6], uint16(e.OrigCommand))
	binary.LittleEndian.PutUint32(buf[6:10], e.OrigSequence)
	putFixedString(buf[10:10+errorMessageLen], e.Message)
	return buf
}

func DecodeErrorPayload(buf []byte) (ErrorPayload, error) {
	if len(buf) < ErrorPayloadLen {
		return ErrorPayload{}, protoErr(ShortBuffer, "error payload truncated")
	}
	return ErrorPayload{
		ErrorCode:    binary.LittleEndian.Uint32(buf[0:4]),
		OrigCommand:  Command(binary.LittleEndian.Uint16(buf[4:6])),
		OrigSequence: binary.LittleEndian.Uint32(buf[6:10]),
		Message:      getFixedString(buf[10 : 10+errorMessageLen]),
	}, nil
}
