package wire

import (
	"encoding/binary"
	"fmt"
)

// SetupPacketLen is the fixed size of a USB control-transfer setup
// packet (spec GLOSSARY).
const SetupPacketLen = 8

// urbSubmitFixedLen is the fixed prefix of a URB_SUBMIT payload, before
// any Out-direction data tail (spec §4.4 step 4).
const urbSubmitFixedLen = 4 + 4 + 1 + 1 + 1 + 1 + 4 + 4 + 4 + SetupPacketLen

// URBSubmit is the server -> client URB_SUBMIT payload.
type URBSubmit struct {
	DeviceID        uint32
	URBID           uint32
	EndpointAddress uint8
	TransferType    TransferType
	Direction       Direction
	TransferFlags   uint32
	BufferLength    uint32
	Interval        uint32
	SetupPacket     [SetupPacketLen]byte
	OutBytes        []byte // only meaningful when Direction == DirectionOut
}

func EncodeURBSubmit(u URBSubmit) []byte {
	buf := make([]byte, urbSubmitFixedLen, urbSubmitFixedLen+len(u.OutBytes))
	binary.LittleEndian.PutUint32(buf[0:4], u.DeviceID)
	binary.LittleEndian.PutUint32(buf[4:8], u.URBID)
	buf[8] = u.EndpointAddress
	buf[9] = uint8(u.TransferType)
	buf[10] = uint8(u.Direction)
	buf[11] = 0 // reserved
	binary.LittleEndian.PutUint32(buf[12:16], u.TransferFlags)
	binary.LittleEndian.PutUint32(buf[16:20], u.BufferLength)
	binary.LittleEndian.PutUint32(buf[20:24], u.Interval)
	copy(buf[24:24+SetupPacketLen], u.SetupPacket[:])
	if u.Direction == DirectionOut {
		buf = append(buf, u.OutBytes...)
	}
	return buf
}

func DecodeURBSubmit(buf []byte) (URBSubmit, error) {
	if len(buf) < urbSubmitFixedLen {
		return URBSubmit{}, protoErr(ShortBuffer, fmt.Sprintf("urb submit needs %d bytes", urbSubmitFixedLen))
	}
	u := URBSubmit{
		DeviceID:        binary.LittleEndian.Uint32(buf[0:4]),
		URBID:           binary.LittleEndian.Uint32(buf[4:8]),
		EndpointAddress: buf[8],
		TransferType:    TransferType(buf[9]),
		Direction:       Direction(buf[10]),
		TransferFlags:   binary.LittleEndian.Uint32(buf[12:16]),
		BufferLength:    binary.LittleEndian.Uint32(buf[16:20]),
		Interval:        binary.LittleEndian.Uint32(buf[20:24]),
	}
	copy(u.SetupPacket[:], buf[24:24+SetupPacketLen])
	if u.Direction == DirectionOut {
		tail := buf[urbSubmitFixedLen:]
		u.OutBytes = make([]byte, len(tail))
		copy(u.OutBytes, tail)
	}
	return u, nil
}

// urbCompleteFixedLen is the fixed prefix of a URB_COMPLETE payload,
// before any In-direction data tail.
const urbCompleteFixedLen = 4 + 4 + 4 + 4

// URBComplete is the client -> server URB_COMPLETE payload.
type URBComplete struct {
	DeviceID     uint32
	URBID        uint32
	Status       Status
	ActualLength uint32
	InBytes      []byte // only meaningful for In-direction URBs
}

func EncodeURBComplete(u URBComplete) []byte {
	buf := make([]byte, urbCompleteFixedLen, urbCompleteFixedLen+len(u.InBytes))
	binary.LittleEndian.PutUint32(buf[0:4], u.DeviceID)
	binary.LittleEndian.PutUint32(buf[4:8], u.URBID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(u.Status))
	binary.LittleEndian.PutUint32(buf[12:16], u.ActualLength)
	buf = append(buf, u.InBytes...)
	return buf
}

func DecodeURBComplete(buf []byte) (URBComplete, error) {
	if len(buf) < urbCompleteFixedLen {
		return URBComplete{}, protoErr(ShortBuffer, fmt.Sprintf("urb complete needs %d bytes", urbCompleteFixedLen))
	}
	u := URBComplete{
		DeviceID:     binary.LittleEndian.Uint32(buf[0:4]),
		URBID:        binary.LittleEndian.Uint32(buf[4:8]),
		Status:       Status(binary.LittleEndian.Uint32(buf[8:12])),
		ActualLength: binary.LittleEndian.Uint32(buf[12:16]),
	}
	tail := buf[urbCompleteFixedLen:]
	if len(tail) > 0 {
		u.InBytes = make([]byte, len(tail))
		copy(u.InBytes, tail)
	}
	return u, nil
}

// URBCancelLen is the fixed size of a URB_CANCEL payload.
const URBCancelLen = 8

// URBCancel is an advisory cancel, sent in either direction.
type URBCancel struct {
	DeviceID uint32
	URBID    uint32
}

func EncodeURBCancel(u URBCancel) []byte {
	buf := make([]byte, URBCancelLen)
	binary.LittleEndian.PutUint32(buf[0:4], u.DeviceID)
	binary.LittleEndian.PutUint32(buf[4:8], u.URBID)
	return buf
}

func DecodeURBCancel(buf []byte) (URBCancel, error) {
	if len(buf) < URBCancelLen {
		return URBCancel{}, protoErr(ShortBuffer, "urb cancel truncated")
	}
	return URBCancel{
		DeviceID: binary.LittleEndian.Uint32(buf[0:4]),
		URBID:    binary.LittleEndian.Uint32(buf[4:8]),
	}, nil
}
