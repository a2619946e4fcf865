package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := EncodeHeader(CmdURBSubmit, 42, 7)
	hdr, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, Magic, hdr.Magic)
	assert.Equal(t, Version(), hdr.Version)
	assert.Equal(t, CmdURBSubmit, hdr.Command)
	assert.EqualValues(t, 42, hdr.Length)
	assert.EqualValues(t, 7, hdr.Sequence)
}

func TestHeaderBadMagic(t *testing.T) {
	buf := EncodeHeader(CmdPing, 0, 1)
	buf[0] ^= 0xFF
	_, err := DecodeHeader(buf)
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, BadMagic, pe.Kind)
}

func TestHeaderBadVersion(t *testing.T) {
	buf := EncodeHeader(CmdPing, 0, 1)
	buf[5] = 9 // major version byte
	_, err := DecodeHeader(buf)
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, BadVersion, pe.Kind)
}

func TestHeaderLengthBoundaries(t *testing.T) {
	for _, length := range []uint32{0, MaxPayloadLen} {
		buf := EncodeHeader(CmdPing, length, 1)
		hdr, err := DecodeHeader(buf)
		require.NoError(t, err)
		assert.EqualValues(t, length, hdr.Length)
	}

	buf := EncodeHeader(CmdPing, MaxPayloadLen+1, 1)
	_, err := DecodeHeader(buf)
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, LengthOverflow, pe.Kind)
}

func TestHeaderShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderLen-1))
	require.Error(t, err)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, ShortBuffer, pe.Kind)
}

func TestDeviceInfoRoundTrip(t *testing.T) {
	info := DeviceInfo{
		DeviceID:          7,
		VendorID:          0x1234,
		ProductID:         0x5678,
		Class:             0xFF,
		SubClass:          0x01,
		Protocol:          0x02,
		Speed:             SpeedHigh,
		NumConfigurations: 1,
		NumInterfaces:     1,
		Manufacturer:      "Acme",
		Product:           "TestDev",
		Serial:            "SN001",
	}
	buf := EncodeDeviceInfo(info)
	require.Len(t, buf, DeviceInfoLen)

	got, err := DecodeDeviceInfo(buf)
	require.NoError(t, err)
	assert.Equal(t, info, got)
}

func TestDeviceInfoStringTruncation(t *testing.T) {
	exact63 := strings.Repeat("a", 63)
	info := DeviceInfo{Manufacturer: exact63}
	buf := EncodeDeviceInfo(info)
	got, err := DecodeDeviceInfo(buf)
	require.NoError(t, err)
	assert.Equal(t, exact63, got.Manufacturer, "a 63-byte string must round-trip exactly")

	tooLong := strings.Repeat("b", 64)
	info2 := DeviceInfo{Manufacturer: tooLong}
	buf2 := EncodeDeviceInfo(info2)
	got2, err := DecodeDeviceInfo(buf2)
	require.NoError(t, err)
	assert.Equal(t, tooLong[:63], got2.Manufacturer, "a 64-byte string must be truncated deterministically to 63 bytes + null")
}

func TestConnectRoundTrip(t *testing.T) {
	req := ConnectRequest{ClientVersion: 0x00010000, Capabilities: 0, ClientName: "tester"}
	buf := EncodeConnectRequest(req)
	require.Len(t, buf, ConnectRequestLen)
	got, err := DecodeConnectRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	resp := ConnectResponse{Status: StatusSuccess, ServerVersion: 0x00010000, Capabilities: 0, SessionID: 9}
	rbuf := EncodeConnectResponse(resp)
	require.Len(t, rbuf, ConnectResponseLen)
	rgot, err := DecodeConnectResponse(rbuf)
	require.NoError(t, err)
	assert.Equal(t, resp, rgot)
}

func TestDeviceAttachRoundTrip(t *testing.T) {
	req := DeviceAttachRequest{
		Info:        DeviceInfo{DeviceID: 0, VendorID: 0x1234, ProductID: 0x5678, Class: 0xFF, Speed: SpeedHigh, NumConfigurations: 1, NumInterfaces: 1, Manufacturer: "Acme", Product: "TestDev", Serial: "SN001"},
		Descriptors: make([]byte, 18),
	}
	buf := EncodeDeviceAttachRequest(req)
	got, err := DecodeDeviceAttachRequest(buf)
	require.NoError(t, err)
	assert.Equal(t, req.Info, got.Info)
	assert.Equal(t, req.Descriptors, got.Descriptors)
}

func TestDeviceListRoundTrip(t *testing.T) {
	resp := DeviceListResponse{Devices: []DeviceInfo{
		{DeviceID: 1, VendorID: 1},
		{DeviceID: 2, VendorID: 2},
	}}
	buf := EncodeDeviceListResponse(resp)
	got, err := DecodeDeviceListResponse(buf)
	require.NoError(t, err)
	assert.Equal(t, resp, got)
}

func TestURBSubmitRoundTrip(t *testing.T) {
	u := URBSubmit{
		DeviceID:        3,
		URBID:           99,
		EndpointAddress: 0x80,
		TransferType:    TransferControl,
		Direction:       DirectionIn,
		TransferFlags:   0,
		BufferLength:    18,
		Interval:        0,
		SetupPacket:     [8]byte{0x80, 0x06, 0x00, 0x01, 0, 0, 18, 0},
	}
	buf := EncodeURBSubmit(u)
	got, err := DecodeURBSubmit(buf)
	require.NoError(t, err)
	assert.Equal(t, u.DeviceID, got.DeviceID)
	assert.Equal(t, u.URBID, got.URBID)
	assert.Equal(t, u.SetupPacket, got.SetupPacket)
	assert.Nil(t, got.OutBytes, "In-direction submit carries no out-bytes tail")

	out := URBSubmit{
		DeviceID: 3, URBID: 100, Direction: DirectionOut, TransferType: TransferBulk,
		BufferLength: 4, OutBytes: []byte{1, 2, 3, 4},
	}
	obuf := EncodeURBSubmit(out)
	ogot, err := DecodeURBSubmit(obuf)
	require.NoError(t, err)
	assert.Equal(t, out.OutBytes, ogot.OutBytes)
}

func TestURBCompleteRoundTrip(t *testing.T) {
	c := URBComplete{DeviceID: 3, URBID: 99, Status: StatusSuccess, ActualLength: 18, InBytes: make([]byte, 18)}
	buf := EncodeURBComplete(c)
	got, err := DecodeURBComplete(buf)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestURBCancelRoundTrip(t *testing.T) {
	c := URBCancel{DeviceID: 5, URBID: 6}
	buf := EncodeURBCancel(c)
	require.Len(t, buf, URBCancelLen)
	got, err := DecodeURBCancel(buf)
	require.NoError(t, err)
	assert.Equal(t, c, got)
}

func TestErrorPayloadRoundTrip(t *testing.T) {
	e := ErrorPayload{ErrorCode: 5, OrigCommand: CmdURBSubmit, OrigSequence: 9, Message: "boom"}
	buf := EncodeErrorPayload(e)
	got, err := DecodeErrorPayload(buf)
	require.NoError(t, err)
	assert.Equal(t, e, got)
}
