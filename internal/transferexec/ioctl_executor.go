//go:build mips || mipsle
// +build mips mipsle

// IoctlExecutor bypasses libusb entirely and talks straight to usbdevfs
// via raw ioctls, for MIPS builds where cgo-based libusb bindings aren't
// available. It fills
// the gap GousbExecutor leaves on this build (see that file's exclusion
// tag).
package transferexec

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
	"unsafe"

	"github.com/berndverst/usb-over-ip/internal/wire"
)

// usbdevfs ioctl numbers, MIPS bit layout: (dir<<29)|(size<<16)|(type<<8)|nr.
const (
	usbdevfsControl          = 0xc0105500
	usbdevfsBulk             = 0xc0105502
	usbdevfsClaimInterface   = 0x4004550f
	usbdevfsReleaseInterface = 0x40045510
	usbdevfsDisconnect       = 0x20005516
	usbdevfsReset            = 0x20005514
)

type usbdevfsCtrlTransfer struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
	Timeout     uint32
	Data        unsafe.Pointer
}

type usbdevfsBulkTransfer struct {
	Ep      uint32
	Len     uint32
	Timeout uint32
	Data    unsafe.Pointer
}

// IoctlExecutor performs real USB transfers against one claimed interface
// of one locally attached device, entirely through usbdevfs ioctls.
type IoctlExecutor struct {
	fd        int
	iface     uint32
	epOut     uint8
	epIn      uint8
	isClaimed bool
}

// OpenIoctlExecutor finds the device with the given VID/PID under
// /dev/bus/usb, opens its device file, and claims iface.
func OpenIoctlExecutor(vid, pid uint16, iface uint32, epOut, epIn uint8) (*IoctlExecutor, error) {
	devicePath, err := findDevice(vid, pid)
	if err != nil {
		return nil, fmt.Errorf("transferexec: find device %04x:%04x: %w", vid, pid, err)
	}

	fd, err := syscall.Open(devicePath, syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("transferexec: open %s: %w", devicePath, err)
	}

	e := &IoctlExecutor{fd: fd, iface: iface, epOut: epOut, epIn: epIn}
	if err := e.claimInterface(iface); err != nil {
		syscall.Close(fd)
		return nil, err
	}
	return e, nil
}

func findDevice(vid, pid uint16) (string, error) {
	const busPath = "/dev/bus/usb"
	busDirs, err := os.ReadDir(busPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", busPath, err)
	}

	for _, busDir := range busDirs {
		if !busDir.IsDir() {
			continue
		}
		deviceDir := filepath.Join(busPath, busDir.Name())
		deviceFiles, err := os.ReadDir(deviceDir)
		if err != nil {
			continue
		}
		for _, deviceFile := range deviceFiles {
			devicePath := filepath.Join(deviceDir, deviceFile.Name())
			fd, err := syscall.Open(devicePath, syscall.O_RDONLY, 0)
			if err != nil {
				continue
			}
			gotVID, gotPID, err := readVIDPID(fd)
			syscall.Close(fd)
			if err != nil {
				continue
			}
			if gotVID == vid && gotPID == pid {
				return devicePath, nil
			}
		}
	}
	return "", fmt.Errorf("device %04x:%04x not found under %s", vid, pid, busPath)
}

// readVIDPID reads the 18-byte device descriptor usbdevfs exposes at the
// start of the device file, rather than issuing a GET_DESCRIPTOR control
// transfer, matching descriptor layout assumed elsewhere in this file.
func readVIDPID(fd int) (uint16, uint16, error) {
	buf := make([]byte, 18)
	if _, err := syscall.Seek(fd, 0, 0); err != nil {
		return 0, 0, err
	}
	n, err := syscall.Read(fd, buf)
	if err != nil {
		return 0, 0, err
	}
	if n < 18 || buf[1] != 0x01 {
		return 0, 0, fmt.Errorf("not a device descriptor")
	}
	return binary.LittleEndian.Uint16(buf[8:10]), binary.LittleEndian.Uint16(buf[10:12]), nil
}

func (e *IoctlExecutor) claimInterface(iface uint32) error {
	// Ignore the detach error: the driver may simply not be attached.
	syscall.Syscall(syscall.SYS_IOCTL, uintptr(e.fd), usbdevfsDisconnect, uintptr(iface))
	time.Sleep(50 * time.Millisecond)

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(e.fd), usbdevfsClaimInterface, uintptr(unsafe.Pointer(&iface)))
	if errno != 0 {
		syscall.Syscall(syscall.SYS_IOCTL, uintptr(e.fd), usbdevfsReset, 0)
		time.Sleep(100 * time.Millisecond)
		_, _, errno = syscall.Syscall(syscall.SYS_IOCTL, uintptr(e.fd), usbdevfsClaimInterface, uintptr(unsafe.Pointer(&iface)))
		if errno != 0 {
			return fmt.Errorf("transferexec: claim interface %d: %v", iface, errno)
		}
	}
	e.isClaimed = true
	return nil
}

func (e *IoctlExecutor) Transfer(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	switch req.TransferType {
	case wire.TransferControl:
		return e.controlTransfer(req)
	case wire.TransferBulk, wire.TransferInterrupt:
		return e.bulkTransfer(req)
	default:
		return Response{Status: wire.StatusErrorBusy}, fmt.Errorf("transferexec: isochronous transfers are not supported by IoctlExecutor")
	}
}

func (e *IoctlExecutor) controlTransfer(req Request) (Response, error) {
	data := req.OutBytes
	if req.Direction == wire.DirectionIn {
		data = make([]byte, req.BufferLength)
	}
	var dataPtr unsafe.Pointer
	if len(data) > 0 {
		dataPtr = unsafe.Pointer(&data[0])
	}

	ctrl := usbdevfsCtrlTransfer{
		RequestType: req.SetupPacket[0],
		Request:     req.SetupPacket[1],
		Value:       uint16(req.SetupPacket[2]) | uint16(req.SetupPacket[3])<<8,
		Index:       uint16(req.SetupPacket[4]) | uint16(req.SetupPacket[5])<<8,
		Length:      uint16(len(data)),
		Timeout:     5000,
		Data:        dataPtr,
	}

	n, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(e.fd), usbdevfsControl, uintptr(unsafe.Pointer(&ctrl)))
	if errno != 0 {
		return Response{Status: wire.StatusStallPid}, nil
	}

	resp := Response{Status: wire.StatusSuccess, ActualLength: uint32(n)}
	if req.Direction == wire.DirectionIn {
		resp.InBytes = data[:n]
	}
	return resp, nil
}

func (e *IoctlExecutor) bulkTransfer(req Request) (Response, error) {
	ep := e.epOut
	data := req.OutBytes
	if req.Direction == wire.DirectionIn {
		ep = e.epIn
		data = make([]byte, req.BufferLength)
	}
	if len(data) == 0 {
		return Response{Status: wire.StatusSuccess}, nil
	}

	bulk := usbdevfsBulkTransfer{
		Ep:      uint32(ep),
		Len:     uint32(len(data)),
		Timeout: 5000,
		Data:    unsafe.Pointer(&data[0]),
	}

	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(e.fd), usbdevfsBulk, uintptr(unsafe.Pointer(&bulk)))
	if errno != 0 {
		// usbdevfs doesn't report the actual transferred length on
		// failure; treat any ioctl error, timeout included, as a
		// transient busy status rather than guessing a length.
		return Response{Status: wire.StatusErrorBusy}, nil
	}

	resp := Response{Status: wire.StatusSuccess, ActualLength: uint32(len(data))}
	if req.Direction == wire.DirectionIn {
		resp.InBytes = data
	}
	return resp, nil
}

func (e *IoctlExecutor) Close() error {
	if e.isClaimed {
		iface := e.iface
		syscall.Syscall(syscall.SYS_IOCTL, uintptr(e.fd), usbdevfsReleaseInterface, uintptr(unsafe.Pointer(&iface)))
	}
	if e.fd >= 0 {
		syscall.Close(e.fd)
	}
	return nil
}
