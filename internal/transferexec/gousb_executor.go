//go:build !mips && !mipsle
// +build !mips,!mipsle

// GousbExecutor bypasses any kernel USB-over-IP client driver entirely
// and talks straight to the local device over libusb.
// NOTE: excluded on MIPS builds, matching gousb's own platform support.
package transferexec

import (
	"context"
	"fmt"

	"github.com/google/gousb"

	"github.com/berndverst/usb-over-ip/internal/wire"
)

// GousbExecutor performs real USB transfers against one claimed
// interface of one device, using google/gousb (libusb bindings).
type GousbExecutor struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
}

// OpenGousbExecutor opens the device identified by vid/pid, claims the
// given configuration/interface/alt-setting, and opens endpointOut/In
// for bulk and interrupt transfers. Control transfers go straight
// through the device handle and need no endpoint.
func OpenGousbExecutor(vid, pid gousb.ID, configNum, intfNum, altNum int, endpointOut, endpointIn int) (*GousbExecutor, error) {
	ctx := gousb.NewContext()

	device, err := ctx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("transferexec: open device %s:%s: %w", vid, pid, err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("transferexec: device %s:%s not found", vid, pid)
	}

	config, err := device.Config(configNum)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transferexec: set config %d: %w", configNum, err)
	}

	intf, err := config.Interface(intfNum, altNum)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("transferexec: claim interface %d alt %d: %w", intfNum, altNum, err)
	}

	e := &GousbExecutor{ctx: ctx, device: device, config: config, intf: intf}

	if endpointOut != 0 {
		if e.epOut, err = intf.OutEndpoint(endpointOut); err != nil {
			e.Close()
			return nil, fmt.Errorf("transferexec: open out endpoint %#x: %w", endpointOut, err)
		}
	}
	if endpointIn != 0 {
		if e.epIn, err = intf.InEndpoint(endpointIn); err != nil {
			e.Close()
			return nil, fmt.Errorf("transferexec: open in endpoint %#x: %w", endpointIn, err)
		}
	}
	return e, nil
}

func (e *GousbExecutor) Transfer(ctx context.Context, req Request) (Response, error) {
	select {
	case <-ctx.Done():
		return Response{}, ctx.Err()
	default:
	}

	switch req.TransferType {
	case wire.TransferControl:
		return e.controlTransfer(req)
	case wire.TransferBulk, wire.TransferInterrupt:
		return e.streamTransfer(req)
	default:
		return Response{Status: wire.StatusErrorBusy}, fmt.Errorf("transferexec: isochronous transfers are not supported by GousbExecutor")
	}
}

func (e *GousbExecutor) controlTransfer(req Request) (Response, error) {
	rType := req.SetupPacket[0]
	request := req.SetupPacket[1]
	value := uint16(req.SetupPacket[2]) | uint16(req.SetupPacket[3])<<8
	index := uint16(req.SetupPacket[4]) | uint16(req.SetupPacket[5])<<8

	data := req.OutBytes
	if req.Direction == wire.DirectionIn {
		data = make([]byte, req.BufferLength)
	}

	n, err := e.device.Control(rType, request, value, index, data)
	if err != nil {
		return Response{Status: wire.StatusStallPid}, nil
	}
	resp := Response{Status: wire.StatusSuccess, ActualLength: uint32(n)}
	if req.Direction == wire.DirectionIn {
		resp.InBytes = data[:n]
	}
	return resp, nil
}

func (e *GousbExecutor) streamTransfer(req Request) (Response, error) {
	if req.Direction == wire.DirectionIn {
		if e.epIn == nil {
			return Response{Status: wire.StatusNoDevice}, nil
		}
		buf := make([]byte, req.BufferLength)
		n, err := e.epIn.Read(buf)
		if err != nil {
			return Response{Status: wire.StatusErrorBusy}, nil
		}
		status := wire.StatusSuccess
		if uint32(n) < req.BufferLength {
			status = wire.StatusErrorShortXfer
		}
		return Response{Status: status, ActualLength: uint32(n), InBytes: buf[:n]}, nil
	}

	if e.epOut == nil {
		return Response{Status: wire.StatusNoDevice}, nil
	}
	n, err := e.epOut.Write(req.OutBytes)
	if err != nil {
		return Response{Status: wire.StatusErrorBusy}, nil
	}
	return Response{Status: wire.StatusSuccess, ActualLength: uint32(n)}, nil
}

func (e *GousbExecutor) Close() error {
	if e.intf != nil {
		e.intf.Close()
	}
	if e.config != nil {
		e.config.Close()
	}
	if e.device != nil {
		e.device.Close()
	}
	if e.ctx != nil {
		e.ctx.Close()
	}
	return nil
}
