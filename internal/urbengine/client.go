package urbengine

import (
	"context"
	"log"
	"time"

	"github.com/berndverst/usb-over-ip/internal/registry"
	"github.com/berndverst/usb-over-ip/internal/session"
	"github.com/berndverst/usb-over-ip/internal/transferexec"
	"github.com/berndverst/usb-over-ip/internal/wire"
)

// TransferTimeout is the deadline of the context handed to the executor
// for each URB_SUBMIT; an executor error, including an expired context,
// is answered with ERROR_BUSY. HandleURBSubmit runs on the session's
// read loop, so later frames are not handled until the executor returns.
const TransferTimeout = 30 * time.Second

// ClientEngine is the client-side URB Engine mirror. It uses one
// executor for every locally-captured device, set at construction,
// matching the server-side "one adapter for the whole process" shape.
type ClientEngine struct {
	registry *registry.Registry
	executor transferexec.Executor
}

// NewClientEngine creates the client-side URB Engine mirror (spec §4.4
// "Client-side mirror").
func NewClientEngine(reg *registry.Registry, executor transferexec.Executor) *ClientEngine {
	return &ClientEngine{registry: reg, executor: executor}
}

// HandleURBSubmit answers one URB_SUBMIT frame by invoking the
// transfer executor and replying with URB_COMPLETE on s, echoing the
// frame's sequence number.
func (c *ClientEngine) HandleURBSubmit(s *session.Session, hdr wire.Header, payload []byte) {
	submit, err := wire.DecodeURBSubmit(payload)
	if err != nil {
		log.Printf("urbengine(client): malformed URB_SUBMIT: %v", err)
		return
	}

	if _, err := c.registry.Find(submit.DeviceID); err != nil {
		c.reply(s, hdr.Sequence, submit.DeviceID, submit.URBID, wire.StatusNoDevice, 0, nil)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), TransferTimeout)
	defer cancel()

	resp, err := c.executor.Transfer(ctx, transferexec.Request{
		DeviceID:        submit.DeviceID,
		EndpointAddress: submit.EndpointAddress,
		TransferType:    submit.TransferType,
		Direction:       submit.Direction,
		BufferLength:    submit.BufferLength,
		SetupPacket:     submit.SetupPacket,
		OutBytes:        submit.OutBytes,
	})
	if err != nil {
		c.reply(s, hdr.Sequence, submit.DeviceID, submit.URBID, wire.StatusErrorBusy, 0, nil)
		return
	}

	if dev, err := c.registry.Find(submit.DeviceID); err == nil {
		if resp.Status == wire.StatusSuccess || resp.Status == wire.StatusErrorShortXfer {
			dev.IncCompleted()
		} else {
			dev.IncErrored()
		}
		if submit.Direction == wire.DirectionIn {
			dev.AddBytesIn(len(resp.InBytes))
		} else {
			dev.AddBytesOut(len(submit.OutBytes))
		}
	}

	c.reply(s, hdr.Sequence, submit.DeviceID, submit.URBID, resp.Status, resp.ActualLength, resp.InBytes)
}

func (c *ClientEngine) reply(s *session.Session, sequence uint32, deviceID, urbID uint32, status wire.Status, actualLength uint32, inBytes []byte) {
	payload := wire.EncodeURBComplete(wire.URBComplete{
		DeviceID:     deviceID,
		URBID:        urbID,
		Status:       status,
		ActualLength: actualLength,
		InBytes:      inBytes,
	})
	if err := s.SendResponse(wire.CmdURBComplete, sequence, payload); err != nil {
		log.Printf("urbengine(client): send URB_COMPLETE: %v", err)
	}
}

// HandleURBCancel answers an advisory URB_CANCEL from the server. The
// core has no in-flight-transfer cancellation primitive of its own
// (spec §1 places real USB I/O internals out of scope), so this is a
// best-effort log; a concrete Executor may watch ctx for the transfer
// it is already running and there is nothing further to orchestrate
// here.
func (c *ClientEngine) HandleURBCancel(payload []byte) {
	cancel, err := wire.DecodeURBCancel(payload)
	if err != nil {
		return
	}
	log.Printf("urbengine(client): advisory cancel for device %d urb %d", cancel.DeviceID, cancel.URBID)
}
