// Package server implements the server-side session.Handler: it
// decodes incoming frames, runs DEVICE_ATTACH/DETACH/LIST against the
// shared registry, forwards URB_COMPLETE/URB_CANCEL into the URB
// Engine, and reaps a session's devices (cascading to their pending
// URBs) when the connection closes (spec §4.3 and §4.4).
package server

import (
	"log"

	"github.com/berndverst/usb-over-ip/internal/registry"
	"github.com/berndverst/usb-over-ip/internal/session"
	"github.com/berndverst/usb-over-ip/internal/urbengine"
	"github.com/berndverst/usb-over-ip/internal/wire"
)

// Dispatcher implements session.Handler for every established server
// session. One Dispatcher is shared by all sessions; registry and
// engine already serialize their own state.
type Dispatcher struct {
	registry *registry.Registry
	engine   *urbengine.Engine
}

// NewDispatcher builds the shared per-session frame handler.
func NewDispatcher(reg *registry.Registry, engine *urbengine.Engine) *Dispatcher {
	return &Dispatcher{registry: reg, engine: engine}
}

// HandleFrame implements session.Handler.
func (d *Dispatcher) HandleFrame(s *session.Session, hdr wire.Header, payload []byte) {
	switch hdr.Command {
	case wire.CmdDeviceAttach:
		d.handleDeviceAttach(s, hdr, payload)
	case wire.CmdDeviceDetach:
		d.handleDeviceDetach(s, hdr, payload)
	case wire.CmdDeviceList:
		d.handleDeviceList(s, hdr)
	case wire.CmdURBComplete:
		d.handleURBComplete(payload)
	case wire.CmdURBCancel:
		d.handleURBCancel(payload)
	default:
		log.Printf("server: session %s sent unexpected command %s", s.ID, hdr.Command)
	}
}

// HandleClosed implements session.Handler: every device the departing
// session owned is removed from the registry, then the URB Engine
// cascade-completes their pending entries with Cancelled and only
// afterward tells the adapter to Unplug each one (spec §4.4 "Cascade on
// session loss").
func (d *Dispatcher) HandleClosed(s *session.Session, err error) {
	reaped := d.registry.Reap(s.ID)
	d.engine.ReapSession(reaped)
	if err != nil {
		log.Printf("server: session %s closed: %v", s.ID, err)
	}
}

func (d *Dispatcher) handleDeviceAttach(s *session.Session, hdr wire.Header, payload []byte) {
	req, err := wire.DecodeDeviceAttachRequest(payload)
	if err != nil {
		d.replyDeviceAttach(s, hdr.Sequence, wire.StatusInvalidDescriptors, 0)
		return
	}

	deviceID, err := d.registry.Attach(s.ID, req.Info, req.Descriptors)
	if err != nil {
		d.replyDeviceAttach(s, hdr.Sequence, statusForAttachErr(err), 0)
		return
	}
	d.replyDeviceAttach(s, hdr.Sequence, wire.StatusSuccess, deviceID)
}

func (d *Dispatcher) replyDeviceAttach(s *session.Session, sequence uint32, status wire.Status, deviceID uint32) {
	payload := wire.EncodeDeviceAttachResponse(wire.DeviceAttachResponse{Status: status, DeviceID: deviceID})
	if err := s.SendResponse(wire.CmdDeviceAttach, sequence, payload); err != nil {
		log.Printf("server: send DEVICE_ATTACH response: %v", err)
	}
}

func (d *Dispatcher) handleDeviceDetach(s *session.Session, hdr wire.Header, payload []byte) {
	req, err := wire.DecodeDeviceDetachRequest(payload)
	if err != nil {
		d.replyStatus(s, wire.CmdDeviceDetach, hdr.Sequence, wire.StatusInvalidDescriptors)
		return
	}

	status := wire.StatusSuccess
	if err := d.registry.DetachMark(s.ID, req.DeviceID, false); err != nil {
		status = statusForDetachErr(err)
	} else {
		// ReapSession cascades this device's pending URBs to Cancelled
		// and only then calls the adapter's Unplug (spec §4.4 ordering).
		d.engine.ReapSession([]uint32{req.DeviceID})
	}
	d.replyStatus(s, wire.CmdDeviceDetach, hdr.Sequence, status)
}

func (d *Dispatcher) handleDeviceList(s *session.Session, hdr wire.Header) {
	devices := d.registry.List()
	infos := make([]wire.DeviceInfo, 0, len(devices))
	for _, dev := range devices {
		infos = append(infos, dev.Info)
	}
	payload := wire.EncodeDeviceListResponse(wire.DeviceListResponse{Devices: infos})
	if err := s.SendResponse(wire.CmdDeviceList, hdr.Sequence, payload); err != nil {
		log.Printf("server: send DEVICE_LIST response: %v", err)
	}
}

func (d *Dispatcher) replyStatus(s *session.Session, cmd wire.Command, sequence uint32, status wire.Status) {
	payload := wire.EncodeStatusPayload(wire.StatusPayload{Status: status})
	if err := s.SendResponse(cmd, sequence, payload); err != nil {
		log.Printf("server: send %s status reply: %v", cmd, err)
	}
}

func (d *Dispatcher) handleURBComplete(payload []byte) {
	c, err := wire.DecodeURBComplete(payload)
	if err != nil {
		log.Printf("server: malformed URB_COMPLETE: %v", err)
		return
	}
	d.engine.Complete(c.DeviceID, c.URBID, c.Status, c.ActualLength, c.InBytes)
}

func (d *Dispatcher) handleURBCancel(payload []byte) {
	c, err := wire.DecodeURBCancel(payload)
	if err != nil {
		log.Printf("server: malformed URB_CANCEL: %v", err)
		return
	}
	d.engine.Cancel(c.DeviceID, c.URBID)
}

func statusForAttachErr(err error) wire.Status {
	switch err {
	case registry.ErrFull:
		return wire.StatusFull
	case registry.ErrInvalidDescriptors:
		return wire.StatusInvalidDescriptors
	default:
		return wire.StatusUnknown
	}
}

func statusForDetachErr(err error) wire.Status {
	switch err {
	case registry.ErrNotOwned:
		return wire.StatusNotOwned
	case registry.ErrUnknown:
		return wire.StatusUnknown
	default:
		return wire.StatusUnknown
	}
}
