package clientctl

import (
	"log"

	"github.com/berndverst/usb-over-ip/internal/session"
	"github.com/berndverst/usb-over-ip/internal/urbengine"
	"github.com/berndverst/usb-over-ip/internal/wire"
)

// Dispatcher implements session.Handler for the client side of one
// connection.
type Dispatcher struct {
	engine  *urbengine.ClientEngine
	pending *PendingRequests
}

// NewDispatcher builds the client-side per-session frame handler.
func NewDispatcher(engine *urbengine.ClientEngine, pending *PendingRequests) *Dispatcher {
	return &Dispatcher{engine: engine, pending: pending}
}

// HandleFrame implements session.Handler.
func (d *Dispatcher) HandleFrame(s *session.Session, hdr wire.Header, payload []byte) {
	switch hdr.Command {
	case wire.CmdURBSubmit:
		d.engine.HandleURBSubmit(s, hdr, payload)
	case wire.CmdURBCancel:
		d.engine.HandleURBCancel(payload)
	case wire.CmdDeviceAttach, wire.CmdDeviceDetach, wire.CmdDeviceList:
		d.pending.deliver(hdr.Sequence, payload)
	default:
		log.Printf("client: session %s got unexpected command %s", s.ID, hdr.Command)
	}
}

// HandleClosed implements session.Handler.
func (d *Dispatcher) HandleClosed(s *session.Session, err error) {
	d.pending.closeAll(err)
	if err != nil {
		log.Printf("client: session %s closed: %v", s.ID, err)
	}
}
