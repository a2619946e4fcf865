package clientctl

import (
	"context"
	"fmt"

	"github.com/berndverst/usb-over-ip/internal/session"
	"github.com/berndverst/usb-over-ip/internal/wire"
)

// Controller sends this client's DEVICE_ATTACH/DEVICE_DETACH/
// DEVICE_LIST requests and blocks for their correlated response.
type Controller struct {
	session *session.Session
	pending *PendingRequests
}

// NewController wraps s for request/response use, correlating
// responses through pending (shared with the session's Dispatcher).
func NewController(s *session.Session, pending *PendingRequests) *Controller {
	return &Controller{session: s, pending: pending}
}

// AttachDevice sends DEVICE_ATTACH for a locally-captured device and
// waits for the server's assigned device_id.
func (c *Controller) AttachDevice(ctx context.Context, info wire.DeviceInfo, descriptors []byte) (wire.DeviceAttachResponse, error) {
	payload := wire.EncodeDeviceAttachRequest(wire.DeviceAttachRequest{Info: info, Descriptors: descriptors})
	respPayload, err := c.roundTrip(ctx, wire.CmdDeviceAttach, payload)
	if err != nil {
		return wire.DeviceAttachResponse{}, err
	}
	return wire.DecodeDeviceAttachResponse(respPayload)
}

// DetachDevice sends DEVICE_DETACH for deviceID and waits for the ack.
func (c *Controller) DetachDevice(ctx context.Context, deviceID uint32) (wire.StatusPayload, error) {
	payload := wire.EncodeDeviceDetachRequest(wire.DeviceDetachRequest{DeviceID: deviceID})
	respPayload, err := c.roundTrip(ctx, wire.CmdDeviceDetach, payload)
	if err != nil {
		return wire.StatusPayload{}, err
	}
	return wire.DecodeStatusPayload(respPayload)
}

// ListDevices sends DEVICE_LIST and waits for the server's device table.
func (c *Controller) ListDevices(ctx context.Context) (wire.DeviceListResponse, error) {
	respPayload, err := c.roundTrip(ctx, wire.CmdDeviceList, nil)
	if err != nil {
		return wire.DeviceListResponse{}, err
	}
	return wire.DecodeDeviceListResponse(respPayload)
}

func (c *Controller) roundTrip(ctx context.Context, cmd wire.Command, payload []byte) ([]byte, error) {
	// The response can arrive as soon as the frame reaches the peer, so
	// the waiter must be registered before the send, not after.
	sequence := c.session.NextSequence()
	ch, err := c.pending.Register(sequence)
	if err != nil {
		return nil, err
	}

	if err := c.session.SendResponse(cmd, sequence, payload); err != nil {
		c.pending.Cancel(sequence)
		return nil, fmt.Errorf("clientctl: send %s: %w", cmd, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("clientctl: session closed waiting for %s response", cmd)
		}
		return resp, nil
	case <-ctx.Done():
		c.pending.Cancel(sequence)
		return nil, ctx.Err()
	}
}
