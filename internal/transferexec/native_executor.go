//go:build !mips && !mipsle
// +build !mips,!mipsle

package transferexec

import "github.com/google/gousb"

// DeviceParams names the USB-level addressing a captured device needs
// beyond vid/pid: which configuration/interface/alt-setting to claim
// and which bulk/interrupt endpoints to open for streaming transfers.
type DeviceParams struct {
	Config      int
	Interface   int
	AltSetting  int
	EndpointOut int
	EndpointIn  int
}

// NewDeviceExecutor opens the local device identified by vid/pid via
// libusb (google/gousb), the non-MIPS path GousbExecutor was built for.
func NewDeviceExecutor(vid, pid uint16, p DeviceParams) (Executor, error) {
	return OpenGousbExecutor(gousb.ID(vid), gousb.ID(pid), p.Config, p.Interface, p.AltSetting, p.EndpointOut, p.EndpointIn)
}
