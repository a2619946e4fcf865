//go:build mips || mipsle
// +build mips mipsle

package transferexec

// DeviceParams names the USB-level addressing a captured device needs
// beyond vid/pid: which interface to claim and which bulk/interrupt
// endpoints to use for streaming transfers. Config and AltSetting are
// accepted for parity with the non-MIPS build but unused here: usbdevfs
// ioctls address an already-configured interface directly.
type DeviceParams struct {
	Config      int
	Interface   int
	AltSetting  int
	EndpointOut int
	EndpointIn  int
}

// NewDeviceExecutor opens the local device identified by vid/pid via
// raw usbdevfs ioctls, the MIPS path IoctlExecutor was built for.
func NewDeviceExecutor(vid, pid uint16, p DeviceParams) (Executor, error) {
	return OpenIoctlExecutor(vid, pid, uint32(p.Interface), uint8(p.EndpointOut), uint8(p.EndpointIn))
}
