package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/berndverst/usb-over-ip/internal/clientctl"
	"github.com/berndverst/usb-over-ip/internal/config"
	"github.com/berndverst/usb-over-ip/internal/registry"
	"github.com/berndverst/usb-over-ip/internal/session"
	"github.com/berndverst/usb-over-ip/internal/transferexec"
	"github.com/berndverst/usb-over-ip/internal/urbengine"
	"github.com/berndverst/usb-over-ip/internal/wire"
)

var (
	serverAddr = flag.String("server", "", "server hostname or IP (empty = use config default)")
	serverPort = flag.Int("port", 0, "server TCP port (0 = use config default)")
	clientName = flag.String("name", "", "name this client presents at CONNECT (empty = use config default)")
	configFile = flag.String("config", "", "optional YAML config file")
	vendorID   = flag.Uint("vid", 0, "USB vendor ID of the local device to capture (0 = skip attach and use the simulated executor)")
	productID  = flag.Uint("pid", 0, "USB product ID of the local device to capture")
	usbConfig  = flag.Int("usb-config", 1, "USB configuration value to claim on the captured device")
	usbIface   = flag.Int("usb-interface", 0, "USB interface number to claim on the captured device")
	usbAlt     = flag.Int("usb-altsetting", 0, "USB alternate setting to select on the claimed interface")
	usbEPOut   = flag.Int("usb-ep-out", 0, "bulk/interrupt OUT endpoint address (0 = none, control transfers only)")
	usbEPIn    = flag.Int("usb-ep-in", 0, "bulk/interrupt IN endpoint address (0 = none, control transfers only)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadClientConfig(*configFile)
	if err != nil {
		log.Printf("uoip-client: config error: %v", err)
		os.Exit(1)
	}
	applyClientFlags(&cfg)

	addr := fmt.Sprintf("%s:%d", cfg.Server, cfg.Port)

	pending := clientctl.NewPendingRequests()
	executor, err := newExecutor(uint16(*vendorID), uint16(*productID))
	if err != nil {
		log.Printf("uoip-client: open local device: %v", err)
		os.Exit(2)
	}
	reg := registry.New(256, nil)
	engine := urbengine.NewClientEngine(reg, executor)
	dispatcher := clientctl.NewDispatcher(engine, pending)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := session.Dial(ctx, addr, dispatcher)
	if err != nil {
		log.Printf("uoip-client: dial %s: %v", addr, err)
		os.Exit(2)
	}

	if err := s.ClientHandshake(cfg.Name); err != nil {
		log.Printf("uoip-client: handshake with %s: %v", addr, err)
		os.Exit(2)
	}
	log.Printf("uoip-client: session %s established with %s", s.ID, addr)

	s.Start()

	controller := clientctl.NewController(s, pending)

	if *vendorID != 0 {
		if err := attachLocalDevice(ctx, controller, reg, uint16(*vendorID), uint16(*productID)); err != nil {
			log.Printf("uoip-client: attach device: %v", err)
		}
	}

	if err := s.Wait(); err != nil {
		log.Printf("uoip-client: session ended: %v", err)
	}
}

func applyClientFlags(cfg *config.ClientConfig) {
	if *serverAddr != "" {
		cfg.Server = *serverAddr
	}
	if *serverPort != 0 {
		cfg.Port = *serverPort
	}
	if *clientName != "" {
		cfg.Name = *clientName
	}
}

// newExecutor picks the transfer backend: the simulated executor when
// no device was named on the command line, otherwise a real one opened
// against the local USB stack (google/gousb everywhere gousb builds,
// raw usbdevfs ioctls on MIPS where cgo-based libusb bindings aren't
// available — see transferexec.NewDeviceExecutor's two build-tagged
// implementations).
func newExecutor(vid, pid uint16) (transferexec.Executor, error) {
	if vid == 0 {
		return transferexec.NewSimulatedExecutor(), nil
	}
	return transferexec.NewDeviceExecutor(vid, pid, transferexec.DeviceParams{
		Config:      *usbConfig,
		Interface:   *usbIface,
		AltSetting:  *usbAlt,
		EndpointOut: *usbEPOut,
		EndpointIn:  *usbEPIn,
	})
}

// attachLocalDevice registers a locally-captured USB device with the
// server via DEVICE_ATTACH, then mirrors the server's assigned
// device_id into the client's own registry so incoming URB_SUBMITs
// against it are recognized (urbengine.ClientEngine.HandleURBSubmit
// checks registry.Find before invoking the executor).
func attachLocalDevice(ctx context.Context, controller *clientctl.Controller, reg *registry.Registry, vid, pid uint16) error {
	info := wire.DeviceInfo{VendorID: vid, ProductID: pid, Speed: wire.SpeedHigh}

	attachCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	resp, err := controller.AttachDevice(attachCtx, info, nil)
	if err != nil {
		return fmt.Errorf("DEVICE_ATTACH: %w", err)
	}
	if resp.Status != wire.StatusSuccess {
		return fmt.Errorf("DEVICE_ATTACH rejected: %s", resp.Status)
	}

	if err := reg.AttachAt(resp.DeviceID, session.ID("local"), info, nil); err != nil {
		return fmt.Errorf("mirror local registry: %w", err)
	}
	log.Printf("uoip-client: attached device %d (vid=0x%04x pid=0x%04x)", resp.DeviceID, vid, pid)
	return nil
}
