package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/berndverst/usb-over-ip/internal/adminapi"
	"github.com/berndverst/usb-over-ip/internal/busadapter"
	"github.com/berndverst/usb-over-ip/internal/config"
	"github.com/berndverst/usb-over-ip/internal/registry"
	"github.com/berndverst/usb-over-ip/internal/server"
	"github.com/berndverst/usb-over-ip/internal/session"
	"github.com/berndverst/usb-over-ip/internal/urbengine"
)

var (
	port       = flag.Int("port", 0, "TCP port to listen on (0 = use config default)")
	maxClients = flag.Int("max-clients", 0, "maximum concurrent client sessions (0 = use config default)")
	maxDevices = flag.Int("max-devices", 0, "maximum attached devices (0 = use config default)")
	adminAddr  = flag.String("admin-addr", "", "admin/introspection HTTP listen address (empty = use config default)")
	configFile = flag.String("config", "", "optional YAML config file")
	urbTimeout = flag.Int("urb-timeout-ms", 0, "per-URB timeout in milliseconds (0 = use config default)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadServerConfig(*configFile)
	if err != nil {
		log.Printf("uoip-server: config error: %v", err)
		os.Exit(1)
	}
	applyServerFlags(&cfg)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		log.Printf("uoip-server: listen on :%d: %v", cfg.Port, err)
		os.Exit(2)
	}
	log.Printf("uoip-server: listening on :%d (max-clients=%d max-devices=%d)", cfg.Port, cfg.MaxClients, cfg.MaxDevices)

	adapter := busadapter.NewSimulatedAdapter(64)
	reg := registry.New(uint32(cfg.MaxDevices), adapter)
	sessions := session.NewManager()
	engine := urbengine.New(reg, adapter, sessions, time.Duration(cfg.URBTimeoutMS)*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	engine.Start(ctx)
	defer engine.Stop()

	admin := adminapi.New(cfg.AdminAddr, reg, sessions, engine)
	go func() {
		if err := admin.Run(ctx); err != nil {
			log.Printf("uoip-server: admin api: %v", err)
		}
	}()

	dispatcher := server.NewDispatcher(reg, engine)
	go acceptLoop(ctx, listener, sessions, dispatcher, cfg.MaxClients)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("uoip-server: shutting down")
	cancel()
	listener.Close()
}

func applyServerFlags(cfg *config.ServerConfig) {
	if *port != 0 {
		cfg.Port = *port
	}
	if *maxClients != 0 {
		cfg.MaxClients = *maxClients
	}
	if *maxDevices != 0 {
		cfg.MaxDevices = *maxDevices
	}
	if *adminAddr != "" {
		cfg.AdminAddr = *adminAddr
	}
	if *urbTimeout != 0 {
		cfg.URBTimeoutMS = *urbTimeout
	}
}

func acceptLoop(ctx context.Context, listener net.Listener, sessions *session.Manager, dispatcher *server.Dispatcher, maxClients int) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("uoip-server: accept: %v", err)
				continue
			}
		}

		if sessions.Len() >= maxClients {
			log.Printf("uoip-server: rejecting %s: max-clients (%d) reached", conn.RemoteAddr(), maxClients)
			conn.Close()
			continue
		}

		go handleConn(conn, sessions, dispatcher)
	}
}

func handleConn(conn net.Conn, sessions *session.Manager, dispatcher *server.Dispatcher) {
	s := session.New(conn, dispatcher)
	if _, err := s.ServerHandshake(); err != nil {
		log.Printf("uoip-server: handshake with %s failed: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	sessions.Add(s)
	defer sessions.Remove(s.ID)

	log.Printf("uoip-server: session %s established with %q", s.ID, s.PeerName)
	s.Start()
	if err := s.Wait(); err != nil {
		log.Printf("uoip-server: session %s ended: %v", s.ID, err)
	}
}
