// Package adminapi exposes a read-only HTTP introspection surface over
// the server's live state: sessions, attached devices, and in-flight
// URB counts, plus host resource gauges. It never mutates engine state;
// operational control is out of the core's scope (spec §1's "UIs...
// out of scope").
package adminapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	psutilcpu "github.com/shirou/gopsutil/v3/cpu"
	psutilmem "github.com/shirou/gopsutil/v3/mem"

	"github.com/berndverst/usb-over-ip/internal/registry"
	"github.com/berndverst/usb-over-ip/internal/session"
	"github.com/berndverst/usb-over-ip/internal/urbengine"
)

// Server wraps an http.Server exposing /healthz, /sessions, /devices,
// and /stats over the process's live registry/session/engine state.
type Server struct {
	http *http.Server
}

// New builds the admin router bound to addr. The router is read-only:
// it only ever reads through reg/sessions/engine, never calls their
// mutating methods.
func New(addr string, reg *registry.Registry, sessions *session.Manager, engine *urbengine.Engine) *Server {
	return &Server{http: &http.Server{Addr: addr, Handler: newRouter(reg, sessions, engine)}}
}

// newRouter builds the gin engine alone, split out from New so tests
// can drive it with httptest without binding a real listener.
func newRouter(reg *registry.Registry, sessions *session.Manager, engine *urbengine.Engine) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	api := router.Group("/")
	{
		api.GET("/healthz", handleHealthz)
		api.GET("/sessions", handleSessions(sessions))
		api.GET("/devices", handleDevices(reg))
		api.GET("/stats", handleStats(reg, sessions, engine))
	}

	return router
}

// Run starts serving and blocks until ctx is cancelled, then performs a
// graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func handleSessions(sessions *session.Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		all := sessions.All()
		out := make([]gin.H, 0, len(all))
		for _, s := range all {
			out = append(out, gin.H{
				"id":    s.ID,
				"peer":  s.PeerName,
				"state": s.State().String(),
			})
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out, "count": len(out)})
	}
}

func handleDevices(reg *registry.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		devices := reg.List()
		out := make([]gin.H, 0, len(devices))
		for _, d := range devices {
			stats := d.Stats()
			out = append(out, gin.H{
				"device_id":      d.LocalID,
				"port_number":    d.PortNumber,
				"owner":          d.Owner,
				"vendor_id":      fmt.Sprintf("0x%04x", d.Info.VendorID),
				"product_id":     fmt.Sprintf("0x%04x", d.Info.ProductID),
				"manufacturer":   d.Info.Manufacturer,
				"product":        d.Info.Product,
				"bytes_in":       stats.BytesIn,
				"bytes_out":      stats.BytesOut,
				"urbs_completed": stats.URBsCompleted,
				"urbs_errored":   stats.URBsErrored,
			})
		}
		c.JSON(http.StatusOK, gin.H{"devices": out, "count": len(out), "max_devices": reg.MaxDevices()})
	}
}

func handleStats(reg *registry.Registry, sessions *session.Manager, engine *urbengine.Engine) gin.HandlerFunc {
	return func(c *gin.Context) {
		cpuPercent, _ := psutilcpu.Percent(0, false)
		memInfo, _ := psutilmem.VirtualMemory()

		var cpu float64
		if len(cpuPercent) > 0 {
			cpu = cpuPercent[0]
		}
		var memUsedPercent float64
		if memInfo != nil {
			memUsedPercent = memInfo.UsedPercent
		}

		c.JSON(http.StatusOK, gin.H{
			"sessions":     sessions.Len(),
			"devices":      len(reg.List()),
			"pending_urbs": engine.PendingCount(),
			"host_cpu_pct": cpu,
			"host_mem_pct": memUsedPercent,
		})
	}
}
