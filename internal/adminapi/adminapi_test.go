package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/berndverst/usb-over-ip/internal/busadapter"
	"github.com/berndverst/usb-over-ip/internal/registry"
	"github.com/berndverst/usb-over-ip/internal/session"
	"github.com/berndverst/usb-over-ip/internal/urbengine"
	"github.com/berndverst/usb-over-ip/internal/wire"
)

func newTestRouter(t *testing.T) (http.Handler, *registry.Registry, *session.Manager) {
	t.Helper()
	adapter := busadapter.NewSimulatedAdapter(4)
	reg := registry.New(8, adapter)
	sessions := session.NewManager()
	engine := urbengine.New(reg, adapter, sessions, time.Second)
	return newRouter(reg, sessions, engine), reg, sessions
}

func TestHealthzReportsOK(t *testing.T) {
	router, _, _ := newTestRouter(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["status"])
}

func TestDevicesReflectsRegistryState(t *testing.T) {
	router, reg, _ := newTestRouter(t)

	_, err := reg.Attach("client-1", wire.DeviceInfo{VendorID: 0x1234, Product: "Widget"}, nil)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/devices", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count   int              `json:"count"`
		Devices []map[string]any `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, 1, body.Count)
	require.Equal(t, "0x1234", body.Devices[0]["vendor_id"])
}

func TestStatsReportsSessionAndDeviceCounts(t *testing.T) {
	router, reg, sessions := newTestRouter(t)
	_, err := reg.Attach("client-1", wire.DeviceInfo{}, nil)
	require.NoError(t, err)
	sessions.Add(session.New(nil, nil))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.EqualValues(t, 1, body["devices"])
	require.EqualValues(t, 1, body["sessions"])
}
