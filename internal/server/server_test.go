package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pikbridge/internal/pik"
)

func newMux(t *testing.T) *http.ServeMux {
	t.Helper()
	client, err := pik.NewClient(pik.Config{
		Username: "+70000000122",
		Password: "secret",
		DeviceID: "TESTDEVICE000001",
	})
	require.NoError(t, err)
	return NewMux(client, prometheus.NewRegistry(), nil)
}

func TestHealthz(t *testing.T) {
	rec := httptest.NewRecorder()
	newMux(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	newMux(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Authenticated bool           `json:"authenticated"`
		Devices       map[string]int `json:"devices"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.Authenticated)
	assert.Zero(t, body.Devices["iot_meters"])
}

func TestSnapshotRejectsBadRequests(t *testing.T) {
	mux := newMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot/icm/notanumber", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot/bogus/1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Every routable kind resolves; unknown ids still 404.
	for _, kind := range []string{"icm", "iot", "relay", "camera"} {
		rec = httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/snapshot/"+kind+"/42", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, "unknown %s id", kind)
		assert.Contains(t, rec.Body.String(), "device not found")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	newMux(t).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
