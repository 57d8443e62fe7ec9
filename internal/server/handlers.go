package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"pikbridge/internal/coordinator"
	"pikbridge/internal/pik"
)

// HealthHandler returns a simple OK for liveness checks.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// StatusHandler reports per-feed refresh state and the sizes of the
// device collections as JSON.
func StatusHandler(client *pik.Client, feeds []coordinator.Refresher) http.Handler {
	type feedStatus struct {
		Name        string     `json:"name"`
		LastSuccess *time.Time `json:"last_success,omitempty"`
		LastError   string     `json:"last_error,omitempty"`
	}
	type status struct {
		Authenticated bool           `json:"authenticated"`
		Feeds         []feedStatus   `json:"feeds"`
		Devices       map[string]int `json:"devices"`
	}

	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		body := status{
			Authenticated: client.IsAuthenticated(),
			Devices: map[string]int{
				"properties":    len(client.Properties()),
				"icm_intercoms": len(client.IcmIntercoms()),
				"iot_intercoms": len(client.IotIntercoms()),
				"iot_relays":    len(client.IotRelays()),
				"iot_cameras":   len(client.IotCameras()),
				"iot_meters":    len(client.IotMeters()),
			},
		}
		for _, feed := range feeds {
			fs := feedStatus{Name: feed.Name()}
			if last := feed.LastSuccess(); !last.IsZero() {
				fs.LastSuccess = &last
			}
			if err := feed.LastError(); err != nil {
				fs.LastError = err.Error()
			}
			body.Feeds = append(body.Feeds, fs)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	})
}

// SnapshotHandler serves a camera still for one device, fetched from
// the vendor on demand. Routes: /snapshot/{kind}/{id} with kind being
// icm, iot, relay or camera.
func SnapshotHandler(client *pik.Client) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
		if err != nil {
			http.Error(w, "invalid device id", http.StatusBadRequest)
			return
		}

		var device pik.Snapshotter
		switch r.PathValue("kind") {
		case "icm":
			if d := client.IcmIntercoms()[id]; d != nil {
				device = d
			}
		case "iot":
			if d := client.IotIntercoms()[id]; d != nil {
				device = d
			}
		case "relay":
			if d := client.IotRelays()[id]; d != nil {
				device = d
			}
		case "camera":
			if d := client.IotCameras()[id]; d != nil {
				device = d
			}
		default:
			http.Error(w, "unknown device kind", http.StatusNotFound)
			return
		}
		if device == nil {
			http.Error(w, "device not found", http.StatusNotFound)
			return
		}

		data, err := client.Snapshot(r.Context(), device)
		if err != nil {
			http.Error(w, "snapshot unavailable", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(data)
	})
}
