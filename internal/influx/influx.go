// Package influx records meter readings and call events to InfluxDB.
// Writes are batched and asynchronous; a missing or unreachable
// server degrades to a no-op writer.
package influx

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"pikbridge/internal/config"
	"pikbridge/internal/pik"
)

// Writer persists telemetry points. The zero value is a disabled
// writer whose methods are no-ops.
type Writer struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	log      *zap.Logger
}

// Open builds a writer from config. A config without a URL yields a
// disabled writer and no error.
func Open(cfg config.InfluxConfig, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.URL == "" {
		return &Writer{log: logger}, nil
	}

	token := cfg.Token
	if token == "" && cfg.TokenFile != "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("read influx token: %w", err)
		}
		token = strings.TrimSpace(string(data))
	}

	client := influxdb2.NewClient(cfg.URL, token)
	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)

	w := &Writer{client: client, writeAPI: writeAPI, log: logger}
	go func() {
		for err := range writeAPI.Errors() {
			w.log.Warn("influx write failed", zap.Error(err))
		}
	}()
	return w, nil
}

// Enabled reports whether points are actually written anywhere.
func (w *Writer) Enabled() bool {
	return w != nil && w.writeAPI != nil
}

// RecordMeters writes the current readings of every meter.
func (w *Writer) RecordMeters(meters map[int64]*pik.IotMeter) {
	if !w.Enabled() {
		return
	}
	now := time.Now()
	for _, meter := range meters {
		fields := map[string]any{}
		if meter.CurrentValue != nil {
			fields["current"] = *meter.CurrentValue
		}
		if meter.MonthValue != nil {
			fields["month"] = *meter.MonthValue
		}
		if len(fields) == 0 {
			continue
		}
		point := write.NewPoint("meter_reading",
			map[string]string{
				"meter_id": strconv.FormatInt(meter.ID, 10),
				"kind":     meter.Kind,
				"serial":   meter.Serial,
			},
			fields, now)
		w.writeAPI.WritePoint(point)
	}
}

// RecordCallSession writes one call session event.
func (w *Writer) RecordCallSession(session *pik.CallSession) {
	if !w.Enabled() || session == nil || session.NotifiedAt == nil {
		return
	}
	point := write.NewPoint("call_session",
		map[string]string{
			"intercom_id": strconv.FormatInt(session.IntercomID, 10),
		},
		map[string]any{
			"session_id": session.ID,
			"answered":   session.PickedUpAt != nil,
		},
		*session.NotifiedAt)
	w.writeAPI.WritePoint(point)
}

// Close flushes pending points and shuts the client down.
func (w *Writer) Close() {
	if !w.Enabled() {
		return
	}
	w.writeAPI.Flush()
	w.client.Close()
}
