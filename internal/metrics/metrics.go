// Package metrics exposes the bridge's device collections and feed
// health as Prometheus metrics. Values are read from the in-memory
// collections at scrape time, never from the vendor.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"pikbridge/internal/coordinator"
	"pikbridge/internal/pik"
)

// Collector snapshots the client's collections on every scrape.
type Collector struct {
	client *pik.Client
	feeds  []coordinator.Refresher

	meterTotal      *prometheus.GaugeVec
	meterMonth      *prometheus.GaugeVec
	lastCallSession prometheus.Gauge
	deviceCount     *prometheus.GaugeVec
	feedUp          *prometheus.GaugeVec
	feedLastSuccess *prometheus.GaugeVec
}

func NewCollector(client *pik.Client, feeds ...coordinator.Refresher) *Collector {
	meterLabels := []string{"meter_id", "name", "kind"}
	feedLabels := []string{"feed"}
	return &Collector{
		client: client,
		feeds:  feeds,
		meterTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pikbridge_meter_current_value",
			Help: "Cumulative meter reading in the meter's native unit",
		}, meterLabels),
		meterMonth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pikbridge_meter_month_value",
			Help: "Current month consumption in the meter's native unit",
		}, meterLabels),
		lastCallSession: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pikbridge_last_call_session_timestamp_seconds",
			Help: "Notification time of the newest call session (epoch seconds)",
		}),
		deviceCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pikbridge_devices",
			Help: "Known device records per collection",
		}, []string{"collection"}),
		feedUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pikbridge_feed_up",
			Help: "Last refresh state per feed (1=ok, 0=error)",
		}, feedLabels),
		feedLastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pikbridge_feed_last_success_timestamp_seconds",
			Help: "Last successful refresh per feed (epoch seconds)",
		}, feedLabels),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.meterTotal.Describe(ch)
	c.meterMonth.Describe(ch)
	c.lastCallSession.Describe(ch)
	c.deviceCount.Describe(ch)
	c.feedUp.Describe(ch)
	c.feedLastSuccess.Describe(ch)
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.meterTotal.Reset()
	c.meterMonth.Reset()

	meters := c.client.IotMeters()
	for _, meter := range meters {
		labels := prometheus.Labels{
			"meter_id": strconv.FormatInt(meter.ID, 10),
			"name":     meter.DisplayName(),
			"kind":     meter.Kind,
		}
		if meter.CurrentValue != nil {
			c.meterTotal.With(labels).Set(*meter.CurrentValue)
		}
		if meter.MonthValue != nil {
			c.meterMonth.With(labels).Set(*meter.MonthValue)
		}
	}

	if last := c.client.LastCallSession(); last != nil && last.NotifiedAt != nil {
		c.lastCallSession.Set(float64(last.NotifiedAt.Unix()))
	}

	c.deviceCount.With(prometheus.Labels{"collection": "properties"}).Set(float64(len(c.client.Properties())))
	c.deviceCount.With(prometheus.Labels{"collection": "icm_intercoms"}).Set(float64(len(c.client.IcmIntercoms())))
	c.deviceCount.With(prometheus.Labels{"collection": "iot_intercoms"}).Set(float64(len(c.client.IotIntercoms())))
	c.deviceCount.With(prometheus.Labels{"collection": "iot_relays"}).Set(float64(len(c.client.IotRelays())))
	c.deviceCount.With(prometheus.Labels{"collection": "iot_cameras"}).Set(float64(len(c.client.IotCameras())))
	c.deviceCount.With(prometheus.Labels{"collection": "iot_meters"}).Set(float64(len(meters)))

	for _, feed := range c.feeds {
		labels := prometheus.Labels{"feed": feed.Name()}
		c.feedUp.With(labels).Set(boolToFloat(feed.LastError() == nil))
		if last := feed.LastSuccess(); !last.IsZero() {
			c.feedLastSuccess.With(labels).Set(float64(last.Unix()))
		}
	}

	c.meterTotal.Collect(ch)
	c.meterMonth.Collect(ch)
	c.lastCallSession.Collect(ch)
	c.deviceCount.Collect(ch)
	c.feedUp.Collect(ch)
	c.feedLastSuccess.Collect(ch)
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
