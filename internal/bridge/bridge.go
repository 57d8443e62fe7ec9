// Package bridge projects the vendor's device collections into Home
// Assistant via MQTT discovery: unlock buttons for doors, sensors for
// meters and the latest call, and camera entities fed with snapshot
// bytes. Unlock commands flow back from command topics to the API.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"pikbridge/internal/config"
	"pikbridge/internal/mqtt"
	"pikbridge/internal/pik"
	"pikbridge/internal/reconcile"
)

const (
	subIcmUnlock    = "icm_unlock"
	subRelayUnlock  = "relay_unlock"
	subMeterCurrent = "meter_current"
	subMeterMonth   = "meter_month"
	subIcmCamera    = "icm_camera"
	subIotCamera    = "iot_camera"
	subRelayCamera  = "relay_camera"
	subCamera       = "camera"
	subLastCall     = "last_call"
	subCallActive   = "call_active"

	payloadPress  = "PRESS"
	payloadOn     = "ON"
	payloadOff    = "OFF"
	unlockTimeout = 10 * time.Second
)

// Publisher is the MQTT surface the bridge needs. Satisfied by
// mqtt.Client; tests substitute a recorder.
type Publisher interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string, handler mqtt.Handler) error
}

// entity is one announced Home Assistant entity. online captures the
// backing record pointer, so availability tracks identity membership
// in the live collection, not mere id presence.
type entity struct {
	key               reconcile.Key
	availabilityTopic string
	online            func() bool
}

// Bridge owns the discovery registry and the command subscription.
type Bridge struct {
	client   *pik.Client
	pub      Publisher
	cfg      config.MQTTConfig
	log      *zap.Logger
	entities *reconcile.Set[entity]
}

func New(client *pik.Client, pub Publisher, cfg config.MQTTConfig, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		client:   client,
		pub:      pub,
		cfg:      cfg,
		log:      logger,
		entities: reconcile.NewSet[entity](),
	}
}

// Start subscribes to the unlock command topics and announces the
// bridge-level entities that do not depend on any device record.
func (b *Bridge) Start() error {
	topic := b.cfg.TopicPrefix + "/+/+/unlock"
	if err := b.pub.Subscribe(topic, b.handleUnlock); err != nil {
		return err
	}
	return b.announceCallSensors()
}

// Sync registers discovery configs for device records seen for the
// first time and refreshes all published state. Called from the
// coordinator listeners after every successful poll.
func (b *Bridge) Sync() {
	if err := b.announceDevices(); err != nil {
		b.log.Warn("discovery publish failed", zap.Error(err))
	}
	b.PublishStates()
}

func (b *Bridge) announceDevices() error {
	var keys []reconcile.Key
	for id, intercom := range b.client.IcmIntercoms() {
		keys = append(keys, reconcile.Key{ID: id, Sub: subIcmUnlock})
		if intercom.SnapshotURL() != "" {
			keys = append(keys, reconcile.Key{ID: id, Sub: subIcmCamera})
		}
	}
	for id, intercom := range b.client.IotIntercoms() {
		if intercom.SnapshotURL() != "" {
			keys = append(keys, reconcile.Key{ID: id, Sub: subIotCamera})
		}
	}
	for id, relay := range b.client.IotRelays() {
		keys = append(keys, reconcile.Key{ID: id, Sub: subRelayUnlock})
		if relay.SnapshotURL() != "" {
			keys = append(keys, reconcile.Key{ID: id, Sub: subRelayCamera})
		}
	}
	for id := range b.client.IotMeters() {
		keys = append(keys,
			reconcile.Key{ID: id, Sub: subMeterCurrent},
			reconcile.Key{ID: id, Sub: subMeterMonth})
	}
	for id := range b.client.IotCameras() {
		keys = append(keys, reconcile.Key{ID: id, Sub: subCamera})
	}

	_, err := b.entities.Reconcile(keys, b.announce)
	return err
}

// announce publishes the retained discovery config for one new key.
func (b *Bridge) announce(key reconcile.Key) (entity, error) {
	cfg, component, availabilityKind, online := b.buildConfig(key)
	if cfg == nil {
		return entity{}, fmt.Errorf("no device record behind key %d/%s", key.ID, key.Sub)
	}
	cfg.AvailabilityTopic = b.availabilityTopic(availabilityKind, key.ID)

	payload, err := json.Marshal(cfg)
	if err != nil {
		return entity{}, err
	}
	topic := fmt.Sprintf("%s/%s/%s/config", b.cfg.DiscoveryPrefix, component, cfg.UniqueID)
	if err := b.pub.Publish(topic, payload, true); err != nil {
		return entity{}, err
	}

	b.log.Info("entity announced",
		zap.String("component", component),
		zap.String("unique_id", cfg.UniqueID))
	return entity{key: key, availabilityTopic: cfg.AvailabilityTopic, online: online}, nil
}

// buildConfig maps a key to its discovery payload plus the identity
// check driving availability. A nil config means the backing record
// vanished between reconcile and announce.
func (b *Bridge) buildConfig(key reconcile.Key) (cfg *entityConfig, component, availabilityKind string, online func() bool) {
	id := formatID(key.ID)

	switch key.Sub {
	case subIcmUnlock, subIcmCamera:
		intercom := b.client.IcmIntercoms()[key.ID]
		if intercom == nil {
			return nil, "", "", nil
		}
		online = func() bool { return b.client.HasIcmIntercom(intercom) }
		if key.Sub == subIcmCamera {
			return &entityConfig{
				Name:     intercom.DisplayName(),
				UniqueID: b.uniqueID(subIcmCamera, key.ID),
				Device:   b.deviceInfo("intercom-"+id, intercom.DisplayName(), "Property Intercom"),
				Topic:    b.imageTopic("icm", key.ID),
			}, "camera", "icm", online
		}
		return &entityConfig{
			Name:         intercom.DisplayName() + " Unlock",
			UniqueID:     b.uniqueID(subIcmUnlock, key.ID),
			Device:       b.deviceInfo("intercom-"+id, intercom.DisplayName(), "Property Intercom"),
			Icon:         "mdi:door-open",
			CommandTopic: b.commandTopic("icm", key.ID),
			PayloadPress: payloadPress,
		}, "button", "icm", online

	case subIotCamera:
		intercom := b.client.IotIntercoms()[key.ID]
		if intercom == nil {
			return nil, "", "", nil
		}
		online = func() bool { return b.client.HasIotIntercom(intercom) }
		return &entityConfig{
			Name:     intercom.DisplayName(),
			UniqueID: b.uniqueID(subIotCamera, key.ID),
			Device:   b.deviceInfo("iot-intercom-"+id, intercom.DisplayName(), "IoT Intercom"),
			Topic:    b.imageTopic("iot", key.ID),
		}, "camera", "iot", online

	case subRelayUnlock, subRelayCamera:
		relay := b.client.IotRelays()[key.ID]
		if relay == nil {
			return nil, "", "", nil
		}
		online = func() bool { return b.client.HasIotRelay(relay) }
		if key.Sub == subRelayCamera {
			return &entityConfig{
				Name:     relay.FriendlyName(),
				UniqueID: b.uniqueID(subRelayCamera, key.ID),
				Device:   b.deviceInfo("relay-"+id, relay.FriendlyName(), "Door Relay"),
				Topic:    b.imageTopic("relay", key.ID),
			}, "camera", "relay", online
		}
		return &entityConfig{
			Name:         relay.FriendlyName() + " Unlock",
			UniqueID:     b.uniqueID(subRelayUnlock, key.ID),
			Device:       b.deviceInfo("relay-"+id, relay.FriendlyName(), "Door Relay"),
			Icon:         "mdi:door-open",
			CommandTopic: b.commandTopic("relay", key.ID),
			PayloadPress: payloadPress,
		}, "button", "relay", online

	case subMeterCurrent, subMeterMonth:
		meter := b.client.IotMeters()[key.ID]
		if meter == nil {
			return nil, "", "", nil
		}
		online = func() bool { return b.client.HasIotMeter(meter) }
		metric, label := "current", "Total"
		if key.Sub == subMeterMonth {
			metric, label = "month", "Month"
		}
		return &entityConfig{
			Name:              meter.DisplayName() + " " + label,
			UniqueID:          b.uniqueID(key.Sub, key.ID),
			Device:            b.deviceInfo("meter-"+id, meter.DisplayName(), "Utility Meter"),
			StateTopic:        b.meterStateTopic(key.ID),
			ValueTemplate:     fmt.Sprintf("{{ value_json.%s }}", metric),
			StateClass:        "total_increasing",
			UnitOfMeasurement: meter.Unit(),
		}, "sensor", "meter", online

	case subCamera:
		camera := b.client.IotCameras()[key.ID]
		if camera == nil {
			return nil, "", "", nil
		}
		online = func() bool { return b.client.HasIotCamera(camera) }
		return &entityConfig{
			Name:     camera.DisplayName(),
			UniqueID: b.uniqueID(subCamera, key.ID),
			Device:   b.deviceInfo("camera-"+id, camera.DisplayName(), "Camera"),
			Topic:    b.imageTopic("camera", key.ID),
		}, "camera", "camera", online
	}
	return nil, "", "", nil
}

// announceCallSensors publishes the two call entities: the timestamp
// of the newest session and whether it is still ringing.
func (b *Bridge) announceCallSensors() error {
	configs := []struct {
		component string
		cfg       *entityConfig
		sub       string
	}{
		{"sensor", &entityConfig{
			Name:              "Last Call",
			UniqueID:          b.cfg.TopicPrefix + "_last_call",
			AvailabilityTopic: mqtt.AvailabilityTopic(b.cfg.TopicPrefix),
			StateTopic:        b.lastCallTopic(),
			DeviceClass:       "timestamp",
			Icon:              "mdi:phone-incoming",
		}, subLastCall},
		{"binary_sensor", &entityConfig{
			Name:              "Call Active",
			UniqueID:          b.cfg.TopicPrefix + "_call_active",
			AvailabilityTopic: mqtt.AvailabilityTopic(b.cfg.TopicPrefix),
			StateTopic:        b.callActiveTopic(),
			DeviceClass:       "sound",
			Icon:              "mdi:phone-ring",
		}, subCallActive},
	}

	for _, c := range configs {
		payload, err := json.Marshal(c.cfg)
		if err != nil {
			return err
		}
		topic := fmt.Sprintf("%s/%s/%s/config", b.cfg.DiscoveryPrefix, c.component, c.cfg.UniqueID)
		if err := b.pub.Publish(topic, payload, true); err != nil {
			return err
		}
		b.entities.Reconcile([]reconcile.Key{{Sub: c.sub}}, func(key reconcile.Key) (entity, error) {
			return entity{key: key}, nil
		})
	}
	return nil
}

// PublishStates refreshes meter readings, the last call timestamp,
// and per-device availability.
func (b *Bridge) PublishStates() {
	meters := b.client.IotMeters()
	for id, meter := range meters {
		state := struct {
			Current *float64 `json:"current"`
			Month   *float64 `json:"month"`
		}{meter.CurrentValue, meter.MonthValue}
		payload, err := json.Marshal(state)
		if err != nil {
			continue
		}
		if err := b.pub.Publish(b.meterStateTopic(id), payload, true); err != nil {
			b.log.Warn("meter state publish failed", zap.Int64("meter_id", id), zap.Error(err))
		}
	}

	if last := b.client.LastCallSession(); last != nil && last.NotifiedAt != nil {
		payload := []byte(last.NotifiedAt.UTC().Format(time.RFC3339))
		if err := b.pub.Publish(b.lastCallTopic(), payload, true); err != nil {
			b.log.Warn("last call publish failed", zap.Error(err))
		}

		// A session is ringing while notified but not yet finished.
		active := payloadOff
		if last.FinishedAt == nil {
			active = payloadOn
		}
		if err := b.pub.Publish(b.callActiveTopic(), []byte(active), true); err != nil {
			b.log.Warn("call active publish failed", zap.Error(err))
		}
	}

	b.publishAvailability()
}

// publishAvailability marks each announced device online while its
// record pointer is still part of the live collection and offline
// once the vendor stops reporting it. The checks go through the
// client's identity predicates, so a re-created record with the same
// id does not keep a stale entity online.
func (b *Bridge) publishAvailability() {
	published := make(map[string]bool)
	b.entities.Each(func(_ reconcile.Key, e entity) {
		if e.online == nil || e.availabilityTopic == "" || published[e.availabilityTopic] {
			return
		}
		published[e.availabilityTopic] = true

		payload := mqtt.PayloadOffline
		if e.online() {
			payload = mqtt.PayloadOnline
		}
		if err := b.pub.Publish(e.availabilityTopic, []byte(payload), true); err != nil {
			b.log.Warn("availability publish failed",
				zap.String("topic", e.availabilityTopic), zap.Error(err))
		}
	})
}

// PublishSnapshots fetches a fresh still from every record exposing a
// snapshot URL and feeds the bytes to its camera entity.
func (b *Bridge) PublishSnapshots(ctx context.Context) {
	publish := func(kind string, id int64, device pik.Snapshotter) {
		if device.SnapshotURL() == "" {
			return
		}
		data, err := b.client.Snapshot(ctx, device)
		if err != nil {
			b.log.Debug("snapshot unavailable",
				zap.String("kind", kind), zap.Int64("device_id", id), zap.Error(err))
			return
		}
		if err := b.pub.Publish(b.imageTopic(kind, id), data, true); err != nil {
			b.log.Warn("snapshot publish failed",
				zap.String("kind", kind), zap.Int64("device_id", id), zap.Error(err))
		}
	}

	for id, intercom := range b.client.IcmIntercoms() {
		publish("icm", id, intercom)
	}
	for id, intercom := range b.client.IotIntercoms() {
		publish("iot", id, intercom)
	}
	for id, relay := range b.client.IotRelays() {
		publish("relay", id, relay)
	}
	for id, camera := range b.client.IotCameras() {
		publish("camera", id, camera)
	}
}

// handleUnlock reacts to button presses arriving on command topics of
// the form <prefix>/<kind>/<id>/unlock.
func (b *Bridge) handleUnlock(topic string, _ []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[3] != "unlock" {
		b.log.Warn("unexpected command topic", zap.String("topic", topic))
		return
	}
	id, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		b.log.Warn("bad device id on command topic", zap.String("topic", topic))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), unlockTimeout)
	defer cancel()

	switch parts[1] {
	case "icm":
		intercom := b.client.IcmIntercoms()[id]
		if intercom == nil {
			b.log.Warn("unlock for unknown intercom", zap.Int64("intercom_id", id))
			return
		}
		err = intercom.Unlock(ctx)
	case "relay":
		relay := b.client.IotRelays()[id]
		if relay == nil {
			b.log.Warn("unlock for unknown relay", zap.Int64("relay_id", id))
			return
		}
		err = relay.Unlock(ctx)
	default:
		b.log.Warn("unknown unlock target", zap.String("topic", topic))
		return
	}

	if err != nil {
		b.log.Error("unlock failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	b.log.Info("door unlocked", zap.String("topic", topic))
}

func (b *Bridge) uniqueID(sub string, id int64) string {
	return fmt.Sprintf("%s_%s_%s", b.cfg.TopicPrefix, sub, formatID(id))
}

func (b *Bridge) deviceInfo(identifier, name, model string) *deviceInfo {
	return &deviceInfo{
		Identifiers:  []string{b.cfg.TopicPrefix + "-" + identifier},
		Manufacturer: "PIK Comfort",
		Model:        model,
		Name:         name,
		ViaDevice:    b.cfg.TopicPrefix,
	}
}

func (b *Bridge) commandTopic(kind string, id int64) string {
	return fmt.Sprintf("%s/%s/%s/unlock", b.cfg.TopicPrefix, kind, formatID(id))
}

func (b *Bridge) availabilityTopic(kind string, id int64) string {
	return fmt.Sprintf("%s/%s/%s/availability", b.cfg.TopicPrefix, kind, formatID(id))
}

func (b *Bridge) meterStateTopic(id int64) string {
	return fmt.Sprintf("%s/meter/%s/state", b.cfg.TopicPrefix, formatID(id))
}

func (b *Bridge) imageTopic(kind string, id int64) string {
	return fmt.Sprintf("%s/%s/%s/image", b.cfg.TopicPrefix, kind, formatID(id))
}

func (b *Bridge) lastCallTopic() string {
	return b.cfg.TopicPrefix + "/call/last/state"
}

func (b *Bridge) callActiveTopic() string {
	return b.cfg.TopicPrefix + "/call/active/state"
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
