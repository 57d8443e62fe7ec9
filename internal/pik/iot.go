package pik

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"time"

	"go.uber.org/zap"
)

type geoUnitPayload struct {
	ID        flexID `json:"id"`
	FullName  string `json:"full_name"`
	ShortName string `json:"short_name"`
}

func (p *geoUnitPayload) toGeoUnit() *GeoUnit {
	if p == nil {
		return nil
	}
	return &GeoUnit{
		ID:        int64(p.ID),
		FullName:  p.FullName,
		ShortName: p.ShortName,
	}
}

type iotRelayPayload struct {
	ID           flexID          `json:"id"`
	Name         string          `json:"name"`
	RTSPURL      string          `json:"rtsp_url"`
	LiveSnapshot string          `json:"live_snapshot_url"`
	GeoUnit      *geoUnitPayload `json:"geo_unit"`
	UserSettings *struct {
		CustomName string `json:"custom_name"`
		IsFavorite bool   `json:"is_favorite"`
		IsHidden   bool   `json:"is_hidden"`
	} `json:"user_settings"`
}

type iotIntercomPayload struct {
	ID              flexID            `json:"id"`
	Name            string            `json:"name"`
	ClientID        flexID            `json:"client_id"`
	Status          string            `json:"status"`
	LiveSnapshot    string            `json:"live_snapshot_url"`
	IsFaceDetection bool              `json:"is_face_detection"`
	GeoUnit         *geoUnitPayload   `json:"geo_unit"`
	Relays          []iotRelayPayload `json:"relays"`
}

// UpdateIotIntercoms walks the paged personal-intercom list of the
// IoT origin. Relays arrive nested inside their intercoms; both
// collections are reconciled by full-replace: ids absent from the
// complete page walk are removed.
func (c *Client) UpdateIotIntercoms(ctx context.Context) error {
	foundIntercoms := make(map[int64]bool)
	foundRelays := make(map[int64]bool)

	err := c.fetchPages(ctx, c.iotURL, "/api/alfred/v1/personal/intercoms", "IoT intercoms fetching", 0, nil, func(items []json.RawMessage) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		for _, item := range items {
			var payload iotIntercomPayload
			if err := json.Unmarshal(item, &payload); err != nil {
				return &RequestError{Op: "IoT intercoms fetching", Cause: err}
			}
			id := int64(payload.ID)
			if id == 0 {
				continue
			}
			foundIntercoms[id] = true

			intercom := c.iotIntercoms[id]
			if intercom == nil {
				intercom = &IotIntercom{client: c, ID: id}
				c.iotIntercoms[id] = intercom
			}
			intercom.client = c
			intercom.Name = payload.Name
			intercom.ClientID = int64(payload.ClientID)
			intercom.Status = payload.Status
			intercom.LiveSnapshot = payload.LiveSnapshot
			intercom.GeoUnit = payload.GeoUnit.toGeoUnit()
			intercom.FaceDetection = payload.IsFaceDetection
			intercom.Relays = intercom.Relays[:0]

			relayPayloads := payload.Relays
			sort.Slice(relayPayloads, func(i, j int) bool {
				return relayPayloads[i].ID < relayPayloads[j].ID
			})

			for _, relayPayload := range relayPayloads {
				relayID := int64(relayPayload.ID)
				if relayID == 0 {
					continue
				}
				foundRelays[relayID] = true

				settings := RelaySettings{}
				if s := relayPayload.UserSettings; s != nil {
					settings = RelaySettings{
						CustomName: s.CustomName,
						IsFavorite: s.IsFavorite,
						IsHidden:   s.IsHidden,
					}
				}

				relay := c.iotRelays[relayID]
				if relay == nil {
					relay = &IotRelay{client: c, ID: relayID}
					c.iotRelays[relayID] = relay
				}
				relay.client = c
				relay.Name = relayPayload.Name
				relay.Settings = settings
				relay.GeoUnit = relayPayload.GeoUnit.toGeoUnit()
				relay.RTSPURL = relayPayload.RTSPURL
				relay.LiveSnapshot = relayPayload.LiveSnapshot

				intercom.Relays = append(intercom.Relays, relay)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	for id := range c.iotIntercoms {
		if !foundIntercoms[id] {
			delete(c.iotIntercoms, id)
		}
	}
	for id := range c.iotRelays {
		if !foundRelays[id] {
			delete(c.iotRelays, id)
		}
	}
	c.mu.Unlock()

	return nil
}

type iotCameraPayload struct {
	ID           flexID          `json:"id"`
	Name         string          `json:"name"`
	LiveSnapshot string          `json:"live_snapshot_url"`
	RTSPURL      string          `json:"rtsp_url"`
	GeoUnit      *geoUnitPayload `json:"geo_unit"`
}

// UpdateIotCameras refreshes the standalone camera collection.
func (c *Client) UpdateIotCameras(ctx context.Context) error {
	found := make(map[int64]bool)

	err := c.fetchPages(ctx, c.iotURL, "/api/alfred/v1/personal/cameras", "IoT cameras fetching", 0, nil, func(items []json.RawMessage) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		for _, item := range items {
			var payload iotCameraPayload
			if err := json.Unmarshal(item, &payload); err != nil {
				return &RequestError{Op: "IoT cameras fetching", Cause: err}
			}
			id := int64(payload.ID)
			if id == 0 {
				continue
			}
			found[id] = true

			camera := c.iotCameras[id]
			if camera == nil {
				camera = &IotCamera{client: c, ID: id}
				c.iotCameras[id] = camera
			}
			camera.client = c
			camera.Name = payload.Name
			camera.LiveSnapshot = payload.LiveSnapshot
			camera.RTSPURL = payload.RTSPURL
			camera.GeoUnit = payload.GeoUnit.toGeoUnit()
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	for id := range c.iotCameras {
		if !found[id] {
			delete(c.iotCameras, id)
		}
	}
	c.mu.Unlock()

	return nil
}

type iotMeterPayload struct {
	ID             flexID `json:"id"`
	Serial         string `json:"serial"`
	Kind           string `json:"kind"`
	Title          string `json:"title"`
	PipeIdentifier string `json:"pipe_identifier"`
	GeoUnitID      flexID `json:"geo_unit_id"`
	CurrentValue   string `json:"current_value"`
	MonthValue     string `json:"month_value"`
}

// UpdateIotMeters refreshes the utility-meter collection. Readings
// like "123.4 m3" are stored numerically; unparsable readings leave
// the value nil rather than failing the whole walk.
func (c *Client) UpdateIotMeters(ctx context.Context) error {
	found := make(map[int64]bool)

	err := c.fetchPages(ctx, c.iotURL, "/api/alfred/v1/personal/meters", "IoT meters fetching", 0, nil, func(items []json.RawMessage) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		for _, item := range items {
			var payload iotMeterPayload
			if err := json.Unmarshal(item, &payload); err != nil {
				return &RequestError{Op: "IoT meters fetching", Cause: err}
			}
			id := int64(payload.ID)
			if id == 0 {
				continue
			}
			found[id] = true

			currentValue, err := ParseReading(payload.CurrentValue)
			if err != nil {
				c.log.Warn("bad meter reading",
					zap.Int64("meter_id", id),
					zap.String("current_value", payload.CurrentValue))
			}
			monthValue, err := ParseReading(payload.MonthValue)
			if err != nil {
				c.log.Warn("bad meter reading",
					zap.Int64("meter_id", id),
					zap.String("month_value", payload.MonthValue))
			}

			meter := c.iotMeters[id]
			if meter == nil {
				meter = &IotMeter{client: c, ID: id}
				c.iotMeters[id] = meter
			}
			meter.client = c
			meter.Serial = payload.Serial
			meter.Kind = payload.Kind
			meter.Title = payload.Title
			meter.PipeIdentifier = payload.PipeIdentifier
			meter.GeoUnitID = int64(payload.GeoUnitID)
			meter.CurrentValue = currentValue
			meter.MonthValue = monthValue
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	for id := range c.iotMeters {
		if !found[id] {
			delete(c.iotMeters, id)
		}
	}
	c.mu.Unlock()

	return nil
}

type callSessionPayload struct {
	ID               flexID `json:"id"`
	GeoUnitID        flexID `json:"geo_unit_id"`
	GeoUnitShortName string `json:"geo_unit_short_name"`
	IntercomID       flexID `json:"intercom_id"`
	IntercomName     string `json:"intercom_name"`
	SnapshotURL      string `json:"snapshot_url"`
	CreatedAt        string `json:"created_at"`
	NotifiedAt       string `json:"notified_at"`
	PickedUpAt       string `json:"pickedup_at"`
	FinishedAt       string `json:"finished_at"`
}

// DefaultCallSessionPages bounds a call-session history walk.
const DefaultCallSessionPages = 10

// UpdateCallSessions walks call-session history newest-first and
// stops paging as soon as a fetched session is not strictly newer
// than the previously cached newest session. maxPages <= 0 means
// DefaultCallSessionPages.
func (c *Client) UpdateCallSessions(ctx context.Context, maxPages int) error {
	if maxPages <= 0 {
		maxPages = DefaultCallSessionPages
	}

	var watermark time.Time
	if last := c.LastCallSession(); last != nil && last.NotifiedAt != nil {
		watermark = *last.NotifiedAt
	}

	query := url.Values{"q[s]": {"created_at DESC"}}

	return c.fetchPages(ctx, c.iotURL, "/api/alfred/v1/personal/call_sessions", "call sessions fetching", maxPages, query, func(items []json.RawMessage) error {
		caughtUp := false

		c.mu.Lock()
		for _, item := range items {
			var payload callSessionPayload
			if err := json.Unmarshal(item, &payload); err != nil {
				c.mu.Unlock()
				return &RequestError{Op: "call sessions fetching", Cause: err}
			}
			id := int64(payload.ID)
			if id == 0 {
				continue
			}

			notifiedAt := parseTimestamp(payload.NotifiedAt)

			// Strictly-newer watermark: a session notified exactly at
			// the watermark means history below is already cached.
			if !watermark.IsZero() && notifiedAt != nil && !notifiedAt.After(watermark) {
				caughtUp = true
			}

			session := c.callSessions[id]
			if session == nil {
				session = &CallSession{client: c, ID: id}
				c.callSessions[id] = session
			}
			session.client = c
			session.PropertyID = int64(payload.GeoUnitID)
			session.PropertyName = payload.GeoUnitShortName
			session.IntercomID = int64(payload.IntercomID)
			session.IntercomName = payload.IntercomName
			session.PhotoURL = payload.SnapshotURL
			session.CreatedAt = parseTimestamp(payload.CreatedAt)
			session.NotifiedAt = notifiedAt
			session.PickedUpAt = parseTimestamp(payload.PickedUpAt)
			session.FinishedAt = parseTimestamp(payload.FinishedAt)
		}
		c.mu.Unlock()

		if caughtUp {
			c.log.Debug("call session paging stopped at watermark", zap.Time("watermark", watermark))
			return errStopPaging
		}
		return nil
	})
}

// LastCallSession returns the call session with the greatest
// notified-at timestamp, or nil when none is cached.
func (c *Client) LastCallSession() *CallSession {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var last *CallSession
	for _, session := range c.callSessions {
		if session.NotifiedAt == nil {
			continue
		}
		if last == nil || session.NotifiedAt.After(*last.NotifiedAt) {
			last = session
		}
	}
	return last
}

// UnlockRelay sends an unlock command for an IoT relay. The endpoint
// has no documented success flag, so a 2xx response without a vendor
// error envelope counts as confirmation.
func (c *Client) UnlockRelay(ctx context.Context, relayID int64) error {
	_, _, err := c.post(ctx, c.iotURL, "/api/alfred/v1/personal/relays/"+formatID(relayID)+"/unlock", requestOptions{
		op:            "IoT relay unlocking",
		authenticated: true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &UnlockError{Target: "relay", ID: relayID, Cause: err}
	}

	c.log.Debug("relay unlocked", zap.Int64("relay_id", relayID))
	return nil
}
