package pik

import (
	"context"
	"time"
)

// Records are flat, mutable and identity-stable: a record created on
// the first fetch of its id is updated in place by every later fetch
// that still reports the id, and is removed from its collection once
// the vendor stops reporting it. Entities that hold a record pointer
// therefore see field updates without re-subscribing. Field writes
// happen only inside upserts while the client mutex is held.

// VideoQualities is the preference order used to pick a stream URL
// from the per-quality variants the ICM API reports.
var VideoQualities = [...]string{"high", "medium", "low"}

// Snapshotter is implemented by records that expose a still-image URL.
type Snapshotter interface {
	SnapshotURL() string
}

// Streamer is implemented by records that expose a live video stream.
type Streamer interface {
	StreamURL() string
}

// Unlocker is implemented by records that can open a door.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Account is the authenticated customer identity, upserted from the
// sign-in response body.
type Account struct {
	client *Client

	ID          int64
	Phone       string
	Email       string
	Number      string
	ApartmentID int64
	FirstName   string
	LastName    string
	MiddleName  string
}

// Property is an ICM building/apartment grouping. Used only to scope
// intercom fetches, never mutated concurrently with them.
type Property struct {
	client *Client

	ID            int64
	Category      string
	SchemeID      int64
	Number        string
	Section       int64
	BuildingID    int64
	DistrictID    int64
	AccountNumber string
}

// Intercoms returns the ICM intercoms currently attached to this
// property.
func (p *Property) Intercoms() map[int64]*IcmIntercom {
	out := make(map[int64]*IcmIntercom)
	for id, ic := range p.client.IcmIntercoms() {
		if ic.PropertyID == p.ID {
			out[id] = ic
		}
	}
	return out
}

// UpdateIntercoms refreshes the intercoms of this property.
func (p *Property) UpdateIntercoms(ctx context.Context) error {
	return p.client.UpdateIcmIntercoms(ctx, p.ID)
}

// IcmIntercom is a property intercom from the legacy ICM API.
type IcmIntercom struct {
	client *Client

	ID                   int64
	PropertyID           int64
	SchemeID             int64
	BuildingID           int64
	Kind                 string
	DeviceCategory       string
	Mode                 string
	Name                 string
	HumanName            string
	RenamedName          string
	Entrance             *int64
	CheckpointRelayIndex *int64
	Relays               map[string]string
	FaceDetection        bool
	Video                map[string]string
	PhotoURL             string
	IPAddress            string
	SIPProxy             string
}

// DisplayName picks the best human-readable name the vendor provided.
func (d *IcmIntercom) DisplayName() string {
	for _, name := range []string{d.RenamedName, d.HumanName, d.Name} {
		if name != "" {
			return name
		}
	}
	return "Intercom " + formatID(d.ID)
}

// HasCamera reports whether the intercom exposes any imagery.
func (d *IcmIntercom) HasCamera() bool {
	return len(d.Video) > 0 || d.PhotoURL != ""
}

func (d *IcmIntercom) SnapshotURL() string { return d.PhotoURL }

// StreamURL returns the preferred-quality video stream, falling back
// to any stream the vendor reported.
func (d *IcmIntercom) StreamURL() string {
	if len(d.Video) == 0 {
		return ""
	}
	for _, quality := range VideoQualities {
		if src := d.Video[quality]; src != "" {
			return src
		}
	}
	for _, src := range d.Video {
		return src
	}
	return ""
}

// Unlock opens the intercom door using its configured mode.
func (d *IcmIntercom) Unlock(ctx context.Context) error {
	return d.client.UnlockIntercom(ctx, d.ID, d.Mode)
}

// GeoUnit is the location a personal IoT device is attached to.
type GeoUnit struct {
	ID        int64
	FullName  string
	ShortName string
}

// IotIntercom is a personal intercom from the IoT API.
type IotIntercom struct {
	client *Client

	ID            int64
	Name          string
	ClientID      int64
	Status        string
	LiveSnapshot  string
	GeoUnit       *GeoUnit
	FaceDetection bool
	Relays        []*IotRelay
}

func (d *IotIntercom) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return "IoT Intercom " + formatID(d.ID)
}

func (d *IotIntercom) SnapshotURL() string { return d.LiveSnapshot }

// RelaySettings are the per-user knobs attached to an IoT relay.
type RelaySettings struct {
	CustomName string
	IsFavorite bool
	IsHidden   bool
}

// IotRelay is a remotely unlockable door relay.
type IotRelay struct {
	client *Client

	ID           int64
	Name         string
	Settings     RelaySettings
	GeoUnit      *GeoUnit
	RTSPURL      string
	LiveSnapshot string
}

// FriendlyName prefers the user-assigned name over the vendor one.
func (d *IotRelay) FriendlyName() string {
	if d.Settings.CustomName != "" {
		return d.Settings.CustomName
	}
	if d.Name != "" {
		return d.Name
	}
	return "IoT Relay " + formatID(d.ID)
}

func (d *IotRelay) SnapshotURL() string { return d.LiveSnapshot }

func (d *IotRelay) StreamURL() string { return d.RTSPURL }

func (d *IotRelay) Unlock(ctx context.Context) error {
	return d.client.UnlockRelay(ctx, d.ID)
}

// IotCamera is a standalone camera from the IoT API.
type IotCamera struct {
	client *Client

	ID           int64
	Name         string
	LiveSnapshot string
	RTSPURL      string
	GeoUnit      *GeoUnit
}

func (d *IotCamera) DisplayName() string {
	if d.Name != "" {
		return d.Name
	}
	return "IoT Camera " + formatID(d.ID)
}

func (d *IotCamera) SnapshotURL() string { return d.LiveSnapshot }

func (d *IotCamera) StreamURL() string { return d.RTSPURL }

// Meter kinds reported by the IoT API.
const (
	MeterKindCold    = "cold"
	MeterKindHot     = "hot"
	MeterKindElectro = "electro"
	MeterKindHeat    = "heat"
)

// IotMeter is a utility meter. Readings are numeric values parsed
// from the vendor's "<value> <unit>" strings; nil when the vendor
// omitted them.
type IotMeter struct {
	client *Client

	ID             int64
	Serial         string
	Kind           string
	Title          string
	PipeIdentifier string
	GeoUnitID      int64
	CurrentValue   *float64
	MonthValue     *float64
}

func (d *IotMeter) DisplayName() string {
	if d.Title != "" {
		return d.Title
	}
	return "IoT Meter " + formatID(d.ID)
}

// Unit returns the measurement unit implied by the meter kind.
func (d *IotMeter) Unit() string {
	switch d.Kind {
	case MeterKindCold, MeterKindHot:
		return "m³"
	case MeterKindElectro:
		return "kWh"
	case MeterKindHeat:
		return "Gcal"
	}
	return ""
}

// CallSession is a record of an inbound intercom call.
type CallSession struct {
	client *Client

	ID           int64
	PropertyID   int64
	PropertyName string
	IntercomID   int64
	IntercomName string
	PhotoURL     string
	CreatedAt    *time.Time
	NotifiedAt   *time.Time
	PickedUpAt   *time.Time
	FinishedAt   *time.Time
}

func (s *CallSession) SnapshotURL() string { return s.PhotoURL }
