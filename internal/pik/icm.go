package pik

import (
	"context"
	"encoding/json"
	"net/url"

	"go.uber.org/zap"
)

type accountPayload struct {
	ID          flexID `json:"id"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Number      string `json:"number"`
	ApartmentID flexID `json:"apartment_id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	MiddleName  string `json:"middle_name"`
}

// Authenticate signs in against the ICM origin. The bearer token is
// taken from the Authorization response header, stored for later
// authenticated calls, and the account record is upserted from the
// response body.
func (c *Client) Authenticate(ctx context.Context) error {
	payload := map[string]any{
		"account": map[string]any{
			"phone":    c.username,
			"password": c.password,
		},
		"customer_device": map[string]any{
			"uid": c.deviceID,
		},
	}

	raw, headers, err := c.post(ctx, c.icmURL, "/api/customers/sign_in", requestOptions{
		op:       "authentication",
		jsonBody: payload,
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &AuthError{Reason: "sign-in rejected", Cause: err}
	}

	authorization := headers.Get("Authorization")
	if authorization == "" {
		return &AuthError{Reason: "authorization header not found"}
	}

	var body struct {
		Account accountPayload `json:"account"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return &AuthError{Reason: "malformed sign-in body", Cause: err}
	}

	c.mu.Lock()
	c.token = authorization
	account := c.account
	if account == nil {
		account = &Account{client: c}
		c.account = account
	}
	account.client = c
	account.ID = int64(body.Account.ID)
	account.Phone = body.Account.Phone
	account.Email = body.Account.Email
	account.Number = body.Account.Number
	account.ApartmentID = int64(body.Account.ApartmentID)
	account.FirstName = body.Account.FirstName
	account.LastName = body.Account.LastName
	account.MiddleName = body.Account.MiddleName
	c.mu.Unlock()

	c.log.Debug("authentication successful", zap.String("username", maskUsername(c.username)))
	return nil
}

type propertyPayload struct {
	ID            flexID `json:"id"`
	SchemeID      flexID `json:"scheme_id"`
	Number        string `json:"number"`
	Section       int64  `json:"section"`
	BuildingID    flexID `json:"building_id"`
	DistrictID    flexID `json:"district_id"`
	AccountNumber string `json:"account_number"`
}

// UpdateProperties fetches the customer's property groupings. The
// response is a single object keyed by property category, not a paged
// list.
func (c *Client) UpdateProperties(ctx context.Context) error {
	raw, _, err := c.get(ctx, c.icmURL, "/api/customers/properties", requestOptions{
		op:            "properties fetching",
		authenticated: true,
	})
	if err != nil {
		return err
	}

	var byCategory map[string][]propertyPayload
	if err := json.Unmarshal(raw, &byCategory); err != nil {
		return &RequestError{Op: "properties fetching", Cause: err}
	}

	found := make(map[int64]bool)

	c.mu.Lock()
	for category, payloads := range byCategory {
		for _, payload := range payloads {
			id := int64(payload.ID)
			if id == 0 {
				continue
			}
			found[id] = true

			property := c.properties[id]
			if property == nil {
				property = &Property{client: c, ID: id}
				c.properties[id] = property
			} else if property.Category != category {
				c.log.Warn("property category changed",
					zap.Int64("property_id", id),
					zap.String("from", property.Category),
					zap.String("to", category))
			}
			property.client = c
			property.Category = category
			property.SchemeID = int64(payload.SchemeID)
			property.Number = payload.Number
			property.Section = payload.Section
			property.BuildingID = int64(payload.BuildingID)
			property.DistrictID = int64(payload.DistrictID)
			property.AccountNumber = payload.AccountNumber
		}
	}
	for id := range c.properties {
		if !found[id] {
			delete(c.properties, id)
		}
	}
	c.mu.Unlock()

	return nil
}

type icmIntercomPayload struct {
	ID                   flexID            `json:"id"`
	SchemeID             flexID            `json:"scheme_id"`
	BuildingID           flexID            `json:"building_id"`
	Kind                 string            `json:"kind"`
	DeviceCategory       string            `json:"device_category"`
	Mode                 string            `json:"mode"`
	Name                 string            `json:"name"`
	HumanName            string            `json:"human_name"`
	RenamedName          string            `json:"renamed_name"`
	Entrance             *int64            `json:"entrance"`
	CheckpointRelayIndex *int64            `json:"checkpoint_relay_index"`
	Relays               map[string]string `json:"relays"`
	FaceDetection        bool              `json:"face_detection"`
	IPAddress            string            `json:"ip_address"`
	SIPProxy             string            `json:"sip_proxy"`
	PhotoURL             string            `json:"photo_url"`
	Video                []struct {
		Quality string `json:"quality"`
		Source  string `json:"source"`
	} `json:"video"`
}

// UpdateIcmIntercoms walks the paged intercom list of one property,
// upserting records in place and removing that property's intercoms
// whose ids were absent from the full page walk.
func (c *Client) UpdateIcmIntercoms(ctx context.Context, propertyID int64) error {
	path := "/api/customers/properties/" + formatID(propertyID) + "/intercoms"
	found := make(map[int64]bool)

	err := c.fetchPages(ctx, c.icmURL, path, "property intercoms fetching", 0, nil, func(items []json.RawMessage) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		for _, item := range items {
			var payload icmIntercomPayload
			if err := json.Unmarshal(item, &payload); err != nil {
				return &RequestError{Op: "property intercoms fetching", Cause: err}
			}
			id := int64(payload.ID)
			if id == 0 {
				continue
			}
			found[id] = true

			var video map[string]string
			if len(payload.Video) > 0 {
				video = make(map[string]string, len(payload.Video))
				for _, stream := range payload.Video {
					if _, taken := video[stream.Quality]; !taken {
						video[stream.Quality] = stream.Source
					}
				}
			}

			intercom := c.icmIntercoms[id]
			if intercom == nil {
				intercom = &IcmIntercom{client: c, ID: id}
				c.icmIntercoms[id] = intercom
			}
			intercom.client = c
			intercom.PropertyID = propertyID
			intercom.SchemeID = int64(payload.SchemeID)
			intercom.BuildingID = int64(payload.BuildingID)
			intercom.Kind = payload.Kind
			intercom.DeviceCategory = payload.DeviceCategory
			intercom.Mode = payload.Mode
			intercom.Name = payload.Name
			intercom.HumanName = payload.HumanName
			intercom.RenamedName = payload.RenamedName
			intercom.Entrance = payload.Entrance
			intercom.CheckpointRelayIndex = payload.CheckpointRelayIndex
			intercom.Relays = payload.Relays
			intercom.FaceDetection = payload.FaceDetection
			intercom.IPAddress = payload.IPAddress
			intercom.SIPProxy = payload.SIPProxy
			intercom.Video = video
			intercom.PhotoURL = payload.PhotoURL
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	for id, intercom := range c.icmIntercoms {
		if intercom.PropertyID == propertyID && !found[id] {
			delete(c.icmIntercoms, id)
		}
	}
	c.mu.Unlock()

	return nil
}

// UpdateAllIcmIntercoms refreshes the intercoms of every known
// property sequentially.
func (c *Client) UpdateAllIcmIntercoms(ctx context.Context) error {
	for id := range c.Properties() {
		if err := c.UpdateIcmIntercoms(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// UnlockIntercom sends an unlock command for an ICM intercom door.
// The vendor must confirm with "request": true in the body; anything
// else is an UnlockError.
func (c *Client) UnlockIntercom(ctx context.Context, intercomID int64, mode string) error {
	raw, _, err := c.post(ctx, c.icmURL, "/api/customers/intercoms/"+formatID(intercomID)+"/unlock", requestOptions{
		op:            "intercom unlocking",
		authenticated: true,
		formBody: url.Values{
			"id":   {formatID(intercomID)},
			"door": {mode},
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		return &UnlockError{Target: "intercom", ID: intercomID, Cause: err}
	}

	var body struct {
		Request bool `json:"request"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || !body.Request {
		return &UnlockError{Target: "intercom", ID: intercomID}
	}

	c.log.Debug("intercom unlocked", zap.Int64("intercom_id", intercomID))
	return nil
}
