// Package pik implements a client for the two PIK Intercom API
// families: the legacy ICM property/intercom API and the newer
// IoT (Rubetek) device API.
package pik

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// DefaultICMBaseURL is the legacy property-intercom API origin.
	DefaultICMBaseURL = "https://intercom.pik-comfort.ru"
	// DefaultIoTBaseURL is the IoT (Rubetek) API origin.
	DefaultIoTBaseURL = "https://iot.rubetek.com"

	defaultUserAgent  = "okhttp/4.9.0"
	defaultClientApp  = "alfred"
	defaultClientVer  = "2021.10.2"
	defaultClientOS   = "Android"
	apiVersion        = "2"
	generatedIDLength = 16
)

// Config defines runtime configuration for the API client.
type Config struct {
	Username string
	Password string

	// DeviceID identifies this client installation to the vendor. A
	// random one is generated when empty.
	DeviceID string

	// Origin overrides, used by tests.
	ICMBaseURL string
	IoTBaseURL string

	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to both PIK Intercom API origins and owns the mutable
// record collections built from their responses.
type Client struct {
	username string
	password string
	deviceID string

	icmURL string
	iotURL string

	httpClient *http.Client
	log        *zap.Logger

	mu             sync.RWMutex
	token          string
	requestCounter uint64

	account      *Account
	properties   map[int64]*Property
	icmIntercoms map[int64]*IcmIntercom
	iotIntercoms map[int64]*IotIntercom
	iotRelays    map[int64]*IotRelay
	iotCameras   map[int64]*IotCamera
	iotMeters    map[int64]*IotMeter
	callSessions map[int64]*CallSession
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Username == "" {
		return nil, fmt.Errorf("username is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("password is required")
	}

	deviceID := strings.TrimSpace(cfg.DeviceID)
	if deviceID == "" {
		deviceID = GenerateDeviceID()
	}

	icmURL := strings.TrimRight(cfg.ICMBaseURL, "/")
	if icmURL == "" {
		icmURL = DefaultICMBaseURL
	}
	iotURL := strings.TrimRight(cfg.IoTBaseURL, "/")
	if iotURL == "" {
		iotURL = DefaultIoTBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		username:     cfg.Username,
		password:     cfg.Password,
		deviceID:     deviceID,
		icmURL:       icmURL,
		iotURL:       iotURL,
		httpClient:   httpClient,
		log:          logger,
		properties:   make(map[int64]*Property),
		icmIntercoms: make(map[int64]*IcmIntercom),
		iotIntercoms: make(map[int64]*IotIntercom),
		iotRelays:    make(map[int64]*IotRelay),
		iotCameras:   make(map[int64]*IotCamera),
		iotMeters:    make(map[int64]*IotMeter),
		callSessions: make(map[int64]*CallSession),
	}, nil
}

// GenerateDeviceID produces a random device identifier in the format
// the vendor's mobile app uses.
func GenerateDeviceID() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return raw[:generatedIDLength]
}

func (c *Client) Username() string { return c.username }

func (c *Client) DeviceID() string { return c.deviceID }

// IsAuthenticated reports whether a bearer token is held.
func (c *Client) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token != ""
}

// Token returns the held bearer token, empty before sign-in.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// RestoreSession installs a previously persisted bearer token,
// letting the client skip sign-in after a restart.
func (c *Client) RestoreSession(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

type requestOptions struct {
	op            string
	authenticated bool
	query         url.Values
	jsonBody      any
	formBody      url.Values
}

// request performs one HTTP call against the given origin, attaching
// the fixed device headers and, when asked, the bearer token. It
// normalizes all failure modes into the package error family and
// returns the raw JSON body plus response headers.
func (c *Client) request(ctx context.Context, method, baseURL, path string, opt requestOptions) (json.RawMessage, http.Header, error) {
	var token string
	if opt.authenticated {
		c.mu.RLock()
		token = c.token
		c.mu.RUnlock()
		if token == "" {
			return nil, nil, ErrNotAuthenticated
		}
	}

	reqURL := baseURL + path
	if len(opt.query) > 0 {
		reqURL += "?" + opt.query.Encode()
	}

	var body io.Reader
	contentType := ""
	switch {
	case opt.jsonBody != nil:
		payload, err := json.Marshal(opt.jsonBody)
		if err != nil {
			return nil, nil, &RequestError{Op: opt.op, Cause: err}
		}
		body = bytes.NewReader(payload)
		contentType = "application/json"
	case opt.formBody != nil:
		body = strings.NewReader(opt.formBody.Encode())
		contentType = "application/x-www-form-urlencoded"
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, nil, &RequestError{Op: opt.op, Cause: err}
	}

	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("API-VERSION", apiVersion)
	req.Header.Set("device-client-app", defaultClientApp)
	req.Header.Set("device-client-version", defaultClientVer)
	req.Header.Set("device-client-os", defaultClientOS)
	req.Header.Set("device-client-uid", c.deviceID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	seq := c.nextRequestID()
	c.log.Debug("performing request",
		zap.Uint64("seq", seq),
		zap.String("op", opt.op),
		zap.String("username", maskUsername(c.username)),
		zap.String("url", reqURL))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Cancellation must surface as-is so callers never retry it.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		return nil, nil, &RequestError{Op: opt.op, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &RequestError{Op: opt.op, Cause: err}
	}

	if resp.StatusCode >= 300 {
		c.log.Warn("request failed",
			zap.Uint64("seq", seq),
			zap.String("op", opt.op),
			zap.Int("status", resp.StatusCode))
		return nil, nil, &RequestError{Op: opt.op, Status: resp.StatusCode, Body: string(data)}
	}

	var raw json.RawMessage
	if len(bytes.TrimSpace(data)) == 0 {
		raw = json.RawMessage("null")
	} else if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, &RequestError{Op: opt.op, Cause: fmt.Errorf("body decoding failed: %w", err)}
	} else if remoteErr := envelopeError(opt.op, raw); remoteErr != nil {
		return nil, nil, remoteErr
	}

	return raw, resp.Header, nil
}

func (c *Client) get(ctx context.Context, baseURL, path string, opt requestOptions) (json.RawMessage, http.Header, error) {
	return c.request(ctx, http.MethodGet, baseURL, path, opt)
}

func (c *Client) post(ctx context.Context, baseURL, path string, opt requestOptions) (json.RawMessage, http.Header, error) {
	return c.request(ctx, http.MethodPost, baseURL, path, opt)
}

func (c *Client) nextRequestID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestCounter++
	return c.requestCounter
}

// envelopeError detects the vendor error envelope: a JSON object with
// a truthy "error" member, optionally carrying code and description.
func envelopeError(op string, raw json.RawMessage) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil
	}

	var envelope struct {
		Error       json.RawMessage `json:"error"`
		Code        any             `json:"code"`
		Description string          `json:"description"`
	}
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil
	}

	switch string(bytes.TrimSpace(envelope.Error)) {
	case "", "null", "false", `""`, "0":
		return nil
	}

	code := "unknown"
	if envelope.Code != nil {
		code = fmt.Sprint(envelope.Code)
	}
	description := envelope.Description
	if description == "" {
		description = "none provided"
	}
	return &RemoteError{Op: op, Code: code, Description: description}
}

// errStopPaging is returned by page handlers to terminate a page walk
// early without surfacing an error.
var errStopPaging = fmt.Errorf("stop paging")

// fetchPages walks successive numbered pages of a collection endpoint
// until an empty page, maxPages (when positive), or errStopPaging.
func (c *Client) fetchPages(ctx context.Context, baseURL, path, op string, maxPages int, extra url.Values, handle func(items []json.RawMessage) error) error {
	for page := 1; maxPages <= 0 || page <= maxPages; page++ {
		query := url.Values{}
		for key, values := range extra {
			query[key] = values
		}
		query.Set("page", strconv.Itoa(page))

		raw, _, err := c.get(ctx, baseURL, path, requestOptions{
			op:            fmt.Sprintf("%s (page %d)", op, page),
			authenticated: true,
			query:         query,
		})
		if err != nil {
			return err
		}

		var items []json.RawMessage
		if string(bytes.TrimSpace(raw)) != "null" {
			if err := json.Unmarshal(raw, &items); err != nil {
				return &RequestError{Op: op, Cause: fmt.Errorf("body decoding failed: %w", err)}
			}
		}
		if len(items) == 0 {
			return nil
		}

		if err := handle(items); err != nil {
			if err == errStopPaging {
				return nil
			}
			return err
		}
	}
	return nil
}

// Accessors return shallow copies of the collections; the record
// pointers inside stay identity-stable across refreshes.

func (c *Client) Account() *Account {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.account
}

func (c *Client) Properties() map[int64]*Property {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyCollection(c.properties)
}

func (c *Client) IcmIntercoms() map[int64]*IcmIntercom {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyCollection(c.icmIntercoms)
}

func (c *Client) IotIntercoms() map[int64]*IotIntercom {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyCollection(c.iotIntercoms)
}

func (c *Client) IotRelays() map[int64]*IotRelay {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyCollection(c.iotRelays)
}

func (c *Client) IotCameras() map[int64]*IotCamera {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyCollection(c.iotCameras)
}

func (c *Client) IotMeters() map[int64]*IotMeter {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyCollection(c.iotMeters)
}

func (c *Client) CallSessions() map[int64]*CallSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyCollection(c.callSessions)
}

// Identity containment: a record is "available" iff the very same
// record pointer is still present in the owning collection after the
// latest refresh. Upserts keep identity stable, so this breaks only
// when the vendor stops reporting the id.

func (c *Client) HasIcmIntercom(d *IcmIntercom) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return d != nil && c.icmIntercoms[d.ID] == d
}

func (c *Client) HasIotIntercom(d *IotIntercom) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return d != nil && c.iotIntercoms[d.ID] == d
}

func (c *Client) HasIotRelay(d *IotRelay) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return d != nil && c.iotRelays[d.ID] == d
}

func (c *Client) HasIotCamera(d *IotCamera) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return d != nil && c.iotCameras[d.ID] == d
}

func (c *Client) HasIotMeter(d *IotMeter) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return d != nil && c.iotMeters[d.ID] == d
}

func copyCollection[T any](src map[int64]*T) map[int64]*T {
	out := make(map[int64]*T, len(src))
	for id, record := range src {
		out[id] = record
	}
	return out
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func maskUsername(username string) string {
	if len(username) <= 3 {
		return "..."
	}
	return "..." + username[len(username)-3:]
}

// flexID decodes a numeric id that some endpoints send as a string.
// Non-numeric ids decode to zero and are skipped by upsert loops.
type flexID int64

func (f *flexID) UnmarshalJSON(data []byte) error {
	value := strings.Trim(strings.TrimSpace(string(data)), `"`)
	if value == "" || value == "null" {
		*f = 0
		return nil
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		*f = 0
		return nil
	}
	*f = flexID(parsed)
	return nil
}

// ParseReading converts a vendor meter reading like "123.4 m3" to its
// numeric value by stripping the trailing unit suffix. Absent
// readings yield nil without error.
func ParseReading(raw string) (*float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if i := strings.IndexByte(raw, ' '); i >= 0 {
		raw = raw[:i]
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("parse meter reading %q: %w", raw, err)
	}
	return &value, nil
}

func parseTimestamp(value string) *time.Time {
	if value == "" {
		return nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return &ts
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return &ts
	}
	return nil
}
