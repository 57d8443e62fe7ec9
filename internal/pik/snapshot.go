package pik

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// FetchSnapshot downloads raw image bytes from a device photo URL.
// Snapshot URLs are absolute and pre-signed by the vendor, so no auth
// header is attached.
func (c *Client) FetchSnapshot(ctx context.Context, photoURL string) ([]byte, error) {
	if photoURL == "" {
		return nil, &RequestError{Op: "camera snapshot retrieval", Cause: fmt.Errorf("photo URL is empty")}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, photoURL, nil)
	if err != nil {
		return nil, &RequestError{Op: "camera snapshot retrieval", Cause: err}
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &RequestError{Op: "camera snapshot retrieval", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, &RequestError{Op: "camera snapshot retrieval", Status: resp.StatusCode}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{Op: "camera snapshot retrieval", Cause: err}
	}
	return data, nil
}

// Snapshot fetches the current still image of any record with
// snapshot capability.
func (c *Client) Snapshot(ctx context.Context, device Snapshotter) ([]byte, error) {
	return c.FetchSnapshot(ctx, device.SnapshotURL())
}
