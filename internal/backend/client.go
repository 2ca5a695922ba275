// Package backend talks to the audiobook library's REST API.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/maneesh/audioshelf/internal/models"
)

// Client reads audiobook resources and derives stream URLs
type Client struct {
	baseURL    string
	apiPrefix  string
	streamPath string
	http       *http.Client
}

// NewClient creates a client for the backend at baseURL.
// apiPrefix and streamPath are absolute paths such as "/api/" and "/api/stream/".
func NewClient(baseURL, apiPrefix, streamPath string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiPrefix:  "/" + strings.Trim(apiPrefix, "/") + "/",
		streamPath: "/" + strings.Trim(streamPath, "/") + "/",
		http:       httpClient,
	}
}

// BaseURL returns the backend origin
func (c *Client) BaseURL() string { return c.baseURL }

// StreamURL is the backend streaming endpoint for an audiobook
func (c *Client) StreamURL(id int64) string {
	return c.baseURL + c.streamPath + strconv.FormatInt(id, 10)
}

// GetAudiobook fetches one audiobook. A 404 is reported as models.ErrNotFound.
func (c *Client) GetAudiobook(ctx context.Context, id int64) (*models.Audiobook, error) {
	url := fmt.Sprintf("%s%saudiobooks/%d", c.baseURL, c.apiPrefix, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &models.NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("audiobook %d: %w", id, models.ErrNotFound)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("audiobook %d: unexpected status %d", id, resp.StatusCode)
	}

	var book models.Audiobook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return nil, fmt.Errorf("decode audiobook %d: %w", id, err)
	}
	return &book, nil
}

// Ping issues a GET against path and reports whether the backend answered.
// Any HTTP response counts as reachable.
func (c *Client) Ping(ctx context.Context, path string) error {
	url := c.baseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &models.NetworkError{URL: url, Err: err}
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return nil
}
