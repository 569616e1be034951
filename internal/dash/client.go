package dash

import (
	"context"
	"dashabr/internal/logger"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
)

// Client fetches and parses manifests from the origin server.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     logger.Logger
}

// NewClient creates a new DASH client on top of an existing http.Client so that
// manifests travel over the same protocol stack as segments.
func NewClient(httpClient *http.Client, userAgent string, log logger.Logger) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     log,
	}
}

// FetchAndParseMPD fetches the MPD from a given URL and parses it into the MPD
// struct. The returned string is the manifest location after redirects, which
// is the base for relative segment URLs.
func (c *Client) FetchAndParseMPD(ctx context.Context, initialUrl string) (*MPD, string, error) {
	c.logger.Debugf("Fetching MPD from URL: %s", initialUrl)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, initialUrl, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create new request for MPD: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch MPD from %s: %w", initialUrl, err)
	}
	defer resp.Body.Close()

	finalUrl := initialUrl
	if resp.Request != nil && resp.Request.URL != nil {
		finalUrl = resp.Request.URL.String()
	}
	if finalUrl != initialUrl {
		c.logger.Debugf("Redirected to: %s", finalUrl)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("failed to fetch MPD: received status code %d from %s", resp.StatusCode, finalUrl)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read MPD response body: %w", err)
	}

	mpd, err := Parse(data)
	if err != nil {
		c.logger.Errorf("Failed to unmarshal MPD XML from %s: %v", finalUrl, err)
		return nil, "", err
	}

	c.logger.Debugf("Successfully fetched and parsed MPD for profile %s from %s", mpd.Profiles, finalUrl)
	return mpd, finalUrl, nil
}

// Parse decodes a manifest document.
func Parse(data []byte) (*MPD, error) {
	var mpd MPD
	if err := xml.Unmarshal(data, &mpd); err != nil {
		return nil, fmt.Errorf("failed to unmarshal MPD XML: %w", err)
	}
	if len(mpd.Periods) == 0 {
		return nil, fmt.Errorf("MPD has no periods")
	}
	return &mpd, nil
}
