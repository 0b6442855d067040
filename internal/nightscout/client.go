// Package nightscout provides a client for interacting with the Nightscout API
package nightscout

import (
	"bytes"
	"context"
	"crypto/sha1" //nolint:gosec // Required for Nightscout API secret hashing (legacy API requirement)
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mrcode/cgm-bridge/internal/models"
)

// Client handles communication with the Nightscout API
type Client struct {
	baseURL    string
	apiSecret  string
	apiToken   string
	useToken   bool
	httpClient *http.Client
}

// NewClient creates a new Nightscout client
func NewClient(baseURL, apiSecret, apiToken string, useToken bool) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiSecret: apiSecret,
		apiToken:  apiToken,
		useToken:  useToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewClientFromSettings creates a client for the configured site
func NewClientFromSettings(s *models.Settings) *Client {
	s = s.Clone()
	return NewClient(s.NightscoutURL, s.APISecret, s.APIToken, s.UseToken)
}

// hashSecret generates SHA1 hash of the API secret
// Note: SHA1 is required for Nightscout API compatibility
func hashSecret(secret string) string {
	hasher := sha1.New() //nolint:gosec // Required for Nightscout API
	hasher.Write([]byte(secret))
	return hex.EncodeToString(hasher.Sum(nil))
}

// buildRequest creates an HTTP request with proper authentication
func (c *Client) buildRequest(ctx context.Context, method, endpoint string, params url.Values, body io.Reader) (*http.Request, error) {
	fullURL := c.baseURL + endpoint
	if params != nil {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	if c.useToken && c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	} else if c.apiSecret != "" {
		req.Header.Set("API-SECRET", hashSecret(c.apiSecret))
	}

	return req, nil
}

// doRequest executes an HTTP request and returns the response body
func (c *Client) doRequest(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

func (c *Client) post(ctx context.Context, endpoint string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	req, err := c.buildRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(data))
	if err != nil {
		return err
	}
	_, err = c.doRequest(req)
	return err
}

// GetStatus retrieves the Nightscout server status
func (c *Client) GetStatus(ctx context.Context) (*models.ServerStatus, error) {
	req, err := c.buildRequest(ctx, http.MethodGet, "/api/v1/status", nil, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	var status models.ServerStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("parsing status: %w", err)
	}

	return &status, nil
}

// TestConnection tests if the connection to Nightscout works
func (c *Client) TestConnection(ctx context.Context) error {
	_, err := c.GetStatus(ctx)
	return err
}

// GetEntries retrieves sgv and mbg entries for a time range, newest first
func (c *Client) GetEntries(ctx context.Context, from, to time.Time, count int) ([]models.GlucoseEntry, error) {
	params := url.Values{}

	if !from.IsZero() {
		params.Set("find[date][$gte]", strconv.FormatInt(from.UnixMilli(), 10))
	}
	if !to.IsZero() {
		params.Set("find[date][$lte]", strconv.FormatInt(to.UnixMilli(), 10))
	}
	if count > 0 {
		params.Set("count", strconv.Itoa(count))
	}

	req, err := c.buildRequest(ctx, http.MethodGet, "/api/v1/entries.json", params, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	var entries []models.GlucoseEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		return nil, fmt.Errorf("parsing entries: %w", err)
	}

	return entries, nil
}

// GetTreatments retrieves treatments created between from and to
func (c *Client) GetTreatments(ctx context.Context, from, to time.Time) ([]models.Treatment, error) {
	params := url.Values{}
	if !from.IsZero() {
		params.Set("find[created_at][$gte]", from.UTC().Format(time.RFC3339))
	}
	if !to.IsZero() {
		params.Set("find[created_at][$lte]", to.UTC().Format(time.RFC3339))
	}
	params.Set("count", "10000")

	req, err := c.buildRequest(ctx, http.MethodGet, "/api/v1/treatments.json", params, nil)
	if err != nil {
		return nil, err
	}

	body, err := c.doRequest(req)
	if err != nil {
		return nil, err
	}

	var treatments []models.Treatment
	if err := json.Unmarshal(body, &treatments); err != nil {
		return nil, fmt.Errorf("parsing treatments: %w", err)
	}

	return treatments, nil
}

// UploadEntries posts glucose entries. Nightscout dedupes entries by date and type.
func (c *Client) UploadEntries(ctx context.Context, entries []models.GlucoseEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := c.post(ctx, "/api/v1/entries", entries); err != nil {
		return fmt.Errorf("upload %d entries: %w", len(entries), err)
	}
	return nil
}

// UploadTreatments posts treatments
func (c *Client) UploadTreatments(ctx context.Context, treatments []models.Treatment) error {
	if len(treatments) == 0 {
		return nil
	}
	if err := c.post(ctx, "/api/v1/treatments", treatments); err != nil {
		return fmt.Errorf("upload %d treatments: %w", len(treatments), err)
	}
	return nil
}
