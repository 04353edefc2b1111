package api

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
	"time"

	"example.com/backstage/services/openbk-ota/internal/core"
)

// Client talks to a running orchestrator over its HTTP API.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) ListDevices(ctx context.Context) ([]core.DeviceSnapshot, error) {
	var out struct {
		Devices []core.DeviceSnapshot `json:"devices"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

func (c *Client) GetDevice(ctx context.Context, deviceID string) (*core.DeviceSnapshot, error) {
	var out core.DeviceSnapshot
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(deviceID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Install starts an install of version, or of the latest release when
// version is empty.
func (c *Client) Install(ctx context.Context, deviceID, version string) (*core.SessionStatus, error) {
	var out core.SessionStatus
	path := "/api/v1/devices/" + url.PathEscape(deviceID) + "/install"
	if err := c.do(ctx, http.MethodPost, path, installRequest{Version: version}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Rollback(ctx context.Context, deviceID string) (*core.SessionStatus, error) {
	var out core.SessionStatus
	path := "/api/v1/devices/" + url.PathEscape(deviceID) + "/rollback"
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Session(ctx context.Context, deviceID string) (*core.SessionStatus, error) {
	var out core.SessionStatus
	if err := c.do(ctx, http.MethodGet, "/api/v1/devices/"+url.PathEscape(deviceID)+"/session", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Sessions(ctx context.Context, deviceID string, limit int) ([]core.UpdateSession, error) {
	var out struct {
		Sessions []core.UpdateSession `json:"sessions"`
	}
	path := "/api/v1/devices/" + url.PathEscape(deviceID) + "/sessions?limit=" + strconv.Itoa(limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) LatestRelease(ctx context.Context) (*core.ReleaseSummary, error) {
	var out core.ReleaseSummary
	if err := c.do(ctx, http.MethodGet, "/api/v1/releases/latest", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CheckReleases(ctx context.Context) (*core.ReleaseSummary, error) {
	var out core.ReleaseSummary
	if err := c.do(ctx, http.MethodPost, "/api/v1/releases/check", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
