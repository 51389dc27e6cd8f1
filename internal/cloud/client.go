// Package cloud provides communication with the irrigation backend.
// All calls are single HTTPS JSON request/response exchanges.
package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrUnauthorized is returned when the backend rejects the bearer token.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-success HTTP response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Body)
}

// Unwrap lets errors.Is match ErrUnauthorized on 401/403.
func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return ErrUnauthorized
	}
	return nil
}

// Config holds cloud client configuration
type Config struct {
	BaseURL     string        // API base URL (https://api.example.io/api)
	HTTPTimeout time.Duration // Timeout for HTTP requests
}

// DefaultConfig returns default cloud client configuration
func DefaultConfig() Config {
	return Config{
		HTTPTimeout: 30 * time.Second,
	}
}

// Client talks to the backend REST API.
type Client struct {
	config     Config
	httpClient *http.Client
}

// New creates a new cloud client
func New(config Config) *Client {
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.HTTPTimeout,
		},
	}
}

// =============================================================================
// Authentication
// =============================================================================

type authRequest struct {
	DeviceID        string `json:"deviceId"`
	FirmwareVersion string `json:"firmwareVersion"`
}

type authResponse struct {
	Token string `json:"token"`
}

// Authenticate exchanges the device identity for a bearer token.
func (c *Client) Authenticate(ctx context.Context, deviceID, firmwareVersion string) (string, error) {
	var resp authResponse
	err := c.doJSON(ctx, http.MethodPost, "/auth/device", "", authRequest{
		DeviceID:        deviceID,
		FirmwareVersion: firmwareVersion,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errors.New("response has no token")
	}
	return resp.Token, nil
}

// =============================================================================
// Telemetry (node → backend)
// =============================================================================

// Telemetry is one upload: a global record plus one record per zone.
type Telemetry struct {
	DeviceID  string         `json:"deviceId"`
	Timestamp int64          `json:"timestamp"` // unix milliseconds
	Global    GlobalReading  `json:"global"`
	Locals    []LocalReading `json:"locals"`
}

// GlobalReading carries the environmental values.
type GlobalReading struct {
	Temp     float64 `json:"temp"`
	Pressure float64 `json:"pressure"`
}

// LocalReading carries one zone's soil moisture and the shared air values.
type LocalReading struct {
	SensorID     int     `json:"sensorId"`
	SoilMoisture float64 `json:"soilMoisture"`
	Temp         float64 `json:"temp"`
	Humidity     float64 `json:"humidity"`
}

// UploadTelemetry posts a telemetry record.
func (c *Client) UploadTelemetry(ctx context.Context, token string, t Telemetry) error {
	return c.doJSON(ctx, http.MethodPost, "/data", token, t, nil)
}

// =============================================================================
// Commands (backend → node)
// =============================================================================

// RemoteCommand is a command as the backend sends it.
type RemoteCommand struct {
	CommandID string        `json:"commandId"`
	Action    string        `json:"action"` // "START_IRRIGATION", "STOP_IRRIGATION"
	ZoneID    int           `json:"zoneId"`
	Params    CommandParams `json:"params"`
}

// CommandParams holds optional command parameters.
type CommandParams struct {
	Duration int `json:"duration"` // seconds, 0 = until stopped
}

type commandsResponse struct {
	Commands []RemoteCommand `json:"commands"`
}

// FetchCommands returns the commands pending for deviceID.
func (c *Client) FetchCommands(ctx context.Context, token, deviceID string) ([]RemoteCommand, error) {
	var resp commandsResponse
	endpoint := "/ai/commands/" + url.PathEscape(deviceID)
	if err := c.doJSON(ctx, http.MethodGet, endpoint, token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Commands, nil
}

// AcknowledgeCommand reports a command as executed.
func (c *Client) AcknowledgeCommand(ctx context.Context, token, commandID string) error {
	endpoint := fmt.Sprintf("/ai/commands/%s/executed", url.PathEscape(commandID))
	return c.doJSON(ctx, http.MethodPost, endpoint, token, nil, nil)
}

// doJSON sends a request with an optional JSON body and decodes an
// optional JSON response.
func (c *Client) doJSON(ctx context.Context, method, endpoint, token string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.config.BaseURL+endpoint, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
