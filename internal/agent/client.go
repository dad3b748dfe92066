package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/triplog-app/triplog/internal/models"
)

// Client is an HTTP client for communicating with the Triplog server.
type Client struct {
	serverURL   string
	deviceToken string
	httpClient  *http.Client
}

// NewClient creates a new device API client.
func NewClient(serverURL, deviceToken string) *Client {
	return &Client{
		serverURL:   strings.TrimRight(serverURL, "/"),
		deviceToken: deviceToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// CheckHealth checks if the server is reachable.
func (c *Client) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Sync pushes a batch of operations and pulls changes past the cursor.
func (c *Client) Sync(ctx context.Context, syncReq *models.SyncRequest) (*models.SyncResponse, error) {
	data, err := json.Marshal(syncReq)
	if err != nil {
		return nil, fmt.Errorf("marshal sync request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/api/v1/sync", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create sync request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.deviceToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send sync request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read sync response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var syncResp models.SyncResponse
	if err := json.Unmarshal(body, &syncResp); err != nil {
		return nil, fmt.Errorf("decode sync response: %w", err)
	}
	return &syncResp, nil
}

// RegisterDevice exchanges user credentials for a device token. Called once
// during setup; the token is persisted in the agent config.
func (c *Client) RegisterDevice(ctx context.Context, email, password, deviceName string) (deviceID, token string, err error) {
	body := map[string]string{
		"email":       email,
		"password":    password,
		"device_name": deviceName,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", "", fmt.Errorf("marshal register request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+"/api/v1/devices/register", bytes.NewReader(data))
	if err != nil {
		return "", "", fmt.Errorf("create register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("send register request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", fmt.Errorf("read register response: %w", err)
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result struct {
		DeviceID string `json:"device_id"`
		Token    string `json:"token"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", "", fmt.Errorf("decode register response: %w", err)
	}
	return result.DeviceID, result.Token, nil
}

// Listen holds a websocket open and invokes onPing for every change ping
// addressed to this device's user. Blocks until the context is canceled or
// the connection drops.
func (c *Client) Listen(ctx context.Context, onPing func()) error {
	wsURL, err := url.Parse(c.serverURL + "/api/v1/changes/ws")
	if err != nil {
		return fmt.Errorf("parse listen url: %w", err)
	}
	switch wsURL.Scheme {
	case "http":
		wsURL.Scheme = "ws"
	case "https":
		wsURL.Scheme = "wss"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.deviceToken)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("websocket dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		var ping struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &ping); err != nil {
			continue
		}
		if ping.Type == "changes" {
			onPing()
		}
	}
}
