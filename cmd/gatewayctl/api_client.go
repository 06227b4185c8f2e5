package main

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
)

// GatewayClient talks to a running gateway with one API key.
type GatewayClient struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// APIResponse mirrors the gateway's JSON envelope.
type APIResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Details string `json:"details"`
	} `json:"error"`
}

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

type SessionInfo struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Status    string `json:"status"`
	PushName  string `json:"pushName"`
	OwnerID   string `json:"ownerId"`
	AutoStart bool   `json:"autoStart"`
	QR        string `json:"qr"`
	Me        *struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"me"`
}

type SendResult struct {
	SessionID string `json:"sessionId"`
	To        string `json:"to"`
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`
}

func NewGatewayClient(baseURL, apiKey string) *GatewayClient {
	return &GatewayClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// do sends payload as JSON and decodes the envelope's data into out.
func (c *GatewayClient) do(ctx context.Context, method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var res APIResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: res.Message}
		if res.Error != nil {
			apiErr.Code = res.Error.Code
		}
		return apiErr
	}
	if out == nil || len(res.Data) == 0 {
		return nil
	}
	return json.Unmarshal(res.Data, out)
}

func (c *GatewayClient) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	var data struct {
		Items []SessionInfo `json:"items"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/sessions", nil, &data); err != nil {
		return nil, err
	}
	return data.Items, nil
}

func (c *GatewayClient) GetSession(ctx context.Context, id string) (*SessionInfo, error) {
	var s SessionInfo
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+url.PathEscape(id), nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *GatewayClient) CreateSession(ctx context.Context, id, label, webhookURL string) (*SessionInfo, error) {
	payload := map[string]interface{}{"id": id}
	if label != "" {
		payload["label"] = label
	}
	if webhookURL != "" {
		payload["webhookUrl"] = webhookURL
	}
	var s SessionInfo
	if err := c.do(ctx, http.MethodPost, "/api/sessions", payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *GatewayClient) DeleteSession(ctx context.Context, id, mode string) error {
	path := "/api/sessions/" + url.PathEscape(id)
	if mode != "" {
		path += "?mode=" + url.QueryEscape(mode)
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *GatewayClient) RestartSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/sessions/"+url.PathEscape(id)+"/restart", nil, nil)
}

func (c *GatewayClient) SendText(ctx context.Context, sessionID, to, text string) (*SendResult, error) {
	var res SendResult
	err := c.do(ctx, http.MethodPost, "/api/messages/text", map[string]string{
		"sessionId": sessionID,
		"to":        to,
		"text":      text,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *GatewayClient) SendMediaURL(ctx context.Context, sessionID, to, mediaType, mediaURL, caption string) (*SendResult, error) {
	var res SendResult
	err := c.do(ctx, http.MethodPost, "/api/messages/media", map[string]string{
		"sessionId": sessionID,
		"to":        to,
		"mediaType": mediaType,
		"mediaUrl":  mediaURL,
		"caption":   caption,
	}, &res)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Health reads /health, which is not wrapped in the envelope.
func (c *GatewayClient) Health(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
