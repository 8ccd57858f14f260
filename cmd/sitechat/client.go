package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// apiClient talks to a running sitechat server.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string, timeout time.Duration) *apiClient {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &apiClient{base: strings.TrimRight(base, "/"), http: &http.Client{Timeout: timeout}}
}

type apiResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}

func (c *apiClient) post(ctx context.Context, path string, body any) (*apiResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode HTTP %d response: %w", path, resp.StatusCode, err)
	}
	if out.Status != "success" {
		return nil, fmt.Errorf("%s: %s", path, out.Message)
	}
	return &out, nil
}

func (c *apiClient) scrape(ctx context.Context, tenantID, websiteURL string) (string, error) {
	out, err := c.post(ctx, "/scrape", map[string]string{"tenant_id": tenantID, "website_url": websiteURL})
	if err != nil {
		return "", err
	}
	return out.Message, nil
}

func (c *apiClient) chat(ctx context.Context, tenantID, conversationID, message string) (string, error) {
	out, err := c.post(ctx, "/chat", map[string]string{
		"tenant_id":       tenantID,
		"message":         message,
		"conversation_id": conversationID,
	})
	if err != nil {
		return "", err
	}
	return out.Response, nil
}
