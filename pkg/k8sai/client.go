// Package k8sai is an HTTP client for the k8s-ai admin API, which issues
// short-lived per-cluster session tokens.
package k8sai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Client handles communication with the k8s-ai admin API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *logrus.Logger
}

// Config for the k8s-ai client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// NewClient creates a new k8s-ai admin API client.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

// SessionRequest is the payload for creating a cluster session.
type SessionRequest struct {
	ClusterName string  `json:"cluster_name"`
	Kubeconfig  string  `json:"kubeconfig"`
	Context     string  `json:"context,omitempty"`
	TTLHours    float64 `json:"ttl_hours"`
}

// SessionResponse is the admin API's session creation result.
type SessionResponse struct {
	Success      bool   `json:"success"`
	SessionToken string `json:"session_token"`
	ClusterName  string `json:"cluster_name"`
	APIServer    string `json:"api_server,omitempty"`
	ExpiresAt    string `json:"expires_at"`
	Error        string `json:"error,omitempty"`
}

// CreateSession requests a new session token for a cluster. Returns the
// token and its expiry.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (string, time.Time, error) {
	if c.baseURL == "" || c.apiKey == "" {
		return "", time.Time{}, fmt.Errorf("k8s-ai client not configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to marshal session request: %w", err)
	}

	url := fmt.Sprintf("%s/sessions", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var out SessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode session response: %w", err)
	}
	if !out.Success || out.SessionToken == "" {
		return "", time.Time{}, fmt.Errorf("session creation failed: %s", out.Error)
	}

	expires, err := time.Parse(time.RFC3339, out.ExpiresAt)
	if err != nil {
		// The backend omits expiry on some error paths; fall back to the
		// requested TTL.
		expires = time.Now().Add(time.Duration(req.TTLHours * float64(time.Hour)))
	}

	c.log.WithFields(logrus.Fields{
		"cluster":    req.ClusterName,
		"expires_at": expires,
	}).Debug("Created k8s-ai session")
	return out.SessionToken, expires, nil
}

// DeleteSession revokes a session token.
func (c *Client) DeleteSession(ctx context.Context, token string) error {
	if c.baseURL == "" || c.apiKey == "" {
		return fmt.Errorf("k8s-ai client not configured")
	}

	url := fmt.Sprintf("%s/sessions/%s", c.baseURL, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// HealthCheck checks if the admin API is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("k8s-ai client not configured")
	}

	url := fmt.Sprintf("%s/health", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %d", resp.StatusCode)
	}
	return nil
}
