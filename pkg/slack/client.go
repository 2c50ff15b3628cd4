// Package slack is a minimal Slack Web API client used as the human
// notification channel: alerts and approval prompts go out via
// chat.postMessage.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultAPIURL = "https://slack.com/api"

// Client posts messages to a Slack workspace using a bot token.
type Client struct {
	apiURL     string
	botToken   string
	httpClient *http.Client
	log        *logrus.Logger
}

// Config for the Slack client.
type Config struct {
	BotToken string
	Timeout  time.Duration
	// APIURL overrides the Slack API base URL, for tests.
	APIURL string
}

// NewClient creates a new Slack client.
func NewClient(cfg Config, log *logrus.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	return &Client{
		apiURL:   cfg.APIURL,
		botToken: cfg.BotToken,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log,
	}
}

type postMessageRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

type apiResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// PostMessage posts text to a channel. Channel names are normalized to the
// leading-# form Slack expects.
func (c *Client) PostMessage(ctx context.Context, channel, text string) error {
	if c.botToken == "" {
		return fmt.Errorf("slack client not configured")
	}
	if !strings.HasPrefix(channel, "#") && !strings.HasPrefix(channel, "C") {
		channel = "#" + channel
	}

	body, err := json.Marshal(postMessageRequest{Channel: channel, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/chat.postMessage", c.apiURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.botToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var out apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if !out.OK {
		return fmt.Errorf("slack api error: %s", out.Error)
	}

	c.log.WithField("channel", channel).Debug("Posted Slack message")
	return nil
}
