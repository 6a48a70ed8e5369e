// File: notification/discord/dclient.go
package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"riptide/pkg/broker"
	"riptide/utilities"
)

// Client mirrors notifications to a Discord webhook. It is a send-only
// channel; commands arrive over Telegram.
type Client struct {
	webhookURL string
	HTTPClient *http.Client
	logger     *utilities.Logger
}

// DiscordMessage represents the structure for a Discord webhook message.
// See: https://discord.com/developers/docs/resources/webhook#execute-webhook
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordEmbed represents an embed object in a Discord message.
type DiscordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"` // ISO8601 timestamp
	Color       int    `json:"color,omitempty"`     // Decimal color code
}

func NewClient(cfg utilities.DiscordConfig, logger *utilities.Logger) *Client {
	if cfg.WebhookURL == "" {
		logger.LogWarn("Discord Client: Webhook URL is empty. Notifications will not be sent.")
	}
	return &Client{
		webhookURL: cfg.WebhookURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SendMessage sends a simple text message to the configured Discord webhook.
func (c *Client) SendMessage(message string) error {
	if c.webhookURL == "" {
		return nil
	}
	if strings.TrimSpace(message) == "" {
		return nil
	}
	payload := DiscordMessage{
		Content: message,
	}
	return c.sendPayload(payload)
}

// SendEmbedMessage sends a message with one or more embeds.
func (c *Client) SendEmbedMessage(embeds ...DiscordEmbed) error {
	if c.webhookURL == "" || len(embeds) == 0 {
		return nil
	}
	payload := DiscordMessage{
		Embeds: embeds,
	}
	return c.sendPayload(payload)
}

// sendPayload is an internal helper to send the marshalled JSON payload.
func (c *Client) sendPayload(payload DiscordMessage) error {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal discord message: %w", err)
	}

	req, err := http.NewRequest("POST", c.webhookURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "RiptideBot/1.0")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to send HTTP request: %v", err)
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		c.logger.LogError("Discord sendPayload: Received non-OK status: %s. Failed to read body: %v", resp.Status, readErr)
		return fmt.Errorf("discord API error: %s, failed to read response body", resp.Status)
	}
	c.logger.LogError("Discord sendPayload: Received non-OK status: %s. Body: %s", resp.Status, string(bodyBytes))
	return fmt.Errorf("discord API error: %s, response: %s", resp.Status, string(bodyBytes))
}

// NotifyOrderFilled sends a formatted notification for a filled order.
func (c *Client) NotifyOrderFilled(order broker.Order, additionalDetails string) error {
	if c.webhookURL == "" {
		return nil
	}

	var title string
	var color int

	sideUpper := strings.ToUpper(order.Side)
	if sideUpper == "BUY" {
		title = fmt.Sprintf("✅ BUY Order Filled: %s", order.Pair)
		color = 3066993 // Green
	} else if sideUpper == "SELL" {
		title = fmt.Sprintf("💰 SELL Order Filled: %s", order.Pair)
		color = 15158332 // Red
	} else {
		title = fmt.Sprintf("ℹ️ Order Update: %s (%s)", order.Pair, sideUpper)
		color = 3447003 // Blue
	}

	var baseAsset, quoteAsset string
	pairParts := strings.Split(order.Pair, "/")
	if len(pairParts) > 1 {
		baseAsset = pairParts[0]
		quoteAsset = pairParts[1]
	} else {
		baseAsset = order.Pair
	}

	fieldDetails := fmt.Sprintf(
		"**Pair**: %s\n"+
			"**Avg. Fill Price**: `%.4f %s`\n"+
			"**Filled Volume**: `%.8f %s`\n"+
			"**Total Cost**: `%.2f %s`\n"+
			"**Order ID**: `%s`",
		order.Pair,
		order.AvgFillPrice, quoteAsset,
		order.FilledVolume, baseAsset,
		order.Cost, quoteAsset,
		order.ID,
	)

	fullDescription := fieldDetails
	if additionalDetails != "" {
		fullDescription = fmt.Sprintf("%s\n\n%s", additionalDetails, fieldDetails)
	}

	timestamp := order.UpdatedAt
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	embed := DiscordEmbed{
		Title:       title,
		Description: fullDescription,
		Color:       color,
		Timestamp:   timestamp.Format(time.RFC3339),
	}
	return c.SendEmbedMessage(embed)
}
