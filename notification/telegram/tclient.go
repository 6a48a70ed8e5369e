// File: notification/telegram/tclient.go
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"riptide/utilities"
)

// Client talks to the Telegram Bot API: outbound notifications plus the
// inbound command long-poll. An empty token turns the client into a no-op
// so the engine can run headless.
type Client struct {
	token        string
	chatID       string
	baseURL      string
	allowed      map[string]bool
	pollDelay    time.Duration
	HTTPClient   *http.Client
	logger       *utilities.Logger
	lastUpdateID int64
}

type sendMessageRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		From *struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"from"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		Text string `json:"text"`
	} `json:"message"`
}

type getUpdatesResponse struct {
	OK     bool     `json:"ok"`
	Result []update `json:"result"`
}

func NewClient(cfg utilities.TelegramConfig, logger *utilities.Logger) *Client {
	if cfg.Token == "" {
		logger.LogWarn("Telegram Client: token is empty. Notifications and commands are disabled.")
	} else {
		logger.LogInfo("Telegram Client initialized for chat %s.", cfg.ChatID)
	}

	allowed := make(map[string]bool, len(cfg.AllowedUsers))
	for _, u := range cfg.AllowedUsers {
		allowed[strings.ToLower(strings.TrimPrefix(u, "@"))] = true
	}

	return &Client{
		token:      cfg.Token,
		chatID:     cfg.ChatID,
		baseURL:    cfg.BaseURL,
		allowed:    allowed,
		pollDelay:  time.Duration(cfg.PollDelaySec) * time.Second,
		HTTPClient: &http.Client{Timeout: 35 * time.Second},
		logger:     logger,
	}
}

// SendMessage posts a plain-text message to the configured chat.
func (c *Client) SendMessage(message string) error {
	if c.token == "" {
		c.logger.LogDebug("Telegram SendMessage: token not set, skipping.")
		return nil
	}
	if strings.TrimSpace(message) == "" {
		return nil
	}

	body, err := json.Marshal(sendMessageRequest{ChatID: c.chatID, Text: message})
	if err != nil {
		return fmt.Errorf("telegram: marshal sendMessage: %w", err)
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.token)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram: build sendMessage request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return utilities.DoJSONRequest(c.HTTPClient, req, 2, time.Second, nil)
}

// CommandLoop long-polls getUpdates and dispatches each authorized message
// text to handler, sending the handler's non-empty reply back to the chat.
// Blocks until ctx is canceled. A single poller serves all commands.
func (c *Client) CommandLoop(ctx context.Context, handler func(ctx context.Context, text string) string) {
	if c.token == "" {
		c.logger.LogInfo("Telegram CommandLoop: token not set, command channel disabled.")
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		updates, err := c.getUpdates(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.LogWarn("Telegram CommandLoop: poll failed: %v", err)
			time.Sleep(c.pollDelay)
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= c.lastUpdateID {
				c.lastUpdateID = u.UpdateID + 1
			}
			if u.Message == nil || strings.TrimSpace(u.Message.Text) == "" {
				continue
			}
			if !c.authorized(u) {
				// Unauthorized senders get no reply at all.
				c.logger.LogWarn("Telegram CommandLoop: ignoring message from unauthorized sender")
				continue
			}
			if reply := handler(ctx, u.Message.Text); reply != "" {
				if err := c.SendMessage(reply); err != nil {
					c.logger.LogWarn("Telegram CommandLoop: reply failed: %v", err)
				}
			}
		}

		time.Sleep(c.pollDelay)
	}
}

func (c *Client) getUpdates(ctx context.Context) ([]update, error) {
	url := fmt.Sprintf("%s/bot%s/getUpdates?timeout=30&offset=%d", c.baseURL, c.token, c.lastUpdateID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("telegram: build getUpdates request: %w", err)
	}
	var resp getUpdatesResponse
	if err := utilities.DoJSONRequest(c.HTTPClient, req, 0, time.Second, &resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("telegram: getUpdates returned ok=false")
	}
	return resp.Result, nil
}

// authorized accepts a message if it comes from the configured chat, or
// from a sender on the allow-list (by username or numeric ID).
func (c *Client) authorized(u update) bool {
	if u.Message == nil {
		return false
	}
	if c.chatID != "" && strconv.FormatInt(u.Message.Chat.ID, 10) == c.chatID {
		return true
	}
	if u.Message.From == nil || len(c.allowed) == 0 {
		return false
	}
	if c.allowed[strings.ToLower(u.Message.From.Username)] {
		return true
	}
	return c.allowed[strconv.FormatInt(u.Message.From.ID, 10)]
}
