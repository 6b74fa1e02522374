package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/common/logger"
)

const defaultAPIBase = "https://slack.com/api"

// apiError is a non-ok response from the Slack Web API. The code is
// Slack's error string ("msg_too_long", "already_reacted", ...).
type apiError struct {
	code string
}

func (e *apiError) Error() string { return "slack API error: " + e.code }

// isAPIError reports whether err is a Slack API error with the given code.
func isAPIError(err error, code string) bool {
	apiErr, ok := err.(*apiError)
	return ok && apiErr.code == code
}

// APIClient talks to the Slack Web API with a bot token.
type APIClient struct {
	botToken   string
	baseURL    string
	httpClient *http.Client
	log        *logger.Logger
}

// NewAPIClient creates a Web API client.
func NewAPIClient(botToken string, log *logger.Logger) *APIClient {
	if log == nil {
		log = logger.Default()
	}
	return &APIClient{
		botToken:   botToken,
		baseURL:    defaultAPIBase,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// OpenConnection requests a Socket Mode WebSocket URL. It authenticates
// with the app-level token, not the bot token.
func (c *APIClient) OpenConnection(ctx context.Context, appToken string) (string, error) {
	var result struct {
		URL string `json:"url"`
	}
	if err := c.call(ctx, "apps.connections.open", appToken, nil, &result); err != nil {
		return "", fmt.Errorf("open socket mode connection: %w", err)
	}
	return result.URL, nil
}

// AuthTest returns the bot's own user id.
func (c *APIClient) AuthTest(ctx context.Context) (userID, userName string, err error) {
	var result struct {
		UserID string `json:"user_id"`
		User   string `json:"user"`
	}
	if err := c.call(ctx, "auth.test", c.botToken, nil, &result); err != nil {
		return "", "", err
	}
	return result.UserID, result.User, nil
}

// PostMessage posts to a channel, threading under threadTS when set, and
// returns the new message's timestamp.
func (c *APIClient) PostMessage(ctx context.Context, channel, text, threadTS string) (string, error) {
	payload := map[string]interface{}{"channel": channel, "text": text}
	if threadTS != "" {
		payload["thread_ts"] = threadTS
	}
	var result struct {
		TS string `json:"ts"`
	}
	if err := c.call(ctx, "chat.postMessage", c.botToken, payload, &result); err != nil {
		return "", fmt.Errorf("post message to %s: %w", channel, err)
	}
	return result.TS, nil
}

// UpdateMessage replaces the text of an existing message.
func (c *APIClient) UpdateMessage(ctx context.Context, channel, ts, text string) error {
	payload := map[string]interface{}{"channel": channel, "ts": ts, "text": text}
	return c.call(ctx, "chat.update", c.botToken, payload, nil)
}

// AddReaction adds an emoji reaction. Duplicate reactions and other
// failures are logged, not returned: a missing reaction never blocks a
// session.
func (c *APIClient) AddReaction(ctx context.Context, channel, ts, emoji string) {
	payload := map[string]interface{}{"channel": channel, "timestamp": ts, "name": emoji}
	err := c.call(ctx, "reactions.add", c.botToken, payload, nil)
	if err != nil && !isAPIError(err, "already_reacted") {
		c.log.Warn("Failed to add reaction",
			zap.String("channel", channel),
			zap.String("emoji", emoji),
			zap.Error(err))
	}
}

// ThreadReplies lists the messages in a thread, oldest first.
func (c *APIClient) ThreadReplies(ctx context.Context, channel, threadTS string) ([]ThreadMessage, error) {
	endpoint := "conversations.replies?" + url.Values{
		"channel": {channel},
		"ts":      {threadTS},
		"limit":   {"200"},
	}.Encode()
	var result struct {
		Messages []ThreadMessage `json:"messages"`
	}
	if err := c.call(ctx, endpoint, c.botToken, nil, &result); err != nil {
		return nil, fmt.Errorf("list thread replies: %w", err)
	}
	return result.Messages, nil
}

// UserName resolves a user id to a display name, falling back to the id.
func (c *APIClient) UserName(ctx context.Context, userID string) string {
	endpoint := "users.info?" + url.Values{"user": {userID}}.Encode()
	var result struct {
		User struct {
			Name     string `json:"name"`
			RealName string `json:"real_name"`
		} `json:"user"`
	}
	if err := c.call(ctx, endpoint, c.botToken, nil, &result); err != nil {
		c.log.Debug("Failed to resolve user name", zap.String("user", userID), zap.Error(err))
		return userID
	}
	if result.User.RealName != "" {
		return result.User.RealName
	}
	if result.User.Name != "" {
		return result.User.Name
	}
	return userID
}

// call posts to one Web API method and decodes the ok/error wrapper into
// out. GET-style methods pass their arguments in the endpoint query.
func (c *APIClient) call(ctx context.Context, endpoint, token string, payload map[string]interface{}, out interface{}) error {
	var body *bytes.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	} else {
		body = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+endpoint, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("slack API request %s: %w", endpoint, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slack API %s returned %d", endpoint, resp.StatusCode)
	}

	var envelope struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	raw := json.RawMessage{}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return fmt.Errorf("decode slack response: %w", err)
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("decode slack response: %w", err)
	}
	if !envelope.OK {
		if envelope.Error == "" {
			envelope.Error = "unknown"
		}
		return &apiError{code: envelope.Error}
	}
	if out != nil {
		return json.Unmarshal(raw, out)
	}
	return nil
}
