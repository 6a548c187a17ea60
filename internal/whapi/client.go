// Package whapi is the REST client for the WHAPI WhatsApp gateway.
package whapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/tealquilamos/rentbot/internal/domain"
	"github.com/tealquilamos/rentbot/internal/logging"
)

// Client talks to the WHAPI gateway. All outbound sends retry transient
// failures with backoff via retryablehttp.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
	logger  *logging.Logger
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
}

// NewClient creates a WHAPI client.
func NewClient(opts Options, logger *logging.Logger) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.MaxRetries
	rc.HTTPClient.Timeout = opts.Timeout
	rc.Logger = nil
	return &Client{
		baseURL: opts.BaseURL,
		token:   opts.Token,
		http:    rc,
		logger:  logger.Sub("whapi"),
	}
}

// APIError is a non-2xx response from the gateway.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whapi: status %d: %s", e.Status, e.Body)
}

// ChatInfo is the subset of GET /chats/{id} the pipeline needs.
type ChatInfo struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

type chatInfoResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// sendResponse is the gateway's acknowledgement of an outbound send. The
// message ID is what the webhook later echoes back as from_me traffic.
type sendResponse struct {
	Sent    bool `json:"sent"`
	Message struct {
		ID string `json:"id"`
	} `json:"message"`
}

// SendText delivers a text message and returns the gateway-assigned message
// ID. The recipient is the bare phone number, not the full JID.
func (c *Client) SendText(ctx context.Context, to, body string) (string, error) {
	payload := map[string]string{
		"to":   domain.ShortUserID(to),
		"body": body,
	}
	var resp sendResponse
	if err := c.post(ctx, "/messages/text", payload, &resp); err != nil {
		return "", err
	}
	return resp.Message.ID, nil
}

// SendVoice delivers a voice note from base64-encoded OGG/Opus audio and
// returns the gateway-assigned message ID.
func (c *Client) SendVoice(ctx context.Context, to, audioBase64 string) (string, error) {
	payload := map[string]string{
		"to":    domain.ShortUserID(to),
		"media": "data:audio/ogg;base64," + audioBase64,
	}
	var resp sendResponse
	if err := c.post(ctx, "/messages/voice", payload, &resp); err != nil {
		return "", err
	}
	return resp.Message.ID, nil
}

// SendDocument delivers a document by URL with an optional caption.
func (c *Client) SendDocument(ctx context.Context, to, mediaURL, caption string) error {
	payload := map[string]string{
		"to":      domain.ShortUserID(to),
		"media":   mediaURL,
		"caption": caption,
	}
	return c.post(ctx, "/messages/document", payload, nil)
}

// SendTyping toggles the composing indicator in the guest's chat. Presence is
// cosmetic; failures are logged and swallowed.
func (c *Client) SendTyping(ctx context.Context, to string, typing bool) {
	presence := "paused"
	if typing {
		presence = "composing"
	}
	payload := map[string]string{
		"to":       domain.ShortUserID(to),
		"presence": presence,
	}
	if err := c.post(ctx, "/messages/presence", payload, nil); err != nil {
		c.logger.Debug().Err(err).Str("to", to).Msg("presence update failed")
	}
}

// GetChatInfo fetches the contact name and labels for a chat.
func (c *Client) GetChatInfo(ctx context.Context, chatID string) (*ChatInfo, error) {
	var raw chatInfoResponse
	if err := c.get(ctx, "/chats/"+domain.CanonicalChatID(chatID), &raw); err != nil {
		return nil, err
	}
	info := &ChatInfo{ID: raw.ID, Name: raw.Name}
	for _, l := range raw.Labels {
		info.Labels = append(info.Labels, l.Name)
	}
	return info, nil
}

// ConfigureWebhook points the gateway at our webhook URL for message and
// presence events.
func (c *Client) ConfigureWebhook(ctx context.Context, url string) error {
	payload := map[string]any{
		"webhooks": []map[string]any{{
			"url":    url,
			"events": []map[string]string{{"type": "messages", "method": "post"}},
			"mode":   "body",
		}},
	}
	return c.do(ctx, http.MethodPatch, "/settings", payload, nil)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	return c.do(ctx, http.MethodPost, path, payload, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("whapi: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("whapi: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whapi: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("whapi: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("whapi: decode response: %w", err)
		}
	}
	return nil
}
