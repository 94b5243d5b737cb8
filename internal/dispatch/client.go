package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"tutorgo/internal/config"
)

// Payload is the JSON document posted to the n8n webhook: the current
// message, the tutor-personalization fields, and the trimmed history.
type Payload struct {
	Message             MessagePayload `json:"message"`
	UserProfile         ProfilePayload `json:"user_profile"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
}

type MessagePayload struct {
	Content        string  `json:"content,omitempty"`
	FileURL        *string `json:"file_url"`
	FileType       *string `json:"file_type"`
	MessageType    string  `json:"message_type"`
	UserID         string  `json:"user_id"`
	ConversationID string  `json:"conversation_id"`
}

type ProfilePayload struct {
	DisplayName string `json:"display_name"`
	TutorName   string `json:"tutor_name"`
	TutorGender string `json:"tutor_gender"`
}

type HistoryEntry struct {
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	CreatedAt time.Time `json:"created_at"`
}

// Client performs the outbound webhook call with an explicit timeout and a
// bounded retry policy. Retries apply only to transport errors and 5xx
// responses; other non-2xx statuses fail immediately.
type Client struct {
	url        string
	http       *http.Client
	maxRetries int
}

// ErrWebhookURLNotSet indicates the webhook URL is missing from the
// configuration; dispatch cannot proceed without it.
var ErrWebhookURLNotSet = errors.New("webhook url is not configured")

const retryBaseDelay = 500 * time.Millisecond

// NewClient builds a dispatch client from the webhook configuration.
func NewClient(cfg config.WebhookConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, ErrWebhookURLNotSet
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = config.DefaultWebhookTimeoutSeconds * time.Second
	}
	return &Client{
		url:        cfg.URL,
		http:       &http.Client{Timeout: timeout},
		maxRetries: cfg.MaxRetries,
	}, nil
}

// Send posts the payload and decodes the webhook reply.
func (c *Client) Send(ctx context.Context, payload Payload) (*Reply, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode webhook payload: %w", err)
	}
	raw, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return decodeReply(raw)
}

// Forward posts {message, user_id} and returns the webhook's JSON body
// verbatim. Used by the passthrough proxy mode.
func (c *Client) Forward(ctx context.Context, userID, message string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{
		"message": message,
		"user_id": userID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode proxy payload: %w", err)
	}
	raw, err := c.post(ctx, body)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("webhook returned invalid json")
	}
	return json.RawMessage(raw), nil
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("webhook call failed: %w", err)
			continue
		}
		raw, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("read webhook response: %w", err)
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("webhook failed with status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook failed with status %d", resp.StatusCode)
		}
		return raw, nil
	}
	return nil, lastErr
}
