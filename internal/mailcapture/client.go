package mailcapture

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// infoResponse is the subset of the Mailpit /api/v1/info payload the
// harness consumes.
type infoResponse struct {
	Version  string `json:"Version"`
	Messages int    `json:"Messages"`
}

// messagesResponse is the Mailpit /api/v1/messages payload shape.
type messagesResponse struct {
	Total    int       `json:"total"`
	Messages []Message `json:"messages"`
}

// Client queries a Mailpit-compatible message API: either a real Mailpit
// container or the embedded capture Server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the API at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Messages returns every captured message.
func (c *Client) Messages(ctx context.Context) ([]Message, error) {
	var resp messagesResponse
	if err := c.getJSON(ctx, "/api/v1/messages", &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// MessagesTo returns captured messages addressed to the given recipient.
func (c *Client) MessagesTo(ctx context.Context, recipient string) ([]Message, error) {
	all, err := c.Messages(ctx)
	if err != nil {
		return nil, err
	}

	var matched []Message
	for _, msg := range all {
		for _, to := range msg.To {
			if strings.EqualFold(to.Address, recipient) {
				matched = append(matched, msg)
				break
			}
		}
	}
	return matched, nil
}

// WaitForMessage polls until a message addressed to recipient arrives or
// the context expires. Mail delivery from the application under test is
// asynchronous; assertions need a bounded wait, not a sleep.
func (c *Client) WaitForMessage(ctx context.Context, recipient string) (Message, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		matched, err := c.MessagesTo(ctx, recipient)
		if err != nil {
			return Message{}, err
		}
		if len(matched) > 0 {
			return matched[len(matched)-1], nil
		}

		select {
		case <-ctx.Done():
			return Message{}, fmt.Errorf("no message for %s before deadline: %w", recipient, ctx.Err())
		case <-ticker.C:
		}
	}
}

// DeleteAll removes every captured message, giving each test a clean
// mailbox without restarting the capture service.
func (c *Client) DeleteAll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/v1/messages", nil)
	if err != nil {
		return fmt.Errorf("failed to build delete request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status deleting messages: %s", resp.Status)
	}
	return nil
}

// Ping verifies the API answers, used by setup to confirm the capture
// service is reachable before publishing its descriptor.
func (c *Client) Ping(ctx context.Context) error {
	var resp infoResponse
	return c.getJSON(ctx, "/api/v1/info", &resp)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request for %s: %w", path, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status from %s: %s", path, resp.Status)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}
