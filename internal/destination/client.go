// Package destination is the HTTP client for the message-creation endpoint
// of the target surface. It reports status outcomes, it does not decide
// retry policy: 429/401 handling lives in the delivery engine.
package destination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Client struct {
	BaseURL string
	RoomID  string
	HTTP    *http.Client
}

type createRequest struct {
	Format  string `json:"format"`
	Content string `json:"content"`
}

type createResponse struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// SendResult is the outcome of one POST. An error return is reserved for
// transport failures; any response from the server, success or not, comes
// back as a result.
type SendResult struct {
	StatusCode int
	MessageID  string
	// RetryAfter is the server-mandated wait parsed from a 429 response;
	// zero when absent.
	RetryAfter time.Duration
	Body       []byte
}

func (r SendResult) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// ErrorMessage is a short human-readable rendering of a non-2xx result.
func (r SendResult) ErrorMessage() string {
	var out createResponse
	if err := json.Unmarshal(r.Body, &out); err == nil && out.Message != "" {
		return fmt.Sprintf("destination returned %d: %s", r.StatusCode, out.Message)
	}
	return fmt.Sprintf("destination returned %d", r.StatusCode)
}

// PostMessage creates one message in the room as the given bearer identity.
func (c *Client) PostMessage(ctx context.Context, token, content string) (SendResult, error) {
	payload, err := json.Marshal(createRequest{Format: "html", Content: content})
	if err != nil {
		return SendResult{}, err
	}

	endpoint := strings.TrimRight(c.BaseURL, "/") + "/rooms/" + c.RoomID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return SendResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return SendResult{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	result := SendResult{StatusCode: resp.StatusCode, Body: body}
	if resp.StatusCode == http.StatusTooManyRequests {
		result.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	if result.OK() {
		var out createResponse
		_ = json.Unmarshal(body, &out)
		result.MessageID = out.ID
	}
	return result, nil
}

// parseRetryAfter handles the delta-seconds form. The HTTP-date form is not
// produced by the destination.
func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
