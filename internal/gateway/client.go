// Package gateway is the HTTP client for the outreach provider that fronts
// the professional network: relation listings, connection requests, direct
// messages. The provider enforces its own quotas; business-level pacing
// lives in internal/ratelimit, while the Limiter here only smooths request
// bursts toward the provider API.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"outreach/internal/observability"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client

	// Limiter caps requests-per-second toward the provider; nil disables it.
	Limiter *rate.Limiter
}

type Relation struct {
	ProviderID string `json:"providerId"`
	FullName   string `json:"fullName"`
}

type SendResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// APIError is a non-2xx provider response. Status drives the
// transient/permanent split.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return "gateway: request failed with status " + strconv.Itoa(e.Status)
}

func (c *Client) ListRelations(ctx context.Context, accountID string, limit int) ([]Relation, error) {
	var out struct {
		Items []Relation `json:"items"`
	}
	path := fmt.Sprintf("/v1/accounts/%s/relations?limit=%d", accountID, limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) SendInvitation(ctx context.Context, accountID, providerID, message string) (SendResult, error) {
	body := map[string]string{"providerId": providerID, "message": message}
	var out SendResult
	err := c.do(ctx, http.MethodPost, "/v1/accounts/"+accountID+"/invitations", body, &out)
	return out, err
}

func (c *Client) SendChatMessage(ctx context.Context, accountID, providerID, text string) (SendResult, error) {
	body := map[string]string{"attendeeProviderId": providerID, "text": text}
	var out SendResult
	err := c.do(ctx, http.MethodPost, "/v1/accounts/"+accountID+"/messages", body, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var reqBody io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(b)
	}

	url := strings.TrimRight(c.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	req.Header.Set("X-API-Key", c.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.HTTP.Do(req)
	observability.GatewayLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(b, apiErr)
		return apiErr
	}
	if out != nil {
		if err := json.Unmarshal(b, out); err != nil {
			return fmt.Errorf("gateway: decode response: %w", err)
		}
	}
	return nil
}

// Transient reports whether the error is worth retrying: timeouts, throttling
// and provider-side 5xx. Everything else (bad request, revoked account,
// permanent provider quota) is not.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var ae *APIError
	if errors.As(err, &ae) {
		if ae.Status == http.StatusTooManyRequests || ae.Status == http.StatusRequestTimeout {
			return true
		}
		return ae.Status >= 500 && ae.Status <= 599
	}
	return false
}

func Backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
