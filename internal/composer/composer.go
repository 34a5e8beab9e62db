// Package composer produces the personalized message body for a target.
// The real personalization service is an opaque text generator behind an
// HTTP API; Renderer is the local fallback doing plain placeholder
// substitution.
package composer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"outreach/internal/domain"
)

type Composer interface {
	Personalize(ctx context.Context, template string, contact domain.Contact, project domain.Project) (string, error)
}

// Client calls the external personalization service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func (c *Client) Personalize(ctx context.Context, template string, contact domain.Contact, project domain.Project) (string, error) {
	payload := map[string]any{
		"template": template,
		"contact": map[string]string{
			"fullName": contact.FullName,
			"headline": contact.Headline,
			"company":  contact.Company,
		},
		"project": map[string]string{
			"name":  project.Name,
			"pitch": project.Pitch,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/v1/personalize"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("composer: status %d", resp.StatusCode)
	}

	var out struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("composer: decode response: %w", err)
	}
	if out.Message == "" {
		return "", errors.New("composer: empty message")
	}
	return out.Message, nil
}

// Renderer substitutes {placeholder} tokens from contact and project data.
type Renderer struct{}

func (Renderer) Personalize(_ context.Context, template string, contact domain.Contact, project domain.Project) (string, error) {
	firstName := contact.FullName
	if i := strings.IndexByte(firstName, ' '); i > 0 {
		firstName = firstName[:i]
	}

	out := template
	out = strings.ReplaceAll(out, "{first_name}", firstName)
	out = strings.ReplaceAll(out, "{full_name}", contact.FullName)
	out = strings.ReplaceAll(out, "{headline}", contact.Headline)
	out = strings.ReplaceAll(out, "{company}", contact.Company)
	out = strings.ReplaceAll(out, "{project_name}", project.Name)
	out = strings.ReplaceAll(out, "{project_pitch}", project.Pitch)
	return out, nil
}
