// ABOUTME: Templated email transport speaking the EmailJS-style send API
// ABOUTME: One JSON POST per recipient, no delivery confirmation awaited

package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// DefaultEmailEndpoint is the templated email service's send URL.
const DefaultEmailEndpoint = "https://api.emailjs.com/api/v1.0/email/send"

// EmailClient implements Transport against a templated email HTTP API.
type EmailClient struct {
	endpoint  string
	serviceID string
	userID    string
	client    *http.Client
	logger    *slog.Logger
}

// NewEmailClient creates a client. Empty endpoint uses the default.
func NewEmailClient(endpoint, serviceID, userID string, logger *slog.Logger) *EmailClient {
	if endpoint == "" {
		endpoint = DefaultEmailEndpoint
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EmailClient{
		endpoint:  endpoint,
		serviceID: serviceID,
		userID:    userID,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.With("component", "email"),
	}
}

// emailRequest is the wire format of the send API.
type emailRequest struct {
	ServiceID      string            `json:"service_id"`
	TemplateID     string            `json:"template_id"`
	UserID         string            `json:"user_id"`
	TemplateParams map[string]string `json:"template_params"`
}

// Send posts one templated email. The recipient address is injected into
// the template parameters under "user_email", matching the template.
func (c *EmailClient) Send(ctx context.Context, recipient, templateID string, vars map[string]string) error {
	params := make(map[string]string, len(vars)+1)
	for k, v := range vars {
		params[k] = v
	}
	params["user_email"] = recipient

	payload, err := json.Marshal(emailRequest{
		ServiceID:      c.serviceID,
		TemplateID:     templateID,
		UserID:         c.userID,
		TemplateParams: params,
	})
	if err != nil {
		return fmt.Errorf("encoding email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("email service returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}
