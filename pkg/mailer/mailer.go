/**
 * @description
 * This package sends receipt emails through an HTTP mail provider (a
 * Resend-style JSON API). The provider is behind a small interface so the
 * email dispatch guard can be tested with a fake, and so deployments without
 * mail credentials degrade to a log-only sender instead of failing.
 *
 * @dependencies
 * - bytes, context, encoding/json, net/http, time: Standard Go libraries.
 */

package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

// Sender delivers one email. Implementations must respect ctx deadlines.
type Sender interface {
	Send(ctx context.Context, to, subject, html string) error
}

// Client sends mail through an HTTP provider endpoint.
type Client struct {
	APIURL     string
	APIKey     string
	From       string
	HTTPClient *http.Client
}

// NewClient creates a mail client for the given provider endpoint.
func NewClient(apiURL, apiKey, from string) *Client {
	return &Client{
		APIURL: apiURL,
		APIKey: apiKey,
		From:   from,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type sendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	HTML    string   `json:"html"`
}

// Send posts the message to the provider. Any non-2xx response is a delivery
// failure; the body is surfaced in the error for the audit trail.
func (c *Client) Send(ctx context.Context, to, subject, html string) error {
	payload := sendRequest{
		From:    c.From,
		To:      []string{to},
		Subject: subject,
		HTML:    html,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("mail provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("mail provider rejected message with status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// LogSender is a fallback used when no mail provider is configured. It logs
// the delivery instead of failing, so confirmation flows keep working in
// development environments.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, to, subject, html string) error {
	log.Printf("level=warn component=mailer mode=log msg=\"mail provider not configured; logging delivery\" to=%s subject=%q", to, subject)
	return nil
}
