// Package sms provides the fallback notification channel: a webhook POST
// to an SMS gateway for drivers the push transport cannot reach.
package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kilianp07/freightd/core/notify"
	"github.com/kilianp07/freightd/infra/logger"
)

// Config holds the gateway endpoint parameters.
type Config struct {
	URL            string `json:"url"`
	APIKey         string `json:"api_key"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 5
	}
}

// WebhookChannel posts alert texts to an SMS gateway.
type WebhookChannel struct {
	url    string
	apiKey string
	client *http.Client
	log    logger.Logger
}

// New creates a WebhookChannel for the configured gateway.
func New(cfg Config) (*WebhookChannel, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("sms: gateway url required")
	}
	cfg.SetDefaults()
	return &WebhookChannel{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		log:    logger.New("sms-channel"),
	}, nil
}

// Name identifies the channel in metrics and events.
func (c *WebhookChannel) Name() string { return "sms" }

type gatewayRequest struct {
	DriverID string `json:"driver_id"`
	Text     string `json:"text"`
}

// Send posts the alert as a text message. Priority carries no meaning on
// SMS; the gateway delivers best effort.
func (c *WebhookChannel) Send(ctx context.Context, driverID string, p notify.Payload, _ notify.Priority) error {
	text := fmt.Sprintf("New load %s: %s truck, respond by %s. Ref %s",
		p.BroadcastID, p.VehicleClass, p.RespondBy.Format(time.Kitchen), p.AssignmentID)
	body, err := json.Marshal(gatewayRequest{DriverID: driverID, Text: text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sms gateway returned %s", resp.Status)
	}
	c.log.Debugf("sms queued for driver %s", driverID)
	return nil
}
