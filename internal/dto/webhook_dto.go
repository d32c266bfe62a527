package dto

import (
	"encoding/json"
	"time"
)

// Webhook event types published by the upstream pricing service.
const (
	WebhookEventUpdated     = "updated"
	WebhookEventCorrected   = "corrected"
	WebhookEventMaintenance = "maintenance"
)

// WebhookPayload is the inbound notification body.
type WebhookPayload struct {
	Event     string          `json:"event"     validate:"required"`
	Data      string          `json:"data"`
	Table     *string         `json:"table,omitempty"`
	Timestamp *string         `json:"timestamp,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// WebhookResponse acknowledges a webhook delivery.
type WebhookResponse struct {
	Received    bool      `json:"received"`
	Message     string    `json:"message"`
	ProcessedAt time.Time `json:"processedAt"`
}
