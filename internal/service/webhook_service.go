package service

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"refprice/internal/dto"
)

var (
	ErrWebhookDisabled  = errors.New("webhook desabilitado")
	ErrInvalidSignature = errors.New("assinatura inválida")
	ErrInvalidPayload   = errors.New("payload inválido")
)

// Sync triggers.
const (
	TriggerSchedule = "schedule"
	TriggerWebhook  = "webhook"
	TriggerManual   = "manual"
	TriggerStartup  = "startup"
)

// SyncTrigger schedules the shared sync flow without blocking the caller.
type SyncTrigger interface {
	// Enqueue hands the job to the background worker queue.
	Enqueue(ctx context.Context, source, trigger string) error
	// RunDetached runs the job in its own goroutine.
	RunDetached(source, trigger string)
}

// WebhookService authenticates upstream change notifications and schedules
// a sync for the notified source.
type WebhookService interface {
	Handle(ctx context.Context, source, signature string, rawBody []byte) (*dto.WebhookResponse, error)
}

type webhookService struct {
	enabled      bool
	secret       []byte
	coordinators Coordinators
	sync         SyncTrigger
	validate     *validator.Validate
	now          func() time.Time
}

func NewWebhookService(enabled bool, secret string, coordinators Coordinators, sync SyncTrigger) WebhookService {
	return &webhookService{
		enabled:      enabled,
		secret:       []byte(secret),
		coordinators: coordinators,
		sync:         sync,
		validate:     validator.New(),
		now:          time.Now,
	}
}

func (s *webhookService) Handle(ctx context.Context, source, signature string, rawBody []byte) (*dto.WebhookResponse, error) {
	if !s.enabled {
		return nil, ErrWebhookDisabled
	}
	if len(s.secret) > 0 && !VerifySignature(s.secret, rawBody, signature) {
		log.Warn().Str("source", source).Msg("webhook: invalid signature")
		return nil, ErrInvalidSignature
	}

	var payload dto.WebhookPayload
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, ErrInvalidPayload
	}
	payload.Event = strings.ToLower(strings.TrimSpace(payload.Event))
	if err := s.validate.Struct(payload); err != nil {
		return nil, ErrInvalidPayload
	}

	co, err := s.coordinators.Get(source)
	if err != nil {
		return nil, err
	}

	resp := &dto.WebhookResponse{Received: true, ProcessedAt: s.now().UTC()}
	switch payload.Event {
	case dto.WebhookEventUpdated, dto.WebhookEventCorrected:
		if err := s.sync.Enqueue(ctx, co.Source(), TriggerWebhook); err != nil {
			log.Warn().Err(err).Str("source", co.Source()).Msg("webhook: enqueue failed, running detached")
			s.sync.RunDetached(co.Source(), TriggerWebhook)
		}
		resp.Message = "Sincronização agendada"
	case dto.WebhookEventMaintenance:
		resp.Message = "Manutenção registrada"
	default:
		resp.Message = "Evento recebido"
	}

	log.Info().Str("source", co.Source()).Str("event", payload.Event).Msg("webhook: event processed")
	return resp, nil
}

// VerifySignature checks a hex HMAC-SHA256 of body, optionally prefixed
// with "sha256=", in constant time.
func VerifySignature(secret, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return false
	}
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, Sign(secret, body))
}

// Sign returns the raw HMAC-SHA256 of body.
func Sign(secret, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return mac.Sum(nil)
}
