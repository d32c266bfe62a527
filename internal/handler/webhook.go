package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"refprice/internal/apierror"
	"refprice/internal/service"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	maxWebhookBody  = 1 << 20
)

type WebhookHandler struct{ svc service.WebhookService }

func NewWebhookHandler(svc service.WebhookService) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

// Receive godoc
// @Summary Notificação de atualização da base de preços
// @Tags webhooks
// @Accept json
// @Produce json
// @Param source path string true "Fonte"
// @Param X-Webhook-Signature header string false "HMAC-SHA256 hex do corpo"
// @Success 200 {object} dto.WebhookResponse
// @Failure 400 {object} apierror.APIError
// @Failure 401 {object} apierror.APIError
// @Failure 503 {object} apierror.APIError
// @Router /v1/webhooks/{source} [post]
func (h *WebhookHandler) Receive(c *gin.Context) {
	// The signature covers the exact bytes received, so read before decoding.
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, apierror.New("Corpo da requisição ilegível"))
		return
	}

	resp, err := h.svc.Handle(c.Request.Context(), c.Param("source"), c.GetHeader(SignatureHeader), body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, resp)
	case errors.Is(err, service.ErrWebhookDisabled):
		c.JSON(http.StatusServiceUnavailable, apierror.New("Webhook desabilitado"))
	case errors.Is(err, service.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, apierror.New("Assinatura inválida"))
	case errors.Is(err, service.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, apierror.New("Payload inválido: campo event obrigatório"))
	case errors.Is(err, service.ErrUnknownSource):
		c.JSON(http.StatusNotFound, apierror.New("Fonte de referência desconhecida"))
	default:
		_ = c.Error(err)
	}
}
