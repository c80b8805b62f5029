package handlers

import (
	"errors"

	"github.com/creatormarket/escrow/internal/http/dto"
	"github.com/creatormarket/escrow/internal/webhooks"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

// WebhookHandler receives provider notifications. Anything but a 2xx makes the
// provider redeliver, so only transient failures answer 500.
type WebhookHandler struct {
	dispatcher *webhooks.Dispatcher
	log        *zap.Logger
}

func NewWebhookHandler(dispatcher *webhooks.Dispatcher, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{dispatcher: dispatcher, log: log}
}

func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	// fasthttp reuses the body buffer after the handler returns
	payload := append([]byte(nil), c.Body()...)

	res, err := h.dispatcher.Dispatch(c.UserContext(), payload, c.Get("Stripe-Signature"))
	switch {
	case err == nil:
		return c.JSON(dto.WebhookResponse{Received: true, EventID: res.EventID, Outcome: res.Outcome})
	case errors.Is(err, webhooks.ErrSignatureInvalid):
		return c.Status(fiber.StatusUnauthorized).JSON(dto.ErrorResponse{Error: "invalid signature"})
	case errors.Is(err, webhooks.ErrMalformedEvent):
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: "malformed event"})
	}
	h.log.Error("webhook not processed", zap.String("event_id", res.EventID), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(dto.ErrorResponse{Error: "internal error"})
}
