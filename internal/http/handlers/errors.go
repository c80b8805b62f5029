package handlers

import (
	"errors"

	"github.com/creatormarket/escrow/internal/http/dto"
	"github.com/creatormarket/escrow/internal/middleware"
	"github.com/creatormarket/escrow/internal/payments"
	"github.com/creatormarket/escrow/internal/repositories"
	"github.com/creatormarket/escrow/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// statusFor maps service errors to HTTP statuses. Unknown errors are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, services.ErrForbidden):
		return fiber.StatusForbidden
	case errors.Is(err, services.ErrInvalidState), errors.Is(err, repositories.ErrConflict):
		return fiber.StatusConflict
	case errors.Is(err, services.ErrAmountMismatch), errors.Is(err, payments.ErrProviderRejected):
		return fiber.StatusUnprocessableEntity
	case errors.Is(err, services.ErrInvalidInput), errors.Is(err, payments.ErrInvalidCurrency):
		return fiber.StatusBadRequest
	case errors.Is(err, payments.ErrProviderUnavailable):
		return fiber.StatusServiceUnavailable
	}
	return fiber.StatusInternalServerError
}

// writeError renders err. data is attached for partial successes, such as an
// approved milestone whose payout request is still pending.
func writeError(c *fiber.Ctx, log *zap.Logger, err error, data any) error {
	status := statusFor(err)
	reqID, _ := c.Locals(middleware.CtxRequestID).(string)
	msg := err.Error()
	switch status {
	case fiber.StatusInternalServerError:
		log.Error("request failed", zap.String("request_id", reqID), zap.String("path", c.Path()), zap.Error(err))
		msg = "internal error"
	case fiber.StatusServiceUnavailable:
		msg = "temporarily unavailable, will retry"
	}
	return c.Status(status).JSON(dto.ErrorResponse{Error: msg, RequestID: reqID, Data: data})
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Error: msg})
}

func paramID(c *fiber.Ctx, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Params(name))
	return id, err == nil
}
