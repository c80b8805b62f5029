package handlers

import (
	"github.com/creatormarket/escrow/internal/http/dto"
	"github.com/creatormarket/escrow/internal/middleware"
	"github.com/creatormarket/escrow/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type AdminHandler struct {
	escrow     *services.EscrowService
	payouts    *services.PayoutService
	reconciler *services.Reconciler
	log        *zap.Logger
}

func NewAdminHandler(escrow *services.EscrowService, payouts *services.PayoutService, reconciler *services.Reconciler, log *zap.Logger) *AdminHandler {
	return &AdminHandler{escrow: escrow, payouts: payouts, reconciler: reconciler, log: log}
}

func (h *AdminHandler) ResolveDispute(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid deal id")
	}
	var req dto.ResolveDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	deal, err := h.escrow.ResolveDispute(c.UserContext(), id, middleware.GetActor(c), req.Outcome, req.Reason)
	if err != nil {
		// the decision may be recorded while a provider call failed
		return writeError(c, h.log, err, deal)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *AdminHandler) RetryPayout(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid payout id")
	}

	p, err := h.payouts.Retry(c.UserContext(), id, middleware.GetActor(c))
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: p})
}

func (h *AdminHandler) ReconcileDeal(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid deal id")
	}

	deal, err := h.reconciler.ReconcileDeal(c.UserContext(), id, middleware.GetActor(c))
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

// AnonymizeActor clears a user's id from every ledger entry.
func (h *AdminHandler) AnonymizeActor(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid user id")
	}

	n, err := h.escrow.AnonymizeActor(c.UserContext(), id, middleware.GetActor(c))
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: dto.AnonymizeResponse{Anonymized: n}})
}
