package handlers

import (
	"errors"

	"github.com/creatormarket/escrow/internal/http/dto"
	"github.com/creatormarket/escrow/internal/middleware"
	"github.com/creatormarket/escrow/internal/payments"
	"github.com/creatormarket/escrow/internal/services"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type MilestoneHandler struct {
	escrow *services.EscrowService
	log    *zap.Logger
}

func NewMilestoneHandler(escrow *services.EscrowService, log *zap.Logger) *MilestoneHandler {
	return &MilestoneHandler{escrow: escrow, log: log}
}

func (h *MilestoneHandler) Submit(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid milestone id")
	}
	var req dto.SubmitMilestoneRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	m, err := h.escrow.SubmitMilestone(c.UserContext(), id, middleware.GetActor(c), req.Deliverable)
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: m})
}

// Approve approves a milestone and requests its payout. When the provider is
// unreachable the approval stands and the response is 503 with the approved
// milestone; the payout request is retried in the background.
func (h *MilestoneHandler) Approve(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid milestone id")
	}

	m, payout, err := h.escrow.ApproveMilestone(c.UserContext(), id, middleware.GetActor(c))
	data := dto.ApproveMilestoneResponse{Milestone: m, Payout: payout}
	if err != nil {
		if m != nil && errors.Is(err, payments.ErrProviderUnavailable) {
			return writeError(c, h.log, err, data)
		}
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: data})
}

func (h *MilestoneHandler) RequestRevision(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid milestone id")
	}
	var req dto.RequestRevisionRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	m, err := h.escrow.RequestRevision(c.UserContext(), id, middleware.GetActor(c), req.Feedback)
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: m})
}
