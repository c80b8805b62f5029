package handlers

import (
	"strconv"

	"github.com/creatormarket/escrow/internal/http/dto"
	"github.com/creatormarket/escrow/internal/middleware"
	"github.com/creatormarket/escrow/internal/services"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type DealHandler struct {
	escrow *services.EscrowService
	log    *zap.Logger
}

func NewDealHandler(escrow *services.EscrowService, log *zap.Logger) *DealHandler {
	return &DealHandler{escrow: escrow, log: log}
}

func (h *DealHandler) CreateDeal(c *fiber.Ctx) error {
	var req dto.CreateDealRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	receiverID, err := uuid.Parse(req.ReceiverID)
	if err != nil {
		return badRequest(c, "invalid receiver_id")
	}

	in := services.CreateDealInput{
		ReceiverID:         receiverID,
		ReceiverAccountRef: req.ReceiverAccountRef,
		PayerRef:           req.PayerRef,
		Title:              req.Title,
		Currency:           req.Currency,
	}
	for _, m := range req.Milestones {
		in.Milestones = append(in.Milestones, services.MilestoneInput{Title: m.Title, Amount: m.Amount, DueAt: m.DueAt})
	}

	deal, err := h.escrow.CreateDeal(c.UserContext(), middleware.GetActor(c), in)
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.Status(fiber.StatusCreated).JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetDeal(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid deal id")
	}

	deal, err := h.escrow.GetDeal(c.UserContext(), id, middleware.GetActor(c))
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

// FundDeal answers 202: the deal is funded when the provider confirms the charge.
func (h *DealHandler) FundDeal(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid deal id")
	}

	deal, err := h.escrow.FundDeal(c.UserContext(), id, middleware.GetActor(c))
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.Status(fiber.StatusAccepted).JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) RaiseDispute(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid deal id")
	}
	var req dto.RaiseDisputeRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid request")
	}

	deal, err := h.escrow.RaiseDispute(c.UserContext(), id, middleware.GetActor(c), req.Reason)
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: deal})
}

func (h *DealHandler) GetLedger(c *fiber.Ctx) error {
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid deal id")
	}

	limit, offset := 100, 0
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := c.Query("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	entries, err := h.escrow.ListLedger(c.UserContext(), id, middleware.GetActor(c), limit, offset)
	if err != nil {
		return writeError(c, h.log, err, nil)
	}
	return c.JSON(dto.SuccessResponse{OK: true, Data: entries})
}
