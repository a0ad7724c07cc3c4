package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/devildev/api/internal/middleware"
	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/service"
	"github.com/devildev/api/pkg/response"
)

type GenerationHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
}

func NewGenerationHandler(svc *service.GenerationService, v *validator.Validate) *GenerationHandler {
	return &GenerationHandler{
		service:   svc,
		validator: v,
	}
}

// Forward handles POST /api/generate/forward
func (h *GenerationHandler) Forward(c *fiber.Ctx) error {
	var req model.ForwardGenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.SubmitForward(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return serviceError(c, err)
	}
	return submitted(c, result)
}

// Reverse handles POST /api/generate/reverse
func (h *GenerationHandler) Reverse(c *fiber.Ctx) error {
	var req model.ReverseGenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.SubmitReverse(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return serviceError(c, err)
	}
	return submitted(c, result)
}

// Incremental handles POST /api/generate/incremental
func (h *GenerationHandler) Incremental(c *fiber.Ctx) error {
	var req model.IncrementalGenerateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.SubmitIncremental(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return serviceError(c, err)
	}
	return submitted(c, result)
}

// Status handles GET /api/generate/status/:jobId
// Unknown jobs are reported with exists=false, not 404, so clients can poll
// right after submitting.
func (h *GenerationHandler) Status(c *fiber.Ctx) error {
	jobID := c.Params("jobId")
	if jobID == "" {
		return response.ValidationError(c, "Job ID is required", nil)
	}

	result, err := h.service.Status(c.Context(), middleware.GetUserID(c), jobID)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// submitted answers 202 for a new job and 200 when the id was already known
func submitted(c *fiber.Ctx, result *model.GenerateResponse) error {
	if result.Created {
		return response.Accepted(c, result)
	}
	return response.OK(c, result)
}
