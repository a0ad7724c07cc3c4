package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/devildev/api/internal/middleware"
	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/service"
	"github.com/devildev/api/pkg/response"
)

type ArchitectureHandler struct {
	service   *service.ArchitectureService
	validator *validator.Validate
}

func NewArchitectureHandler(svc *service.ArchitectureService, v *validator.Validate) *ArchitectureHandler {
	return &ArchitectureHandler{
		service:   svc,
		validator: v,
	}
}

// Latest handles GET /api/targets/:targetId/architecture
func (h *ArchitectureHandler) Latest(c *fiber.Ctx) error {
	result, err := h.service.Latest(c.Context(), middleware.GetUserID(c), c.Params("targetId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Versions handles GET /api/targets/:targetId/versions?limit=
func (h *ArchitectureHandler) Versions(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		return response.ValidationError(c, "limit must be between 1 and 200", nil)
	}

	result, err := h.service.Versions(c.Context(), middleware.GetUserID(c), c.Params("targetId"), limit)
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, fiber.Map{"versions": result})
}

// Version handles GET /api/versions/:versionId
func (h *ArchitectureHandler) Version(c *fiber.Ctx) error {
	result, err := h.service.Version(c.Context(), middleware.GetUserID(c), c.Params("versionId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// UpdatePositions handles PUT /api/versions/:versionId/positions
func (h *ArchitectureHandler) UpdatePositions(c *fiber.Ctx) error {
	var req model.UpdatePositionsRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.UpdatePositions(c.Context(), middleware.GetUserID(c), c.Params("versionId"), req.Positions)
	if err != nil {
		return serviceError(c, err)
	}
	return response.Accepted(c, result)
}

// Snapshot handles GET /api/versions/:versionId/snapshot
func (h *ArchitectureHandler) Snapshot(c *fiber.Ctx) error {
	result, err := h.service.SnapshotURL(c.Context(), middleware.GetUserID(c), c.Params("versionId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}
