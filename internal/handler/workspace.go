package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/devildev/api/internal/middleware"
	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/service"
	"github.com/devildev/api/pkg/response"
)

type WorkspaceHandler struct {
	service   *service.WorkspaceService
	validator *validator.Validate
}

func NewWorkspaceHandler(svc *service.WorkspaceService, v *validator.Validate) *WorkspaceHandler {
	return &WorkspaceHandler{
		service:   svc,
		validator: v,
	}
}

// CreateProject handles POST /api/projects
func (h *WorkspaceHandler) CreateProject(c *fiber.Ctx) error {
	var req model.CreateProjectRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.CreateProject(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return serviceError(c, err)
	}
	return response.Created(c, result)
}

// Project handles GET /api/projects/:projectId
func (h *WorkspaceHandler) Project(c *fiber.Ctx) error {
	result, err := h.service.Project(c.Context(), middleware.GetUserID(c), c.Params("projectId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// CreateChat handles POST /api/chats
func (h *WorkspaceHandler) CreateChat(c *fiber.Ctx) error {
	var req model.CreateChatRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.CreateChat(c.Context(), middleware.GetUserID(c), &req)
	if err != nil {
		return serviceError(c, err)
	}
	return response.Created(c, result)
}

// Chat handles GET /api/chats/:chatId
func (h *WorkspaceHandler) Chat(c *fiber.Ctx) error {
	result, err := h.service.Chat(c.Context(), middleware.GetUserID(c), c.Params("chatId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Messages handles GET /api/targets/:targetId/messages
func (h *WorkspaceHandler) Messages(c *fiber.Ctx) error {
	result, err := h.service.Messages(c.Context(), middleware.GetUserID(c), c.Params("targetId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, fiber.Map{"messages": result})
}
