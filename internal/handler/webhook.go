package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/devildev/api/internal/model"
	"github.com/devildev/api/internal/service"
	"github.com/devildev/api/pkg/response"
)

const zeroCommit = "0000000000000000000000000000000000000000"

// WebhookHandler turns repository push events into incremental regenerations
type WebhookHandler struct {
	service   *service.GenerationService
	validator *validator.Validate
	secret    []byte
}

func NewWebhookHandler(svc *service.GenerationService, v *validator.Validate, secret string) *WebhookHandler {
	return &WebhookHandler{
		service:   svc,
		validator: v,
		secret:    []byte(secret),
	}
}

// Push handles POST /webhooks/github
func (h *WebhookHandler) Push(c *fiber.Ctx) error {
	if len(h.secret) == 0 {
		return response.Unavailable(c, "Webhooks are not configured")
	}
	if !h.validSignature(c.Get("X-Hub-Signature-256"), c.Body()) {
		return response.Unauthorized(c, "Invalid webhook signature")
	}

	switch c.Get("X-GitHub-Event") {
	case "ping":
		return response.OK(c, fiber.Map{"ok": true})
	case "push":
	default:
		return response.NoContent(c)
	}

	deliveryID := c.Get("X-GitHub-Delivery")
	if deliveryID == "" {
		return response.ValidationError(c, "Missing delivery id", nil)
	}

	var payload model.CommitWebhookPayload
	if err := json.Unmarshal(c.Body(), &payload); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}
	if err := h.validator.Struct(&payload); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}
	// branch creation and deletion carry no comparable range
	if payload.Before == zeroCommit || payload.After == zeroCommit {
		return response.NoContent(c)
	}

	jobs, err := h.service.SubmitFromWebhook(c.Context(), deliveryID, &payload)
	if err != nil {
		log.Printf("webhook %s: %v", deliveryID, err)
		return serviceError(c, err)
	}
	return response.Accepted(c, fiber.Map{"jobs": jobs})
}

func (h *WebhookHandler) validSignature(header string, body []byte) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
