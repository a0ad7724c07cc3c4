package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/devildev/api/internal/auth"
	"github.com/devildev/api/pkg/response"
)

// AuthMiddleware authenticates API calls with a bearer token
type AuthMiddleware struct {
	verifier auth.TokenVerifier
}

// NewAuthMiddleware creates the middleware. Pass an auth.Chain to accept
// Zitadel tokens with a legacy HMAC fallback.
func NewAuthMiddleware(verifier auth.TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Authenticate validates the Authorization header and stores the caller
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return response.Unauthorized(c, "Missing authorization header")
		}
		token, ok := auth.BearerToken(header)
		if !ok {
			return response.Unauthorized(c, "Invalid authorization header format")
		}
		if m.verifier == nil {
			return response.Unauthorized(c, "Authentication not configured")
		}

		id, err := m.verifier.Validate(token)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		setIdentity(c, id)
		return c.Next()
	}
}

func setIdentity(c *fiber.Ctx, id *auth.Identity) {
	c.Locals("userId", id.UserID)
	c.Locals("email", id.Email)
	c.Locals("name", id.Name)
}

// GetUserID extracts user ID from context
func GetUserID(c *fiber.Ctx) string {
	if userID, ok := c.Locals("userId").(string); ok {
		return userID
	}
	return ""
}

// GetUserEmail extracts user email from context
func GetUserEmail(c *fiber.Ctx) string {
	if email, ok := c.Locals("email").(string); ok {
		return email
	}
	return ""
}
