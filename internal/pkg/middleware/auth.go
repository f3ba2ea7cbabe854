package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/codexlong/ChatForge/internal/pkg/env"
	"github.com/codexlong/ChatForge/internal/pkg/usercontext"
)

// RequireUserMiddleware authenticates requests carrying a signed user token
// issued by the auth layer. The token is "<base64url(userID)>.<hex hmac>",
// HMAC-SHA256 over the raw user id with AUTH_TOKEN_SECRET.
func RequireUserMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		token := extractTokenFromHeader(c)
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing auth token"})
		}

		userID, ok := verifyUserToken(token)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid auth token"})
		}

		userCtx := usercontext.UserContext{
			UserID:     userID,
			IsLoggedIn: true,
		}
		c.Locals(usercontext.KeyUserContext, userCtx)
		c.Locals(usercontext.KeyUserID, userID)

		return c.Next()
	}
}

func verifyUserToken(token string) (string, bool) {
	secret := env.GetEnv("AUTH_TOKEN_SECRET", "")
	if secret == "" {
		return "", false
	}

	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil || len(raw) == 0 {
		return "", false
	}
	signature, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(raw)
	if !hmac.Equal(signature, mac.Sum(nil)) {
		return "", false
	}
	return string(raw), true
}

// SignUserToken issues a token verifiable by RequireUserMiddleware, used by
// tests and internal tooling.
func SignUserToken(userID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(userID))
	return base64.RawURLEncoding.EncodeToString([]byte(userID)) + "." + hex.EncodeToString(mac.Sum(nil))
}

func extractTokenFromHeader(c *fiber.Ctx) string {
	token := strings.TrimSpace(c.Get("X-Auth-Token"))
	if token != "" {
		return token
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
