package middleware

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/neogan74/poshost/internal/audit"
	"github.com/neogan74/poshost/internal/auth"
)

// ClaimsKey is the context key for validated session claims.
const ClaimsKey = "claims"

// TokenQueryParam lets GET requests (media elements) carry the token in
// the URL where headers cannot be set.
const TokenQueryParam = "access_token"

// ExtractToken returns the bearer token from the Authorization header, or
// from the access_token query parameter on GET requests.
func ExtractToken(c *fiber.Ctx) (string, error) {
	if header := c.Get(fiber.HeaderAuthorization); header != "" {
		scheme, token, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", errors.New("invalid authorization header format")
		}
		return strings.TrimSpace(token), nil
	}
	if c.Method() == fiber.MethodGet {
		if token := c.Query(TokenQueryParam); token != "" {
			return token, nil
		}
	}
	return "", auth.ErrTokenMissing
}

// BearerAuth rejects requests without a valid session token. Paths listed
// in publicPaths bypass the check. Rejections are returned as a 401
// *fiber.Error for the app's error handler to render.
func BearerAuth(sessions *auth.SessionService, publicPaths ...string) fiber.Handler {
	public := make(map[string]bool, len(publicPaths))
	for _, p := range publicPaths {
		public[p] = true
	}

	return func(c *fiber.Ctx) error {
		if public[c.Path()] {
			return c.Next()
		}

		token, err := ExtractToken(c)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}

		claims, err := sessions.Validate(token)
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrTokenExpired):
				return fiber.NewError(fiber.StatusUnauthorized, "token expired")
			default:
				return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
			}
		}

		c.Locals(ClaimsKey, claims)
		c.Locals(audit.LocalTokenID, claims.ID)
		c.Locals(audit.LocalActorType, claims.Actor)
		return c.Next()
	}
}

// GetClaims returns the session claims from the context
func GetClaims(c *fiber.Ctx) *auth.Claims {
	if claims, ok := c.Locals(ClaimsKey).(*auth.Claims); ok {
		return claims
	}
	return nil
}
