package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/deckline/backend/internal/auth"
	"github.com/deckline/backend/pkg/response"
)

// JWT returns a middleware that requires a valid bearer token and sets the
// account claims in context under the auth.Context* keys.
func JWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := bearerClaims(c, jwtService)
		if !ok {
			response.Unauthorized(c, "invalid or missing token")
			c.Abort()
			return
		}
		setClaims(c, claims)
		c.Next()
	}
}

// OptionalJWT resolves claims when a bearer token is present but lets
// unauthenticated requests through. Used for session creation, where guests
// and venue-shared operators are allowed.
func OptionalJWT(jwtService *auth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if claims, ok := bearerClaims(c, jwtService); ok {
			setClaims(c, claims)
		}
		c.Next()
	}
}

func bearerClaims(c *gin.Context, jwtService *auth.JWTService) (*auth.Claims, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return nil, false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, false
	}
	claims, err := jwtService.Validate(parts[1])
	if err != nil {
		return nil, false
	}
	return claims, true
}

func setClaims(c *gin.Context, claims *auth.Claims) {
	c.Set(auth.ContextUserID, claims.UserID)
	c.Set(auth.ContextUserEmail, claims.Email)
	c.Set(auth.ContextUserHandle, claims.Handle)
}
