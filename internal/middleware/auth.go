package middleware

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"negotiation-chat/internal/apperr"
	"negotiation-chat/internal/auth"
)

type TokenAuthenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// AuthMiddleware validates the bearer token and stores the caller's user id
// under "userID".
func AuthMiddleware(authn TokenAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization", "code": "unauthorized"})
			return
		}
		token, err := auth.ParseBearer(header)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header", "code": "unauthorized"})
			return
		}

		id, err := authn.Authenticate(c.Request.Context(), token)
		if err != nil {
			appErr := apperr.From(err)
			c.AbortWithStatusJSON(apperr.HTTPStatus(appErr.Kind), gin.H{"error": appErr.Message, "code": appErr.Code})
			return
		}

		c.Set("userID", id.UserID)
		c.Set("role", id.Role)
		c.Next()
	}
}
