package middleware

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/yourusername/clinic-portal/pkg/auth"
)

// FlowTokenMiddleware авторизует шаги верификации по flow-токену,
// выданному после validate-identity (или старта соответствующего flow).
type FlowTokenMiddleware struct {
	tokenService *auth.FlowTokenService
}

func NewFlowTokenMiddleware(tokenService *auth.FlowTokenService) *FlowTokenMiddleware {
	return &FlowTokenMiddleware{tokenService: tokenService}
}

// RequireFlowToken проверяет токен и кладет subject_id и flow в контекст.
// Токен передается в заголовке Authorization: Bearer {token}.
func (m *FlowTokenMiddleware) RequireFlowToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header is required", "error_type": "token_missing"})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization header format must be Bearer {token}", "error_type": "token_format"})
			c.Abort()
			return
		}

		claims, err := m.tokenService.Parse(parts[1])
		if err != nil {
			if errors.Is(err, auth.ErrFlowTokenExpired) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Flow token expired, restart the flow", "error_type": "token_expired"})
			} else {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid flow token", "error_type": "token_invalid"})
			}
			c.Abort()
			return
		}

		c.Set("subject_id", claims.SubjectID)
		c.Set("flow", claims.Flow)
		c.Next()
	}
}
