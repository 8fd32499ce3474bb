package middleware

import (
	"expflow/internal/repository"
	"expflow/internal/service"
	"expflow/pkg/constraints"

	"github.com/gin-gonic/gin"
)

const ServiceKeyHeader = "X-Expflow-Key"

// ServiceAuthMiddleware admits the task runner by API key. Calls run as
// the system actor.
func ServiceAuthMiddleware(repo repository.ServiceClientRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := c.GetHeader(ServiceKeyHeader)
		if apiKey == "" {
			c.AbortWithStatusJSON(401, gin.H{"error": "missing API key"})
			return
		}

		ok, err := repo.ValidateAPIKey(c.Request.Context(), apiKey)
		if err != nil || !ok {
			c.AbortWithStatusJSON(403, gin.H{"error": "forbidden"})
			return
		}

		ctx := service.WithOperator(c.Request.Context(), &service.OperatorInfo{
			UserID: constraints.SystemActor,
			Name:   constraints.SystemActor,
			Role:   service.RoleAdmin,
		})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireRole rejects operators whose role is not listed.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		op := service.GetOperatorInfo(c.Request.Context())
		if op == nil {
			c.AbortWithStatusJSON(401, gin.H{"error": "unauthenticated"})
			return
		}
		for _, r := range roles {
			if op.Role == r {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(403, gin.H{"error": "role not permitted"})
	}
}
