package middleware

import (
	"net/http"
	"strings"

	"xolo/internal/models"
	"xolo/services"

	"github.com/gin-gonic/gin"
)

const (
	ContextAdmin = "xolo.admin"
	ContextHost  = "xolo.host"

	// HostHeader 由CLI发送的本机主机名
	HostHeader = "X-Xolo-Host"
)

/**
 * Bearer token authentication
 * @param {*services.Authenticator} auth - Token verifier
 * @description
 * - Rejects requests without a valid admin token with 401
 * - Stores the admin name and the client host for change log entries
 */
func AuthMiddleware(auth *services.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Status: http.StatusUnauthorized,
				Error:  "missing bearer token",
			})
			return
		}
		claims, err := auth.ParseToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, models.ErrorResponse{
				Status: http.StatusUnauthorized,
				Error:  err.Error(),
			})
			return
		}
		c.Set(ContextAdmin, claims.Admin)
		host := c.GetHeader(HostHeader)
		if host == "" {
			host = c.ClientIP()
		}
		c.Set(ContextHost, host)
		c.Next()
	}
}

// Actor returns the authenticated admin of a request.
func Actor(c *gin.Context) services.Actor {
	return services.Actor{Admin: c.GetString(ContextAdmin), Host: c.GetString(ContextHost)}
}
