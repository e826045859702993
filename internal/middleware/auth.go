package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"donation-api/internal/models"
	"donation-api/internal/response"
	"donation-api/internal/services"
	"donation-api/pkg/logging"

	"github.com/gin-gonic/gin"
)

const (
	ContextClientID    = "client_id"
	ContextRequestTime = "request_time"
)

// ClientValidator checks app client credentials
type ClientValidator interface {
	ValidateClient(ctx context.Context, clientID, apiKey string) (*models.AppClient, error)
}

// ClientAuthMiddleware requires X-Client-ID and X-API-Key of a registered app client
func ClientAuthMiddleware(clients ClientValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		clientID := c.GetHeader("X-Client-ID")
		apiKey := c.GetHeader("X-API-Key")

		if clientID == "" || apiKey == "" {
			response.AbortWithError(c, http.StatusUnauthorized, "Missing X-Client-ID or X-API-Key")
			return
		}

		client, err := clients.ValidateClient(c.Request.Context(), clientID, apiKey)
		if err != nil {
			if !errors.Is(err, services.ErrClientNotFound) {
				logging.Errorf("Client validation failed for %s: %v", clientID, err)
				response.AbortWithError(c, http.StatusServiceUnavailable, "Client validation unavailable")
				return
			}
			response.AbortWithError(c, http.StatusUnauthorized, "Invalid client id or API key")
			return
		}

		c.Set(ContextClientID, client.ClientID)
		c.Set(ContextRequestTime, time.Now())
		c.Next()
	}
}

// RequestLogger logs one line per request through the service logger
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logging.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}
		if id, ok := c.Get(ContextClientID); ok {
			fields["client_id"] = id
		}
		entry := logging.WithFields(fields)
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warnf("Request completed with server error")
			return
		}
		entry.Debugf("Request completed")
	}
}
