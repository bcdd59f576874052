package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"pluginhost/pkg/models"
	"pluginhost/pkg/protocol"
)

// respondError sends a structured JSON error response
func respondError(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{
		"error": gin.H{
			"message": message,
			"status":  code,
		},
	})
	c.Abort()
}

// respondServiceError maps a plugin host error onto an HTTP status.
func respondServiceError(c *gin.Context, err error) {
	respondError(c, statusFor(err), err.Error())
}

func statusFor(err error) int {
	var remote *protocol.RemoteError
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrPluginDisabled):
		return http.StatusConflict
	case errors.Is(err, models.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrRPCTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrRPCTransport):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrCapabilityUnavailable), errors.Is(err, models.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	case errors.As(err, &remote):
		// The plugin answered but rejected the request.
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
