package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/convergio/convergio/pkg/models"
	"github.com/convergio/convergio/pkg/store"
)

// respondError maps domain errors to HTTP status codes. The error kind
// travels in the body so clients can branch on the stable code.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	default:
		switch models.KindOf(err) {
		case models.ErrValidation:
			status = http.StatusBadRequest
		case models.ErrUnknownAgent:
			status = http.StatusNotFound
		case models.ErrBudgetExceeded:
			status = http.StatusTooManyRequests
		case models.ErrSafetyBlocked:
			status = http.StatusForbidden
		case models.ErrProviderUnavailable:
			status = http.StatusServiceUnavailable
		case models.ErrTimeout:
			status = http.StatusGatewayTimeout
		}
	}
	if status == http.StatusInternalServerError {
		slog.Error("Unexpected handler error", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{
		"error": err.Error(),
		"kind":  string(models.KindOf(err)),
	})
}
