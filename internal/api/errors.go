package api

import (
	"errors"
	"net/http"

	"expflow/internal/bucket"
	"expflow/internal/lifecycle"
	"expflow/internal/recordstore"
	"expflow/internal/service"
	"expflow/internal/targeting"
	"expflow/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrExperimentNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrInvalidExperiment),
		errors.Is(err, targeting.ErrInvalidExpression),
		errors.Is(err, bucket.ErrInvalidPercent):
		return http.StatusBadRequest
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, service.ErrSlugTaken),
		errors.Is(err, service.ErrNotEditable),
		errors.Is(err, bucket.ErrAllocationConflict),
		errors.Is(err, bucket.ErrAlreadyAllocated),
		errors.Is(err, bucket.ErrCannotGrow),
		errors.Is(err, service.ErrPushDeferred):
		return http.StatusConflict
	case errors.Is(err, recordstore.ErrTransient),
		errors.Is(err, service.ErrMysqlUnhealthy),
		errors.Is(err, service.ErrRecordStoreUnhealthy):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("trace_id", service.GetTraceID(c.Request.Context())),
			zap.Error(err))
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}
	c.JSON(code, gin.H{"error": err.Error()})
}
