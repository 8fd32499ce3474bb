package api

import (
	"context"
	"net/http"

	"expflow/internal/dto/req"
	"expflow/internal/dto/resp"

	"github.com/gin-gonic/gin"
)

type ExperimentProvider interface {
	Create(ctx context.Context, r req.CreateExperimentReq) (*resp.ExperimentDetail, error)
	Update(ctx context.Context, slug string, r req.UpdateExperimentReq) (*resp.ExperimentDetail, error)
	Get(ctx context.Context, slug string) (*resp.ExperimentDetail, error)
	List(ctx context.Context, r req.ListExperimentsReq) (*resp.ListExperimentsResp, error)
	History(ctx context.Context, slug string) ([]resp.ChangeLogItem, error)
	Transition(ctx context.Context, slug string, r req.TransitionReq) (*resp.ExperimentDetail, error)
	Approve(ctx context.Context, slug, message string) (*resp.ExperimentDetail, error)
	Reject(ctx context.Context, slug, comment string) (*resp.ExperimentDetail, error)
	Withdraw(ctx context.Context, slug, message string) (*resp.ExperimentDetail, error)
	RetryPublish(ctx context.Context, slug, message string) (*resp.ExperimentDetail, error)
	RollbackPublish(ctx context.Context, slug, message string) (*resp.ExperimentDetail, error)
	Archive(ctx context.Context, slug string) (*resp.ExperimentDetail, error)
	Unarchive(ctx context.Context, slug string) (*resp.ExperimentDetail, error)
	ReallocateBucket(ctx context.Context, slug string) (*resp.ExperimentDetail, error)
	Health(ctx context.Context) error
}

type ExperimentHandler struct {
	service ExperimentProvider
}

func NewExperimentHandler(service ExperimentProvider) *ExperimentHandler {
	return &ExperimentHandler{service: service}
}

func (h *ExperimentHandler) CreateExperiment(c *gin.Context) {
	var r req.CreateExperimentReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.service.Create(c.Request.Context(), r)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *ExperimentHandler) UpdateExperiment(c *gin.Context) {
	var r req.UpdateExperimentReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.service.Update(c.Request.Context(), c.Param("slug"), r)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *ExperimentHandler) GetExperiment(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *ExperimentHandler) ListExperiments(c *gin.Context) {
	var r req.ListExperimentsReq
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	list, err := h.service.List(c.Request.Context(), r)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *ExperimentHandler) GetHistory(c *gin.Context) {
	items, err := h.service.History(c.Request.Context(), c.Param("slug"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

func (h *ExperimentHandler) Transition(c *gin.Context) {
	var r req.TransitionReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.service.Transition(c.Request.Context(), c.Param("slug"), r)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *ExperimentHandler) Reject(c *gin.Context) {
	var r req.RejectReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.service.Reject(c.Request.Context(), c.Param("slug"), r.Comment)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// withMessage adapts a review action that takes an optional message.
func (h *ExperimentHandler) withMessage(fn func(ctx context.Context, slug, message string) (*resp.ExperimentDetail, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var r req.ActionReq
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&r); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		d, err := fn(c.Request.Context(), c.Param("slug"), r.Message)
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func (h *ExperimentHandler) bySlug(fn func(ctx context.Context, slug string) (*resp.ExperimentDetail, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, err := fn(c.Request.Context(), c.Param("slug"))
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, d)
	}
}

func (h *ExperimentHandler) Approve() gin.HandlerFunc {
	return h.withMessage(h.service.Approve)
}

func (h *ExperimentHandler) Withdraw() gin.HandlerFunc {
	return h.withMessage(h.service.Withdraw)
}

func (h *ExperimentHandler) RetryPublish() gin.HandlerFunc {
	return h.withMessage(h.service.RetryPublish)
}

func (h *ExperimentHandler) Rollback() gin.HandlerFunc {
	return h.withMessage(h.service.RollbackPublish)
}

func (h *ExperimentHandler) Archive() gin.HandlerFunc {
	return h.bySlug(h.service.Archive)
}

func (h *ExperimentHandler) Unarchive() gin.HandlerFunc {
	return h.bySlug(h.service.Unarchive)
}

func (h *ExperimentHandler) Reallocate() gin.HandlerFunc {
	return h.bySlug(h.service.ReallocateBucket)
}

func (h *ExperimentHandler) HealthCheck(c *gin.Context) {
	if err := h.service.Health(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
