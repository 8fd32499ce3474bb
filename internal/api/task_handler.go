package api

import (
	"context"
	"errors"
	"net/http"

	"expflow/internal/dto/req"
	"expflow/internal/dto/resp"
	"expflow/internal/lease"
	"expflow/internal/recordstore"
	"expflow/internal/service"
	"expflow/pkg/constraints"

	"github.com/gin-gonic/gin"
)

// TaskRunner runs scheduler jobs on demand for an external task runner.
type TaskRunner interface {
	RunOnce(ctx context.Context) []resp.TaskResp
	CheckPendingReview(ctx context.Context) (resp.TaskResp, error)
	CheckLiveToComplete(ctx context.Context) (resp.TaskResp, error)
	PushExperiment(ctx context.Context, slug string) error
}

// CollectionReviewer reads and changes a record store collection's review status.
type CollectionReviewer interface {
	ReviewState(ctx context.Context, app constraints.Application, fresh bool) (recordstore.Collection, error)
	Approve(ctx context.Context, app constraints.Application) error
	Reject(ctx context.Context, app constraints.Application, comment string) error
	Rollback(ctx context.Context, app constraints.Application) error
}

type TaskHandler struct {
	runner   TaskRunner
	reviewer CollectionReviewer
}

func NewTaskHandler(runner TaskRunner, reviewer CollectionReviewer) *TaskHandler {
	return &TaskHandler{runner: runner, reviewer: reviewer}
}

func (h *TaskHandler) job(fn func(ctx context.Context) (resp.TaskResp, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		res, err := fn(c.Request.Context())
		if err != nil {
			abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (h *TaskHandler) CheckPendingReview() gin.HandlerFunc {
	return h.job(h.runner.CheckPendingReview)
}

func (h *TaskHandler) CheckLiveToComplete() gin.HandlerFunc {
	return h.job(h.runner.CheckLiveToComplete)
}

func (h *TaskHandler) RunAll(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.RunOnce(c.Request.Context()))
}

func (h *TaskHandler) Push(c *gin.Context) {
	err := h.runner.PushExperiment(c.Request.Context(), c.Param("slug"))
	if errors.Is(err, lease.ErrLeaseHeld) {
		c.JSON(http.StatusAccepted, gin.H{"status": "in progress"})
		return
	}
	if errors.Is(err, service.ErrPushDeferred) {
		c.JSON(http.StatusAccepted, gin.H{"status": "deferred"})
		return
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *TaskHandler) bindCollection(c *gin.Context) (req.CollectionReviewReq, bool) {
	var r req.CollectionReviewReq
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return r, false
	}
	if !constraints.Application(r.Application).Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown application"})
		return r, false
	}
	return r, true
}

func (h *TaskHandler) ApproveCollection(c *gin.Context) {
	r, ok := h.bindCollection(c)
	if !ok {
		return
	}
	if err := h.reviewer.Approve(c.Request.Context(), constraints.Application(r.Application)); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": constraints.CollectionToSign})
}

func (h *TaskHandler) RejectCollection(c *gin.Context) {
	r, ok := h.bindCollection(c)
	if !ok {
		return
	}
	if r.Comment == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "comment is required"})
		return
	}
	if err := h.reviewer.Reject(c.Request.Context(), constraints.Application(r.Application), r.Comment); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": constraints.CollectionWorkInProgress})
}

func (h *TaskHandler) RollbackCollection(c *gin.Context) {
	r, ok := h.bindCollection(c)
	if !ok {
		return
	}
	if err := h.reviewer.Rollback(c.Request.Context(), constraints.Application(r.Application)); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": constraints.CollectionToRollback})
}

// ReviewState serves the cached review status of an application's
// collection. ?fresh=true reads through to the record store.
func (h *TaskHandler) ReviewState(c *gin.Context) {
	app := constraints.Application(c.Param("app"))
	if !app.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown application"})
		return
	}
	col, err := h.reviewer.ReviewState(c.Request.Context(), app, c.Query("fresh") == "true")
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, col)
}
