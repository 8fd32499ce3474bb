package api

import (
	"expflow/internal/metrics"
	"expflow/internal/middleware"
	"expflow/internal/repository"
	"expflow/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

type Handlers struct {
	Experiment *ExperimentHandler
	Stream     *StreamHandler
	Auth       *AuthHandler
	Task       *TaskHandler
}

type RouterConfig struct {
	AllowedOrigins    []string
	RequestsPerSecond int
	DevMode           bool
}

func RegisterRoutes(h Handlers, tokens middleware.TokenParser, clients repository.ServiceClientRepository, rdb redis.Scripter, cfg RouterConfig) *gin.Engine {
	r := gin.New()

	// Global Middleware
	r.Use(
		middleware.CorsMiddleware(cfg.AllowedOrigins),
		middleware.TraceMiddleware(),
		middleware.GinZapLogger(),
		middleware.GinZapRecovery(),
		middleware.HttpMiddleware(),
	)
	r.SetTrustedProxies(nil)

	// Public Routes
	r.GET("/health", h.Experiment.HealthCheck)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	// Auth Routes (Public)
	auth := r.Group("/v1/auth")
	{
		auth.POST("/login", h.Auth.Login)
		auth.POST("/refresh", h.Auth.Refresh)
	}

	jwt := middleware.JWTMiddleware(tokens, cfg.DevMode)

	// Auth Routes (Protected)
	authProtected := r.Group("/v1/auth")
	authProtected.Use(jwt)
	{
		authProtected.GET("/me", h.Auth.GetProfile)
		authProtected.POST("/logout", h.Auth.Logout)
	}

	// Task Routes (Protected by service key)
	tasks := r.Group("/v1/tasks")
	tasks.Use(middleware.ServiceAuthMiddleware(clients))
	{
		tasks.POST("/run", h.Task.RunAll)
		tasks.POST("/check-pending-review", h.Task.CheckPendingReview())
		tasks.POST("/check-live-to-complete", h.Task.CheckLiveToComplete())
		tasks.POST("/push/:slug", h.Task.Push)
	}

	admin := r.Group("/v1/admin")
	admin.Use(jwt)
	{
		admin.GET("/stream", h.Stream.Watch)

		reviewers := admin.Group("/collections", middleware.RequireRole(service.RoleAdmin, service.RoleReviewer))
		reviewers.POST("/approve", h.Task.ApproveCollection)
		reviewers.POST("/reject", h.Task.RejectCollection)
		reviewers.POST("/rollback", h.Task.RollbackCollection)
	}

	// Protected Routes (Control Plane)
	protected := r.Group("/v1")
	protected.Use(jwt)

	// Rate Limiter for Write Operations
	writeLimiter := middleware.RateLimitMiddleware(rdb, cfg.RequestsPerSecond)

	{
		protected.GET("/experiments", h.Experiment.ListExperiments)
		protected.POST("/experiments", writeLimiter, h.Experiment.CreateExperiment)
		protected.GET("/experiments/:slug", h.Experiment.GetExperiment)
		protected.PATCH("/experiments/:slug", writeLimiter, h.Experiment.UpdateExperiment)
		protected.GET("/experiments/:slug/history", h.Experiment.GetHistory)
		protected.GET("/applications/:app/review", h.Task.ReviewState)

		protected.POST("/experiments/:slug/transition", writeLimiter, h.Experiment.Transition)
		protected.POST("/experiments/:slug/approve", writeLimiter, h.Experiment.Approve())
		protected.POST("/experiments/:slug/reject", writeLimiter, h.Experiment.Reject)
		protected.POST("/experiments/:slug/withdraw", writeLimiter, h.Experiment.Withdraw())
		protected.POST("/experiments/:slug/retry", writeLimiter, h.Experiment.RetryPublish())
		protected.POST("/experiments/:slug/rollback", writeLimiter, h.Experiment.Rollback())
		protected.POST("/experiments/:slug/archive", writeLimiter, h.Experiment.Archive())
		protected.POST("/experiments/:slug/unarchive", writeLimiter, h.Experiment.Unarchive())
		protected.POST("/experiments/:slug/reallocate", writeLimiter, h.Experiment.Reallocate())
	}
	return r
}
