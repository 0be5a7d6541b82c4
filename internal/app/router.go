package app

import (
	"opencourse_backend/internal/config"
	"opencourse_backend/internal/middleware"
	"opencourse_backend/internal/model"
	"opencourse_backend/pkg/monitoring"
	"opencourse_backend/pkg/security"
	"time"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	a.registerPublicRoutes(router, c, cfg)

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg))
	{
		a.registerStudentRoutes(authGroup, c)
	}

	// 3. 管理员相关接口
	a.registerAdminRoutes(router, c, cfg)
}

func (a *App) registerPublicRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
		public.POST("/register", c.auth.Register)
		public.POST("/login", c.auth.Login)

		// 证书验证对外公开，按 IP 单独限流
		verify := public.Group("/certificates/verify")
		verify.Use(security.RateLimiterWithBody(cfg.RateLimit.VerifyMaxRequests, time.Minute, gin.H{
			"success": false,
			"message": "Too many verification requests",
		}))
		{
			verify.POST("", c.certificate.Verify)
			verify.GET("/:id", c.certificate.VerifyByID)
		}
	}
}

func (a *App) registerStudentRoutes(rg *gin.RouterGroup, c *controllers) {
	rg.GET("/profile", c.auth.GetProfile)

	// 选课与进度
	rg.POST("/courses/:id/enroll", c.enrollment.Enroll)
	rg.GET("/enrollments", c.enrollment.ListMine)
	rg.GET("/enrollments/:id", c.enrollment.Get)
	rg.POST("/enrollments/:id/lessons/:lessonId/complete", c.enrollment.CompleteLesson)
	rg.POST("/enrollments/:id/drop", c.enrollment.Drop)

	// 测验
	rg.POST("/quizzes/:id/submit", c.quiz.Submit)
	rg.POST("/quizzes/:id/sessions", c.quiz.StartSession)
	rg.GET("/quizzes/:id/attempts", c.quiz.ListAttempts)
	rg.GET("/quiz-sessions/:sid", c.quiz.GetSession)
	rg.PUT("/quiz-sessions/:sid/answers", c.quiz.Answer)
	rg.POST("/quiz-sessions/:sid/submit", c.quiz.SubmitSession)
}

func (a *App) registerAdminRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	admin := router.Group("/api/admin")
	admin.Use(middleware.AuthMiddleware(cfg))
	{
		// 讲师可以结课和颁证，其余操作仅限管理员
		staff := admin.Group("/")
		staff.Use(middleware.RoleMiddleware(model.Instructor))
		{
			staff.POST("/enrollments/:id/complete", c.enrollment.Complete)
			staff.POST("/certificates", c.certificate.Issue)
			staff.GET("/certificates", c.certificate.List)
			staff.GET("/certificates/:id", c.certificate.Get)
		}

		adminOnly := admin.Group("/")
		adminOnly.Use(middleware.RoleMiddleware(model.Admin))
		{
			adminOnly.POST("/enrollments/:id/reopen", c.enrollment.Reopen)
			adminOnly.POST("/certificates/bulk", c.certificate.BulkIssue)
			adminOnly.POST("/certificates/import", c.certificate.Import)
			adminOnly.POST("/certificates/:id/revoke", c.certificate.Revoke)
			adminOnly.GET("/certificate-batches/:id", c.certificate.GetBatch)
			adminOnly.POST("/reconcile", c.certificate.Reconcile)
		}
	}
}
