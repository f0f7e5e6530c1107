package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-engine/internal/config"
	"github.com/stemsi/exstem-engine/internal/handler"
	"github.com/stemsi/exstem-engine/internal/middleware"
	"github.com/stemsi/exstem-engine/internal/response"
	"github.com/stemsi/exstem-engine/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
	System  *handler.SystemHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// startLimiter throttles attempt creation per candidate; nil disables it.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	cfg *config.Config,
	startLimiter *middleware.RateLimiter,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	router.Use(middleware.Brotli())

	router.NoRoute(func(c *gin.Context) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	})

	// ─── 0. Probes ─────────────────────────────────────────────────────
	router.GET("/health", handlers.System.Health)
	router.GET("/ready", handlers.System.Ready)
	router.GET("/internal/metrics", middleware.NoStore(), handlers.System.Metrics)

	// ─── 1. Candidate Group (JWT) ──────────────────────────────────────
	candidate := router.Group("/api/v1/candidate")
	candidate.Use(
		middleware.RequireCandidateJWT(authService),
		middleware.NoStore(),
	)
	{
		start := []gin.HandlerFunc{middleware.RequireExamAccess()}
		if startLimiter != nil {
			start = append(start, startLimiter.Middleware())
		}
		start = append(start, handlers.Attempt.StartAttempt)
		candidate.POST("/exams/:exam_id/attempts", start...)

		// The result is read from the submission record, not the live attempt.
		candidate.GET("/attempts/:attempt_id/result", handlers.Attempt.GetResult)

		attempts := candidate.Group("/attempts/:attempt_id")
		attempts.Use(handlers.Attempt.LoadAttempt())
		{
			attempts.GET("/state", handlers.Attempt.GetState)
			attempts.GET("/palette", handlers.Attempt.GetPalette)
			attempts.GET("/review", handlers.Attempt.GetReview)
			attempts.GET("/questions/:index", handlers.Attempt.GetQuestion)
			attempts.POST("/submit", handlers.Attempt.Submit)
		}
	}

	// ─── 2. WebSocket Group (JWT via header or ?token=) ────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireCandidateJWT(authService))
	{
		ws.GET("/candidate/attempts/:attempt_id/stream",
			handlers.Attempt.LoadAttempt(),
			handlers.WS.AttemptStream,
		)
	}

	return router
}
