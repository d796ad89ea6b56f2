package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bez-service/settlement_service/internal/api/handlers"
	"github.com/bez-service/settlement_service/internal/api/middleware"
	"github.com/bez-service/settlement_service/internal/infrastructure/di"
	"github.com/bez-service/settlement_service/pkg/auth"
	"github.com/bez-service/settlement_service/pkg/tracing"
)

const version = "1.0.0"

// SetupRoutes configures all application routes
func SetupRoutes(container *di.Container) *gin.Engine {
	cfg := container.Config
	log := container.Logger
	zapLog := log.Zap()

	router := gin.New()

	// Global middleware, tracing first so every later handler is inside the span
	router.Use(tracing.HTTPMiddleware())
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestSizeLimit())
	router.Use(middleware.Logger(log))
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	router.Use(middleware.SecurityHeaders())

	limiter := middleware.NewIPRateLimiter(cfg.Server.RateLimitPerMin, 0)
	container.OnClose("rate_limiter", func() error {
		limiter.Stop()
		return nil
	})
	rateLimit := limiter.Limit()
	if container.RateLimiter != nil {
		rateLimit = middleware.SharedRateLimit(container.RateLimiter, log)
	}

	healthHandler := handlers.NewHealthHandler(zapLog, version,
		handlers.DependencyCheck{Name: "database", Pinger: container.PaymentRepo, Critical: true},
		handlers.DependencyCheck{Name: "redis", Pinger: handlers.PingFunc(container.PingRedis)},
	)
	priceHandlers := handlers.NewPriceHandlers(container.Oracle, zapLog)
	settlementHandlers := handlers.NewSettlementHandlers(container.Engine, container.Dispatcher, container.TokenDecimals, zapLog)

	router.GET("/health", healthHandler.Readiness)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/prices/:pair", rateLimit, priceHandlers.GetPrice)

		payments := v1.Group("/payments")
		payments.Use(middleware.RequireRole(container.AdminJWTSecret, cfg.Admin.Issuer, log, auth.RoleIntake, auth.RoleAdmin))
		payments.Use(rateLimit)
		{
			payments.POST("/confirmations", settlementHandlers.ConfirmPayment)
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(container.AdminJWTSecret, cfg.Admin.Issuer, log))
		{
			admin.GET("/settlements/dead-letters", settlementHandlers.ListDeadLetters)
			admin.GET("/settlements/:id", settlementHandlers.GetSettlement)
			admin.POST("/settlements/:id/retry", settlementHandlers.RetrySettlement)
			admin.GET("/wallet", settlementHandlers.GetWalletState)
		}
	}

	return router
}
