package routes

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/custodial/settlement_service/docs"
	"github.com/custodial/settlement_service/internal/api/middleware"
	"github.com/custodial/settlement_service/internal/infrastructure/di"
	"github.com/custodial/settlement_service/pkg/idempotency"
)

const serviceName = "settlement-service"

// SetupRoutes configures all application routes
func SetupRoutes(container *di.Container) *gin.Engine {
	router := gin.New()

	// Global middleware - order matters
	router.Use(middleware.RequestID())
	router.Use(middleware.Tracing(serviceName))
	router.Use(middleware.Metrics())
	router.Use(middleware.RequestSizeLimit())
	router.Use(middleware.Logger(container.Logger))
	router.Use(middleware.Recovery(container.Logger))
	router.Use(middleware.CORS(container.Config.Server.AllowedOrigins))
	router.Use(middleware.RateLimit(container.Config.Server.RateLimitPerMin))
	router.Use(middleware.SecurityHeaders())

	// Health checks (no auth required)
	router.GET("/health", container.HealthHandler.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Swagger documentation (development only)
	if container.Config.Environment != "production" {
		router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// a nil *Revocations must not reach the interface
	var revocations middleware.RevocationChecker
	if container.Revocations != nil {
		revocations = container.Revocations
	}
	authenticate := middleware.Authentication(
		container.Config.JWT.Secret,
		container.Config.JWT.Issuer,
		revocations,
		container.Logger,
	)

	withdrawalIdempotency := idempotency.Middleware(container.IdempotencyRepo, func(c *gin.Context) string {
		if userID, ok := c.Get(middleware.ContextUserID); ok {
			return fmt.Sprintf("user:%v", userID)
		}
		return ""
	}, container.ZapLog)

	v1 := router.Group("/api/v1")
	{
		// Provider callbacks authenticate by signature, not JWT
		webhooks := v1.Group("/webhooks")
		{
			webhooks.POST("/chain-deposit", container.DepositHandlers.ChainDepositWebhook)
		}

		protected := v1.Group("")
		protected.Use(authenticate)
		{
			protected.GET("/balances", container.BalanceHandlers.ListBalances)

			protected.POST("/deposit-address", container.CallerLimiter.Limit(), container.DepositHandlers.AssignDepositAddress)
			protected.GET("/deposit-address", container.DepositHandlers.GetDepositAddress)

			withdrawals := protected.Group("/withdrawals")
			{
				withdrawals.POST("", container.CallerLimiter.Limit(), withdrawalIdempotency, container.WithdrawalHandlers.CreateWithdrawal)
				withdrawals.GET("", container.WithdrawalHandlers.ListWithdrawals)
				withdrawals.GET("/quote", container.WithdrawalHandlers.QuoteWithdrawal)
				withdrawals.GET("/:id", container.WithdrawalHandlers.GetWithdrawal)
			}
		}

		admin := v1.Group("/admin")
		admin.Use(authenticate, middleware.AdminAuth())
		{
			withdrawals := admin.Group("/withdrawals")
			{
				withdrawals.GET("", container.WithdrawalHandlers.AdminListWithdrawals)
				withdrawals.GET("/:id", container.WithdrawalHandlers.AdminGetWithdrawal)
				withdrawals.POST("/:id/approve", container.WithdrawalHandlers.ApproveWithdrawal)
				withdrawals.POST("/:id/reject", container.WithdrawalHandlers.RejectWithdrawal)
				withdrawals.POST("/:id/retry", container.WithdrawalHandlers.RetryWithdrawal)
			}

			collections := admin.Group("/collections")
			{
				collections.POST("", container.CollectionHandlers.StartCollection)
				collections.GET("/preview", container.CollectionHandlers.PreviewCollection)
				collections.GET("/progress", container.CollectionHandlers.CollectionProgress)
				collections.GET("/history", container.CollectionHandlers.CollectionHistory)
			}

			deposits := admin.Group("/deposits")
			{
				deposits.GET("/jobs/parked", container.DepositHandlers.ListParkedJobs)
				deposits.POST("/jobs/:id/requeue", container.DepositHandlers.RequeueJob)
				deposits.GET("/metrics", container.DepositHandlers.QueueMetrics)
			}
		}
	}

	return router
}
