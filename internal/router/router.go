package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"bridge-agent/internal/config"
	"bridge-agent/internal/handlers"
	"bridge-agent/internal/middleware"
)

// Handlers are the HTTP endpoints of one process. Root, Branch and Chains
// are nil when the process does not host that agent.
type Handlers struct {
	Health    *handlers.HealthHandler
	Auth      *handlers.AuthHandler
	AdminAuth *handlers.AdminAuthHandler
	Events    *handlers.EventHandler
	Root      *handlers.RootHandler
	Branch    *handlers.BranchHandler
	Chains    *handlers.ChainConfigHandler
}

// SetupRouter builds the gin engine.
func SetupRouter(cfg *config.Config, h Handlers, tokens *handlers.TokenIssuer, logger *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), middleware.Metrics(), middleware.CORS(cfg.CORS, logger))

	auth := middleware.NewAuthMiddleware(tokens, logger)
	if len(cfg.Admin.AllowedIPs) == 0 {
		logger.Info("No admin.allowedIPs configured, using localhost-only mode")
	}
	localhostOnly := middleware.NewLocalhostOnly(logger, cfg.Admin.AllowedIPs)

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	r.GET("/health", h.Health.HealthCheckHandler)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		api.GET("/auth/nonce", h.Auth.GetNonceHandler)
		api.POST("/auth/login", h.Auth.AuthenticateHandler)

		api.GET("/events", auth.RequireWallet(), h.Events.ListEventsHandler)
		api.GET("/ws", auth.RequireAuth(), h.Events.WebSocketHandler)
	}

	if h.Branch != nil {
		branch := api.Group("/branch")
		branch.GET("/status", h.Branch.StatusHandler)
		branch.GET("/deposits", h.Branch.ListDepositsHandler)
		branch.GET("/deposits/:nonce", h.Branch.GetDepositHandler)
		branch.GET("/executions/:nonce", h.Branch.ExecutionStateHandler)

		ops := branch.Group("", auth.RequireWallet())
		ops.POST("/call-outs", h.Branch.CallOutHandler)
		ops.POST("/deposits/:nonce/retry", h.Branch.RetryDepositHandler)
		ops.POST("/deposits/:nonce/retrieve", h.Branch.RetrieveDepositHandler)
		ops.POST("/deposits/:nonce/redeem", h.Branch.RedeemDepositHandler)
		ops.POST("/settlements/:nonce/retry", h.Branch.RetrySettlementHandler)
	}

	if h.Root != nil {
		root := api.Group("/root")
		root.GET("/status", h.Root.StatusHandler)
		root.GET("/settlements", h.Root.ListSettlementsHandler)
		root.GET("/settlements/:nonce", h.Root.GetSettlementHandler)
		root.GET("/branches", h.Root.ListBranchesHandler)
		root.GET("/accounts/:owner", h.Root.DelegatedAccountHandler)
		root.GET("/executions/:chain/:nonce", h.Root.ExecutionStateHandler)

		ops := root.Group("", auth.RequireWallet())
		ops.POST("/settlements/:nonce/retry", h.Root.RetrySettlementHandler)
		ops.POST("/settlements/:nonce/retrieve", h.Root.RetrieveSettlementHandler)
		ops.POST("/settlements/:nonce/redeem", h.Root.RedeemSettlementHandler)
	}

	admin := api.Group("/admin", localhostOnly.Restrict())
	{
		admin.POST("/login", h.AdminAuth.AdminLoginHandler)

		protected := admin.Group("", auth.RequireAdmin())
		protected.GET("/events", h.Events.ListEventsHandler)
		if h.Chains != nil {
			protected.POST("/branches/approve", h.Chains.ApproveBranchHandler)
			protected.POST("/branches/sync", h.Chains.SyncBranchHandler)
		}
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "API endpoint not found",
			"path":    c.Request.URL.Path,
			"code":    "NOT_FOUND",
		})
	})

	return r
}

func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		entry := logger.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"status": c.Writer.Status(),
			"ip":     c.ClientIP(),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("🌐 Request failed")
			return
		}
		entry.Debug("🌐 Request handled")
	}
}
