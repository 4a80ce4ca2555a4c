package handler

import (
	"net/http"

	"servicemarket/internal/config"
	"servicemarket/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StaticDir 本地存储时对外暴露的图片目录，远程存储时为空
type StaticDir struct {
	URLPath string
	Dir     string
}

// SetupRouter 配置路由
func SetupRouter(h *Handler, auth *Authenticator, static *StaticDir, cfg *config.Config) *gin.Engine {
	if cfg.Server.Mode == gin.DebugMode {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(RecoveryMiddleware())
	r.Use(LoggerMiddleware())
	r.Use(CORSMiddleware())
	r.Use(metrics.PrometheusMiddleware())
	r.Use(TimeoutMiddleware(cfg.Server.RequestTimeout()))

	required := auth.Middleware(true)
	optional := auth.Middleware(false)

	services := r.Group("/services")
	{
		services.GET("", h.ListServices)
		services.GET("/mine", required, h.MyServices)
		services.GET("/:id", h.GetService)
		services.POST("", required, h.CreateService)
		services.PATCH("/:id", required, h.UpdateService)
		services.DELETE("/:id", required, h.DeleteService)
	}

	payments := r.Group("/payments", required)
	{
		payments.POST("/card", h.CreateCardCheckout)
		payments.GET("/card", h.ConfirmCardCheckout)
		payments.POST("/wallet", h.CreateWalletCheckout)
		payments.GET("/wallet", h.CaptureWalletCheckout)
	}

	transactions := r.Group("/transactions", required)
	{
		transactions.GET("", h.ListTransactions)
		transactions.GET("/:id", h.GetTransaction)
		transactions.POST("/:id/cancel", h.CancelTransaction)
	}

	admin := r.Group("/admin", required, AdminOnly(cfg.Auth.AdminRole))
	{
		admin.GET("/commissions", h.CommissionTotals)
	}

	if static != nil && static.Dir != "" {
		r.Static(static.URLPath, static.Dir)
	}

	r.GET("/diagnostics", optional, h.Diagnostics)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
