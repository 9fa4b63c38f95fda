package httpserver

import (
	"context"
	"net/http"
	"time"

	"eventnotify/pkg/otel"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck 一个就绪检查（DB ping、MQ 连接、RPC 服务状态）
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

// NewRouter 健康检查和指标路由，/readyz 按顺序执行所有检查
func NewRouter(logger *zap.Logger, checks ...ReadinessCheck) *Router {
	r := gin.Default()
	r.Use(otel.GinMiddleware())

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c, 1*time.Second)
		defer cancel()

		for _, rc := range checks {
			if err := rc.Check(ctx); err != nil {
				logger.Warn("Readiness check failed", zap.String("check", rc.Name), zap.Error(err))
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": rc.Name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Router{Engine: r}
}

// Server 用 addr 包装成 http.Server，供 main 优雅关闭
func (r *Router) Server(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
