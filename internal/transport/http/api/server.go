package apihttp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"arena/internal/logger"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// Server 提供 /api 控制面、事件流以及 /healthz、/metrics。
type Server struct {
	addr   string
	router *gin.Engine
	api    *Router
}

// ServerConfig 描述 HTTP 服务依赖。
type ServerConfig struct {
	Addr string
	Deps Deps
	// RatePerSecond<=0 时不限流。
	RatePerSecond float64
	Burst         int
	Metrics       http.Handler
}

// NewServer 构建 gin 路由。
func NewServer(cfg ServerConfig) (*Server, error) {
	if err := cfg.Deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics))
	}

	group := router.Group("/api")
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RatePerSecond) + 1
		}
		group.Use(rateLimit(rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)))
	}
	api := NewRouter(cfg.Deps)
	api.Register(group)

	return &Server{addr: cfg.Addr, router: router, api: api}, nil
}

// Handler 暴露底层 http.Handler，测试用。
func (s *Server) Handler() http.Handler { return s.router }

// rateLimit 对 /api 做全局令牌桶限流；事件流连接只在握手时计一次。
func rateLimit(lim *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !lim.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			path += "?" + q
		}
		c.Next()
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", c.Request.Method, path, c.Writer.Status(), c.ClientIP(), time.Since(start))
	}
}

// Addr 返回监听地址。
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Start 启动 HTTP 服务，直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	// 被 hijack 的 websocket 连接不受 Shutdown 管理，需要单独通知
	srv.RegisterOnShutdown(s.api.shutdown)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("HTTP API listening on %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
