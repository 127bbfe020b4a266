package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"funding-arb/internal/ledger"
	"funding-arb/internal/monitor"
)

type eventLister interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, limit int) ([]monitor.Event, error)
}

// opsStatus 进程状态，供 /healthz 使用。
type opsStatus interface {
	Draining() bool
}

func newMonitorRouter(events eventLister, l *ledger.Ledger, status opsStatus, gatherer prometheus.Gatherer, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("运维接口请求",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	})

	r.GET("/healthz", func(c *gin.Context) {
		draining := status != nil && status.Draining()
		code := http.StatusOK
		if draining {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"status":      map[bool]string{true: "draining", false: "ok"}[draining],
			"open_trades": len(l.Open()),
		})
	})

	r.GET("/events", func(c *gin.Context) {
		limit := 200
		if qs := c.Query("limit"); qs != "" {
			if v, err := strconv.Atoi(qs); err == nil && v > 0 {
				if v > 1000 {
					v = 1000
				}
				limit = v
			}
		}
		eventType := monitor.EventType(strings.ToLower(strings.TrimSpace(c.Query("type"))))
		list, err := events.ListEvents(c.Request.Context(), eventType, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, list)
	})

	r.GET("/trades", func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("closed", "50"))
		c.JSON(http.StatusOK, gin.H{
			"open":   l.Open(),
			"closed": l.Closed(limit),
		})
	})

	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

func startMonitorServer(ctx context.Context, handler http.Handler, port int, logger *zap.Logger) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("关闭运维接口失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("运维接口异常", zap.Error(err))
		}
	}()

	logger.Info("运维接口已启动", zap.String("addr", addr))
	return nil
}
