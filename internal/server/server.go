// Package server 提供健康检查、配额查询和指标的 HTTP 接口。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/iabetor/feedrelay/internal/gitter"
	"github.com/iabetor/feedrelay/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// TickSource 报告最近一次轮询时间，由 *relay.Relay 实现。
type TickSource interface {
	LastTick() time.Time
}

// RateLimitSource 报告当前配额快照，由 *gitter.Client 实现。
type RateLimitSource interface {
	RateLimit() *gitter.RateLimit
}

// Server HTTP 服务。
type Server struct {
	router  *chi.Mux
	addr    string
	ticks   TickSource
	limits  RateLimitSource
	started time.Time
}

// New 创建 HTTP 服务。metricsHandler 为 nil 时不挂载 /metrics。
func New(addr string, ticks TickSource, limits RateLimitSource, metricsHandler http.Handler) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		addr:    addr,
		ticks:   ticks,
		limits:  limits,
		started: time.Now(),
	}

	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLog)

	s.router.Get("/", s.handleRoot)
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ratelimit", s.handleRateLimit)
	if metricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", metricsHandler)
	}
	return s
}

// Handler 返回路由，测试用。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run 启动服务，ctx 取消后优雅关闭。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[server] 监听 %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("[server] 正在关闭")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type healthResponse struct {
	Status   string     `json:"status"`
	Uptime   string     `json:"uptime"`
	LastTick *time.Time `json:"last_tick,omitempty"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status: "ok",
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.ticks != nil {
		if t := s.ticks.LastTick(); !t.IsZero() {
			resp.LastTick = &t
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type rateLimitResponse struct {
	*gitter.RateLimit
	HasCapacity bool `json:"has_capacity"`
}

func (s *Server) handleRateLimit(w http.ResponseWriter, _ *http.Request) {
	if s.limits == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	rl := s.limits.RateLimit()
	if rl == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rateLimitResponse{RateLimit: rl, HasCapacity: rl.HasCapacity()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("[server] 写响应失败: %v", err)
	}
}

func requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debugf("[server] %s %s %d %v", r.Method, r.URL.Path, ww.Status(), time.Since(start))
	})
}
