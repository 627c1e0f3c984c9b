package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"gravity-claw/internal/agent"
	"gravity-claw/internal/auth"
	"gravity-claw/internal/config"
	"gravity-claw/internal/observability/metrics"
	"gravity-claw/internal/pipeline"
	"gravity-claw/internal/push"
	"gravity-claw/pkg/logger"
)

// ChatService 是 HTTP 层依赖的对话能力，agent.Loop 实现了它。
type ChatService interface {
	Run(ctx context.Context, sessionID, text string, media []agent.Media) (string, error)
	Compact(ctx context.Context, sessionID string) (string, error)
	Reset(ctx context.Context, sessionID string) (bool, error)
	Runtime() *agent.RuntimeConfig
}

// Dependencies 汇总服务端使用的组件，未配置的组件对应的路由返回 503。
type Dependencies struct {
	Chat           ChatService
	Pipeline       *pipeline.Engine
	Intake         pipeline.Producer
	Hub            *push.Hub
	Auth           *auth.Service
	Logs           *logger.RingBuffer
	Setup          []config.MissingKey
	Integrations   []string
	AssetDir       string
	PublicDir      string
	DefaultSession string
	ShutdownWait   time.Duration
}

// Server 负责暴露 REST 与 websocket 接口。
type Server struct {
	addr    string
	deps    Dependencies
	started time.Time
	log     *slog.Logger
	handler http.Handler

	background sync.WaitGroup
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies) *Server {
	if deps.DefaultSession == "" {
		deps.DefaultSession = "web"
	}
	if deps.ShutdownWait <= 0 {
		deps.ShutdownWait = 5 * time.Second
	}
	s := &Server{addr: addr, deps: deps, started: time.Now(), log: logger.Named("api")}
	s.handler = s.routes()
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler { return s.handler }

// Wait 等待后台 webhook 处理结束。
func (s *Server) Wait() { s.background.Wait() }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	operate := s.deps.Auth.Require(auth.PermPipelineOperate)
	writeRuntime := s.deps.Auth.Require(auth.PermRuntimeWrite)

	s.handle(mux, "GET /health", "health", http.HandlerFunc(s.handleHealth))
	mux.Handle("GET /metrics", metrics.Handler())
	if s.deps.Hub != nil {
		mux.Handle("GET /ws", s.deps.Hub.ServeWS())
	}

	s.handle(mux, "GET /api/dashboard/status", "dashboard_status", http.HandlerFunc(s.handleStatus))
	s.handle(mux, "GET /api/dashboard/logs", "dashboard_logs", http.HandlerFunc(s.handleLogs))
	s.handle(mux, "GET /api/dashboard/setup", "dashboard_setup", http.HandlerFunc(s.handleSetup))

	s.handle(mux, "GET /api/runtime", "runtime_get", http.HandlerFunc(s.handleGetRuntime))
	s.handle(mux, "PUT /api/runtime", "runtime_put", writeRuntime(http.HandlerFunc(s.handlePutRuntime)))

	s.handle(mux, "POST /api/chat", "chat", http.HandlerFunc(s.handleChat))
	s.handle(mux, "POST /api/chat/{sessionId}/compact", "chat_compact", http.HandlerFunc(s.handleCompact))
	s.handle(mux, "DELETE /api/chat/{sessionId}", "chat_reset", http.HandlerFunc(s.handleReset))

	s.handle(mux, "POST /webhook", "webhook", http.HandlerFunc(s.handleWebhook))
	s.handle(mux, "POST /webhook/lead", "webhook_lead", http.HandlerFunc(s.handleLeadWebhook))

	s.handle(mux, "GET /api/pipeline", "pipeline_list", http.HandlerFunc(s.handleListPipelines))
	s.handle(mux, "GET /api/pipeline/{leadId}", "pipeline_get", http.HandlerFunc(s.handleGetPipeline))
	s.handle(mux, "POST /api/pipeline/{leadId}/resume", "pipeline_resume", operate(http.HandlerFunc(s.handleResume)))
	s.handle(mux, "POST /api/pipeline/{leadId}/execute", "pipeline_execute", operate(http.HandlerFunc(s.handleExecute)))

	if s.deps.AssetDir != "" {
		mux.Handle("GET /assets/willow/", http.StripPrefix("/assets/willow/", http.FileServer(http.Dir(s.deps.AssetDir))))
	}
	if s.deps.PublicDir != "" {
		mux.Handle("GET /", http.FileServer(http.Dir(s.deps.PublicDir)))
	}
	return mux
}

// handle 注册路由并记录请求指标。
func (s *Server) handle(mux *http.ServeMux, pattern, name string, h http.Handler) {
	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	}))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.deps.ShutdownWait)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		s.background.Wait()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
