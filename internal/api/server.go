package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"AgentIntent-Chain/internal/audit"
	"AgentIntent-Chain/internal/identity"
	"AgentIntent-Chain/internal/intent"
	"AgentIntent-Chain/internal/observability/metrics"
	"AgentIntent-Chain/internal/policy"
	"AgentIntent-Chain/internal/relayer"
	"AgentIntent-Chain/internal/web3/provider"
	"AgentIntent-Chain/pkg/logger"
)

// Services 汇总 API 需要访问的组件。
type Services struct {
	Identity *identity.Registry
	Policy   *policy.Engine
	Intents  *intent.Engine
	Relayers *relayer.Directory
	Audit    *audit.Recorder
	Pipeline *audit.Pipeline
	Domains  *provider.Registry
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr string
	svc  Services
	mux  *http.ServeMux
	log  *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Services) *Server {
	s := &Server{addr: addr, svc: svc, mux: http.NewServeMux(), log: logger.Named("api")}
	s.routes()
	return s
}

// Handler 返回路由，便于测试与嵌入。
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.handle("POST /api/v1/agents", "register_agent", s.handleRegisterAgent)
	s.handle("GET /api/v1/agents/{id}", "get_agent", s.handleGetAgent)
	s.handle("PUT /api/v1/agents/{id}/policy", "update_policy", s.handleUpdatePolicy)
	s.handle("PUT /api/v1/agents/{id}/metadata", "update_metadata", s.handleUpdateMetadata)
	s.handle("POST /api/v1/agents/{id}/deactivate", "deactivate_agent", s.handleAgentToggle(false))
	s.handle("POST /api/v1/agents/{id}/reactivate", "reactivate_agent", s.handleAgentToggle(true))
	s.handle("POST /api/v1/agents/{id}/pause", "pause_agent", s.handleAgentPause(true))
	s.handle("POST /api/v1/agents/{id}/unpause", "unpause_agent", s.handleAgentPause(false))
	s.handle("GET /api/v1/agents/{id}/nonce", "get_nonce", s.handleGetNonce)
	s.handle("GET /api/v1/agents/{id}/window", "window_state", s.handleWindowState)

	s.handle("GET /api/v1/policy", "policy_state", s.handlePolicyState)
	s.handle("POST /api/v1/policy/pause", "pause", s.handleGlobalPause(true))
	s.handle("POST /api/v1/policy/unpause", "unpause", s.handleGlobalPause(false))
	s.handle("POST /api/v1/policy/reset", "reset_breaker", s.handleResetBreaker)

	s.handle("POST /api/v1/intents", "emit", s.handleEmit)
	s.handle("GET /api/v1/intents", "list_intents", s.handleListIntents)
	s.handle("GET /api/v1/intents/{id}", "get_intent", s.handleGetIntent)
	s.handle("POST /api/v1/intents/{id}/submit", "submit", s.handleSubmit)
	s.handle("POST /api/v1/intents/{id}/execute", "execute", s.handleExecute)
	s.handle("POST /api/v1/intents/{id}/dispute", "dispute", s.handleDispute)

	s.handle("POST /api/v1/relayers", "register_relayer", s.handleRegisterRelayer)
	s.handle("DELETE /api/v1/relayers", "unregister_relayer", s.handleUnregisterRelayer)
	s.handle("GET /api/v1/relayers", "list_relayers", s.handleListRelayers)
	s.handle("GET /api/v1/relayers/select", "select_relayer", s.handleSelectRelayer)
	s.handle("GET /api/v1/relayers/{address}", "get_relayer", s.handleGetRelayer)

	s.handle("GET /api/v1/audit/{agentId}", "audit_trail", s.handleAuditTrail)
	s.handle("GET /api/v1/audit/entries/{index}", "audit_entry", s.handleAuditEntry)
	s.handle("GET /api/v1/audit/content", "audit_content", s.handleAuditContent)

	s.handle("GET /api/v1/domains", "domains", s.handleDomains)
	s.handle("GET /api/v1/errors", "error_catalog", s.handleErrorCatalog)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", metrics.Handler())
}

// handlerFunc 返回的错误统一映射为 JSON 错误响应，已写出响应时只计入指标。
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.written = true
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(pattern, op string, fn handlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		err := fn(rec, r)
		if err != nil && !rec.written {
			s.writeError(rec, op, err)
		}
		elapsed := time.Since(start)
		metrics.ObserveOperation(op, err, elapsed)
		metrics.ObserveHTTPRequest(op, r.Method, rec.status, elapsed)
	})
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("address", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
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

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{"status": "ok"}
	if s.svc.Policy != nil {
		status["paused"] = s.svc.Policy.IsPaused()
		status["breaker"] = s.svc.Policy.BreakerState()
	}
	if s.svc.Domains != nil && !s.svc.Domains.Empty() {
		status["domains"] = s.svc.Domains.Snapshots(r.Context())
	}
	writeJSON(w, http.StatusOK, status)
}
