package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"Treasury-Autopilot/internal/agent"
	"Treasury-Autopilot/internal/auth"
	"Treasury-Autopilot/internal/cycle"
	xerrors "Treasury-Autopilot/internal/errors"
	"Treasury-Autopilot/internal/observability/metrics"
	"Treasury-Autopilot/pkg/logger"
)

// CycleService 是 API 依赖的周期服务能力。
type CycleService interface {
	Submit(ctx context.Context, req cycle.Request) (*cycle.Run, error)
	Get(ctx context.Context, id string) (*cycle.Run, error)
	List(ctx context.Context, limit int) ([]*cycle.Run, error)
	LastDecision(ctx context.Context) (*agent.Decision, error)
}

// Status 是 /api/v1/status 的响应。
type Status struct {
	Mode         string          `json:"mode"`
	Cadence      string          `json:"cadence"`
	Planner      string          `json:"planner,omitempty"`
	LastDecision *agent.Decision `json:"lastDecision"`
	Time         time.Time       `json:"time"`
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr    string
	cycles  CycleService
	metrics *metrics.Metrics
	auth    *auth.Service
	status  Status
	grace   time.Duration
	log     *slog.Logger
	router  chi.Router
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 启用 /metrics 以及请求指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAuth 为 /api/v1 下的接口启用令牌认证。
func WithAuth(a *auth.Service) Option {
	return func(s *Server) {
		s.auth = a
	}
}

// WithStatus 设置状态接口中的静态字段。
func WithStatus(mode, cadence, planner string) Option {
	return func(s *Server) {
		s.status = Status{Mode: mode, Cadence: cadence, Planner: planner}
	}
}

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithLogger 设置日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, cycles CycleService, opts ...Option) *Server {
	s := &Server{addr: addr, cycles: cycles, grace: 5 * time.Second, log: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.routes()
	return s
}

// Handler 返回路由，主要用于测试。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{
				http.MethodGet:  {auth.PermissionCyclesRead},
				http.MethodPost: {auth.PermissionCyclesSubmit},
			},
		}))
		r.Get("/status", s.handleStatus)
		r.Post("/cycles", s.handleSubmitCycle)
		r.Get("/cycles", s.handleListCycles)
		r.Get("/cycles/{id}", s.handleCycleDetail)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.router),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type submitRequest struct {
	ID       string          `json:"id,omitempty"`
	Mode     string          `json:"mode,omitempty"`
	Override *agent.Override `json:"override,omitempty"`
}

func (s *Server) handleSubmitCycle(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
			return
		}
	}
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		if (agent.Mode(req.Mode) == agent.ModeEmergency || req.Override != nil) && !subject.HasPermission(auth.PermissionEmergency) {
			writeJSON(w, http.StatusForbidden, errorBody{Code: "PERMISSION_DENIED", Message: "需要 " + auth.PermissionEmergency + " 权限"})
			return
		}
	}
	run, err := s.cycles.Submit(r.Context(), cycle.Request{
		ID:       req.ID,
		Mode:     agent.Mode(req.Mode),
		Override: req.Override,
		Source:   cycle.SourceManual,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数"))
			return
		}
		limit = parsed
	}
	runs, err := s.cycles.List(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleCycleDetail(w http.ResponseWriter, r *http.Request) {
	run, err := s.cycles.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	last, err := s.cycles.LastDecision(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	status := s.status
	status.LastDecision = last
	status.Time = time.Now().UTC()
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// observe 记录请求日志与指标，handler 标签使用路由模板以避免基数膨胀。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		pattern := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			pattern = rc.RoutePattern()
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTPRequest(pattern, r.Method, ww.Status(), elapsed)
		s.log.Debug("HTTP 请求",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("elapsed", elapsed),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	message := err.Error()
	if typed, ok := xerrors.From(err); ok {
		message = typed.Message()
	}
	writeJSON(w, statusFor(code), errorBody{Code: string(code), Message: message})
}

func statusFor(code xerrors.Code) int {
	switch code {
	case cycle.CodeCycleNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case cycle.CodeCycleValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case cycle.CodeCycleConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure, cycle.CodeCyclePublish, xerrors.CodeQueueFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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
