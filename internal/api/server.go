package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "AgentGuard/internal/errors"
	"AgentGuard/internal/observability/metrics"
	"AgentGuard/internal/plan"
	"AgentGuard/internal/planner"
	"AgentGuard/internal/policy"
	"AgentGuard/internal/projectroot"
	"AgentGuard/internal/run"
	"AgentGuard/internal/tool"
	"AgentGuard/pkg/logger"
)

// LicenseHeader 携带调用方的授权等级。
const LicenseHeader = "X-License-Tier"

const maxBodyBytes = 1 << 20

// Runner 是 API 需要的运行协调能力。
type Runner interface {
	Submit(ctx context.Context, req run.Request) (string, error)
	Subscribe(runID string) (*run.Subscription, error)
	Cancel(runID, streamID, reason string) bool
	Get(ctx context.Context, runID string) (*run.Summary, error)
	List(ctx context.Context, limit int) ([]run.Summary, error)
}

// ToolCatalog 列出已注册的工具。
type ToolCatalog interface {
	Describe() []tool.Info
}

// Server 负责暴露 REST 与 SSE 接口。
type Server struct {
	addr           string
	planner        planner.Planner
	runner         Runner
	tools          ToolCatalog
	metrics        *metrics.Metrics
	defaultLicense policy.License
	keepAlive      time.Duration
	logger         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithMetrics 为每个路由记录请求指标，并挂载 /metrics。
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithDefaultLicense 设置请求未携带授权头时使用的等级。
func WithDefaultLicense(l policy.License) Option {
	return func(s *Server) {
		if l != "" {
			s.defaultLicense = l
		}
	}
}

// WithKeepAlive 设置 SSE 心跳间隔。
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

// WithLogger 指定 API 日志。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, p planner.Planner, runner Runner, tools ToolCatalog, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		planner:        p,
		runner:         runner,
		tools:          tools,
		defaultLicense: policy.LicenseStarter,
		keepAlive:      15 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.logger == nil {
		s.logger = logger.Named("api")
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /v1/plan", "plan", s.handlePlan)
	s.route(mux, "POST /v1/execute-plan", "execute_plan", s.handleExecutePlan)
	s.route(mux, "GET /v1/stream", "stream", s.handleStream)
	s.route(mux, "POST /v1/cancel", "cancel", s.handleCancel)
	s.route(mux, "GET /v1/runs", "list_runs", s.handleListRuns)
	s.route(mux, "GET /v1/runs/{id}", "get_run", s.handleGetRun)
	s.route(mux, "GET /v1/tools", "tools", s.handleTools)
	s.route(mux, "GET /healthz", "healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.route(mux, "/", "not_found", func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc) {
	var handler http.Handler = h
	if s.metrics != nil {
		handler = s.metrics.Middleware(name, handler)
	}
	mux.Handle(pattern, handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// SSE 连接依赖 BaseContext 在关闭时退出，因此不设置 WriteTimeout。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

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

type planRequest struct {
	IntentText  string `json:"intentText"`
	ProjectRoot string `json:"projectRoot"`
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.IntentText) == "" {
		writeError(w, http.StatusBadRequest, "intentText is required")
		return
	}
	root, err := projectroot.Normalize(req.ProjectRoot)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if s.planner == nil {
		writeError(w, http.StatusServiceUnavailable, "planner is not configured")
		return
	}

	p, err := s.planner.Plan(r.Context(), req.IntentText, root)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "plan": p})
}

type executeRequest struct {
	Plan              json.RawMessage `json:"plan"`
	ProjectRoot       string          `json:"projectRoot"`
	Confirmed         bool            `json:"confirmed"`
	ConfirmationText  string          `json:"confirmationText"`
	ConfirmationScope string          `json:"confirmationScope"`
}

const emptyPlanMessage = "plan is required and must contain at least one step"

// decodePlan 接受步骤数组或完整的计划对象。
func decodePlan(raw json.RawMessage) (string, []plan.Step, error) {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, "["):
		var steps []plan.Step
		if err := json.Unmarshal(raw, &steps); err != nil {
			return "", nil, fmt.Errorf("invalid plan: %w", err)
		}
		return "", steps, nil
	case strings.HasPrefix(trimmed, "{"):
		var p plan.Plan
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", nil, fmt.Errorf("invalid plan: %w", err)
		}
		return p.PlanID, p.Steps, nil
	default:
		return "", nil, nil
	}
}

func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	planID, steps, err := decodePlan(req.Plan)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(steps) == 0 {
		writeError(w, http.StatusBadRequest, emptyPlanMessage)
		return
	}
	if strings.TrimSpace(req.ProjectRoot) == "" {
		writeError(w, http.StatusBadRequest, "projectRoot is required")
		return
	}
	root, err := projectroot.Normalize(req.ProjectRoot)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if errs := plan.ValidatePlan(steps); len(errs) > 0 {
		writeError(w, http.StatusBadRequest, "invalid plan safety contract: "+strings.Join(errs, "; "))
		return
	}
	license, err := s.license(r)
	if err != nil {
		s.writeErr(w, err)
		return
	}

	runID, err := s.runner.Submit(r.Context(), run.Request{
		PlanID:            planID,
		Steps:             steps,
		ProjectRoot:       root,
		License:           license,
		Confirmed:         req.Confirmed,
		ConfirmationText:  req.ConfirmationText,
		ConfirmationScope: req.ConfirmationScope,
	})
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "planRunId": runID})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.URL.Query().Get("planRunId"))
	if runID == "" {
		writeError(w, http.StatusBadRequest, "planRunId is required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming is not supported")
		return
	}
	sub, err := s.runner.Subscribe(runID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	defer sub.Close()

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.logger.Warn("写入 SSE 事件失败", slog.Any("error", err), slog.String("run_id", runID))
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev run.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

type cancelRequest struct {
	PlanRunID string `json:"planRunId"`
	StreamID  string `json:"streamId"`
	Reason    string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PlanRunID == "" && req.StreamID == "" {
		writeError(w, http.StatusBadRequest, "planRunId or streamId is required")
		return
	}
	hit := s.runner.Cancel(req.PlanRunID, req.StreamID, req.Reason)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cancelled": hit})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	summary, err := s.runner.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "run": summary})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	runs, err := s.runner.List(r.Context(), limit)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if runs == nil {
		runs = []run.Summary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "runs": runs})
}

func (s *Server) handleTools(w http.ResponseWriter, _ *http.Request) {
	var infos []tool.Info
	if s.tools != nil {
		infos = s.tools.Describe()
	}
	if infos == nil {
		infos = []tool.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tools": infos})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// license 解析授权头，缺省时使用配置的默认等级。
func (s *Server) license(r *http.Request) (policy.License, error) {
	raw := strings.TrimSpace(r.Header.Get(LicenseHeader))
	if raw == "" {
		return s.defaultLicense, nil
	}
	l, ok := policy.ParseLicense(raw)
	if !ok {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "unknown license tier: "+raw)
	}
	return l, nil
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	message := err.Error()
	if e, ok := xerrors.From(err); ok {
		message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败", slog.Any("error", err), slog.String("code", string(xerrors.CodeOf(err))))
	}
	writeError(w, status, message)
}

// statusFor 把错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument, plan.CodePlanInvalid:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, run.CodeRunNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict:
		return http.StatusConflict
	case run.CodeRunDispatchFailed, xerrors.CodeUnavailable, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
