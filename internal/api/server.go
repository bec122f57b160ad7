package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "FlowMesh/internal/errors"
	"FlowMesh/internal/observability/metrics"
	"FlowMesh/internal/orchestrator"
	"FlowMesh/internal/workflow"
)

// tenantHeader 指定租户的请求头。所有业务接口都要求携带。
const tenantHeader = "X-Tenant-ID"

// Server 暴露工作流编排的 REST 接口。
type Server struct {
	addr string
	orch *orchestrator.Orchestrator
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch *orchestrator.Orchestrator) *Server {
	return &Server{addr: addr, orch: orch}
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

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

// Handler 返回完整路由，便于测试时直接挂载。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/workflows", instrument("workflows", s.handleWorkflows))
	mux.HandleFunc("/api/v1/workflows/", instrument("workflow_detail", s.handleWorkflowByID))
	mux.HandleFunc("/api/v1/executions", instrument("executions", s.handleExecutions))
	mux.HandleFunc("/api/v1/executions/", instrument("execution_detail", s.handleExecutionByID))
	mux.HandleFunc("/api/v1/agents/health", instrument("agent_health", s.handleAgentHealth))
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// statusRecorder 截获写出的状态码用于指标上报。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		handler(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	}
}

func (s *Server) handleAgentHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	health := s.orch.AgentHealth(r.Context())
	if health == nil {
		health = map[string]bool{}
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodPost:
		var def workflow.Definition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			http.Error(w, "请求体解析失败", http.StatusBadRequest)
			return
		}
		def.TenantID = tenantID
		created, err := s.orch.CreateWorkflow(r.Context(), &def)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, created)
	case http.MethodGet:
		defs, err := s.orch.ListWorkflows(r.Context(), tenantID, listOptionsFromQuery(r)...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, defs)
	default:
		http.Error(w, "仅支持 GET/POST", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWorkflowByID(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id, action := splitResourcePath(r.URL.Path, "/api/v1/workflows/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		def, err := s.orch.GetWorkflow(r.Context(), id, tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
	case action == "activate" && r.Method == http.MethodPost:
		def, err := s.orch.ActivateWorkflow(r.Context(), id, tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, def)
	case action == "executions" && r.Method == http.MethodPost:
		var req struct {
			SessionID string         `json:"session_id"`
			Input     map[string]any `json:"input"`
		}
		if r.Body != nil {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, "请求体解析失败", http.StatusBadRequest)
				return
			}
		}
		exec, err := s.orch.ExecuteWorkflow(r.Context(), id, orchestrator.ExecContext{
			TenantID:  tenantID,
			SessionID: req.SessionID,
			Input:     req.Input,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if r.URL.Query().Get("stats") == "true" {
		stats, err := s.orch.ExecutionStats(r.Context(), tenantID, listOptionsFromQuery(r)...)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	execs, err := s.orch.ListExecutions(r.Context(), tenantID, listOptionsFromQuery(r)...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleExecutionByID(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := requireTenant(w, r)
	if !ok {
		return
	}
	id, action := splitResourcePath(r.URL.Path, "/api/v1/executions/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		exec, err := s.orch.GetExecution(r.Context(), id, tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, exec)
	case action == "cancel" && r.Method == http.MethodPost:
		cancelled, err := s.orch.CancelExecution(r.Context(), id, tenantID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
	default:
		http.NotFound(w, r)
	}
}

// splitResourcePath 从 "<prefix><id>[/<action>]" 中取出资源 ID 和动作。
func splitResourcePath(path, prefix string) (id, action string) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		action = parts[1]
	}
	return id, action
}

func listOptionsFromQuery(r *http.Request) []workflow.ListOption {
	var opts []workflow.ListOption
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, workflow.WithLimit(limit))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if offset, err := strconv.Atoi(raw); err == nil {
			opts = append(opts, workflow.WithOffset(offset))
		}
	}
	if workflowID := query.Get("workflow_id"); workflowID != "" {
		opts = append(opts, workflow.WithWorkflowID(workflowID))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []workflow.ExecutionStatus
		for _, status := range strings.Split(raw, ",") {
			if status = strings.TrimSpace(status); status != "" {
				statuses = append(statuses, workflow.ExecutionStatus(status))
			}
		}
		if len(statuses) > 0 {
			opts = append(opts, workflow.WithStatuses(statuses...))
		}
	}
	if query.Get("order") == "asc" {
		opts = append(opts, workflow.WithSortOrder(workflow.SortByUpdatedAsc))
	}
	return opts
}

func requireTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := strings.TrimSpace(r.Header.Get(tenantHeader))
	if tenantID == "" {
		http.Error(w, "缺少 "+tenantHeader+" 请求头", http.StatusBadRequest)
		return "", false
	}
	return tenantID, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 将业务错误映射为 HTTP 状态码。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeWorkflowNotFound, xerrors.CodeExecutionNotFound:
		status = http.StatusNotFound
	case xerrors.CodeWorkflowNotActive, xerrors.CodeExecutionNotRunning, xerrors.CodeWorkflowConflict:
		status = http.StatusConflict
	case xerrors.CodeInvalidArgument, xerrors.CodeValidationFailed:
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]string{
		"code":  string(xerrors.CodeOf(err)),
		"error": err.Error(),
	})
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
