package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "FlowMesh/internal/errors"
	"FlowMesh/pkg/backoff"
	"FlowMesh/pkg/logger"
)

// Result 汇总一次 Agent 调用的结果，成功与失败都由它承载。
type Result struct {
	Success  bool           `json:"success"`
	Data     map[string]any `json:"data,omitempty"`
	Error    *CallError     `json:"error,omitempty"`
	Metadata Metadata       `json:"metadata"`
}

// CallError 描述调用失败的原因。
type CallError struct {
	Code       xerrors.Code `json:"code"`
	Message    string       `json:"message"`
	HTTPStatus int          `json:"http_status,omitempty"`
}

// Metadata 记录调用的耗时与重试信息。
type Metadata struct {
	Duration  time.Duration `json:"duration"`
	Timestamp time.Time     `json:"timestamp"`
	Retries   int           `json:"retries"`
}

// Override 允许单次调用覆盖 Agent 的默认配置。
type Override struct {
	Timeout    time.Duration
	MaxRetries int
}

// Dispatcher 将步骤调用翻译为对远程 Agent 的 HTTP 请求，
// 并用有界退避吸收瞬时故障。
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	policy     backoff.Policy
	log        *slog.Logger
}

// Option 定义可选配置。
type Option func(*Dispatcher)

// WithHTTPClient 替换默认的 HTTP 客户端，测试时常用。
func WithHTTPClient(client *http.Client) Option {
	return func(d *Dispatcher) {
		if client != nil {
			d.httpClient = client
		}
	}
}

// WithBackoffPolicy 替换重试退避策略。
func WithBackoffPolicy(policy backoff.Policy) Option {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// NewDispatcher 构造 Dispatcher。
func NewDispatcher(registry *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{},
		policy:     backoff.Exponential(time.Second, 2, 10*time.Second),
		log:        logger.Named("dispatch"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

var supportedMethods = map[string]struct{}{
	http.MethodGet:    {},
	http.MethodPost:   {},
	http.MethodPut:    {},
	http.MethodDelete: {},
	http.MethodPatch:  {},
}

// Execute 调用指定 Agent。未配置的 Agent 与不支持的方法立即失败且不重试；
// 网络或上游错误按指数退避重试，直到耗尽配置的重试次数。
func (d *Dispatcher) Execute(ctx context.Context, agentName, method, path string, payload map[string]any, override *Override) Result {
	started := time.Now()

	agent, ok := d.registry.Lookup(agentName)
	if !ok {
		return failure(started, 0, &CallError{
			Code:    xerrors.CodeAgentNotConfigured,
			Message: fmt.Sprintf("agent %q 未配置", agentName),
		})
	}

	method = strings.ToUpper(strings.TrimSpace(method))
	if _, ok := supportedMethods[method]; !ok {
		return failure(started, 0, &CallError{
			Code:    xerrors.CodeMethodNotSupported,
			Message: fmt.Sprintf("不支持的 HTTP 方法 %q", method),
		})
	}

	timeout := agent.Timeout()
	maxRetries := agent.MaxRetries
	if override != nil {
		if override.Timeout > 0 {
			timeout = override.Timeout
		}
		if override.MaxRetries > 0 {
			maxRetries = override.MaxRetries
		}
	}

	var lastErr *CallError
	retries := 0
	for attempt := 0; ; attempt++ {
		data, callErr := d.call(ctx, agent, method, path, payload, timeout)
		if callErr == nil {
			return Result{
				Success: true,
				Data:    data,
				Metadata: Metadata{
					Duration:  time.Since(started),
					Timestamp: started,
					Retries:   retries,
				},
			}
		}
		lastErr = callErr
		if attempt >= maxRetries {
			break
		}
		delay := d.policy.Delay(attempt + 1)
		d.log.Warn("Agent 调用失败，准备重试",
			slog.String("agent", agentName),
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Message),
		)
		if err := backoff.Sleep(ctx, delay); err != nil {
			lastErr = &CallError{Code: xerrors.CodeTimeout, Message: err.Error()}
			break
		}
		retries++
	}
	return failure(started, retries, lastErr)
}

func (d *Dispatcher) call(ctx context.Context, agent AgentConfig, method, path string, payload map[string]any, timeout time.Duration) (map[string]any, *CallError) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if payload != nil && method != http.MethodGet {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, &CallError{Code: xerrors.CodeInvalidArgument, Message: fmt.Sprintf("序列化请求体失败: %v", err)}
		}
		body = bytes.NewReader(encoded)
	}

	endpoint := agent.BaseURL + "/" + strings.TrimLeft(path, "/")
	req, err := http.NewRequestWithContext(callCtx, method, endpoint, body)
	if err != nil {
		return nil, &CallError{Code: xerrors.CodeInvalidArgument, Message: fmt.Sprintf("构建请求失败: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		code := xerrors.CodeNetworkFailure
		if callCtx.Err() == context.DeadlineExceeded {
			code = xerrors.CodeTimeout
		}
		return nil, &CallError{Code: code, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &CallError{
			Code:       xerrors.CodeNetworkFailure,
			Message:    fmt.Sprintf("Agent 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(raw))),
			HTTPStatus: resp.StatusCode,
		}
	}

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		if err == io.EOF {
			return map[string]any{}, nil
		}
		return nil, &CallError{Code: xerrors.CodeNetworkFailure, Message: fmt.Sprintf("解析响应失败: %v", err)}
	}
	return decoded, nil
}

// CheckHealth 对 Agent 发起 GET /health 探测。
// 仅当响应体为 {"status":"healthy"} 时视为健康，任何异常都返回 false。
func (d *Dispatcher) CheckHealth(ctx context.Context, agentName string) bool {
	agent, ok := d.registry.Lookup(agentName)
	if !ok {
		return false
	}
	callCtx, cancel := context.WithTimeout(ctx, agent.Timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(callCtx, http.MethodGet, agent.BaseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	var decoded struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return false
	}
	return decoded.Status == "healthy"
}

// Agents 返回注册表中的全部 Agent 名称。
func (d *Dispatcher) Agents() []string {
	return d.registry.Names()
}

func failure(started time.Time, retries int, callErr *CallError) Result {
	return Result{
		Success: false,
		Error:   callErr,
		Metadata: Metadata{
			Duration:  time.Since(started),
			Timestamp: started,
			Retries:   retries,
		},
	}
}
