// Package retry decorates arbitrary operations with bounded
// exponential-backoff retries, keyed by an operation name for correlation.
package retry

import (
	"context"
	"log/slog"
	"time"

	xerrors "FlowMesh/internal/errors"
	"FlowMesh/pkg/backoff"
	"FlowMesh/pkg/logger"
)

const defaultMaxAttempts = 3

// Executor 以指数退避重试任意操作，耗尽后返回最后一次错误。
type Executor struct {
	maxAttempts int
	policy      backoff.Policy
	log         *slog.Logger
}

// Option 定义可选配置。
type Option func(*Executor)

// WithMaxAttempts 设置最大尝试次数（含首次执行）。
func WithMaxAttempts(attempts int) Option {
	return func(e *Executor) {
		if attempts > 0 {
			e.maxAttempts = attempts
		}
	}
}

// WithBackoffPolicy 替换退避策略。
func WithBackoffPolicy(policy backoff.Policy) Option {
	return func(e *Executor) {
		e.policy = policy
	}
}

// NewExecutor 构造 Executor。默认策略为带抖动的指数退避。
func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		maxAttempts: defaultMaxAttempts,
		policy:      backoff.Exponential(time.Second, 2, 10*time.Second).WithJitter(0.2),
		log:         logger.Named("retry"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Do 执行 op，失败则按退避策略重试。name 用于日志关联。
// 带错误码且标记为不可重试的错误立即返回；未编码的错误默认可重试。
func (e *Executor) Do(ctx context.Context, name string, op func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if coded, ok := xerrors.From(lastErr); ok && !coded.Retryable() {
			e.log.Warn("错误不可重试，停止尝试",
				slog.String("operation", name),
				slog.String("code", string(coded.Code())),
				slog.String("error", lastErr.Error()),
			)
			return lastErr
		}
		if attempt == e.maxAttempts {
			break
		}
		delay := e.policy.Delay(attempt)
		e.log.Warn("操作失败，准备重试",
			slog.String("operation", name),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", lastErr.Error()),
		)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	e.log.Error("操作重试耗尽",
		slog.String("operation", name),
		slog.Int("attempts", e.maxAttempts),
		slog.String("error", lastErr.Error()),
	)
	return lastErr
}

// DoValue 与 Executor.Do 类似，但允许操作返回结果值。
func DoValue[T any](ctx context.Context, e *Executor, name string, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := e.Do(ctx, name, func(ctx context.Context) error {
		value, opErr := op(ctx)
		if opErr != nil {
			return opErr
		}
		result = value
		return nil
	})
	return result, err
}
