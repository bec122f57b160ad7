package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	xerrors "FlowMesh/internal/errors"
	"FlowMesh/pkg/backoff"
)

func fastExecutor(maxAttempts int) *Executor {
	return NewExecutor(
		WithMaxAttempts(maxAttempts),
		WithBackoffPolicy(backoff.Exponential(time.Millisecond, 2, 5*time.Millisecond)),
	)
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastExecutor(3).Do(context.Background(), "noop", func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("不应返回错误: %v", err)
	}
	if calls != 1 {
		t.Fatalf("期望执行 1 次, 实际 %d 次", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fastExecutor(5).Do(context.Background(), "flaky", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("暂时失败")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("第三次应成功: %v", err)
	}
	if calls != 3 {
		t.Fatalf("期望执行 3 次, 实际 %d 次", calls)
	}
}

func TestDoExhaustionReturnsLastError(t *testing.T) {
	last := errors.New("最后一次失败")
	calls := 0
	err := fastExecutor(3).Do(context.Background(), "doomed", func(context.Context) error {
		calls++
		if calls == 3 {
			return last
		}
		return errors.New("中间失败")
	})
	if !errors.Is(err, last) {
		t.Fatalf("应返回最后一次错误, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("期望执行 3 次, 实际 %d 次", calls)
	}
}

func TestDoStopsOnNonRetryableError(t *testing.T) {
	fatal := xerrors.New(xerrors.CodeValidationFailed, "步骤图不合法")
	calls := 0
	err := fastExecutor(5).Do(context.Background(), "invalid", func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Fatalf("应返回原始错误, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("不可重试的错误不应再次尝试, 实际执行 %d 次", calls)
	}
}

func TestDoRetriesRetryableCodedError(t *testing.T) {
	calls := 0
	err := fastExecutor(3).Do(context.Background(), "engine", func(context.Context) error {
		calls++
		if calls < 2 {
			return xerrors.New(xerrors.CodeEngineFailure, "引擎内部异常")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("第二次应成功: %v", err)
	}
	if calls != 2 {
		t.Fatalf("期望执行 2 次, 实际 %d 次", calls)
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	executor := NewExecutor(
		WithMaxAttempts(10),
		WithBackoffPolicy(backoff.Exponential(50*time.Millisecond, 2, time.Second)),
	)
	err := executor.Do(ctx, "cancelled", func(context.Context) error {
		calls++
		cancel()
		return errors.New("失败")
	})
	if err == nil {
		t.Fatal("应返回错误")
	}
	if calls != 1 {
		t.Fatalf("取消后不应继续重试, 实际执行 %d 次", calls)
	}
}

func TestDoValueReturnsResult(t *testing.T) {
	calls := 0
	value, err := DoValue(context.Background(), fastExecutor(3), "value", func(context.Context) (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("暂时失败")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("不应返回错误: %v", err)
	}
	if value != 42 {
		t.Fatalf("期望 42, 实际 %d", value)
	}
}
