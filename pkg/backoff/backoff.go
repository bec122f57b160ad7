// Package backoff provides the retry delay policy shared by the agent
// dispatcher, the workflow engine and the reliable messenger.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Curve 表示退避曲线的形状。
type Curve string

const (
	// CurveExponential 按 Base·Factor^(n-1) 增长，封顶于 Cap。
	CurveExponential Curve = "exponential"
	// CurveLinear 按 Base·n 增长，封顶于 Cap。
	CurveLinear Curve = "linear"
)

// Policy 描述一条可复用的退避策略。零值不可直接使用，请从构造函数创建。
type Policy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64
	Curve  Curve
}

// Exponential 返回标准的指数退避策略：min(Base·Factor^(n-1), Cap)。
func Exponential(base time.Duration, factor float64, cap time.Duration) Policy {
	if base <= 0 {
		base = time.Second
	}
	if factor < 1 {
		factor = 2
	}
	if cap <= 0 {
		cap = 10 * time.Second
	}
	return Policy{Base: base, Factor: factor, Cap: cap, Curve: CurveExponential}
}

// Linear 返回线性退避策略：min(Base·n, Cap)。
func Linear(base time.Duration, cap time.Duration) Policy {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	return Policy{Base: base, Cap: cap, Curve: CurveLinear}
}

// WithJitter 返回附加随机抖动的策略副本。fraction 取值 [0,1]，
// 表示在计算出的延迟上最多增加的随机比例。
func (p Policy) WithJitter(fraction float64) Policy {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	p.Jitter = fraction
	return p
}

// Delay 返回第 attempt 次重试前应等待的时长。attempt 从 1 开始计数。
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var delay time.Duration
	switch p.Curve {
	case CurveLinear:
		delay = time.Duration(attempt) * p.Base
	default:
		scaled := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
		if scaled > float64(p.Cap) {
			delay = p.Cap
		} else {
			delay = time.Duration(scaled)
		}
	}
	if p.Cap > 0 && delay > p.Cap {
		delay = p.Cap
	}
	if p.Jitter > 0 {
		delay += time.Duration(rand.Float64() * p.Jitter * float64(delay))
	}
	return delay
}

// Sleep 等待指定时长，上下文取消时提前返回对应错误。
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
