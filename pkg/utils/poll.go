package utils

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go/aws/request"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/flowcontrol"
)

// ThrottleBackoff 平台限流时的重试退避参数
var ThrottleBackoff = wait.Backoff{
	Steps:    5,
	Duration: 500 * time.Millisecond,
	Factor:   2.0,
	Jitter:   0.1,
}

// PlatformLimiter 进程内所有查询调用共用的令牌桶，默认不限速，由 SetPlatformRateLimit 设置
var PlatformLimiter = flowcontrol.NewFakeAlwaysRateLimiter()

// SetPlatformRateLimit 按 qps/burst 限制查询调用，非正值使用默认值。须在开始轮询前调用
func SetPlatformRateLimit(qps float32, burst int) {
	if qps <= 0 {
		qps = DefaultPlatformQPS
	}
	if burst <= 0 {
		burst = DefaultPlatformBurst
	}
	PlatformLimiter = flowcontrol.NewTokenBucketRateLimiter(qps, burst)
}

// IsThrottle reports whether err is a throttling response from the platform.
func IsThrottle(err error) bool {
	if err == nil {
		return false
	}
	if IsAWSErrorCode(err, ErrCodeThrottling) {
		return true
	}
	return request.IsErrorThrottle(err)
}

// RetryOnThrottle 对被限流的调用按 ThrottleBackoff 重试，其他错误直接返回。
// 退避等待期间 ctx 结束立即返回 ctx 的错误。
func RetryOnThrottle(ctx context.Context, fn func() error) error {
	var last error
	err := wait.ExponentialBackoffWithContext(ctx, ThrottleBackoff, func(ctx context.Context) (bool, error) {
		if err := PlatformLimiter.Wait(ctx); err != nil {
			// 等令牌会超过截止时间，在截止前也无法发出请求
			<-ctx.Done()
			return false, ctx.Err()
		}
		last = fn()
		switch {
		case last == nil:
			return true, nil
		case IsThrottle(last):
			return false, nil
		default:
			return false, last
		}
	})
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// 重试次数用尽时返回最后一次的平台错误
	if wait.Interrupted(err) && last != nil {
		return last
	}
	return err
}

// PollUntilTerminal calls condition immediately and then every interval until
// it reports done, returns an error, or ctx ends. A positive timeout bounds the
// whole wait; exceeding it yields an error wrapping context.DeadlineExceeded.
func PollUntilTerminal(ctx context.Context, interval, timeout time.Duration, condition func(context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	pollCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := wait.PollUntilContextCancel(pollCtx, interval, true, condition)
	if err != nil && ctx.Err() == nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: not finished within %v", context.DeadlineExceeded, timeout)
	}
	return err
}
