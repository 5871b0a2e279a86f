package middleware

import (
	"context"
	"testing"
	"time"

	"callbridge/message"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

// 模拟一个简单的 handler：直接返回成功响应
func echoHandler(ctx context.Context, call *message.MethodCall) *message.MethodResult {
	return message.NewResult(call.ID, "ok", message.StatusOk)
}

// 模拟一个慢 handler：睡 200ms
func slowHandler(ctx context.Context, call *message.MethodCall) *message.MethodResult {
	select {
	case <-time.After(200 * time.Millisecond):
	case <-ctx.Done():
	}
	return message.NewResult(call.ID, "ok", message.StatusOk)
}

func addCall() *message.MethodCall {
	return message.NewCall(7, "Calculator", "Add", []any{1, 2})
}

func TestLogging(t *testing.T) {
	as := require.New(t)

	core, logs := observer.New(zap.DebugLevel)
	handler := Logging(zap.New(core))(echoHandler)

	res := handler(context.Background(), addCall())
	as.Equal(message.StatusOk, res.Status)
	as.Equal(message.CallID(7), res.ID)

	entries := logs.FilterMessage("Dispatched call").All()
	as.Len(entries, 1)
	as.Equal("Add", entries[0].ContextMap()["method"])

	failing := Logging(zap.New(core))(func(ctx context.Context, call *message.MethodCall) *message.MethodResult {
		return failed(call, "boom")
	})
	failing(context.Background(), addCall())
	as.Equal(1, logs.FilterMessage("Call failed").Len())
}

func TestTimeoutPass(t *testing.T) {
	handler := Timeout(500 * time.Millisecond)(echoHandler)

	res := handler(context.Background(), addCall())
	require.Equal(t, message.StatusOk, res.Status)
}

func TestTimeoutExceeded(t *testing.T) {
	as := require.New(t)
	handler := Timeout(50 * time.Millisecond)(slowHandler)

	res := handler(context.Background(), addCall())
	as.Equal(message.StatusMethodFailed, res.Status)
	as.Equal(timeoutReason, res.Payload)
	as.Equal(message.CallID(7), res.ID)
}

func TestRateLimit(t *testing.T) {
	as := require.New(t)
	// rate=1 per second, burst=2 → 前 2 个立刻放行，第 3 个被拒
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		res := handler(context.Background(), addCall())
		as.Equal(message.StatusOk, res.Status, "call %d", i)
	}

	res := handler(context.Background(), addCall())
	as.Equal(message.StatusMethodFailed, res.Status)
	as.Equal(rateLimitReason, res.Payload)
}

func TestRetryTransient(t *testing.T) {
	as := require.New(t)

	calls := atomic.NewInt32(0)
	flaky := func(ctx context.Context, call *message.MethodCall) *message.MethodResult {
		if calls.Inc() < 3 {
			return failed(call, "dial tcp: connection refused")
		}
		return echoHandler(ctx, call)
	}

	res := Retry(5, time.Millisecond, nil)(flaky)(context.Background(), addCall())
	as.Equal(message.StatusOk, res.Status)
	as.Equal(int32(3), calls.Load())
}

func TestRetryGivesUp(t *testing.T) {
	as := require.New(t)

	calls := atomic.NewInt32(0)
	broken := func(ctx context.Context, call *message.MethodCall) *message.MethodResult {
		calls.Inc()
		return failed(call, "request timed out")
	}

	res := Retry(3, time.Millisecond, nil)(broken)(context.Background(), addCall())
	as.Equal(message.StatusMethodFailed, res.Status)
	as.Equal(int32(3), calls.Load())
}

func TestRetrySkipsPermanentFailures(t *testing.T) {
	as := require.New(t)

	calls := atomic.NewInt32(0)
	missing := func(ctx context.Context, call *message.MethodCall) *message.MethodResult {
		calls.Inc()
		return message.NewResult(call.ID, "Calculator::Add", message.StatusMethodNotFound)
	}

	res := Retry(3, time.Millisecond, nil)(missing)(context.Background(), addCall())
	as.Equal(message.StatusMethodNotFound, res.Status)
	as.Equal(int32(1), calls.Load())
}

func TestInstrument(t *testing.T) {
	as := require.New(t)

	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	as.NoError(err)

	handler := Instrument(m)(echoHandler)
	handler(context.Background(), addCall())
	handler(context.Background(), addCall())

	as.Equal(1, testutil.CollectAndCount(m.DispatchDuration))
	_, err = NewMetrics(reg)
	as.Error(err)
}

func TestChain(t *testing.T) {
	as := require.New(t)

	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, call *message.MethodCall) *message.MethodResult {
				order = append(order, name+".before")
				res := next(ctx, call)
				order = append(order, name+".after")
				return res
			}
		}
	}

	handler := Chain(mark("A"), mark("B"), Timeout(500*time.Millisecond))(echoHandler)
	res := handler(context.Background(), addCall())
	as.Equal(message.StatusOk, res.Status)
	as.Equal([]string{"A.before", "B.before", "B.after", "A.after"}, order)
}

func TestRetryCanceledContext(t *testing.T) {
	as := require.New(t)

	calls := atomic.NewInt32(0)
	counting := func(ctx context.Context, call *message.MethodCall) *message.MethodResult {
		calls.Inc()
		return echoHandler(ctx, call)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Retry(3, time.Millisecond, nil)(counting)(ctx, addCall())
	as.NotNil(res)
	as.Equal(message.CallID(7), res.ID)
	as.Equal(message.StatusMethodFailed, res.Status)
	as.Contains(res.Payload, "canceled")
	as.Zero(calls.Load())
}
