package middleware

import (
	"context"
	"fmt"
	"time"

	"callbridge/message"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	LabelContract = "contract"
	LabelMethod   = "method"
	LabelSuccess  = "success"
)

type Metrics struct {
	DispatchDuration *prometheus.HistogramVec
}

// NewMetrics creates the dispatch metrics and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) (Metrics, error) {
	m := Metrics{
		DispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "callbridge",
			Subsystem: "dispatcher",
			Name:      "dispatch_duration_seconds",
			Help:      "Dispatch duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{LabelContract, LabelMethod, LabelSuccess}),
	}
	if reg != nil {
		if err := reg.Register(m.DispatchDuration); err != nil {
			return m, err
		}
	}
	return m, nil
}

// Instrument observes the duration of each dispatch.
func Instrument(m Metrics) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, call *message.MethodCall) (res *message.MethodResult) {
			defer func(begin time.Time) {
				m.DispatchDuration.With(prometheus.Labels{
					LabelContract: call.Contract,
					LabelMethod:   call.Method,
					LabelSuccess:  fmt.Sprint(res.Status == message.StatusOk),
				}).Observe(time.Since(begin).Seconds())
			}(time.Now())
			return next(ctx, call)
		}
	}
}
