package server

import (
	"context"
	"encoding/json"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"callbridge/client"
	"callbridge/message"
	"callbridge/middleware"
	"callbridge/promise"
	"callbridge/transport"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type Calculator interface {
	Add(a, b int) int
	Divide(a, b float64) (float64, error)
	Count(n int, onTick func(i int) bool) int
	Later(n int) *promise.Future[int]
	Sum(nums ...int) int
	Tenant(ctx context.Context) string
	Explode()
}

var calculatorType = reflect.TypeOf((*Calculator)(nil)).Elem()

type tenantKey struct{}

var errDivideByZero = errors.New("divide by zero")

type Calc struct {
	closed *atomic.Bool
}

func newCalc() *Calc {
	return &Calc{closed: atomic.NewBool(false)}
}

func (c *Calc) Add(a, b int) int {
	return a + b
}

func (c *Calc) Divide(a, b float64) (float64, error) {
	if b == 0 {
		return 0, errDivideByZero
	}
	return a / b, nil
}

func (c *Calc) Count(n int, onTick func(i int) bool) int {
	for i := 0; i < n; i++ {
		onTick(i)
	}
	return n
}

func (c *Calc) Later(n int) *promise.Future[int] {
	return promise.Run(func() (int, error) {
		time.Sleep(10 * time.Millisecond)
		return n * 2, nil
	})
}

func (c *Calc) Sum(nums ...int) int {
	total := 0
	for _, n := range nums {
		total += n
	}
	return total
}

func (c *Calc) Tenant(ctx context.Context) string {
	v, _ := ctx.Value(tenantKey{}).(string)
	return v
}

func (c *Calc) Explode() {
	panic("kaboom")
}

func (c *Calc) Close() error {
	c.closed.Store(true)
	return nil
}

// recorder is a transport that keeps everything sent on it.
type recorder struct {
	mu   sync.Mutex
	sent []*message.MethodResult
}

func (r *recorder) Send(env message.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env.(*message.MethodResult))
	return nil
}

func (r *recorder) Close() error {
	return nil
}

func (r *recorder) results() []*message.MethodResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*message.MethodResult(nil), r.sent...)
}

func getDispatcher(t *testing.T, opts ...Option) (*Dispatcher, *recorder, *Calc) {
	rec := &recorder{}
	calc := newCalc()
	d := NewDispatcher(calc, rec, opts...)
	require.NoError(t, d.AddServiceEndpoint(calculatorType))
	t.Cleanup(func() {
		d.Close()
	})
	return d, rec, calc
}

func dispatch(d *Dispatcher, method string, args ...any) *message.MethodResult {
	return d.Dispatch(context.Background(), message.NewCall(1, "Calculator", method, args))
}

func TestDispatchClassNotFound(t *testing.T) {
	as := require.New(t)
	d, _, _ := getDispatcher(t)

	res := d.Dispatch(context.Background(), message.NewCall(3, "Nope", "Add", nil))
	as.Equal(message.StatusClassNotFound, res.Status)
	as.Equal("Nope", res.Payload)
	as.Equal(message.CallID(3), res.ID)
}

func TestDispatchMethodNotFound(t *testing.T) {
	as := require.New(t)
	d, _, _ := getDispatcher(t)

	res := dispatch(d, "Multiply", 1, 2)
	as.Equal(message.StatusMethodNotFound, res.Status)
	as.Equal("Calculator::Multiply", res.Payload)
}

func TestDispatchRoundTrip(t *testing.T) {
	as := require.New(t)
	d, _, _ := getDispatcher(t)

	res := d.Dispatch(context.Background(),
		message.NewCall(5, "calculator", "Add", []any{json.Number("2"), json.Number("40")}))
	as.Equal(message.StatusOk, res.Status)
	as.Equal(42, res.Payload)

	res = dispatch(d, "Divide", 9.0, 2)
	as.Equal(message.StatusOk, res.Status)
	as.Equal(4.5, res.Payload)

	res = dispatch(d, "Sum", []any{1, 2, 3})
	as.Equal(message.StatusOk, res.Status)
	as.Equal(6, res.Payload)
}

func TestDispatchMethodFailed(t *testing.T) {
	as := require.New(t)
	d, _, _ := getDispatcher(t)

	res := dispatch(d, "Divide", 1, 0)
	as.Equal(message.StatusMethodFailed, res.Status)
	as.Contains(res.Payload, "divide by zero")

	res = dispatch(d, "Explode")
	as.Equal(message.StatusMethodFailed, res.Status)
	as.Contains(res.Payload, "kaboom")

	// bare name fallback, then the argument count doesn't fit
	res = dispatch(d, "Add", 1)
	as.Equal(message.StatusMethodFailed, res.Status)
	as.Contains(res.Payload, "argument count mismatch")

	res = dispatch(d, "Add", "one", 2)
	as.Equal(message.StatusMethodFailed, res.Status)
}

func TestDispatchCallback(t *testing.T) {
	as := require.New(t)
	d, rec, _ := getDispatcher(t)

	res := dispatch(d, "Count", 3, json.Number("9"))
	as.Equal(message.StatusOk, res.Status)
	as.Equal(3, res.Payload)

	sent := rec.results()
	as.Len(sent, 3)
	for i, r := range sent {
		as.Equal(message.CallID(9), r.ID)
		as.Equal(message.StatusContinue, r.Status)
		as.Equal([]any{i}, r.Payload)
	}

	// a nil handle reaches the method as a nil func
	res = dispatch(d, "Count", 0, nil)
	as.Equal(message.StatusOk, res.Status)
}

func TestDispatchAwaitsDeferredResult(t *testing.T) {
	as := require.New(t)
	d, _, _ := getDispatcher(t)

	res := dispatch(d, "Later", 21)
	as.Equal(message.StatusOk, res.Status)
	as.Equal(42, res.Payload)
}

func TestDispatchInjectsContext(t *testing.T) {
	as := require.New(t)
	d, _, _ := getDispatcher(t)

	ctx := context.WithValue(context.Background(), tenantKey{}, "acme")
	res := d.Dispatch(ctx, message.NewCall(1, "Calculator", "Tenant", nil))
	as.Equal(message.StatusOk, res.Status)
	as.Equal("acme", res.Payload)
}

func TestDispatchMiddleware(t *testing.T) {
	as := require.New(t)
	d, _, _ := getDispatcher(t, WithMiddleware(middleware.RateLimit(0, 1)))

	as.Equal(message.StatusOk, dispatch(d, "Add", 1, 2).Status)
	as.Equal(message.StatusMethodFailed, dispatch(d, "Add", 1, 2).Status)
}

func TestDispatchNeverReturnsNil(t *testing.T) {
	as := require.New(t)

	swallow := func(middleware.HandlerFunc) middleware.HandlerFunc {
		return func(context.Context, *message.MethodCall) *message.MethodResult {
			return nil
		}
	}
	d, _, _ := getDispatcher(t, WithMiddleware(swallow))

	res := dispatch(d, "Add", 1, 2)
	as.NotNil(res)
	as.Equal(message.CallID(1), res.ID)
	as.Equal(message.StatusMethodFailed, res.Status)
}

func TestDispatchAfterCancelWithRetry(t *testing.T) {
	as := require.New(t)
	d, _, _ := getDispatcher(t, WithMiddleware(middleware.Retry(3, time.Millisecond, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := d.Dispatch(ctx, message.NewCall(4, "Calculator", "Add", []any{1, 2}))
	as.NotNil(res)
	as.Equal(message.CallID(4), res.ID)
	as.Equal(message.StatusMethodFailed, res.Status)
}

func TestDrainRefusesNewCallsAndWaits(t *testing.T) {
	as := require.New(t)
	d, rec, _ := getDispatcher(t)

	d.receive(message.NewCall(1, "Calculator", "Later", []any{21}))
	as.NoError(d.Drain(context.Background()))

	sent := rec.results()
	as.Len(sent, 1)
	as.Equal(message.StatusOk, sent[0].Status)
	as.Equal(42, sent[0].Payload)

	d.receive(message.NewCall(2, "Calculator", "Add", []any{1, 2}))
	sent = rec.results()
	as.Len(sent, 2)
	as.Equal(message.CallID(2), sent[1].ID)
	as.Equal(message.StatusMethodFailed, sent[1].Status)
	as.Contains(sent[1].Payload, ErrDraining.Error())
}

func TestDrainGivesUpWithContext(t *testing.T) {
	as := require.New(t)
	d, _, _ := getDispatcher(t)

	d.receive(message.NewCall(1, "Calculator", "Later", []any{1}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	as.ErrorIs(d.Drain(ctx), context.Canceled)
	// let the call finish before the leak check
	as.NoError(d.Drain(context.Background()))
}

type Listener interface {
	On(event string)
}

type Watcher interface {
	Watch(l Listener)
}

type watcher struct{}

func (watcher) Watch(Listener) {}

type Greedy interface {
	Fetch(each func(int) int)
}

type greedy struct{}

func (greedy) Fetch(func(int) int) {}

func TestRegistrationRejectsUnsupportedShapes(t *testing.T) {
	as := require.New(t)

	d := NewDispatcher(watcher{}, &recorder{})
	err := d.AddServiceEndpoint(reflect.TypeOf((*Watcher)(nil)).Elem())
	as.ErrorIs(err, ErrUnsupportedMethod)

	d = NewDispatcher(greedy{}, &recorder{})
	as.Error(d.AddServiceEndpoint(reflect.TypeOf((*Greedy)(nil)).Elem()))

	d = NewDispatcher(watcher{}, &recorder{})
	as.Error(d.AddServiceEndpoint(calculatorType))
	as.Error(d.AddServiceEndpoint(reflect.TypeOf(watcher{})))
}

func TestRegisterAll(t *testing.T) {
	as := require.New(t)

	d := NewDispatcher(newCalc(), &recorder{})
	as.NoError(d.RegisterAll())
	as.Equal([]string{"Calc"}, d.Contracts())

	res := d.Dispatch(context.Background(), message.NewCall(1, "calc", "Add", []any{1, 1}))
	as.Equal(message.StatusOk, res.Status)
	as.Equal(2, res.Payload)
}

func TestServeOverStream(t *testing.T) {
	as := require.New(t)

	c1, c2 := net.Pipe()
	calc := newCalc()
	d := NewDispatcher(calc, transport.NewStream(c2))
	as.NoError(d.AddServiceEndpoint(calculatorType))
	d.Serve()
	as.ErrorIs(d.AddServiceEndpoint(calculatorType), ErrServing)

	ic := client.New(transport.NewStream(c1))
	defer ic.Close()

	got, err := client.Call[int](ic, "Calculator", "Add", 20, 22)
	as.NoError(err)
	as.Equal(42, got)

	var (
		mu    sync.Mutex
		ticks []int
	)
	n, err := client.Call[int](ic, "Calculator", "Count", 4, func(i int) bool {
		mu.Lock()
		defer mu.Unlock()
		ticks = append(ticks, i)
		return true
	})
	as.NoError(err)
	as.Equal(4, n)
	mu.Lock()
	as.Equal([]int{0, 1, 2, 3}, ticks)
	mu.Unlock()

	_, err = client.Call[float64](ic, "Calculator", "Divide", 1, 0)
	var remote *client.RemoteError
	as.ErrorAs(err, &remote)
	as.Equal(message.StatusMethodFailed, remote.Status)

	as.NoError(d.Close())
	as.True(calc.closed.Load())
	as.True(d.Closed())
	<-d.Done()
}

func TestCloserCallTearsDownDispatcher(t *testing.T) {
	as := require.New(t)

	c1, c2 := net.Pipe()
	calc := newCalc()
	d := NewDispatcher(calc, transport.NewStream(c2))
	as.NoError(d.AddServiceEndpoint(calculatorType))
	d.Serve()

	caller := transport.NewStream(c1)
	defer caller.Close()
	as.NoError(caller.Send(message.NewCall(1, "Closer", "Close", nil)))

	select {
	case <-d.Done():
	case <-time.After(time.Second * 2):
		t.Fatal("dispatcher did not stop")
	}
	as.True(d.Closed())
	as.Eventually(calc.closed.Load, time.Second, time.Millisecond*10)
}
