package client

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"callbridge/callback"
	"callbridge/codec"
	"callbridge/correlation"
	"callbridge/message"
	"callbridge/promise"
	"callbridge/transport"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	ErrClosed   = errors.New("interceptor closed")
	ErrCanceled = errors.New("call canceled")
	ErrProtocol = errors.New("protocol error")
)

// The contract and method a stub for io.Closer produces. Such a call tears the
// interceptor down locally and is never sent.
const (
	CloserContract = "Closer"
	CloseMethod    = "Close"
)

// joinWait bounds how long Close waits for the listener to exit.
const joinWait = 250 * time.Millisecond

// RemoteError reports a call the host answered with a failure status.
type RemoteError struct {
	Status  message.Status
	Payload any
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("[%s] %v", e.Status, e.Payload)
}

// Interceptor turns method invocations into calls on a transport and matches the
// results that come back.
//
// One listener goroutine reads the transport. Results are routed to the waiting call by
// id; Continue results are replayed on the callbacks this interceptor sent across.
type Interceptor struct {
	logger    *zap.Logger
	transport transport.Sender
	calls     *correlation.Table
	callbacks *callback.Registry

	started   *atomic.Bool
	listening *atomic.Bool
	closed    *atomic.Bool
	loopDone  chan struct{}
}

type Option func(*Interceptor)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Interceptor) {
		c.logger = logger
	}
}

// New creates an interceptor over t. t must also be a transport.Puller or a
// transport.Pusher for results to be received.
func New(t transport.Sender, opts ...Option) *Interceptor {
	ids := correlation.NewIDs()
	c := &Interceptor{
		logger:    zap.NewNop(),
		transport: t,
		calls:     correlation.NewTable(ids),
		callbacks: callback.NewRegistry(ids),
		started:   atomic.NewBool(false),
		listening: atomic.NewBool(false),
		closed:    atomic.NewBool(false),
		loopDone:  make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Listen starts the listener on its own goroutine. Calling it again has no effect.
func (c *Interceptor) Listen() {
	if c.started.CompareAndSwap(false, true) {
		go c.listen()
	}
}

// ListenAndWait runs the listener on the calling goroutine until the transport fails or
// the interceptor is closed. For push transports it returns once the handler is registered.
func (c *Interceptor) ListenAndWait() {
	if c.started.CompareAndSwap(false, true) {
		c.listen()
	}
}

func (c *Interceptor) listen() {
	defer close(c.loopDone)
	if c.closed.Load() {
		return
	}
	c.listening.Store(true)

	switch t := c.transport.(type) {
	case transport.Puller:
		for c.listening.Load() {
			env, err := t.Pull(message.KindResult)
			if err != nil {
				c.stop(err)
				return
			}
			c.receive(env)
		}
	case transport.Pusher:
		err := t.OnPush(message.KindResult, func(env message.Envelope, err error) {
			if err != nil {
				c.stop(err)
				return
			}
			c.receive(env)
		})
		if err != nil {
			c.stop(err)
		}
	default:
		c.stop(errors.Errorf("transport %T can't receive", c.transport))
	}
}

// stop ends listening for good and releases every waiting call.
func (c *Interceptor) stop(cause error) {
	c.listening.Store(false)
	if c.closed.Load() {
		return
	}
	if transport.IsClosed(cause) {
		c.logger.Debug("Host went away", zap.Error(cause))
	} else {
		c.logger.Error("Interceptor listener stopped", zap.Error(cause))
	}
	if n := c.calls.CancelAll(errors.Wrap(ErrCanceled, cause.Error())); n > 0 {
		c.logger.Debug("Canceled pending calls", zap.Int("count", n))
	}
}

func (c *Interceptor) receive(env message.Envelope) {
	res, ok := env.(*message.MethodResult)
	if !ok {
		c.logger.Warn("Discarding unexpected envelope", zap.Stringer("kind", env.Kind()))
		return
	}
	if res.Status == message.StatusContinue {
		if err := c.callbacks.Replay(res.ID, res.Payload); err != nil {
			c.logger.Warn("Callback replay failed", zap.Uint16("id", uint16(res.ID)), zap.Error(err))
		}
		return
	}
	if !c.calls.Resolve(res) {
		c.logger.Warn("Discarding result with no pending call",
			zap.Uint16("id", uint16(res.ID)),
			zap.Stringer("status", res.Status))
	}
}

// Invoke performs a call and blocks until its result arrives. ret is the type the
// result is converted to; nil means the method returns nothing.
func (c *Interceptor) Invoke(contract, method string, args []any, ret reflect.Type) (any, error) {
	call, p, err := c.request(contract, method, args, correlation.Sync)
	if err != nil || call == nil {
		return nil, err
	}
	res, err := p.Wait()
	if err != nil {
		return nil, err
	}
	return unpack(res, ret)
}

// InvokeAsync performs a call without blocking. The returned future resolves with the
// result converted to ret.
func (c *Interceptor) InvokeAsync(contract, method string, args []any, ret reflect.Type) *promise.Future[any] {
	call, p, err := c.request(contract, method, args, correlation.Async)
	if err != nil {
		return promise.Rejected[any](err)
	}
	if call == nil {
		return promise.Resolved[any](nil)
	}
	return promise.Then(p.Future(), func(res *message.MethodResult) (any, error) {
		return unpack(res, ret)
	})
}

// request packs and sends a call. A nil call with a nil error means the call was the
// local close signal and has been handled.
func (c *Interceptor) request(contract, method string, args []any, mode correlation.Mode) (*message.MethodCall, *correlation.Pending, error) {
	if c.closed.Load() {
		return nil, nil, ErrClosed
	}
	if isClose(contract, method) {
		return nil, nil, c.Close()
	}
	wireArgs, err := c.callbacks.Rewrite(args)
	if err != nil {
		return nil, nil, err
	}

	c.Listen()
	p, err := c.calls.Register(mode)
	if err != nil {
		if errors.Is(err, correlation.ErrClosed) {
			return nil, nil, ErrClosed
		}
		return nil, nil, err
	}
	call := message.NewCall(p.ID, contract, method, wireArgs)
	if err := c.transport.Send(call); err != nil {
		err = errors.Wrapf(err, "sending %s", call)
		c.calls.Fail(p.ID, err)
		return nil, nil, err
	}
	return call, p, nil
}

func unpack(res *message.MethodResult, ret reflect.Type) (any, error) {
	switch res.Status {
	case message.StatusOk:
		if ret == nil {
			return nil, nil
		}
		v, err := codec.ConvertValue(ret, res.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "converting result of call %d", res.ID)
		}
		return v, nil
	case message.StatusClassNotFound, message.StatusMethodNotFound, message.StatusMethodFailed:
		return nil, &RemoteError{Status: res.Status, Payload: res.Payload}
	default:
		return nil, errors.Wrapf(ErrProtocol, "[%s] %v", res.Status, res.Payload)
	}
}

func isClose(contract, method string) bool {
	return strings.EqualFold(contract, CloserContract) && strings.EqualFold(method, CloseMethod)
}

// Close stops listening, cancels every pending call and closes the transport.
// Calls made afterwards fail with ErrClosed without touching the transport.
func (c *Interceptor) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.listening.Store(false)
	if n := c.calls.CancelAll(ErrCanceled); n > 0 {
		c.logger.Debug("Canceled pending calls on close", zap.Int("count", n))
	}
	err := c.transport.Close()

	if c.started.Load() {
		select {
		case <-c.loopDone:
		case <-time.After(joinWait):
		}
	}
	c.logger.Debug("Interceptor closed")
	return err
}

// Listening reports whether the listener is running.
func (c *Interceptor) Listening() bool {
	return c.listening.Load()
}

// Closed reports whether the interceptor can no longer make calls, either because it was
// closed or because its listener died.
func (c *Interceptor) Closed() bool {
	return c.closed.Load() || c.calls.Closed()
}

// Pending is the number of calls waiting for a result.
func (c *Interceptor) Pending() int {
	return c.calls.Len()
}

// Callbacks is the number of funcs this interceptor has sent across.
func (c *Interceptor) Callbacks() int {
	return c.callbacks.Len()
}

// Call invokes a method returning T and waits for the result.
func Call[T any](c *Interceptor, contract, method string, args ...any) (T, error) {
	var zero T
	v, err := c.Invoke(contract, method, args, typeOf[T]())
	if err != nil || v == nil {
		return zero, err
	}
	return v.(T), nil
}

// Go invokes a method returning T without waiting.
func Go[T any](c *Interceptor, contract, method string, args ...any) *promise.Future[T] {
	return promise.Then(c.InvokeAsync(contract, method, args, typeOf[T]()), func(v any) (T, error) {
		var zero T
		if v == nil {
			return zero, nil
		}
		return v.(T), nil
	})
}

// Do invokes a method with no result and waits for it to finish.
func Do(c *Interceptor, contract, method string, args ...any) error {
	_, err := c.Invoke(contract, method, args, nil)
	return err
}

// GoDo invokes a method with no result without waiting.
func GoDo(c *Interceptor, contract, method string, args ...any) *promise.Future[struct{}] {
	return promise.Then(c.InvokeAsync(contract, method, args, nil), func(any) (struct{}, error) {
		return struct{}{}, nil
	})
}

func typeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}
