package server

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"
	"time"

	"callbridge/callback"
	"callbridge/codec"
	"callbridge/message"
	"callbridge/middleware"
	"callbridge/promise"
	"callbridge/transport"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	ErrServing  = errors.New("server: endpoints can't change once serving")
	ErrDraining = errors.New("server: shutting down, call not accepted")
)

// The synthetic call a caller's io.Closer stub would produce.
const (
	closerContract = "Closer"
	closeMethod    = "Close"
)

const joinWait = 250 * time.Millisecond

type services map[string]*service

// Dispatcher serves calls arriving on one transport against one instance.
//
// Endpoints are registered before serving starts and never change afterwards. Every call
// is dispatched on its own goroutine, so a slow method or one waiting on a callback does
// not hold up the calls behind it.
type Dispatcher struct {
	logger    *zap.Logger
	instance  any
	transport transport.Sender
	ctx       context.Context
	cancel    context.CancelFunc

	services    *atomic.Pointer[services]
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	started  *atomic.Bool
	running  *atomic.Bool
	closed   *atomic.Bool
	loopDone chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// intake guards inflight.Add against Drain's inflight.Wait.
	intake   sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

type Option func(*Dispatcher)

func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithMiddleware wraps every dispatch, in the order given.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Dispatcher) {
		d.middlewares = append(d.middlewares, mws...)
	}
}

func NewDispatcher(instance any, t transport.Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logger:    zap.NewNop(),
		instance:  instance,
		transport: t,
		services:  atomic.NewPointer(&services{}),
		started:   atomic.NewBool(false),
		running:   atomic.NewBool(false),
		closed:    atomic.NewBool(false),
		loopDone:  make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.handler = middleware.Chain(d.middlewares...)(d.invoke)
	return d
}

// AddServiceEndpoint hosts the interface type contract, which the instance must
// implement. The contract is found by its name, case-insensitively.
func (d *Dispatcher) AddServiceEndpoint(contract reflect.Type) error {
	if d.started.Load() {
		return ErrServing
	}
	if contract.Kind() != reflect.Interface {
		return errors.Errorf("server: contract %s is not an interface", contract)
	}
	rcvr := reflect.ValueOf(d.instance)
	if !rcvr.IsValid() || !rcvr.Type().Implements(contract) {
		return errors.Errorf("server: %T does not implement %s", d.instance, contract)
	}

	svc := newService(contract.Name())
	for i := 0; i < contract.NumMethod(); i++ {
		name := contract.Method(i).Name
		m, err := newMethodType(name, rcvr.MethodByName(name))
		if err != nil {
			return errors.Wrapf(err, "contract %s", contract.Name())
		}
		svc.add(m)
	}
	d.put(svc)
	return nil
}

// RegisterAll hosts every exported method of the instance under the instance's type
// name. Methods with unsupported signatures are skipped.
func (d *Dispatcher) RegisterAll() error {
	if d.started.Load() {
		return ErrServing
	}
	rcvr := reflect.ValueOf(d.instance)
	if !rcvr.IsValid() {
		return errors.New("server: no instance")
	}
	typ := rcvr.Type()

	svc := newService(typeName(typ))
	for i := 0; i < typ.NumMethod(); i++ {
		name := typ.Method(i).Name
		m, err := newMethodType(name, rcvr.Method(i))
		if err != nil {
			d.logger.Debug("Skipping method", zap.String("method", name), zap.Error(err))
			continue
		}
		svc.add(m)
	}
	if len(svc.method) == 0 {
		return errors.Errorf("server: %s has no methods to host", svc.name)
	}
	d.put(svc)
	return nil
}

func (d *Dispatcher) put(svc *service) {
	next := services{}
	for k, v := range *d.services.Load() {
		next[k] = v
	}
	next[contractKey(svc.name)] = svc
	d.services.Store(&next)
}

// Contracts lists the names of the hosted contracts.
func (d *Dispatcher) Contracts() []string {
	var names []string
	for _, svc := range *d.services.Load() {
		names = append(names, svc.name)
	}
	return names
}

// Dispatch runs one call through the middleware chain and returns its terminal result.
// It never returns nil: unknown contracts and methods, bad arguments, returned errors and
// panics all become a failure status.
func (d *Dispatcher) Dispatch(ctx context.Context, call *message.MethodCall) *message.MethodResult {
	res := d.handler(ctx, call)
	if res == nil {
		d.logger.Warn("Middleware returned no result", zap.Stringer("call", call))
		return failure(call, errors.Errorf("%s produced no result", call))
	}
	return res
}

func (d *Dispatcher) invoke(ctx context.Context, call *message.MethodCall) (res *message.MethodResult) {
	svc, ok := (*d.services.Load())[contractKey(call.Contract)]
	if !ok {
		return message.NewResult(call.ID, call.Contract, message.StatusClassNotFound)
	}
	m, ok := svc.lookup(call.Method, len(call.Args))
	if !ok {
		return message.NewResult(call.ID, call.Contract+"::"+call.Method, message.StatusMethodNotFound)
	}

	defer func() {
		if p := recover(); p != nil {
			res = failure(call, errors.Errorf("%s panicked: %v", call, p))
		}
	}()

	args, err := d.arguments(ctx, call, m)
	if err != nil {
		return failure(call, err)
	}
	var out []reflect.Value
	if m.variadic {
		out = m.fn.CallSlice(args)
	} else {
		out = m.fn.Call(args)
	}

	value, err := m.unpack(ctx, out)
	if err != nil {
		return failure(call, err)
	}
	return message.NewResult(call.ID, value, message.StatusOk)
}

// arguments converts the wire arguments to the method's parameter types. Func parameters
// get a stand-in that reports back to the caller over this dispatcher's transport.
func (d *Dispatcher) arguments(ctx context.Context, call *message.MethodCall, m *methodType) ([]reflect.Value, error) {
	if len(call.Args) != len(m.params) {
		return nil, errors.Wrapf(codec.ErrArity, "%s wants %d arguments, got %d", m.name, len(m.params), len(call.Args))
	}
	args := make([]reflect.Value, 0, len(m.params)+1)
	if m.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	for i, p := range m.params {
		var (
			v   reflect.Value
			err error
		)
		if callback.IsHandlerType(p) {
			v, err = callback.Materialize(p, call.Args[i], d.sendContinue)
		} else {
			v, err = codec.Convert(p, call.Args[i])
		}
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i)
		}
		args = append(args, v)
	}
	return args, nil
}

func (d *Dispatcher) sendContinue(res *message.MethodResult) error {
	err := d.transport.Send(res)
	if err != nil {
		d.logger.Warn("Callback send failed", zap.Uint16("id", uint16(res.ID)), zap.Error(err))
	}
	return err
}

// unpack picks the value and error out of a method's results, waiting on the value first
// when it is a promise.Awaiter.
func (m *methodType) unpack(ctx context.Context, out []reflect.Value) (any, error) {
	if m.withErr {
		if e := out[len(out)-1]; !e.IsNil() {
			return nil, e.Interface().(error)
		}
	}
	if m.result == nil {
		return nil, nil
	}
	v := out[0]
	if isNil(v) {
		return nil, nil
	}
	value := v.Interface()
	if aw, ok := value.(promise.Awaiter); ok {
		return aw.AwaitAny(ctx)
	}
	return value, nil
}

func isNil(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// failure reports err's innermost cause, with its stack trace when it carries one.
func failure(call *message.MethodCall, err error) *message.MethodResult {
	return message.NewResult(call.ID, fmt.Sprintf("%+v", errors.Cause(err)), message.StatusMethodFailed)
}

// Serve starts the receive loop on its own goroutine. Calling it again has no effect.
func (d *Dispatcher) Serve() {
	if d.started.CompareAndSwap(false, true) {
		go d.serve()
	}
}

// ServeAndWait runs the receive loop on the calling goroutine. For push transports it
// returns once the handler is registered; use Done to wait for the end of the connection.
func (d *Dispatcher) ServeAndWait() {
	if d.started.CompareAndSwap(false, true) {
		d.serve()
	}
}

func (d *Dispatcher) serve() {
	defer close(d.loopDone)
	if d.closed.Load() {
		return
	}
	d.running.Store(true)

	switch t := d.transport.(type) {
	case transport.Puller:
		for d.running.Load() {
			env, err := t.Pull(message.KindCall)
			if err != nil {
				d.stop(err)
				return
			}
			d.receive(env)
		}
	case transport.Pusher:
		err := t.OnPush(message.KindCall, func(env message.Envelope, err error) {
			if err != nil {
				d.stop(err)
				return
			}
			d.receive(env)
		})
		if err != nil {
			d.stop(err)
		}
	default:
		d.stop(errors.Errorf("transport %T can't receive", d.transport))
	}
}

func (d *Dispatcher) stop(cause error) {
	d.running.Store(false)
	switch {
	case d.closed.Load():
	case transport.IsClosed(cause):
		d.logger.Debug("Caller went away", zap.Error(cause))
	default:
		d.logger.Error("Dispatcher loop stopped", zap.Error(cause))
	}
	d.stopOnce.Do(func() {
		close(d.stopped)
	})
}

func (d *Dispatcher) receive(env message.Envelope) {
	call, ok := env.(*message.MethodCall)
	if !ok {
		d.logger.Warn("Discarding unexpected envelope", zap.Stringer("kind", env.Kind()))
		return
	}
	if isClose(call) {
		if _, hosted := (*d.services.Load())[contractKey(call.Contract)]; !hosted {
			d.logger.Debug("Caller closed the connection")
			go d.Close()
			return
		}
	}

	d.intake.Lock()
	if d.draining {
		d.intake.Unlock()
		if err := d.transport.Send(failure(call, ErrDraining)); err != nil {
			d.logger.Debug("Refusing call while draining", zap.Stringer("call", call), zap.Error(err))
		}
		return
	}
	d.inflight.Add(1)
	d.intake.Unlock()
	go func() {
		defer d.inflight.Done()
		res := d.Dispatch(d.ctx, call)
		if err := d.transport.Send(res); err != nil {
			d.logger.Warn("Sending result failed", zap.Stringer("call", call), zap.Error(err))
		}
	}()
}

func isClose(call *message.MethodCall) bool {
	return strings.EqualFold(call.Contract, closerContract) && strings.EqualFold(call.Method, closeMethod)
}

// Done is closed once the receive loop has stopped.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.stopped
}

// Drain stops taking new calls, refusing them with ErrDraining, and waits until every
// dispatch in flight has sent its result or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	d.intake.Lock()
	d.draining = true
	d.intake.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for ongoing calls to finish")
	}
}

// Close stops the receive loop, cancels the context of running dispatches, closes the instance when it is an io.Closer, drops the
// hosted contracts and closes the transport.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.running.Store(false)
	d.cancel()
	d.stopOnce.Do(func() {
		close(d.stopped)
	})

	var firstErr error
	if c, ok := d.instance.(io.Closer); ok {
		if err := c.Close(); err != nil {
			firstErr = errors.Wrap(err, "closing instance")
		}
	}
	d.services.Store(&services{})
	if err := d.transport.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	if d.started.Load() {
		select {
		case <-d.loopDone:
		case <-time.After(joinWait):
		}
	}
	d.logger.Debug("Dispatcher closed")
	return firstErr
}

// Closed reports whether Close has been called.
func (d *Dispatcher) Closed() bool {
	return d.closed.Load()
}
