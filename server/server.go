// Package server hosts contract implementations for remote callers.
//
// Request processing pipeline:
//
//	Accept conn → handleConn: one Dispatcher per connection, its loop reads calls
//	  → for each call: go dispatch (parallel processing)
//	    → Middleware Chain → invoke (reflect.Call) → result sent on the same transport
//
// Callback stand-ins send their Continue results on the transport of the connection the
// call arrived on.
package server

import (
	"context"
	"net"
	"net/http"
	"reflect"
	"sync"
	"time"

	"callbridge/codec"
	"callbridge/message"
	"callbridge/middleware"
	"callbridge/promise"
	"callbridge/registry"
	"callbridge/transport"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Host accepts connections and serves each with a Dispatcher over a fresh instance.
type Host struct {
	logger      *zap.Logger
	factory     func() any
	contracts   []reflect.Type
	names       []string
	middlewares []middleware.Middleware
	codecType   codec.CodecType
	heartbeat   time.Duration

	listener net.Listener
	shutdown *atomic.Bool
	conns    sync.WaitGroup

	mu          sync.Mutex
	dispatchers map[*Dispatcher]struct{}
	registry    registry.Registry
	advertised  []advertisement
}

type advertisement struct {
	contract string
	addr     string
}

type HostOption func(*Host)

func WithHostLogger(logger *zap.Logger) HostOption {
	return func(h *Host) {
		h.logger = logger
	}
}

// WithContracts hosts the given interface types. Without it every exported method of the
// instance is hosted under the instance's type name.
func WithContracts(contracts ...reflect.Type) HostOption {
	return func(h *Host) {
		h.contracts = append(h.contracts, contracts...)
	}
}

func WithHostMiddleware(mws ...middleware.Middleware) HostOption {
	return func(h *Host) {
		h.middlewares = append(h.middlewares, mws...)
	}
}

func WithHostCodec(ct codec.CodecType) HostOption {
	return func(h *Host) {
		h.codecType = ct
	}
}

// WithHostHeartbeat makes tcp connections send a heartbeat frame every interval.
func WithHostHeartbeat(interval time.Duration) HostOption {
	return func(h *Host) {
		h.heartbeat = interval
	}
}

// NewHost creates a host serving instances made by factory. One dispatcher is built up
// front so unsupported method signatures are reported here rather than per connection.
func NewHost(factory func() any, opts ...HostOption) (*Host, error) {
	h := &Host{
		logger:      zap.NewNop(),
		factory:     factory,
		codecType:   codec.CodecTypeJSON,
		shutdown:    atomic.NewBool(false),
		dispatchers: make(map[*Dispatcher]struct{}),
	}
	for _, o := range opts {
		o(h)
	}

	probe, err := h.newDispatcher(discard{})
	if err != nil {
		return nil, err
	}
	h.names = probe.Contracts()
	probe.Close()
	return h, nil
}

func (h *Host) newDispatcher(t transport.Sender) (*Dispatcher, error) {
	d := NewDispatcher(h.factory(), t,
		WithLogger(h.logger),
		WithMiddleware(h.middlewares...))
	if len(h.contracts) == 0 {
		if err := d.RegisterAll(); err != nil {
			return nil, err
		}
		return d, nil
	}
	for _, c := range h.contracts {
		if err := d.AddServiceEndpoint(c); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Contracts lists the names of the hosted contracts.
func (h *Host) Contracts() []string {
	return h.names
}

// Advertise registers every hosted contract under instance. Shutdown deregisters them.
func (h *Host) Advertise(ctx context.Context, reg registry.Registry, instance registry.Instance, ttl int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.registry = reg
	for _, name := range h.names {
		if err := reg.Register(ctx, name, instance, ttl); err != nil {
			return errors.Wrapf(err, "advertising %s", name)
		}
		h.advertised = append(h.advertised, advertisement{contract: name, addr: instance.Addr})
		h.logger.Info("Advertised contract", zap.String("contract", name), zap.String("addr", instance.Addr))
	}
	return nil
}

// ListenAndServe listens on the address and serves until Shutdown.
func (h *Host) ListenAndServe(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return h.Serve(l)
}

// Serve runs the accept loop on l until Shutdown.
func (h *Host) Serve(l net.Listener) error {
	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()

	h.logger.Info("Host serving", zap.String("addr", l.Addr().String()))
	for {
		conn, err := l.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if h.shutdown.Load() {
				return nil
			}
			return err
		}
		h.conns.Add(1)
		go h.handleConn(conn)
	}
}

// handleConn serves one connection until the caller goes away or the host shuts down.
func (h *Host) handleConn(conn net.Conn) {
	defer h.conns.Done()

	logger := h.logger.With(zap.String("remote", conn.RemoteAddr().String()))
	stream := transport.NewStream(conn,
		transport.WithCodec(h.codecType),
		transport.WithHeartbeat(h.heartbeat),
		transport.WithStreamLogger(logger))

	d, err := h.newDispatcher(stream)
	if err != nil {
		logger.Error("Building dispatcher", zap.Error(err))
		stream.Close()
		return
	}
	if !h.track(d) {
		d.Close()
		return
	}
	defer h.untrack(d)

	d.ServeAndWait()
	d.Close()
}

// ServeWebSocket upgrades the request and serves the connection with its own dispatcher.
// It returns once the connection ends.
func (h *Host) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.With(zap.String("remote", r.RemoteAddr))
	ws, err := transport.UpgradeWebSocket(w, r,
		transport.WithWebSocketCodec(h.codecType),
		transport.WithWebSocketLogger(logger))
	if err != nil {
		logger.Warn("Upgrading to websocket", zap.Error(err))
		return
	}

	d, err := h.newDispatcher(ws)
	if err != nil {
		logger.Error("Building dispatcher", zap.Error(err))
		ws.Close()
		return
	}
	if !h.track(d) {
		d.Close()
		return
	}
	defer h.untrack(d)

	d.Serve()
	<-d.Done()
	d.Close()
}

func (h *Host) track(d *Dispatcher) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.shutdown.Load() {
		return false
	}
	h.dispatchers[d] = struct{}{}
	return true
}

func (h *Host) untrack(d *Dispatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.dispatchers, d)
}

// Shutdown performs graceful shutdown:
//  1. Deregister advertised contracts (callers stop picking this host)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listener (stop accepting new connections)
//  4. Drain every connection concurrently: refuse new calls, wait for in-flight ones
//     (with timeout), then close every connection
func (h *Host) Shutdown(timeout time.Duration) error {
	h.mu.Lock()
	for _, a := range h.advertised {
		if err := h.registry.Deregister(context.Background(), a.contract, a.addr); err != nil {
			h.logger.Warn("Deregistering contract", zap.String("contract", a.contract), zap.Error(err))
		}
	}
	h.advertised = nil

	h.shutdown.Store(true)
	if h.listener != nil {
		h.listener.Close()
	}
	dispatchers := make([]*Dispatcher, 0, len(h.dispatchers))
	for d := range h.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	h.mu.Unlock()

	deadline := time.Now().Add(timeout)
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	drains := make([]*promise.Future[struct{}], 0, len(dispatchers))
	for _, d := range dispatchers {
		d := d
		drains = append(drains, promise.Run(func() (struct{}, error) {
			return struct{}{}, d.Drain(ctx)
		}))
	}
	var waitErr error
	_, errs := promise.All(ctx, drains...)
	for _, err := range errs {
		if err != nil && waitErr == nil {
			waitErr = err
		}
	}
	for _, d := range dispatchers {
		d.Close()
	}

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Until(deadline) + joinWait):
		if waitErr == nil {
			waitErr = errors.New("timeout waiting for connections to close")
		}
	}
	return waitErr
}

// discard is the transport of the dispatcher NewHost builds to check the contracts.
type discard struct{}

func (discard) Send(message.Envelope) error {
	return transport.ErrClosed
}

func (discard) Close() error {
	return nil
}
