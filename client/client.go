package client

import (
	"context"
	"net"
	"reflect"
	"sync"
	"time"

	"callbridge/codec"
	"callbridge/loadbalance"
	"callbridge/registry"
	"callbridge/transport"

	"github.com/avast/retry-go/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Client finds a host for a contract through a registry and keeps one listening
// Interceptor per host address.
type Client struct {
	logger    *zap.Logger
	registry  registry.Registry
	balancer  loadbalance.Balancer
	codecType codec.CodecType
	heartbeat time.Duration
	attempts  uint
	delay     time.Duration

	mu           sync.Mutex
	interceptors map[string]*Interceptor
}

type ClientOption func(*Client)

func WithClientLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func WithCodec(ct codec.CodecType) ClientOption {
	return func(c *Client) {
		c.codecType = ct
	}
}

// WithHeartbeat makes tcp connections send a heartbeat frame every interval.
func WithHeartbeat(interval time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeat = interval
	}
}

// WithDialRetry sets how many times a host is dialed before giving up.
func WithDialRetry(attempts uint, delay time.Duration) ClientOption {
	return func(c *Client) {
		c.attempts = attempts
		c.delay = delay
	}
}

func NewClient(reg registry.Registry, bal loadbalance.Balancer, opts ...ClientOption) *Client {
	c := &Client{
		logger:       zap.NewNop(),
		registry:     reg,
		balancer:     bal,
		codecType:    codec.CodecTypeJSON,
		attempts:     3,
		delay:        100 * time.Millisecond,
		interceptors: make(map[string]*Interceptor),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Interceptor returns a listening interceptor connected to a host serving contract.
func (c *Client) Interceptor(ctx context.Context, contract string) (*Interceptor, error) {
	instances, err := c.registry.Discover(ctx, contract)
	if err != nil {
		return nil, err
	}
	instance, err := c.balancer.Pick(contract, instances)
	if err != nil {
		return nil, errors.Wrapf(err, "picking a host for %s", contract)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ic, ok := c.interceptors[instance.Addr]; ok {
		if !ic.Closed() {
			return ic, nil
		}
		ic.Close()
		delete(c.interceptors, instance.Addr)
	}

	ic, err := c.dial(ctx, *instance)
	if err != nil {
		return nil, err
	}
	c.interceptors[instance.Addr] = ic
	return ic, nil
}

func (c *Client) dial(ctx context.Context, instance registry.Instance) (*Interceptor, error) {
	logger := c.logger.With(zap.String("addr", instance.Addr), zap.String("network", instance.Network))

	var t transport.Sender
	err := retry.Do(func() error {
		switch instance.Network {
		case registry.NetworkWebSocket:
			ws, err := transport.DialWebSocket(ctx, instance.Addr,
				transport.WithWebSocketCodec(c.codecType),
				transport.WithWebSocketLogger(logger))
			if err != nil {
				return err
			}
			t = ws
		default:
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", instance.Addr)
			if err != nil {
				return err
			}
			t = transport.NewStream(conn,
				transport.WithCodec(c.codecType),
				transport.WithHeartbeat(c.heartbeat),
				transport.WithStreamLogger(logger))
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Debug("Dial failed, retrying", zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing %s", instance.Addr)
	}

	ic := New(t, WithLogger(logger))
	ic.Listen()
	logger.Debug("Connected to host")
	return ic, nil
}

// Invoke calls method on whichever host serves contract.
func (c *Client) Invoke(ctx context.Context, contract, method string, args []any, ret reflect.Type) (any, error) {
	ic, err := c.Interceptor(ctx, contract)
	if err != nil {
		return nil, err
	}
	return ic.Invoke(contract, method, args, ret)
}

// Close closes every interceptor the client opened.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for addr, ic := range c.interceptors {
		if err := ic.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrapf(err, "closing %s", addr)
		}
		delete(c.interceptors, addr)
	}
	return firstErr
}
