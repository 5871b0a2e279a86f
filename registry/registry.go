// Package registry advertises which hosts serve which contracts.
//
// Hosts register one Instance per hosted contract; callers discover the instances of the
// contract they want and hand them to a load balancer.
package registry

import (
	"context"

	"github.com/pkg/errors"
)

// Networks an Instance can be reached on.
const (
	NetworkTCP       = "tcp"
	NetworkWebSocket = "ws"
)

var ErrNoInstances = errors.New("registry: no instances available")

type Instance struct {
	Addr    string `json:"addr"` // host:port for tcp, a ws:// URL for websocket
	Network string `json:"network"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version"`
}

type Registry interface {
	Register(ctx context.Context, contract string, instance Instance, ttl int64) error
	Deregister(ctx context.Context, contract string, addr string) error
	Discover(ctx context.Context, contract string) ([]Instance, error)
	// Watch emits the full instance list whenever it changes, until ctx is done.
	Watch(ctx context.Context, contract string) <-chan []Instance
}
