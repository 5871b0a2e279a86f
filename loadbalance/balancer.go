// Package loadbalance picks the host a contract's calls go to.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity hosts
//   - WeightedRandom:  hosts of different capacity
//   - ConsistentHash:  keeps a contract on the same host while the host set is stable
package loadbalance

import (
	"callbridge/registry"

	"github.com/pkg/errors"
)

// Balancer is the interface for load balancing strategies.
// The client calls Pick() when it needs a connection for a contract.
type Balancer interface {
	// Pick selects one instance from the available list. key is the contract name.
	// Must be goroutine-safe.
	Pick(key string, instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer with the given name: roundrobin, random or hash.
func New(name string) (Balancer, error) {
	switch name {
	case "", "roundrobin":
		return &RoundRobinBalancer{}, nil
	case "random":
		return &WeightedRandomBalancer{}, nil
	case "hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.Errorf("loadbalance: unknown balancer %q", name)
	}
}
