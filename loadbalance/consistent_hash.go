package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"strings"
	"sync"

	"callbridge/registry"
)

// ConsistentHashBalancer maps keys to instances using a hash ring, so the same contract
// keeps landing on the same host until the host set changes.
//
// Each real instance is mapped to replicas virtual nodes to spread load evenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	replicas int

	mu    sync.Mutex
	ring  []uint32
	nodes map[uint32]*registry.Instance
	// members is the sorted address list the ring was built from
	members string
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per instance.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]*registry.Instance),
	}
}

// Add places an instance onto the hash ring.
func (b *ConsistentHashBalancer) Add(instance *registry.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(instance)
}

func (b *ConsistentHashBalancer) add(instance *registry.Instance) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", instance.Addr, i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = instance
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick rebuilds the ring when instances differ from the last call, then finds the
// first node clockwise from the key's hash.
func (b *ConsistentHashBalancer) Pick(key string, instances []registry.Instance) (*registry.Instance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(instances) > 0 {
		if members := membersOf(instances); members != b.members {
			b.ring = b.ring[:0]
			b.nodes = make(map[uint32]*registry.Instance)
			for i := range instances {
				inst := instances[i]
				b.add(&inst)
			}
			b.members = members
		}
	}
	if len(b.ring) == 0 {
		return nil, registry.ErrNoInstances
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	return b.nodes[b.ring[idx]], nil
}

func membersOf(instances []registry.Instance) string {
	addrs := make([]string, len(instances))
	for i, inst := range instances {
		addrs[i] = inst.Addr
	}
	sort.Strings(addrs)
	return strings.Join(addrs, ",")
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
