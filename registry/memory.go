package registry

import (
	"context"
	"strings"
	"sync"

	"github.com/zhangyunhao116/skipmap"
)

var _ Registry = (*Memory)(nil)

// Memory is a process-local Registry. TTLs are ignored.
type Memory struct {
	contracts *skipmap.StringMap[*skipmap.StringMap[Instance]]

	mu       sync.Mutex
	watchers map[string][]chan []Instance
}

func NewMemory() *Memory {
	return &Memory{
		contracts: skipmap.NewString[*skipmap.StringMap[Instance]](),
		watchers:  make(map[string][]chan []Instance),
	}
}

func (r *Memory) Register(_ context.Context, contract string, instance Instance, _ int64) error {
	contract = strings.ToLower(contract)
	instances, _ := r.contracts.LoadOrStoreLazy(contract, func() *skipmap.StringMap[Instance] {
		return skipmap.NewString[Instance]()
	})
	instances.Store(instance.Addr, instance)
	r.notify(contract)
	return nil
}

func (r *Memory) Deregister(_ context.Context, contract string, addr string) error {
	contract = strings.ToLower(contract)
	if instances, ok := r.contracts.Load(contract); ok {
		instances.Delete(addr)
	}
	r.notify(contract)
	return nil
}

func (r *Memory) Discover(_ context.Context, contract string) ([]Instance, error) {
	return r.list(strings.ToLower(contract)), nil
}

func (r *Memory) Watch(ctx context.Context, contract string) <-chan []Instance {
	contract = strings.ToLower(contract)
	ch := make(chan []Instance, 1)

	r.mu.Lock()
	r.watchers[contract] = append(r.watchers[contract], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		watchers := r.watchers[contract]
		for i, w := range watchers {
			if w == ch {
				r.watchers[contract] = append(watchers[:i], watchers[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *Memory) list(contract string) []Instance {
	list := make([]Instance, 0)
	if instances, ok := r.contracts.Load(contract); ok {
		instances.Range(func(_ string, instance Instance) bool {
			list = append(list, instance)
			return true
		})
	}
	return list
}

// notify hands the latest list to every watcher, replacing an update it hasn't read yet.
func (r *Memory) notify(contract string) {
	list := r.list(contract)

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ch := range r.watchers[contract] {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- list:
		default:
		}
	}
}
