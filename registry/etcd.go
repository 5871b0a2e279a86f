package registry

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// KeyPrefix roots every key this registry writes:
//
//	/callbridge/{contract}/{addr} -> JSON Instance
const KeyPrefix = "/callbridge/"

var _ Registry = (*Etcd)(nil)

// Etcd keeps instances under TTL leases, so a host that dies without deregistering
// disappears once its lease expires.
type Etcd struct {
	logger *zap.Logger
	client *clientv3.Client
}

func NewEtcd(logger *zap.Logger, endpoints []string) (*Etcd, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "connecting to etcd")
	}
	return &Etcd{logger: logger, client: c}, nil
}

func contractKey(contract string) string {
	return KeyPrefix + strings.ToLower(contract) + "/"
}

// Register puts the instance under a fresh lease and keeps the lease alive until ctx is
// done or the instance is deregistered.
func (r *Etcd) Register(ctx context.Context, contract string, instance Instance, ttl int64) error {
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "granting lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	key := contractKey(contract) + instance.Addr
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "putting %s", key)
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return errors.Wrap(err, "keeping lease alive")
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("Lease keepalive ended", zap.String("key", key))
	}()
	return nil
}

func (r *Etcd) Deregister(ctx context.Context, contract string, addr string) error {
	_, err := r.client.Delete(ctx, contractKey(contract)+addr)
	return errors.Wrap(err, "deleting instance")
}

func (r *Etcd) Discover(ctx context.Context, contract string) ([]Instance, error) {
	resp, err := r.client.Get(ctx, contractKey(contract), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrapf(err, "discovering %s", contract)
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.Warn("Skipping malformed instance", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

func (r *Etcd) Watch(ctx context.Context, contract string) <-chan []Instance {
	ch := make(chan []Instance, 1)
	go func() {
		defer close(ch)
		for range r.client.Watch(ctx, contractKey(contract), clientv3.WithPrefix()) {
			instances, err := r.Discover(ctx, contract)
			if err != nil {
				r.logger.Warn("Refreshing watched contract", zap.String("contract", contract), zap.Error(err))
				continue
			}
			select {
			case ch <- instances:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (r *Etcd) Close() error {
	return r.client.Close()
}
