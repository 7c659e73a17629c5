package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juusnet/juus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const relayPrefix = "/juus/nodes/"

// RelayClient is the part of an etcd client used for relay-assisted
// discovery. *clientv3.Client implements it.
type RelayClient interface {
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
}

// NewRelayClient connects to the relay cluster at endpoints.
func NewRelayClient(endpoints []string, dialTimeout time.Duration, logger *zap.Logger) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
		Logger:      logger,
	})
}

func relayKey(key juus.PublicKey) string {
	return relayPrefix + key.String()
}

type relay struct {
	book   *AddressBook
	client RelayClient
	ttl    time.Duration
	log    *zap.Logger

	mu     sync.Mutex
	lease  clientv3.LeaseID
	cancel context.CancelFunc
	done   chan struct{}
}

func newRelay(book *AddressBook, client RelayClient, ttl time.Duration, log *zap.Logger) *relay {
	return &relay{book: book, client: client, ttl: ttl, log: log}
}

// Resolve asks the relay first, its address is the most recent. Addresses from
// the book follow. A relay failure is not fatal while the book knows the key.
func (r *relay) Resolve(ctx context.Context, key juus.PublicKey) ([]string, error) {
	var addrs []string
	resp, err := r.client.Get(ctx, relayKey(key))
	if err != nil {
		r.log.Warn("relay lookup failed", zap.Stringer("key", key), zap.Error(err))
	} else {
		for _, kv := range resp.Kvs {
			addrs = append(addrs, string(kv.Value))
		}
	}

	for _, a := range r.book.Lookup(key) {
		dup := false
		for _, b := range addrs {
			dup = dup || a == b
		}
		if !dup {
			addrs = append(addrs, a)
		}
	}

	if len(addrs) == 0 {
		if err != nil {
			return nil, fmt.Errorf("relay lookup of %s: %w", key, err)
		}
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return addrs, nil
}

// Advertise puts addr under a lease that is kept alive until Close, or until
// the next Advertise replaces it.
func (r *relay) Advertise(ctx context.Context, key juus.PublicKey, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked(ctx)

	ttl := int64(r.ttl / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("relay lease: %w", err)
	}
	if _, err := r.client.Put(ctx, relayKey(key), addr, clientv3.WithLease(lease.ID)); err != nil {
		r.client.Revoke(ctx, lease.ID)
		return fmt.Errorf("relay advertise: %w", err)
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kctx, lease.ID)
	if err != nil {
		cancel()
		r.client.Revoke(ctx, lease.ID)
		return fmt.Errorf("relay keepalive: %w", err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
		}
		if kctx.Err() == nil {
			r.log.Warn("relay lease lost", zap.Stringer("key", key), zap.Int64("lease", int64(lease.ID)))
		}
	}()

	r.lease, r.cancel, r.done = lease.ID, cancel, done
	r.log.Info("advertised address", zap.Stringer("key", key), zap.String("addr", addr), zap.Int64("ttl", ttl))
	return nil
}

func (r *relay) stopLocked(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	<-r.done
	_, err := r.client.Revoke(ctx, r.lease)
	r.lease, r.cancel, r.done = 0, nil, nil
	return err
}

// Close stops refreshing the advertised address and revokes it.
func (r *relay) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.stopLocked(ctx); err != nil {
		return fmt.Errorf("relay revoke: %w", err)
	}
	return nil
}
