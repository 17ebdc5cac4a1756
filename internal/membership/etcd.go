package membership

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

// EtcdConfig configures lease-based registration.
type EtcdConfig struct {
	Endpoints   []string
	Prefix      string
	NodeID      string
	LeaseTTL    int64
	DialTimeout time.Duration
	// RetryDelay spaces re-registration and re-watch attempts. Zero means 1s.
	RetryDelay time.Duration
}

// etcdClient is the subset of *clientv3.Client the provider uses.
type etcdClient interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Watch(ctx context.Context, key string, opts ...clientv3.OpOption) clientv3.WatchChan
	Close() error
}

// Etcd registers this node under Prefix+NodeID bound to a lease and reports
// every key under Prefix as a live node. A node that stops renewing its lease
// drops out once the lease expires.
type Etcd struct {
	cfg    EtcdConfig
	client etcdClient
	logger *zap.Logger
	bc     *broadcaster

	mu      sync.RWMutex
	nodes   []string
	leaseID clientv3.LeaseID

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEtcd dials the cluster described by cfg.
func NewEtcd(cfg EtcdConfig, logger *zap.Logger) (*Etcd, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect etcd: %w", err)
	}
	return NewEtcdWithClient(cfg, cli, logger), nil
}

// NewEtcdWithClient wraps an existing client.
func NewEtcdWithClient(cfg EtcdConfig, client etcdClient, logger *zap.Logger) *Etcd {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "/crawler/nodes/"
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 10
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Etcd{
		cfg:    cfg,
		client: client,
		logger: logger.Named("membership").With(zap.String("node_id", cfg.NodeID)),
		bc:     newBroadcaster(),
	}
}

// Start registers the node, loads the current membership and begins watching.
func (e *Etcd) Start(ctx context.Context) error {
	if e.cfg.NodeID == "" {
		return errors.New("etcd membership requires a node id")
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	if err := e.register(ctx, loopCtx); err != nil {
		return err
	}
	if _, err := e.refresh(ctx); err != nil {
		return err
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.watchLoop(loopCtx)
	}()
	return nil
}

// CurrentLiveNodes lists every registered node.
func (e *Etcd) CurrentLiveNodes(ctx context.Context) ([]string, error) {
	resp, err := e.client.Get(ctx, e.cfg.Prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	nodes := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		nodes = append(nodes, strings.TrimPrefix(string(kv.Key), e.cfg.Prefix))
	}
	return Normalize(nodes), nil
}

// Watch delivers the last known snapshot followed by every change.
func (e *Etcd) Watch(ctx context.Context) <-chan []string {
	return e.bc.subscribe(ctx, e.snapshot)
}

func (e *Etcd) snapshot() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.nodes)
}

// Close stops watching, revokes the lease so peers see this node leave
// immediately, and closes the client.
func (e *Etcd) Close() error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()

	e.mu.RLock()
	lease := e.leaseID
	e.mu.RUnlock()

	var errs []error
	if lease != 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := e.client.Revoke(ctx, lease); err != nil {
			errs = append(errs, fmt.Errorf("revoke lease: %w", err))
		}
		cancel()
	}
	if err := e.client.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close etcd client: %w", err))
	}
	return errors.Join(errs...)
}

// register grants a lease, writes the node key and keeps the lease alive until
// keepCtx ends.
func (e *Etcd) register(ctx, keepCtx context.Context) error {
	grant, err := e.client.Grant(ctx, e.cfg.LeaseTTL)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}
	key := e.cfg.Prefix + e.cfg.NodeID
	if _, err := e.client.Put(ctx, key, e.cfg.NodeID, clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("register node: %w", err)
	}

	alive, err := e.client.KeepAlive(keepCtx, grant.ID)
	if err != nil {
		return fmt.Errorf("keep lease alive: %w", err)
	}

	e.mu.Lock()
	e.leaseID = grant.ID
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for range alive {
			// Renewal acks carry nothing the provider needs.
		}
		e.logger.Warn("membership lease keep-alive stopped")
	}()
	e.logger.Info("registered node", zap.String("key", key), zap.Int64("lease_ttl", e.cfg.LeaseTTL))
	return nil
}

func (e *Etcd) refresh(ctx context.Context) ([]string, error) {
	nodes, err := e.CurrentLiveNodes(ctx)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	changed := !slices.Equal(nodes, e.nodes)
	e.nodes = nodes
	e.mu.Unlock()
	if changed {
		e.logger.Info("membership changed", zap.Strings("nodes", nodes))
		e.bc.publish(nodes)
	}
	return nodes, nil
}

func (e *Etcd) watchLoop(ctx context.Context) {
	for ctx.Err() == nil {
		wch := e.client.Watch(ctx, e.cfg.Prefix, clientv3.WithPrefix())
		// Catch changes made between the last list and the watch starting.
		if _, err := e.refresh(ctx); err != nil {
			e.logger.Warn("membership refresh failed", zap.Error(err))
		}
		for resp := range wch {
			if err := resp.Err(); err != nil {
				e.logger.Warn("membership watch error", zap.Error(err))
				break
			}
			nodes, err := e.refresh(ctx)
			if err != nil {
				e.logger.Warn("membership refresh failed", zap.Error(err))
				continue
			}
			if !slices.Contains(nodes, e.cfg.NodeID) {
				e.reregister(ctx)
			}
		}
		if !sleepCtx(ctx, e.cfg.RetryDelay) {
			return
		}
	}
}

func (e *Etcd) reregister(ctx context.Context) {
	e.logger.Warn("own registration missing; re-registering")
	if err := e.register(ctx, ctx); err != nil {
		e.logger.Warn("re-register failed", zap.Error(err))
		return
	}
	if _, err := e.refresh(ctx); err != nil {
		e.logger.Warn("membership refresh failed", zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
