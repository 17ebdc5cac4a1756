// Package app builds one crawler node from configuration and runs it. It is
// the dependency-injection container: every long-lived component is created
// here and handed to the components that need it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-scheduler/internal/api"
	"github.com/JakeFAU/crawl-scheduler/internal/config"
	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
	collyfetcher "github.com/JakeFAU/crawl-scheduler/internal/fetcher/colly"
	"github.com/JakeFAU/crawl-scheduler/internal/frontier"
	"github.com/JakeFAU/crawl-scheduler/internal/hash/sha256"
	"github.com/JakeFAU/crawl-scheduler/internal/id/uuid"
	"github.com/JakeFAU/crawl-scheduler/internal/membership"
	"github.com/JakeFAU/crawl-scheduler/internal/ownership"
	"github.com/JakeFAU/crawl-scheduler/internal/policy/ratelimit"
	"github.com/JakeFAU/crawl-scheduler/internal/politeness"
	kafkapub "github.com/JakeFAU/crawl-scheduler/internal/publisher/kafka"
	memorypub "github.com/JakeFAU/crawl-scheduler/internal/publisher/memory"
	pubsubpub "github.com/JakeFAU/crawl-scheduler/internal/publisher/pubsub"
	kafkaqueue "github.com/JakeFAU/crawl-scheduler/internal/queue/kafka"
	pubsubqueue "github.com/JakeFAU/crawl-scheduler/internal/queue/pubsub"
	"github.com/JakeFAU/crawl-scheduler/internal/robots"
	"github.com/JakeFAU/crawl-scheduler/internal/scheduler"
	"github.com/JakeFAU/crawl-scheduler/internal/storage"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

const shutdownTimeout = 5 * time.Second

// App holds all the shared, long-lived services for one node.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	nodeID string

	backend  storage.Backend
	provider membership.Provider
	etcd     *membership.Etcd
	frontier *frontier.Frontier
	owner    *ownership.Coordinator
	sched    *scheduler.Scheduler
	consumer discoveryConsumer
	api      *api.Server
	closers  []namedCloser
	ready    atomic.Bool
}

// discoveryConsumer feeds discovered URLs into the frontier until ctx ends.
type discoveryConsumer interface {
	Run(ctx context.Context) error
	Close() error
}

type namedCloser struct {
	name   string
	closer io.Closer
}

type options struct {
	fetcher  crawler.Fetcher
	sink     crawler.DocumentSink
	provider membership.Provider
}

// Option overrides a collaborator, mainly for tests.
type Option func(*options)

// WithFetcher replaces the colly fetch executor.
func WithFetcher(f crawler.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithSink replaces the configured document sink.
func WithSink(s crawler.DocumentSink) Option {
	return func(o *options) { o.sink = s }
}

// WithProvider replaces the configured membership provider.
func WithProvider(p membership.Provider) Option {
	return func(o *options) { o.provider = p }
}

// New wires every component. It fails fast if storage or membership cannot be
// reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	nodeID, err := uuid.New().NodeID(cfg.Node.ID)
	if err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	logger = logger.With(zap.String("node_id", nodeID))
	a := &App{cfg: cfg, logger: logger, nodeID: nodeID}
	logger.Info("initializing crawler node")

	a.backend, err = storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.addCloser("storage", a.backend)

	if err := a.initMembership(cfg.Membership, o.provider); err != nil {
		_ = a.Close()
		return nil, err
	}

	fetcher := o.fetcher
	if fetcher == nil {
		fetcher = collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.Crawler.UserAgent,
			Timeout:      cfg.Crawler.FetchTimeout,
			MaxBodyBytes: cfg.Crawler.MaxBodyBytes,
		})
	}
	sink := o.sink
	if sink == nil {
		if sink, err = a.newSink(ctx); err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	a.frontier = frontier.New(frontier.Config{
		MaxPerHost:        cfg.Frontier.MaxPerHost,
		RevisitWindow:     cfg.Frontier.RevisitWindow,
		MaxURLLength:      cfg.Frontier.MaxURLLength,
		ExpectedURLs:      cfg.Frontier.ExpectedURLs,
		FalsePositiveRate: cfg.Frontier.FalsePositiveRate,
	}, logger, frontier.WithStore(a.backend))

	robotsCache := robots.New(robots.Config{
		Respect:   cfg.Robots.Respect,
		UserAgent: cfg.UserAgent(),
		TTL:       cfg.Robots.TTL,
		GraceTTL:  cfg.Robots.GraceTTL,
		MaxBytes:  cfg.Robots.MaxBytes,
	}, fetcher, logger, robots.WithStore(a.backend))

	a.owner = ownership.New(nodeID, logger, ownership.WithHostSource(a.frontier.Hosts))

	a.sched = scheduler.New(scheduler.Config{
		UserAgent:       cfg.UserAgent(),
		PollInterval:    cfg.Crawler.PollInterval,
		SyncInterval:    cfg.Frontier.SyncInterval,
		DrainTimeout:    cfg.Crawler.DrainTimeout,
		FailureDuration: cfg.Crawler.FailureDuration,
		SlowdownRetries: cfg.Crawler.SlowdownRetries,
		MaxOutgoingURLs: cfg.Crawler.MaxOutgoingURLs,
	}, scheduler.Deps{
		Frontier: a.frontier,
		Robots:   robotsCache,
		Politeness: politeness.NewController(politeness.Config{
			MinDelay:    cfg.Politeness.MinDelay,
			MaxDelay:    cfg.Politeness.MaxDelay,
			StartFactor: cfg.Politeness.StartFactor,
			MaxFactor:   cfg.Politeness.MaxFactor,
		}, logger),
		Ownership: a.owner,
		Pool:      worker.New(cfg.Crawler.WorkerPoolSize, logger),
		Limiter:   ratelimit.New(ratelimit.Config{RPS: cfg.Crawler.DispatchRPS, Burst: cfg.Crawler.DispatchBurst}),
		Fetcher:   fetcher,
		Sink:      sink,
		Hasher:    sha256.NewPrefixed(),
		Retry:     crawler.NewExponentialRetryPolicy(cfg.Crawler.MaxAttempts, cfg.Crawler.RetryBaseDelay, cfg.Crawler.RetryMaxDelay),
	}, logger)

	switch {
	case cfg.Kafka.Enabled() && cfg.Kafka.DiscoveredTopic != "":
		a.consumer = kafkaqueue.NewConsumer(kafkaqueue.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.DiscoveredTopic,
			GroupID: cfg.Kafka.GroupID,
		}, a.frontier, a.sched.Wake, logger)
	case cfg.PubSub.Enabled() && cfg.PubSub.DiscoveredSubscription != "":
		a.consumer, err = pubsubqueue.NewConsumer(ctx, pubsubqueue.Config{
			ProjectID:      cfg.PubSub.ProjectID,
			Subscription:   cfg.PubSub.DiscoveredSubscription,
			MaxOutstanding: cfg.PubSub.MaxOutstanding,
		}, a.frontier, a.sched.Wake, logger)
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("discovery consumer: %w", err)
		}
	}
	if a.consumer != nil {
		a.addCloser("discovery consumer", a.consumer)
	}

	a.api = api.NewServer(api.Deps{
		Hosts:      a.sched,
		Frontier:   a.frontier,
		Membership: a.owner,
		Wake:       a.sched.Wake,
		Ready:      a.readiness,
	}, logger)

	logger.Info("crawler node initialized",
		zap.String("storage", cfg.Storage.Backend),
		zap.String("membership", cfg.Membership.Provider),
		zap.Bool("kafka", cfg.Kafka.Enabled()),
		zap.Bool("pubsub", cfg.PubSub.Enabled()),
		zap.Bool("gcs_robots", cfg.Storage.GCSBucket != ""),
	)
	return a, nil
}

func (a *App) initMembership(cfg config.MembershipConfig, override membership.Provider) error {
	if override != nil {
		a.provider = override
		return nil
	}
	switch cfg.Provider {
	case config.ProviderEtcd:
		etcd, err := membership.NewEtcd(membership.EtcdConfig{
			Endpoints:   cfg.EtcdEndpoints,
			Prefix:      cfg.EtcdPrefix,
			NodeID:      a.nodeID,
			LeaseTTL:    cfg.LeaseTTLSeconds,
			DialTimeout: cfg.DialTimeout,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("init membership: %w", err)
		}
		a.etcd, a.provider = etcd, etcd
		a.addCloser("membership", etcd)
	default:
		a.provider = membership.NewStatic(cfg.StaticNodes...)
	}
	return nil
}

func (a *App) newSink(ctx context.Context) (crawler.DocumentSink, error) {
	k, ps := a.cfg.Kafka, a.cfg.PubSub
	switch {
	case k.Enabled() && k.DocumentsTopic != "":
		pub := kafkapub.New(kafkapub.Config{
			Brokers:    k.Brokers,
			Topic:      k.DocumentsTopic,
			BatchBytes: int64(a.cfg.Crawler.MaxBodyBytes) + 64*1024,
		})
		a.addCloser("document publisher", pub)
		return pub, nil
	case ps.Enabled() && ps.DocumentsTopic != "":
		pub, err := pubsubpub.New(ctx, pubsubpub.Config{
			ProjectID: ps.ProjectID,
			Topic:     ps.DocumentsTopic,
		})
		if err != nil {
			return nil, fmt.Errorf("document publisher: %w", err)
		}
		a.addCloser("document publisher", pub)
		return pub, nil
	}
	a.logger.Info("no document topic configured; keeping recent documents in memory")
	return memorypub.New(memorypub.DefaultCapacity), nil
}

func (a *App) addCloser(name string, c io.Closer) {
	a.closers = append(a.closers, namedCloser{name: name, closer: c})
}

// NodeID returns the node's cluster identifier.
func (a *App) NodeID() string {
	return a.nodeID
}

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Scheduler exposes the dispatch loop.
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.sched
}

// Run starts membership, seeds the frontier, and runs the dispatch loop, the
// discovery consumer and the admin server until ctx ends.
func (a *App) Run(ctx context.Context) error {
	if a.etcd != nil {
		if err := a.etcd.Start(ctx); err != nil {
			return fmt.Errorf("start membership: %w", err)
		}
	}
	nodes, err := a.provider.CurrentLiveNodes(ctx)
	if err != nil {
		return fmt.Errorf("initial membership: %w", err)
	}
	// Ownership must be known before the first restore, or a joining node
	// would briefly claim every stored host.
	a.owner.Apply(nodes)
	if len(nodes) > 0 && !slices.Contains(membership.Normalize(nodes), a.nodeID) {
		a.logger.Warn("node is not in the membership list; it will own no hosts", zap.Strings("members", nodes))
	}
	a.enqueueSeeds(ctx)
	a.ready.Store(true)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.owner.Run(gctx, a.provider) })
	g.Go(func() error { return a.sched.Run(gctx) })
	if a.consumer != nil {
		g.Go(func() error { return a.consumer.Run(gctx) })
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		a.logger.Info("admin server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown admin server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	a.ready.Store(false)
	return err
}

func (a *App) enqueueSeeds(ctx context.Context) {
	added := 0
	for _, seed := range a.cfg.Seeds {
		ok, err := a.frontier.Enqueue(ctx, seed)
		if err != nil {
			a.logger.Warn("seed rejected", zap.String("url", seed), zap.Error(err))
			continue
		}
		if ok {
			added++
		}
	}
	if len(a.cfg.Seeds) > 0 {
		a.logger.Info("seeded frontier", zap.Int("added", added), zap.Int("configured", len(a.cfg.Seeds)))
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) readiness(ctx context.Context) error {
	if !a.ready.Load() {
		return errors.New("node is starting")
	}
	if p, ok := a.backend.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("storage: %w", err)
		}
	}
	return nil
}

// Close releases every resource in reverse creation order.
func (a *App) Close() error {
	a.logger.Info("shutting down crawler node")
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.closer.Close(); err != nil {
			a.logger.Warn("close failed", zap.String("component", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
