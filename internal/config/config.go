// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-scheduler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Node       NodeConfig       `mapstructure:"node"`
	Server     ServerConfig     `mapstructure:"server"`
	Crawler    CrawlerConfig    `mapstructure:"crawler"`
	Politeness PolitenessConfig `mapstructure:"politeness"`
	Robots     RobotsConfig     `mapstructure:"robots"`
	Frontier   FrontierConfig   `mapstructure:"frontier"`
	Membership MembershipConfig `mapstructure:"membership"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Seeds      []string         `mapstructure:"seeds"`
}

// NodeConfig identifies this process in the cluster.
type NodeConfig struct {
	// ID is generated at startup when empty.
	ID string `mapstructure:"id"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// CrawlerConfig governs dispatch, the worker pool and result routing.
type CrawlerConfig struct {
	UserAgent       string        `mapstructure:"user_agent"`
	UserAgentToken  string        `mapstructure:"user_agent_token"`
	WorkerPoolSize  int           `mapstructure:"worker_pool_size"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
	FailureDuration time.Duration `mapstructure:"failure_duration"`
	SlowdownRetries int           `mapstructure:"slowdown_retries"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	FetchTimeout    time.Duration `mapstructure:"fetch_timeout"`
	MaxBodyBytes    int           `mapstructure:"max_body_bytes"`
	MaxOutgoingURLs int           `mapstructure:"max_outgoing_urls"`
	DispatchRPS     float64       `mapstructure:"dispatch_rps"`
	DispatchBurst   int           `mapstructure:"dispatch_burst"`
}

// PolitenessConfig bounds the per-host wait formula.
type PolitenessConfig struct {
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	StartFactor int           `mapstructure:"start_factor"`
	MaxFactor   int           `mapstructure:"max_factor"`
}

// RobotsConfig controls robots.txt caching.
type RobotsConfig struct {
	Respect  bool          `mapstructure:"respect"`
	TTL      time.Duration `mapstructure:"ttl"`
	GraceTTL time.Duration `mapstructure:"grace_ttl"`
	MaxBytes int           `mapstructure:"max_bytes"`
}

// FrontierConfig sizes the frontier and its dedup index.
type FrontierConfig struct {
	MaxPerHost        int           `mapstructure:"max_per_host"`
	RevisitWindow     time.Duration `mapstructure:"revisit_window"`
	MaxURLLength      int           `mapstructure:"max_url_length"`
	ExpectedURLs      uint          `mapstructure:"expected_urls"`
	FalsePositiveRate float64       `mapstructure:"false_positive_rate"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
}

// Membership providers.
const (
	ProviderStatic = "static"
	ProviderEtcd   = "etcd"
)

// MembershipConfig selects and configures the live-node source.
type MembershipConfig struct {
	Provider        string        `mapstructure:"provider"`
	StaticNodes     []string      `mapstructure:"static_nodes"`
	EtcdEndpoints   []string      `mapstructure:"etcd_endpoints"`
	EtcdPrefix      string        `mapstructure:"etcd_prefix"`
	LeaseTTLSeconds int64         `mapstructure:"lease_ttl_seconds"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
}

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// StorageConfig selects the durable store shared by the frontier and robots cache.
type StorageConfig struct {
	Backend              string `mapstructure:"backend"`
	RedisAddr            string `mapstructure:"redis_addr"`
	RedisPrefix          string `mapstructure:"redis_prefix"`
	PostgresDSN          string `mapstructure:"postgres_dsn"`
	PostgresSchemaPrefix string `mapstructure:"postgres_schema_prefix"`
	// GCSBucket moves robots records to Cloud Storage when set; frontier
	// entries stay on Backend.
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// KafkaConfig wires discovery ingest and document handoff. Empty brokers
// disables both.
type KafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	DiscoveredTopic string   `mapstructure:"discovered_topic"`
	DocumentsTopic  string   `mapstructure:"documents_topic"`
	GroupID         string   `mapstructure:"group_id"`
}

// Enabled reports whether brokers are configured.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// PubSubConfig wires discovery ingest and document handoff through Google
// Cloud Pub/Sub. An empty project disables both.
type PubSubConfig struct {
	ProjectID              string `mapstructure:"project_id"`
	DiscoveredSubscription string `mapstructure:"discovered_subscription"`
	DocumentsTopic         string `mapstructure:"documents_topic"`
	MaxOutstanding         int    `mapstructure:"max_outstanding"`
}

// Enabled reports whether a project is configured.
func (p PubSubConfig) Enabled() bool {
	return p.ProjectID != ""
}

// LoggingConfig toggles zap development features and file output.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("node.id", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (compatible; StractBot/0.2; +https://stract.com/webmasters)")
	v.SetDefault("crawler.user_agent_token", "StractBot")
	v.SetDefault("crawler.worker_pool_size", 64)
	v.SetDefault("crawler.poll_interval", 250*time.Millisecond)
	v.SetDefault("crawler.max_attempts", 3)
	v.SetDefault("crawler.retry_base_delay", time.Second)
	v.SetDefault("crawler.retry_max_delay", time.Minute)
	v.SetDefault("crawler.failure_duration", time.Minute)
	v.SetDefault("crawler.slowdown_retries", 3)
	v.SetDefault("crawler.drain_timeout", 30*time.Second)
	v.SetDefault("crawler.fetch_timeout", time.Minute)
	v.SetDefault("crawler.max_body_bytes", 32*1024*1024)
	v.SetDefault("crawler.max_outgoing_urls", 512)
	v.SetDefault("crawler.dispatch_rps", 0)
	v.SetDefault("crawler.dispatch_burst", 1)
	v.SetDefault("politeness.min_delay", 5*time.Second)
	v.SetDefault("politeness.max_delay", time.Minute)
	v.SetDefault("politeness.start_factor", 1)
	v.SetDefault("politeness.max_factor", 2048)
	v.SetDefault("robots.respect", true)
	v.SetDefault("robots.ttl", time.Hour)
	v.SetDefault("robots.grace_ttl", 5*time.Minute)
	v.SetDefault("robots.max_bytes", 500*1024)
	v.SetDefault("frontier.max_per_host", 10000)
	v.SetDefault("frontier.revisit_window", 24*time.Hour)
	v.SetDefault("frontier.max_url_length", crawler.DefaultMaxURLLength)
	v.SetDefault("frontier.expected_urls", 1_000_000)
	v.SetDefault("frontier.false_positive_rate", 0.01)
	v.SetDefault("frontier.sync_interval", 30*time.Second)
	v.SetDefault("membership.provider", ProviderStatic)
	v.SetDefault("membership.etcd_prefix", "/crawler/nodes/")
	v.SetDefault("membership.lease_ttl_seconds", 10)
	v.SetDefault("membership.dial_timeout", 5*time.Second)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.redis_prefix", "crawler:")
	v.SetDefault("storage.postgres_schema_prefix", "crawler_")
	v.SetDefault("kafka.discovered_topic", "crawler.discovered")
	v.SetDefault("kafka.documents_topic", "crawler.documents")
	v.SetDefault("kafka.group_id", "crawl-scheduler")
	v.SetDefault("storage.gcs_prefix", "robots/")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.discovered_subscription", "")
	v.SetDefault("pubsub.documents_topic", "")
	v.SetDefault("pubsub.max_outstanding", 1000)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if err := c.Crawler.validate(); err != nil {
		return err
	}
	if c.Politeness.MinDelay <= 0 || c.Politeness.MaxDelay <= 0 {
		return fmt.Errorf("politeness.min_delay and politeness.max_delay must be > 0")
	}
	if c.Politeness.MinDelay > c.Politeness.MaxDelay {
		return fmt.Errorf("politeness.min_delay must be <= politeness.max_delay")
	}
	if c.Politeness.StartFactor < 1 || c.Politeness.MaxFactor < c.Politeness.StartFactor {
		return fmt.Errorf("politeness.start_factor must be >= 1 and <= politeness.max_factor")
	}
	if c.Robots.TTL <= 0 || c.Robots.GraceTTL <= 0 {
		return fmt.Errorf("robots.ttl and robots.grace_ttl must be > 0")
	}
	if c.Robots.MaxBytes <= 0 {
		return fmt.Errorf("robots.max_bytes must be > 0")
	}
	if c.Frontier.MaxPerHost <= 0 {
		return fmt.Errorf("frontier.max_per_host must be > 0")
	}
	if c.Frontier.RevisitWindow < 0 {
		return fmt.Errorf("frontier.revisit_window must be >= 0")
	}
	if c.Frontier.MaxURLLength <= 0 {
		return fmt.Errorf("frontier.max_url_length must be > 0")
	}
	if c.Frontier.FalsePositiveRate <= 0 || c.Frontier.FalsePositiveRate >= 1 {
		return fmt.Errorf("frontier.false_positive_rate must be in (0, 1)")
	}
	switch c.Membership.Provider {
	case ProviderStatic:
	case ProviderEtcd:
		if len(c.Membership.EtcdEndpoints) == 0 {
			return fmt.Errorf("membership.etcd_endpoints must be set for the etcd provider")
		}
		if c.Membership.LeaseTTLSeconds <= 0 {
			return fmt.Errorf("membership.lease_ttl_seconds must be > 0")
		}
	default:
		return fmt.Errorf("membership.provider %q is not supported", c.Membership.Provider)
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.RedisAddr == "" {
			return fmt.Errorf("storage.redis_addr must be set for the redis backend")
		}
	case BackendPostgres:
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Kafka.Enabled() && c.Kafka.DiscoveredTopic == "" && c.Kafka.DocumentsTopic == "" {
		return fmt.Errorf("kafka topics must be set when kafka.brokers is configured")
	}
	if c.PubSub.Enabled() {
		if c.Kafka.Enabled() {
			return fmt.Errorf("kafka.brokers and pubsub.project_id are mutually exclusive")
		}
		if c.PubSub.DiscoveredSubscription == "" && c.PubSub.DocumentsTopic == "" {
			return fmt.Errorf("pubsub.discovered_subscription or pubsub.documents_topic must be set when pubsub.project_id is configured")
		}
	}
	return nil
}

func (c CrawlerConfig) validate() error {
	if c.WorkerPoolSize <= 0 {
		return fmt.Errorf("crawler.worker_pool_size must be > 0")
	}
	if c.UserAgent == "" || c.UserAgentToken == "" {
		return fmt.Errorf("crawler.user_agent and crawler.user_agent_token must be set")
	}
	if !strings.Contains(strings.ToLower(c.UserAgent), strings.ToLower(c.UserAgentToken)) {
		return fmt.Errorf("crawler.user_agent must contain crawler.user_agent_token")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("crawler.poll_interval must be > 0")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("crawler.max_attempts must be > 0")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("crawler.fetch_timeout must be > 0")
	}
	if c.MaxOutgoingURLs < 0 || c.SlowdownRetries < 0 {
		return fmt.Errorf("crawler.max_outgoing_urls and crawler.slowdown_retries must be >= 0")
	}
	if c.DispatchRPS < 0 {
		return fmt.Errorf("crawler.dispatch_rps must be >= 0")
	}
	return nil
}

// UserAgent returns the crawler identity pair.
func (c Config) UserAgent() crawler.UserAgent {
	return crawler.UserAgent{Full: c.Crawler.UserAgent, Token: c.Crawler.UserAgentToken}
}
