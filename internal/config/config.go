// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. FOCUS_FETCH_WORKERS=16.
const EnvPrefix = "FOCUS"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Server   ServerConfig   `mapstructure:"server"`
	Crawler  CrawlerConfig  `mapstructure:"crawler"`
	Frontier FrontierConfig `mapstructure:"frontier"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Target   TargetConfig   `mapstructure:"target"`
	Index    IndexConfig    `mapstructure:"index"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ServerConfig controls the admin HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CrawlerConfig governs the crawl loop.
type CrawlerConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	MaxInFlight  int           `mapstructure:"max_in_flight"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// WaitForSeeds keeps an exhausted loop idling for seeds instead of stopping.
	WaitForSeeds bool `mapstructure:"wait_for_seeds"`
	MaxDepth     int  `mapstructure:"max_depth"`
	MaxBatches   int  `mapstructure:"max_batches"`
	// AllowedHosts limits the crawl to these hosts and their subdomains; empty means unrestricted.
	AllowedHosts []string `mapstructure:"allowed_hosts"`
	// DenyPatterns are regular expressions for URLs that never enter the frontier.
	DenyPatterns []string `mapstructure:"deny_patterns"`
}

// FrontierConfig selects and tunes the frontier store.
type FrontierConfig struct {
	Backend            string        `mapstructure:"backend"`
	Path               string        `mapstructure:"path"`
	DSN                string        `mapstructure:"dsn"`
	TablePrefix        string        `mapstructure:"table_prefix"`
	MaxConns           int32         `mapstructure:"max_conns"`
	MaxRetries         int           `mapstructure:"max_retries"`
	BackoffBase        time.Duration `mapstructure:"backoff_base"`
	BackoffMax         time.Duration `mapstructure:"backoff_max"`
	PerHostCap         int           `mapstructure:"per_host_cap"`
	PolitenessDelay    time.Duration `mapstructure:"politeness_delay"`
	ScanWindow         int           `mapstructure:"scan_window"`
	BloomCapacity      uint          `mapstructure:"bloom_capacity"`
	BloomFalsePositive float64       `mapstructure:"bloom_false_positive"`
}

// FetchConfig configures the fetch executor and HTTP fetcher.
type FetchConfig struct {
	Workers    int           `mapstructure:"workers"`
	PerHostCap int           `mapstructure:"per_host_cap"`
	Timeout    time.Duration `mapstructure:"timeout"`
	UserAgent  string        `mapstructure:"user_agent"`
	// PolitenessDelay paces requests per host inside one executor, on top of frontier scheduling.
	PolitenessDelay time.Duration  `mapstructure:"politeness_delay"`
	RespectRobots   bool           `mapstructure:"respect_robots"`
	RobotsTTL       time.Duration  `mapstructure:"robots_ttl"`
	MaxBodyBytes    int            `mapstructure:"max_body_bytes"`
	MaxLinks        int            `mapstructure:"max_links"`
	SkipNofollow    bool           `mapstructure:"skip_nofollow"`
	Headless        HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig enables rendering client-side pages in headless Chrome.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	// MinBodyBytes is the size below which script-heavy pages are rendered.
	MinBodyBytes int `mapstructure:"min_body_bytes"`
}

// OracleConfig tunes the keyword relevance oracle.
type OracleConfig struct {
	Keywords    []string `mapstructure:"keywords"`
	Saturation  float64  `mapstructure:"saturation"`
	TitleWeight float64  `mapstructure:"title_weight"`
	SeedScore   float64  `mapstructure:"seed_score"`
}

// TargetConfig controls where relevant pages go.
type TargetConfig struct {
	Backend      string  `mapstructure:"backend"`
	Dir          string  `mapstructure:"dir"`
	Bucket       string  `mapstructure:"bucket"`
	Prefix       string  `mapstructure:"prefix"`
	CacheControl string  `mapstructure:"cache_control"`
	Threshold    float64 `mapstructure:"threshold"`
	// Topic receives a notification per stored page; empty disables publishing.
	Topic string `mapstructure:"topic"`
}

// IndexConfig enables the Postgres page index when DSN is set.
type IndexConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PubSubConfig holds the Google Cloud project shared by all Pub/Sub clients.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
}

// ClusterConfig configures coordinator and fetcher nodes.
type ClusterConfig struct {
	NodeID    string `mapstructure:"node_id"`
	Address   string `mapstructure:"address"`
	Transport string `mapstructure:"transport"`
	// LocalFetchers is the number of in-process fetcher nodes started by a coordinator on the memory transport.
	LocalFetchers      int           `mapstructure:"local_fetchers"`
	Topic              string        `mapstructure:"topic"`
	Subscription       string        `mapstructure:"subscription"`
	DeleteSubscription bool          `mapstructure:"delete_subscription"`
	HeartbeatInterval  time.Duration `mapstructure:"heartbeat_interval"`
	SuspectAfter       time.Duration `mapstructure:"suspect_after"`
	DeadAfter          time.Duration `mapstructure:"dead_after"`
	ReapInterval       time.Duration `mapstructure:"reap_interval"`
	LeaseTTL           time.Duration `mapstructure:"lease_ttl"`
	BatchSize          int           `mapstructure:"batch_size"`
	FlushDelay         time.Duration `mapstructure:"flush_delay"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Frontier backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Target backends.
const (
	TargetNone  = "none"
	TargetLocal = "local"
	TargetGCS   = "gcs"
)

// Cluster transports.
const (
	TransportMemory = "memory"
	TransportPubSub = "pubsub"
)

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
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
	v.SetDefault("logging.development", true)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "30s")

	v.SetDefault("crawler.batch_size", 32)
	v.SetDefault("crawler.max_in_flight", 128)
	v.SetDefault("crawler.poll_interval", "1s")
	v.SetDefault("crawler.wait_for_seeds", false)
	v.SetDefault("crawler.max_depth", 3)
	v.SetDefault("crawler.max_batches", 0)
	v.SetDefault("crawler.allowed_hosts", []string{})
	v.SetDefault("crawler.deny_patterns", []string{})

	v.SetDefault("frontier.backend", BackendSQLite)
	v.SetDefault("frontier.path", "data/frontier.db")
	v.SetDefault("frontier.dsn", "")
	v.SetDefault("frontier.table_prefix", "frontier_")
	v.SetDefault("frontier.max_conns", 8)
	v.SetDefault("frontier.max_retries", 3)
	v.SetDefault("frontier.backoff_base", "2s")
	v.SetDefault("frontier.backoff_max", "5m")
	v.SetDefault("frontier.per_host_cap", 1)
	v.SetDefault("frontier.politeness_delay", "1s")
	v.SetDefault("frontier.scan_window", 0)
	v.SetDefault("frontier.bloom_capacity", 1_000_000)
	v.SetDefault("frontier.bloom_false_positive", 0.01)

	v.SetDefault("fetch.workers", 8)
	v.SetDefault("fetch.per_host_cap", 1)
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.user_agent", "focused-crawler/0.1 (+https://github.com/JakeFAU/focused-crawler)")
	v.SetDefault("fetch.politeness_delay", "0s")
	v.SetDefault("fetch.respect_robots", true)
	v.SetDefault("fetch.robots_ttl", "1h")
	v.SetDefault("fetch.max_body_bytes", 5*1024*1024)
	v.SetDefault("fetch.max_links", 500)
	v.SetDefault("fetch.skip_nofollow", true)
	v.SetDefault("fetch.headless.enabled", false)
	v.SetDefault("fetch.headless.max_parallel", 2)
	v.SetDefault("fetch.headless.navigation_timeout", "30s")
	v.SetDefault("fetch.headless.min_body_bytes", 2048)

	v.SetDefault("oracle.keywords", []string{})
	v.SetDefault("oracle.saturation", 5.0)
	v.SetDefault("oracle.title_weight", 3.0)
	v.SetDefault("oracle.seed_score", 1.0)

	v.SetDefault("target.backend", TargetLocal)
	v.SetDefault("target.dir", "data/pages")
	v.SetDefault("target.bucket", "")
	v.SetDefault("target.prefix", "pages")
	v.SetDefault("target.cache_control", "")
	v.SetDefault("target.threshold", 0.5)
	v.SetDefault("target.topic", "")

	v.SetDefault("index.dsn", "")
	v.SetDefault("index.table", "crawled_pages")

	v.SetDefault("pubsub.project_id", "")

	v.SetDefault("cluster.node_id", "")
	v.SetDefault("cluster.address", "")
	v.SetDefault("cluster.transport", TransportPubSub)
	v.SetDefault("cluster.local_fetchers", 2)
	v.SetDefault("cluster.topic", "crawler-cluster")
	v.SetDefault("cluster.subscription", "")
	v.SetDefault("cluster.delete_subscription", false)
	v.SetDefault("cluster.heartbeat_interval", "2s")
	v.SetDefault("cluster.suspect_after", "6s")
	v.SetDefault("cluster.dead_after", "15s")
	v.SetDefault("cluster.reap_interval", "1s")
	v.SetDefault("cluster.lease_ttl", "1m")
	v.SetDefault("cluster.batch_size", 16)
	v.SetDefault("cluster.flush_delay", "50ms")

	v.SetDefault("tracing.enabled", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawler.BatchSize <= 0 {
		return fmt.Errorf("crawler.batch_size must be > 0")
	}
	if c.Crawler.MaxInFlight < c.Crawler.BatchSize {
		return fmt.Errorf("crawler.max_in_flight must be >= crawler.batch_size")
	}
	if c.Crawler.MaxDepth < 0 {
		return fmt.Errorf("crawler.max_depth must be >= 0")
	}
	switch c.Frontier.Backend {
	case BackendSQLite:
		if c.Frontier.Path == "" {
			return fmt.Errorf("frontier.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Frontier.DSN == "" {
			return fmt.Errorf("frontier.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("frontier.backend must be %q or %q, got %q", BackendSQLite, BackendPostgres, c.Frontier.Backend)
	}
	if c.Frontier.MaxRetries <= 0 {
		return fmt.Errorf("frontier.max_retries must be > 0")
	}
	if c.Frontier.BloomFalsePositive <= 0 || c.Frontier.BloomFalsePositive >= 1 {
		return fmt.Errorf("frontier.bloom_false_positive must be within (0, 1)")
	}
	if c.Fetch.Workers <= 0 {
		return fmt.Errorf("fetch.workers must be > 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.Headless.Enabled && c.Fetch.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetch.headless.max_parallel must be > 0 when headless rendering is enabled")
	}
	if c.Oracle.SeedScore < 0 || c.Oracle.SeedScore > 1 {
		return fmt.Errorf("oracle.seed_score must be within [0, 1]")
	}
	if c.Target.Threshold < 0 || c.Target.Threshold > 1 {
		return fmt.Errorf("target.threshold must be within [0, 1]")
	}
	switch c.Target.Backend {
	case TargetNone:
	case TargetLocal:
		if c.Target.Dir == "" {
			return fmt.Errorf("target.dir is required for the local backend")
		}
	case TargetGCS:
		if c.Target.Bucket == "" {
			return fmt.Errorf("target.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("target.backend must be one of none, local, gcs; got %q", c.Target.Backend)
	}
	if c.Target.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when target.topic is set")
	}
	switch c.Cluster.Transport {
	case TransportMemory:
	case TransportPubSub:
		if c.Cluster.Topic == "" {
			return fmt.Errorf("cluster.topic is required for the pubsub transport")
		}
	default:
		return fmt.Errorf("cluster.transport must be %q or %q, got %q", TransportMemory, TransportPubSub, c.Cluster.Transport)
	}
	if c.Cluster.DeadAfter <= c.Cluster.SuspectAfter {
		return fmt.Errorf("cluster.dead_after must be greater than cluster.suspect_after")
	}
	if c.Cluster.LeaseTTL <= 0 {
		return fmt.Errorf("cluster.lease_ttl must be > 0")
	}
	return nil
}

// RequirePubSub checks the settings a process needs before it talks to the cluster over Pub/Sub.
func (c Config) RequirePubSub() error {
	if c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required for the pubsub cluster transport")
	}
	return nil
}
