// Package config loads agent and sync worker settings from the environment,
// with command-line flags taking precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
	StoreMemory = "memory"

	SinkGRPC = "grpc"
	SinkLink = "link"
)

type Config struct {
	ProducerID  string `env:"PRODUCER_ID"`
	MetricsPort string `env:"METRICS_PORT" envDefault:"9000"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	Store       string `env:"STORE_BACKEND" envDefault:"sqlite"`
	StorePath   string `env:"STORE_PATH" envDefault:"data/tracker.db"`
	RedisAddr   string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisDB     int    `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix string `env:"REDIS_PREFIX" envDefault:"tracker:"`

	Sink       string `env:"SINK" envDefault:"grpc"`
	GRPCServer string `env:"GRPC_SERVER" envDefault:"localhost:50051"`
	ProxyAddr  string `env:"PROXY_ADDR" envDefault:"localhost:7000"`

	QueueCapacity  int           `env:"QUEUE_CAPACITY" envDefault:"100"`
	MaxRetries     int           `env:"DELIVERY_MAX_RETRIES" envDefault:"3"`
	BackoffBase    time.Duration `env:"DELIVERY_BACKOFF_BASE" envDefault:"1s"`
	BackoffCap     time.Duration `env:"DELIVERY_BACKOFF_CAP" envDefault:"30s"`
	DrainInterval  time.Duration `env:"DELIVERY_DRAIN_INTERVAL" envDefault:"5s"`
	RequestTimeout time.Duration `env:"DELIVERY_REQUEST_TIMEOUT" envDefault:"5s"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	FixTimeout        time.Duration `env:"FIX_TIMEOUT" envDefault:"10s"`
	MinDistanceMeters float64       `env:"MIN_DISTANCE_METERS" envDefault:"0"`
	FixesPath         string        `env:"FIXES_PATH" envDefault:"-"`
	FixInterval       time.Duration `env:"FIX_INTERVAL" envDefault:"1s"`

	SyncTag string `env:"BGSYNC_TAG" envDefault:"telemetry-sync"`
}

// Load parses the environment, then args into fs, then validates.
func Load(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.ProducerID, "producer-id", cfg.ProducerID, "Identifier stamped on every position")
	fs.StringVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "Port for /metrics, /healthz and /status (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "Durable store backend: sqlite, redis, memory")
	fs.StringVar(&cfg.StorePath, "store-path", cfg.StorePath, "SQLite database path")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address")
	fs.IntVar(&cfg.RedisDB, "redis-db", cfg.RedisDB, "Redis database number")
	fs.StringVar(&cfg.RedisPrefix, "redis-prefix", cfg.RedisPrefix, "Prefix for Redis keys")
	fs.StringVar(&cfg.Sink, "sink", cfg.Sink, "Delivery sink: grpc, link")
	fs.StringVar(&cfg.GRPCServer, "grpc-server", cfg.GRPCServer, "gRPC sink address")
	fs.StringVar(&cfg.ProxyAddr, "proxy-addr", cfg.ProxyAddr, "NDJSON proxy address")
	fs.IntVar(&cfg.QueueCapacity, "queue-capacity", cfg.QueueCapacity, "Maximum queued positions")
	fs.IntVar(&cfg.MaxRetries, "max-retries", cfg.MaxRetries, "Consecutive failures before a drain parks")
	fs.DurationVar(&cfg.BackoffBase, "backoff-base", cfg.BackoffBase, "Base retry backoff delay")
	fs.DurationVar(&cfg.BackoffCap, "backoff-cap", cfg.BackoffCap, "Maximum retry backoff delay")
	fs.DurationVar(&cfg.DrainInterval, "drain-interval", cfg.DrainInterval, "Periodic drain interval while online")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Per-attempt sink timeout")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat-interval", cfg.HeartbeatInterval, "Heartbeat sample interval")
	fs.DurationVar(&cfg.FixTimeout, "fix-timeout", cfg.FixTimeout, "Position fix timeout")
	fs.Float64Var(&cfg.MinDistanceMeters, "min-distance", cfg.MinDistanceMeters, "Minimum meters between live samples (0 disables)")
	fs.StringVar(&cfg.FixesPath, "fixes", cfg.FixesPath, "NDJSON position fixes file, - for stdin")
	fs.DurationVar(&cfg.FixInterval, "fix-interval", cfg.FixInterval, "Delay between replayed fixes")
	fs.StringVar(&cfg.SyncTag, "sync-tag", cfg.SyncTag, "Background sync registration tag")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store {
	case StoreSQLite:
		if strings.TrimSpace(c.StorePath) == "" {
			errs = append(errs, errors.New("store path is required for sqlite"))
		}
	case StoreRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			errs = append(errs, errors.New("redis address is required for redis"))
		}
	case StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store))
	}
	switch c.Sink {
	case SinkGRPC:
		if strings.TrimSpace(c.GRPCServer) == "" {
			errs = append(errs, errors.New("grpc server address is required"))
		}
	case SinkLink:
		if strings.TrimSpace(c.ProxyAddr) == "" {
			errs = append(errs, errors.New("proxy address is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown sink %q", c.Sink))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, errors.New("queue capacity must be positive"))
	}
	if c.MaxRetries <= 0 {
		errs = append(errs, errors.New("max retries must be positive"))
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		errs = append(errs, errors.New("backoff cap must be at least the positive base"))
	}
	for name, d := range map[string]time.Duration{
		"drain interval":     c.DrainInterval,
		"request timeout":    c.RequestTimeout,
		"heartbeat interval": c.HeartbeatInterval,
		"fix timeout":        c.FixTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.MinDistanceMeters < 0 {
		errs = append(errs, errors.New("min distance must not be negative"))
	}
	if errs != nil {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
