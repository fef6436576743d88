// Package config loads process configuration from the environment and binds
// it to command-line flags. Flags win over environment, which wins over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/guido-cesarano/txqueue/pkg/lock"
	"github.com/guido-cesarano/txqueue/pkg/queue"
	"github.com/guido-cesarano/txqueue/pkg/ratelimit"
	"github.com/guido-cesarano/txqueue/pkg/store"
	"github.com/guido-cesarano/txqueue/pkg/transactions"
)

type Config struct {
	RedisAddr      string
	RedisPassword  string
	Namespace      string
	MaxQueueSize   int64
	MaxPerPriority int64
	MaxRetries     int
	RetryBaseDelay time.Duration
	ItemTTL        time.Duration
	Retention      time.Duration
	LockTimeout    time.Duration
	PollInterval   time.Duration
	// CleanupSchedule is a cron spec with a leading seconds field. Empty disables cleanup.
	CleanupSchedule string
	// RateLimits maps a transaction type to its token bucket.
	RateLimits  RateLimits
	MetricsAddr string
	APIAddr     string
	APIKey      string
}

// NewDefault returns a Config holding the default of every setting.
func NewDefault() *Config {
	return &Config{
		RedisAddr:       "localhost:6379",
		Namespace:       "txqueue",
		MaxQueueSize:    10000,
		MaxRetries:      3,
		RetryBaseDelay:  5 * time.Second,
		ItemTTL:         24 * time.Hour,
		Retention:       7 * 24 * time.Hour,
		LockTimeout:     5 * time.Second,
		PollInterval:    time.Second,
		CleanupSchedule: "0 0 * * * *",
		RateLimits:      RateLimits{},
		MetricsAddr:     ":8080",
		APIAddr:         ":8081",
	}
}

// Load returns the defaults overlaid with the environment.
func Load() (*Config, error) {
	cfg := NewDefault()
	if err := FromEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv overlays the environment onto cfg. Unset variables leave cfg alone.
func FromEnv(cfg *Config) error {
	var errs []string
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	i64 := func(name string, dst *int64) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = n
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", name, err))
				return
			}
			*dst = d
		}
	}

	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	str("QUEUE_NAMESPACE", &cfg.Namespace)
	i64("QUEUE_MAX_SIZE", &cfg.MaxQueueSize)
	i64("QUEUE_MAX_PER_PRIORITY", &cfg.MaxPerPriority)
	if v := os.Getenv("QUEUE_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("QUEUE_MAX_RETRIES: %v", err))
		} else {
			cfg.MaxRetries = n
		}
	}
	dur("QUEUE_RETRY_BASE_DELAY", &cfg.RetryBaseDelay)
	dur("QUEUE_ITEM_TTL", &cfg.ItemTTL)
	dur("QUEUE_RETENTION", &cfg.Retention)
	dur("QUEUE_LOCK_TIMEOUT", &cfg.LockTimeout)
	dur("QUEUE_POLL_INTERVAL", &cfg.PollInterval)
	str("QUEUE_CLEANUP_SCHEDULE", &cfg.CleanupSchedule)
	if v := os.Getenv("QUEUE_RATE_LIMITS"); v != "" {
		if err := cfg.RateLimits.Set(v); err != nil {
			errs = append(errs, fmt.Sprintf("QUEUE_RATE_LIMITS: %v", err))
		}
	}
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("API_ADDR", &cfg.APIAddr)
	str("API_KEY", &cfg.APIKey)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AddFlags binds the fields to flags on fs, using the current values as defaults.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	fs.StringVar(&c.RedisAddr, "redis-addr", c.RedisAddr, "Redis server address.")
	fs.StringVar(&c.Namespace, "namespace", c.Namespace, "Prefix of every key the queue owns.")
	fs.Int64Var(&c.MaxQueueSize, "max-queue-size", c.MaxQueueSize, "Maximum items waiting across all priorities. Negative disables the cap.")
	fs.Int64Var(&c.MaxPerPriority, "max-per-priority", c.MaxPerPriority, "Maximum items waiting in one priority. 0 disables the cap.")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Retries allowed for a retryable failure. 0 fails on the first error.")
	fs.DurationVar(&c.RetryBaseDelay, "retry-base-delay", c.RetryBaseDelay, "Base of the exponential retry backoff.")
	fs.DurationVar(&c.ItemTTL, "item-ttl", c.ItemTTL, "Lifetime of low-level queue item records.")
	fs.DurationVar(&c.Retention, "retention", c.Retention, "Age after which completed transactions are cleaned up.")
	fs.DurationVar(&c.LockTimeout, "lock-timeout", c.LockTimeout, "How long to wait for the queue lock.")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "Interval between processing attempts.")
	fs.StringVar(&c.CleanupSchedule, "cleanup-schedule", c.CleanupSchedule, "Cron spec, with seconds, for cleanup. Empty disables it.")
	fs.Var(&c.RateLimits, "rate-limit", "Repeatable. --rate-limit <type>=<rate>:<burst>")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Listen address of the metrics endpoint.")
	fs.StringVar(&c.APIAddr, "api-addr", c.APIAddr, "Listen address of the HTTP API.")
}

// Validate rejects settings the engines cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.RedisAddr == "":
		return fmt.Errorf("redis address is required")
	case c.Namespace == "":
		return fmt.Errorf("namespace is required")
	case c.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative")
	case c.RetryBaseDelay <= 0:
		return fmt.Errorf("retry base delay must be positive")
	case c.PollInterval <= 0:
		return fmt.Errorf("poll interval must be positive")
	case c.LockTimeout <= 0:
		return fmt.Errorf("lock timeout must be positive")
	}
	return nil
}

func (c *Config) Redis() store.RedisConfig {
	return store.RedisConfig{Addr: c.RedisAddr, Password: c.RedisPassword}
}

func (c *Config) retry() queue.RetryPolicy {
	p := queue.RetryPolicy{MaxRetries: c.MaxRetries, BaseDelay: c.RetryBaseDelay}
	if p.MaxRetries == 0 {
		p.MaxRetries = queue.NoRetries
	}
	return p
}

func (c *Config) limits() queue.Limits {
	return queue.Limits{MaxQueueSize: c.MaxQueueSize, MaxPerPriority: c.MaxPerPriority}
}

// Queue returns options for the low-level queue.
func (c *Config) Queue() queue.Options {
	return queue.Options{
		Name:    c.Namespace,
		Limits:  c.limits(),
		ItemTTL: c.ItemTTL,
		Retry:   c.retry(),
		Lock:    lock.Options{Timeout: c.LockTimeout},
	}
}

// Transactions returns manager options. The caller supplies Handler and Limiter.
func (c *Config) Transactions() transactions.Options {
	return transactions.Options{
		Name:       c.Namespace,
		Limits:     c.limits(),
		Retry:      c.retry(),
		Lock:       lock.Options{Timeout: c.LockTimeout},
		Retention:  c.Retention,
		RateLimits: c.RateLimits,
	}
}

// RateLimits is a pflag.Value parsing "type=rate:burst" entries separated by commas.
type RateLimits map[string]ratelimit.Limit

func (r *RateLimits) String() string {
	if r == nil || len(*r) == 0 {
		return ""
	}
	parts := make([]string, 0, len(*r))
	for t, l := range *r {
		parts = append(parts, fmt.Sprintf("%s=%s:%d", t, strconv.FormatFloat(l.Rate, 'f', -1, 64), l.Burst))
	}
	return strings.Join(parts, ",")
}

func (r *RateLimits) Set(v string) error {
	if *r == nil {
		*r = RateLimits{}
	}
	for _, entry := range strings.Split(v, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		txType, spec, ok := strings.Cut(entry, "=")
		if !ok || txType == "" {
			return fmt.Errorf("rate limit %q: want <type>=<rate>:<burst>", entry)
		}
		rateStr, burstStr, ok := strings.Cut(spec, ":")
		if !ok {
			return fmt.Errorf("rate limit %q: want <type>=<rate>:<burst>", entry)
		}
		rate, err := strconv.ParseFloat(rateStr, 64)
		if err != nil || rate <= 0 {
			return fmt.Errorf("rate limit %q: invalid rate", entry)
		}
		burst, err := strconv.Atoi(burstStr)
		if err != nil || burst <= 0 {
			return fmt.Errorf("rate limit %q: invalid burst", entry)
		}
		(*r)[txType] = ratelimit.Limit{Rate: rate, Burst: burst}
	}
	return nil
}

func (r *RateLimits) Type() string {
	return "rateLimits"
}
