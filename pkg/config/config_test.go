package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guido-cesarano/txqueue/pkg/queue"
	"github.com/guido-cesarano/txqueue/pkg/ratelimit"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "txqueue", cfg.Namespace)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention)

	opts := cfg.Transactions()
	assert.Equal(t, "txqueue", opts.Name)
	assert.Equal(t, int64(10000), opts.Limits.MaxQueueSize)
	assert.Equal(t, 5*time.Second, opts.Lock.Timeout)
	assert.Equal(t, 24*time.Hour, cfg.Queue().ItemTTL)
}

func TestFromEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("QUEUE_NAMESPACE", "payments")
	t.Setenv("QUEUE_MAX_SIZE", "50")
	t.Setenv("QUEUE_MAX_RETRIES", "5")
	t.Setenv("QUEUE_RETRY_BASE_DELAY", "250ms")
	t.Setenv("QUEUE_CLEANUP_SCHEDULE", "")
	t.Setenv("QUEUE_RATE_LIMITS", "email=10:20, sms=0.5:1")
	t.Setenv("API_KEY", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, "redis:6380", cfg.Redis().Addr)
	assert.Equal(t, "payments", cfg.Namespace)
	assert.Equal(t, int64(50), cfg.MaxQueueSize)
	assert.Equal(t, 5, cfg.Queue().Retry.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.RetryBaseDelay)
	assert.Empty(t, cfg.CleanupSchedule, "an explicitly empty schedule disables cleanup")
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, ratelimit.Limit{Rate: 10, Burst: 20}, cfg.RateLimits["email"])
	assert.Equal(t, ratelimit.Limit{Rate: 0.5, Burst: 1}, cfg.Transactions().RateLimits["sms"])
}

func TestFromEnvRejectsMalformedValues(t *testing.T) {
	t.Setenv("QUEUE_MAX_SIZE", "lots")
	t.Setenv("QUEUE_POLL_INTERVAL", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_MAX_SIZE")
	assert.Contains(t, err.Error(), "QUEUE_POLL_INTERVAL")
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("QUEUE_NAMESPACE", "from-env")
	cfg, err := Load()
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{
		"--namespace=from-flag",
		"--poll-interval=250ms",
		"--rate-limit=email=1:2",
		"--rate-limit=sms=3:4",
	}))

	assert.Equal(t, "from-flag", cfg.Namespace)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Len(t, cfg.RateLimits, 2)
	assert.Equal(t, "redis-addr", fs.Lookup("redis-addr").Name)
}

func TestZeroMaxRetriesDisablesRetries(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--max-retries=0"}))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, queue.NoRetries, cfg.Queue().Retry.MaxRetries)
	assert.Equal(t, queue.NoRetries, cfg.Transactions().Retry.MaxRetries)
}

func TestRateLimitsRejectsBadEntries(t *testing.T) {
	for _, v := range []string{"email", "email=1", "=1:1", "email=x:1", "email=1:0"} {
		var r RateLimits
		assert.Error(t, r.Set(v), v)
	}
}

func TestValidate(t *testing.T) {
	cfg := NewDefault()
	cfg.PollInterval = 0
	assert.Error(t, cfg.Validate())

	cfg = NewDefault()
	cfg.Namespace = ""
	assert.Error(t, cfg.Validate())
}
