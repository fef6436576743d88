package transactions

import (
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/guido-cesarano/txqueue/pkg/handler"
	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/lock"
	"github.com/guido-cesarano/txqueue/pkg/logger"
	"github.com/guido-cesarano/txqueue/pkg/queue"
	"github.com/guido-cesarano/txqueue/pkg/ratelimit"
)

const defaultHistoryLimit = 50

type Options struct {
	// Name scopes every key. Managers and low-level queues opened with the same
	// name share one lock.
	Name   string
	Limits queue.Limits
	Retry  queue.RetryPolicy
	Lock   lock.Options
	// Retention is how long completed transactions are kept before cleanup.
	Retention time.Duration
	// Handler runs the transactions. Required for processing.
	Handler handler.Handler
	// Limiter and RateLimits throttle processing per transaction type. A
	// throttled transaction goes back onto its list without using a retry.
	Limiter    ratelimit.Limiter
	RateLimits map[string]ratelimit.Limit
	Clock      clock.PassiveClock
	Logger     *zerolog.Logger
}

func (o *Options) SetDefaults() {
	if o.Name == "" {
		o.Name = "txqueue"
	}
	o.Limits.SetDefaults()
	o.Retry.SetDefaults()
	o.Lock.SetDefaults()
	if o.Retention == 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		l := logger.Component("transactions").With().Str("queue", o.Name).Logger()
		o.Logger = &l
	}
}

// Keys names the store keys owned by the manager. Lists hold bare ids.
type Keys struct {
	Name string
}

func (k Keys) Transaction(id string) string {
	return k.Name + ":tx:" + id
}

func (k Keys) Pending(p item.Priority) string {
	return k.Name + ":tx:pending:" + string(p)
}

func (k Keys) DeadLetter() string {
	return k.Name + ":tx:dead_letter"
}

// Completed tracks completed ids for retention cleanup.
func (k Keys) Completed() string {
	return k.Name + ":tx:completed"
}

// User is the per-user history list, newest first.
func (k Keys) User(userID string) string {
	return k.Name + ":user:" + userID + ":transactions"
}

func (k Keys) StatusStats() string {
	return k.Name + ":tx:stats:status"
}

func (k Keys) TypeStats() string {
	return k.Name + ":tx:stats:type"
}

// Channel is the pub/sub channel carrying status events for one transaction.
func (k Keys) Channel(id string) string {
	return k.Name + ":tx:" + id + ":status"
}

func (k Keys) RateLimit(txType string) string {
	return k.Name + ":ratelimit:" + txType
}

// QueueOption customises a single queued transaction.
type QueueOption func(*item.WorkItem)

// WithTimeout bounds how long the transaction may stay processing. A
// transaction still processing after d is failed the next time it is read.
func WithTimeout(d time.Duration) QueueOption {
	return func(w *item.WorkItem) {
		w.Timeout = d.Milliseconds()
	}
}

// HistoryFilter narrows GetUserTransactionHistory. Offset and Limit select the
// window of the history list before Status and Type are applied.
type HistoryFilter struct {
	Status item.Status
	Type   string
	Offset int64
	Limit  int64
}
