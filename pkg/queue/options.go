package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/lock"
	"github.com/guido-cesarano/txqueue/pkg/logger"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
	"github.com/guido-cesarano/txqueue/pkg/store"
)

type Options struct {
	// Name scopes every key of the queue.
	Name   string
	Limits Limits
	// ItemTTL bounds how long item records survive in the store.
	ItemTTL time.Duration
	Retry   RetryPolicy
	Lock    lock.Options
	Clock   clock.PassiveClock
	Logger  *zerolog.Logger
}

func (o *Options) SetDefaults() {
	if o.Name == "" {
		o.Name = "txqueue"
	}
	o.Limits.SetDefaults()
	if o.ItemTTL == 0 {
		o.ItemTTL = 24 * time.Hour
	}
	o.Retry.SetDefaults()
	o.Lock.SetDefaults()
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		l := logger.Component("queue").With().Str("queue", o.Name).Logger()
		o.Logger = &l
	}
}

// Limits caps how many items may wait. A zero MaxQueueSize takes the default;
// a negative one, like a non-positive MaxPerPriority, disables the cap.
type Limits struct {
	MaxQueueSize   int64
	MaxPerPriority int64
}

func (l *Limits) SetDefaults() {
	if l.MaxQueueSize == 0 {
		l.MaxQueueSize = 10000
	}
}

// Check fails with a *qerrors.CapacityError when adding adds[p] items to each
// priority list would exceed a cap. listKey maps a priority to its list.
// Callers must hold the queue lock so the lengths cannot change underneath.
func (l Limits) Check(ctx context.Context, s store.Store, queue string, listKey func(item.Priority) string, adds map[item.Priority]int64) error {
	if l.MaxQueueSize <= 0 && l.MaxPerPriority <= 0 {
		return nil
	}

	var total, added int64
	sizes := make(map[item.Priority]int64, len(item.Priorities))
	for _, p := range item.Priorities {
		n, err := s.LLen(ctx, listKey(p))
		if err != nil {
			return err
		}
		sizes[p] = n
		total += n
		added += adds[p]
	}

	if l.MaxQueueSize > 0 && total+added > l.MaxQueueSize {
		return &qerrors.CapacityError{Queue: queue, Size: total, Limit: l.MaxQueueSize}
	}
	if l.MaxPerPriority > 0 {
		for _, p := range item.Priorities {
			if adds[p] > 0 && sizes[p]+adds[p] > l.MaxPerPriority {
				return &qerrors.CapacityError{Queue: queue, Priority: string(p), Size: sizes[p], Limit: l.MaxPerPriority}
			}
		}
	}
	return nil
}

// Keys names the store keys owned by the low-level queue.
type Keys struct {
	Name string
}

func (k Keys) List(p item.Priority) string {
	return k.Name + ":queue:" + string(p)
}

func (k Keys) Item(id string) string {
	return k.Name + ":item:" + id
}

func (k Keys) DeadLetter() string {
	return k.Name + ":queue:dead_letter"
}

// Lock is the single mutual-exclusion token for every engine sharing the name.
func (k Keys) Lock() string {
	return k.Name + ":lock"
}
