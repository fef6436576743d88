// Package transactions is the user-facing orchestration layer on top of the
// shared store. It assigns ids, keeps a per-user history index, drains the
// priority lists through a handler, applies the shared retry policy, publishes
// status events and answers history and statistics queries.
//
// Store layout, for a manager named N:
//
//	N:tx:{id}                      hash record of the transaction
//	N:tx:pending:{priority}        ids waiting to be processed
//	N:tx:dead_letter               ids that exhausted their retries
//	N:tx:completed                 completed ids awaiting retention cleanup
//	N:user:{userId}:transactions   per-user history, newest first
//	N:tx:stats:status, N:tx:stats:type
//	N:tx:{id}:status               status event channel
//
// The lists hold bare ids and are distinct from the item lists of package queue.
package transactions

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/lock"
	"github.com/guido-cesarano/txqueue/pkg/metrics"
	"github.com/guido-cesarano/txqueue/pkg/notify"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
	"github.com/guido-cesarano/txqueue/pkg/queue"
	"github.com/guido-cesarano/txqueue/pkg/store"
)

// Manager is safe for concurrent use. Any number of processes may run a
// manager with the same Name against one store.
type Manager struct {
	store   store.Store
	locker  *lock.Locker
	broker  *notify.Broker
	keys    Keys
	lockKey string
	opts    Options
	log     zerolog.Logger
	cron    *cron.Cron

	autoMu     sync.Mutex
	autoCancel context.CancelFunc
	autoDone   chan struct{}
}

func New(s store.Store, opts Options) *Manager {
	opts.SetDefaults()
	log := *opts.Logger
	cronLog := cron.PrintfLogger(&log)
	return &Manager{
		store:   s,
		locker:  lock.NewLocker(s, opts.Lock),
		broker:  notify.NewBroker(s),
		keys:    Keys{Name: opts.Name},
		lockKey: queue.Keys{Name: opts.Name}.Lock(),
		opts:    opts,
		log:     log,
		cron:    cron.New(cron.WithSeconds(), cron.WithLogger(cronLog), cron.WithChain(cron.Recover(cronLog))),
	}
}

// Keys returns the key layout of the manager.
func (m *Manager) Keys() Keys {
	return m.keys
}

func (m *Manager) now() int64 {
	return item.Millis(m.opts.Clock.Now())
}

func (m *Manager) load(ctx context.Context, id string) (*item.WorkItem, error) {
	fields, err := m.store.HGetAll(ctx, m.keys.Transaction(id))
	if err != nil {
		return nil, err
	}
	return item.FromFields(fields)
}

func (m *Manager) stageSave(tx store.Tx, w *item.WorkItem) error {
	fields, err := w.Fields()
	if err != nil {
		return fmt.Errorf("encode transaction %s: %w", w.ID, err)
	}
	tx.HSet(m.keys.Transaction(w.ID), fields)
	return nil
}

// stageTransition moves one count between status buckets. An empty from only adds.
func (m *Manager) stageTransition(tx store.Tx, from, to item.Status) {
	if from == to {
		return
	}
	if from != "" {
		tx.HIncrBy(m.keys.StatusStats(), string(from), -1)
	}
	tx.HIncrBy(m.keys.StatusStats(), string(to), 1)
}

func (m *Manager) publish(ctx context.Context, w *item.WorkItem) {
	ev := notify.Event{Status: w.Status, Timestamp: w.UpdatedAt}
	if err := m.broker.Publish(ctx, m.keys.Channel(w.ID), ev); err != nil {
		m.log.Warn().Err(err).Str("tx_id", w.ID).Str("status", string(w.Status)).Msg("Failed to publish status event")
	}
}

// QueueTransaction stores a new transaction and pushes its id onto the list for
// priority. An empty priority means medium. The payload must name its type.
func (m *Manager) QueueTransaction(ctx context.Context, payload item.Payload, meta item.Metadata, priority item.Priority, opts ...QueueOption) (string, error) {
	w, err := m.newTransaction(payload, meta, priority, opts)
	if err != nil {
		return "", err
	}

	err = m.locker.WithLock(ctx, m.lockKey, func(ctx context.Context) error {
		if err := m.opts.Limits.Check(ctx, m.store, m.opts.Name, m.keys.Pending, map[item.Priority]int64{w.Priority: 1}); err != nil {
			return err
		}
		return m.store.Atomic(ctx, func(tx store.Tx) error {
			return m.stageNew(tx, w)
		})
	})
	if err != nil {
		return "", err
	}

	metrics.Enqueued.WithLabelValues(m.opts.Name, string(w.Priority)).Inc()
	m.log.Debug().Str("tx_id", w.ID).Str("type", w.Type()).Str("priority", string(w.Priority)).Msg("Transaction queued")
	return w.ID, nil
}

func (m *Manager) newTransaction(payload item.Payload, meta item.Metadata, priority item.Priority, opts []QueueOption) (*item.WorkItem, error) {
	if payload.Type == "" {
		return nil, &qerrors.ValidationError{Field: "type", Message: "transaction type is required"}
	}
	if priority == "" {
		priority = item.PriorityMedium
	}

	w := &item.WorkItem{
		ID:        uuid.NewString(),
		Priority:  priority,
		Payload:   payload.Clone(),
		Metadata:  meta,
		Status:    item.StatusQueued,
		CreatedAt: m.now(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

func (m *Manager) stageNew(tx store.Tx, w *item.WorkItem) error {
	if err := m.stageSave(tx, w); err != nil {
		return err
	}
	if w.Metadata.UserID != "" {
		tx.LPush(m.keys.User(w.Metadata.UserID), w.ID)
	}
	tx.RPush(m.keys.Pending(w.Priority), w.ID)
	m.stageTransition(tx, "", w.Status)
	tx.HIncrBy(m.keys.TypeStats(), w.Type(), 1)
	return nil
}

// GetTransaction loads a transaction. One still processing past its timeout is
// failed and persisted before it is returned.
func (m *Manager) GetTransaction(ctx context.Context, id string) (*item.WorkItem, error) {
	w, err := m.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, &qerrors.NotFoundError{ID: id}
	}
	if !w.ExpireIfTimedOut(m.now()) {
		return w, nil
	}

	expired := false
	err = m.locker.WithLock(ctx, m.lockKey, func(ctx context.Context) error {
		cur, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return &qerrors.NotFoundError{ID: id}
		}
		w = cur
		if !w.ExpireIfTimedOut(m.now()) {
			return nil
		}
		expired = true
		return m.store.Atomic(ctx, func(tx store.Tx) error {
			m.stageTransition(tx, item.StatusProcessing, w.Status)
			return m.stageSave(tx, w)
		})
	})
	if err != nil {
		return nil, err
	}

	if expired {
		metrics.Processed.WithLabelValues("timeout", w.Type()).Inc()
		m.log.Warn().Str("tx_id", id).Int64("timeout_ms", w.Timeout).Msg("Transaction timed out")
		m.publish(ctx, w)
	}
	return w, nil
}

// CancelTransaction cancels a queued transaction and reports whether it did.
// Transactions in any other state are left untouched.
func (m *Manager) CancelTransaction(ctx context.Context, id string) (bool, error) {
	var w *item.WorkItem
	cancelled := false
	err := m.locker.WithLock(ctx, m.lockKey, func(ctx context.Context) error {
		var err error
		w, err = m.load(ctx, id)
		if err != nil {
			return err
		}
		if w == nil {
			return &qerrors.NotFoundError{ID: id}
		}
		if w.Status != item.StatusQueued {
			return nil
		}

		now := m.now()
		w.Status = item.StatusCancelled
		w.UpdatedAt = now
		w.CancelledAt = now
		if err := m.store.Atomic(ctx, func(tx store.Tx) error {
			tx.LRem(m.keys.Pending(w.Priority), 0, id)
			m.stageTransition(tx, item.StatusQueued, item.StatusCancelled)
			return m.stageSave(tx, w)
		}); err != nil {
			return err
		}
		cancelled = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if cancelled {
		metrics.Processed.WithLabelValues("cancelled", w.Type()).Inc()
		m.log.Info().Str("tx_id", id).Msg("Transaction cancelled")
		m.publish(ctx, w)
	}
	return cancelled, nil
}

// HistoryEntry is a transaction record with its type lifted to the top level.
type HistoryEntry struct {
	item.WorkItem
	Type string `json:"type"`
}

// GetUserTransactionHistory returns the window [Offset, Offset+Limit) of the
// user's history, newest first, then drops entries that do not match the
// filter's Status and Type. Ids whose record has gone or cannot be decoded are
// skipped.
func (m *Manager) GetUserTransactionHistory(ctx context.Context, userID string, f HistoryFilter) ([]HistoryEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	offset := max(f.Offset, 0)

	ids, err := m.store.LRange(ctx, m.keys.User(userID), offset, offset+limit-1)
	if err != nil {
		return nil, err
	}

	records := make([]*item.WorkItem, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)
	for i, id := range ids {
		g.Go(func() error {
			w, err := m.load(gctx, id)
			if qerrors.IsMalformed(err) {
				m.log.Warn().Err(err).Str("tx_id", id).Str("user_id", userID).Msg("Skipping malformed history entry")
				return nil
			}
			records[i] = w
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]HistoryEntry, 0, len(records))
	for _, w := range records {
		if w == nil {
			continue
		}
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.Type != "" && w.Type() != f.Type {
			continue
		}
		out = append(out, HistoryEntry{WorkItem: *w, Type: w.Type()})
	}
	return out, nil
}

// SubscribeToTransaction calls cb for every status event of the transaction.
// The returned function removes cb and may be called more than once.
func (m *Manager) SubscribeToTransaction(ctx context.Context, id string, cb notify.Callback) (func(), error) {
	return m.broker.Subscribe(ctx, m.keys.Channel(id), cb)
}

// WatchTransaction delivers the transaction's status events on a channel.
func (m *Manager) WatchTransaction(ctx context.Context, id string, buffer int) (<-chan notify.Event, func(), error) {
	return m.broker.Watch(ctx, m.keys.Channel(id), buffer)
}
