package transactions

import (
	"context"
	"strconv"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/metrics"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
	"github.com/guido-cesarano/txqueue/pkg/store"
)

// Metrics is a point-in-time view of the manager's lists and status counters.
type Metrics struct {
	Queued      map[item.Priority]int64 `json:"queued"`
	TotalQueued int64                   `json:"totalQueued"`
	DeadLetter  int64                   `json:"deadLetter"`
	// Completed counts completed transactions not yet cleaned up.
	Completed int64                 `json:"completed"`
	ByStatus  map[item.Status]int64 `json:"byStatus"`
}

// GetMetrics reads list lengths and status counters concurrently.
func (m *Manager) GetMetrics(ctx context.Context) (*Metrics, error) {
	queued := make([]int64, len(item.Priorities))
	var deadLetter, completed int64
	var byStatus map[string]int64

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range item.Priorities {
		g.Go(func() error {
			n, err := m.store.LLen(gctx, m.keys.Pending(p))
			queued[i] = n
			return err
		})
	}
	g.Go(func() error {
		n, err := m.store.LLen(gctx, m.keys.DeadLetter())
		deadLetter = n
		return err
	})
	g.Go(func() error {
		n, err := m.store.LLen(gctx, m.keys.Completed())
		completed = n
		return err
	})
	g.Go(func() error {
		counts, err := m.readCounts(gctx, m.keys.StatusStats())
		byStatus = counts
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &Metrics{
		Queued:     make(map[item.Priority]int64, len(item.Priorities)),
		DeadLetter: deadLetter,
		Completed:  completed,
		ByStatus:   make(map[item.Status]int64, len(byStatus)),
	}
	for i, p := range item.Priorities {
		out.Queued[p] = queued[i]
		out.TotalQueued += queued[i]
	}
	for s, n := range byStatus {
		out.ByStatus[item.Status(s)] = n
	}
	return out, nil
}

// Stats aggregates every transaction the manager has stored.
type Stats struct {
	// ByStatus counts stored transactions by their current status.
	ByStatus map[item.Status]int64 `json:"byStatus"`
	// ByType counts transactions ever queued, by type.
	ByType map[string]int64 `json:"byType"`
	Total  int64            `json:"total"`
}

func (m *Manager) GetTransactionStats(ctx context.Context) (*Stats, error) {
	byStatus, err := m.readCounts(ctx, m.keys.StatusStats())
	if err != nil {
		return nil, err
	}
	byType, err := m.readCounts(ctx, m.keys.TypeStats())
	if err != nil {
		return nil, err
	}

	stats := &Stats{ByStatus: make(map[item.Status]int64, len(byStatus)), ByType: byType}
	for s, n := range byStatus {
		stats.ByStatus[item.Status(s)] = n
	}
	for _, n := range byType {
		stats.Total += n
	}
	return stats, nil
}

func (m *Manager) readCounts(ctx context.Context, key string) (map[string]int64, error) {
	raw, err := m.store.HGetAll(ctx, key)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			m.log.Warn().Err(err).Str("key", key).Str("field", field).Msg("Ignoring malformed counter")
			continue
		}
		counts[field] = n
	}
	return counts, nil
}

// CleanupOldTransactions deletes completed transactions older than the
// retention window and returns how many it removed. Store failures are logged
// and end the pass early.
func (m *Manager) CleanupOldTransactions(ctx context.Context) int {
	ids, err := m.store.LRange(ctx, m.keys.Completed(), 0, -1)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to read completed transactions")
		return 0
	}

	cutoff := m.now() - m.opts.Retention.Milliseconds()
	removed := 0
	for _, id := range ids {
		w, err := m.load(ctx, id)
		if err != nil {
			m.log.Error().Err(err).Str("tx_id", id).Msg("Cleanup aborted")
			break
		}
		if w == nil {
			if _, err := m.store.LRem(ctx, m.keys.Completed(), 0, id); err != nil {
				m.log.Warn().Err(err).Str("tx_id", id).Msg("Failed to untrack missing transaction")
			}
			continue
		}
		if w.Status != item.StatusCompleted || w.CompletedAt >= cutoff {
			continue
		}

		err = m.store.Atomic(ctx, func(tx store.Tx) error {
			tx.Del(m.keys.Transaction(id))
			tx.LRem(m.keys.Completed(), 0, id)
			if w.Metadata.UserID != "" {
				tx.LRem(m.keys.User(w.Metadata.UserID), 0, id)
			}
			tx.HIncrBy(m.keys.StatusStats(), string(item.StatusCompleted), -1)
			return nil
		})
		if err != nil {
			m.log.Error().Err(err).Str("tx_id", id).Msg("Cleanup aborted")
			break
		}
		removed++
	}

	if removed > 0 {
		m.log.Info().Int("removed", removed).Msg("Cleaned up old transactions")
	}
	return removed
}

// ScheduleCleanup runs CleanupOldTransactions on the cron spec, which takes a
// leading seconds field. The schedule runs once StartScheduler is called.
func (m *Manager) ScheduleCleanup(spec string) (cron.EntryID, error) {
	return m.cron.AddFunc(spec, func() {
		m.CleanupOldTransactions(context.Background())
	})
}

// ScheduleTransaction queues a fresh copy of payload, with a new id, on every
// tick of the cron spec.
func (m *Manager) ScheduleTransaction(spec string, payload item.Payload, meta item.Metadata, priority item.Priority, opts ...QueueOption) (cron.EntryID, error) {
	if payload.Type == "" {
		return 0, &qerrors.ValidationError{Field: "type", Message: "transaction type is required"}
	}
	return m.cron.AddFunc(spec, func() {
		id, err := m.QueueTransaction(context.Background(), payload, meta, priority, opts...)
		if err != nil {
			m.log.Error().Err(err).Str("spec", spec).Str("type", payload.Type).Msg("Failed to queue scheduled transaction")
			return
		}
		m.log.Info().Str("tx_id", id).Str("type", payload.Type).Str("spec", spec).Msg("Scheduled transaction queued")
	})
}

// StartScheduler starts the cron scheduler in a background goroutine.
func (m *Manager) StartScheduler() {
	m.cron.Start()
}

// StopScheduler stops the scheduler and waits for running jobs.
func (m *Manager) StopScheduler() {
	<-m.cron.Stop().Done()
}

// Shutdown stops auto-processing and the scheduler.
func (m *Manager) Shutdown() {
	m.StopAutoProcessing()
	m.StopScheduler()
}

// DeadLetterTransactions returns the dead-lettered records, oldest first.
func (m *Manager) DeadLetterTransactions(ctx context.Context) ([]*item.WorkItem, error) {
	ids, err := m.store.LRange(ctx, m.keys.DeadLetter(), 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]*item.WorkItem, 0, len(ids))
	for _, id := range ids {
		w, err := m.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if w != nil {
			out = append(out, w)
		}
	}
	return out, nil
}

// ReprocessDeadLetter takes the oldest dead-lettered transaction, clears its
// failure and queues it again with one more retry counted. It returns
// qerrors.ErrNoItem when the dead-letter list is empty.
func (m *Manager) ReprocessDeadLetter(ctx context.Context) (*item.WorkItem, error) {
	var w *item.WorkItem
	err := m.locker.WithLock(ctx, m.lockKey, func(ctx context.Context) error {
		id, ok, err := m.store.LPop(ctx, m.keys.DeadLetter())
		if err != nil {
			return err
		}
		if !ok {
			return qerrors.ErrNoItem
		}

		rec, err := m.load(ctx, id)
		if qerrors.IsMalformed(err) {
			m.log.Error().Err(err).Str("tx_id", id).Msg("Dropping dead-letter id with a malformed record")
			return err
		}
		if err != nil {
			m.restoreDeadLetter(ctx, id)
			return err
		}
		if rec == nil {
			m.log.Warn().Str("tx_id", id).Msg("Dropping dead-letter id without a record")
			return &qerrors.NotFoundError{ID: id}
		}
		if err := m.opts.Limits.Check(ctx, m.store, m.opts.Name, m.keys.Pending, map[item.Priority]int64{rec.Priority: 1}); err != nil {
			m.restoreDeadLetter(ctx, id)
			return err
		}

		from := rec.Status
		rec.Status = item.StatusQueued
		rec.RetryCount++
		rec.Error = ""
		rec.CompletedAt = 0
		rec.NextRetryAt = 0
		rec.UpdatedAt = m.now()
		if err := m.store.Atomic(ctx, func(tx store.Tx) error {
			m.stageTransition(tx, from, rec.Status)
			tx.RPush(m.keys.Pending(rec.Priority), id)
			return m.stageSave(tx, rec)
		}); err != nil {
			m.restoreDeadLetter(ctx, id)
			return err
		}
		w = rec
		return nil
	})
	if w == nil {
		return nil, err
	}

	metrics.Enqueued.WithLabelValues(m.opts.Name, string(w.Priority)).Inc()
	m.log.Info().Str("tx_id", w.ID).Int("retry_count", w.RetryCount).Msg("Dead-lettered transaction requeued")
	m.publish(ctx, w)
	return w, nil
}

func (m *Manager) restoreDeadLetter(ctx context.Context, id string) {
	if err := m.store.LPush(context.WithoutCancel(ctx), m.keys.DeadLetter(), id); err != nil {
		m.log.Error().Err(err).Str("tx_id", id).Msg("Lost dead-letter id")
	}
}
