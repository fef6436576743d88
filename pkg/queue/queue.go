// Package queue provides a store-backed priority work queue.
// It supports:
//   - Three durable lists (high, medium, low) drained in strict priority order
//   - Head insertion for newly arriving high-priority items
//   - Capacity caps checked under a cross-process lock
//   - Exponential backoff retry and a dead-letter list for exhausted items
//   - Atomic batch enqueue
//
// List entries hold whole JSON-encoded items. Each item is also persisted as a
// hash record with a bounded TTL, which is the authoritative copy once it exists.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/lock"
	"github.com/guido-cesarano/txqueue/pkg/metrics"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
	"github.com/guido-cesarano/txqueue/pkg/store"
)

// Queue is the low-level priority queue. It is safe for concurrent use, and
// any number of processes may open the same Name against one store.
type Queue struct {
	store  store.Store
	locker *lock.Locker
	keys   Keys
	opts   Options
	log    zerolog.Logger
}

func New(s store.Store, opts Options) *Queue {
	opts.SetDefaults()
	return &Queue{
		store:  s,
		locker: lock.NewLocker(s, opts.Lock),
		keys:   Keys{Name: opts.Name},
		opts:   opts,
		log:    *opts.Logger,
	}
}

// Keys returns the key layout of the queue.
func (q *Queue) Keys() Keys {
	return q.keys
}

// Policy returns the retry policy the queue applies.
func (q *Queue) Policy() RetryPolicy {
	return q.opts.Retry
}

func (q *Queue) now() int64 {
	return item.Millis(q.opts.Clock.Now())
}

// Enqueue validates w and pushes it onto its priority list. High-priority items
// go to the head of their list, everything else to the tail. A pending item is
// stored as queued; the caller's value is not modified.
func (q *Queue) Enqueue(ctx context.Context, w *item.WorkItem) error {
	if err := w.Validate(); err != nil {
		return err
	}
	stored := *w
	if stored.Status == item.StatusPending {
		stored.Status = item.StatusQueued
	}

	err := q.locker.WithLock(ctx, q.keys.Lock(), func(ctx context.Context) error {
		if err := q.opts.Limits.Check(ctx, q.store, q.opts.Name, q.keys.List, map[item.Priority]int64{stored.Priority: 1}); err != nil {
			return err
		}
		return q.store.Atomic(ctx, func(tx store.Tx) error {
			return q.stage(tx, &stored, stored.Priority == item.PriorityHigh)
		})
	})
	if err != nil {
		return err
	}

	metrics.Enqueued.WithLabelValues(q.opts.Name, string(stored.Priority)).Inc()
	q.log.Debug().Str("item_id", stored.ID).Str("priority", string(stored.Priority)).Msg("Item enqueued")
	return nil
}

// stage queues the record write and list push for w on tx.
func (q *Queue) stage(tx store.Tx, w *item.WorkItem, head bool) error {
	raw, err := w.Encode()
	if err != nil {
		return fmt.Errorf("encode item %s: %w", w.ID, err)
	}
	if err := q.stageRecord(tx, w); err != nil {
		return err
	}
	if head {
		tx.LPush(q.keys.List(w.Priority), raw)
	} else {
		tx.RPush(q.keys.List(w.Priority), raw)
	}
	return nil
}

func (q *Queue) stageRecord(tx store.Tx, w *item.WorkItem) error {
	fields, err := w.Fields()
	if err != nil {
		return fmt.Errorf("encode item %s: %w", w.ID, err)
	}
	key := q.keys.Item(w.ID)
	tx.HSet(key, fields)
	tx.Expire(key, q.opts.ItemTTL)
	return nil
}

func (q *Queue) save(ctx context.Context, w *item.WorkItem) error {
	return q.store.Atomic(ctx, func(tx store.Tx) error {
		return q.stageRecord(tx, w)
	})
}

// EnqueueBatch enqueues items in a single all-or-nothing transaction. Every
// item is appended to the tail of its list in argument order.
func (q *Queue) EnqueueBatch(ctx context.Context, items []*item.WorkItem) error {
	if len(items) == 0 {
		return nil
	}

	adds := make(map[item.Priority]int64)
	staged := make([]*item.WorkItem, len(items))
	for i, w := range items {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("batch item %d: %w", i, err)
		}
		cp := *w
		if cp.Status == item.StatusPending {
			cp.Status = item.StatusQueued
		}
		staged[i] = &cp
		adds[cp.Priority]++
	}

	err := q.locker.WithLock(ctx, q.keys.Lock(), func(ctx context.Context) error {
		if err := q.opts.Limits.Check(ctx, q.store, q.opts.Name, q.keys.List, adds); err != nil {
			return err
		}
		return q.store.Atomic(ctx, func(tx store.Tx) error {
			for _, w := range staged {
				if err := q.stage(tx, w, false); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return err
	}

	for p, n := range adds {
		metrics.Enqueued.WithLabelValues(q.opts.Name, string(p)).Add(float64(n))
	}
	return nil
}

// Dequeue pops the next item in priority order, marks it processing and
// returns it. It returns qerrors.ErrNoItem when every list is empty.
// Malformed entries and items already claimed elsewhere are dropped.
func (q *Queue) Dequeue(ctx context.Context) (*item.WorkItem, error) {
	for _, p := range item.Priorities {
		w, err := q.popClaimable(ctx, p)
		if err != nil {
			return nil, err
		}
		if w == nil {
			continue
		}

		w.Status = item.StatusProcessing
		w.UpdatedAt = q.now()
		if err := q.save(ctx, w); err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, qerrors.ErrNoItem
}

// popClaimable pops entries from the list of p until it finds one that may be
// processed. It returns nil when the list runs dry. Items still inside their
// retry backoff are pushed back onto the tail once the scan ends.
func (q *Queue) popClaimable(ctx context.Context, p item.Priority) (*item.WorkItem, error) {
	var deferred []string
	defer func() {
		if len(deferred) == 0 {
			return
		}
		if err := q.store.RPush(ctx, q.keys.List(p), deferred...); err != nil {
			q.log.Error().Err(err).Int("count", len(deferred)).Msg("Failed to requeue deferred items")
		}
	}()

	for {
		raw, ok, err := q.store.LPop(ctx, q.keys.List(p))
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		w, err := item.Decode(raw)
		if err != nil {
			q.log.Warn().Err(err).Str("priority", string(p)).Msg("Dropping malformed queue entry")
			continue
		}

		// Prefer the record: it reflects status updates made while the entry waited.
		rec, err := q.load(ctx, w.ID)
		if err != nil {
			q.log.Warn().Err(err).Str("item_id", w.ID).Msg("Unreadable item record, using list entry")
		} else if rec != nil {
			w = rec
		}

		if w.Status.Claimed() {
			q.log.Debug().Str("item_id", w.ID).Str("status", string(w.Status)).Msg("Skipping claimed item")
			continue
		}

		if ready, next := q.opts.Retry.Ready(w, q.now()); !ready {
			w.NextRetryAt = next
			if err := q.save(ctx, w); err != nil {
				q.log.Warn().Err(err).Str("item_id", w.ID).Msg("Failed to record next retry time")
			}
			if enc, err := w.Encode(); err == nil {
				raw = enc
			}
			deferred = append(deferred, raw)
			metrics.Processed.WithLabelValues("deferred", w.Type()).Inc()
			continue
		}
		return w, nil
	}
}

// DequeueBatch pops up to n items in priority order and marks them processing
// in one transaction. Fewer than n items are returned when the queue drains.
func (q *Queue) DequeueBatch(ctx context.Context, n int) ([]*item.WorkItem, error) {
	var out []*item.WorkItem
	for _, p := range item.Priorities {
		for len(out) < n {
			w, err := q.popClaimable(ctx, p)
			if err != nil {
				return out, err
			}
			if w == nil {
				break
			}
			out = append(out, w)
		}
	}
	if len(out) == 0 {
		return nil, nil
	}

	now := q.now()
	err := q.store.Atomic(ctx, func(tx store.Tx) error {
		for _, w := range out {
			w.Status = item.StatusProcessing
			w.UpdatedAt = now
			if err := q.stageRecord(tx, w); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}

// Peek returns the item Dequeue would return next without removing it. Like
// Dequeue it reads each entry's record and passes over malformed, claimed and
// not yet ready entries.
func (q *Queue) Peek(ctx context.Context) (*item.WorkItem, error) {
	now := q.now()
	for _, p := range item.Priorities {
		entries, err := q.store.LRange(ctx, q.keys.List(p), 0, -1)
		if err != nil {
			return nil, err
		}
		for _, raw := range entries {
			w, err := item.Decode(raw)
			if err != nil {
				q.log.Warn().Err(err).Str("priority", string(p)).Msg("Malformed queue entry")
				continue
			}
			if rec, err := q.load(ctx, w.ID); err == nil && rec != nil {
				w = rec
			}
			if w.Status.Claimed() {
				continue
			}
			if ready, _ := q.opts.Retry.Ready(w, now); !ready {
				continue
			}
			return w, nil
		}
	}
	return nil, qerrors.ErrNoItem
}

// Size returns the length of one priority list, or of all three when p is empty.
// Store errors are logged and count as zero.
func (q *Queue) Size(ctx context.Context, p item.Priority) int64 {
	priorities := item.Priorities
	if p != "" {
		priorities = []item.Priority{p}
	}

	var total int64
	for _, pr := range priorities {
		n, err := q.store.LLen(ctx, q.keys.List(pr))
		if err != nil {
			q.log.Error().Err(err).Str("priority", string(pr)).Msg("Failed to read queue size")
			continue
		}
		total += n
	}
	return total
}

// Clear deletes one priority list, or all three when p is empty.
func (q *Queue) Clear(ctx context.Context, p item.Priority) {
	keys := make([]string, 0, len(item.Priorities))
	if p != "" {
		keys = append(keys, q.keys.List(p))
	} else {
		for _, pr := range item.Priorities {
			keys = append(keys, q.keys.List(pr))
		}
	}
	if err := q.store.Del(ctx, keys...); err != nil {
		q.log.Error().Err(err).Strs("keys", keys).Msg("Failed to clear queue")
	}
}

func (q *Queue) load(ctx context.Context, id string) (*item.WorkItem, error) {
	fields, err := q.store.HGetAll(ctx, q.keys.Item(id))
	if err != nil {
		return nil, err
	}
	return item.FromFields(fields)
}

// GetItem loads an item record. A processing item whose timeout has elapsed is
// failed and persisted before it is returned.
func (q *Queue) GetItem(ctx context.Context, id string) (*item.WorkItem, error) {
	w, err := q.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if w == nil {
		return nil, &qerrors.NotFoundError{ID: id}
	}
	if w.ExpireIfTimedOut(q.now()) {
		metrics.Processed.WithLabelValues("timeout", w.Type()).Inc()
		if err := q.save(ctx, w); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// UpdateStatus moves an item to status. Terminal items cannot change. An item
// entering failed with its retry budget spent is also put on the dead-letter list.
func (q *Queue) UpdateStatus(ctx context.Context, id string, status item.Status, errMsg string) error {
	if !status.Valid() {
		return &qerrors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", status)}
	}
	w, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if w == nil {
		return &qerrors.NotFoundError{ID: id}
	}
	if w.Status.Terminal() {
		return &qerrors.ValidationError{Field: "status", Message: fmt.Sprintf("item %s is %s and cannot become %s", id, w.Status, status)}
	}

	now := q.now()
	w.Status = status
	w.UpdatedAt = now
	if errMsg != "" {
		w.Error = errMsg
	}
	switch status {
	case item.StatusCompleted, item.StatusFailed:
		w.CompletedAt = now
	case item.StatusCancelled:
		w.CancelledAt = now
	}

	return q.commit(ctx, w, false)
}

// commit persists w and, depending on its state, requeues or dead-letters it.
func (q *Queue) commit(ctx context.Context, w *item.WorkItem, requeue bool) error {
	deadLetter := q.opts.Retry.DeadLetters(w)
	err := q.store.Atomic(ctx, func(tx store.Tx) error {
		if requeue {
			return q.stage(tx, w, false)
		}
		if err := q.stageRecord(tx, w); err != nil {
			return err
		}
		if deadLetter {
			raw, err := w.Encode()
			if err != nil {
				return err
			}
			tx.RPush(q.keys.DeadLetter(), raw)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if deadLetter {
		metrics.DeadLettered.WithLabelValues(q.opts.Name).Inc()
		q.log.Warn().Str("item_id", w.ID).Str("error", w.Error).Msg("Item moved to dead-letter list")
	}
	return nil
}

// Complete marks an item completed and stores the handler result.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	w, err := q.load(ctx, id)
	if err != nil {
		return err
	}
	if w == nil {
		return &qerrors.NotFoundError{ID: id}
	}
	if w.Status.Terminal() {
		return &qerrors.ValidationError{Field: "status", Message: fmt.Sprintf("item %s is already %s", id, w.Status)}
	}
	now := q.now()
	w.Status = item.StatusCompleted
	w.Result = result
	w.UpdatedAt = now
	w.CompletedAt = now
	if err := q.save(ctx, w); err != nil {
		return err
	}
	metrics.Processed.WithLabelValues("completed", w.Type()).Inc()
	return nil
}

// Fail records a failed attempt and applies the retry policy: the item is either
// appended to its priority list again or failed for good.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (Decision, error) {
	w, err := q.load(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	if w == nil {
		return Decision{}, &qerrors.NotFoundError{ID: id}
	}
	if w.Status.Terminal() {
		return Decision{}, &qerrors.ValidationError{Field: "status", Message: fmt.Sprintf("item %s is already %s", id, w.Status)}
	}

	d := q.opts.Retry.ApplyFailure(w, cause, q.now())
	if err := q.commit(ctx, w, d.Requeue); err != nil {
		return Decision{}, err
	}

	outcome := "failed"
	if d.Requeue {
		outcome = "retry"
	}
	metrics.Processed.WithLabelValues(outcome, w.Type()).Inc()
	return d, nil
}

// GetAllItems returns every entry of one priority list, head first.
func (q *Queue) GetAllItems(ctx context.Context, p item.Priority) ([]*item.WorkItem, error) {
	return q.readList(ctx, q.keys.List(p))
}

// DeadLetterItems returns the dead-letter list, oldest first.
func (q *Queue) DeadLetterItems(ctx context.Context) ([]*item.WorkItem, error) {
	return q.readList(ctx, q.keys.DeadLetter())
}

func (q *Queue) readList(ctx context.Context, key string) ([]*item.WorkItem, error) {
	raws, err := q.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return nil, err
	}
	out := make([]*item.WorkItem, 0, len(raws))
	for _, raw := range raws {
		w, err := item.Decode(raw)
		if err != nil {
			q.log.Warn().Err(err).Str("list", key).Msg("Skipping malformed entry")
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// Metrics summarises the queue for operational visibility.
type Metrics struct {
	Total      int64                   `json:"total"`
	ByPriority map[item.Priority]int64 `json:"byPriority"`
	DeadLetter int64                   `json:"deadLetter"`
	// Oldest is the queued item with the smallest CreatedAt, if any.
	Oldest *item.WorkItem `json:"oldest,omitempty"`
}

// GetMetrics reads every list concurrently and aggregates counts.
func (q *Queue) GetMetrics(ctx context.Context) (*Metrics, error) {
	lists := make([][]*item.WorkItem, len(item.Priorities))
	var deadLetter int64

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range item.Priorities {
		g.Go(func() error {
			items, err := q.GetAllItems(gctx, p)
			lists[i] = items
			return err
		})
	}
	g.Go(func() error {
		n, err := q.store.LLen(gctx, q.keys.DeadLetter())
		deadLetter = n
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := &Metrics{ByPriority: make(map[item.Priority]int64, len(item.Priorities)), DeadLetter: deadLetter}
	for i, p := range item.Priorities {
		m.ByPriority[p] = int64(len(lists[i]))
		m.Total += int64(len(lists[i]))
		for _, w := range lists[i] {
			if m.Oldest == nil || w.CreatedAt < m.Oldest.CreatedAt {
				m.Oldest = w
			}
		}
	}
	return m, nil
}

// ReprocessDeadLetter takes the oldest dead-lettered item, resets it and
// enqueues it again with one more retry counted. It returns qerrors.ErrNoItem
// when the dead-letter list is empty. If the enqueue fails the entry is put back.
func (q *Queue) ReprocessDeadLetter(ctx context.Context) (*item.WorkItem, error) {
	raw, ok, err := q.store.LPop(ctx, q.keys.DeadLetter())
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, qerrors.ErrNoItem
	}

	w, err := item.Decode(raw)
	if err != nil {
		q.log.Error().Err(err).Msg("Dropping malformed dead-letter entry")
		return nil, fmt.Errorf("decode dead-letter entry: %w", err)
	}

	w.Status = item.StatusPending
	w.RetryCount++
	w.Error = ""
	w.CompletedAt = 0
	w.UpdatedAt = q.now()

	if err := q.Enqueue(ctx, w); err != nil {
		if pushErr := q.store.LPush(ctx, q.keys.DeadLetter(), raw); pushErr != nil {
			q.log.Error().Err(pushErr).Str("item_id", w.ID).Msg("Lost dead-letter entry")
		}
		return nil, err
	}
	w.Status = item.StatusQueued
	return w, nil
}
