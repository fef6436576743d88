package transactions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/metrics"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
	"github.com/guido-cesarano/txqueue/pkg/store"
)

var errReportedFailure = errors.New("transaction handler reported failure")

// ProcessQueue takes one id from the high, medium or low list, in that order,
// and processes it. Empty lists are not an error, and store failures while
// popping are logged rather than returned.
func (m *Manager) ProcessQueue(ctx context.Context) error {
	_, err := m.ProcessNext(ctx)
	return err
}

// ProcessNext is ProcessQueue that also reports whether an id was taken.
func (m *Manager) ProcessNext(ctx context.Context) (bool, error) {
	for _, p := range item.Priorities {
		id, ok, err := m.store.LPop(ctx, m.keys.Pending(p))
		if err != nil {
			m.log.Error().Err(err).Str("priority", string(p)).Msg("Failed to pop transaction")
			return false, nil
		}
		if !ok {
			continue
		}
		return true, m.process(ctx, p, id)
	}
	return false, nil
}

func (m *Manager) process(ctx context.Context, p item.Priority, id string) error {
	w, placed, err := m.claim(ctx, p, id)
	if w == nil {
		if err != nil && !placed {
			m.restore(ctx, p, id)
		}
		return err
	}
	if err != nil {
		m.log.Warn().Err(err).Str("tx_id", id).Msg("Claimed transaction with errors")
	}

	m.publish(ctx, w)
	if w.RetryCount == 0 {
		metrics.QueueLatency.WithLabelValues(w.Type()).Observe((time.Duration(w.UpdatedAt-w.CreatedAt) * time.Millisecond).Seconds())
	}

	res, herr := m.invoke(ctx, w)
	return m.finish(ctx, p, w, res, herr)
}

// restore puts an id back on the tail of its list when it was popped but
// could not be examined.
func (m *Manager) restore(ctx context.Context, p item.Priority, id string) {
	if err := m.store.RPush(context.WithoutCancel(ctx), m.keys.Pending(p), id); err != nil {
		m.log.Error().Err(err).Str("tx_id", id).Msg("Lost popped transaction id")
	}
}

// claim decides under the lock whether id may run now. It returns the record
// marked processing, or nil when the id was skipped, deferred or throttled.
// placed reports that the id no longer needs restoring: it was pushed back,
// dropped on purpose or claimed.
func (m *Manager) claim(ctx context.Context, p item.Priority, id string) (claimed *item.WorkItem, placed bool, err error) {
	err = m.locker.WithLock(ctx, m.lockKey, func(ctx context.Context) error {
		w, err := m.load(ctx, id)
		if qerrors.IsMalformed(err) {
			placed = true
			metrics.Processed.WithLabelValues("malformed", "").Inc()
			m.log.Error().Err(err).Str("tx_id", id).Str("priority", string(p)).Msg("Dropping id with a malformed record")
			return nil
		}
		if err != nil {
			return err
		}
		if w == nil {
			placed = true
			m.log.Warn().Str("tx_id", id).Msg("Dropping id without a record")
			return nil
		}
		if w.Status.Claimed() {
			placed = true
			m.log.Debug().Str("tx_id", id).Str("status", string(w.Status)).Msg("Skipping transaction already claimed")
			return nil
		}

		now := m.now()
		if ready, next := m.opts.Retry.Ready(w, now); !ready {
			w.NextRetryAt = next
			if err := m.store.Atomic(ctx, func(tx store.Tx) error {
				tx.RPush(m.keys.Pending(p), id)
				return m.stageSave(tx, w)
			}); err != nil {
				return err
			}
			placed = true
			metrics.Processed.WithLabelValues("deferred", w.Type()).Inc()
			return nil
		}
		if m.throttled(ctx, w) {
			if err := m.store.RPush(ctx, m.keys.Pending(p), id); err != nil {
				return err
			}
			placed = true
			metrics.Processed.WithLabelValues("throttled", w.Type()).Inc()
			return nil
		}

		from := w.Status
		w.Status = item.StatusProcessing
		w.UpdatedAt = now
		if err := m.store.Atomic(ctx, func(tx store.Tx) error {
			m.stageTransition(tx, from, w.Status)
			return m.stageSave(tx, w)
		}); err != nil {
			return err
		}
		claimed, placed = w, true
		return nil
	})
	return claimed, placed, err
}

func (m *Manager) throttled(ctx context.Context, w *item.WorkItem) bool {
	if m.opts.Limiter == nil {
		return false
	}
	limit, ok := m.opts.RateLimits[w.Type()]
	if !ok {
		return false
	}
	allowed, err := m.opts.Limiter.Allow(ctx, m.keys.RateLimit(w.Type()), limit)
	if err != nil {
		// Fail open so a limiter outage does not stall the queue.
		m.log.Error().Err(err).Str("type", w.Type()).Msg("Rate limit check failed")
		return false
	}
	if !allowed {
		m.log.Debug().Str("tx_id", w.ID).Str("type", w.Type()).Msg("Rate limit exceeded, re-queueing")
	}
	return !allowed
}

// invoke runs the handler on a copy of the payload. Metadata is not passed on.
func (m *Manager) invoke(ctx context.Context, w *item.WorkItem) (res item.Result, err error) {
	if m.opts.Handler == nil {
		return item.Result{}, qerrors.Permanent(errors.New("no transaction handler configured"))
	}

	start := m.opts.Clock.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction handler panicked: %v", r)
		}
		metrics.HandlerDuration.WithLabelValues(w.Type()).Observe(m.opts.Clock.Since(start).Seconds())
	}()
	return m.opts.Handler.Handle(ctx, w.Payload.Clone())
}

// finish records the handler outcome. A transaction that left processing while
// the handler ran, for example by timing out, keeps its state. The outcome is
// recorded even when the caller's context is done, and without the lock when
// it cannot be acquired in time, so a claimed record never stays processing.
func (m *Manager) finish(ctx context.Context, p item.Priority, claimed *item.WorkItem, res item.Result, herr error) error {
	ctx = context.WithoutCancel(ctx)
	id := claimed.ID
	log := m.log.With().Str("tx_id", id).Str("type", claimed.Type()).Logger()

	succeeded := herr == nil && res.Success
	cause := herr
	if cause == nil && !succeeded {
		cause = errReportedFailure
	}

	var w *item.WorkItem
	deadLetter := false
	ran := false
	record := func(ctx context.Context) error {
		ran = true
		cur, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return &qerrors.NotFoundError{ID: id}
		}
		if cur.Status != item.StatusProcessing {
			log.Warn().Str("status", string(cur.Status)).Msg("Transaction settled while its handler ran, discarding outcome")
			return nil
		}

		now := m.now()
		if succeeded {
			cur.Status = item.StatusCompleted
			cur.Result = res.Data
			cur.UpdatedAt = now
			cur.CompletedAt = now
			if err := m.store.Atomic(ctx, func(tx store.Tx) error {
				m.stageTransition(tx, item.StatusProcessing, cur.Status)
				tx.LPush(m.keys.Completed(), id)
				return m.stageSave(tx, cur)
			}); err != nil {
				return err
			}
			w = cur
			return nil
		}

		d := m.opts.Retry.ApplyFailure(cur, cause, now)
		deadLetter = m.opts.Retry.DeadLetters(cur)
		if err := m.store.Atomic(ctx, func(tx store.Tx) error {
			m.stageTransition(tx, item.StatusProcessing, cur.Status)
			switch {
			case d.Requeue:
				tx.RPush(m.keys.Pending(p), id)
			case deadLetter:
				tx.RPush(m.keys.DeadLetter(), id)
			}
			return m.stageSave(tx, cur)
		}); err != nil {
			return err
		}
		w = cur
		return nil
	}

	err := m.locker.WithLock(ctx, m.lockKey, record)
	if !ran && qerrors.IsLockTimeout(err) {
		log.Warn().Err(err).Msg("Lock unavailable, recording outcome without it")
		err = record(ctx)
	}
	if w == nil {
		return err
	}
	if err != nil {
		log.Warn().Err(err).Msg("Recorded outcome with errors")
	}

	switch {
	case w.Status == item.StatusCompleted:
		metrics.Processed.WithLabelValues("completed", w.Type()).Inc()
		log.Info().Msg("Transaction completed")
	case w.Status == item.StatusQueued:
		metrics.Processed.WithLabelValues("retry", w.Type()).Inc()
		log.Warn().Err(cause).Int("retry_count", w.RetryCount).Int64("next_retry_at", w.NextRetryAt).Msg("Transaction failed, retrying")
	default:
		metrics.Processed.WithLabelValues("failed", w.Type()).Inc()
		if deadLetter {
			metrics.DeadLettered.WithLabelValues(m.opts.Name).Inc()
		}
		log.Error().Err(cause).Bool("dead_letter", deadLetter).Msg("Transaction failed")
	}
	m.publish(ctx, w)
	return nil
}

// StartAutoProcessing calls ProcessQueue every interval until
// StopAutoProcessing. Starting again replaces the running loop.
func (m *Manager) StartAutoProcessing(interval time.Duration) {
	m.autoMu.Lock()
	defer m.autoMu.Unlock()
	m.stopAutoLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.autoCancel, m.autoDone = cancel, done

	go func() {
		defer close(done)
		wait.UntilWithContext(ctx, func(ctx context.Context) {
			if err := m.ProcessQueue(ctx); err != nil {
				m.log.Error().Err(err).Msg("Auto-processing failed")
			}
		}, interval)
	}()
	m.log.Info().Dur("interval", interval).Msg("Auto-processing started")
}

// StopAutoProcessing stops the loop and waits for a running tick to return.
// It is a no-op when no loop runs.
func (m *Manager) StopAutoProcessing() {
	m.autoMu.Lock()
	defer m.autoMu.Unlock()
	if m.stopAutoLocked() {
		m.log.Info().Msg("Auto-processing stopped")
	}
}

func (m *Manager) stopAutoLocked() bool {
	if m.autoCancel == nil {
		return false
	}
	m.autoCancel()
	<-m.autoDone
	m.autoCancel, m.autoDone = nil, nil
	return true
}
