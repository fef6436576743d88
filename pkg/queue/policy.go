package queue

import (
	"time"

	"github.com/guido-cesarano/txqueue/pkg/item"
	"github.com/guido-cesarano/txqueue/pkg/qerrors"
)

const maxRetriesExceededPrefix = "Max retries exceeded: "

// NoRetries as MaxRetries fails a retryable item on its first failure. A zero
// MaxRetries means the default.
const NoRetries = -1

// RetryPolicy decides what happens to an item after a failed attempt. Both the
// low-level Queue and the transaction manager apply the same policy.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// SetDefaults fills zero fields. A negative MaxRetries is kept and allows no
// retries.
func (p *RetryPolicy) SetDefaults() {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = 5 * time.Second
	}
}

// Backoff returns BaseDelay * 2^retryCount.
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	return p.BaseDelay * time.Duration(int64(1)<<uint(retryCount))
}

// Ready reports whether w may be attempted at now (milliseconds). When it may
// not, next is the earliest eligible time. Items that have not been retried, or
// that have used their whole budget, are always ready.
func (p RetryPolicy) Ready(w *item.WorkItem, now int64) (ready bool, next int64) {
	if w.RetryCount <= 0 || w.RetryCount >= p.MaxRetries {
		return true, 0
	}
	next = w.LastRetryAt + p.Backoff(w.RetryCount).Milliseconds()
	return now >= next, next
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	// Requeue is true when the item goes back onto its priority list.
	Requeue bool
	// Exhausted is true when a retryable failure hit the retry budget. Such
	// items belong on the dead-letter list.
	Exhausted bool
	// Message is the stored failure text.
	Message string
}

// Decide classifies cause for an item that has already consumed retryCount retries.
func (p RetryPolicy) Decide(retryCount int, cause error) Decision {
	msg := cause.Error()
	switch {
	case !qerrors.IsRetryable(cause):
		return Decision{Message: msg}
	case retryCount < p.MaxRetries:
		return Decision{Requeue: true, Message: msg}
	default:
		return Decision{Exhausted: true, Message: maxRetriesExceededPrefix + msg}
	}
}

// ApplyFailure records a failed attempt on w and returns the decision taken.
func (p RetryPolicy) ApplyFailure(w *item.WorkItem, cause error, now int64) Decision {
	d := p.Decide(w.RetryCount, cause)
	w.UpdatedAt = now
	if d.Requeue {
		w.RetryCount++
		w.LastError = d.Message
		w.LastRetryAt = now
		w.NextRetryAt = now + p.Backoff(w.RetryCount).Milliseconds()
		w.Status = item.StatusQueued
		return d
	}
	w.Status = item.StatusFailed
	w.Error = d.Message
	w.LastError = cause.Error()
	w.CompletedAt = now
	return d
}

// DeadLetters reports whether a failed item has used its whole retry budget.
func (p RetryPolicy) DeadLetters(w *item.WorkItem) bool {
	return w.Status == item.StatusFailed && w.RetryCount >= p.MaxRetries
}
