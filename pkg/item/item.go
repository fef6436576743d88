// Package item defines the persisted unit of work shared by the queue engines.
// A WorkItem carries an opaque, type-tagged payload, owner metadata used for
// indexing, and the lifecycle fields the engines maintain while draining it.
package item

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/guido-cesarano/txqueue/pkg/qerrors"
)

// Priority selects which list an item waits in. HIGH drains before MEDIUM before LOW.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Priorities lists the classes in drain order.
var Priorities = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// ParsePriority accepts any casing of high, medium or low. An empty string yields medium.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityMedium, nil
	}
	p := Priority(strings.ToLower(s))
	if !p.Valid() {
		return "", &qerrors.ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", s)}
	}
	return p, nil
}

type Status string

const (
	StatusPending    Status = "pending"
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Statuses lists every lifecycle state.
var Statuses = []Status{StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Claimed reports whether an item in state s must not be handed to a handler again.
func (s Status) Claimed() bool {
	return s == StatusProcessing || s.Terminal()
}

// Payload is the job-specific data. Type selects the handler; Data is never
// inspected by the queue.
type Payload struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Clone returns a copy that shares no memory with p.
func (p *Payload) Clone() *Payload {
	if p == nil {
		return nil
	}
	return &Payload{Type: p.Type, Data: bytes.Clone(p.Data)}
}

// Metadata identifies the owner of an item and carries descriptive fields.
type Metadata struct {
	UserID string            `json:"userId,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Result is what a handler returns for one payload.
type Result struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// WorkItem is one unit of queued work. Timestamps are milliseconds since the epoch.
type WorkItem struct {
	ID          string          `json:"id"`
	Priority    Priority        `json:"priority"`
	Payload     *Payload        `json:"payload"`
	Metadata    Metadata        `json:"metadata"`
	Status      Status          `json:"status"`
	CreatedAt   int64           `json:"createdAt"`
	UpdatedAt   int64           `json:"updatedAt,omitempty"`
	CompletedAt int64           `json:"completedAt,omitempty"`
	CancelledAt int64           `json:"cancelledAt,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	LastError   string          `json:"lastError,omitempty"`
	RetryCount  int             `json:"retryCount"`
	LastRetryAt int64           `json:"lastRetryAt,omitempty"`
	NextRetryAt int64           `json:"nextRetryAt,omitempty"`
	// Timeout is the maximum processing duration in milliseconds; zero disables it.
	Timeout int64 `json:"timeout,omitempty"`
}

// Validate checks the fields required before an item may be enqueued.
func (w *WorkItem) Validate() error {
	switch {
	case w == nil:
		return &qerrors.ValidationError{Message: "item is nil"}
	case w.ID == "":
		return &qerrors.ValidationError{Field: "id", Message: "required"}
	case !w.Priority.Valid():
		return &qerrors.ValidationError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", w.Priority)}
	case w.Payload == nil:
		return &qerrors.ValidationError{Field: "payload", Message: "required"}
	case !w.Status.Valid():
		return &qerrors.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", w.Status)}
	case w.CreatedAt <= 0:
		return &qerrors.ValidationError{Field: "createdAt", Message: "must be a positive timestamp"}
	case w.Timeout < 0:
		return &qerrors.ValidationError{Field: "timeout", Message: "must not be negative"}
	}
	return nil
}

// Type returns the payload discriminator, or "" when there is no payload.
func (w *WorkItem) Type() string {
	if w.Payload == nil {
		return ""
	}
	return w.Payload.Type
}

// ExpireIfTimedOut fails a processing item whose timeout has elapsed at now.
// It reports whether the item changed.
func (w *WorkItem) ExpireIfTimedOut(now int64) bool {
	if w.Status != StatusProcessing || w.Timeout <= 0 {
		return false
	}
	if now <= w.CreatedAt+w.Timeout {
		return false
	}
	w.Status = StatusFailed
	w.Error = fmt.Sprintf("Transaction timeout after %dms", w.Timeout)
	w.UpdatedAt = now
	w.CompletedAt = now
	return true
}

// Millis converts t to the timestamp unit stored on items.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
