package transactions

import (
	"context"

	"github.com/guido-cesarano/txqueue/pkg/item"
)

// BulkRequest is one entry of BulkQueueTransactions.
type BulkRequest struct {
	Payload  item.Payload  `json:"transaction"`
	Metadata item.Metadata `json:"metadata"`
	Priority item.Priority `json:"priority,omitempty"`
	// TimeoutMs is the optional processing timeout in milliseconds.
	TimeoutMs int64 `json:"timeout,omitempty"`
}

// BulkResult reports the outcome for one entry of a bulk call.
type BulkResult struct {
	ID        string `json:"id,omitempty"`
	Success   bool   `json:"success"`
	Cancelled bool   `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

// BulkQueueTransactions queues each request in order. A failing request does
// not stop the others; results line up with reqs.
func (m *Manager) BulkQueueTransactions(ctx context.Context, reqs []BulkRequest) []BulkResult {
	results := make([]BulkResult, len(reqs))
	for i, req := range reqs {
		var opts []QueueOption
		if req.TimeoutMs > 0 {
			opts = append(opts, func(w *item.WorkItem) { w.Timeout = req.TimeoutMs })
		}
		id, err := m.QueueTransaction(ctx, req.Payload, req.Metadata, req.Priority, opts...)
		if err != nil {
			results[i] = BulkResult{Error: err.Error()}
			continue
		}
		results[i] = BulkResult{ID: id, Success: true}
	}
	return results
}

// BulkCancelTransactions cancels each id in order. Success means the call did
// not error; Cancelled reports whether the transaction was actually cancelled.
func (m *Manager) BulkCancelTransactions(ctx context.Context, ids []string) []BulkResult {
	results := make([]BulkResult, len(ids))
	for i, id := range ids {
		cancelled, err := m.CancelTransaction(ctx, id)
		if err != nil {
			results[i] = BulkResult{ID: id, Error: err.Error()}
			continue
		}
		results[i] = BulkResult{ID: id, Success: true, Cancelled: cancelled}
	}
	return results
}
