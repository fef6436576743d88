package item

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/guido-cesarano/txqueue/pkg/qerrors"
)

// Hash field names of a persisted record. Nested structures are JSON encoded.
const (
	FieldID          = "id"
	FieldPriority    = "priority"
	FieldPayload     = "payload"
	FieldMetadata    = "metadata"
	FieldStatus      = "status"
	FieldCreatedAt   = "createdAt"
	FieldUpdatedAt   = "updatedAt"
	FieldCompletedAt = "completedAt"
	FieldCancelledAt = "cancelledAt"
	FieldResult      = "result"
	FieldError       = "error"
	FieldLastError   = "lastError"
	FieldRetryCount  = "retryCount"
	FieldLastRetryAt = "lastRetryAt"
	FieldNextRetryAt = "nextRetryAt"
	FieldTimeout     = "timeout"
)

// Fields encodes w as a flat map of strings. Every field is present so that
// rewriting a record also clears values that were reset.
func (w *WorkItem) Fields() (map[string]string, error) {
	payload, err := json.Marshal(w.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	metadata, err := json.Marshal(w.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}

	return map[string]string{
		FieldID:          w.ID,
		FieldPriority:    string(w.Priority),
		FieldPayload:     string(payload),
		FieldMetadata:    string(metadata),
		FieldStatus:      string(w.Status),
		FieldCreatedAt:   formatInt(w.CreatedAt),
		FieldUpdatedAt:   formatInt(w.UpdatedAt),
		FieldCompletedAt: formatInt(w.CompletedAt),
		FieldCancelledAt: formatInt(w.CancelledAt),
		FieldResult:      string(w.Result),
		FieldError:       w.Error,
		FieldLastError:   w.LastError,
		FieldRetryCount:  strconv.Itoa(w.RetryCount),
		FieldLastRetryAt: formatInt(w.LastRetryAt),
		FieldNextRetryAt: formatInt(w.NextRetryAt),
		FieldTimeout:     formatInt(w.Timeout),
	}, nil
}

// FromFields decodes a record written by Fields. An empty map means the record
// does not exist and yields a nil item. Undecodable fields yield a
// *qerrors.MalformedError.
func FromFields(fields map[string]string) (*WorkItem, error) {
	if len(fields) == 0 {
		return nil, nil
	}

	w := &WorkItem{
		ID:        fields[FieldID],
		Priority:  Priority(fields[FieldPriority]),
		Status:    Status(fields[FieldStatus]),
		Error:     fields[FieldError],
		LastError: fields[FieldLastError],
	}
	if raw := fields[FieldPayload]; raw != "" && raw != "null" {
		w.Payload = &Payload{}
		if err := json.Unmarshal([]byte(raw), w.Payload); err != nil {
			return nil, &qerrors.MalformedError{ID: w.ID, Field: FieldPayload, Err: err}
		}
	}
	if raw := fields[FieldMetadata]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &w.Metadata); err != nil {
			return nil, &qerrors.MalformedError{ID: w.ID, Field: FieldMetadata, Err: err}
		}
	}
	if raw := fields[FieldResult]; raw != "" {
		w.Result = json.RawMessage(raw)
	}

	ints := []struct {
		name string
		dst  *int64
	}{
		{FieldCreatedAt, &w.CreatedAt},
		{FieldUpdatedAt, &w.UpdatedAt},
		{FieldCompletedAt, &w.CompletedAt},
		{FieldCancelledAt, &w.CancelledAt},
		{FieldLastRetryAt, &w.LastRetryAt},
		{FieldNextRetryAt, &w.NextRetryAt},
		{FieldTimeout, &w.Timeout},
	}
	for _, f := range ints {
		v, err := parseInt(fields[f.name])
		if err != nil {
			return nil, &qerrors.MalformedError{ID: w.ID, Field: f.name, Err: err}
		}
		*f.dst = v
	}

	retries, err := parseInt(fields[FieldRetryCount])
	if err != nil {
		return nil, &qerrors.MalformedError{ID: w.ID, Field: FieldRetryCount, Err: err}
	}
	w.RetryCount = int(retries)

	return w, nil
}

// Encode returns the JSON form stored in list entries.
func (w *WorkItem) Encode() (string, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Decode parses a JSON list entry.
func Decode(raw string) (*WorkItem, error) {
	var w WorkItem
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

func formatInt(v int64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatInt(v, 10)
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}
