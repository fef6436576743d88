// Package qerrors defines the error taxonomy shared by the queue engines.
package qerrors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrNoItem = errors.New("no item available")

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed for field %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// CapacityError reports that an enqueue would grow a queue past its cap.
// Priority is empty when the total queue cap was hit.
type CapacityError struct {
	Queue    string
	Priority string
	Size     int64
	Limit    int64
}

func (e *CapacityError) Error() string {
	if e.Priority != "" {
		return fmt.Sprintf("queue %s priority %s is full: %d/%d", e.Queue, e.Priority, e.Size, e.Limit)
	}
	return fmt.Sprintf("queue %s is full: %d/%d", e.Queue, e.Size, e.Limit)
}

func IsCapacity(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

type LockTimeoutError struct {
	Key     string
	Timeout time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire lock %s within %v", e.Key, e.Timeout)
}

func IsLockTimeout(err error) bool {
	var lte *LockTimeoutError
	return errors.As(err, &lte)
}

type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("item not found: %s", e.ID)
}

func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

// MalformedError reports a stored record that cannot be decoded. Retrying the
// read will not help.
type MalformedError struct {
	ID    string
	Field string
	Err   error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed record %s: field %s: %v", e.ID, e.Field, e.Err)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}

type StoreError struct {
	Operation string
	Err       error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store operation %s failed: %v", e.Operation, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

func IsStore(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// ErrorKind classifies a handler failure for the retry policy.
type ErrorKind int

const (
	// KindUnknown defers classification to message matching.
	KindUnknown ErrorKind = iota
	KindTransient
	KindValidation
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// HandlerError lets a handler state explicitly whether its failure is worth retrying.
type HandlerError struct {
	Kind ErrorKind
	Err  error
}

func (e *HandlerError) Error() string {
	return e.Err.Error()
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retryable handler failure.
func Transient(err error) error {
	return &HandlerError{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable handler failure.
func Permanent(err error) error {
	return &HandlerError{Kind: KindValidation, Err: err}
}

// nonRetryableMarkers are matched case-insensitively against failures that carry no kind.
var nonRetryableMarkers = []string{
	"validation failed",
	"invalid payload",
	"missing required field",
}

// KindOf reports the kind of a handler failure. An explicit HandlerError kind wins;
// otherwise the message is matched against the non-retryable markers.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var he *HandlerError
	if errors.As(err, &he) && he.Kind != KindUnknown {
		return he.Kind
	}
	if IsValidation(err) {
		return KindValidation
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(msg, marker) {
			return KindValidation
		}
	}
	return KindTransient
}

// IsRetryable reports whether a handler failure may consume a retry slot.
func IsRetryable(err error) bool {
	return KindOf(err) != KindValidation
}
