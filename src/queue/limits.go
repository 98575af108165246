package queue

import (
	"errors"
	"fmt"
)

const (
	MaxVisibilityTimeout = 43200 // 12 hours
	MaxWaitTime          = 20

	DefaultVisibilityTimeout = 30
	DefaultReceiveBatchSize  = 10

	MaxSendBatch             = 10
	MaxDeleteBatch           = 10
	MaxChangeVisibilityBatch = 10
	MaxReceiveMessages       = 10
)

// Batch kinds, used for limits, metrics labels and error reports.
const (
	KindSend             = "send"
	KindReceive          = "receive"
	KindDelete           = "delete"
	KindChangeVisibility = "change_visibility"
)

var (
	ErrOutOfRange      = errors.New("value out of range")
	ErrTooManyEntries  = errors.New("too many entries in batch request")
	ErrUnknownKind     = errors.New("unknown batch kind")
	ErrEmptyQueueName  = errors.New("queue name is empty")
	ErrInvalidRedrive  = errors.New("invalid redrive policy")
	ErrInvalidArgument = errors.New("invalid argument")
)

func clamp(name string, v, lo, hi int) (int, error) {
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s %d must be between %d and %d: %w", name, v, lo, hi, ErrOutOfRange)
	}
	return v, nil
}

// ClampVisibilityTimeout validates a visibility timeout in seconds.
func ClampVisibilityTimeout(v int) (int, error) {
	return clamp("visibility timeout", v, 0, MaxVisibilityTimeout)
}

// ClampWaitTime validates a long-poll wait time in seconds.
func ClampWaitTime(v int) (int, error) {
	return clamp("wait time", v, 0, MaxWaitTime)
}

func ClampReceiveBatchSize(v int) (int, error) {
	return clamp("receive batch size", v, 1, MaxReceiveMessages)
}

// BatchLimit returns the maximum number of entries a single batch call of
// the given kind may carry.
func BatchLimit(kind string) (int, error) {
	switch kind {
	case KindSend:
		return MaxSendBatch, nil
	case KindReceive:
		return MaxReceiveMessages, nil
	case KindDelete:
		return MaxDeleteBatch, nil
	case KindChangeVisibility:
		return MaxChangeVisibilityBatch, nil
	}
	return 0, fmt.Errorf("%q: %w", kind, ErrUnknownKind)
}

// CheckBatchSize fails with ErrTooManyEntries when n exceeds the kind's limit.
func CheckBatchSize(kind string, n int) error {
	limit, err := BatchLimit(kind)
	if err != nil {
		return err
	}
	if n > limit {
		return fmt.Errorf("%s batch of %d exceeds %d: %w", kind, n, limit, ErrTooManyEntries)
	}
	return nil
}
