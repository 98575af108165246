// Package buffer batches queue operations per queue and flushes them to a
// storage.Backend, either when a batch fills up, on the factory's timer, or
// on an explicit drain.
package buffer

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

// Handle is the per-queue front of the backend. Operations submitted to a
// buffered handle are not guaranteed to reach the backend before the next
// Drain or scheduled flush.
type Handle interface {
	Definition() *queue.Definition

	// Send submits a message. Buffered handles return an empty id because
	// the backend assigns it at flush time.
	Send(ctx context.Context, entry storage.SendEntry) (string, error)
	// SendNow sends a message synchronously and returns the backend's
	// error, regardless of buffering.
	SendNow(ctx context.Context, entry storage.SendEntry) (string, error)
	Receive(ctx context.Context, req storage.ReceiveRequest) ([]*storage.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int) error

	Pending() Pending

	// Drain flushes pending operations. With fullDrain false at most one
	// batch per kind is flushed; with fullDrain true every buffer is empty
	// on return. nakReceived releases prefetched messages back to the queue.
	Drain(ctx context.Context, fullDrain, nakReceived bool)

	// Close drains everything and releases the backend connection. Only the
	// first call has an effect.
	Close() error
}

// Pending counts buffered operations per kind.
type Pending struct {
	Send             int
	Receive          int
	Delete           int
	ChangeVisibility int
}

func (p Pending) Total() int {
	return p.Send + p.Receive + p.Delete + p.ChangeVisibility
}

// ErrorHandler receives failures from background flushes.
type ErrorHandler func(error)

// FlushError describes an operation that was dropped because its flush
// failed. ID is empty when the whole batch call failed.
type FlushError struct {
	Queue string
	Kind  string
	ID    string
	Err   error
}

func (e *FlushError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("flush %s on %s: %v", e.Kind, e.Queue, e.Err)
	}
	return fmt.Sprintf("flush %s entry %s on %s: %v", e.Kind, e.ID, e.Queue, e.Err)
}

func (e *FlushError) Unwrap() error { return e.Err }

// LogErrors returns an ErrorHandler that logs every failure.
func LogErrors(logger *zap.Logger) ErrorHandler {
	return func(err error) {
		var fe *FlushError
		if errors.As(err, &fe) {
			logger.Error("buffer flush failed",
				zap.String("queue", fe.Queue),
				zap.String("kind", fe.Kind),
				zap.String("entry", fe.ID),
				zap.Error(fe.Err))
			return
		}
		logger.Error("buffer flush failed", zap.Error(err))
	}
}

// safeHandler calls h and recovers anything it panics with.
func safeHandler(h ErrorHandler, logger *zap.Logger) func(error) {
	return func(err error) {
		defer func() {
			if p := recover(); p != nil {
				logger.Error("error handler panicked", zap.Any("panic", p), zap.NamedError("cause", err))
			}
		}()
		h(err)
	}
}

func defaultReceiveRequest(req storage.ReceiveRequest) storage.ReceiveRequest {
	if req.MaxMessages <= 0 {
		req.MaxMessages = 1
	}
	if req.MaxMessages > queue.MaxReceiveMessages {
		req.MaxMessages = queue.MaxReceiveMessages
	}
	return req
}
