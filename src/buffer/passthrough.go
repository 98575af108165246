package buffer

import (
	"context"
	"sync"
	"sync/atomic"

	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

// passthroughHandle forwards every call to the backend as it happens.
// Backend errors go straight back to the caller.
type passthroughHandle struct {
	def     *queue.Definition
	backend storage.Backend

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newPassthrough(def *queue.Definition, backend storage.Backend) *passthroughHandle {
	return &passthroughHandle{def: def, backend: backend}
}

func (h *passthroughHandle) Definition() *queue.Definition { return h.def }

func (h *passthroughHandle) Send(ctx context.Context, entry storage.SendEntry) (string, error) {
	if h.closed.Load() {
		return "", storage.ErrClosed
	}
	return h.backend.SendMessage(ctx, h.def.URL, entry)
}

func (h *passthroughHandle) SendNow(ctx context.Context, entry storage.SendEntry) (string, error) {
	return h.Send(ctx, entry)
}

func (h *passthroughHandle) Receive(ctx context.Context, req storage.ReceiveRequest) ([]*storage.Message, error) {
	if h.closed.Load() {
		return nil, storage.ErrClosed
	}
	return h.backend.ReceiveMessages(ctx, h.def.URL, defaultReceiveRequest(req))
}

func (h *passthroughHandle) Delete(ctx context.Context, receiptHandle string) error {
	if h.closed.Load() {
		return storage.ErrClosed
	}
	return h.backend.DeleteMessage(ctx, h.def.URL, receiptHandle)
}

func (h *passthroughHandle) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int) error {
	if h.closed.Load() {
		return storage.ErrClosed
	}
	return h.backend.ChangeMessageVisibility(ctx, h.def.URL, receiptHandle, seconds)
}

func (h *passthroughHandle) Pending() Pending { return Pending{} }

func (h *passthroughHandle) Drain(context.Context, bool, bool) {}

func (h *passthroughHandle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeErr = h.backend.Close()
	})
	return h.closeErr
}
