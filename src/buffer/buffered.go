package buffer

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

// prefetched is a received message kept for a later Receive call.
type prefetched struct {
	msg     *storage.Message
	expires time.Time
}

// bufferedHandle accumulates sends, deletes and visibility changes and
// sends them as batch calls. Receives fetch a full batch and keep the
// surplus for later calls.
type bufferedHandle struct {
	def     *queue.Definition
	backend storage.Backend
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics
	report  func(error)

	mu       sync.Mutex
	closed   bool
	seq      uint64
	sends    []storage.SendEntry
	deletes  []storage.DeleteEntry
	changes  []storage.VisibilityEntry
	received []prefetched

	closeOnce sync.Once
	closeErr  error
}

func newBuffered(def *queue.Definition, backend storage.Backend, e *env) *bufferedHandle {
	return &bufferedHandle{
		def:     def,
		backend: backend,
		clock:   e.clock,
		logger:  e.logger.With(zap.String("queue", def.Name)),
		metrics: e.metrics,
		report:  e.report,
	}
}

func (h *bufferedHandle) Definition() *queue.Definition { return h.def }

// nextIDLocked returns a batch entry id unique within this handle.
func (h *bufferedHandle) nextIDLocked() string {
	h.seq++
	return strconv.FormatUint(h.seq, 10)
}

func (h *bufferedHandle) Send(ctx context.Context, entry storage.SendEntry) (string, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return "", storage.ErrClosed
	}
	entry.ID = h.nextIDLocked()
	h.sends = append(h.sends, entry)
	var batch []storage.SendEntry
	if len(h.sends) >= queue.MaxSendBatch {
		batch = h.takeSendsLocked()
	}
	h.mu.Unlock()

	if batch != nil {
		h.flushSends(ctx, batch)
	}
	return "", nil
}

// SendNow sends entry on the caller's goroutine, bypassing the buffer.
func (h *bufferedHandle) SendNow(ctx context.Context, entry storage.SendEntry) (string, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return "", storage.ErrClosed
	}
	return h.backend.SendMessage(ctx, h.def.URL, entry)
}

func (h *bufferedHandle) Delete(ctx context.Context, receiptHandle string) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return storage.ErrClosed
	}
	h.deletes = append(h.deletes, storage.DeleteEntry{ID: h.nextIDLocked(), ReceiptHandle: receiptHandle})
	var batch []storage.DeleteEntry
	if len(h.deletes) >= queue.MaxDeleteBatch {
		batch = h.takeDeletesLocked()
	}
	h.mu.Unlock()

	if batch != nil {
		h.flushDeletes(ctx, batch)
	}
	return nil
}

func (h *bufferedHandle) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int) error {
	// Zero and below release the lease, as they do on the backend.
	seconds = max(seconds, 0)
	if _, err := queue.ClampVisibilityTimeout(seconds); err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return storage.ErrClosed
	}
	h.changes = append(h.changes, storage.VisibilityEntry{
		ID:                h.nextIDLocked(),
		ReceiptHandle:     receiptHandle,
		VisibilityTimeout: seconds,
	})
	var batch []storage.VisibilityEntry
	if len(h.changes) >= queue.MaxChangeVisibilityBatch {
		batch = h.takeChangesLocked()
	}
	h.mu.Unlock()

	if batch != nil {
		h.flushChanges(ctx, batch)
	}
	return nil
}

// Receive serves prefetched messages first. Otherwise it fetches up to the
// queue's receive batch size and keeps what the caller did not ask for.
func (h *bufferedHandle) Receive(ctx context.Context, req storage.ReceiveRequest) ([]*storage.Message, error) {
	req = defaultReceiveRequest(req)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, storage.ErrClosed
	}
	if out := h.takeReceivedLocked(req.MaxMessages); len(out) > 0 {
		h.mu.Unlock()
		return out, nil
	}
	h.mu.Unlock()

	fetch := req
	if h.def.ReceiveBatchSize > fetch.MaxMessages {
		fetch.MaxMessages = min(h.def.ReceiveBatchSize, queue.MaxReceiveMessages)
	}
	msgs, err := h.backend.ReceiveMessages(ctx, h.def.URL, fetch)
	if err != nil {
		return nil, err
	}
	h.metrics.batch(h.def.Name, queue.KindReceive)
	if len(msgs) <= req.MaxMessages {
		return msgs, nil
	}

	visibility := fetch.VisibilityTimeout
	if visibility <= 0 {
		visibility = h.def.VisibilityTimeout
	}
	expires := h.clock.Now().Add(time.Duration(visibility) * time.Second)

	h.mu.Lock()
	for _, m := range msgs[req.MaxMessages:] {
		h.received = append(h.received, prefetched{msg: m, expires: expires})
	}
	h.mu.Unlock()
	return msgs[:req.MaxMessages], nil
}

// takeReceivedLocked pops up to n prefetched messages whose lease has not
// run out. Expired ones are already back on the queue and are dropped.
func (h *bufferedHandle) takeReceivedLocked(n int) []*storage.Message {
	now := h.clock.Now()
	var out []*storage.Message
	i := 0
	for ; i < len(h.received) && len(out) < n; i++ {
		if p := h.received[i]; now.Before(p.expires) {
			out = append(out, p.msg)
		}
	}
	h.received = h.received[i:]
	return out
}

func (h *bufferedHandle) Pending() Pending {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Pending{
		Send:             len(h.sends),
		Receive:          len(h.received),
		Delete:           len(h.deletes),
		ChangeVisibility: len(h.changes),
	}
}

func (h *bufferedHandle) Drain(ctx context.Context, fullDrain, nakReceived bool) {
	if nakReceived {
		h.mu.Lock()
		for _, p := range h.received {
			h.changes = append(h.changes, storage.VisibilityEntry{
				ID:            h.nextIDLocked(),
				ReceiptHandle: p.msg.ReceiptHandle,
			})
		}
		h.received = nil
		h.mu.Unlock()
	}

	for {
		h.mu.Lock()
		sends := h.takeSendsLocked()
		deletes := h.takeDeletesLocked()
		changes := h.takeChangesLocked()
		h.mu.Unlock()

		if sends == nil && deletes == nil && changes == nil {
			return
		}
		if sends != nil {
			h.flushSends(ctx, sends)
		}
		if deletes != nil {
			h.flushDeletes(ctx, deletes)
		}
		if changes != nil {
			h.flushChanges(ctx, changes)
		}
		if !fullDrain || ctx.Err() != nil {
			return
		}
	}
}

func (h *bufferedHandle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()

		h.Drain(context.Background(), true, true)
		h.closeErr = h.backend.Close()
	})
	return h.closeErr
}

func (h *bufferedHandle) takeSendsLocked() []storage.SendEntry {
	n := min(len(h.sends), queue.MaxSendBatch)
	if n == 0 {
		return nil
	}
	batch := append([]storage.SendEntry(nil), h.sends[:n]...)
	h.sends = h.sends[n:]
	return batch
}

func (h *bufferedHandle) takeDeletesLocked() []storage.DeleteEntry {
	n := min(len(h.deletes), queue.MaxDeleteBatch)
	if n == 0 {
		return nil
	}
	batch := append([]storage.DeleteEntry(nil), h.deletes[:n]...)
	h.deletes = h.deletes[n:]
	return batch
}

func (h *bufferedHandle) takeChangesLocked() []storage.VisibilityEntry {
	n := min(len(h.changes), queue.MaxChangeVisibilityBatch)
	if n == 0 {
		return nil
	}
	batch := append([]storage.VisibilityEntry(nil), h.changes[:n]...)
	h.changes = h.changes[n:]
	return batch
}

func (h *bufferedHandle) flushSends(ctx context.Context, batch []storage.SendEntry) {
	res, err := h.backend.SendMessageBatch(ctx, h.def.URL, batch)
	h.settle(queue.KindSend, res, err)
}

func (h *bufferedHandle) flushDeletes(ctx context.Context, batch []storage.DeleteEntry) {
	res, err := h.backend.DeleteMessageBatch(ctx, h.def.URL, batch)
	h.settle(queue.KindDelete, res, err)
}

func (h *bufferedHandle) flushChanges(ctx context.Context, batch []storage.VisibilityEntry) {
	res, err := h.backend.ChangeMessageVisibilityBatch(ctx, h.def.URL, batch)
	h.settle(queue.KindChangeVisibility, res, err)
}

// settle reports a failed batch call or its failed entries. The affected
// operations are dropped.
func (h *bufferedHandle) settle(kind string, res *storage.BatchResult, err error) {
	h.metrics.batch(h.def.Name, kind)
	if err != nil {
		h.metrics.flushError(h.def.Name, kind)
		h.report(&FlushError{Queue: h.def.Name, Kind: kind, Err: err})
		return
	}
	for _, f := range res.Failed {
		h.metrics.flushError(h.def.Name, kind)
		h.report(&FlushError{Queue: h.def.Name, Kind: kind, ID: f.ID, Err: f})
	}
	if len(res.Failed) > 0 {
		h.logger.Debug("batch partially failed",
			zap.String("kind", kind),
			zap.Int("successful", len(res.Successful)),
			zap.Int("failed", len(res.Failed)))
	}
}
