// Package memory is an in-process emulator of the remote queue service. It
// keeps every queue in memory and applies the service's lease, batch and
// validation rules, so code built on storage.Backend can be exercised
// without a network.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultBaseURL      = "http://localhost:4566"
	DefaultAccountID    = "000000000000"
	DefaultRegion       = "us-east-1"
)

type Option func(*Emulator)

func WithClock(c clockwork.Clock) Option {
	return func(e *Emulator) { e.clock = c }
}

// WithPollInterval sets how often a long-polling receive re-checks its queue.
func WithPollInterval(d time.Duration) Option {
	return func(e *Emulator) { e.pollInterval = d }
}

func WithBaseURL(u string) Option {
	return func(e *Emulator) { e.baseURL = strings.TrimRight(u, "/") }
}

func WithAccountID(id string) Option {
	return func(e *Emulator) { e.accountID = id }
}

func WithRegion(r string) Option {
	return func(e *Emulator) { e.region = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Emulator) { e.logger = l }
}

// Emulator implements storage.Backend in memory. It is safe for concurrent
// use; each queue is guarded by its own lock.
type Emulator struct {
	clock        clockwork.Clock
	pollInterval time.Duration
	baseURL      string
	accountID    string
	region       string
	logger       *zap.Logger

	mu     sync.RWMutex
	byName map[string]*queueState
	byURL  map[string]*queueState
}

var _ storage.Backend = (*Emulator)(nil)

func New(opts ...Option) *Emulator {
	e := &Emulator{
		clock:        clockwork.NewRealClock(),
		pollInterval: DefaultPollInterval,
		baseURL:      DefaultBaseURL,
		accountID:    DefaultAccountID,
		region:       DefaultRegion,
		logger:       zap.NewNop(),
		byName:       make(map[string]*queueState),
		byURL:        make(map[string]*queueState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Connect returns a session on the emulator. Closing the session leaves the
// emulator and its queues intact.
func (e *Emulator) Connect() (storage.Backend, error) {
	return storage.NewSession(e), nil
}

func (e *Emulator) lookup(queueURL string) (*queueState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.byURL[queueURL]
	if !ok {
		return nil, fmt.Errorf("%s: %w", queueURL, storage.ErrQueueDoesNotExist)
	}
	return q, nil
}

func (e *Emulator) lookupARN(arn string) *queueState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, q := range e.byName {
		if q.info.ARN == arn {
			return q
		}
	}
	return nil
}

func (e *Emulator) CreateQueue(ctx context.Context, name string, attributes map[string]string) (*storage.QueueInfo, error) {
	if err := storage.ValidateQueueName(name); err != nil {
		return nil, err
	}
	settings, err := storage.DefaultQueueSettings().Apply(attributes)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	existing, ok := e.byName[name]
	if ok {
		e.mu.Unlock()
		existing.mu.Lock()
		defer existing.mu.Unlock()
		if existing.settings.VisibilityTimeout != settings.VisibilityTimeout || existing.settings.ReceiveWaitTime != settings.ReceiveWaitTime {
			return nil, fmt.Errorf("%s: %w", name, storage.ErrQueueNameExists)
		}
		info := existing.info
		return &info, nil
	}
	defer e.mu.Unlock()

	info := storage.QueueInfo{
		Name: name,
		URL:  fmt.Sprintf("%s/%s/%s", e.baseURL, e.accountID, name),
		ARN:  fmt.Sprintf("arn:aws:sqs:%s:%s:%s", e.region, e.accountID, name),
	}
	q := newQueueState(info, settings, e.clock.Now())
	e.byName[name] = q
	e.byURL[info.URL] = q
	e.logger.Debug("queue created", zap.String("queue", name), zap.String("url", info.URL))
	return &info, nil
}

func (e *Emulator) DeleteQueue(ctx context.Context, queueURL string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.byURL[queueURL]
	if !ok {
		return fmt.Errorf("%s: %w", queueURL, storage.ErrQueueDoesNotExist)
	}
	delete(e.byURL, queueURL)
	delete(e.byName, q.info.Name)
	return nil
}

func (e *Emulator) GetQueueURL(ctx context.Context, name string) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	q, ok := e.byName[name]
	if !ok {
		return "", fmt.Errorf("%s: %w", name, storage.ErrQueueDoesNotExist)
	}
	return q.info.URL, nil
}

func (e *Emulator) ListQueues(ctx context.Context, prefix string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var urls []string
	for name, q := range e.byName {
		if strings.HasPrefix(name, prefix) {
			urls = append(urls, q.info.URL)
		}
	}
	sort.Strings(urls)
	return urls, nil
}

func (e *Emulator) GetQueueAttributes(ctx context.Context, queueURL string, names ...string) (map[string]string, error) {
	q, err := e.lookup(queueURL)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	all := q.attributes(e.clock.Now())
	q.mu.Unlock()
	return storage.FilterAttributes(all, names), nil
}

func (e *Emulator) SetQueueAttributes(ctx context.Context, queueURL string, attributes map[string]string) error {
	q, err := e.lookup(queueURL)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	settings, err := q.settings.Apply(attributes)
	if err != nil {
		return err
	}
	q.settings = settings
	return nil
}

func (e *Emulator) newItem(entry storage.SendEntry) *item {
	attrs := make(map[string]string, len(entry.Attributes))
	for k, v := range entry.Attributes {
		attrs[k] = v
	}
	return &item{
		id:         uuid.New().String(),
		body:       entry.Body,
		md5:        storage.MD5OfBody(entry.Body),
		attributes: attrs,
		sentAt:     e.clock.Now(),
	}
}

// SendMessage enqueues one message. A body equal to storage.FailureSentinel
// is rejected by returning an empty message id.
func (e *Emulator) SendMessage(ctx context.Context, queueURL string, entry storage.SendEntry) (string, error) {
	q, err := e.lookup(queueURL)
	if err != nil {
		return "", err
	}
	if entry.Body == storage.FailureSentinel {
		return "", nil
	}
	it := e.newItem(entry)
	q.mu.Lock()
	q.push(it)
	q.mu.Unlock()
	return it.id, nil
}

func (e *Emulator) SendMessageBatch(ctx context.Context, queueURL string, entries []storage.SendEntry) (*storage.BatchResult, error) {
	q, err := e.lookup(queueURL)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateBatch(queue.KindSend, storage.SendEntryIDs(entries)); err != nil {
		return nil, err
	}

	result := &storage.BatchResult{}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range entries {
		if entry.Body == storage.FailureSentinel {
			result.Fail(entry.ID, storage.ErrSimulatedFailure)
			continue
		}
		it := e.newItem(entry)
		q.push(it)
		result.Succeed(entry.ID, it.id)
	}
	return result, nil
}

// ReceiveMessages leases up to req.MaxMessages items. With a positive wait
// time it polls until at least one item is available or the wait elapses.
func (e *Emulator) ReceiveMessages(ctx context.Context, queueURL string, req storage.ReceiveRequest) ([]*storage.Message, error) {
	q, err := e.lookup(queueURL)
	if err != nil {
		return nil, err
	}
	limit := req.MaxMessages
	if limit <= 0 {
		limit = 1
	}
	if err := queue.CheckBatchSize(queue.KindReceive, limit); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidAttribute, err)
	}
	wait, err := queue.ClampWaitTime(req.WaitTimeSeconds)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidAttribute, err)
	}
	if _, err := queue.ClampVisibilityTimeout(req.VisibilityTimeout); err != nil {
		return nil, fmt.Errorf("%w: %v", storage.ErrInvalidAttribute, err)
	}

	deadline := e.clock.Now().Add(time.Duration(wait) * time.Second)
	for {
		if msgs := e.receiveOnce(q, limit, req); len(msgs) > 0 || !e.clock.Now().Before(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-e.clock.After(e.pollInterval):
		}
	}
}

func (e *Emulator) receiveOnce(q *queueState, limit int, req storage.ReceiveRequest) []*storage.Message {
	now := e.clock.Now()

	// The dead-letter queue is resolved before taking q.mu; the registry
	// lock is never acquired while a queue lock is held.
	q.mu.Lock()
	redrive := q.settings.RedrivePolicy
	q.mu.Unlock()
	var dlq *queueState
	if redrive != nil {
		dlq = e.lookupARN(redrive.DeadLetterTargetARN)
	}

	q.mu.Lock()
	vt := q.settings.VisibilityTimeout
	if req.VisibilityTimeout > 0 {
		vt = req.VisibilityTimeout
	}
	q.reclaim(now)
	leased, dead := q.lease(now, limit, vt, dlq != nil && dlq != q && q.settings.RedrivePolicy != nil)
	msgs := make([]*storage.Message, len(leased))
	for i, it := range leased {
		msgs[i] = it.message(req.AttributeNames)
	}
	q.mu.Unlock()

	if len(dead) > 0 {
		dlq.mu.Lock()
		for _, it := range dead {
			it.receiveCount = 0
			dlq.push(it)
		}
		dlq.mu.Unlock()
		e.logger.Info("messages moved to dead-letter queue",
			zap.String("queue", q.info.Name),
			zap.String("dlq", dlq.info.Name),
			zap.Int("count", len(dead)))
	}
	return msgs
}

func (e *Emulator) DeleteMessage(ctx context.Context, queueURL string, receiptHandle string) error {
	q, err := e.lookup(queueURL)
	if err != nil {
		return err
	}
	if receiptHandle == storage.FailureSentinel {
		return storage.ErrSimulatedFailure
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	it, err := q.inFlightItem(receiptHandle, e.clock.Now())
	if err != nil {
		return err
	}
	q.remove(it)
	return nil
}

func (e *Emulator) DeleteMessageBatch(ctx context.Context, queueURL string, entries []storage.DeleteEntry) (*storage.BatchResult, error) {
	q, err := e.lookup(queueURL)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateBatch(queue.KindDelete, storage.DeleteEntryIDs(entries)); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	result := &storage.BatchResult{}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range entries {
		if entry.ReceiptHandle == storage.FailureSentinel {
			result.Fail(entry.ID, storage.ErrSimulatedFailure)
			continue
		}
		it, err := q.inFlightItem(entry.ReceiptHandle, now)
		if err != nil {
			result.Fail(entry.ID, err)
			continue
		}
		q.remove(it)
		result.Succeed(entry.ID, it.id)
	}
	return result, nil
}

// ChangeMessageVisibility adds visibilityTimeout seconds to the lease's
// current expiry. A timeout of zero or less makes the message visible again
// immediately.
func (e *Emulator) ChangeMessageVisibility(ctx context.Context, queueURL string, receiptHandle string, visibilityTimeout int) error {
	q, err := e.lookup(queueURL)
	if err != nil {
		return err
	}
	if receiptHandle == storage.FailureSentinel {
		return storage.ErrSimulatedFailure
	}
	if visibilityTimeout > queue.MaxVisibilityTimeout {
		return fmt.Errorf("%w: visibility timeout %d", storage.ErrInvalidAttribute, visibilityTimeout)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.changeVisibility(receiptHandle, visibilityTimeout, e.clock.Now())
}

func (e *Emulator) ChangeMessageVisibilityBatch(ctx context.Context, queueURL string, entries []storage.VisibilityEntry) (*storage.BatchResult, error) {
	q, err := e.lookup(queueURL)
	if err != nil {
		return nil, err
	}
	if err := storage.ValidateBatch(queue.KindChangeVisibility, storage.VisibilityEntryIDs(entries)); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	result := &storage.BatchResult{}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range entries {
		switch {
		case entry.ReceiptHandle == storage.FailureSentinel:
			result.Fail(entry.ID, storage.ErrSimulatedFailure)
		case entry.VisibilityTimeout > queue.MaxVisibilityTimeout:
			result.Fail(entry.ID, storage.ErrInvalidAttribute)
		default:
			if err := q.changeVisibility(entry.ReceiptHandle, entry.VisibilityTimeout, now); err != nil {
				result.Fail(entry.ID, err)
				continue
			}
			result.Succeed(entry.ID, "")
		}
	}
	return result, nil
}

// PurgeQueue drops every queued item. Live leases are left alone.
func (e *Emulator) PurgeQueue(ctx context.Context, queueURL string) error {
	q, err := e.lookup(queueURL)
	if err != nil {
		return err
	}
	q.mu.Lock()
	q.purge(e.clock.Now())
	q.mu.Unlock()
	return nil
}

// Status reports the effective status of a message that is still held by
// the queue.
func (e *Emulator) Status(queueURL, messageID string) (Status, bool) {
	q, err := e.lookup(queueURL)
	if err != nil {
		return Queued, false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[messageID]
	if !ok {
		return Queued, false
	}
	return effectiveStatus(it, e.clock.Now()), true
}

func (e *Emulator) Close() error {
	return nil
}
