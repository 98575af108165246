package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

// Defaults apply to every queue the manager creates.
type Defaults struct {
	VisibilityTimeout int
	ReceiveWaitTime   int
	ReceiveBatchSize  int
	MaxReceiveCount   int // zero disables dead-letter wiring
	DisableBuffering  bool
}

func DefaultQueueDefaults() Defaults {
	return Defaults{
		VisibilityTimeout: queue.DefaultVisibilityTimeout,
		ReceiveBatchSize:  queue.DefaultReceiveBatchSize,
		MaxReceiveCount:   5,
	}
}

type ManagerOption func(*Manager)

func WithNameRegistry(r *queue.Registry) ManagerOption {
	return func(m *Manager) { m.registry = r }
}

func WithDefaults(d Defaults) ManagerOption {
	return func(m *Manager) { m.defaults = d }
}

func WithLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// Manager provisions backend queues for logical names and caches their
// definitions. Queues that are neither temporary nor dead-letter queues get
// a dead-letter queue and a redrive policy on creation.
type Manager struct {
	conns    storage.ConnectionFactory
	backend  storage.Backend
	registry *queue.Registry
	defaults Defaults
	logger   *zap.Logger

	mu   sync.Mutex
	defs map[string]*queue.Definition
}

func NewManager(conns storage.ConnectionFactory, opts ...ManagerOption) (*Manager, error) {
	m := &Manager{
		conns:    conns,
		registry: queue.NewRegistry(""),
		defaults: DefaultQueueDefaults(),
		logger:   zap.NewNop(),
		defs:     make(map[string]*queue.Definition),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("client")

	sample := &queue.Definition{
		Name:              "defaults",
		VisibilityTimeout: m.defaults.VisibilityTimeout,
		ReceiveWaitTime:   m.defaults.ReceiveWaitTime,
		ReceiveBatchSize:  m.defaults.ReceiveBatchSize,
	}
	if err := sample.Validate(); err != nil {
		return nil, fmt.Errorf("invalid queue defaults: %w", err)
	}

	backend, err := conns.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect queue manager: %w", err)
	}
	m.backend = backend
	return m, nil
}

func (m *Manager) ConnectionFactory() storage.ConnectionFactory { return m.conns }

func (m *Manager) Logger() *zap.Logger { return m.logger }

// Lookup returns the cached definition for name.
func (m *Manager) Lookup(name string) (*queue.Definition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[name]
	return def, ok
}

// GetOrCreate returns the definition for a logical queue name, creating
// the backend queue if needed. A non-nil waitTime updates the queue's
// receive wait time when it differs.
func (m *Manager) GetOrCreate(ctx context.Context, name string, waitTime *int) (*queue.Definition, error) {
	if name == "" {
		return nil, queue.ErrEmptyQueueName
	}
	if waitTime != nil {
		if _, err := queue.ClampWaitTime(*waitTime); err != nil {
			return nil, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getOrCreateLocked(ctx, name, waitTime)
}

func (m *Manager) getOrCreateLocked(ctx context.Context, name string, waitTime *int) (*queue.Definition, error) {
	if def, ok := m.defs[name]; ok {
		if waitTime == nil || *waitTime == def.ReceiveWaitTime {
			return def, nil
		}
		updated, err := def.WithWaitTime(*waitTime)
		if err != nil {
			return nil, err
		}
		err = m.backend.SetQueueAttributes(ctx, def.URL, map[string]string{
			queue.AttrReceiveWaitTime: strconv.Itoa(updated.ReceiveWaitTime),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to update wait time of %s: %w", name, err)
		}
		m.defs[name] = updated
		return updated, nil
	}

	def := &queue.Definition{
		Name:              name,
		BackendName:       m.registry.Resolve(name),
		VisibilityTimeout: m.defaults.VisibilityTimeout,
		ReceiveWaitTime:   m.defaults.ReceiveWaitTime,
		ReceiveBatchSize:  m.defaults.ReceiveBatchSize,
		DisableBuffering:  m.defaults.DisableBuffering,
		Temporary:         queue.IsTempName(name),
		CreatedAt:         time.Now().UTC(),
	}
	if waitTime != nil {
		def.ReceiveWaitTime = *waitTime
	}

	if !def.Temporary && !queue.IsDeadLetterName(name) && m.defaults.MaxReceiveCount > 0 {
		dlq, err := m.getOrCreateLocked(ctx, queue.DeadLetterName(name), nil)
		if err != nil {
			return nil, fmt.Errorf("failed to provision dead-letter queue for %s: %w", name, err)
		}
		def.RedrivePolicy = &queue.RedrivePolicy{
			DeadLetterTargetARN: dlq.ARN,
			MaxReceiveCount:     m.defaults.MaxReceiveCount,
		}
	}

	def, err := m.provision(ctx, def, waitTime != nil)
	if err != nil {
		return nil, err
	}
	m.defs[name] = def
	m.logger.Info("queue ready",
		zap.String("queue", name),
		zap.String("backend_name", def.BackendName),
		zap.Bool("dead_letter", def.RedrivePolicy != nil))
	return def, nil
}

// provision creates the backend queue, or adopts an existing one and
// brings its wait time and redrive policy in line with def.
func (m *Manager) provision(ctx context.Context, def *queue.Definition, forceWait bool) (*queue.Definition, error) {
	url, err := m.backend.GetQueueURL(ctx, def.BackendName)
	if errors.Is(err, storage.ErrQueueDoesNotExist) {
		info, err := m.backend.CreateQueue(ctx, def.BackendName, def.Attributes())
		if err != nil {
			return nil, fmt.Errorf("failed to create queue %s: %w", def.Name, err)
		}
		c := *def
		c.URL = info.URL
		c.ARN = info.ARN
		return &c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up queue %s: %w", def.Name, err)
	}

	attrs, err := m.backend.GetQueueAttributes(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to read attributes of %s: %w", def.Name, err)
	}
	updates := make(map[string]string)
	if forceWait && attrs[queue.AttrReceiveWaitTime] != strconv.Itoa(def.ReceiveWaitTime) {
		updates[queue.AttrReceiveWaitTime] = strconv.Itoa(def.ReceiveWaitTime)
	}
	if def.RedrivePolicy != nil && attrs[queue.AttrRedrivePolicy] == "" {
		updates[queue.AttrRedrivePolicy] = def.RedrivePolicy.String()
	}
	if len(updates) > 0 {
		if err := m.backend.SetQueueAttributes(ctx, url, updates); err != nil {
			return nil, fmt.Errorf("failed to update queue %s: %w", def.Name, err)
		}
		for k, v := range updates {
			attrs[k] = v
		}
	}

	adopted, err := def.ApplyAttributes(attrs)
	if err != nil {
		return nil, fmt.Errorf("queue %s has unusable attributes: %w", def.Name, err)
	}
	adopted.URL = url
	return adopted, nil
}

// CreateTemp provisions a uniquely named temporary queue. Its dead-letter
// queue is only created once something is dead-lettered.
func (m *Manager) CreateTemp(ctx context.Context) (*queue.Definition, error) {
	return m.GetOrCreate(ctx, queue.TempName(uuid.NewString()), nil)
}

// Refresh reloads the attributes of a known queue from the backend.
func (m *Manager) Refresh(ctx context.Context, name string) (*queue.Definition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.defs[name]
	if !ok {
		return m.getOrCreateLocked(ctx, name, nil)
	}
	attrs, err := m.backend.GetQueueAttributes(ctx, def.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to refresh %s: %w", name, err)
	}
	updated, err := def.ApplyAttributes(attrs)
	if err != nil {
		return nil, err
	}
	m.defs[name] = updated
	return updated, nil
}

func (m *Manager) url(ctx context.Context, name string) (string, error) {
	if def, ok := m.defs[name]; ok {
		return def.URL, nil
	}
	return m.backend.GetQueueURL(ctx, m.registry.Resolve(name))
}

// DeleteQueue removes the backend queue and forgets its definition.
func (m *Manager) DeleteQueue(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	url, err := m.url(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	if err := m.backend.DeleteQueue(ctx, url); err != nil {
		return fmt.Errorf("failed to delete %s: %w", name, err)
	}
	delete(m.defs, name)
	return nil
}

// Purge drops every queued message of name. Leased messages survive.
func (m *Manager) Purge(ctx context.Context, name string) error {
	m.mu.Lock()
	url, err := m.url(ctx, name)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", name, err)
	}
	return m.backend.PurgeQueue(ctx, url)
}

func (m *Manager) Close() error {
	return m.backend.Close()
}
