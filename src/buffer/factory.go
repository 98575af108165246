package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
)

// env is what a factory shares with the handles it creates.
type env struct {
	clock   clockwork.Clock
	logger  *zap.Logger
	metrics *metrics
	report  func(error)
}

type Option func(*Factory)

func WithClock(c clockwork.Clock) Option {
	return func(f *Factory) { f.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(f *Factory) { f.initialHandler = h }
}

// WithRegisterer registers the factory's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(f *Factory) { f.registerer = reg }
}

// WithFlushInterval starts the flush timer as soon as the factory exists.
func WithFlushInterval(d time.Duration) Option {
	return func(f *Factory) { f.initialInterval = d }
}

// Factory keeps one Handle per logical queue name and drains all of them
// from a single timer.
type Factory struct {
	conns           storage.ConnectionFactory
	clock           clockwork.Clock
	logger          *zap.Logger
	registerer      prometheus.Registerer
	initialHandler  ErrorHandler
	initialInterval time.Duration

	handler atomic.Pointer[ErrorHandler]
	metrics *metrics
	env     *env

	mu      sync.Mutex
	handles map[string]Handle
	closed  bool

	timerMu  sync.Mutex
	interval time.Duration
	timer    clockwork.Timer
	gen      uint64

	draining  atomic.Bool
	passMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewFactory(conns storage.ConnectionFactory, opts ...Option) (*Factory, error) {
	f := &Factory{
		conns:   conns,
		clock:   clockwork.NewRealClock(),
		logger:  zap.NewNop(),
		handles: make(map[string]Handle),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.Named("buffer")
	f.metrics = newMetrics(f.snapshot)
	if f.registerer != nil {
		if err := f.metrics.register(f.registerer); err != nil {
			if isAlreadyRegistered(err) {
				return nil, fmt.Errorf("buffer metrics already registered: %w", err)
			}
			return nil, err
		}
	}

	f.SetErrorHandler(f.initialHandler)
	f.env = &env{
		clock:   f.clock,
		logger:  f.logger,
		metrics: f.metrics,
		report:  f.report,
	}
	if f.initialInterval > 0 {
		f.SetFlushInterval(f.initialInterval)
	}
	return f, nil
}

// SetErrorHandler replaces the handler for every handle, current and
// future. A nil handler restores the default, which logs.
func (f *Factory) SetErrorHandler(h ErrorHandler) {
	if h == nil {
		h = LogErrors(f.logger)
	}
	safe := ErrorHandler(safeHandler(h, f.logger))
	f.handler.Store(&safe)
}

func (f *Factory) report(err error) {
	(*f.handler.Load())(err)
}

// GetOrCreate returns the handle for def.Name, creating it on its own
// backend connection the first time the name is seen.
func (f *Factory) GetOrCreate(def *queue.Definition) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, storage.ErrClosed
	}
	if h, ok := f.handles[def.Name]; ok {
		return h, nil
	}

	conn, err := f.conns.Connect()
	if err != nil {
		return nil, fmt.Errorf("failed to connect for queue %s: %w", def.Name, err)
	}
	var h Handle
	if def.DisableBuffering {
		h = newPassthrough(def, conn)
	} else {
		h = newBuffered(def, conn, f.env)
	}
	f.handles[def.Name] = h
	f.logger.Debug("created buffer handle",
		zap.String("queue", def.Name),
		zap.Bool("buffered", !def.DisableBuffering))
	return h, nil
}

// Lookup returns the handle for a logical name if one exists.
func (f *Factory) Lookup(name string) (Handle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[name]
	return h, ok
}

// Remove closes and forgets the handle for name.
func (f *Factory) Remove(name string) error {
	f.mu.Lock()
	h, ok := f.handles[name]
	delete(f.handles, name)
	f.mu.Unlock()
	if !ok {
		return nil
	}
	return h.Close()
}

func (f *Factory) list() []Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Handle, 0, len(f.handles))
	for _, h := range f.handles {
		out = append(out, h)
	}
	return out
}

func (f *Factory) snapshot() map[string]Pending {
	out := make(map[string]Pending)
	for _, h := range f.list() {
		out[h.Definition().Name] = h.Pending()
	}
	return out
}

func (f *Factory) FlushInterval() time.Duration {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	return f.interval
}

// SetFlushInterval (re)starts the flush timer with interval d. Zero or a
// negative value stops it.
func (f *Factory) SetFlushInterval(d time.Duration) {
	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if d < 0 {
		d = 0
	}
	f.interval = d
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	if d > 0 {
		f.armLocked()
	}
}

func (f *Factory) armLocked() {
	gen := f.gen
	f.timer = f.clock.AfterFunc(f.interval, func() { f.tick(gen) })
}

// tick runs one scheduled pass and re-arms the timer unless the interval
// changed or dropped to zero meanwhile.
func (f *Factory) tick(gen uint64) {
	f.pass(context.Background())

	f.timerMu.Lock()
	defer f.timerMu.Unlock()
	if gen != f.gen || f.interval <= 0 {
		return
	}
	f.armLocked()
}

// pass drains one batch per kind from every handle. A pass that finds
// another one running does nothing.
func (f *Factory) pass(ctx context.Context) bool {
	if !f.draining.CompareAndSwap(false, true) {
		f.metrics.skippedPasses.Inc()
		f.logger.Debug("drain pass still running, skipping tick")
		return false
	}
	defer f.draining.Store(false)
	f.passMu.Lock()
	defer f.passMu.Unlock()

	f.metrics.drainPasses.Inc()
	for _, h := range f.list() {
		h.Drain(ctx, false, false)
	}
	return true
}

// DrainAll drains every handle on the calling goroutine. It does not wait
// for or block the scheduled pass.
func (f *Factory) DrainAll(ctx context.Context, fullDrain bool) {
	for _, h := range f.list() {
		h.Drain(ctx, fullDrain, false)
	}
}

// Close stops the timer, waits for a running pass to finish and closes
// every handle once.
func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		f.SetFlushInterval(0)

		f.passMu.Lock()
		defer f.passMu.Unlock()

		f.mu.Lock()
		f.closed = true
		handles := f.handles
		f.handles = make(map[string]Handle)
		f.mu.Unlock()

		var errs []error
		for name, h := range handles {
			if err := h.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", name, err))
			}
		}
		if f.registerer != nil {
			f.metrics.unregister(f.registerer)
		}
		f.closeErr = errors.Join(errs...)
	})
	return f.closeErr
}
