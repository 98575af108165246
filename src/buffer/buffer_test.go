package buffer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sqs-buffer/src/queue"
	"sqs-buffer/src/storage"
	"sqs-buffer/src/storage/memory"
)

// closeCounter counts how often its connection is closed.
type closeCounter struct {
	storage.Backend
	closes *atomic.Int32
}

func (c *closeCounter) Close() error {
	c.closes.Add(1)
	return c.Backend.Close()
}

func setupFactory(t *testing.T, em *memory.Emulator, opts ...Option) *Factory {
	t.Helper()
	f, err := NewFactory(em, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func newDefinition(t *testing.T, em *memory.Emulator, name string, buffered bool) *queue.Definition {
	t.Helper()
	info, err := em.CreateQueue(context.Background(), name, nil)
	require.NoError(t, err)
	return &queue.Definition{
		Name:              name,
		BackendName:       name,
		URL:               info.URL,
		ARN:               info.ARN,
		VisibilityTimeout: queue.DefaultVisibilityTimeout,
		ReceiveBatchSize:  queue.DefaultReceiveBatchSize,
		DisableBuffering:  !buffered,
	}
}

func visible(t *testing.T, em *memory.Emulator, url string) int {
	t.Helper()
	attrs, err := em.GetQueueAttributes(context.Background(), url, queue.AttrApproximateNumberOfMessages)
	require.NoError(t, err)
	n, err := strconv.Atoi(attrs[queue.AttrApproximateNumberOfMessages])
	require.NoError(t, err)
	return n
}

func TestPassthroughHandle(t *testing.T) {
	ctx := context.Background()
	em := memory.New()
	f := setupFactory(t, em)
	def := newDefinition(t, em, "direct", false)

	h, err := f.GetOrCreate(def)
	require.NoError(t, err)
	assert.IsType(t, &passthroughHandle{}, h)

	id, err := h.Send(ctx, storage.SendEntry{Body: "hello"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, visible(t, em, def.URL))
	assert.Equal(t, Pending{}, h.Pending())

	msgs, err := h.Receive(ctx, storage.ReceiveRequest{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Body)

	require.NoError(t, h.Delete(ctx, msgs[0].ReceiptHandle))
	err = h.Delete(ctx, msgs[0].ReceiptHandle)
	require.ErrorIs(t, err, storage.ErrReceiptHandleInvalid)
}

func TestBufferedSendWaitsForDrain(t *testing.T) {
	ctx := context.Background()
	em := memory.New()
	f := setupFactory(t, em)
	def := newDefinition(t, em, "batched", true)

	h, err := f.GetOrCreate(def)
	require.NoError(t, err)
	assert.IsType(t, &bufferedHandle{}, h)

	for i := 0; i < 3; i++ {
		id, err := h.Send(ctx, storage.SendEntry{Body: "m" + strconv.Itoa(i)})
		require.NoError(t, err)
		assert.Empty(t, id)
	}
	assert.Equal(t, 3, h.Pending().Send)
	assert.Equal(t, 0, visible(t, em, def.URL))

	h.Drain(ctx, false, false)
	assert.Equal(t, 0, h.Pending().Send)
	assert.Equal(t, 3, visible(t, em, def.URL))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.batches.WithLabelValues("batched", queue.KindSend)))
}

func TestBufferedFullBatchFlushesImmediately(t *testing.T) {
	ctx := context.Background()
	em := memory.New()
	f := setupFactory(t, em)
	def := newDefinition(t, em, "full", true)
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)

	for i := 0; i < 25; i++ {
		_, err := h.Send(ctx, storage.SendEntry{Body: "m"})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, h.Pending().Send)
	assert.Equal(t, 20, visible(t, em, def.URL))

	h.Drain(ctx, true, false)
	assert.Equal(t, 25, visible(t, em, def.URL))
}

func TestBufferedDeleteAndChangeVisibility(t *testing.T) {
	ctx := context.Background()
	em := memory.New()
	f := setupFactory(t, em)
	def := newDefinition(t, em, "acks", true)
	def.ReceiveBatchSize = 1
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)

	for _, body := range []string{"a", "b"} {
		_, err := em.SendMessage(ctx, def.URL, storage.SendEntry{Body: body})
		require.NoError(t, err)
	}
	msgs, err := h.Receive(ctx, storage.ReceiveRequest{MaxMessages: 2})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	require.NoError(t, h.Delete(ctx, msgs[0].ReceiptHandle))
	require.NoError(t, h.ChangeVisibility(ctx, msgs[1].ReceiptHandle, 0))
	assert.Equal(t, Pending{Delete: 1, ChangeVisibility: 1}, h.Pending())
	assert.Equal(t, 0, visible(t, em, def.URL))

	h.Drain(ctx, true, false)
	assert.Equal(t, Pending{}, h.Pending())
	assert.Equal(t, 1, visible(t, em, def.URL))

	_, ok := em.Status(def.URL, msgs[0].ID)
	assert.False(t, ok)

	err = h.ChangeVisibility(ctx, msgs[1].ReceiptHandle, queue.MaxVisibilityTimeout+1)
	require.ErrorIs(t, err, queue.ErrOutOfRange)
}

func TestBufferedReceivePrefetches(t *testing.T) {
	ctx := context.Background()
	em := memory.New()
	f := setupFactory(t, em)
	def := newDefinition(t, em, "prefetch", true)
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := em.SendMessage(ctx, def.URL, storage.SendEntry{Body: strconv.Itoa(i)})
		require.NoError(t, err)
	}

	first, err := h.Receive(ctx, storage.ReceiveRequest{MaxMessages: 1})
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, 4, h.Pending().Receive)

	second, err := h.Receive(ctx, storage.ReceiveRequest{MaxMessages: 2})
	require.NoError(t, err)
	require.Len(t, second, 2)
	assert.Equal(t, 2, h.Pending().Receive)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.batches.WithLabelValues("prefetch", queue.KindReceive)))

	h.Drain(ctx, true, true)
	assert.Equal(t, Pending{}, h.Pending())
	assert.Equal(t, 2, visible(t, em, def.URL))
}

func TestBufferedReceiveSkipsExpiredPrefetch(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	em := memory.New(memory.WithClock(clock))
	f := setupFactory(t, em, WithClock(clock))
	def := newDefinition(t, em, "stale", true)
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := em.SendMessage(ctx, def.URL, storage.SendEntry{Body: strconv.Itoa(i)})
		require.NoError(t, err)
	}
	first, err := h.Receive(ctx, storage.ReceiveRequest{MaxMessages: 1, VisibilityTimeout: 10})
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, 1, h.Pending().Receive)

	clock.Advance(11 * time.Second)

	again, err := h.Receive(ctx, storage.ReceiveRequest{MaxMessages: 2, VisibilityTimeout: 10})
	require.NoError(t, err)
	assert.Len(t, again, 2)
	assert.Equal(t, 0, h.Pending().Receive)
	for _, m := range again {
		assert.NotEqual(t, first[0].ReceiptHandle, m.ReceiptHandle)
	}
}

func TestFlushErrorsReachHandler(t *testing.T) {
	ctx := context.Background()
	em := memory.New()

	var mu sync.Mutex
	var got []error
	f := setupFactory(t, em, WithErrorHandler(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, err)
	}))
	def := newDefinition(t, em, "failing", true)
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)

	_, err = h.Send(ctx, storage.SendEntry{Body: "ok"})
	require.NoError(t, err)
	_, err = h.Send(ctx, storage.SendEntry{Body: storage.FailureSentinel})
	require.NoError(t, err)
	require.NoError(t, h.Delete(ctx, "no-such-receipt"))

	h.Drain(ctx, true, false)
	assert.Equal(t, 1, visible(t, em, def.URL))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)

	var fe *FlushError
	require.ErrorAs(t, got[0], &fe)
	assert.Equal(t, "failing", fe.Queue)
	assert.Equal(t, queue.KindSend, fe.Kind)
	var bf storage.BatchFailure
	require.ErrorAs(t, got[0], &bf)
	assert.Equal(t, storage.CodeSimulatedFailure, bf.Code)

	require.ErrorAs(t, got[1], &fe)
	assert.Equal(t, queue.KindDelete, fe.Kind)
	require.ErrorAs(t, got[1], &bf)
	assert.Equal(t, storage.CodeReceiptHandleIsInvalid, bf.Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.flushErrors.WithLabelValues("failing", queue.KindSend)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.flushErrors.WithLabelValues("failing", queue.KindDelete)))
}

func TestWholeBatchFailureReachesHandler(t *testing.T) {
	ctx := context.Background()
	em := memory.New()

	var reported atomic.Pointer[FlushError]
	f := setupFactory(t, em, WithErrorHandler(func(err error) {
		var fe *FlushError
		if errors.As(err, &fe) {
			reported.Store(fe)
		}
	}))
	def := newDefinition(t, em, "gone", true)
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)

	_, err = h.Send(ctx, storage.SendEntry{Body: "x"})
	require.NoError(t, err)
	require.NoError(t, em.DeleteQueue(ctx, def.URL))

	h.Drain(ctx, true, false)
	fe := reported.Load()
	require.NotNil(t, fe)
	assert.Empty(t, fe.ID)
	assert.ErrorIs(t, fe, storage.ErrQueueDoesNotExist)
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	ctx := context.Background()
	em := memory.New()
	f := setupFactory(t, em, WithErrorHandler(func(error) { panic("boom") }))
	def := newDefinition(t, em, "panics", true)
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)

	require.NoError(t, h.Delete(ctx, "bogus"))
	assert.NotPanics(t, func() { h.Drain(ctx, true, false) })

	f.SetErrorHandler(nil)
	require.NoError(t, h.Delete(ctx, "bogus"))
	assert.NotPanics(t, func() { h.Drain(ctx, true, false) })
}

func TestFactoryCachesHandles(t *testing.T) {
	em := memory.New()
	f := setupFactory(t, em)
	def := newDefinition(t, em, "cached", true)

	first, err := f.GetOrCreate(def)
	require.NoError(t, err)
	second, err := f.GetOrCreate(def)
	require.NoError(t, err)
	assert.Same(t, first, second)

	got, ok := f.Lookup("cached")
	require.True(t, ok)
	assert.Same(t, first, got)

	require.NoError(t, f.Remove("cached"))
	_, ok = f.Lookup("cached")
	assert.False(t, ok)
}

func TestFactoryTimerDrains(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	em := memory.New()
	f := setupFactory(t, em, WithClock(clock), WithFlushInterval(time.Second))
	assert.Equal(t, time.Second, f.FlushInterval())

	def := newDefinition(t, em, "timed", true)
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)

	_, err = h.Send(ctx, storage.SendEntry{Body: "one"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return visible(t, em, def.URL) == 1 }, time.Second, 5*time.Millisecond)

	// The timer re-arms itself after each pass.
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	_, err = h.Send(ctx, storage.SendEntry{Body: "two"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return visible(t, em, def.URL) == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.drainPasses) == 2
	}, time.Second, 5*time.Millisecond)

	f.SetFlushInterval(0)
	assert.Equal(t, time.Duration(0), f.FlushInterval())
	_, err = h.Send(ctx, storage.SendEntry{Body: "three"})
	require.NoError(t, err)
	clock.Advance(5 * time.Second)
	assert.Never(t, func() bool { return h.Pending().Send == 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestOverlappingPassIsSkipped(t *testing.T) {
	em := memory.New()
	f := setupFactory(t, em)

	f.draining.Store(true)
	assert.False(t, f.pass(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.skippedPasses))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.drainPasses))

	f.draining.Store(false)
	assert.True(t, f.pass(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.drainPasses))
}

func TestFactoryCloseClosesEachHandleOnce(t *testing.T) {
	ctx := context.Background()
	em := memory.New()
	var closes atomic.Int32
	conns := storage.ConnectionFactoryFunc(func() (storage.Backend, error) {
		b, err := em.Connect()
		if err != nil {
			return nil, err
		}
		return &closeCounter{Backend: b, closes: &closes}, nil
	})
	f, err := NewFactory(conns)
	require.NoError(t, err)

	buffered := newDefinition(t, em, "one", true)
	direct := newDefinition(t, em, "two", false)
	h1, err := f.GetOrCreate(buffered)
	require.NoError(t, err)
	h2, err := f.GetOrCreate(direct)
	require.NoError(t, err)

	_, err = h1.Send(ctx, storage.SendEntry{Body: "pending"})
	require.NoError(t, err)

	require.NoError(t, f.Close())
	require.NoError(t, f.Close())
	require.NoError(t, h1.Close())
	require.NoError(t, h2.Close())
	assert.Equal(t, int32(2), closes.Load())

	// Close drained what was pending.
	assert.Equal(t, 1, visible(t, em, buffered.URL))

	_, err = h1.Send(ctx, storage.SendEntry{Body: "late"})
	require.ErrorIs(t, err, storage.ErrClosed)
	_, err = h2.Send(ctx, storage.SendEntry{Body: "late"})
	require.ErrorIs(t, err, storage.ErrClosed)
	_, err = f.GetOrCreate(buffered)
	require.ErrorIs(t, err, storage.ErrClosed)
}

func TestConcurrentSends(t *testing.T) {
	ctx := context.Background()
	em := memory.New()
	f := setupFactory(t, em)
	def := newDefinition(t, em, "busy", true)
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)

	const workers, perWorker = 20, 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := h.Send(ctx, storage.SendEntry{Body: "m"})
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	f.DrainAll(ctx, true)
	assert.Equal(t, workers*perWorker, visible(t, em, def.URL))
}

func TestPendingMetrics(t *testing.T) {
	ctx := context.Background()
	em := memory.New()
	reg := prometheus.NewRegistry()
	f := setupFactory(t, em, WithRegisterer(reg))

	def := newDefinition(t, em, "gauge", true)
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)
	_, err = h.Send(ctx, storage.SendEntry{Body: "m"})
	require.NoError(t, err)

	assert.Equal(t, 4, testutil.CollectAndCount(f.metrics.pending))

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, mf := range families {
		if mf.GetName() != "sqs_buffer_pending" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "kind" && l.GetValue() == queue.KindSend {
					found = true
					assert.Equal(t, 1.0, m.GetGauge().GetValue())
				}
			}
		}
	}
	assert.True(t, found)

	_, err = NewFactory(em, WithRegisterer(reg))
	require.Error(t, err)
}

func TestNegativeVisibilityReleasesOnBothHandles(t *testing.T) {
	for _, buffered := range []bool{true, false} {
		ctx := context.Background()
		em := memory.New()
		f := setupFactory(t, em)
		def := newDefinition(t, em, "release-"+strconv.FormatBool(buffered), buffered)
		h, err := f.GetOrCreate(def)
		require.NoError(t, err)

		_, err = em.SendMessage(ctx, def.URL, storage.SendEntry{Body: "a"})
		require.NoError(t, err)
		msgs, err := h.Receive(ctx, storage.ReceiveRequest{MaxMessages: 1})
		require.NoError(t, err)
		require.Len(t, msgs, 1)

		require.NoError(t, h.ChangeVisibility(ctx, msgs[0].ReceiptHandle, -5), "buffered %v", buffered)
		h.Drain(ctx, true, false)
		assert.Equal(t, 1, visible(t, em, def.URL), "buffered %v", buffered)
	}
}

// failingSends rejects every send, single or batched.
type failingSends struct {
	storage.Backend
}

func (f *failingSends) SendMessage(context.Context, string, storage.SendEntry) (string, error) {
	return "", errors.New("send rejected")
}

func (f *failingSends) SendMessageBatch(context.Context, string, []storage.SendEntry) (*storage.BatchResult, error) {
	return nil, errors.New("send rejected")
}

func TestSendNowBypassesBuffer(t *testing.T) {
	ctx := context.Background()
	em := memory.New()
	f := setupFactory(t, em)
	def := newDefinition(t, em, "now", true)
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)

	id, err := h.SendNow(ctx, storage.SendEntry{Body: "urgent"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, Pending{}, h.Pending())
	assert.Equal(t, 1, visible(t, em, def.URL))

	var reported atomic.Int32
	conns := storage.ConnectionFactoryFunc(func() (storage.Backend, error) {
		b, err := em.Connect()
		if err != nil {
			return nil, err
		}
		return &failingSends{Backend: b}, nil
	})
	broken, err := NewFactory(conns, WithErrorHandler(func(error) { reported.Add(1) }))
	require.NoError(t, err)
	defer broken.Close()
	bh, err := broken.GetOrCreate(newDefinition(t, em, "now-broken", true))
	require.NoError(t, err)

	_, err = bh.SendNow(ctx, storage.SendEntry{Body: "urgent"})
	require.Error(t, err)
	assert.Equal(t, int32(0), reported.Load(), "synchronous failures are returned, not reported")

	require.NoError(t, h.Close())
	_, err = h.SendNow(ctx, storage.SendEntry{Body: "late"})
	require.ErrorIs(t, err, storage.ErrClosed)
}

// blockingSends holds every batch send until release is closed.
type blockingSends struct {
	storage.Backend
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSends) SendMessageBatch(ctx context.Context, queueURL string, entries []storage.SendEntry) (*storage.BatchResult, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.Backend.SendMessageBatch(ctx, queueURL, entries)
}

func TestFactoryCloseWaitsForRunningPass(t *testing.T) {
	ctx := context.Background()
	em := memory.New()
	blocking := &blockingSends{entered: make(chan struct{}, 1), release: make(chan struct{})}
	conns := storage.ConnectionFactoryFunc(func() (storage.Backend, error) {
		b, err := em.Connect()
		if err != nil {
			return nil, err
		}
		blocking.Backend = b
		return blocking, nil
	})

	var mu sync.Mutex
	var reported []error
	f, err := NewFactory(conns, WithErrorHandler(func(err error) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, err)
	}))
	require.NoError(t, err)

	def := newDefinition(t, em, "slow", true)
	h, err := f.GetOrCreate(def)
	require.NoError(t, err)
	_, err = h.Send(ctx, storage.SendEntry{Body: "a"})
	require.NoError(t, err)

	passDone := make(chan struct{})
	go func() {
		defer close(passDone)
		f.pass(ctx)
	}()
	<-blocking.entered

	closeDone := make(chan error, 1)
	go func() { closeDone <- f.Close() }()
	assert.Never(t, func() bool { return len(closeDone) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	close(blocking.release)
	<-passDone
	require.NoError(t, <-closeDone)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, reported)
	assert.Equal(t, 1, visible(t, em, def.URL))
}
