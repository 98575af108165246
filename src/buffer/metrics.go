package buffer

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"sqs-buffer/src/queue"
)

var pendingDesc = prometheus.NewDesc(
	"sqs_buffer_pending",
	"Operations waiting in a queue buffer.",
	[]string{"queue", "kind"}, nil,
)

type metrics struct {
	batches       *prometheus.CounterVec
	flushErrors   *prometheus.CounterVec
	drainPasses   prometheus.Counter
	skippedPasses prometheus.Counter
	pending       *pendingCollector
}

func newMetrics(snapshot func() map[string]Pending) *metrics {
	return &metrics{
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqs_buffer_batches_total",
			Help: "Backend calls made on behalf of buffered operations.",
		}, []string{"queue", "kind"}),
		flushErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sqs_buffer_flush_errors_total",
			Help: "Buffered operations dropped because their flush failed.",
		}, []string{"queue", "kind"}),
		drainPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqs_buffer_drain_passes_total",
			Help: "Scheduled drain passes that ran.",
		}),
		skippedPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sqs_buffer_skipped_passes_total",
			Help: "Scheduled drain passes skipped because another pass was running.",
		}),
		pending: &pendingCollector{snapshot: snapshot},
	}
}

func (m *metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.batches, m.flushErrors, m.drainPasses, m.skippedPasses, m.pending}
}

// register adds every collector to reg. A collector that is already
// registered is an error so two factories never share series.
func (m *metrics) register(reg prometheus.Registerer) error {
	var registered []prometheus.Collector
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			for _, r := range registered {
				reg.Unregister(r)
			}
			return err
		}
		registered = append(registered, c)
	}
	return nil
}

func (m *metrics) unregister(reg prometheus.Registerer) {
	for _, c := range m.collectors() {
		reg.Unregister(c)
	}
}

func (m *metrics) batch(queueName, kind string) {
	m.batches.WithLabelValues(queueName, kind).Inc()
}

func (m *metrics) flushError(queueName, kind string) {
	m.flushErrors.WithLabelValues(queueName, kind).Inc()
}

// pendingCollector reports buffer depths at scrape time.
type pendingCollector struct {
	snapshot func() map[string]Pending
}

func (c *pendingCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pendingDesc
}

func (c *pendingCollector) Collect(ch chan<- prometheus.Metric) {
	for name, p := range c.snapshot() {
		for _, kv := range []struct {
			kind string
			n    int
		}{
			{queue.KindSend, p.Send},
			{queue.KindReceive, p.Receive},
			{queue.KindDelete, p.Delete},
			{queue.KindChangeVisibility, p.ChangeVisibility},
		} {
			ch <- prometheus.MustNewConstMetric(pendingDesc, prometheus.GaugeValue, float64(kv.n), name, kv.kind)
		}
	}
}

func isAlreadyRegistered(err error) bool {
	var are prometheus.AlreadyRegisteredError
	return errors.As(err, &are)
}
