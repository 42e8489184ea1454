package prometheus

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/Swind/goo-runtime/channel"
	"github.com/Swind/goo-runtime/core"
	"github.com/Swind/goo-runtime/supervisor"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts the pool, channel and supervisor metrics hooks to
// Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskFaultTotal      *prom.CounterVec
	taskRejectedTotal   *prom.CounterVec
	queueDepth          *prom.GaugeVec

	channelMessagesTotal *prom.CounterVec
	channelBytesTotal    *prom.CounterVec
	channelTimeoutTotal  *prom.CounterVec
	channelQueueDepth    *prom.GaugeVec

	restartTotal    *prom.CounterVec
	escalationTotal *prom.CounterVec
}

var (
	_ core.Metrics       = (*MetricsExporter)(nil)
	_ supervisor.Metrics = (*MetricsExporter)(nil)
	_ channel.Metrics    = channelMetrics{}
)

// NewMetricsExporter creates and registers the collectors. Registering twice
// on the same registry reuses the existing collectors.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "goo"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	m := &MetricsExporter{
		taskDurationSeconds: prom.NewHistogramVec(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds.",
			Buckets:   buckets,
		}, []string{"pool"}),
		taskFaultTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_fault_total",
			Help:      "Total number of failed tasks.",
		}, []string{"pool", "supervised", "panic"}),
		taskRejectedTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "task_rejected_total",
			Help:      "Total number of rejected submissions.",
		}, []string{"pool", "reason"}),
		queueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Current pool queue depth.",
		}, []string{"pool"}),
		channelMessagesTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "channel_messages_total",
			Help:      "Messages moved through a channel.",
		}, []string{"channel", "direction"}),
		channelBytesTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "channel_bytes_total",
			Help:      "Payload bytes moved through a channel.",
		}, []string{"channel", "direction"}),
		channelTimeoutTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "channel_timeout_total",
			Help:      "Channel operations that timed out.",
		}, []string{"channel"}),
		channelQueueDepth: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_queue_depth",
			Help:      "Current number of queued channel elements.",
		}, []string{"channel"}),
		restartTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_restart_total",
			Help:      "Child restarts performed by a supervisor.",
		}, []string{"supervisor", "child"}),
		escalationTotal: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_escalation_total",
			Help:      "Times a supervisor exhausted its restart budget.",
		}, []string{"supervisor"}),
	}

	var err error
	if m.taskDurationSeconds, err = registerCollector(reg, m.taskDurationSeconds); err != nil {
		return nil, err
	}
	if m.taskFaultTotal, err = registerCollector(reg, m.taskFaultTotal); err != nil {
		return nil, err
	}
	if m.taskRejectedTotal, err = registerCollector(reg, m.taskRejectedTotal); err != nil {
		return nil, err
	}
	if m.queueDepth, err = registerCollector(reg, m.queueDepth); err != nil {
		return nil, err
	}
	if m.channelMessagesTotal, err = registerCollector(reg, m.channelMessagesTotal); err != nil {
		return nil, err
	}
	if m.channelBytesTotal, err = registerCollector(reg, m.channelBytesTotal); err != nil {
		return nil, err
	}
	if m.channelTimeoutTotal, err = registerCollector(reg, m.channelTimeoutTotal); err != nil {
		return nil, err
	}
	if m.channelQueueDepth, err = registerCollector(reg, m.channelQueueDepth); err != nil {
		return nil, err
	}
	if m.restartTotal, err = registerCollector(reg, m.restartTotal); err != nil {
		return nil, err
	}
	if m.escalationTotal, err = registerCollector(reg, m.escalationTotal); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordTaskDuration records task execution duration.
func (m *MetricsExporter) RecordTaskDuration(poolID string, duration time.Duration) {
	if m == nil {
		return
	}
	m.taskDurationSeconds.WithLabelValues(normalizeLabel(poolID, "unknown")).Observe(duration.Seconds())
}

// RecordTaskFault counts a failed task.
func (m *MetricsExporter) RecordTaskFault(poolID string, supervised bool, panicked bool) {
	if m == nil {
		return
	}
	m.taskFaultTotal.WithLabelValues(normalizeLabel(poolID, "unknown"),
		strconv.FormatBool(supervised), strconv.FormatBool(panicked)).Inc()
}

func (m *MetricsExporter) RecordQueueDepth(poolID string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(normalizeLabel(poolID, "unknown")).Set(float64(depth))
}

// RecordTaskRejected records task rejection events.
func (m *MetricsExporter) RecordTaskRejected(poolID string, reason string) {
	if m == nil {
		return
	}
	m.taskRejectedTotal.WithLabelValues(normalizeLabel(poolID, "unknown"), normalizeLabel(reason, "unknown")).Inc()
}

func (m *MetricsExporter) RecordSend(name string, bytes int) {
	m.recordTransfer(name, "sent", bytes)
}

func (m *MetricsExporter) RecordRecv(name string, bytes int) {
	m.recordTransfer(name, "received", bytes)
}

func (m *MetricsExporter) recordTransfer(name, direction string, bytes int) {
	if m == nil {
		return
	}
	name = normalizeLabel(name, "unknown")
	m.channelMessagesTotal.WithLabelValues(name, direction).Inc()
	m.channelBytesTotal.WithLabelValues(name, direction).Add(float64(bytes))
}

func (m *MetricsExporter) RecordTimeout(name string) {
	if m == nil {
		return
	}
	m.channelTimeoutTotal.WithLabelValues(normalizeLabel(name, "unknown")).Inc()
}

// RecordChannelDepth sets a channel's queue depth. core.Metrics already owns
// RecordQueueDepth for pools, so channels go through ChannelMetrics.
func (m *MetricsExporter) RecordChannelDepth(name string, depth int) {
	if m == nil {
		return
	}
	m.channelQueueDepth.WithLabelValues(normalizeLabel(name, "unknown")).Set(float64(depth))
}

func (m *MetricsExporter) RecordRestart(sup, child string) {
	if m == nil {
		return
	}
	m.restartTotal.WithLabelValues(normalizeLabel(sup, "unknown"), normalizeLabel(child, "unknown")).Inc()
}

func (m *MetricsExporter) RecordEscalation(sup string) {
	if m == nil {
		return
	}
	m.escalationTotal.WithLabelValues(normalizeLabel(sup, "unknown")).Inc()
}

// ChannelMetrics returns the channel.Metrics view of the exporter. Pass this,
// not the exporter itself, to channel.WithMetrics.
func (m *MetricsExporter) ChannelMetrics() channel.Metrics {
	return channelMetrics{m}
}

type channelMetrics struct{ m *MetricsExporter }

func (c channelMetrics) RecordSend(name string, bytes int) { c.m.RecordSend(name, bytes) }
func (c channelMetrics) RecordRecv(name string, bytes int) { c.m.RecordRecv(name, bytes) }
func (c channelMetrics) RecordTimeout(name string)         { c.m.RecordTimeout(name) }
func (c channelMetrics) RecordQueueDepth(name string, depth int) {
	c.m.RecordChannelDepth(name, depth)
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
