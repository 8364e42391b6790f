package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricSessionsOpen        = "omniman_sessions_open"
	MetricModifyTotal         = "omniman_modify_total"
	MetricCommitsTotal        = "omniman_commits_total"
	MetricCommitFailuresTotal = "omniman_commit_failures_total"
	MetricDirectivesProcessed = "omniman_directives_processed_total"
	MetricDirectiveQueueDepth = "omniman_directive_queue_depth"
	MetricWriteLatency        = "omniman_write_latency_seconds"
	MetricRateLimited         = "omniman_rate_limited_total"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	ModifyTotal         metric.Int64Counter
	CommitsTotal        metric.Int64Counter
	CommitFailuresTotal metric.Int64Counter
	DirectivesProcessed metric.Int64Counter
	RateLimited         metric.Int64Counter
	WriteLatency        metric.Float64Histogram
	SessionsOpen        metric.Int64ObservableGauge
	DirectiveQueueDepth metric.Int64ObservableGauge

	// State for observable gauges
	mu            sync.RWMutex
	sessionsOpen  int64
	queueDepthMap map[string]int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			queueDepthMap: make(map[string]int64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.ModifyTotal, err = meter.Int64Counter(MetricModifyTotal, metric.WithDescription("Total successful session modifies"))
	if err != nil {
		return err
	}

	m.CommitsTotal, err = meter.Int64Counter(MetricCommitsTotal, metric.WithDescription("Total successful session commits"))
	if err != nil {
		return err
	}

	m.CommitFailuresTotal, err = meter.Int64Counter(MetricCommitFailuresTotal, metric.WithDescription("Total failed session commits"))
	if err != nil {
		return err
	}

	m.DirectivesProcessed, err = meter.Int64Counter(MetricDirectivesProcessed, metric.WithDescription("Total directives processed by workers"))
	if err != nil {
		return err
	}

	m.RateLimited, err = meter.Int64Counter(MetricRateLimited, metric.WithDescription("Total requests rejected by a rate-limit scope"))
	if err != nil {
		return err
	}

	m.WriteLatency, err = meter.Float64Histogram(MetricWriteLatency, metric.WithDescription("Latency of kernel write engines"), metric.WithUnit("s"))
	if err != nil {
		return err
	}

	// Observables
	m.SessionsOpen, err = meter.Int64ObservableGauge(MetricSessionsOpen, metric.WithDescription("Number of currently open sessions"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.sessionsOpen)
			return nil
		}))
	if err != nil {
		return err
	}

	m.DirectiveQueueDepth, err = meter.Int64ObservableGauge(MetricDirectiveQueueDepth, metric.WithDescription("Queued directives awaiting a worker"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for topic, depth := range m.queueDepthMap {
				obs.Observe(depth, metric.WithAttributes(attribute.String("topic", topic)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetSessionsOpen(count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionsOpen = count
}

func (m *MetricsHolder) GetSessionsOpen() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionsOpen
}

func (m *MetricsHolder) SetQueueDepth(topic string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[topic] = depth
}

func (m *MetricsHolder) GetQueueDepth() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.queueDepthMap {
		res[k] = v
	}
	return res
}
