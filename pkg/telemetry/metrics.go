package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names for the process-wide observable gauges. Per-event counters
// are registered by the components that own them.
const (
	MetricOrdersOpen       = "execution_bot_orders_open"
	MetricOrdersUnresolved = "execution_bot_orders_unresolved"
	MetricSafeModeActive   = "execution_bot_safe_mode_active"
	MetricLatencyExchange  = "execution_bot_latency_exchange_ms"
)

// MetricsHolder holds the observable-gauge state sampled at scrape time.
type MetricsHolder struct {
	OrdersOpen       metric.Int64ObservableGauge
	OrdersUnresolved metric.Int64ObservableGauge
	SafeModeActive   metric.Int64ObservableGauge
	LatencyExchange  metric.Float64Histogram

	mu            sync.RWMutex
	openOrdersMap map[string]int64
	unresolvedMap map[string]int64
	safeMode      int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			openOrdersMap: make(map[string]int64),
			unresolvedMap: make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.LatencyExchange, err = meter.Float64Histogram(MetricLatencyExchange, metric.WithDescription("Latency of exchange API calls"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.OrdersOpen, err = meter.Int64ObservableGauge(MetricOrdersOpen, metric.WithDescription("Number of currently open orders"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.openOrdersMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OrdersUnresolved, err = meter.Int64ObservableGauge(MetricOrdersUnresolved, metric.WithDescription("Number of orders stuck in UNKNOWN"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.unresolvedMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.SafeModeActive, err = meter.Int64ObservableGauge(MetricSafeModeActive, metric.WithDescription("Safe mode state (1=active, 0=normal)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.safeMode)
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetOpenOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openOrdersMap[symbol] = count
}

func (m *MetricsHolder) SetUnresolvedOrders(symbol string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unresolvedMap[symbol] = count
}

func (m *MetricsHolder) SetSafeModeActive(active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.safeMode = val
}
