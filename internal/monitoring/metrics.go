// Package monitoring exposes Prometheus metrics for the engine. Most series
// are fed by the event bus; hot-path measurements (per-symbol evaluation,
// queue depth) are recorded directly by the scheduler through nil-safe
// helpers so components stay testable without a registry.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/regime"
)

// Metrics holds every engine series. Each instance owns a private registry,
// so construction never collides with package-level state.
type Metrics struct {
	registry *prometheus.Registry

	SignalsEmitted *prometheus.CounterVec
	SignalsBlocked *prometheus.CounterVec

	PositionsClosed *prometheus.CounterVec
	TrailingMoves   prometheus.Counter
	OpenPositions   prometheus.Gauge

	RegimeTransitions *prometheus.CounterVec
	ActiveRegime      prometheus.Gauge
	SnapshotVersion   prometheus.Gauge

	NotificationsDelivered *prometheus.CounterVec
	DispatchLatency        *prometheus.HistogramVec
	DeadLetters            *prometheus.CounterVec
	QueueDepth             prometheus.Gauge

	TicksTotal       prometheus.Counter
	TickDuration     prometheus.Histogram
	TickTimeouts     prometheus.Counter
	SymbolsEvaluated prometheus.Counter
	SymbolEvalTime   *prometheus.HistogramVec

	ErrorsTotal *prometheus.CounterVec
}

// New builds and registers all engine metrics on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SignalsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_signals_emitted_total",
				Help: "Signals that passed every gate and were queued for delivery",
			},
			[]string{"symbol", "side"},
		),
		SignalsBlocked: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_signals_blocked_total",
				Help: "Candidate signals rejected, by pipeline stage and reason",
			},
			[]string{"stage", "reason"},
		),

		PositionsClosed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_positions_closed_total",
				Help: "Tracked positions reaching a terminal status",
			},
			[]string{"status"},
		),
		TrailingMoves: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "signal_engine_trailing_moves_total",
				Help: "Stop-loss advances made by the trailing logic",
			},
		),
		OpenPositions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signal_engine_open_positions",
				Help: "Positions currently tracked by the lifecycle manager",
			},
		),

		RegimeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_regime_transitions_total",
				Help: "Market regime changes, by previous and new regime",
			},
			[]string{"from", "to"},
		),
		ActiveRegime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signal_engine_active_regime",
				Help: "Current regime enum (0=bull, 1=bear, 2=highvol, 3=lowvol, 4=crash)",
			},
		),
		SnapshotVersion: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signal_engine_parameter_snapshot_version",
				Help: "Version of the active parameter snapshot",
			},
		),

		NotificationsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_notifications_delivered_total",
				Help: "Dispatch jobs delivered to the notification transport",
			},
			[]string{"kind"},
		),
		DispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signal_engine_dispatch_latency_seconds",
				Help:    "Queue-to-delivery latency of dispatch jobs",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"kind"},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_dead_letters_total",
				Help: "Dispatch jobs abandoned after retries, by kind and reason",
			},
			[]string{"kind", "reason"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "signal_engine_dispatch_queue_depth",
				Help: "Jobs waiting in the dispatch queue",
			},
		),

		TicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "signal_engine_ticks_total",
				Help: "Completed scheduler ticks",
			},
		),
		TickDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "signal_engine_tick_duration_seconds",
				Help:    "Wall-clock duration of a full scheduler tick",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),
		TickTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "signal_engine_tick_timeouts_total",
				Help: "Per-symbol evaluations abandoned at the tick deadline",
			},
		),
		SymbolsEvaluated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "signal_engine_symbols_evaluated_total",
				Help: "Symbol evaluations completed across all ticks",
			},
		),
		SymbolEvalTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signal_engine_symbol_eval_seconds",
				Help:    "Duration of a single symbol evaluation",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"symbol"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signal_engine_errors_total",
				Help: "Errors published on the event bus, by source",
			},
			[]string{"source"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SignalsEmitted,
		m.SignalsBlocked,
		m.PositionsClosed,
		m.TrailingMoves,
		m.OpenPositions,
		m.RegimeTransitions,
		m.ActiveRegime,
		m.SnapshotVersion,
		m.NotificationsDelivered,
		m.DispatchLatency,
		m.DeadLetters,
		m.QueueDepth,
		m.TicksTotal,
		m.TickDuration,
		m.TickTimeouts,
		m.SymbolsEvaluated,
		m.SymbolEvalTime,
		m.ErrorsTotal,
	)
	return m
}

// Handler serves this instance's registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Observe subscribes the metric updaters to the event bus
func (m *Metrics) Observe(bus *events.EventBus) {
	bus.SubscribeAll(m.handle)
}

func (m *Metrics) handle(ev events.Event) {
	switch ev.Type {
	case events.EventSignalEmitted:
		m.SignalsEmitted.WithLabelValues(dataString(ev, "symbol"), dataString(ev, "side")).Inc()
	case events.EventSignalBlocked:
		m.SignalsBlocked.WithLabelValues(dataString(ev, "stage"), dataString(ev, "reason")).Inc()
	case events.EventCorrelationBlocked:
		m.SignalsBlocked.WithLabelValues("correlation", dataString(ev, "reason")).Inc()
	case events.EventPositionClosed:
		m.PositionsClosed.WithLabelValues(dataString(ev, "status")).Inc()
	case events.EventTrailingMoved:
		m.TrailingMoves.Inc()
	case events.EventRegimeChanged:
		current := dataString(ev, "current")
		m.RegimeTransitions.WithLabelValues(dataString(ev, "previous"), current).Inc()
		m.ActiveRegime.Set(float64(regime.ParseRegime(current)))
	case events.EventSnapshotPublished:
		m.SnapshotVersion.Set(dataFloat(ev, "version"))
	case events.EventNotificationDelivered:
		kind := dataString(ev, "kind")
		m.NotificationsDelivered.WithLabelValues(kind).Inc()
		m.DispatchLatency.WithLabelValues(kind).Observe(dataFloat(ev, "latency_ms") / 1000)
	case events.EventDeadLetter:
		m.DeadLetters.WithLabelValues(dataString(ev, "kind"), dataString(ev, "reason")).Inc()
	case events.EventTickCompleted:
		m.TicksTotal.Inc()
		m.TickDuration.Observe(dataFloat(ev, "duration_ms") / 1000)
		m.SymbolsEvaluated.Add(dataFloat(ev, "evaluated"))
		if n := dataFloat(ev, "timeouts"); n > 0 {
			m.TickTimeouts.Add(n)
		}
	case events.EventError:
		m.ErrorsTotal.WithLabelValues(dataString(ev, "source")).Inc()
	}
}

// ============================================================================
// DIRECT RECORDERS
// ============================================================================

// ObserveSymbolEval records one symbol evaluation duration. Safe on nil.
func (m *Metrics) ObserveSymbolEval(symbol string, d time.Duration) {
	if m == nil {
		return
	}
	m.SymbolEvalTime.WithLabelValues(symbol).Observe(d.Seconds())
}

// SetQueueDepth records the dispatch queue depth. Safe on nil.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
}

// SetOpenPositions records the tracked position count. Safe on nil.
func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(n))
}

// ============================================================================
// EVENT PAYLOAD COERCION
// ============================================================================

func dataString(ev events.Event, key string) string {
	if v, ok := ev.Data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "unknown"
}

func dataFloat(ev events.Event, key string) float64 {
	switch v := ev.Data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
