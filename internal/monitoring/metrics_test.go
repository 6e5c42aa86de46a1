package monitoring

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/regime"
)

func TestSignalEventsUpdateCounters(t *testing.T) {
	m := New()

	m.handle(events.Event{
		Type: events.EventSignalEmitted,
		Data: map[string]interface{}{"symbol": "ETHUSDT", "side": "LONG"},
	})
	m.handle(events.Event{
		Type: events.EventSignalEmitted,
		Data: map[string]interface{}{"symbol": "ETHUSDT", "side": "LONG"},
	})
	m.handle(events.Event{
		Type: events.EventSignalBlocked,
		Data: map[string]interface{}{"stage": "risk", "reason": "daily_loss_limit"},
	})
	m.handle(events.Event{
		Type: events.EventCorrelationBlocked,
		Data: map[string]interface{}{"reason": "group_exposure"},
	})

	if got := testutil.ToFloat64(m.SignalsEmitted.WithLabelValues("ETHUSDT", "LONG")); got != 2 {
		t.Errorf("SignalsEmitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SignalsBlocked.WithLabelValues("risk", "daily_loss_limit")); got != 1 {
		t.Errorf("SignalsBlocked(risk) = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SignalsBlocked.WithLabelValues("correlation", "group_exposure")); got != 1 {
		t.Errorf("SignalsBlocked(correlation) = %v, want 1", got)
	}
}

func TestRegimeTransitionSetsGauge(t *testing.T) {
	m := New()
	m.handle(events.Event{
		Type: events.EventRegimeChanged,
		Data: map[string]interface{}{"previous": "BULL_TREND", "current": "CRASH", "confidence": 0.9},
	})

	if got := testutil.ToFloat64(m.RegimeTransitions.WithLabelValues("BULL_TREND", "CRASH")); got != 1 {
		t.Errorf("RegimeTransitions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ActiveRegime); got != float64(regime.Crash) {
		t.Errorf("ActiveRegime = %v, want %v", got, float64(regime.Crash))
	}
}

func TestTickCompletedFanout(t *testing.T) {
	m := New()
	m.handle(events.Event{
		Type: events.EventTickCompleted,
		Data: map[string]interface{}{
			"tick_id":     "tick-1",
			"evaluated":   30,
			"emitted":     2,
			"timeouts":    1,
			"duration_ms": int64(1500),
		},
	})

	if got := testutil.ToFloat64(m.TicksTotal); got != 1 {
		t.Errorf("TicksTotal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SymbolsEvaluated); got != 30 {
		t.Errorf("SymbolsEvaluated = %v, want 30", got)
	}
	if got := testutil.ToFloat64(m.TickTimeouts); got != 1 {
		t.Errorf("TickTimeouts = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.TickDuration); got != 1 {
		t.Errorf("TickDuration series = %d, want 1", got)
	}
}

func TestDeliveryAndDeadLetterCounters(t *testing.T) {
	m := New()
	m.handle(events.Event{
		Type: events.EventNotificationDelivered,
		Data: map[string]interface{}{"kind": "signal_emit", "attempts": 2, "latency_ms": int64(750)},
	})
	m.handle(events.Event{
		Type: events.EventDeadLetter,
		Data: map[string]interface{}{"kind": "lifecycle_update", "reason": "BreakerOpen", "attempts": 1},
	})

	if got := testutil.ToFloat64(m.NotificationsDelivered.WithLabelValues("signal_emit")); got != 1 {
		t.Errorf("NotificationsDelivered = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.DispatchLatency); got != 1 {
		t.Errorf("DispatchLatency series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.DeadLetters.WithLabelValues("lifecycle_update", "BreakerOpen")); got != 1 {
		t.Errorf("DeadLetters = %v, want 1", got)
	}
}

func TestSnapshotVersionGauge(t *testing.T) {
	m := New()
	m.handle(events.Event{
		Type: events.EventSnapshotPublished,
		Data: map[string]interface{}{"version": 42},
	})
	if got := testutil.ToFloat64(m.SnapshotVersion); got != 42 {
		t.Errorf("SnapshotVersion = %v, want 42", got)
	}
}

func TestObserveThroughBus(t *testing.T) {
	m := New()
	bus := events.NewEventBus()
	m.Observe(bus)

	bus.PublishDeadLetter("user-1", "signal_emit", "RetryExhausted", 5)

	// Bus delivery is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if testutil.ToFloat64(m.DeadLetters.WithLabelValues("signal_emit", "RetryExhausted")) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("dead letter event never reached the metrics observer")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNilSafeRecorders(t *testing.T) {
	var m *Metrics
	m.ObserveSymbolEval("BTCUSDT", time.Millisecond)
	m.SetQueueDepth(3)
	m.SetOpenPositions(2)
}

func TestDirectRecorders(t *testing.T) {
	m := New()
	m.ObserveSymbolEval("BTCUSDT", 50*time.Millisecond)
	m.SetQueueDepth(7)
	m.SetOpenPositions(4)

	if got := testutil.CollectAndCount(m.SymbolEvalTime); got != 1 {
		t.Errorf("SymbolEvalTime series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth); got != 7 {
		t.Errorf("QueueDepth = %v, want 7", got)
	}
	if got := testutil.ToFloat64(m.OpenPositions); got != 4 {
		t.Errorf("OpenPositions = %v, want 4", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	m := New()
	m.TicksTotal.Inc()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "signal_engine_ticks_total 1") {
		t.Errorf("metrics output missing tick counter:\n%s", body[:min(len(body), 400)])
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("metrics output missing runtime collector series")
	}
}
