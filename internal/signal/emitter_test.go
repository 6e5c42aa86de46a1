package signal

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/logging"
	"futures-signal-engine/internal/market"
	"futures-signal-engine/internal/pattern"
	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/regime"
	"futures-signal-engine/internal/strategy"
)

type storeStub struct {
	saved    []ports.EmittedSignal
	inserted bool
	err      error
}

func (s *storeStub) SaveSignal(_ context.Context, sig ports.EmittedSignal) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.saved = append(s.saved, sig)
	return s.inserted, nil
}

type dispatchStub struct {
	users []string
	sent  []ports.RenderedSignal
	err   error
}

func (d *dispatchStub) EnqueueSignal(userID string, sig ports.RenderedSignal) error {
	if d.err != nil {
		return d.err
	}
	d.users = append(d.users, userID)
	d.sent = append(d.sent, sig)
	return nil
}

func newTestEmitter(store *storeStub, disp *dispatchStub) *Emitter {
	return NewEmitter(DefaultConfig(), store, disp, events.NewEventBus(), logging.Nop())
}

func longRequest() Request {
	candleT := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return Request{
		UserID: "user-1",
		Candidate: &pattern.Candidate{
			Symbol:            "ETHUSDT",
			Side:              market.Long,
			Entry:             2500,
			PatternType:       pattern.EMACrossClassic,
			RawScore:          41.2,
			PatternConfidence: 0.8,
			ATR:               12,
			VolatilityPct:     5.285,
			CandleT:           candleT,
		},
		Regime: &regime.Snapshot{
			Regime:        regime.BullTrend,
			Confidence:    0.8,
			SizeMult:      1.4,
			SLMult:        0.8,
			TPMult:        1.5,
			ThresholdMult: 0.9,
		},
		Composite:          &strategy.Composite{Score: 0.82, Confidence: 0.021, Evaluated: 4},
		RawScore:           41.2,
		QualityScore:       70.5,
		SizeUSDT:           182,
		VolumeUSD:          2.6e6,
		CorrelationPenalty: 1.0,
	}
}

func approxEq(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestEmitLongComputesLevels(t *testing.T) {
	store := &storeStub{inserted: true}
	disp := &dispatchStub{}
	em := newTestEmitter(store, disp)

	sig, err := em.Emit(context.Background(), longRequest())
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}

	// KSL*ATR*slMult = 1.5*12*0.8 = 14.4, KTP*ATR*tpMult = 1.5*12*1.5 = 27
	if !approxEq(sig.StopLoss, 2485.6, 1e-9) {
		t.Errorf("StopLoss = %v, want 2485.6", sig.StopLoss)
	}
	if !approxEq(sig.TP1, 2527, 1e-9) {
		t.Errorf("TP1 = %v, want 2527", sig.TP1)
	}
	if !approxEq(sig.TP2, 2554, 1e-9) {
		t.Errorf("TP2 = %v, want 2554", sig.TP2)
	}
	if sig.Status != ports.SignalPending {
		t.Errorf("Status = %v, want %v", sig.Status, ports.SignalPending)
	}
	if sig.Leverage != 10 {
		t.Errorf("Leverage = %d, want 10", sig.Leverage)
	}
	if len(sig.SignalID) != 36 {
		t.Errorf("SignalID = %q, want UUID", sig.SignalID)
	}
	if sig.PatternType != "ema_cross_classic" {
		t.Errorf("PatternType = %q", sig.PatternType)
	}
	if sig.Regime != "BULL_TREND" {
		t.Errorf("Regime = %q, want BULL_TREND", sig.Regime)
	}
	if !approxEq(sig.CompositeConfidence, 0.021, 1e-12) {
		t.Errorf("CompositeConfidence = %v, want 0.021", sig.CompositeConfidence)
	}

	if len(store.saved) != 1 {
		t.Fatalf("persisted %d signals, want 1", len(store.saved))
	}
	if len(disp.sent) != 1 {
		t.Fatalf("dispatched %d signals, want 1", len(disp.sent))
	}
	if disp.users[0] != "user-1" {
		t.Errorf("dispatched to %q, want user-1", disp.users[0])
	}
	rendered := disp.sent[0]
	if rendered.SignalID != sig.SignalID {
		t.Errorf("rendered SignalID = %q, want %q", rendered.SignalID, sig.SignalID)
	}
	if !approxEq(rendered.StopLoss, 2485.6, 1e-9) || !approxEq(rendered.TP2, 2554, 1e-9) {
		t.Errorf("rendered levels = %v/%v/%v", rendered.StopLoss, rendered.TP1, rendered.TP2)
	}
	if !strings.Contains(rendered.Text, "ETHUSDT") || !strings.Contains(rendered.Text, "LONG") {
		t.Errorf("rendered text missing symbol/side: %q", rendered.Text)
	}
}

func TestEmitShortMirrorsLevels(t *testing.T) {
	store := &storeStub{inserted: true}
	em := newTestEmitter(store, &dispatchStub{})

	req := longRequest()
	req.Candidate.Side = market.Short

	sig, err := em.Emit(context.Background(), req)
	if err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if !approxEq(sig.StopLoss, 2514.4, 1e-9) {
		t.Errorf("StopLoss = %v, want 2514.4", sig.StopLoss)
	}
	if !approxEq(sig.TP1, 2473, 1e-9) {
		t.Errorf("TP1 = %v, want 2473", sig.TP1)
	}
	if !approxEq(sig.TP2, 2446, 1e-9) {
		t.Errorf("TP2 = %v, want 2446", sig.TP2)
	}
}

func TestComputeLevelsRejectsDegenerate(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		name   string
		side   market.Side
		entry  float64
		atr    float64
		slMult float64
		tpMult float64
	}{
		{"zero atr", market.Long, 2500, 0, 0.8, 1.5},
		{"negative atr", market.Long, 2500, -3, 0.8, 1.5},
		{"zero entry", market.Long, 0, 12, 0.8, 1.5},
		{"long sl below zero", market.Long, 10, 10, 1.0, 1.0},
		{"short tp below zero", market.Short, 10, 10, 1.0, 1.0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ComputeLevels(cfg, tc.side, tc.entry, tc.atr, tc.slMult, tc.tpMult)
			if !errors.Is(err, ports.ErrInvalidCandidate) {
				t.Errorf("ComputeLevels() error = %v, want ErrInvalidCandidate", err)
			}
		})
	}
}

func TestEmitInvalidCandidateNothingPersisted(t *testing.T) {
	store := &storeStub{inserted: true}
	disp := &dispatchStub{}
	em := newTestEmitter(store, disp)

	req := longRequest()
	req.Candidate.ATR = 0

	if _, err := em.Emit(context.Background(), req); !errors.Is(err, ports.ErrInvalidCandidate) {
		t.Fatalf("Emit() error = %v, want ErrInvalidCandidate", err)
	}
	if len(store.saved) != 0 {
		t.Errorf("persisted %d signals, want 0", len(store.saved))
	}
	if len(disp.sent) != 0 {
		t.Errorf("dispatched %d signals, want 0", len(disp.sent))
	}
}

func TestEmitDuplicateSuppressed(t *testing.T) {
	store := &storeStub{inserted: false}
	disp := &dispatchStub{}
	em := newTestEmitter(store, disp)

	sig, err := em.Emit(context.Background(), longRequest())
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("Emit() error = %v, want ErrDuplicate", err)
	}
	if sig != nil {
		t.Errorf("Emit() = %+v, want nil signal", sig)
	}
	if len(disp.sent) != 0 {
		t.Errorf("dispatched %d signals on duplicate, want 0", len(disp.sent))
	}
}

func TestEmitPersistErrorPropagates(t *testing.T) {
	store := &storeStub{err: errors.New("pool exhausted")}
	disp := &dispatchStub{}
	em := newTestEmitter(store, disp)

	if _, err := em.Emit(context.Background(), longRequest()); err == nil || errors.Is(err, ErrDuplicate) {
		t.Fatalf("Emit() error = %v, want persistence error", err)
	}
	if len(disp.sent) != 0 {
		t.Errorf("dispatched %d signals after persist failure, want 0", len(disp.sent))
	}
}

func TestEnqueueFailureStillEmits(t *testing.T) {
	store := &storeStub{inserted: true}
	disp := &dispatchStub{err: errors.New("queue full")}
	em := newTestEmitter(store, disp)

	sig, err := em.Emit(context.Background(), longRequest())
	if err != nil {
		t.Fatalf("Emit() error = %v, want nil when only dispatch fails", err)
	}
	if sig == nil || sig.Status != ports.SignalPending {
		t.Fatalf("signal not persisted as pending: %+v", sig)
	}
	if len(store.saved) != 1 {
		t.Errorf("persisted %d signals, want 1", len(store.saved))
	}
}
