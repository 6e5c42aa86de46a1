package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/logging"
	"futures-signal-engine/internal/ports"
)

type emitCall struct {
	userID string
	sig    ports.RenderedSignal
}

type updateCall struct {
	ref   ports.MessageRef
	patch ports.UpdatePatch
}

// transportStub scripts per-call errors; once the script is exhausted every
// call succeeds.
type transportStub struct {
	mu      sync.Mutex
	emits   []emitCall
	updates []updateCall
	script  []error
	ref     ports.MessageRef
}

func (s *transportStub) next() error {
	if len(s.script) == 0 {
		return nil
	}
	err := s.script[0]
	s.script = s.script[1:]
	return err
}

func (s *transportStub) Emit(_ context.Context, userID string, sig ports.RenderedSignal) (ports.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emits = append(s.emits, emitCall{userID, sig})
	if err := s.next(); err != nil {
		return "", err
	}
	return s.ref, nil
}

func (s *transportStub) Update(_ context.Context, ref ports.MessageRef, patch ports.UpdatePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updateCall{ref, patch})
	return s.next()
}

func (s *transportStub) emitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.emits)
}

func (s *transportStub) updateCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates)
}

type statusCall struct {
	signalID string
	status   ports.SignalStatus
	ref      ports.MessageRef
}

type dispatchStoreStub struct {
	mu          sync.Mutex
	statuses    []statusCall
	deadLetters []ports.DeadLetter
	statusErr   error
}

func (s *dispatchStoreStub) UpdateSignalStatus(_ context.Context, signalID string, status ports.SignalStatus, ref ports.MessageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return s.statusErr
	}
	s.statuses = append(s.statuses, statusCall{signalID, status, ref})
	return nil
}

func (s *dispatchStoreStub) SaveDeadLetter(_ context.Context, dl ports.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLetters = append(s.deadLetters, dl)
	return nil
}

func (s *dispatchStoreStub) statusCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.statuses)
}

func (s *dispatchStoreStub) deadLetterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deadLetters)
}

func (s *dispatchStoreStub) deadLetter(i int) ports.DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deadLetters[i]
}

func fastConfig() Config {
	return Config{
		QueueSize:         8,
		PerUserRatePerMin: 600000,
		GlobalRatePerSec:  100000,
		RetryBudget:       500 * time.Millisecond,
		RetryBaseDelay:    2 * time.Millisecond,
		RetryMaxDelay:     10 * time.Millisecond,
		BreakerThreshold:  50,
		BreakerCooldown:   time.Second,
	}
}

func startDispatcher(t *testing.T, cfg Config, transport *transportStub, store *dispatchStoreStub) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg, transport, store, events.NewEventBus(), logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go d.Run(ctx)
	return d
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func renderedSignal(id string) ports.RenderedSignal {
	return ports.RenderedSignal{
		SignalID: id,
		Symbol:   "ETHUSDT",
		Side:     "LONG",
		Entry:    2500,
		StopLoss: 2485.6,
		TP1:      2527,
		TP2:      2554,
		SizeUSDT: 182,
		Leverage: 10,
		Text:     "signal " + id,
	}
}

func TestSignalDeliveredUpdatesStatus(t *testing.T) {
	transport := &transportStub{ref: "chat-1:42"}
	store := &dispatchStoreStub{}
	d := startDispatcher(t, fastConfig(), transport, store)

	if err := d.EnqueueSignal("user-1", renderedSignal("sig-1")); err != nil {
		t.Fatalf("EnqueueSignal() error = %v", err)
	}

	waitFor(t, "delivery", func() bool { return store.statusCount() == 1 })
	store.mu.Lock()
	st := store.statuses[0]
	store.mu.Unlock()
	if st.signalID != "sig-1" || st.status != ports.SignalDelivered || st.ref != "chat-1:42" {
		t.Errorf("status call = %+v", st)
	}
	if transport.emitCount() != 1 {
		t.Errorf("emit count = %d, want 1", transport.emitCount())
	}
	if store.deadLetterCount() != 0 {
		t.Errorf("dead letters = %d, want 0", store.deadLetterCount())
	}
}

func TestFloodRetriesHonourRetryAfter(t *testing.T) {
	transport := &transportStub{
		ref: "chat-1:7",
		script: []error{
			&ports.ErrFlood{RetryAfter: 20 * time.Millisecond},
			&ports.ErrFlood{RetryAfter: 20 * time.Millisecond},
		},
	}
	store := &dispatchStoreStub{}
	d := startDispatcher(t, fastConfig(), transport, store)

	start := time.Now()
	if err := d.EnqueueSignal("user-1", renderedSignal("sig-1")); err != nil {
		t.Fatalf("EnqueueSignal() error = %v", err)
	}

	waitFor(t, "delivery after flood", func() bool { return store.statusCount() == 1 })
	elapsed := time.Since(start)
	if elapsed < 40*time.Millisecond {
		t.Errorf("delivered after %v, want >= 40ms (two honoured waits)", elapsed)
	}
	if transport.emitCount() != 3 {
		t.Errorf("emit count = %d, want 3", transport.emitCount())
	}
	if store.deadLetterCount() != 0 {
		t.Errorf("dead letters = %d, want 0", store.deadLetterCount())
	}
}

func TestFloodExhaustsBudget(t *testing.T) {
	transport := &transportStub{}
	// Script never drains: refill flood forever via a long script.
	for i := 0; i < 64; i++ {
		transport.script = append(transport.script, &ports.ErrFlood{RetryAfter: 50 * time.Millisecond})
	}
	store := &dispatchStoreStub{}
	cfg := fastConfig()
	cfg.RetryBudget = 60 * time.Millisecond

	busEvents := make(chan events.Event, 1)
	bus := events.NewEventBus()
	bus.Subscribe(events.EventDeadLetter, func(ev events.Event) { busEvents <- ev })

	d := NewDispatcher(cfg, transport, store, bus, logging.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	if err := d.EnqueueSignal("user-1", renderedSignal("sig-1")); err != nil {
		t.Fatalf("EnqueueSignal() error = %v", err)
	}

	waitFor(t, "dead letter", func() bool { return store.deadLetterCount() == 1 })
	dl := store.deadLetter(0)
	if dl.Reason != ReasonRetryExhausted {
		t.Errorf("reason = %q, want %q", dl.Reason, ReasonRetryExhausted)
	}
	if dl.Kind != KindSignalEmit || dl.UserID != "user-1" {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.Attempts < 1 {
		t.Errorf("attempts = %d, want >= 1", dl.Attempts)
	}
	if store.statusCount() != 0 {
		t.Errorf("status calls = %d, want 0 (never delivered)", store.statusCount())
	}
	select {
	case ev := <-busEvents:
		if ev.Data["reason"] != ReasonRetryExhausted {
			t.Errorf("event reason = %v", ev.Data["reason"])
		}
	case <-time.After(time.Second):
		t.Error("no dead-letter event published")
	}
}

func TestPermanentRejectionSkipsRetries(t *testing.T) {
	transport := &transportStub{
		script: []error{fmt.Errorf("bot blocked by user: %w", ports.ErrDeliveryFailed)},
	}
	store := &dispatchStoreStub{}
	d := startDispatcher(t, fastConfig(), transport, store)

	if err := d.EnqueueSignal("user-1", renderedSignal("sig-1")); err != nil {
		t.Fatalf("EnqueueSignal() error = %v", err)
	}

	waitFor(t, "dead letter", func() bool { return store.deadLetterCount() == 1 })
	dl := store.deadLetter(0)
	if dl.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (no retry on permanent rejection)", dl.Attempts)
	}
	if transport.emitCount() != 1 {
		t.Errorf("emit count = %d, want 1", transport.emitCount())
	}
}

func TestBreakerOpensAndFailsFast(t *testing.T) {
	transport := &transportStub{}
	for i := 0; i < 8; i++ {
		transport.script = append(transport.script, errors.New("transport down"))
	}
	store := &dispatchStoreStub{}
	cfg := fastConfig()
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = time.Minute
	d := startDispatcher(t, cfg, transport, store)

	if err := d.EnqueueSignal("user-1", renderedSignal("sig-1")); err != nil {
		t.Fatalf("EnqueueSignal() error = %v", err)
	}
	waitFor(t, "first dead letter", func() bool { return store.deadLetterCount() == 1 })

	if dl := store.deadLetter(0); dl.Reason != ReasonBreakerOpen {
		t.Errorf("reason = %q, want %q", dl.Reason, ReasonBreakerOpen)
	}
	hits := transport.emitCount()
	if hits != 2 {
		t.Errorf("transport hits = %d, want 2 (third attempt blocked by breaker)", hits)
	}

	// Breaker already open: the next job never reaches the transport.
	if err := d.EnqueueSignal("user-1", renderedSignal("sig-2")); err != nil {
		t.Fatalf("EnqueueSignal() error = %v", err)
	}
	waitFor(t, "second dead letter", func() bool { return store.deadLetterCount() == 2 })
	dl := store.deadLetter(1)
	if dl.Reason != ReasonBreakerOpen || dl.Attempts != 1 {
		t.Errorf("fail-fast dead letter = %+v", dl)
	}
	if transport.emitCount() != hits {
		t.Errorf("transport hit while breaker open: %d calls", transport.emitCount())
	}
}

func TestOverflowDropsNewestKeepsBacklog(t *testing.T) {
	transport := &transportStub{ref: "chat-1:1"}
	store := &dispatchStoreStub{}
	cfg := fastConfig()
	cfg.QueueSize = 1
	d := NewDispatcher(cfg, transport, store, events.NewEventBus(), logging.Nop())

	if err := d.EnqueueSignal("user-1", renderedSignal("sig-keep")); err != nil {
		t.Fatalf("first enqueue error = %v", err)
	}
	if err := d.EnqueueSignal("user-1", renderedSignal("sig-drop")); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second enqueue error = %v, want ErrQueueFull", err)
	}
	if store.deadLetterCount() != 1 {
		t.Fatalf("dead letters = %d, want 1", store.deadLetterCount())
	}
	dl := store.deadLetter(0)
	if dl.Reason != ReasonDispatchOverflow || dl.Attempts != 0 {
		t.Errorf("overflow dead letter = %+v", dl)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)
	waitFor(t, "backlog delivery", func() bool { return store.statusCount() == 1 })
	store.mu.Lock()
	delivered := store.statuses[0].signalID
	store.mu.Unlock()
	if delivered != "sig-keep" {
		t.Errorf("delivered %q, want sig-keep (backlog preserved)", delivered)
	}
}

func TestLifecycleUpdateDelivered(t *testing.T) {
	transport := &transportStub{}
	store := &dispatchStoreStub{}
	d := startDispatcher(t, fastConfig(), transport, store)

	patch := ports.UpdatePatch{Status: "TP1_PARTIAL", Text: "TP1 hit"}
	if err := d.EnqueueUpdate("user-1", "chat-1:42", patch); err != nil {
		t.Fatalf("EnqueueUpdate() error = %v", err)
	}

	waitFor(t, "update delivery", func() bool { return transport.updateCount() == 1 })
	transport.mu.Lock()
	up := transport.updates[0]
	transport.mu.Unlock()
	if up.ref != "chat-1:42" || up.patch.Status != "TP1_PARTIAL" {
		t.Errorf("update call = %+v", up)
	}
	if store.statusCount() != 0 {
		t.Errorf("status calls = %d, want 0 for lifecycle updates", store.statusCount())
	}
}

func TestUpdateExhaustionDeadLettersWithKind(t *testing.T) {
	transport := &transportStub{}
	for i := 0; i < 64; i++ {
		transport.script = append(transport.script, errors.New("edit failed"))
	}
	store := &dispatchStoreStub{}
	cfg := fastConfig()
	cfg.RetryBudget = 10 * time.Millisecond
	d := startDispatcher(t, cfg, transport, store)

	if err := d.EnqueueUpdate("user-1", "chat-1:42", ports.UpdatePatch{Status: "CLOSED_TP"}); err != nil {
		t.Fatalf("EnqueueUpdate() error = %v", err)
	}

	waitFor(t, "dead letter", func() bool { return store.deadLetterCount() == 1 })
	dl := store.deadLetter(0)
	if dl.Kind != KindLifecycleUpdate {
		t.Errorf("kind = %q, want %q", dl.Kind, KindLifecycleUpdate)
	}
	if dl.LastError == "" {
		t.Error("LastError empty")
	}
}

func TestStatusPersistFailureIsNotRedelivered(t *testing.T) {
	transport := &transportStub{ref: "chat-1:9"}
	store := &dispatchStoreStub{statusErr: errors.New("db down")}
	d := startDispatcher(t, fastConfig(), transport, store)

	if err := d.EnqueueSignal("user-1", renderedSignal("sig-1")); err != nil {
		t.Fatalf("EnqueueSignal() error = %v", err)
	}

	waitFor(t, "transport emit", func() bool { return transport.emitCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if transport.emitCount() != 1 {
		t.Errorf("emit count = %d, want 1 (no re-send on status persist failure)", transport.emitCount())
	}
	if store.deadLetterCount() != 0 {
		t.Errorf("dead letters = %d, want 0", store.deadLetterCount())
	}
}

func TestBackoffProgression(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryBaseDelay = 2 * time.Millisecond
	cfg.RetryMaxDelay = 10 * time.Millisecond
	d := NewDispatcher(cfg, &transportStub{}, &dispatchStoreStub{}, nil, logging.Nop())

	want := []time.Duration{
		2 * time.Millisecond,
		4 * time.Millisecond,
		8 * time.Millisecond,
		10 * time.Millisecond,
		10 * time.Millisecond,
	}
	for i, w := range want {
		if got := d.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}
