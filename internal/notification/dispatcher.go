package notification

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/ports"
)

// ErrQueueFull is returned by the enqueue methods when the dispatch queue is
// at capacity. The rejected job is dead-lettered with reason DispatchOverflow.
var ErrQueueFull = errors.New("dispatch queue full")

// Job kinds recorded on dead letters.
const (
	KindSignalEmit      = "signal_emit"
	KindLifecycleUpdate = "lifecycle_update"
)

// Dead-letter reasons.
const (
	ReasonRetryExhausted   = "RetryExhausted"
	ReasonDispatchOverflow = "DispatchOverflow"
	ReasonBreakerOpen      = "BreakerOpen"
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds dispatcher settings
type Config struct {
	QueueSize         int           `json:"queue_size"`
	PerUserRatePerMin float64       `json:"per_user_rate_per_min"`
	GlobalRatePerSec  float64       `json:"global_rate_per_sec"`
	RetryBudget       time.Duration `json:"retry_budget"`
	RetryBaseDelay    time.Duration `json:"retry_base_delay"`
	RetryMaxDelay     time.Duration `json:"retry_max_delay"`
	BreakerThreshold  uint32        `json:"breaker_threshold"`
	BreakerCooldown   time.Duration `json:"breaker_cooldown"`
}

// DefaultConfig returns production dispatcher settings
func DefaultConfig() Config {
	return Config{
		QueueSize:         256,
		PerUserRatePerMin: 20,
		GlobalRatePerSec:  25,
		RetryBudget:       30 * time.Second,
		RetryBaseDelay:    time.Second,
		RetryMaxDelay:     10 * time.Second,
		BreakerThreshold:  5,
		BreakerCooldown:   time.Minute,
	}
}

// DispatchStore is the slice of persistence the dispatcher needs.
type DispatchStore interface {
	UpdateSignalStatus(ctx context.Context, signalID string, status ports.SignalStatus, ref ports.MessageRef) error
	SaveDeadLetter(ctx context.Context, dl ports.DeadLetter) error
}

type job struct {
	kind     string
	userID   string
	signal   ports.RenderedSignal
	ref      ports.MessageRef
	patch    ports.UpdatePatch
	enqueued time.Time
}

// ============================================================================
// DISPATCHER
// ============================================================================

// Dispatcher is the long-lived consumer between the engine and the
// notification transport. Producers enqueue onto a bounded FIFO; a single
// worker delivers in order under per-user and global token buckets, retries
// transient failures with exponential backoff (flood retry-after is
// authoritative), and dead-letters whatever exhausts its budget. A circuit
// breaker around the transport fails jobs fast while the transport is down.
type Dispatcher struct {
	cfg     Config
	port    ports.NotificationPort
	store   DispatchStore
	bus     *events.EventBus
	logger  zerolog.Logger
	breaker *gobreaker.CircuitBreaker
	global  *rate.Limiter
	queue   chan job

	mu    sync.Mutex
	users map[string]*rate.Limiter
}

// NewDispatcher wires the dispatcher. bus may be nil.
func NewDispatcher(cfg Config, port ports.NotificationPort, store DispatchStore, bus *events.EventBus, logger zerolog.Logger) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.PerUserRatePerMin <= 0 {
		cfg.PerUserRatePerMin = DefaultConfig().PerUserRatePerMin
	}
	if cfg.GlobalRatePerSec <= 0 {
		cfg.GlobalRatePerSec = DefaultConfig().GlobalRatePerSec
	}
	if cfg.RetryBudget <= 0 {
		cfg.RetryBudget = DefaultConfig().RetryBudget
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = DefaultConfig().RetryBaseDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = DefaultConfig().RetryMaxDelay
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = DefaultConfig().BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = DefaultConfig().BreakerCooldown
	}

	st := gobreaker.Settings{
		Name:    "notification-transport",
		Timeout: cfg.BreakerCooldown,
	}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= cfg.BreakerThreshold
	}
	// Flood control is server-side pacing, not transport health; it must not
	// open the breaker.
	st.IsSuccessful = func(err error) bool {
		if err == nil {
			return true
		}
		var flood *ports.ErrFlood
		return errors.As(err, &flood)
	}

	return &Dispatcher{
		cfg:     cfg,
		port:    port,
		store:   store,
		bus:     bus,
		logger:  logger.With().Str("component", "dispatcher").Logger(),
		breaker: gobreaker.NewCircuitBreaker(st),
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRatePerSec), int(cfg.GlobalRatePerSec)+1),
		queue:   make(chan job, cfg.QueueSize),
		users:   make(map[string]*rate.Limiter),
	}
}

// EnqueueSignal queues a freshly emitted signal for delivery.
func (d *Dispatcher) EnqueueSignal(userID string, sig ports.RenderedSignal) error {
	return d.enqueue(job{
		kind:     KindSignalEmit,
		userID:   userID,
		signal:   sig,
		enqueued: time.Now().UTC(),
	})
}

// EnqueueUpdate queues a lifecycle edit for an already-delivered message.
func (d *Dispatcher) EnqueueUpdate(userID string, ref ports.MessageRef, patch ports.UpdatePatch) error {
	return d.enqueue(job{
		kind:     KindLifecycleUpdate,
		userID:   userID,
		ref:      ref,
		patch:    patch,
		enqueued: time.Now().UTC(),
	})
}

// QueueDepth reports the number of jobs waiting for delivery.
func (d *Dispatcher) QueueDepth() int {
	return len(d.queue)
}

func (d *Dispatcher) enqueue(j job) error {
	select {
	case d.queue <- j:
		return nil
	default:
	}
	// Queue full: the newest job is dropped, never the backlog.
	d.logger.Warn().
		Str("kind", j.kind).
		Str("user_id", j.userID).
		Int("queue_size", d.cfg.QueueSize).
		Msg("dispatch queue full, dropping job")
	d.deadLetter(context.Background(), j, ReasonDispatchOverflow, 0, ErrQueueFull)
	return ErrQueueFull
}

// Run consumes the queue until ctx is canceled. Call it from a goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info().
		Int("queue_size", d.cfg.QueueSize).
		Float64("per_user_per_min", d.cfg.PerUserRatePerMin).
		Float64("global_per_sec", d.cfg.GlobalRatePerSec).
		Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Int("pending", len(d.queue)).Msg("dispatcher stopped")
			return
		case j := <-d.queue:
			d.deliver(ctx, j)
		}
	}
}

// ============================================================================
// DELIVERY
// ============================================================================

func (d *Dispatcher) deliver(ctx context.Context, j job) {
	// Budget runs from first attempt, not enqueue, so a long queue wait does
	// not eat the retries.
	deadline := time.Now().Add(d.cfg.RetryBudget)

	attempts := 0
	for {
		if err := d.waitTurn(ctx, j.userID); err != nil {
			return
		}
		attempts++

		err := d.attempt(ctx, j)
		if err == nil {
			if d.bus != nil {
				d.bus.PublishNotificationDelivered(j.userID, j.kind, attempts, time.Since(j.enqueued).Milliseconds())
			}
			return
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			d.deadLetter(ctx, j, ReasonBreakerOpen, attempts, err)
			return
		}
		if errors.Is(err, ports.ErrDeliveryFailed) {
			d.deadLetter(ctx, j, ReasonRetryExhausted, attempts, err)
			return
		}

		delay := d.backoff(attempts)
		var flood *ports.ErrFlood
		if errors.As(err, &flood) && flood.RetryAfter > 0 {
			delay = flood.RetryAfter
		}
		if time.Now().Add(delay).After(deadline) {
			d.deadLetter(ctx, j, ReasonRetryExhausted, attempts, err)
			return
		}

		d.logger.Warn().
			Err(err).
			Str("kind", j.kind).
			Str("user_id", j.userID).
			Int("attempt", attempts).
			Dur("retry_in", delay).
			Msg("dispatch attempt failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (d *Dispatcher) attempt(ctx context.Context, j job) error {
	res, err := d.breaker.Execute(func() (interface{}, error) {
		switch j.kind {
		case KindSignalEmit:
			ref, emitErr := d.port.Emit(ctx, j.userID, j.signal)
			return ref, emitErr
		default:
			return nil, d.port.Update(ctx, j.ref, j.patch)
		}
	})
	if err != nil {
		return err
	}

	if j.kind == KindSignalEmit {
		ref, _ := res.(ports.MessageRef)
		if uerr := d.store.UpdateSignalStatus(ctx, j.signal.SignalID, ports.SignalDelivered, ref); uerr != nil {
			// Delivered but the recorded status is stale; never re-send.
			d.logger.Error().
				Err(uerr).
				Str("signal_id", j.signal.SignalID).
				Msg("delivered but status update failed")
		}
		d.logger.Info().
			Str("signal_id", j.signal.SignalID).
			Str("user_id", j.userID).
			Str("symbol", j.signal.Symbol).
			Str("message_ref", string(ref)).
			Msg("signal delivered")
	} else {
		d.logger.Debug().
			Str("user_id", j.userID).
			Str("message_ref", string(j.ref)).
			Str("status", j.patch.Status).
			Msg("lifecycle update delivered")
	}
	return nil
}

func (d *Dispatcher) waitTurn(ctx context.Context, userID string) error {
	if err := d.global.Wait(ctx); err != nil {
		return err
	}
	return d.userLimiter(userID).Wait(ctx)
}

func (d *Dispatcher) userLimiter(userID string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.users[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.cfg.PerUserRatePerMin/60.0), 1)
		d.users[userID] = lim
	}
	return lim
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.RetryMaxDelay {
			return d.cfg.RetryMaxDelay
		}
	}
	if delay > d.cfg.RetryMaxDelay {
		delay = d.cfg.RetryMaxDelay
	}
	return delay
}

// ============================================================================
// DEAD LETTERS
// ============================================================================

func (d *Dispatcher) deadLetter(ctx context.Context, j job, reason string, attempts int, cause error) {
	dl := ports.DeadLetter{
		ID:            uuid.NewString(),
		Kind:          j.kind,
		UserID:        j.userID,
		Payload:       j.payload(),
		Reason:        reason,
		Attempts:      attempts,
		FirstFailedAt: time.Now().UTC(),
	}
	if cause != nil {
		dl.LastError = cause.Error()
	}
	if err := d.store.SaveDeadLetter(ctx, dl); err != nil {
		d.logger.Error().
			Err(err).
			Str("kind", j.kind).
			Str("reason", reason).
			Msg("dead letter persist failed")
	}
	if d.bus != nil {
		d.bus.PublishDeadLetter(j.userID, j.kind, reason, attempts)
	}
	d.logger.Error().
		Str("kind", j.kind).
		Str("user_id", j.userID).
		Str("reason", reason).
		Int("attempts", attempts).
		AnErr("last_error", cause).
		Msg("dispatch dead-lettered")
}

func (j job) payload() []byte {
	var raw []byte
	switch j.kind {
	case KindSignalEmit:
		raw, _ = json.Marshal(j.signal)
	default:
		raw, _ = json.Marshal(struct {
			Ref   ports.MessageRef  `json:"ref"`
			Patch ports.UpdatePatch `json:"patch"`
		}{j.ref, j.patch})
	}
	return raw
}
