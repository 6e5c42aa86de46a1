package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/risk"
)

// cacheOpTimeout bounds the shared-flag writes issued from API handlers
const cacheOpTimeout = 2 * time.Second

// ============================================================================
// TRACE RING
// ============================================================================

// traceRing keeps the most recent tick traces addressable by tick ID
type traceRing struct {
	mu    sync.RWMutex
	cap   int
	order []string
	byID  map[string]*ports.TickTrace
}

func newTraceRing(capacity int) *traceRing {
	if capacity <= 0 {
		capacity = 1
	}
	return &traceRing{
		cap:  capacity,
		byID: make(map[string]*ports.TickTrace, capacity),
	}
}

func (r *traceRing) add(t *ports.TickTrace) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.byID, oldest)
	}
	r.order = append(r.order, t.TickID)
	r.byID[t.TickID] = t
}

func (r *traceRing) get(tickID string) (*ports.TickTrace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.byID[tickID]
	return t, ok
}

func (r *traceRing) last() (*ports.TickTrace, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.order) == 0 {
		return nil, false
	}
	return r.byID[r.order[len(r.order)-1]], true
}

// ============================================================================
// CONTROL SURFACE (ports.ControlPort)
// ============================================================================

func (s *Scheduler) knownUser(userID string) bool {
	for _, u := range s.cfg.Users {
		if u == userID {
			return true
		}
	}
	return false
}

// PauseUser stops signal generation for one user. Open positions keep being
// managed; only new emissions stop.
func (s *Scheduler) PauseUser(userID string) error {
	if !s.knownUser(userID) {
		return fmt.Errorf("user %s: %w", userID, ports.ErrNotFound)
	}
	s.mu.Lock()
	s.paused[userID] = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	if err := s.deps.Cache.SetUserPaused(ctx, userID, true); err != nil {
		s.logger.Debug().Err(err).Str("user_id", userID).Msg("pause flag not mirrored to cache")
	}
	s.logger.Info().Str("user_id", userID).Msg("user paused")
	return nil
}

// ResumeUser re-enables signal generation for one user
func (s *Scheduler) ResumeUser(userID string) error {
	if !s.knownUser(userID) {
		return fmt.Errorf("user %s: %w", userID, ports.ErrNotFound)
	}
	s.mu.Lock()
	delete(s.paused, userID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), cacheOpTimeout)
	defer cancel()
	if err := s.deps.Cache.SetUserPaused(ctx, userID, false); err != nil {
		s.logger.Debug().Err(err).Str("user_id", userID).Msg("resume flag not mirrored to cache")
	}
	s.logger.Info().Str("user_id", userID).Msg("user resumed")
	return nil
}

// ForceCloseAll marks every open position of the user closed at the current
// price and returns how many were closed.
func (s *Scheduler) ForceCloseAll(ctx context.Context, userID string) (int, error) {
	if !s.knownUser(userID) {
		return 0, fmt.Errorf("user %s: %w", userID, ports.ErrNotFound)
	}
	closed := s.deps.Lifecycle.ForceCloseUser(ctx, userID, time.Now())
	s.logger.Info().Str("user_id", userID).Int("closed", closed).Msg("force close completed")
	return closed, nil
}

// AcceptSignal transitions an emitted signal into a tracked position. The
// signal is looked up in the in-memory pending table first, then in
// persistence, so accepts survive an engine restart.
func (s *Scheduler) AcceptSignal(ctx context.Context, userID, signalID string) error {
	s.mu.Lock()
	sig, ok := s.pending[signalID]
	if ok && sig.UserID != userID {
		ok = false
	}
	s.mu.Unlock()

	if !ok {
		if s.deps.Persist != nil {
			loaded, err := s.deps.Persist.LoadSignal(ctx, signalID)
			if err == nil && loaded != nil && loaded.UserID == userID {
				sig = *loaded
				ok = true
			} else if err != nil && !errors.Is(err, ports.ErrNotFound) {
				return fmt.Errorf("load signal %s: %w", signalID, err)
			}
		}
	}
	if !ok {
		return fmt.Errorf("signal %s: %w", signalID, ports.ErrNotFound)
	}

	now := time.Now()
	pos := s.deps.Lifecycle.Track(ctx, sig, sig.MessageRef, risk.GroupFor(sig.Symbol), now)
	if s.deps.Risk != nil {
		s.deps.Risk.RecordOpen(userID, ports.PositionRef{
			Symbol:   sig.Symbol,
			Side:     sig.Side,
			Group:    pos.Group,
			OpenedAt: now,
		})
	}
	if s.deps.Persist != nil {
		if err := s.deps.Persist.UpdateSignalStatus(ctx, signalID, ports.SignalAccepted, sig.MessageRef); err != nil {
			s.logger.Warn().Err(err).Str("signal_id", signalID).Msg("accept status not persisted")
		}
	}

	s.mu.Lock()
	delete(s.pending, signalID)
	s.mu.Unlock()

	s.logger.Info().
		Str("user_id", userID).
		Str("signal_id", signalID).
		Str("symbol", sig.Symbol).
		Msg("signal accepted, position tracking started")
	return nil
}

// GetFilterTrace returns the full gate trace for one tick
func (s *Scheduler) GetFilterTrace(tickID string) (*ports.TickTrace, bool) {
	return s.traces.get(tickID)
}

// LatestFilterTrace returns the most recent tick trace
func (s *Scheduler) LatestFilterTrace() (*ports.TickTrace, bool) {
	return s.traces.last()
}

// GetRiskStatus reports the user's open exposure and pause state
func (s *Scheduler) GetRiskStatus(userID string) (*ports.RiskStatus, error) {
	if !s.knownUser(userID) {
		return nil, fmt.Errorf("user %s: %w", userID, ports.ErrNotFound)
	}
	var st *ports.RiskStatus
	if s.deps.Risk != nil {
		st = s.deps.Risk.Snapshot(userID)
	}
	if st == nil {
		st = &ports.RiskStatus{UserID: userID}
	}
	s.mu.RLock()
	st.Paused = s.paused[userID]
	s.mu.RUnlock()
	return st, nil
}

// Status reports the engine's operational state for the status endpoint
func (s *Scheduler) Status() map[string]interface{} {
	s.mu.RLock()
	paused := make([]string, 0, len(s.paused))
	for u := range s.paused {
		paused = append(paused, u)
	}
	last := s.lastTick
	pauseUntil := s.pauseUntil
	symbols := len(s.symbols)
	pending := len(s.pending)
	s.mu.RUnlock()

	st := map[string]interface{}{
		"running":         s.started.Load(),
		"ticks":           s.ticks.Load(),
		"symbols":         symbols,
		"series_buffered": len(s.deps.Store.Symbols()),
		"users":           len(s.cfg.Users),
		"paused_users":    paused,
		"pending_signals": pending,
		"open_positions":  s.deps.Lifecycle.Count(),
		"regime":          s.deps.Regimes.Current().Regime.String(),
		"patterns":        s.deps.Patterns.Types(),
	}
	if last.TickID != "" {
		st["last_tick"] = last
	}
	if s.deps.Dispatcher != nil {
		st["queue_depth"] = s.deps.Dispatcher.QueueDepth()
	}
	if until := pauseUntil; time.Now().Before(until) {
		st["rate_limit_pause_until"] = until
	}
	return st
}
