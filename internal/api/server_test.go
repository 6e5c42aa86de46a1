package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/logging"
	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/regime"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

// ============================================================================
// STUBS
// ============================================================================

type controlStub struct {
	paused      map[string]bool
	forceClosed map[string]int
	accepted    []string
	latest      *ports.TickTrace
	traces      map[string]*ports.TickTrace
	risk        *ports.RiskStatus
	err         error
}

func newControlStub() *controlStub {
	return &controlStub{
		paused:      make(map[string]bool),
		forceClosed: make(map[string]int),
		traces:      make(map[string]*ports.TickTrace),
	}
}

func (c *controlStub) PauseUser(userID string) error {
	if c.err != nil {
		return c.err
	}
	c.paused[userID] = true
	return nil
}

func (c *controlStub) ResumeUser(userID string) error {
	if c.err != nil {
		return c.err
	}
	c.paused[userID] = false
	return nil
}

func (c *controlStub) ForceCloseAll(ctx context.Context, userID string) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	c.forceClosed[userID]++
	return 3, nil
}

func (c *controlStub) AcceptSignal(ctx context.Context, userID, signalID string) error {
	if c.err != nil {
		return c.err
	}
	c.accepted = append(c.accepted, userID+"/"+signalID)
	return nil
}

func (c *controlStub) GetFilterTrace(tickID string) (*ports.TickTrace, bool) {
	t, ok := c.traces[tickID]
	return t, ok
}

func (c *controlStub) LatestFilterTrace() (*ports.TickTrace, bool) {
	if c.latest == nil {
		return nil, false
	}
	return c.latest, true
}

func (c *controlStub) GetRiskStatus(userID string) (*ports.RiskStatus, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.risk == nil {
		return nil, fmt.Errorf("user %s: %w", userID, ports.ErrNotFound)
	}
	return c.risk, nil
}

func (c *controlStub) Status() map[string]interface{} {
	return map[string]interface{}{"running": true, "tick": 7}
}

type regimeStub struct{ snap *regime.Snapshot }

func (r *regimeStub) Current() *regime.Snapshot { return r.snap }

type paramStub struct{ snap *ports.ParameterSnapshot }

func (p *paramStub) Current() *ports.ParameterSnapshot { return p.snap }

func testServer(cfg Config, control ports.ControlPort) *Server {
	return NewServer(cfg, control, &regimeStub{}, &paramStub{}, nil, nil, logging.Nop())
}

func doJSON(t *testing.T, s *Server, method, path, token string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s %s response: %v", method, path, err)
		}
	}
	return rec, body
}

// ============================================================================
// TESTS
// ============================================================================

func TestHealthReportsDependencies(t *testing.T) {
	s := testServer(DefaultConfig(), newControlStub())
	s.AddHealthCheck("database", func(ctx context.Context) error { return nil })

	rec, body := doJSON(t, s, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	deps := body["dependencies"].(map[string]interface{})
	if deps["database"] != "ok" {
		t.Errorf("database probe = %v, want ok", deps["database"])
	}

	s.AddHealthCheck("redis", func(ctx context.Context) error { return errors.New("connection refused") })
	rec, body = doJSON(t, s, "GET", "/health", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status = %d, want 503", rec.Code)
	}
	if body["status"] != "degraded" {
		t.Errorf("status field = %v, want degraded", body["status"])
	}
}

func TestStatusIncludesControlFields(t *testing.T) {
	s := testServer(DefaultConfig(), newControlStub())
	rec, body := doJSON(t, s, "GET", "/api/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["running"] != true {
		t.Errorf("running = %v, want true", body["running"])
	}
	if _, ok := body["ws_clients"]; !ok {
		t.Error("ws_clients missing from status")
	}
}

func TestPauseResumeRoundTrip(t *testing.T) {
	control := newControlStub()
	s := testServer(DefaultConfig(), control)

	rec, body := doJSON(t, s, "POST", "/api/users/user-1/pause", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d, want 200", rec.Code)
	}
	if body["paused"] != true {
		t.Errorf("paused = %v, want true", body["paused"])
	}
	if !control.paused["user-1"] {
		t.Error("control port never saw the pause")
	}

	rec, body = doJSON(t, s, "POST", "/api/users/user-1/resume", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d, want 200", rec.Code)
	}
	if body["paused"] != false {
		t.Errorf("paused after resume = %v, want false", body["paused"])
	}
}

func TestForceCloseReturnsCount(t *testing.T) {
	control := newControlStub()
	s := testServer(DefaultConfig(), control)

	rec, body := doJSON(t, s, "POST", "/api/users/user-1/force-close", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["closed"] != float64(3) {
		t.Errorf("closed = %v, want 3", body["closed"])
	}
}

func TestUnknownUserMapsTo404(t *testing.T) {
	control := newControlStub()
	control.err = fmt.Errorf("user ghost: %w", ports.ErrNotFound)
	s := testServer(DefaultConfig(), control)

	rec, _ := doJSON(t, s, "POST", "/api/users/ghost/pause", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}

	rec, _ = doJSON(t, s, "GET", "/api/users/ghost/risk", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("risk status = %d, want 404", rec.Code)
	}
}

func TestTraceLookup(t *testing.T) {
	control := newControlStub()
	s := testServer(DefaultConfig(), control)

	rec, _ := doJSON(t, s, "GET", "/api/traces/latest", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("empty latest = %d, want 404", rec.Code)
	}

	trace := &ports.TickTrace{TickID: "tick-9", Regime: "BULL_TREND"}
	control.latest = trace
	control.traces["tick-9"] = trace

	rec, body := doJSON(t, s, "GET", "/api/traces/latest", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("latest = %d, want 200", rec.Code)
	}
	if body["tick_id"] != "tick-9" {
		t.Errorf("tick_id = %v, want tick-9", body["tick_id"])
	}

	rec, _ = doJSON(t, s, "GET", "/api/traces/tick-9", "")
	if rec.Code != http.StatusOK {
		t.Errorf("by id = %d, want 200", rec.Code)
	}
	rec, _ = doJSON(t, s, "GET", "/api/traces/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing trace = %d, want 404", rec.Code)
	}
}

func TestRegimeEndpoint(t *testing.T) {
	control := newControlStub()
	regimes := &regimeStub{}
	s := NewServer(DefaultConfig(), control, regimes, &paramStub{}, nil, nil, logging.Nop())

	rec, _ := doJSON(t, s, "GET", "/api/regime", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unclassified = %d, want 503", rec.Code)
	}

	regimes.snap = &regime.Snapshot{Regime: regime.BullTrend, Confidence: 0.8}
	rec, body := doJSON(t, s, "GET", "/api/regime", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body["regime"] != "BULL_TREND" {
		t.Errorf("regime = %v, want BULL_TREND", body["regime"])
	}
}

func TestAuthGuardsAPIGroup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AuthEnabled = true
	cfg.JWTSecret = "test-secret"
	s := testServer(cfg, newControlStub())

	rec, _ := doJSON(t, s, "GET", "/api/status", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token = %d, want 401", rec.Code)
	}

	// Health stays public.
	rec, _ = doJSON(t, s, "GET", "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health with auth on = %d, want 200", rec.Code)
	}

	token, err := s.TokenFor("ops", true)
	if err != nil {
		t.Fatalf("TokenFor: %v", err)
	}
	rec, _ = doJSON(t, s, "GET", "/api/status", token)
	if rec.Code != http.StatusOK {
		t.Errorf("with token = %d, want 200", rec.Code)
	}

	rec, _ = doJSON(t, s, "GET", "/api/status", "garbage")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", rec.Code)
	}
}

func TestJWTExpiry(t *testing.T) {
	m := NewJWTManager("secret", time.Hour)
	token, err := m.GenerateToken("ops", false)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	claims, err := m.Validate(token)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if claims.UserID != "ops" || claims.Admin {
		t.Errorf("claims = %+v", claims)
	}

	expired := NewJWTManager("secret", -time.Minute)
	token, err = expired.GenerateToken("ops", false)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if _, err := m.Validate(token); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("expired validate = %v, want ErrTokenExpired", err)
	}

	other := NewJWTManager("different-secret", time.Hour)
	token, _ = other.GenerateToken("ops", false)
	if _, err := m.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret validate = %v, want ErrInvalidToken", err)
	}
}

func TestWebSocketStreamsEvents(t *testing.T) {
	bus := events.NewEventBus()
	s := NewServer(DefaultConfig(), newControlStub(), &regimeStub{}, &paramStub{}, bus, nil, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Hub().Run(ctx)

	ts := httptest.NewServer(s.Router())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	waitFor(t, "client registered", func() bool { return s.Hub().ClientCount() == 1 })

	bus.PublishSignalEmitted("user-1", "sig-1", "ETHUSDT", "LONG", 2500, 150)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != events.EventSignalEmitted {
		t.Errorf("event type = %s, want %s", ev.Type, events.EventSignalEmitted)
	}
	if ev.Data["symbol"] != "ETHUSDT" {
		t.Errorf("symbol = %v, want ETHUSDT", ev.Data["symbol"])
	}

	conn.Close()
	waitFor(t, "client evicted", func() bool { return s.Hub().ClientCount() == 0 })
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
