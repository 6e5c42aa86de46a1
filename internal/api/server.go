// Package api serves the engine's control surface: pause/resume and
// force-close controls, filter traces, risk and regime views, Prometheus
// metrics and a websocket event stream. The engine itself never depends on
// this package; everything flows through ports.ControlPort and the event bus.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"futures-signal-engine/internal/events"
	"futures-signal-engine/internal/ports"
	"futures-signal-engine/internal/regime"
)

// Config holds HTTP server settings
type Config struct {
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	AllowedOrigins  []string `json:"allowed_origins"`
	AuthEnabled     bool     `json:"auth_enabled"`
	JWTSecret       string   `json:"jwt_secret"`
	TokenTTLHours   int      `json:"token_ttl_hours"`
	ReadTimeoutSec  int      `json:"read_timeout_sec"`
	WriteTimeoutSec int      `json:"write_timeout_sec"`
	ProductionMode  bool     `json:"production_mode"`
}

// DefaultConfig returns development server settings
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8090,
		AllowedOrigins:  []string{"*"},
		AuthEnabled:     false,
		TokenTTLHours:   24,
		ReadTimeoutSec:  30,
		WriteTimeoutSec: 30,
	}
}

// RegimeSource yields the current market regime view
type RegimeSource interface {
	Current() *regime.Snapshot
}

// ParameterSource yields the active learning snapshot
type ParameterSource interface {
	Current() *ports.ParameterSnapshot
}

// Server is the control-plane HTTP server
type Server struct {
	cfg        Config
	router     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger

	control    ports.ControlPort
	regimes    RegimeSource
	parameters ParameterSource
	hub        *Hub
	jwt        *JWTManager

	metricsHandler http.Handler
	healthChecks   map[string]func(context.Context) error
}

// NewServer wires the control surface. regimes, parameters, metricsHandler
// and healthChecks may be nil; the matching endpoints then degrade.
func NewServer(
	cfg Config,
	control ports.ControlPort,
	regimes RegimeSource,
	parameters ParameterSource,
	bus *events.EventBus,
	metricsHandler http.Handler,
	logger zerolog.Logger,
) *Server {
	if cfg.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		cfg:            cfg,
		router:         router,
		logger:         logger.With().Str("component", "api").Logger(),
		control:        control,
		regimes:        regimes,
		parameters:     parameters,
		hub:            NewHub(logger),
		metricsHandler: metricsHandler,
		healthChecks:   make(map[string]func(context.Context) error),
	}
	if cfg.AuthEnabled {
		s.jwt = NewJWTManager(cfg.JWTSecret, time.Duration(cfg.TokenTTLHours)*time.Hour)
	}
	if bus != nil {
		s.hub.Observe(bus)
	}
	s.setupRoutes()
	return s
}

// AddHealthCheck registers a named dependency probe for /health
func (s *Server) AddHealthCheck(name string, check func(context.Context) error) {
	s.healthChecks[name] = check
}

// Hub exposes the websocket hub so the composition root can run it
func (s *Server) Hub() *Hub {
	return s.hub
}

// TokenFor mints an operator token; used by ops tooling when auth is enabled
func (s *Server) TokenFor(userID string, admin bool) (string, error) {
	if s.jwt == nil {
		return "", errors.New("auth disabled")
	}
	return s.jwt.GenerateToken(userID, admin)
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	if s.metricsHandler != nil {
		s.router.GET("/metrics", gin.WrapH(s.metricsHandler))
	}

	api := s.router.Group("/api")
	if s.jwt != nil {
		api.Use(Middleware(s.jwt))
	}
	{
		api.GET("/status", s.handleStatus)
		api.GET("/regime", s.handleRegime)
		api.GET("/parameters", s.handleParameters)

		api.GET("/traces/latest", s.handleLatestTrace)
		api.GET("/traces/:tickID", s.handleTrace)

		users := api.Group("/users")
		{
			users.POST("/:userID/pause", s.handlePause)
			users.POST("/:userID/resume", s.handleResume)
			users.POST("/:userID/force-close", s.handleForceClose)
			users.POST("/:userID/signals/:signalID/accept", s.handleAcceptSignal)
			users.GET("/:userID/risk", s.handleRiskStatus)
		}
	}

	s.router.GET("/ws", s.handleWebSocket)
}

// Start runs the HTTP server until the listener fails or Shutdown is called
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
	}
	s.logger.Info().Str("addr", s.httpServer.Addr).Bool("auth", s.jwt != nil).Msg("control API listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// ============================================================================
// HANDLERS
// ============================================================================

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := make(gin.H, len(s.healthChecks))
	for name, check := range s.healthChecks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			deps[name] = "ok"
		}
	}

	body := gin.H{"status": "ok", "time": time.Now().UTC()}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	if len(deps) > 0 {
		body["dependencies"] = deps
	}
	c.JSON(status, body)
}

func (s *Server) handleStatus(c *gin.Context) {
	status := s.control.Status()
	status["ws_clients"] = s.hub.ClientCount()
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleRegime(c *gin.Context) {
	if s.regimes == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "regime detector not running"})
		return
	}
	snap := s.regimes.Current()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "regime not yet classified"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"regime": snap.Regime.String(), "snapshot": snap})
}

func (s *Server) handleParameters(c *gin.Context) {
	if s.parameters == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "learning controller not running"})
		return
	}
	snap := s.parameters.Current()
	if snap == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no parameter snapshot loaded"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleLatestTrace(c *gin.Context) {
	trace, ok := s.control.LatestFilterTrace()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no tick completed yet"})
		return
	}
	c.JSON(http.StatusOK, trace)
}

func (s *Server) handleTrace(c *gin.Context) {
	trace, ok := s.control.GetFilterTrace(c.Param("tickID"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "trace not found"})
		return
	}
	c.JSON(http.StatusOK, trace)
}

func (s *Server) handlePause(c *gin.Context) {
	userID := c.Param("userID")
	if err := s.control.PauseUser(userID); err != nil {
		s.controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "paused": true})
}

func (s *Server) handleResume(c *gin.Context) {
	userID := c.Param("userID")
	if err := s.control.ResumeUser(userID); err != nil {
		s.controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "paused": false})
}

func (s *Server) handleForceClose(c *gin.Context) {
	userID := c.Param("userID")
	closed, err := s.control.ForceCloseAll(c.Request.Context(), userID)
	if err != nil {
		s.controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "closed": closed})
}

func (s *Server) handleAcceptSignal(c *gin.Context) {
	userID := c.Param("userID")
	signalID := c.Param("signalID")
	if err := s.control.AcceptSignal(c.Request.Context(), userID, signalID); err != nil {
		s.controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "signal_id": signalID, "accepted": true})
}

func (s *Server) handleRiskStatus(c *gin.Context) {
	status, err := s.control.GetRiskStatus(c.Param("userID"))
	if err != nil {
		s.controlError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, 256), hub: s.hub}
	s.hub.register <- client
	go client.writePump()
	go client.readPump()
}

// controlError maps control-port errors onto HTTP statuses
func (s *Server) controlError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ports.ErrNotFound) {
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
