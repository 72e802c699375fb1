// Package api exposes the engine's HTTP surface: dashboard and
// inference reads, plus token-gated admin controls.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/agents"
	"github.com/quantfold/tradeswarm/internal/config"
	"github.com/quantfold/tradeswarm/internal/execution"
	"github.com/quantfold/tradeswarm/internal/memory"
	"github.com/quantfold/tradeswarm/internal/positions"
	"github.com/quantfold/tradeswarm/internal/risk"
)

// DecisionRecord is one consensus decision as served to clients
type DecisionRecord struct {
	Timestamp  time.Time     `json:"timestamp"`
	Symbol     string        `json:"symbol"`
	Signal     agents.Signal `json:"signal"`
	Confidence float64       `json:"confidence"`
	Agreement  float64       `json:"agreement"`
	Reasoning  string        `json:"reasoning"`
	Executed   bool          `json:"executed"`
}

// Dashboard is the aggregate state view served at /dashboard
type Dashboard struct {
	Running        bool                                   `json:"running"`
	Portfolio      risk.PortfolioState                    `json:"portfolio"`
	Positions      []positions.Position                   `json:"positions"`
	Agents         []agents.AgentState                    `json:"agents"`
	MemoryStats    memory.Stats                           `json:"memory_stats"`
	ExecutionStats map[execution.Algo]execution.AlgoStats `json:"execution_stats"`
}

// ExternalDecision is an externally computed decision injected into the
// pipeline at the sizing step, bypassing scan and consensus
type ExternalDecision struct {
	Symbol     string  `json:"symbol" binding:"required"`
	Side       string  `json:"side" binding:"required,oneof=BUY SELL"`
	Notional   float64 `json:"notional"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
	Reasoning  string  `json:"reasoning"`
}

// Controller is the slice of the trading engine the API drives
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	Dashboard() Dashboard
	RecentDecisions(limit int) []DecisionRecord
	TradeHistory(limit int) []agents.TradeOutcome
	AgentStates() []agents.AgentState
	SetAgentActive(id string, active bool) bool
	ExecutionStats() map[execution.Algo]execution.AlgoStats
	InjectDecision(ctx context.Context, dec ExternalDecision) error
}

// Server is the REST API server
type Server struct {
	router *gin.Engine
	ctrl   Controller
	cfg    config.APIConfig
	server *http.Server
}

// NewServer creates the API server and wires all routes
func NewServer(cfg config.APIConfig, ctrl Controller) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	origin := cfg.AllowedOrigin
	if origin == "" {
		origin = "*"
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  []string{origin},
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}))

	if cfg.RateLimitRPM > 0 {
		router.Use(rateLimit(cfg.RateLimitRPM))
	}

	s := &Server{router: router, ctrl: ctrl, cfg: cfg}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	s.router.GET("/dashboard", s.handleDashboard)
	s.router.GET("/inference/decisions", s.handleDecisions)

	admin := s.router.Group("/", bearerAuth(s.cfg.AdminToken))
	{
		admin.POST("/start", s.handleStart)
		admin.POST("/stop", s.handleStop)
		admin.POST("/inference/decisions", s.handleInjectDecision)
	}

	api := s.router.Group("/api")
	{
		api.GET("/trades/history", s.handleTradeHistory)
		api.GET("/execution/stats", s.handleExecutionStats)

		agentGroup := api.Group("/agents")
		{
			agentGroup.GET("/performance", s.handleAgentPerformance)
			agentGroup.GET("/metrics", s.handleAgentMetrics)
			agentGroup.POST("/:id/enable", bearerAuth(s.cfg.AdminToken), s.handleAgentEnable)
			agentGroup.POST("/:id/disable", bearerAuth(s.cfg.AdminToken), s.handleAgentDisable)
		}
	}
}

// Start begins serving in the background
func (s *Server) Start() error {
	addr := s.cfg.Addr
	if addr == "" {
		addr = ":8090"
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Starting API server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop API server: %w", err)
	}
	return nil
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler { return s.router }

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		event := log.Info().
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if len(c.Errors) > 0 {
			event = event.Str("errors", c.Errors.String())
		}
		event.Msg("API request")
	}
}
