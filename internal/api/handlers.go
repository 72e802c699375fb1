package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

const defaultHistoryLimit = 50

func limitParam(c *gin.Context) int {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	return limit
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"running":   s.ctrl.Running(),
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleDashboard(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Dashboard())
}

func (s *Server) handleDecisions(c *gin.Context) {
	decisions := s.ctrl.RecentDecisions(limitParam(c))
	c.JSON(http.StatusOK, gin.H{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

func (s *Server) handleStart(c *gin.Context) {
	if s.ctrl.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "engine already running"})
		return
	}
	if err := s.ctrl.Start(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "started"})
}

func (s *Server) handleStop(c *gin.Context) {
	if !s.ctrl.Running() {
		c.JSON(http.StatusConflict, gin.H{"error": "engine not running"})
		return
	}
	if err := s.ctrl.Stop(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (s *Server) handleInjectDecision(c *gin.Context) {
	var dec ExternalDecision
	if err := c.ShouldBindJSON(&dec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.ctrl.InjectDecision(c.Request.Context(), dec); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "symbol": dec.Symbol})
}

func (s *Server) handleTradeHistory(c *gin.Context) {
	trades := s.ctrl.TradeHistory(limitParam(c))
	c.JSON(http.StatusOK, gin.H{
		"trades": trades,
		"count":  len(trades),
	})
}

func (s *Server) handleExecutionStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stats": s.ctrl.ExecutionStats()})
}

// handleAgentPerformance returns per-agent win rates and PnL
func (s *Server) handleAgentPerformance(c *gin.Context) {
	states := s.ctrl.AgentStates()
	perf := make([]gin.H, 0, len(states))
	for i := range states {
		state := &states[i]
		perf = append(perf, gin.H{
			"agent_id":       state.ID,
			"specialization": state.Specialization,
			"total_trades":   state.TotalTrades,
			"wins":           state.Wins,
			"win_rate":       state.WinRate(),
			"total_pnl":      state.TotalPnL,
			"daily_pnl":      state.DailyPnL,
			"active":         state.Active,
		})
	}
	c.JSON(http.StatusOK, gin.H{"agents": perf})
}

// handleAgentMetrics returns the full agent states, including
// adaptive parameters and indicator scores
func (s *Server) handleAgentMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.ctrl.AgentStates()})
}

func (s *Server) handleAgentEnable(c *gin.Context) {
	s.setAgentActive(c, true)
}

func (s *Server) handleAgentDisable(c *gin.Context) {
	s.setAgentActive(c, false)
}

func (s *Server) setAgentActive(c *gin.Context, active bool) {
	id := c.Param("id")
	if !s.ctrl.SetAgentActive(id, active) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent", "agent_id": id})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": id, "active": active})
}
