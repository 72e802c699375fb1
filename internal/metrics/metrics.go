package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Bounded label values. Venue error labels come from a fixed set so a
// misbehaving venue cannot blow up metric cardinality.
const (
	VenueErrorTimeout    = "timeout"
	VenueErrorRateLimit  = "rate_limit"
	VenueErrorAuth       = "authentication"
	VenueErrorNetwork    = "network"
	VenueErrorInvalidReq = "invalid_request"
	VenueErrorServer     = "server_error"
	VenueErrorLeverage   = "leverage"
	VenueErrorOther      = "other"
)

// NormalizeVenueError maps an arbitrary venue error to the bounded set
func NormalizeVenueError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return VenueErrorTimeout
	case strings.Contains(msg, "rate") || strings.Contains(msg, "429") || strings.Contains(msg, "-1003"):
		return VenueErrorRateLimit
	case strings.Contains(msg, "auth") || strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return VenueErrorAuth
	case strings.Contains(msg, "leverage") || strings.Contains(msg, "-4028"):
		return VenueErrorLeverage
	case strings.Contains(msg, "network") || strings.Contains(msg, "connection") || strings.Contains(msg, "refused"):
		return VenueErrorNetwork
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		return VenueErrorInvalidReq
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return VenueErrorServer
	default:
		return VenueErrorOther
	}
}

// Portfolio gauges
var (
	Equity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeswarm_equity",
		Help: "Account equity in quote currency",
	})

	Balance = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeswarm_balance",
		Help: "Free account balance in quote currency",
	})

	TotalPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeswarm_total_pnl",
		Help: "Cumulative realized profit and loss",
	})

	CurrentDrawdown = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeswarm_current_drawdown",
		Help: "Current drawdown from the equity peak as a ratio",
	})

	Halted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeswarm_halted",
		Help: "1 when the drawdown halt latch is engaged",
	})

	OpenPositions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tradeswarm_open_positions",
		Help: "Number of currently open positions",
	})

	PositionNotional = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeswarm_position_notional",
		Help: "Open position notional by symbol",
	}, []string{"symbol"})

	AgentWinRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tradeswarm_agent_win_rate",
		Help: "Per-agent win rate as a ratio",
	}, []string{"agent_id"})
)

// Flow counters
var (
	Orders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeswarm_orders_total",
		Help: "Executions by algorithm and outcome",
	}, []string{"algo", "status"})

	PositionCloses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeswarm_position_closes_total",
		Help: "Position closes by exit reason",
	}, []string{"reason"})

	VenueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeswarm_venue_errors_total",
		Help: "Venue API errors by venue and kind",
	}, []string{"venue", "kind"})

	EpisodesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tradeswarm_episodes_stored_total",
		Help: "Episodes written to memory",
	})

	LLMCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeswarm_llm_calls_total",
		Help: "LLM completions by outcome",
	}, []string{"outcome"})

	CIOInterventions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tradeswarm_cio_interventions_total",
		Help: "Chief investment officer interventions by action",
	}, []string{"action"})
)

// Latency histograms
var (
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeswarm_tick_duration_ms",
		Help:    "Full decision-tick duration in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000},
	})

	ExecutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tradeswarm_execution_duration_ms",
		Help:    "Order execution duration in milliseconds by algorithm",
		Buckets: []float64{10, 50, 100, 500, 1000, 5000, 30000, 120000},
	}, []string{"algo"})

	ScanDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tradeswarm_scan_duration_ms",
		Help:    "Universe scan duration in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000},
	})
)

// RecordVenueError increments the venue error counter with a bounded kind
func RecordVenueError(venue string, err error) {
	if err == nil {
		return
	}
	VenueErrors.WithLabelValues(venue, NormalizeVenueError(err)).Inc()
}

// UpdatePortfolio refreshes the portfolio gauges in one call
func UpdatePortfolio(balance, equity, drawdown float64, halted bool, openPositions int) {
	Balance.Set(balance)
	Equity.Set(equity)
	CurrentDrawdown.Set(drawdown)
	if halted {
		Halted.Set(1)
	} else {
		Halted.Set(0)
	}
	OpenPositions.Set(float64(openPositions))
}
