package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/config"
)

// PortfolioState is the risk manager's view of the account
type PortfolioState struct {
	Balance         float64 `json:"balance"`
	Equity          float64 `json:"equity"`
	TotalExposure   float64 `json:"total_exposure"`
	PeakValue       float64 `json:"peak_value"`
	CurrentDrawdown float64 `json:"current_drawdown"`
	IsHalted        bool    `json:"is_halted"`
}

// SizingInput carries everything pre-trade sizing needs
type SizingInput struct {
	Symbol     string
	Entry      float64
	Volatility float64
	Confidence float64
}

// SizingResult is the outcome of pre-trade sizing
type SizingResult struct {
	SizePct  float64
	Notional float64
	Kelly    float64
	VolScale float64
	DDScale  float64
}

// Manager enforces the hard risk controls: Kelly-scaled sizing, the
// drawdown halt latch, and stop derivation. It owns portfolio peak and
// drawdown state.
type Manager struct {
	mu  sync.RWMutex
	cfg config.RiskConfig

	balance   float64
	equity    float64
	exposure  float64
	peakValue float64
	drawdown  float64
	halted    bool
	haltedAt  time.Time
}

// NewManager creates a risk manager
func NewManager(cfg config.RiskConfig) *Manager {
	return &Manager{cfg: cfg}
}

// UpdatePortfolio records the latest account numbers and advances the
// drawdown latch. Once halted, only Reset clears the latch.
func (m *Manager) UpdatePortfolio(balance, equity, exposure float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balance = balance
	m.equity = equity
	m.exposure = exposure

	if equity > m.peakValue {
		m.peakValue = equity
	}
	if m.peakValue > 0 {
		m.drawdown = (m.peakValue - equity) / m.peakValue
	}

	if !m.halted && m.drawdown >= m.cfg.MaxDrawdown {
		m.halted = true
		m.haltedAt = time.Now()
		log.Error().
			Float64("drawdown", m.drawdown).
			Float64("max_drawdown", m.cfg.MaxDrawdown).
			Float64("peak", m.peakValue).
			Float64("equity", equity).
			Msg("Drawdown limit breached, trading halted")
	}
}

// State returns the current portfolio risk state
func (m *Manager) State() PortfolioState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return PortfolioState{
		Balance:         m.balance,
		Equity:          m.equity,
		TotalExposure:   m.exposure,
		PeakValue:       m.peakValue,
		CurrentDrawdown: m.drawdown,
		IsHalted:        m.halted,
	}
}

// Halted reports whether the drawdown latch has tripped
func (m *Manager) Halted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted
}

// Reset clears the halt latch and re-bases the peak on current equity.
// Operator action only.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.halted = false
	m.peakValue = m.equity
	m.drawdown = 0
	log.Warn().Float64("equity", m.equity).Msg("Risk halt reset, peak re-based")
}

// Size computes the position notional for a prospective entry. A halted
// portfolio or an inadequate cash cushion sizes to zero.
func (m *Manager) Size(in SizingInput) (SizingResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.halted {
		return SizingResult{}, fmt.Errorf("trading halted: drawdown %.2f%% breached limit", m.drawdown*100)
	}
	cushion := m.balance - m.exposure
	if cushion < 0.10*m.balance {
		return SizingResult{}, fmt.Errorf("cash cushion %.2f below 10%% of balance", cushion)
	}

	pWin := 0.5 + 0.2*clamp(in.Confidence, 0, 1)
	rr := m.cfg.RewardToRisk
	if rr <= 0 {
		rr = m.cfg.DefaultTakeProfit / m.cfg.DefaultStopLoss
	}

	kelly := clamp((rr*pWin-(1-pWin))/rr, 0, m.cfg.KellyFractionCap)
	volScale := clamp(1/(1+10*in.Volatility), 0.25, 1)
	ddScale := clamp(1-m.drawdown/m.cfg.MaxDrawdown, 0.1, 1)

	sizePct := clamp(m.cfg.MaxPositionRisk*kelly*volScale*ddScale, 0.01, m.cfg.MaxPositionRisk)
	notional := m.balance * sizePct

	return SizingResult{
		SizePct:  sizePct,
		Notional: notional,
		Kelly:    kelly,
		VolScale: volScale,
		DDScale:  ddScale,
	}, nil
}

// Stops derives stop-loss and take-profit prices for an entry.
// long=false mirrors for shorts.
func (m *Manager) Stops(entry, atrPct float64, long bool) (stopLoss, takeProfit float64) {
	slPct := math.Max(m.cfg.DefaultStopLoss, 1.5*atrPct)
	if slPct > 0.05 {
		slPct = 0.05
	}
	if long {
		stopLoss = entry * (1 - slPct)
		takeProfit = entry + 2*(entry-stopLoss)
	} else {
		stopLoss = entry * (1 + slPct)
		takeProfit = entry - 2*(stopLoss-entry)
	}
	return stopLoss, takeProfit
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
