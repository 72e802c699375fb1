// Package alerts fans operational alerts out to the configured
// channels: structured logs, the event bus, and Telegram.
package alerts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/tradeswarm/internal/events"
)

// Severity levels for alerts
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Alert is one operational alert
type Alert struct {
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Alerter delivers alerts on one channel
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to every configured channel. A channel
// failure is logged and does not block the others.
type Manager struct {
	alerters []Alerter
}

// NewManager creates an alert manager over the given channels
func NewManager(alerters ...Alerter) *Manager {
	return &Manager{alerters: alerters}
}

// Send delivers the alert to all channels, returning the last failure
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	var lastErr error
	for _, alerter := range m.alerters {
		if err := alerter.Send(ctx, alert); err != nil {
			log.Error().Err(err).Str("title", alert.Title).Msg("Failed to send alert")
			lastErr = err
		}
	}
	return lastErr
}

// DrawdownHalt announces the drawdown circuit breaker latching
func (m *Manager) DrawdownHalt(ctx context.Context, drawdown, maxDrawdown float64) {
	m.Send(ctx, Alert{
		Title:    "Trading Halted",
		Message:  fmt.Sprintf("Drawdown %.2f%% crossed the %.2f%% limit; no new entries until reset", drawdown*100, maxDrawdown*100),
		Severity: SeverityCritical,
		Metadata: map[string]any{"drawdown": drawdown, "max_drawdown": maxDrawdown},
	})
}

// LiquidationRisk announces the liquidation guard firing
func (m *Manager) LiquidationRisk(ctx context.Context, marginRatio float64, closing []string) {
	m.Send(ctx, Alert{
		Title:    "Liquidation Guard Triggered",
		Message:  fmt.Sprintf("Margin ratio %.2f; closing largest positions: %s", marginRatio, strings.Join(closing, ", ")),
		Severity: SeverityCritical,
		Metadata: map[string]any{"margin_ratio": marginRatio, "closing": closing},
	})
}

// DailyLossBreach announces an agent being benched for the day
func (m *Manager) DailyLossBreach(ctx context.Context, agentID string, dailyPnL float64) {
	m.Send(ctx, Alert{
		Title:    "Agent Daily Loss Breach",
		Message:  fmt.Sprintf("Agent %s benched after %.2f daily PnL", agentID, dailyPnL),
		Severity: SeverityWarning,
		Metadata: map[string]any{"agent_id": agentID, "daily_pnl": dailyPnL},
	})
}

// OrderFailed announces an order placement failure
func (m *Manager) OrderFailed(ctx context.Context, symbol, side string, quantity float64, err error) {
	m.Send(ctx, Alert{
		Title:    "Order Failed",
		Message:  fmt.Sprintf("Failed to place %s order for %s: %v", side, symbol, err),
		Severity: SeverityCritical,
		Metadata: map[string]any{"symbol": symbol, "side": side, "quantity": quantity, "error": err.Error()},
	})
}

// StreamDown announces a market-data stream outage
func (m *Manager) StreamDown(ctx context.Context, venue string, err error) {
	m.Send(ctx, Alert{
		Title:    "Market Data Stream Down",
		Message:  fmt.Sprintf("Trade stream for %s disconnected: %v", venue, err),
		Severity: SeverityWarning,
		Metadata: map[string]any{"venue": venue, "error": err.Error()},
	})
}

// LogAlerter writes alerts to the structured log
type LogAlerter struct{}

// NewLogAlerter creates a log-channel alerter
func NewLogAlerter() *LogAlerter { return &LogAlerter{} }

// Send logs the alert at a level matching its severity
func (l *LogAlerter) Send(ctx context.Context, alert Alert) error {
	event := log.Info()
	switch alert.Severity {
	case SeverityCritical:
		event = log.Error()
	case SeverityWarning:
		event = log.Warn()
	}
	for key, value := range alert.Metadata {
		event = event.Interface(key, value)
	}
	event.
		Str("alert_title", alert.Title).
		Str("alert_severity", string(alert.Severity)).
		Msg(alert.Message)
	return nil
}

// BusAlerter publishes alerts onto the NATS event bus for dashboards
type BusAlerter struct {
	bus *events.Bus
}

// NewBusAlerter creates an event-bus alerter
func NewBusAlerter(bus *events.Bus) *BusAlerter {
	return &BusAlerter{bus: bus}
}

// Send publishes the alert as an event
func (b *BusAlerter) Send(ctx context.Context, alert Alert) error {
	return b.bus.Publish(ctx, events.TypeAlert, "", alert)
}
