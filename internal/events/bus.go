// Package events publishes engine events over NATS for dashboards and
// external consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Type classifies an engine event
type Type string

const (
	TypeDecision       Type = "decision"
	TypeTrade          Type = "trade"
	TypePositionOpened Type = "position_opened"
	TypePositionClosed Type = "position_closed"
	TypeAlert          Type = "alert"
	TypeIntervention   Type = "intervention"
	TypeHalt           Type = "halt"
)

// Event is the wire envelope for every published event
type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      Type            `json:"type"`
	Symbol    string          `json:"symbol,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handler is a callback for received events
type Handler func(event *Event)

// Config configures the event bus
type Config struct {
	URL    string
	Prefix string
}

// DefaultConfig returns the default bus configuration
func DefaultConfig() Config {
	return Config{
		URL:    nats.DefaultURL,
		Prefix: "tradeswarm.events.",
	}
}

// Bus is a thin NATS publisher/subscriber for engine events
type Bus struct {
	nc     *nats.Conn
	prefix string
}

// NewBus connects to NATS with infinite reconnects
func NewBus(cfg Config) (*Bus, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = "tradeswarm.events."
	}
	nc, err := nats.Connect(
		cfg.URL,
		nats.Name("tradeswarm-engine"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("nats_url", cfg.URL).Str("prefix", cfg.Prefix).Msg("Event bus connected")
	return &Bus{nc: nc, prefix: cfg.Prefix}, nil
}

// Publish emits an event with the payload marshaled to JSON. Publish is
// best-effort from the engine's perspective; callers log, not fail.
func (b *Bus) Publish(ctx context.Context, eventType Type, symbol string, payload any) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if !b.nc.IsConnected() {
		return fmt.Errorf("event bus not connected")
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	event := Event{
		ID:        uuid.New(),
		Type:      eventType,
		Symbol:    symbol,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.nc.Publish(b.prefix+string(eventType), data)
}

// Subscribe registers a handler for one event type
func (b *Bus) Subscribe(eventType Type, handler Handler) (*nats.Subscription, error) {
	return b.nc.Subscribe(b.prefix+string(eventType), func(msg *nats.Msg) {
		b.dispatch(msg, handler)
	})
}

// SubscribeAll registers a handler for every event type
func (b *Bus) SubscribeAll(handler Handler) (*nats.Subscription, error) {
	return b.nc.Subscribe(b.prefix+">", func(msg *nats.Msg) {
		b.dispatch(msg, handler)
	})
}

func (b *Bus) dispatch(msg *nats.Msg, handler Handler) {
	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed event")
		return
	}
	handler(&event)
}

// Close drains in-flight messages and disconnects
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Drain()
	}
}
