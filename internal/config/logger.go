package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the process-wide logger. Unknown levels fall
// back to info; format is "json" or "console".
func InitLogger(level, format string) {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var sink io.Writer
	switch format {
	case "console":
		sink = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	default:
		sink = os.Stdout
	}

	log.Logger = zerolog.New(sink).With().Timestamp().Caller().Logger()
	log.Debug().Str("level", parsed.String()).Str("format", format).Msg("Logging configured")
}

// NewLogger returns a child logger tagged with a component name
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// NewAgentLogger returns a logger tagged for one trading agent
func NewAgentLogger(agentID, specialization string) zerolog.Logger {
	return log.With().
		Str("component", "agent").
		Str("agent_id", agentID).
		Str("specialization", specialization).
		Logger()
}

// NewVenueLogger returns a logger tagged for one venue adapter
func NewVenueLogger(venue string) zerolog.Logger {
	return log.With().
		Str("component", "venue").
		Str("venue", venue).
		Logger()
}
