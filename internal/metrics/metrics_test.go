package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVenueError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("context deadline exceeded"), VenueErrorTimeout},
		{errors.New("venue error -1003: too many requests"), VenueErrorRateLimit},
		{errors.New("401 unauthorized"), VenueErrorAuth},
		{errors.New("venue error -4028: leverage not valid"), VenueErrorLeverage},
		{errors.New("connection refused"), VenueErrorNetwork},
		{errors.New("invalid symbol"), VenueErrorInvalidReq},
		{errors.New("503 service unavailable"), VenueErrorServer},
		{errors.New("something strange"), VenueErrorOther},
		{nil, ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, NormalizeVenueError(tc.err), "%v", tc.err)
	}
}

func TestUpdatePortfolioDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		UpdatePortfolio(10000, 10500, 0.02, false, 3)
		UpdatePortfolio(8000, 8000, 0.20, true, 0)
		RecordVenueError("paper", errors.New("timeout"))
		RecordVenueError("paper", nil)
		Orders.WithLabelValues("TWAP", "success").Inc()
		PositionCloses.WithLabelValues("take_profit").Inc()
		TickDuration.Observe(120)
	})
}

func TestServerServesMetrics(t *testing.T) {
	logger := zerolog.New(os.Stdout)
	server := NewServer(19283, logger)
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	})
	time.Sleep(100 * time.Millisecond)

	resp, err := http.Get(fmt.Sprintf("http://localhost:%d/metrics", 19283))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "tradeswarm_")

	health, err := http.Get(fmt.Sprintf("http://localhost:%d/health", 19283))
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
