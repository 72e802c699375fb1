package exchange

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterUniverseMembership(t *testing.T) {
	router := NewRouter()
	perp := NewPaperAdapter("aster", fixedPrices(nil), 0)
	onchain := NewPaperAdapter("monad", fixedPrices(nil), 0)

	router.Register(perp, []string{"BTCUSDT", "ETHUSDC"})
	router.Register(onchain, []string{"MON-USDC", "CHOG-USDC"})

	a, err := router.Route("MON-USDC", "")
	require.NoError(t, err)
	assert.Equal(t, "monad", a.Name())

	a, err = router.Route("BTCUSDT", "")
	require.NoError(t, err)
	assert.Equal(t, "aster", a.Name())
}

func TestRouterHintOverride(t *testing.T) {
	router := NewRouter()
	router.Register(NewPaperAdapter("aster", fixedPrices(nil), 0), []string{"BTCUSDT"})
	router.Register(NewPaperAdapter("monad", fixedPrices(nil), 0), nil)

	a, err := router.Route("BTCUSDT", "monad")
	require.NoError(t, err)
	assert.Equal(t, "monad", a.Name())

	_, err = router.Route("BTCUSDT", "nonexistent")
	assert.Error(t, err)
}

func TestRouterFallback(t *testing.T) {
	router := NewRouter()
	router.Register(NewPaperAdapter("aster", fixedPrices(nil), 0), []string{"BTCUSDT"})

	a, err := router.Route("UNKNOWNUSDT", "")
	require.NoError(t, err)
	assert.Equal(t, "aster", a.Name(), "first adapter is the fallback")

	_, err = NewRouter().Route("BTCUSDT", "")
	assert.Error(t, err, "empty router has nowhere to route")
}
