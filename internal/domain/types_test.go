package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSymbol(t *testing.T) {
	sym, err := ParseSymbol("doge/usd")
	require.NoError(t, err)
	require.Equal(t, "DOGE", sym.Base)
	require.Equal(t, "USD", sym.Quote)
	require.Equal(t, "DOGE/USD", sym.String())
	require.Equal(t, "DOGE-USD", sym.ProductID())

	for _, bad := range []string{"", "DOGE", "DOGE-USD", "/USD", "DOGE/"} {
		_, err := ParseSymbol(bad)
		require.Error(t, err, "input %q", bad)
	}
}

func TestParseDirection(t *testing.T) {
	d, err := ParseDirection(" SELL ")
	require.NoError(t, err)
	require.Equal(t, DirectionSell, d)

	d, err = ParseDirection("buy")
	require.NoError(t, err)
	require.Equal(t, DirectionBuy, d)

	_, err = ParseDirection("hold")
	require.Error(t, err)
}

func TestOrderResultAvgPrice(t *testing.T) {
	res := &OrderResult{Status: OrderStatusFilled, FilledSize: 100, FilledValue: 1050}
	require.InDelta(t, 10.5, res.AvgPrice(), 1e-9)
	require.True(t, res.Filled())

	var empty *OrderResult
	require.Zero(t, empty.AvgPrice())
	require.False(t, empty.Filled())

	pending := &OrderResult{Status: OrderStatusPending}
	require.False(t, pending.Filled())
	require.Zero(t, pending.AvgPrice())
}
