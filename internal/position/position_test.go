package position

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func trade(side, amount, price, fee string) Trade {
	return Trade{Side: side, Amount: dec(amount), Price: dec(price), Fee: dec(fee), Timestamp: time.Now()}
}

func TestCostBasisAccounting(t *testing.T) {
	m := NewManager()

	_, err := m.UpdateFromTrade("u1", "kraken", "BTC", trade("buy", "1", "50000", "10"))
	require.NoError(t, err)
	_, err = m.UpdateFromTrade("u1", "kraken", "BTC", trade("buy", "1", "60000", "12"))
	require.NoError(t, err)

	p, err := m.Get("u1", "kraken", "BTC")
	require.NoError(t, err)
	assert.True(t, p.AverageEntryPrice.Equal(dec("55011")), "avgEntry %s", p.AverageEntryPrice)
	assert.True(t, p.TotalAmount.Equal(dec("2")))
	assert.True(t, p.TotalCost.Equal(dec("110022")))

	p, err = m.UpdateFromTrade("u1", "kraken", "BTC", trade("sell", "1", "70000", "15"))
	require.NoError(t, err)
	assert.True(t, p.TotalAmount.Equal(dec("1")))
	assert.True(t, p.RealizedPnL.Equal(dec("14974")), "realized %s", p.RealizedPnL)
	assert.True(t, p.TotalFees.Equal(dec("37")))
	assert.True(t, p.TotalCost.Equal(dec("55011")))
	// Selling does not move the entry price.
	assert.True(t, p.AverageEntryPrice.Equal(dec("55011")))
	require.Len(t, p.Trades, 3)
	assert.True(t, p.Trades[2].RealizedPnL.Equal(dec("14974")))
}

func TestSellBoundedByHoldings(t *testing.T) {
	m := NewManager()

	_, err := m.UpdateFromTrade("u1", "kraken", "BTC", trade("sell", "1", "50000", "5"))
	assert.ErrorIs(t, err, ErrInsufficientAmount)

	_, err = m.UpdateFromTrade("u1", "kraken", "BTC", trade("buy", "1", "50000", "5"))
	require.NoError(t, err)
	_, err = m.UpdateFromTrade("u1", "kraken", "BTC", trade("sell", "2", "50000", "5"))
	assert.ErrorIs(t, err, ErrInsufficientAmount)

	_, err = m.UpdateFromTrade("u1", "kraken", "BTC", trade("hold", "1", "50000", "5"))
	assert.Error(t, err)
}

func TestLockUnlockInvariants(t *testing.T) {
	m := NewManager()

	assert.ErrorIs(t, m.Lock("u1", "kraken", "BTC", dec("1")), ErrPositionNotFound)

	_, err := m.UpdateFromTrade("u1", "kraken", "BTC", trade("buy", "2", "50000", "0"))
	require.NoError(t, err)

	require.NoError(t, m.Lock("u1", "kraken", "BTC", dec("1.5")))
	p, _ := m.Get("u1", "kraken", "BTC")
	assert.True(t, p.AvailableAmount.Equal(dec("0.5")))
	assert.True(t, p.LockedAmount.Equal(dec("1.5")))
	assert.True(t, p.AvailableAmount.Add(p.LockedAmount).Equal(p.TotalAmount))

	assert.ErrorIs(t, m.Lock("u1", "kraken", "BTC", dec("1")), ErrInsufficientAvailable)
	assert.ErrorIs(t, m.Unlock("u1", "kraken", "BTC", dec("2")), ErrInsufficientLocked)

	// Locked amount is not sellable.
	_, err = m.UpdateFromTrade("u1", "kraken", "BTC", trade("sell", "1", "60000", "0"))
	assert.ErrorIs(t, err, ErrInsufficientAvailable)

	require.NoError(t, m.Unlock("u1", "kraken", "BTC", dec("1.5")))
	_, err = m.UpdateFromTrade("u1", "kraken", "BTC", trade("sell", "1", "60000", "0"))
	assert.NoError(t, err)
}

func TestUnrealizedPnL(t *testing.T) {
	m := NewManager()

	_, err := m.UpdateFromTrade("u1", "kraken", "BTC", trade("buy", "2", "50000", "0"))
	require.NoError(t, err)

	p, err := m.UpdateUnrealizedPnL("u1", "kraken", "BTC", dec("55000"))
	require.NoError(t, err)
	assert.True(t, p.UnrealizedPnL.Equal(dec("10000")))

	_, err = m.UpdateFromTrade("u1", "kraken", "BTC", trade("sell", "2", "55000", "0"))
	require.NoError(t, err)
	p, err = m.UpdateUnrealizedPnL("u1", "kraken", "BTC", dec("60000"))
	require.NoError(t, err)
	assert.True(t, p.UnrealizedPnL.IsZero())
}

func TestPortfolioSummaryAndAllocation(t *testing.T) {
	m := NewManager()

	_, err := m.UpdateFromTrade("u1", "kraken", "BTC", trade("buy", "1", "50000", "10"))
	require.NoError(t, err)
	_, err = m.UpdateFromTrade("u1", "kraken", "ETH", trade("buy", "10", "2500", "5"))
	require.NoError(t, err)
	_, err = m.UpdateFromTrade("u2", "kraken", "BTC", trade("buy", "5", "50000", "0"))
	require.NoError(t, err)

	prices := map[string]decimal.Decimal{"BTC": dec("60000"), "ETH": dec("2000")}

	s := m.GetPortfolioSummary("u1", prices)
	assert.Equal(t, 2, s.Positions)
	assert.True(t, s.TotalValue.Equal(dec("80000"))) // 60000 + 20000
	assert.True(t, s.TotalCost.Equal(dec("75015")))
	assert.True(t, s.UnrealizedPnL.Equal(dec("4985")))
	assert.True(t, s.TotalFees.Equal(dec("15")))

	alloc := m.GetAllocation("u1", prices)
	require.Len(t, alloc, 2)
	assert.Equal(t, "BTC", alloc[0].Asset)
	assert.True(t, alloc[0].Share.Equal(dec("0.75")))
	assert.True(t, alloc[1].Share.Equal(dec("0.25")))
}

func TestPnLReportPeriods(t *testing.T) {
	m := NewManager()

	_, err := m.UpdateFromTrade("u1", "kraken", "BTC", trade("buy", "2", "50000", "4"))
	require.NoError(t, err)
	_, err = m.UpdateFromTrade("u1", "kraken", "BTC", trade("sell", "1", "60000", "6"))
	require.NoError(t, err)

	// Backdate the first two trades beyond the 24h window.
	m.mu.Lock()
	p := m.positions[Key("u1", "kraken", "BTC")]
	old := time.Now().Add(-48 * time.Hour)
	p.Trades[0].Timestamp = old
	p.Trades[1].Timestamp = old
	m.mu.Unlock()

	_, err = m.UpdateFromTrade("u1", "kraken", "BTC", trade("sell", "1", "40000", "6"))
	require.NoError(t, err)

	all, err := m.GetPnLReport("u1", "all")
	require.NoError(t, err)
	assert.Equal(t, 3, all.TradeCount)
	assert.Equal(t, 1, all.WinningTrades)
	assert.Equal(t, 1, all.LosingTrades)

	day, err := m.GetPnLReport("u1", "24h")
	require.NoError(t, err)
	assert.Equal(t, 1, day.TradeCount)
	assert.Equal(t, 1, day.LosingTrades)
	assert.True(t, day.RealizedPnL.IsNegative())

	_, err = m.GetPnLReport("u1", "1y")
	assert.Error(t, err)
}
