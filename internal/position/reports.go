package position

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Summary is the portfolio rollup across a user's positions.
type Summary struct {
	Positions     int             `json:"positions"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalFees     decimal.Decimal `json:"total_fees"`
}

// Allocation is one asset's share of portfolio value.
type Allocation struct {
	Asset string          `json:"asset"`
	Value decimal.Decimal `json:"value"`
	Share decimal.Decimal `json:"share"`
}

// PnLReport sums realized results over a trailing window.
type PnLReport struct {
	Period        string          `json:"period"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Fees          decimal.Decimal `json:"fees"`
	TradeCount    int             `json:"trade_count"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
}

var pnlPeriods = map[string]time.Duration{
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"all": 0,
}

// GetPortfolioSummary values every position at the supplied prices. Assets
// without a price contribute cost only.
func (m *Manager) GetPortfolioSummary(userID string, prices map[string]decimal.Decimal) Summary {
	s := Summary{
		TotalValue: decimal.Zero, TotalCost: decimal.Zero,
		RealizedPnL: decimal.Zero, UnrealizedPnL: decimal.Zero, TotalFees: decimal.Zero,
	}
	for _, p := range m.List(userID) {
		s.Positions++
		s.TotalCost = s.TotalCost.Add(p.TotalCost)
		s.RealizedPnL = s.RealizedPnL.Add(p.RealizedPnL)
		s.TotalFees = s.TotalFees.Add(p.TotalFees)

		if price, ok := prices[p.Asset]; ok && p.TotalAmount.IsPositive() {
			value := p.TotalAmount.Mul(price)
			s.TotalValue = s.TotalValue.Add(value)
			s.UnrealizedPnL = s.UnrealizedPnL.Add(value.Sub(p.TotalCost))
		} else {
			s.TotalValue = s.TotalValue.Add(p.TotalCost)
		}
	}
	return s
}

// GetAllocation returns each asset's share of total portfolio value, largest
// first.
func (m *Manager) GetAllocation(userID string, prices map[string]decimal.Decimal) []Allocation {
	byAsset := make(map[string]decimal.Decimal)
	total := decimal.Zero
	for _, p := range m.List(userID) {
		if !p.TotalAmount.IsPositive() {
			continue
		}
		value := p.TotalCost
		if price, ok := prices[p.Asset]; ok {
			value = p.TotalAmount.Mul(price)
		}
		byAsset[p.Asset] = byAsset[p.Asset].Add(value)
		total = total.Add(value)
	}

	out := make([]Allocation, 0, len(byAsset))
	for asset, value := range byAsset {
		share := decimal.Zero
		if total.IsPositive() {
			share = value.Div(total)
		}
		out = append(out, Allocation{Asset: asset, Value: value, Share: share})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Value.GreaterThan(out[j].Value) })
	return out
}

// GetPnLReport sums realized P&L over the period, one of 24h, 7d, 30d, all.
func (m *Manager) GetPnLReport(userID, period string) (PnLReport, error) {
	window, ok := pnlPeriods[period]
	if !ok {
		return PnLReport{}, fmt.Errorf("unknown pnl period %q", period)
	}
	cutoff := time.Time{}
	if window > 0 {
		cutoff = time.Now().Add(-window)
	}

	r := PnLReport{Period: period, RealizedPnL: decimal.Zero, Fees: decimal.Zero}
	for _, p := range m.List(userID) {
		for _, t := range p.Trades {
			if t.Timestamp.Before(cutoff) {
				continue
			}
			r.TradeCount++
			r.Fees = r.Fees.Add(t.Fee)
			if t.Side != "sell" {
				continue
			}
			r.RealizedPnL = r.RealizedPnL.Add(t.RealizedPnL)
			if t.RealizedPnL.IsNegative() {
				r.LosingTrades++
			} else {
				r.WinningTrades++
			}
		}
	}
	return r, nil
}
