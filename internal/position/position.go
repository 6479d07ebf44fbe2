// Package position tracks per-user holdings with decimal cost-basis
// accounting: buys fold fees into the average entry price, sells realize
// P&L against it.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrPositionNotFound      = errors.New("position not found")
	ErrInsufficientAmount    = errors.New("insufficient position amount")
	ErrInsufficientAvailable = errors.New("insufficient available amount")
	ErrInsufficientLocked    = errors.New("insufficient locked amount")
)

// Trade is one fill applied to a position. RealizedPnL is set by the manager
// on sells.
type Trade struct {
	Side        string          `json:"side"`
	Amount      decimal.Decimal `json:"amount"`
	Price       decimal.Decimal `json:"price"`
	Fee         decimal.Decimal `json:"fee"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
	Timestamp   time.Time       `json:"ts"`
}

// Position is one user's holding of one asset on one exchange.
type Position struct {
	UserID            string          `json:"user_id"`
	Exchange          string          `json:"exchange"`
	Asset             string          `json:"asset"`
	TotalAmount       decimal.Decimal `json:"total_amount"`
	AvailableAmount   decimal.Decimal `json:"available_amount"`
	LockedAmount      decimal.Decimal `json:"locked_amount"`
	AverageEntryPrice decimal.Decimal `json:"average_entry_price"`
	TotalCost         decimal.Decimal `json:"total_cost"`
	RealizedPnL       decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL     decimal.Decimal `json:"unrealized_pnl"`
	TotalFees         decimal.Decimal `json:"total_fees"`
	Trades            []Trade         `json:"trades"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Key is the composite map key for a position.
func Key(userID, exchange, asset string) string {
	return fmt.Sprintf("%s:%s:%s", userID, exchange, asset)
}

func (p *Position) clone() *Position {
	cp := *p
	cp.Trades = append([]Trade(nil), p.Trades...)
	return &cp
}

// applyBuy folds the fee into cost so the average entry reflects the true
// acquisition price.
func (p *Position) applyBuy(t Trade) {
	cost := t.Amount.Mul(t.Price).Add(t.Fee)
	newTotal := p.TotalAmount.Add(t.Amount)
	p.AverageEntryPrice = p.TotalCost.Add(cost).Div(newTotal)
	p.TotalAmount = newTotal
	p.AvailableAmount = p.AvailableAmount.Add(t.Amount)
	p.TotalCost = p.TotalCost.Add(cost)
	p.TotalFees = p.TotalFees.Add(t.Fee)
	p.Trades = append(p.Trades, t)
}

// applySell realizes P&L against the average entry cost basis. The average
// entry price itself is unchanged by sells.
func (p *Position) applySell(t Trade) Trade {
	costBasis := t.Amount.Mul(p.AverageEntryPrice)
	t.RealizedPnL = t.Amount.Mul(t.Price).Sub(t.Fee).Sub(costBasis)

	p.TotalAmount = p.TotalAmount.Sub(t.Amount)
	p.AvailableAmount = p.AvailableAmount.Sub(t.Amount)
	p.TotalCost = decimal.Max(decimal.Zero, p.TotalCost.Sub(costBasis))
	p.RealizedPnL = p.RealizedPnL.Add(t.RealizedPnL)
	p.TotalFees = p.TotalFees.Add(t.Fee)
	p.Trades = append(p.Trades, t)
	return t
}
