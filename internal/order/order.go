// Package order owns the order lifecycle: validation, a single-worker
// submission pipeline, fill accounting, and lifecycle events on the bus.
package order

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Order types.
const (
	TypeMarket    = "market"
	TypeLimit     = "limit"
	TypeStop      = "stop"
	TypeStopLimit = "stop_limit"
	TypeOCO       = "oco"
)

// Sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Time-in-force values.
const (
	TIFGoodTilCancel = "GTC"
	TIFImmediate     = "IOC"
	TIFFillOrKill    = "FOK"
)

// Lifecycle statuses. filled, cancelled, rejected, and expired are terminal.
const (
	StatusPending   = "pending"
	StatusOpen      = "open"
	StatusPartial   = "partial"
	StatusFilled    = "filled"
	StatusCancelled = "cancelled"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
)

var (
	ErrOrderNotFound  = errors.New("order not found")
	ErrNotCancellable = errors.New("order cannot be cancelled in its current status")
	ErrTerminalOrder  = errors.New("order is in a terminal status")
	ErrQueueFull      = errors.New("order queue is full")
)

var terminalStatuses = map[string]bool{
	StatusFilled:    true,
	StatusCancelled: true,
	StatusRejected:  true,
	StatusExpired:   true,
}

var statusTransitions = map[string][]string{
	StatusPending: {StatusOpen, StatusCancelled, StatusRejected, StatusExpired},
	StatusOpen:    {StatusPartial, StatusFilled, StatusCancelled, StatusRejected, StatusExpired},
	StatusPartial: {StatusFilled, StatusCancelled, StatusExpired},
}

func canTransition(from, to string) bool {
	for _, next := range statusTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Fill is one execution appended to an order. Append-only.
type Fill struct {
	ID        string          `json:"id"`
	Price     decimal.Decimal `json:"price"`
	Amount    decimal.Decimal `json:"amount"`
	Fee       decimal.Decimal `json:"fee"`
	Side      string          `json:"side"`
	Timestamp time.Time       `json:"ts"`
}

// Order is a venue order owned by one user.
type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Exchange        string          `json:"exchange"`
	Pair            string          `json:"pair"`
	Type            string          `json:"type"`
	Side            string          `json:"side"`
	Amount          decimal.Decimal `json:"amount"`
	Price           decimal.Decimal `json:"price"`
	StopPrice       decimal.Decimal `json:"stop_price"`
	TimeInForce     string          `json:"tif"`
	Status          string          `json:"status"`
	FilledAmount    decimal.Decimal `json:"filled_amount"`
	RemainingAmount decimal.Decimal `json:"remaining_amount"`
	AveragePrice    decimal.Decimal `json:"average_price"`
	Fee             decimal.Decimal `json:"fee"`
	FeeCurrency     string          `json:"fee_ccy"`
	StrategyID      string          `json:"strategy_id,omitempty"`
	ExternalID      string          `json:"external_id,omitempty"`
	Trades          []Fill          `json:"trades"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	FilledAt        *time.Time      `json:"filled_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
}

// IsTerminal reports whether the order can no longer change state.
func (o *Order) IsTerminal() bool { return terminalStatuses[o.Status] }

// CanCancel reports whether a cancel is still possible.
func (o *Order) CanCancel() bool {
	return o.Status == StatusPending || o.Status == StatusOpen || o.Status == StatusPartial
}

// Value is the notional amount·price; zero for unpriced market orders.
func (o *Order) Value() decimal.Decimal { return o.Amount.Mul(o.Price) }

// applyFill appends one execution and recomputes the derived amounts. The
// average price stays the amount-weighted mean of all trade prices, so
// filledAmount + remainingAmount = amount always holds.
func (o *Order) applyFill(f Fill) {
	o.Trades = append(o.Trades, f)
	o.FilledAmount = o.FilledAmount.Add(f.Amount)
	o.RemainingAmount = o.Amount.Sub(o.FilledAmount)
	o.Fee = o.Fee.Add(f.Fee)

	notional := decimal.Zero
	for _, t := range o.Trades {
		notional = notional.Add(t.Price.Mul(t.Amount))
	}
	if o.FilledAmount.IsPositive() {
		o.AveragePrice = notional.Div(o.FilledAmount)
	}
}

func (o *Order) clone() *Order {
	cp := *o
	cp.Trades = append([]Fill(nil), o.Trades...)
	if o.FilledAt != nil {
		t := *o.FilledAt
		cp.FilledAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		cp.CancelledAt = &t
	}
	return &cp
}
