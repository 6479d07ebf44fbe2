package position

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Manager owns the position table keyed by userId:exchange:asset.
type Manager struct {
	mu        sync.Mutex
	positions map[string]*Position
}

func NewManager() *Manager {
	return &Manager{positions: make(map[string]*Position)}
}

func (m *Manager) get(userID, exchange, asset string) (*Position, bool) {
	p, ok := m.positions[Key(userID, exchange, asset)]
	return p, ok
}

func (m *Manager) getOrCreate(userID, exchange, asset string) *Position {
	key := Key(userID, exchange, asset)
	p, ok := m.positions[key]
	if !ok {
		now := time.Now()
		p = &Position{
			UserID: userID, Exchange: exchange, Asset: asset,
			TotalAmount: decimal.Zero, AvailableAmount: decimal.Zero, LockedAmount: decimal.Zero,
			AverageEntryPrice: decimal.Zero, TotalCost: decimal.Zero,
			RealizedPnL: decimal.Zero, UnrealizedPnL: decimal.Zero, TotalFees: decimal.Zero,
			CreatedAt: now, UpdatedAt: now,
		}
		m.positions[key] = p
	}
	return p
}

// UpdateFromTrade applies one fill and returns the updated position copy.
func (m *Manager) UpdateFromTrade(userID, exchange, asset string, t Trade) (*Position, error) {
	if !t.Amount.IsPositive() || !t.Price.IsPositive() {
		return nil, fmt.Errorf("trade amount and price must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.getOrCreate(userID, exchange, asset)
	switch t.Side {
	case "buy":
		p.applyBuy(t)
	case "sell":
		if t.Amount.GreaterThan(p.TotalAmount) {
			return nil, fmt.Errorf("%w: have %s, selling %s", ErrInsufficientAmount, p.TotalAmount, t.Amount)
		}
		if t.Amount.GreaterThan(p.AvailableAmount) {
			return nil, fmt.Errorf("%w: available %s, selling %s", ErrInsufficientAvailable, p.AvailableAmount, t.Amount)
		}
		applied := p.applySell(t)
		log.Debug().Str("user", userID).Str("asset", asset).
			Str("realized", applied.RealizedPnL.String()).Msg("realized pnl on sell")
	default:
		return nil, fmt.Errorf("unknown trade side %q", t.Side)
	}
	p.UpdatedAt = time.Now()
	return p.clone(), nil
}

// Lock moves amount from available to locked.
func (m *Manager) Lock(userID, exchange, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.get(userID, exchange, asset)
	if !ok {
		return ErrPositionNotFound
	}
	if amount.GreaterThan(p.AvailableAmount) {
		return fmt.Errorf("%w: available %s, locking %s", ErrInsufficientAvailable, p.AvailableAmount, amount)
	}
	p.AvailableAmount = p.AvailableAmount.Sub(amount)
	p.LockedAmount = p.LockedAmount.Add(amount)
	p.UpdatedAt = time.Now()
	return nil
}

// Unlock moves amount from locked back to available.
func (m *Manager) Unlock(userID, exchange, asset string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.get(userID, exchange, asset)
	if !ok {
		return ErrPositionNotFound
	}
	if amount.GreaterThan(p.LockedAmount) {
		return fmt.Errorf("%w: locked %s, unlocking %s", ErrInsufficientLocked, p.LockedAmount, amount)
	}
	p.LockedAmount = p.LockedAmount.Sub(amount)
	p.AvailableAmount = p.AvailableAmount.Add(amount)
	p.UpdatedAt = time.Now()
	return nil
}

// UpdateUnrealizedPnL marks the position to the given price.
func (m *Manager) UpdateUnrealizedPnL(userID, exchange, asset string, price decimal.Decimal) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.get(userID, exchange, asset)
	if !ok {
		return nil, ErrPositionNotFound
	}
	if p.TotalAmount.IsPositive() {
		p.UnrealizedPnL = p.TotalAmount.Mul(price).Sub(p.TotalCost)
	} else {
		p.UnrealizedPnL = decimal.Zero
	}
	p.UpdatedAt = time.Now()
	return p.clone(), nil
}

// Get returns a copy of one position.
func (m *Manager) Get(userID, exchange, asset string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.get(userID, exchange, asset)
	if !ok {
		return nil, ErrPositionNotFound
	}
	return p.clone(), nil
}

// List returns copies of all of a user's positions.
func (m *Manager) List(userID string) []*Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Position, 0)
	for _, p := range m.positions {
		if p.UserID == userID {
			out = append(out, p.clone())
		}
	}
	return out
}
