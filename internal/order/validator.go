package order

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var pairPattern = regexp.MustCompile(`^[A-Z]{2,10}[/-][A-Z]{2,10}$`)

var (
	validTypes = map[string]bool{TypeMarket: true, TypeLimit: true, TypeStop: true, TypeStopLimit: true, TypeOCO: true}
	validSides = map[string]bool{SideBuy: true, SideSell: true}
	validTIFs  = map[string]bool{TIFGoodTilCancel: true, TIFImmediate: true, TIFFillOrKill: true}

	priceRequired = map[string]bool{TypeLimit: true, TypeStopLimit: true, TypeOCO: true}
	stopRequired  = map[string]bool{TypeStop: true, TypeStopLimit: true, TypeOCO: true}
)

// ValidationError collects every rule the request broke.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("order validation failed: %s", strings.Join(e.Errors, "; "))
}

// ValidatorConfig bounds what an acceptable order looks like.
type ValidatorConfig struct {
	MinOrderAmount  decimal.Decimal `yaml:"min_order_amount"`
	MaxOrderAmount  decimal.Decimal `yaml:"max_order_amount"`
	AmountPrecision int32           `yaml:"amount_precision"`
	MinOrderValue   decimal.Decimal `yaml:"min_order_value"`
	MaxOrderValue   decimal.Decimal `yaml:"max_order_value"`
}

// DefaultValidatorConfig returns the stock bounds.
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		MinOrderAmount:  decimal.RequireFromString("0.0001"),
		MaxOrderAmount:  decimal.NewFromInt(10_000),
		AmountPrecision: 8,
		MinOrderValue:   decimal.NewFromInt(10),
		MaxOrderValue:   decimal.NewFromInt(1_000_000),
	}
}

// Validator applies the order rules pre-create and on update.
type Validator struct {
	cfg ValidatorConfig
}

func NewValidator(cfg ValidatorConfig) *Validator { return &Validator{cfg: cfg} }

// ValidateCreate checks a new order request. Returns *ValidationError listing
// every violation.
func (v *Validator) ValidateCreate(req CreateRequest) error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if req.UserID == "" {
		add("userId is required")
	}
	if req.Exchange == "" {
		add("exchange is required")
	}
	if req.Pair == "" {
		add("pair is required")
	} else if !pairPattern.MatchString(req.Pair) {
		add("pair %q is not in BASE/QUOTE form", req.Pair)
	}
	if req.Type == "" {
		add("type is required")
	} else if !validTypes[req.Type] {
		add("unknown order type %q", req.Type)
	}
	if req.Side == "" {
		add("side is required")
	} else if !validSides[req.Side] {
		add("side must be buy or sell, got %q", req.Side)
	}
	if req.TimeInForce != "" && !validTIFs[req.TimeInForce] {
		add("timeInForce must be GTC, IOC, or FOK, got %q", req.TimeInForce)
	}

	switch {
	case req.Amount.IsZero():
		add("amount is required")
	case !req.Amount.IsPositive():
		add("amount must be positive")
	default:
		if req.Amount.LessThan(v.cfg.MinOrderAmount) || req.Amount.GreaterThan(v.cfg.MaxOrderAmount) {
			add("amount %s outside [%s, %s]", req.Amount, v.cfg.MinOrderAmount, v.cfg.MaxOrderAmount)
		}
		if !req.Amount.Equal(req.Amount.Truncate(v.cfg.AmountPrecision)) {
			add("amount %s exceeds %d decimal places", req.Amount, v.cfg.AmountPrecision)
		}
	}

	if priceRequired[req.Type] {
		if !req.Price.IsPositive() {
			add("price is required for %s orders", req.Type)
		}
	}
	if stopRequired[req.Type] {
		if !req.StopPrice.IsPositive() {
			add("stopPrice is required for %s orders", req.Type)
		}
	}
	if req.Type == TypeStopLimit && req.Price.IsPositive() && req.StopPrice.IsPositive() {
		if req.Side == SideBuy && req.StopPrice.LessThan(req.Price) {
			add("buy stop-limit requires stopPrice >= price")
		}
		if req.Side == SideSell && req.StopPrice.GreaterThan(req.Price) {
			add("sell stop-limit requires stopPrice <= price")
		}
	}

	if req.Price.IsPositive() && req.Amount.IsPositive() {
		value := req.Amount.Mul(req.Price)
		if value.LessThan(v.cfg.MinOrderValue) || value.GreaterThan(v.cfg.MaxOrderValue) {
			add("order value %s outside [%s, %s]", value, v.cfg.MinOrderValue, v.cfg.MaxOrderValue)
		}
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// ValidateUpdate checks an amount change against the live order. Updates may
// only shrink the order and never below what already filled.
func (v *Validator) ValidateUpdate(o *Order, newAmount decimal.Decimal) error {
	if o.IsTerminal() {
		return ErrTerminalOrder
	}
	var errs []string
	if !newAmount.IsPositive() {
		errs = append(errs, "amount must be positive")
	}
	if newAmount.GreaterThan(o.Amount) {
		errs = append(errs, fmt.Sprintf("amount can only decrease (current %s, requested %s)", o.Amount, newAmount))
	}
	if newAmount.LessThan(o.FilledAmount) {
		errs = append(errs, fmt.Sprintf("amount cannot drop below filled %s", o.FilledAmount))
	}
	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}
