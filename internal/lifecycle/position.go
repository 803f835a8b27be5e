package lifecycle

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Position is the fill-derived part of a script's state.
type Position struct {
	Quantity      int64
	AvgPrice      decimal.Decimal
	LastBuyPrice  decimal.Decimal
	TradeCount    int
	PartialExited bool
}

// Fill is one executed order applied to a position.
type Fill struct {
	Side     string // BUY | SELL
	Quantity int64
	Price    decimal.Decimal
}

// AveragingPolicy computes the average entry price after a buy fill.
type AveragingPolicy interface {
	Name() string
	Average(prevAvg decimal.Decimal, prevQty int64, price decimal.Decimal, qty int64) decimal.Decimal
}

// WeightedAverage is (prevAvg*prevQty + price*qty) / (prevQty+qty).
type WeightedAverage struct{}

func (WeightedAverage) Name() string { return "weighted" }

func (WeightedAverage) Average(prevAvg decimal.Decimal, prevQty int64, price decimal.Decimal, qty int64) decimal.Decimal {
	total := prevQty + qty
	if total <= 0 {
		return decimal.Zero
	}
	cost := prevAvg.Mul(decimal.NewFromInt(prevQty)).Add(price.Mul(decimal.NewFromInt(qty)))
	return cost.DivRound(decimal.NewFromInt(total), 4)
}

// LastFill resets the average to the most recent fill price.
type LastFill struct{}

func (LastFill) Name() string { return "last_fill" }

func (LastFill) Average(_ decimal.Decimal, _ int64, price decimal.Decimal, _ int64) decimal.Decimal {
	return price
}

// PolicyByName resolves an averaging policy from configuration.
func PolicyByName(name string) (AveragingPolicy, error) {
	switch name {
	case "", "weighted":
		return WeightedAverage{}, nil
	case "last_fill":
		return LastFill{}, nil
	}
	return nil, fmt.Errorf("unknown averaging policy %q", name)
}

// ApplyFill returns the position after a fill. Sells never move the average price.
func ApplyFill(pos Position, f Fill, policy AveragingPolicy) (Position, error) {
	if f.Quantity <= 0 {
		return pos, fmt.Errorf("fill quantity must be positive, got %d", f.Quantity)
	}
	if !f.Price.IsPositive() {
		return pos, fmt.Errorf("fill price must be positive, got %s", f.Price)
	}
	switch f.Side {
	case "BUY":
		pos.AvgPrice = policy.Average(pos.AvgPrice, pos.Quantity, f.Price, f.Quantity)
		pos.Quantity += f.Quantity
		pos.LastBuyPrice = f.Price
		pos.TradeCount++
		pos.PartialExited = false
	case "SELL":
		if f.Quantity > pos.Quantity {
			return pos, fmt.Errorf("sell of %d exceeds held quantity %d", f.Quantity, pos.Quantity)
		}
		pos.Quantity -= f.Quantity
		pos.TradeCount++
		pos.PartialExited = pos.Quantity > 0
	default:
		return pos, fmt.Errorf("unknown fill side %q", f.Side)
	}
	return pos, nil
}
