package book

import (
	"math"

	"github.com/shopspring/decimal"
)

// Tick is a discrete price level. Ticks are ordered like integers and map to
// prices through Price = 1.0001^tick.
type Tick int32

const (
	MinTick Tick = -524287
	MaxTick Tick = 524287
)

const (
	// priceScale is the number of decimal places kept in a tick price.
	priceScale = 40
	// powScale bounds intermediate products while raising the tick base.
	powScale = 64
)

// tickBase is the price ratio between two adjacent ticks.
var tickBase = decimal.New(10001, -4)

var logTickBase = math.Log(tickBase.InexactFloat64())

// Valid reports whether t is inside [MinTick, MaxTick].
func (t Tick) Valid() bool {
	return t >= MinTick && t <= MaxTick
}

// Price returns the quote price of one base unit at t, rounded to
// priceScale decimal places.
func (t Tick) Price() decimal.Decimal {
	return tickPrice(t)
}

// tickPrice raises tickBase to t by squaring, truncating each product to
// powScale places. Negative ticks invert the positive power.
func tickPrice(t Tick) decimal.Decimal {
	exp := int64(t)
	negative := exp < 0
	if negative {
		exp = -exp
	}

	result, n := decimal.NewFromInt(1), tickBase
	for exp > 0 {
		if exp&1 == 1 {
			result = result.Mul(n).Truncate(powScale)
		}
		exp >>= 1
		if exp > 0 {
			n = n.Mul(n).Truncate(powScale)
		}
	}

	if negative {
		return decimal.NewFromInt(1).DivRound(result, priceScale)
	}
	return result.Round(priceScale)
}

// PriceToTick returns the greatest tick whose price is not above price.
// Prices outside the tick range are clamped to MinTick or MaxTick.
func PriceToTick(price decimal.Decimal) (Tick, error) {
	if !price.IsPositive() {
		return 0, ErrInvalidParam
	}
	if price.LessThanOrEqual(tickPrice(MinTick)) {
		return MinTick, nil
	}
	if price.GreaterThanOrEqual(tickPrice(MaxTick)) {
		return MaxTick, nil
	}

	// float estimate, settled against exact tick prices
	t := Tick(math.Floor(math.Log(price.InexactFloat64()) / logTickBase))
	t = max(MinTick, min(MaxTick, t))
	for t > MinTick && tickPrice(t).GreaterThan(price) {
		t--
	}
	for t < MaxTick && tickPrice(t+1).LessThanOrEqual(price) {
		t++
	}
	return t, nil
}
