// Package cashback computes the reward for an approved receipt.
package cashback

import (
	"math"

	"github.com/shopspring/decimal"
)

// CardType is the tier of a user's card
type CardType string

const (
	CardStandard CardType = "STANDARD"
	CardPremium  CardType = "PREMIUM"
	CardPlatinum CardType = "PLATINUM"
)

// Valid reports whether c is a known tier
func (c CardType) Valid() bool {
	switch c {
	case CardStandard, CardPremium, CardPlatinum:
		return true
	}
	return false
}

// Policy defaults for venues that have no configuration of their own.
const (
	DefaultBasePercent    = 5.0
	DefaultPremiumBonus   = 2.0
	DefaultPlatinumBonus  = 5.0
	DefaultMaxPerReceipt  = 50.0
	DefaultMaxScansPerDay = 10
)

// Params are the inputs to Compute. Zero-valued optional fields mean the
// value was not provided.
type Params struct {
	Amount      float64
	BasePercent float64
	CardType    CardType

	PremiumBonus  float64
	PlatinumBonus float64

	// MaxPerTransaction caps the amount after rounding.
	MaxPerTransaction float64
	// OfferDiscount is an active offer's extra percent.
	OfferDiscount float64
}

// Result is the percent applied and the awarded amount in currency units
type Result struct {
	Percent float64 `json:"cashbackPercent"`
	Amount  float64 `json:"cashbackAmount"`
}

// Compute returns amount * percent / 100 rounded half-up to cents, then
// capped. The percent is the base plus the card tier bonus plus any offer
// discount.
// Non-finite inputs count as zero.
func Compute(p Params) Result {
	p.Amount = finite(p.Amount)
	p.BasePercent = finite(p.BasePercent)
	p.PremiumBonus = finite(p.PremiumBonus)
	p.PlatinumBonus = finite(p.PlatinumBonus)
	p.MaxPerTransaction = finite(p.MaxPerTransaction)
	p.OfferDiscount = finite(p.OfferDiscount)

	percent := decimal.NewFromFloat(p.BasePercent)
	switch p.CardType {
	case CardPremium:
		percent = percent.Add(decimal.NewFromFloat(p.PremiumBonus))
	case CardPlatinum:
		percent = percent.Add(decimal.NewFromFloat(p.PlatinumBonus))
	}
	if p.OfferDiscount != 0 {
		percent = percent.Add(decimal.NewFromFloat(p.OfferDiscount))
	}

	amount := decimal.NewFromFloat(p.Amount).
		Mul(percent).
		Div(decimal.NewFromInt(100)).
		Round(2)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	if p.MaxPerTransaction > 0 {
		limit := decimal.NewFromFloat(p.MaxPerTransaction)
		if amount.GreaterThan(limit) {
			amount = limit
		}
	}

	return Result{
		Percent: percent.InexactFloat64(),
		Amount:  amount.InexactFloat64(),
	}
}

func finite(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
