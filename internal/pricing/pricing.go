// Package pricing implements the fee model and execution-price selection
// shared by the order ticket preview and the order engine. Both callers
// must go through these functions so a confirmed quote is always the fill
// the engine books.
//
// All functions are pure. Monetary values use shopspring/decimal.
package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/account-engine/internal/model"
)

var (
	// FeeRate is the proportional trading fee.
	FeeRate = decimal.NewFromFloat(0.01)

	// MinFee is the fee floor for any non-zero notional.
	MinFee = decimal.NewFromFloat(0.10)

	// feeBreakeven is the notional at which FeeRate overtakes MinFee.
	feeBreakeven = MinFee.Div(FeeRate)

	cent = decimal.New(1, -2)
)

// EstimateFee returns max(MinFee, notional*FeeRate) for a positive
// notional and zero otherwise.
func EstimateFee(notional decimal.Decimal) decimal.Decimal {
	if !notional.IsPositive() {
		return decimal.Zero
	}
	return decimal.Max(MinFee, notional.Mul(FeeRate))
}

// ClampProbability bounds p to [0, 1].
func ClampProbability(p decimal.Decimal) decimal.Decimal {
	if p.IsNegative() {
		return decimal.Zero
	}
	if p.GreaterThan(model.One) {
		return model.One
	}
	return p
}

// SidePriceFromYes converts a YES probability into the price of side.
func SidePriceFromYes(yesPrice decimal.Decimal, side model.Side) decimal.Decimal {
	p := ClampProbability(yesPrice)
	if side == model.SideNo {
		return model.One.Sub(p)
	}
	return p
}

// MaxNotionalForBalance returns the largest notional n, rounded down to the
// cent, such that n + EstimateFee(n) <= balance.
//
// Below the breakeven notional the fee is the flat MinFee, so n = balance -
// MinFee; above it the fee is proportional, so n = balance / (1 + FeeRate).
func MaxNotionalForBalance(balance decimal.Decimal) decimal.Decimal {
	if balance.LessThanOrEqual(MinFee) {
		return decimal.Zero
	}
	n := balance.Sub(MinFee)
	if n.GreaterThan(feeBreakeven) {
		n = balance.Div(model.One.Add(FeeRate))
	}
	n = n.RoundFloor(2)
	// Rounding can only lower n, but keep the contract explicit.
	for n.IsPositive() && n.Add(EstimateFee(n)).GreaterThan(balance) {
		n = n.Sub(cent)
	}
	if n.IsNegative() {
		return decimal.Zero
	}
	return n
}

// ExecutionPrice picks the side price a MARKET order fills at: the best
// opposing level of the YES book when one exists, else the quoted YES
// probability converted to the side.
//
//	BUY  YES -> best ask       BUY  NO -> 1 - best bid
//	SELL YES -> best bid       SELL NO -> 1 - best ask
func ExecutionPrice(book model.OrderBook, yesPrice decimal.Decimal, action model.Action, side model.Side) decimal.Decimal {
	var (
		level decimal.Decimal
		ok    bool
	)
	switch {
	case action == model.ActionBuy && side == model.SideYes:
		level, ok = book.BestAsk()
	case action == model.ActionBuy && side == model.SideNo:
		level, ok = book.BestBid()
	case action == model.ActionSell && side == model.SideYes:
		level, ok = book.BestBid()
	default:
		level, ok = book.BestAsk()
	}
	if !ok {
		return SidePriceFromYes(yesPrice, side)
	}
	return SidePriceFromYes(level, side)
}

// QuoteInput describes a proposed order as entered in the ticket.
type QuoteInput struct {
	Action    model.Action
	Side      model.Side
	SidePrice decimal.Decimal
	Shares    decimal.Decimal
	CashUSD   decimal.Decimal
}

// Quote is the cost preview of a proposed order.
type Quote struct {
	SidePrice decimal.Decimal `json:"sidePrice"`
	Shares    decimal.Decimal `json:"shares"`
	Notional  decimal.Decimal `json:"notional"`
	Fee       decimal.Decimal `json:"fee"`
	Total     decimal.Decimal `json:"total"`     // BUY: cash debited
	Proceeds  decimal.Decimal `json:"proceeds"`  // SELL: cash credited
	MaxShares decimal.Decimal `json:"maxShares"` // BUY: affordable whole shares
}

// QuoteOrder computes the preview numbers with the same arithmetic the
// engine books.
func QuoteOrder(in QuoteInput) Quote {
	notional := in.Shares.Mul(in.SidePrice)
	fee := EstimateFee(notional)
	q := Quote{
		SidePrice: in.SidePrice,
		Shares:    in.Shares,
		Notional:  notional,
		Fee:       fee,
	}
	if in.Action == model.ActionSell {
		q.Proceeds = decimal.Max(decimal.Zero, notional.Sub(fee))
		return q
	}
	q.Total = notional.Add(fee)
	if in.SidePrice.IsPositive() {
		q.MaxShares = MaxNotionalForBalance(in.CashUSD).Div(in.SidePrice).Floor()
	}
	return q
}
