// Package engine implements the mock order engine: validation and execution
// of MARKET and LIMIT orders against the account state, collateral
// reservation for resting orders, cancellation refunds, and wallet moves.
//
// Every operation runs as a single account.Store update: validation happens
// before any mutation, and a failed operation leaves the state untouched.
// All monetary values use shopspring/decimal.
package engine

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/account-engine/internal/account"
	"github.com/atmx/account-engine/internal/metrics"
	"github.com/atmx/account-engine/internal/model"
	"github.com/atmx/account-engine/internal/pricing"
)

// Lookup resolves a market id to its question, for labelling ledger lines.
type Lookup interface {
	Question(marketID string) (string, bool)
}

// MarketSource provides current market quotes for marking positions.
type MarketSource interface {
	Get(id string) (model.Market, error)
}

// OrderInput is a proposed order as confirmed in the ticket. ExecSidePrice
// is the fill price from pricing.ExecutionPrice; LimitSidePrice, when set,
// is the resting price of a LIMIT order.
type OrderInput struct {
	MarketID       string
	YesPrice       decimal.Decimal
	Action         model.Action
	Side           model.Side
	OrderType      model.OrderType
	ExecSidePrice  decimal.Decimal
	LimitSidePrice *decimal.Decimal
	Shares         decimal.Decimal
}

// Engine executes account operations. It holds no state of its own.
type Engine struct {
	store  *account.Store
	lookup Lookup
	now    func() time.Time
	newID  func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the wall clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDs overrides id generation.
func WithIDs(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// New creates an engine over st. lookup may be nil.
func New(st *account.Store, lookup Lookup, opts ...Option) *Engine {
	e := &Engine{
		store:  st,
		lookup: lookup,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Snapshot returns the current account state (read-only).
func (e *Engine) Snapshot() model.AccountState { return e.store.Snapshot() }

// Subscribe registers a listener for state changes.
func (e *Engine) Subscribe(l account.Listener) func() { return e.store.Subscribe(l) }

// PlaceOrder validates and executes an order, returning the id of the
// resting order (LIMIT) or of the fill (MARKET). Validation failures are
// *OrderError values and leave the state unchanged.
func (e *Engine) PlaceOrder(in OrderInput) (string, error) {
	id, err := e.placeOrder(in)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(Code(err)).Inc()
		slog.Info("order rejected",
			"market", in.MarketID,
			"type", in.OrderType,
			"action", in.Action,
			"side", in.Side,
			"shares", in.Shares.String(),
			"code", Code(err),
		)
		return "", err
	}
	metrics.OrdersTotal.WithLabelValues(string(in.OrderType), string(in.Action)).Inc()
	return id, nil
}

func (e *Engine) placeOrder(in OrderInput) (string, error) {
	if in.MarketID == "" || !in.Action.Valid() || !in.Side.Valid() || !in.OrderType.Valid() {
		return "", ErrInvalidOrder
	}
	// 1. Shares.
	if !in.Shares.IsPositive() {
		return "", ErrInvalidShares
	}
	// 2. Price strictly inside (0, 1).
	price := in.ExecSidePrice
	if in.OrderType == model.OrderLimit && in.LimitSidePrice != nil {
		price = *in.LimitSidePrice
	}
	if !price.IsPositive() || price.GreaterThanOrEqual(model.One) {
		return "", ErrInvalidPrice
	}

	notional := in.Shares.Mul(price)
	fee := pricing.EstimateFee(notional)
	id := e.newID()
	now := e.now().UTC()

	_, err := e.store.Update(func(st model.AccountState) (model.AccountState, error) {
		// 3-6. Balance and holdings, re-checked against the state being
		// mutated.
		switch in.Action {
		case model.ActionBuy:
			if notional.Add(fee).GreaterThan(st.CashUSD.Add(model.Epsilon)) {
				return st, ErrInsufficientBalance
			}
		case model.ActionSell:
			if idx := openPositionIndex(st, in.MarketID, in.Side); idx < 0 ||
				st.Positions[idx].Shares.Add(model.Epsilon).LessThan(in.Shares) {
				return st, ErrNotEnoughShares
			}
		}

		switch {
		case in.OrderType == model.OrderLimit && in.Action == model.ActionBuy:
			e.limitBuy(&st, id, now, in, price, notional.Add(fee))
		case in.OrderType == model.OrderLimit:
			e.limitSell(&st, id, now, in, price)
		case in.Action == model.ActionBuy:
			e.marketBuy(&st, id, now, in, price, notional, fee)
		default:
			e.marketSell(&st, id, now, in, price, notional, fee)
		}
		return st, nil
	})
	if err != nil {
		return "", err
	}

	slog.Info("order placed",
		"id", id,
		"market", in.MarketID,
		"type", in.OrderType,
		"action", in.Action,
		"side", in.Side,
		"shares", in.Shares.String(),
		"price", price.String(),
		"notional", notional.String(),
		"fee", fee.String(),
	)
	return id, nil
}

// limitBuy reserves notional+fee from cash and rests the order.
func (e *Engine) limitBuy(st *model.AccountState, id string, now time.Time, in OrderInput, price, reserve decimal.Decimal) {
	st.CashUSD = nonNegative(st.CashUSD.Sub(reserve))
	st.OpenOrders = append(st.OpenOrders, model.OpenOrder{
		ID:              id,
		MarketID:        in.MarketID,
		Action:          model.ActionBuy,
		Side:            in.Side,
		LimitPrice:      price,
		Shares:          in.Shares,
		CreatedAt:       now,
		ReservedCashUSD: &reserve,
	})
	st.PrependTransactions(e.tx(now, model.TxOrderPlace, decimal.Zero, in.MarketID,
		fmt.Sprintf("Limit BUY %s %s @ %s (reserved $%s)", in.Shares, in.Side, price, reserve.StringFixed(2))))
}

// limitSell escrows the shares out of the OPEN position and rests the
// order. No trade or fee is booked at placement.
func (e *Engine) limitSell(st *model.AccountState, id string, now time.Time, in OrderInput, price decimal.Decimal) {
	idx := openPositionIndex(*st, in.MarketID, in.Side)
	avg := st.Positions[idx].AvgPrice
	reduceShares(st, idx, in.Shares, now)

	reserved := in.Shares
	st.OpenOrders = append(st.OpenOrders, model.OpenOrder{
		ID:               id,
		MarketID:         in.MarketID,
		Action:           model.ActionSell,
		Side:             in.Side,
		LimitPrice:       price,
		Shares:           in.Shares,
		CreatedAt:        now,
		ReservedShares:   &reserved,
		ReservedAvgPrice: &avg,
	})
	st.PrependTransactions(e.tx(now, model.TxOrderPlace, decimal.Zero, in.MarketID,
		fmt.Sprintf("Limit SELL %s %s @ %s", in.Shares, in.Side, price)))
}

// marketBuy debits notional+fee and upserts the position with a
// shares-weighted average price.
func (e *Engine) marketBuy(st *model.AccountState, id string, now time.Time, in OrderInput, price, notional, fee decimal.Decimal) {
	st.CashUSD = nonNegative(st.CashUSD.Sub(notional.Add(fee)))
	addShares(st, in.MarketID, in.Side, in.Shares, price, now, e.newID)

	st.PrependTrade(model.RecentTrade{
		ID:       id,
		MarketID: in.MarketID,
		TS:       now,
		Action:   model.ActionBuy,
		Side:     in.Side,
		Price:    price,
		Shares:   in.Shares,
	})
	st.PrependTransactions(
		e.tx(now, model.TxTrade, notional.Neg(), in.MarketID,
			fmt.Sprintf("Bought %s %s @ %s", in.Shares, in.Side, price)),
		e.tx(now, model.TxTradeFee, fee.Neg(), in.MarketID, "Trade fee"),
	)
}

// marketSell reduces the position and credits max(0, notional-fee).
func (e *Engine) marketSell(st *model.AccountState, id string, now time.Time, in OrderInput, price, notional, fee decimal.Decimal) {
	idx := openPositionIndex(*st, in.MarketID, in.Side)
	reduceShares(st, idx, in.Shares, now)

	proceeds := decimal.Max(decimal.Zero, notional.Sub(fee))
	st.CashUSD = st.CashUSD.Add(proceeds)

	st.PrependTrade(model.RecentTrade{
		ID:       id,
		MarketID: in.MarketID,
		TS:       now,
		Action:   model.ActionSell,
		Side:     in.Side,
		Price:    price,
		Shares:   in.Shares,
	})
	st.PrependTransactions(
		e.tx(now, model.TxTrade, proceeds, in.MarketID,
			fmt.Sprintf("Sold %s %s @ %s", in.Shares, in.Side, price)),
		e.tx(now, model.TxTradeFee, fee.Neg(), in.MarketID, "Trade fee"),
	)
}

// CancelOrder removes a resting order and returns its reservation: cash to
// the wallet, or shares to the OPEN position for the order's market and
// side. When that position has since closed a new OPEN position is opened
// at the reservation's average price.
func (e *Engine) CancelOrder(orderID string) error {
	now := e.now().UTC()
	var cancelled model.OpenOrder

	_, err := e.store.Update(func(st model.AccountState) (model.AccountState, error) {
		idx := -1
		for i, o := range st.OpenOrders {
			if o.ID == orderID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return st, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		o := st.OpenOrders[idx]
		cancelled = o
		st.OpenOrders = append(st.OpenOrders[:idx], st.OpenOrders[idx+1:]...)

		note := fmt.Sprintf("Cancelled limit %s %s %s @ %s", o.Action, o.Shares, o.Side, o.LimitPrice)
		switch {
		case o.ReservedCashUSD != nil:
			st.CashUSD = st.CashUSD.Add(*o.ReservedCashUSD)
			note += fmt.Sprintf(" (refunded $%s)", o.ReservedCashUSD.StringFixed(2))
		case o.ReservedShares != nil:
			avg := o.LimitPrice
			if o.ReservedAvgPrice != nil {
				avg = *o.ReservedAvgPrice
			}
			addShares(&st, o.MarketID, o.Side, *o.ReservedShares, avg, now, e.newID)
			note += fmt.Sprintf(" (returned %s shares)", o.ReservedShares)
		}
		st.PrependTransactions(e.tx(now, model.TxOrderCancel, decimal.Zero, o.MarketID, note))
		return st, nil
	})
	if err != nil {
		return err
	}

	metrics.OrderCancels.Inc()
	slog.Info("order cancelled", "id", orderID, "market", cancelled.MarketID, "action", cancelled.Action)
	return nil
}

// Deposit credits amount to the wallet.
func (e *Engine) Deposit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		metrics.WalletOps.WithLabelValues("deposit", "rejected").Inc()
		return ErrInvalidAmount
	}
	now := e.now().UTC()
	_, err := e.store.Update(func(st model.AccountState) (model.AccountState, error) {
		st.CashUSD = st.CashUSD.Add(amount)
		st.PrependTransactions(e.tx(now, model.TxDeposit, amount, "", "Deposit"))
		return st, nil
	})
	if err != nil {
		return err
	}
	metrics.WalletOps.WithLabelValues("deposit", "ok").Inc()
	slog.Info("deposit", "amount", amount.String())
	return nil
}

// Withdraw debits amount from the wallet. It reports false, without
// mutating anything, when amount is not positive or exceeds the balance.
func (e *Engine) Withdraw(amount decimal.Decimal) bool {
	now := e.now().UTC()
	_, err := e.store.Update(func(st model.AccountState) (model.AccountState, error) {
		if !amount.IsPositive() || amount.GreaterThan(st.CashUSD.Add(model.Epsilon)) {
			return st, ErrInvalidAmount
		}
		st.CashUSD = nonNegative(st.CashUSD.Sub(amount))
		st.PrependTransactions(e.tx(now, model.TxWithdrawal, amount.Neg(), "", "Withdrawal"))
		return st, nil
	})
	if err != nil {
		metrics.WalletOps.WithLabelValues("withdraw", "rejected").Inc()
		return false
	}
	metrics.WalletOps.WithLabelValues("withdraw", "ok").Inc()
	slog.Info("withdrawal", "amount", amount.String())
	return true
}

// Reset replaces the whole account with a freshly generated seed.
func (e *Engine) Reset() {
	e.store.Reset()
	slog.Info("account reset")
}

// Position returns the first OPEN position in marketID, either side.
func (e *Engine) Position(marketID string) (model.Position, bool) {
	st := e.store.Snapshot()
	for _, p := range st.Positions {
		if p.MarketID == marketID && p.Status == model.PositionOpen {
			return p, true
		}
	}
	return model.Position{}, false
}

// PositionForSide returns the OPEN position for (marketID, side).
func (e *Engine) PositionForSide(marketID string, side model.Side) (model.Position, bool) {
	st := e.store.Snapshot()
	if idx := openPositionIndex(st, marketID, side); idx >= 0 {
		return st.Positions[idx], true
	}
	return model.Position{}, false
}

// Portfolio marks every OPEN position at its market's current side price.
// Positions in markets the source does not know are marked at cost.
func (e *Engine) Portfolio(markets MarketSource) model.Portfolio {
	st := e.store.Snapshot()

	pf := model.Portfolio{
		CashUSD:        st.CashUSD,
		Positions:      []model.PositionValue{},
		OpenOrderCount: len(st.OpenOrders),
	}
	for _, o := range st.OpenOrders {
		if o.ReservedCashUSD != nil {
			pf.ReservedCashUSD = pf.ReservedCashUSD.Add(*o.ReservedCashUSD)
		}
	}

	for _, p := range st.Positions {
		if p.Status != model.PositionOpen {
			continue
		}
		pv := model.PositionValue{Position: p, MarkPrice: p.AvgPrice}
		if m, err := markets.Get(p.MarketID); err == nil {
			pv.Question = m.Question
			pv.MarkPrice = pricing.SidePriceFromYes(m.YesPrice, p.Side)
		}
		pv.CostBasis = p.Shares.Mul(p.AvgPrice)
		pv.CurrentValue = p.Shares.Mul(pv.MarkPrice)
		pv.UnrealizedPnL = pv.CurrentValue.Sub(pv.CostBasis)

		pf.TotalCostBasis = pf.TotalCostBasis.Add(pv.CostBasis)
		pf.TotalValue = pf.TotalValue.Add(pv.CurrentValue)
		pf.TotalUnrealized = pf.TotalUnrealized.Add(pv.UnrealizedPnL)
		pf.Positions = append(pf.Positions, pv)
	}
	pf.Equity = pf.CashUSD.Add(pf.ReservedCashUSD).Add(pf.TotalValue)
	return pf
}

// tx builds a ledger line, appending the market question to note when the
// lookup knows it.
func (e *Engine) tx(now time.Time, typ model.TransactionType, amount decimal.Decimal, marketID, note string) model.Transaction {
	if marketID != "" && e.lookup != nil {
		if q, ok := e.lookup.Question(marketID); ok {
			note = note + " · " + q
		}
	}
	return model.Transaction{
		ID:        e.newID(),
		TS:        now,
		Type:      typ,
		AmountUSD: amount,
		Note:      note,
		MarketID:  marketID,
	}
}

// --- position helpers ---

func openPositionIndex(st model.AccountState, marketID string, side model.Side) int {
	for i, p := range st.Positions {
		if p.MarketID == marketID && p.Side == side && p.Status == model.PositionOpen {
			return i
		}
	}
	return -1
}

// addShares adds shares at price to the OPEN position for (marketID, side),
// recomputing the weighted average, or opens a new position.
func addShares(st *model.AccountState, marketID string, side model.Side, shares, price decimal.Decimal, now time.Time, newID func() string) {
	if idx := openPositionIndex(*st, marketID, side); idx >= 0 {
		p := st.Positions[idx]
		total := p.Shares.Add(shares)
		p.AvgPrice = p.AvgPrice.Mul(p.Shares).Add(price.Mul(shares)).Div(total)
		p.Shares = total
		p.UpdatedAt = now
		st.Positions[idx] = p
		return
	}
	st.Positions = append(st.Positions, model.Position{
		ID:        newID(),
		MarketID:  marketID,
		Side:      side,
		Shares:    shares,
		AvgPrice:  price,
		Status:    model.PositionOpen,
		OpenedAt:  now,
		UpdatedAt: now,
	})
}

// reduceShares removes shares from the position at idx, closing it when
// what remains is within Epsilon of zero.
func reduceShares(st *model.AccountState, idx int, shares decimal.Decimal, now time.Time) {
	p := st.Positions[idx]
	p.Shares = p.Shares.Sub(shares)
	if p.Shares.LessThanOrEqual(model.Epsilon) {
		p.Shares = decimal.Zero
		p.Status = model.PositionClosed
	}
	p.UpdatedAt = now
	st.Positions[idx] = p
}

func nonNegative(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	return v
}
