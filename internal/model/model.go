// Package model defines the core domain types shared across the account engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is one of the two complementary outcomes of a binary contract.
type Side string

const (
	SideYes Side = "YES"
	SideNo  Side = "NO"
)

// Valid reports whether s is YES or NO.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// Action is the direction of an order.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Valid reports whether a is BUY or SELL.
func (a Action) Valid() bool { return a == ActionBuy || a == ActionSell }

// OrderType selects immediate (MARKET) or resting (LIMIT) execution.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// Valid reports whether t is MARKET or LIMIT.
func (t OrderType) Valid() bool { return t == OrderMarket || t == OrderLimit }

// PositionStatus tracks whether a position still holds shares.
type PositionStatus string

const (
	PositionOpen   PositionStatus = "OPEN"
	PositionClosed PositionStatus = "CLOSED"
)

// Valid reports whether s is OPEN or CLOSED.
func (s PositionStatus) Valid() bool { return s == PositionOpen || s == PositionClosed }

// TransactionType classifies a ledger line.
type TransactionType string

const (
	TxDeposit     TransactionType = "DEPOSIT"
	TxWithdrawal  TransactionType = "WITHDRAWAL"
	TxTrade       TransactionType = "TRADE"
	TxTradeFee    TransactionType = "TRADE_FEE"
	TxOrderPlace  TransactionType = "ORDER_PLACE"
	TxOrderCancel TransactionType = "ORDER_CANCEL"
)

// Valid reports whether t is one of the known ledger entry types.
func (t TransactionType) Valid() bool {
	switch t {
	case TxDeposit, TxWithdrawal, TxTrade, TxTradeFee, TxOrderPlace, TxOrderCancel:
		return true
	}
	return false
}

// Retention caps for the append-only histories.
const (
	MaxTrades       = 200
	MaxTransactions = 300
)

var (
	// Epsilon is the tolerance used for balance checks and for treating a
	// position as fully closed.
	Epsilon = decimal.New(1, -9)

	One = decimal.NewFromInt(1)
)

// Position is the accumulated stake in one (market, side) pair.
// At most one OPEN position exists per pair.
type Position struct {
	ID        string          `json:"id"`
	MarketID  string          `json:"marketId"`
	Side      Side            `json:"side"`
	Shares    decimal.Decimal `json:"shares"`
	AvgPrice  decimal.Decimal `json:"avgPrice"`
	Status    PositionStatus  `json:"status"`
	OpenedAt  time.Time       `json:"openedAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// OpenOrder is a resting LIMIT order. Exactly one of ReservedCashUSD and
// ReservedShares is set: cash for BUY, shares for SELL.
type OpenOrder struct {
	ID               string           `json:"id"`
	MarketID         string           `json:"marketId"`
	Action           Action           `json:"action"`
	Side             Side             `json:"side"`
	LimitPrice       decimal.Decimal  `json:"limitPrice"`
	Shares           decimal.Decimal  `json:"shares"`
	CreatedAt        time.Time        `json:"createdAt"`
	ReservedCashUSD  *decimal.Decimal `json:"reservedCashUsd,omitempty"`
	ReservedShares   *decimal.Decimal `json:"reservedShares,omitempty"`
	ReservedAvgPrice *decimal.Decimal `json:"reservedAvgPrice,omitempty"`
}

// RecentTrade is an immutable record of an executed fill.
type RecentTrade struct {
	ID       string          `json:"id"`
	MarketID string          `json:"marketId"`
	TS       time.Time       `json:"ts"`
	Action   Action          `json:"action"`
	Side     Side            `json:"side"`
	Price    decimal.Decimal `json:"price"`
	Shares   decimal.Decimal `json:"shares"`
}

// Transaction is an immutable ledger line. AmountUSD is signed and zero
// for informational entries.
type Transaction struct {
	ID        string          `json:"id"`
	TS        time.Time       `json:"ts"`
	Type      TransactionType `json:"type"`
	AmountUSD decimal.Decimal `json:"amountUsd"`
	Note      string          `json:"note"`
	MarketID  string          `json:"marketId,omitempty"`
}

// AccountState is the single unit of atomic mutation and persistence.
// Histories are kept newest-first.
type AccountState struct {
	CashUSD      decimal.Decimal `json:"cashUsd"`
	Positions    []Position      `json:"positions"`
	OpenOrders   []OpenOrder     `json:"openOrders"`
	Trades       []RecentTrade   `json:"trades"`
	Transactions []Transaction   `json:"transactions"`
}

// Clone returns a deep copy so a mutation never touches a published snapshot.
func (s AccountState) Clone() AccountState {
	out := AccountState{
		CashUSD:      s.CashUSD,
		Positions:    append([]Position{}, s.Positions...),
		OpenOrders:   make([]OpenOrder, len(s.OpenOrders)),
		Trades:       append([]RecentTrade{}, s.Trades...),
		Transactions: append([]Transaction{}, s.Transactions...),
	}
	for i, o := range s.OpenOrders {
		out.OpenOrders[i] = o.clone()
	}
	return out
}

func (o OpenOrder) clone() OpenOrder {
	c := o
	if o.ReservedCashUSD != nil {
		v := *o.ReservedCashUSD
		c.ReservedCashUSD = &v
	}
	if o.ReservedShares != nil {
		v := *o.ReservedShares
		c.ReservedShares = &v
	}
	if o.ReservedAvgPrice != nil {
		v := *o.ReservedAvgPrice
		c.ReservedAvgPrice = &v
	}
	return c
}

// PrependTrade adds t as the newest trade and enforces MaxTrades.
func (s *AccountState) PrependTrade(t RecentTrade) {
	s.Trades = append([]RecentTrade{t}, s.Trades...)
	if len(s.Trades) > MaxTrades {
		s.Trades = s.Trades[:MaxTrades]
	}
}

// PrependTransactions adds txs (given oldest-first) as the newest entries
// and enforces MaxTransactions.
func (s *AccountState) PrependTransactions(txs ...Transaction) {
	head := make([]Transaction, 0, len(txs)+len(s.Transactions))
	for i := len(txs) - 1; i >= 0; i-- {
		head = append(head, txs[i])
	}
	s.Transactions = append(head, s.Transactions...)
	if len(s.Transactions) > MaxTransactions {
		s.Transactions = s.Transactions[:MaxTransactions]
	}
}

// Market is the read-only market data consumed by the engine: used to label
// transactions and to mark positions for unrealized P&L.
type Market struct {
	ID         string          `json:"id"`
	Question   string          `json:"question"`
	YesPrice   decimal.Decimal `json:"yesPrice"`
	Status     string          `json:"status"` // "open", "closed", "resolved"
	Category   string          `json:"category"`
	VolumeUSD  decimal.Decimal `json:"volumeUsd"`
	ResolvesAt time.Time       `json:"resolvesAt"`
}

// Level is one price level of an order book, priced in YES terms.
type Level struct {
	Price  decimal.Decimal `json:"price"`
	Shares decimal.Decimal `json:"shares"`
}

// OrderBook holds YES bids (best first, descending) and YES asks (best
// first, ascending).
type OrderBook struct {
	MarketID string  `json:"marketId"`
	Bids     []Level `json:"bids"`
	Asks     []Level `json:"asks"`
}

// BestBid returns the highest YES bid, if any.
func (b OrderBook) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the lowest YES ask, if any.
func (b OrderBook) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// PositionValue is a marked OPEN position.
type PositionValue struct {
	Position
	Question      string          `json:"question"`
	MarkPrice     decimal.Decimal `json:"markPrice"`
	CostBasis     decimal.Decimal `json:"costBasis"`
	CurrentValue  decimal.Decimal `json:"currentValue"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

// Portfolio aggregates marked positions with wallet totals.
type Portfolio struct {
	CashUSD         decimal.Decimal `json:"cashUsd"`
	ReservedCashUSD decimal.Decimal `json:"reservedCashUsd"`
	Positions       []PositionValue `json:"positions"`
	TotalCostBasis  decimal.Decimal `json:"totalCostBasis"`
	TotalValue      decimal.Decimal `json:"totalValue"`
	TotalUnrealized decimal.Decimal `json:"totalUnrealizedPnl"`
	Equity          decimal.Decimal `json:"equity"` // cash + reserved cash + position value
	OpenOrderCount  int             `json:"openOrderCount"`
}
