package market

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/account-engine/internal/model"
)

// SeedCashUSD is the starting wallet balance of a freshly seeded account.
var SeedCashUSD = decimal.NewFromInt(500)

// SeedAccount generates the deterministic initial account: fixed cash,
// three open positions, one resting order of each action, and the trade
// and transaction history that produced them. Ids are fixed; timestamps
// are relative to now.
func SeedAccount(now time.Time) model.AccountState {
	now = now.UTC()
	d := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }
	ago := func(h int) time.Time { return now.Add(-time.Duration(h) * time.Hour) }
	ptr := func(v decimal.Decimal) *decimal.Decimal { return &v }

	positions := []model.Position{
		{ID: "seed-pos-1", MarketID: "fed-cut-dec", Side: model.SideYes, Shares: d("120"), AvgPrice: d("0.55"), Status: model.PositionOpen, OpenedAt: ago(96), UpdatedAt: ago(20)},
		{ID: "seed-pos-2", MarketID: "btc-100k-eoy", Side: model.SideNo, Shares: d("80"), AvgPrice: d("0.5"), Status: model.PositionOpen, OpenedAt: ago(72), UpdatedAt: ago(72)},
		{ID: "seed-pos-3", MarketID: "nyc-snow-dec", Side: model.SideYes, Shares: d("200"), AvgPrice: d("0.22"), Status: model.PositionOpen, OpenedAt: ago(48), UpdatedAt: ago(48)},
	}

	orders := []model.OpenOrder{
		{ID: "seed-ord-1", MarketID: "cpi-above-3", Action: model.ActionBuy, Side: model.SideYes, LimitPrice: d("0.3"), Shares: d("50"), CreatedAt: ago(10), ReservedCashUSD: ptr(d("15.15"))},
		{ID: "seed-ord-2", MarketID: "fed-cut-dec", Action: model.ActionSell, Side: model.SideYes, LimitPrice: d("0.7"), Shares: d("40"), CreatedAt: ago(20), ReservedShares: ptr(d("40")), ReservedAvgPrice: ptr(d("0.55"))},
	}

	trades := []model.RecentTrade{
		{ID: "seed-trd-1", MarketID: "fed-cut-dec", TS: ago(96), Action: model.ActionBuy, Side: model.SideYes, Price: d("0.55"), Shares: d("160")},
		{ID: "seed-trd-2", MarketID: "btc-100k-eoy", TS: ago(72), Action: model.ActionBuy, Side: model.SideNo, Price: d("0.5"), Shares: d("80")},
		{ID: "seed-trd-3", MarketID: "nyc-snow-dec", TS: ago(48), Action: model.ActionBuy, Side: model.SideYes, Price: d("0.22"), Shares: d("200")},
	}

	txs := []model.Transaction{
		{ID: "seed-tx-1", TS: ago(120), Type: model.TxDeposit, AmountUSD: d("688.87"), Note: "Initial deposit"},
		{ID: "seed-tx-2", TS: ago(96), Type: model.TxTrade, AmountUSD: d("-88"), Note: "Bought 160 YES @ 0.55", MarketID: "fed-cut-dec"},
		{ID: "seed-tx-3", TS: ago(96), Type: model.TxTradeFee, AmountUSD: d("-0.88"), Note: "Trade fee", MarketID: "fed-cut-dec"},
		{ID: "seed-tx-4", TS: ago(72), Type: model.TxTrade, AmountUSD: d("-40"), Note: "Bought 80 NO @ 0.5", MarketID: "btc-100k-eoy"},
		{ID: "seed-tx-5", TS: ago(72), Type: model.TxTradeFee, AmountUSD: d("-0.4"), Note: "Trade fee", MarketID: "btc-100k-eoy"},
		{ID: "seed-tx-6", TS: ago(48), Type: model.TxTrade, AmountUSD: d("-44"), Note: "Bought 200 YES @ 0.22", MarketID: "nyc-snow-dec"},
		{ID: "seed-tx-7", TS: ago(48), Type: model.TxTradeFee, AmountUSD: d("-0.44"), Note: "Trade fee", MarketID: "nyc-snow-dec"},
		{ID: "seed-tx-8", TS: ago(20), Type: model.TxOrderPlace, AmountUSD: decimal.Zero, Note: "Limit SELL 40 YES @ 0.7", MarketID: "fed-cut-dec"},
		{ID: "seed-tx-9", TS: ago(10), Type: model.TxOrderPlace, AmountUSD: decimal.Zero, Note: "Limit BUY 50 YES @ 0.3", MarketID: "cpi-above-3"},
	}

	sort.SliceStable(trades, func(i, j int) bool { return trades[i].TS.After(trades[j].TS) })
	sort.SliceStable(txs, func(i, j int) bool { return txs[i].TS.After(txs[j].TS) })
	if len(trades) > model.MaxTrades {
		trades = trades[:model.MaxTrades]
	}
	if len(txs) > model.MaxTransactions {
		txs = txs[:model.MaxTransactions]
	}

	return model.AccountState{
		CashUSD:      SeedCashUSD,
		Positions:    positions,
		OpenOrders:   orders,
		Trades:       trades,
		Transactions: txs,
	}
}
