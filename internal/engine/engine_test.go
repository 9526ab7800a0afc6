package engine_test

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/account-engine/internal/account"
	"github.com/atmx/account-engine/internal/engine"
	"github.com/atmx/account-engine/internal/market"
	"github.com/atmx/account-engine/internal/model"
	"github.com/atmx/account-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func ptr(v decimal.Decimal) *decimal.Decimal { return &v }

var testNow = time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)

// newTestEngine creates an engine over a freshly seeded in-memory store.
func newTestEngine(t *testing.T) (*engine.Engine, *account.Store, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	clock := func() time.Time { return testNow }
	st := account.NewStore(ms, "test:account", market.SeedAccount, account.WithClock(clock))
	cat := market.NewDefaultCatalog(testNow)
	return engine.New(st, cat, engine.WithClock(clock)), st, ms
}

func marketOrder(action model.Action, side model.Side, shares, price float64) engine.OrderInput {
	return engine.OrderInput{
		MarketID:      "m1",
		YesPrice:      d(price),
		Action:        action,
		Side:          side,
		OrderType:     model.OrderMarket,
		ExecSidePrice: d(price),
		Shares:        d(shares),
	}
}

func stateJSON(t *testing.T, st model.AccountState) string {
	t.Helper()
	b, err := json.Marshal(st)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}
	return string(b)
}

// --- Scenarios ---

func TestPlaceOrder_MarketBuy(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	before := eng.Snapshot()

	id, err := eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideYes, 100, 0.40))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == "" {
		t.Error("expected non-empty order id")
	}

	after := eng.Snapshot()
	if !after.CashUSD.Equal(d(459.60)) {
		t.Errorf("expected cash 459.60, got %s", after.CashUSD)
	}

	pos, ok := eng.PositionForSide("m1", model.SideYes)
	if !ok {
		t.Fatal("expected an OPEN YES position on m1")
	}
	if !pos.Shares.Equal(d(100)) || !pos.AvgPrice.Equal(d(0.40)) || pos.Status != model.PositionOpen {
		t.Errorf("unexpected position %+v", pos)
	}

	if got := len(after.Trades) - len(before.Trades); got != 1 {
		t.Errorf("expected 1 new trade, got %d", got)
	}
	if got := len(after.Transactions) - len(before.Transactions); got != 2 {
		t.Fatalf("expected 2 new transactions, got %d", got)
	}
	types := map[model.TransactionType]decimal.Decimal{}
	for _, tx := range after.Transactions[:2] {
		types[tx.Type] = tx.AmountUSD
	}
	if !types[model.TxTrade].Equal(d(-40)) {
		t.Errorf("expected TRADE -40, got %s", types[model.TxTrade])
	}
	if !types[model.TxTradeFee].Equal(d(-0.40)) {
		t.Errorf("expected TRADE_FEE -0.40, got %s", types[model.TxTradeFee])
	}
	if after.Trades[0].ID != id {
		t.Errorf("newest trade should be the fill %s, got %s", id, after.Trades[0].ID)
	}
}

func TestPlaceOrder_MarketSellClosesPosition(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if _, err := eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideYes, 100, 0.40)); err != nil {
		t.Fatalf("buy failed: %v", err)
	}
	if _, err := eng.PlaceOrder(marketOrder(model.ActionSell, model.SideYes, 100, 0.50)); err != nil {
		t.Fatalf("sell failed: %v", err)
	}

	st := eng.Snapshot()
	if !st.CashUSD.Equal(d(509.10)) {
		t.Errorf("expected cash 509.10, got %s", st.CashUSD)
	}
	if _, ok := eng.PositionForSide("m1", model.SideYes); ok {
		t.Error("position should no longer be OPEN")
	}

	var closed *model.Position
	for i := range st.Positions {
		if st.Positions[i].MarketID == "m1" {
			closed = &st.Positions[i]
		}
	}
	if closed == nil {
		t.Fatal("closed position should remain in history")
	}
	if closed.Status != model.PositionClosed || !closed.Shares.IsZero() {
		t.Errorf("expected CLOSED with 0 shares, got %s %s", closed.Status, closed.Shares)
	}
	if !st.Transactions[1].AmountUSD.Equal(d(49.50)) {
		t.Errorf("expected TRADE +49.50, got %s (%s)", st.Transactions[1].AmountUSD, st.Transactions[1].Type)
	}
}

func TestPlaceOrder_SellWithoutPosition(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	before := stateJSON(t, eng.Snapshot())

	_, err := eng.PlaceOrder(marketOrder(model.ActionSell, model.SideYes, 1000, 0.40))
	if !errors.Is(err, engine.ErrNotEnoughShares) {
		t.Fatalf("expected ErrNotEnoughShares, got %v", err)
	}
	if err.Error() != "Not enough shares" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if after := stateJSON(t, eng.Snapshot()); after != before {
		t.Error("failed order must not change state")
	}
}

func TestLimitBuy_CancelRefundsReservation(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	startCash := eng.Snapshot().CashUSD

	in := marketOrder(model.ActionBuy, model.SideYes, 50, 0.20)
	in.OrderType = model.OrderLimit
	id, err := eng.PlaceOrder(in)
	if err != nil {
		t.Fatalf("limit buy failed: %v", err)
	}

	st := eng.Snapshot()
	if !st.CashUSD.Equal(startCash.Sub(d(10.10))) {
		t.Errorf("expected 10.10 reserved, cash now %s", st.CashUSD)
	}
	var order *model.OpenOrder
	for i := range st.OpenOrders {
		if st.OpenOrders[i].ID == id {
			order = &st.OpenOrders[i]
		}
	}
	if order == nil {
		t.Fatal("expected resting order")
	}
	if order.ReservedCashUSD == nil || !order.ReservedCashUSD.Equal(d(10.10)) || order.ReservedShares != nil {
		t.Errorf("unexpected reservation on %+v", order)
	}
	if st.Transactions[0].Type != model.TxOrderPlace || !st.Transactions[0].AmountUSD.IsZero() {
		t.Errorf("expected informational ORDER_PLACE, got %+v", st.Transactions[0])
	}
	if _, ok := eng.PositionForSide("m1", model.SideYes); ok {
		t.Error("a resting order must not create a position")
	}

	if err := eng.CancelOrder(id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	st = eng.Snapshot()
	if !st.CashUSD.Equal(startCash) {
		t.Errorf("expected cash restored to %s, got %s", startCash, st.CashUSD)
	}
	for _, o := range st.OpenOrders {
		if o.ID == id {
			t.Error("cancelled order still resting")
		}
	}
	if st.Transactions[0].Type != model.TxOrderCancel || !st.Transactions[0].AmountUSD.IsZero() {
		t.Errorf("expected ORDER_CANCEL with zero amount, got %+v", st.Transactions[0])
	}
}

func TestWithdraw_MoreThanBalance(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	before := eng.Snapshot()

	if eng.Withdraw(before.CashUSD.Add(d(0.01))) {
		t.Fatal("withdraw above balance should fail")
	}
	if !eng.Snapshot().CashUSD.Equal(before.CashUSD) {
		t.Error("cash changed after failed withdraw")
	}
	if len(eng.Snapshot().Transactions) != len(before.Transactions) {
		t.Error("failed withdraw appended a transaction")
	}
}

// --- Validation ---

func TestPlaceOrder_ValidationOrder(t *testing.T) {
	tests := []struct {
		name string
		in   engine.OrderInput
		want error
	}{
		{
			name: "zero shares wins over bad price",
			in:   marketOrder(model.ActionBuy, model.SideYes, 0, 1.5),
			want: engine.ErrInvalidShares,
		},
		{
			name: "negative shares",
			in:   marketOrder(model.ActionSell, model.SideNo, -3, 0.5),
			want: engine.ErrInvalidShares,
		},
		{
			name: "price at zero",
			in:   marketOrder(model.ActionBuy, model.SideYes, 10, 0),
			want: engine.ErrInvalidPrice,
		},
		{
			name: "price at one",
			in:   marketOrder(model.ActionBuy, model.SideYes, 10, 1),
			want: engine.ErrInvalidPrice,
		},
		{
			name: "price wins over balance",
			in:   marketOrder(model.ActionBuy, model.SideYes, 1e9, 1),
			want: engine.ErrInvalidPrice,
		},
		{
			name: "market buy over balance",
			in:   marketOrder(model.ActionBuy, model.SideYes, 5000, 0.5),
			want: engine.ErrInsufficientBalance,
		},
		{
			name: "unknown side",
			in:   marketOrder(model.ActionBuy, model.Side("MAYBE"), 10, 0.5),
			want: engine.ErrInvalidOrder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng, _, _ := newTestEngine(t)
			_, err := eng.PlaceOrder(tt.in)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestPlaceOrder_LimitUsesLimitPrice(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	in := marketOrder(model.ActionBuy, model.SideNo, 10, 0.60)
	in.OrderType = model.OrderLimit
	in.LimitSidePrice = ptr(d(1.2))
	if _, err := eng.PlaceOrder(in); !errors.Is(err, engine.ErrInvalidPrice) {
		t.Fatalf("expected the limit price to be validated, got %v", err)
	}

	in.LimitSidePrice = ptr(d(0.55))
	id, err := eng.PlaceOrder(in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, o := range eng.Snapshot().OpenOrders {
		if o.ID == id && !o.LimitPrice.Equal(d(0.55)) {
			t.Errorf("expected limit price 0.55, got %s", o.LimitPrice)
		}
	}
}

func TestPlaceOrder_LimitBuyInsufficientBalance(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	cash := eng.Snapshot().CashUSD

	// cash / 0.5 shares cost exactly cash in notional, plus a fee on top.
	in := marketOrder(model.ActionBuy, model.SideYes, cash.Div(d(0.5)).InexactFloat64(), 0.5)
	in.OrderType = model.OrderLimit
	if _, err := eng.PlaceOrder(in); !errors.Is(err, engine.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

// --- Positions ---

func TestMarketBuy_AveragePrice(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if _, err := eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideNo, 30, 0.25)); err != nil {
		t.Fatal(err)
	}
	if _, err := eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideNo, 70, 0.45)); err != nil {
		t.Fatal(err)
	}

	pos, ok := eng.PositionForSide("m1", model.SideNo)
	if !ok {
		t.Fatal("expected OPEN NO position")
	}
	want := d(0.25*30 + 0.45*70).Div(d(100))
	if pos.AvgPrice.Sub(want).Abs().GreaterThan(model.Epsilon) {
		t.Errorf("expected avg %s, got %s", want, pos.AvgPrice)
	}
	if !pos.Shares.Equal(d(100)) {
		t.Errorf("expected 100 shares, got %s", pos.Shares)
	}
}

func TestMarketBuy_ReopensAfterClose(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideYes, 10, 0.40))
	eng.PlaceOrder(marketOrder(model.ActionSell, model.SideYes, 10, 0.40))
	eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideYes, 5, 0.30))

	open := 0
	for _, p := range eng.Snapshot().Positions {
		if p.MarketID == "m1" && p.Side == model.SideYes && p.Status == model.PositionOpen {
			open++
			if !p.AvgPrice.Equal(d(0.30)) {
				t.Errorf("reopened position should start fresh, avg %s", p.AvgPrice)
			}
		}
	}
	if open != 1 {
		t.Errorf("expected exactly one OPEN position, got %d", open)
	}
}

func TestPosition_EitherSide(t *testing.T) {
	eng, _, _ := newTestEngine(t)

	if _, ok := eng.Position("m1"); ok {
		t.Fatal("no position expected before trading")
	}
	eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideNo, 10, 0.40))
	p, ok := eng.Position("m1")
	if !ok || p.Side != model.SideNo {
		t.Errorf("expected the NO position, got %+v ok=%v", p, ok)
	}
}

// --- Limit sell reservation ---

func TestLimitSell_EscrowsShares(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideYes, 100, 0.40))
	cash := eng.Snapshot().CashUSD

	in := marketOrder(model.ActionSell, model.SideYes, 60, 0.70)
	in.OrderType = model.OrderLimit
	id, err := eng.PlaceOrder(in)
	if err != nil {
		t.Fatalf("limit sell failed: %v", err)
	}

	st := eng.Snapshot()
	if !st.CashUSD.Equal(cash) {
		t.Errorf("limit sell must not move cash: %s -> %s", cash, st.CashUSD)
	}
	pos, _ := eng.PositionForSide("m1", model.SideYes)
	if !pos.Shares.Equal(d(40)) {
		t.Errorf("expected 40 shares left, got %s", pos.Shares)
	}

	// Escrowed shares are not available to a second sell.
	if _, err := eng.PlaceOrder(marketOrder(model.ActionSell, model.SideYes, 41, 0.5)); !errors.Is(err, engine.ErrNotEnoughShares) {
		t.Errorf("expected ErrNotEnoughShares, got %v", err)
	}

	if err := eng.CancelOrder(id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	pos, _ = eng.PositionForSide("m1", model.SideYes)
	if !pos.Shares.Equal(d(100)) {
		t.Errorf("expected shares restored to 100, got %s", pos.Shares)
	}
	if !pos.AvgPrice.Equal(d(0.40)) {
		t.Errorf("avg price should be unchanged, got %s", pos.AvgPrice)
	}
}

func TestLimitSell_CancelAfterPositionClosed(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideYes, 50, 0.40))

	in := marketOrder(model.ActionSell, model.SideYes, 50, 0.90)
	in.OrderType = model.OrderLimit
	id, err := eng.PlaceOrder(in)
	if err != nil {
		t.Fatalf("limit sell failed: %v", err)
	}
	if _, ok := eng.PositionForSide("m1", model.SideYes); ok {
		t.Fatal("escrowing every share should close the position")
	}

	if err := eng.CancelOrder(id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	pos, ok := eng.PositionForSide("m1", model.SideYes)
	if !ok {
		t.Fatal("cancel should reopen the position")
	}
	if !pos.Shares.Equal(d(50)) || !pos.AvgPrice.Equal(d(0.40)) {
		t.Errorf("expected 50 @ 0.40, got %s @ %s", pos.Shares, pos.AvgPrice)
	}
}

func TestCancelOrder_NotFound(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	before := stateJSON(t, eng.Snapshot())

	if err := eng.CancelOrder("nope"); !errors.Is(err, engine.ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
	if stateJSON(t, eng.Snapshot()) != before {
		t.Error("state changed on unknown cancel")
	}
}

func TestCancelOrder_SeedOrders(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	cash := eng.Snapshot().CashUSD

	if err := eng.CancelOrder("seed-ord-1"); err != nil {
		t.Fatal(err)
	}
	if !eng.Snapshot().CashUSD.Equal(cash.Add(d(15.15))) {
		t.Errorf("expected 15.15 refunded, got %s", eng.Snapshot().CashUSD)
	}

	if err := eng.CancelOrder("seed-ord-2"); err != nil {
		t.Fatal(err)
	}
	pos, _ := eng.PositionForSide("fed-cut-dec", model.SideYes)
	if !pos.Shares.Equal(d(160)) {
		t.Errorf("expected 160 shares after returning escrow, got %s", pos.Shares)
	}
}

// --- Wallet ---

func TestDepositWithdraw(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	cash := eng.Snapshot().CashUSD

	if err := eng.Deposit(d(0)); !errors.Is(err, engine.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
	if err := eng.Deposit(d(25.5)); err != nil {
		t.Fatal(err)
	}
	st := eng.Snapshot()
	if !st.CashUSD.Equal(cash.Add(d(25.5))) {
		t.Errorf("deposit not credited: %s", st.CashUSD)
	}
	if st.Transactions[0].Type != model.TxDeposit || !st.Transactions[0].AmountUSD.Equal(d(25.5)) {
		t.Errorf("unexpected deposit line %+v", st.Transactions[0])
	}

	if eng.Withdraw(d(-1)) {
		t.Error("negative withdraw should fail")
	}
	if !eng.Withdraw(st.CashUSD) {
		t.Fatal("withdrawing the full balance should succeed")
	}
	st = eng.Snapshot()
	if !st.CashUSD.IsZero() {
		t.Errorf("expected zero cash, got %s", st.CashUSD)
	}
	if st.Transactions[0].Type != model.TxWithdrawal || !st.Transactions[0].AmountUSD.IsNegative() {
		t.Errorf("unexpected withdrawal line %+v", st.Transactions[0])
	}
}

// --- Reset ---

func TestReset_SameShape(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideYes, 100, 0.40))
	eng.Deposit(d(1000))

	eng.Reset()
	first := eng.Snapshot()
	eng.Reset()
	second := eng.Snapshot()

	if !first.CashUSD.Equal(market.SeedCashUSD) || !second.CashUSD.Equal(market.SeedCashUSD) {
		t.Errorf("reset should restore seed cash, got %s and %s", first.CashUSD, second.CashUSD)
	}
	if len(first.Positions) != len(second.Positions) || len(first.OpenOrders) != len(second.OpenOrders) {
		t.Error("two resets should produce the same shape")
	}
	if _, ok := eng.PositionForSide("m1", model.SideYes); ok {
		t.Error("reset should drop trading activity")
	}
}

// --- Ledger labels and retention ---

func TestTransactions_LabelledWithQuestion(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	in := marketOrder(model.ActionBuy, model.SideYes, 10, 0.62)
	in.MarketID = "fed-cut-dec"
	if _, err := eng.PlaceOrder(in); err != nil {
		t.Fatal(err)
	}

	q, _ := market.NewDefaultCatalog(testNow).Question("fed-cut-dec")
	note := eng.Snapshot().Transactions[1].Note
	if want := "Bought 10 YES @ 0.62 · " + q; note != want {
		t.Errorf("expected note %q, got %q", want, note)
	}
}

func TestHistory_Capped(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.Deposit(d(100000))

	for i := 0; i < model.MaxTrades+20; i++ {
		if _, err := eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideYes, 1, 0.5)); err != nil {
			t.Fatalf("buy %d: %v", i, err)
		}
	}
	st := eng.Snapshot()
	if len(st.Trades) != model.MaxTrades {
		t.Errorf("expected %d trades, got %d", model.MaxTrades, len(st.Trades))
	}
	if len(st.Transactions) != model.MaxTransactions {
		t.Errorf("expected %d transactions, got %d", model.MaxTransactions, len(st.Transactions))
	}
}

// --- Persistence interaction ---

func TestPlaceOrder_PersistFailureStillCommits(t *testing.T) {
	eng, _, ms := newTestEngine(t)
	eng.Snapshot() // seed and persist while saves still work
	ms.FailSaves = true

	if _, err := eng.PlaceOrder(marketOrder(model.ActionBuy, model.SideYes, 100, 0.40)); err != nil {
		t.Fatalf("persistence failure must not fail the order: %v", err)
	}
	if !eng.Snapshot().CashUSD.Equal(d(459.60)) {
		t.Errorf("in-memory commit lost: %s", eng.Snapshot().CashUSD)
	}
}

func TestSubscribe_NotifiedOnCommit(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.Snapshot()

	var seen []decimal.Decimal
	unsubscribe := eng.Subscribe(func(st model.AccountState) {
		seen = append(seen, st.CashUSD)
	})

	eng.Deposit(d(10))
	unsubscribe()
	unsubscribe()
	eng.Deposit(d(10))

	if len(seen) != 1 || !seen[0].Equal(d(510)) {
		t.Errorf("expected one notification with 510, got %v", seen)
	}
}

// --- Portfolio ---

func TestPortfolio_MarksPositions(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	cat := market.NewDefaultCatalog(testNow)
	if err := cat.SetYesPrice("nyc-snow-dec", d(0.32)); err != nil {
		t.Fatal(err)
	}

	pf := eng.Portfolio(cat)
	if len(pf.Positions) != 3 {
		t.Fatalf("expected 3 seed positions, got %d", len(pf.Positions))
	}
	for _, pv := range pf.Positions {
		if pv.MarketID != "nyc-snow-dec" {
			continue
		}
		// 200 shares bought at 0.22, marked at 0.32.
		if !pv.UnrealizedPnL.Equal(d(20)) {
			t.Errorf("expected +20 unrealized, got %s", pv.UnrealizedPnL)
		}
		if pv.Question == "" {
			t.Error("expected question label")
		}
	}
	if !pf.ReservedCashUSD.Equal(d(15.15)) {
		t.Errorf("expected 15.15 reserved, got %s", pf.ReservedCashUSD)
	}
	want := pf.CashUSD.Add(pf.ReservedCashUSD).Add(pf.TotalValue)
	if !pf.Equity.Equal(want) {
		t.Errorf("equity %s != %s", pf.Equity, want)
	}
}

func ExampleEngine_PlaceOrder() {
	st := account.NewStore(store.NewMemoryStore(), "example", market.SeedAccount)
	eng := engine.New(st, nil)

	_, err := eng.PlaceOrder(engine.OrderInput{
		MarketID:      "m1",
		YesPrice:      decimal.RequireFromString("0.40"),
		Action:        model.ActionBuy,
		Side:          model.SideYes,
		OrderType:     model.OrderMarket,
		ExecSidePrice: decimal.RequireFromString("0.40"),
		Shares:        decimal.NewFromInt(100),
	})
	fmt.Println(err, eng.Snapshot().CashUSD.StringFixed(2))
	// Output: <nil> 459.60
}
