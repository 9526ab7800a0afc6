package market

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/account-engine/internal/model"
)

const bookDepth = 5

var (
	tick     = decimal.New(1, -2)
	minLevel = decimal.New(1, -2)
	maxLevel = decimal.New(99, -2)
)

// SyntheticBook builds a deterministic YES order book around the market's
// quoted probability: a one-tick spread straddling the quote, bookDepth
// levels per side, with size growing away from the touch. Levels that would
// fall outside [0.01, 0.99] are dropped.
func SyntheticBook(m model.Market) model.OrderBook {
	mid := m.YesPrice.Round(2)
	book := model.OrderBook{
		MarketID: m.ID,
		Bids:     make([]model.Level, 0, bookDepth),
		Asks:     make([]model.Level, 0, bookDepth),
	}

	base := decimal.NewFromInt(150)
	for i := 0; i < bookDepth; i++ {
		offset := tick.Mul(decimal.NewFromInt(int64(i)))
		size := base.Mul(decimal.NewFromInt(int64(i + 1)))

		bid := mid.Sub(tick).Sub(offset)
		if bid.GreaterThanOrEqual(minLevel) {
			book.Bids = append(book.Bids, model.Level{Price: bid, Shares: size})
		}
		ask := mid.Add(offset)
		if ask.LessThanOrEqual(maxLevel) && ask.GreaterThanOrEqual(minLevel) {
			book.Asks = append(book.Asks, model.Level{Price: ask, Shares: size})
		}
	}
	return book
}
