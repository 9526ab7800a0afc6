// Package market provides the read-only mock market data the account engine
// consumes: a catalog of binary markets, synthetic order books around each
// market's quoted probability, and the deterministic seed account.
package market

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/account-engine/internal/model"
)

var (
	ErrMarketNotFound = errors.New("market: not found")
	ErrInvalidPrice   = errors.New("market: yes price must be within (0, 1)")
)

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	Category string
	Query    string // case-insensitive substring of the question
	Status   string
}

// Catalog is an in-memory market directory safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	markets map[string]*model.Market
}

// NewCatalog creates a catalog holding copies of markets.
func NewCatalog(markets []model.Market) *Catalog {
	c := &Catalog{markets: make(map[string]*model.Market, len(markets))}
	for _, m := range markets {
		copy := m
		c.markets[m.ID] = &copy
	}
	return c
}

// NewDefaultCatalog returns a catalog of the built-in mock markets, with
// resolution dates relative to now.
func NewDefaultCatalog(now time.Time) *Catalog {
	return NewCatalog(DefaultMarkets(now))
}

// Get returns a copy of the market with the given id.
func (c *Catalog) Get(id string) (model.Market, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.markets[id]
	if !ok {
		return model.Market{}, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return *m, nil
}

// Question returns the human-readable question for a market id.
func (c *Catalog) Question(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.markets[id]
	if !ok {
		return "", false
	}
	return m.Question, true
}

// List returns markets matching f, highest volume first.
func (c *Catalog) List(f Filter) []model.Market {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q := strings.ToLower(strings.TrimSpace(f.Query))
	out := make([]model.Market, 0, len(c.markets))
	for _, m := range c.markets {
		if f.Category != "" && !strings.EqualFold(m.Category, f.Category) {
			continue
		}
		if f.Status != "" && !strings.EqualFold(m.Status, f.Status) {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(m.Question), q) {
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].VolumeUSD.Equal(out[j].VolumeUSD) {
			return out[i].VolumeUSD.GreaterThan(out[j].VolumeUSD)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SetYesPrice updates the quoted YES probability of a market.
func (c *Catalog) SetYesPrice(id string, p decimal.Decimal) error {
	if !p.IsPositive() || p.GreaterThanOrEqual(model.One) {
		return ErrInvalidPrice
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.markets[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	m.YesPrice = p
	return nil
}

// Book returns the synthetic order book for a market.
func (c *Catalog) Book(id string) (model.OrderBook, error) {
	m, err := c.Get(id)
	if err != nil {
		return model.OrderBook{}, err
	}
	return SyntheticBook(m), nil
}

// DefaultMarkets is the built-in mock market list.
func DefaultMarkets(now time.Time) []model.Market {
	day := 24 * time.Hour
	mk := func(id, q, cat string, yes, vol float64, in time.Duration) model.Market {
		return model.Market{
			ID:         id,
			Question:   q,
			YesPrice:   decimal.NewFromFloat(yes),
			Status:     "open",
			Category:   cat,
			VolumeUSD:  decimal.NewFromFloat(vol),
			ResolvesAt: now.Add(in).UTC().Truncate(time.Hour),
		}
	}
	return []model.Market{
		mk("fed-cut-dec", "Will the Fed cut rates at the December meeting?", "Economics", 0.62, 1_842_300, 45*day),
		mk("cpi-above-3", "Will CPI YoY print above 3.0% next month?", "Economics", 0.34, 612_450, 30*day),
		mk("btc-100k-eoy", "Will Bitcoin close the year above $100k?", "Crypto", 0.47, 2_301_900, 75*day),
		mk("eth-etf-flows", "Will spot ETH ETFs see net inflows this week?", "Crypto", 0.55, 210_700, 6*day),
		mk("nyc-snow-dec", "Will Central Park record measurable snow in December?", "Climate", 0.28, 98_250, 60*day),
		mk("hurricane-cat4", "Will a Category 4+ hurricane make US landfall this season?", "Climate", 0.19, 341_800, 40*day),
		mk("senate-bill-ai", "Will the Senate pass the AI disclosure bill this session?", "Politics", 0.12, 155_600, 90*day),
		mk("oscars-best-pic", "Will a streaming release win Best Picture?", "Culture", 0.38, 77_300, 150*day),
	}
}
