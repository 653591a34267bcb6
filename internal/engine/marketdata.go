package engine

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/launchex/exchange/internal/models"
)

// Ticker is the derived market summary for one pair. BestBid/BestAsk are
// zero when the corresponding side of the book is empty; HasBid/HasAsk
// disambiguate.
type Ticker struct {
	Pair      string          `json:"pair"`
	BestBid   decimal.Decimal `json:"best_bid"`
	BestAsk   decimal.Decimal `json:"best_ask"`
	HasBid    bool            `json:"has_bid"`
	HasAsk    bool            `json:"has_ask"`
	LastPrice decimal.Decimal `json:"last_price"`
	Volume    decimal.Decimal `json:"volume"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type tradePoint struct {
	at     time.Time
	amount decimal.Decimal
}

// MarketData caches per-pair tickers and a rolling trade window. Refresh is
// called synchronously from the lane after every mutating operation, so a
// cached read always reflects a completed operation, never a torn state.
type MarketData struct {
	mu      sync.RWMutex
	window  time.Duration
	tickers map[string]Ticker
	recent  map[string][]tradePoint
	now     func() time.Time
}

// NewMarketData creates an aggregator with the given rolling-volume window.
func NewMarketData(window time.Duration) *MarketData {
	return &MarketData{
		window:  window,
		tickers: make(map[string]Ticker),
		recent:  make(map[string][]tradePoint),
		now:     time.Now,
	}
}

// Refresh recomputes the ticker for a pair from the book and the trades the
// completing operation produced. The caller holds the pair's lane, so the
// book is stable for the duration of the call.
func (m *MarketData) Refresh(book *OrderBook, trades []models.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pair := book.Pair()
	now := m.now()
	t := m.tickers[pair]
	t.Pair = pair
	t.UpdatedAt = now

	if best := book.Best(models.SideBuy); best != nil {
		t.BestBid, t.HasBid = best.Price, true
	} else {
		t.BestBid, t.HasBid = decimal.Zero, false
	}
	if best := book.Best(models.SideSell); best != nil {
		t.BestAsk, t.HasAsk = best.Price, true
	} else {
		t.BestAsk, t.HasAsk = decimal.Zero, false
	}

	points := m.recent[pair]
	for _, trade := range trades {
		t.LastPrice = trade.Price
		points = append(points, tradePoint{at: trade.ExecutedAt, amount: trade.Amount})
	}

	cutoff := now.Add(-m.window)
	pruned := points[:0]
	volume := decimal.Zero
	for _, p := range points {
		if p.at.Before(cutoff) {
			continue
		}
		pruned = append(pruned, p)
		volume = volume.Add(p.amount)
	}
	m.recent[pair] = pruned
	t.Volume = volume
	m.tickers[pair] = t
}

// Ticker returns the cached ticker for a pair, and whether one exists.
func (m *MarketData) Ticker(pair string) (Ticker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tickers[pair]
	return t, ok
}
