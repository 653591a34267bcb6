package engine

import (
	"container/heap"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/launchex/exchange/internal/models"
)

// PriceLevel aggregates resting quantity at one price.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
}

// BookSnapshot is an aggregated depth view of one pair's book. It carries
// no order or user identities.
type BookSnapshot struct {
	Pair string       `json:"pair"`
	Bids []PriceLevel `json:"bids"`
	Asks []PriceLevel `json:"asks"`
}

// OrderBook holds the resting orders of a single trading pair under
// price-time priority. It is not safe for concurrent use; the owning lane
// serializes access.
type OrderBook struct {
	pair    string
	bids    priceTimeQueue
	asks    priceTimeQueue
	entries map[int64]*bookEntry
	seq     int64
}

// NewOrderBook creates an empty book for the given pair symbol.
func NewOrderBook(pair string) *OrderBook {
	b := &OrderBook{
		pair:    pair,
		bids:    priceTimeQueue{},
		asks:    priceTimeQueue{},
		entries: make(map[int64]*bookEntry),
	}
	heap.Init(&b.bids)
	heap.Init(&b.asks)
	return b
}

// Pair returns the symbol this book serves.
func (b *OrderBook) Pair() string { return b.pair }

// Insert adds a resting order to the book. Only open or partial orders for
// the book's own pair are accepted.
func (b *OrderBook) Insert(o *models.Order) error {
	if o.Pair != b.pair {
		return fmt.Errorf("order pair %s does not match book %s: %w", o.Pair, b.pair, ErrUnknownPair)
	}
	if !o.Resting() {
		return fmt.Errorf("order %d has status %s: %w", o.ID, o.Status, ErrInvalidOrder)
	}
	if _, ok := b.entries[o.ID]; ok {
		return fmt.Errorf("order %d already on book: %w", o.ID, ErrInvalidOrder)
	}
	b.seq++
	entry := &bookEntry{order: o, seq: b.seq, bid: o.Side == models.SideBuy}
	if entry.bid {
		heap.Push(&b.bids, entry)
	} else {
		heap.Push(&b.asks, entry)
	}
	b.entries[o.ID] = entry
	return nil
}

// Remove takes an order off the book. Absent orders are a no-op.
func (b *OrderBook) Remove(orderID int64) {
	entry, ok := b.entries[orderID]
	if !ok {
		return
	}
	if entry.bid {
		b.bids.remove(entry)
	} else {
		b.asks.remove(entry)
	}
	delete(b.entries, orderID)
}

// Contains reports whether an order currently rests on the book.
func (b *OrderBook) Contains(orderID int64) bool {
	_, ok := b.entries[orderID]
	return ok
}

// Best returns the top-priority resting order on the given side, or nil.
func (b *OrderBook) Best(side models.Side) *models.Order {
	var entry *bookEntry
	if side == models.SideBuy {
		entry = b.bids.peek()
	} else {
		entry = b.asks.peek()
	}
	if entry == nil {
		return nil
	}
	return entry.order
}

// BestOpposite returns the best-priced, earliest-submitted order on the
// side opposite the given one, or nil if that side is empty.
func (b *OrderBook) BestOpposite(side models.Side) *models.Order {
	return b.Best(side.Opposite())
}

// Depth returns the number of resting orders per side.
func (b *OrderBook) Depth() (bids, asks int) {
	return b.bids.Len(), b.asks.Len()
}

// Snapshot aggregates the book into price levels, at most depth levels per
// side. depth <= 0 means all levels.
func (b *OrderBook) Snapshot(depth int) BookSnapshot {
	return BookSnapshot{
		Pair: b.pair,
		Bids: aggregateLevels(b.bids, depth),
		Asks: aggregateLevels(b.asks, depth),
	}
}

func aggregateLevels(q priceTimeQueue, depth int) []PriceLevel {
	levels := []PriceLevel{}
	for _, entry := range q.sorted() {
		remaining := entry.order.Remaining()
		n := len(levels)
		if n > 0 && levels[n-1].Price.Equal(entry.order.Price) {
			levels[n-1].Amount = levels[n-1].Amount.Add(remaining)
			continue
		}
		if depth > 0 && n == depth {
			break
		}
		levels = append(levels, PriceLevel{Price: entry.order.Price, Amount: remaining})
	}
	return levels
}
