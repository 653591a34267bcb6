package engine

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/launchex/exchange/internal/models"
)

func restingOrder(id int64, side models.Side, price, amount string, at time.Time) *models.Order {
	return &models.Order{
		ID:        id,
		UserID:    id,
		Pair:      "TOK/USD",
		Side:      side,
		Price:     decimal.RequireFromString(price),
		Amount:    decimal.RequireFromString(amount),
		Filled:    decimal.Zero,
		Status:    models.StatusOpen,
		CreatedAt: at,
	}
}

func TestOrderBook_PriceTimePriority(t *testing.T) {
	book := NewOrderBook("TOK/USD")
	base := time.Now()

	// Bids: highest price first, then earliest time.
	bids := []*models.Order{
		restingOrder(1, models.SideBuy, "50000", "0.1", base.Add(-time.Second)),
		restingOrder(2, models.SideBuy, "51000", "0.2", base),
		restingOrder(3, models.SideBuy, "50000", "0.3", base.Add(time.Second)),
	}
	for _, o := range bids {
		if err := book.Insert(o); err != nil {
			t.Fatalf("insert bid %d: %v", o.ID, err)
		}
	}
	if best := book.Best(models.SideBuy); best.ID != 2 {
		t.Errorf("expected highest-priced bid first, got order %d", best.ID)
	}
	book.Remove(2)
	if best := book.Best(models.SideBuy); best.ID != 1 {
		t.Errorf("expected earlier bid at equal price, got order %d", best.ID)
	}

	// Asks: lowest price first, then earliest time.
	asks := []*models.Order{
		restingOrder(4, models.SideSell, "52000", "0.1", base.Add(-time.Second)),
		restingOrder(5, models.SideSell, "51000", "0.2", base),
		restingOrder(6, models.SideSell, "52000", "0.3", base.Add(time.Second)),
	}
	for _, o := range asks {
		if err := book.Insert(o); err != nil {
			t.Fatalf("insert ask %d: %v", o.ID, err)
		}
	}
	if best := book.Best(models.SideSell); best.ID != 5 {
		t.Errorf("expected lowest-priced ask first, got order %d", best.ID)
	}
	book.Remove(5)
	if best := book.Best(models.SideSell); best.ID != 4 {
		t.Errorf("expected earlier ask at equal price, got order %d", best.ID)
	}
}

func TestOrderBook_EqualTimestampFallsBackToSequence(t *testing.T) {
	book := NewOrderBook("TOK/USD")
	at := time.Now()

	first := restingOrder(1, models.SideSell, "100", "1", at)
	second := restingOrder(2, models.SideSell, "100", "1", at)
	if err := book.Insert(first); err != nil {
		t.Fatal(err)
	}
	if err := book.Insert(second); err != nil {
		t.Fatal(err)
	}

	if best := book.Best(models.SideSell); best.ID != 1 {
		t.Errorf("expected insertion order to break timestamp ties, got order %d", best.ID)
	}
}

func TestOrderBook_BestOpposite(t *testing.T) {
	book := NewOrderBook("TOK/USD")
	if got := book.BestOpposite(models.SideBuy); got != nil {
		t.Errorf("expected nil on empty book, got order %d", got.ID)
	}

	book.Insert(restingOrder(1, models.SideSell, "105", "1", time.Now()))
	book.Insert(restingOrder(2, models.SideBuy, "95", "1", time.Now()))

	if got := book.BestOpposite(models.SideBuy); got == nil || got.ID != 1 {
		t.Error("expected best opposite of a buy to be the resting ask")
	}
	if got := book.BestOpposite(models.SideSell); got == nil || got.ID != 2 {
		t.Error("expected best opposite of a sell to be the resting bid")
	}
}

func TestOrderBook_InsertRejectsWrongPair(t *testing.T) {
	book := NewOrderBook("TOK/USD")
	o := restingOrder(1, models.SideBuy, "100", "1", time.Now())
	o.Pair = "OTHER/USD"
	if err := book.Insert(o); !errors.Is(err, ErrUnknownPair) {
		t.Errorf("expected ErrUnknownPair, got %v", err)
	}
}

func TestOrderBook_InsertRejectsNonResting(t *testing.T) {
	book := NewOrderBook("TOK/USD")
	o := restingOrder(1, models.SideBuy, "100", "1", time.Now())
	o.Status = models.StatusCancelled
	if err := book.Insert(o); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("expected ErrInvalidOrder, got %v", err)
	}

	o.Status = models.StatusOpen
	if err := book.Insert(o); err != nil {
		t.Fatal(err)
	}
	if err := book.Insert(o); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("expected duplicate insert to fail, got %v", err)
	}
}

func TestOrderBook_RemoveAbsentIsNoOp(t *testing.T) {
	book := NewOrderBook("TOK/USD")
	book.Remove(42)

	book.Insert(restingOrder(1, models.SideBuy, "100", "1", time.Now()))
	book.Remove(1)
	book.Remove(1)
	if bids, _ := book.Depth(); bids != 0 {
		t.Errorf("expected empty bids, got %d", bids)
	}
}

func TestOrderBook_SnapshotAggregatesLevels(t *testing.T) {
	book := NewOrderBook("TOK/USD")
	base := time.Now()

	book.Insert(restingOrder(1, models.SideBuy, "100", "2", base))
	book.Insert(restingOrder(2, models.SideBuy, "100", "3", base.Add(time.Second)))
	book.Insert(restingOrder(3, models.SideBuy, "99", "1", base))
	book.Insert(restingOrder(4, models.SideSell, "101", "4", base))

	// Partially filled orders contribute only their remainder.
	partial := restingOrder(5, models.SideSell, "102", "10", base)
	partial.Filled = decimal.RequireFromString("6")
	partial.Status = models.StatusPartial
	book.Insert(partial)

	snap := book.Snapshot(0)
	if len(snap.Bids) != 2 {
		t.Fatalf("expected 2 bid levels, got %d", len(snap.Bids))
	}
	if !snap.Bids[0].Price.Equal(decimal.RequireFromString("100")) ||
		!snap.Bids[0].Amount.Equal(decimal.RequireFromString("5")) {
		t.Errorf("bid level 0 = %s@%s, want 5@100", snap.Bids[0].Amount, snap.Bids[0].Price)
	}
	if len(snap.Asks) != 2 {
		t.Fatalf("expected 2 ask levels, got %d", len(snap.Asks))
	}
	if !snap.Asks[1].Amount.Equal(decimal.RequireFromString("4")) {
		t.Errorf("ask level 1 amount = %s, want remaining 4", snap.Asks[1].Amount)
	}

	// Depth limit truncates levels per side.
	shallow := book.Snapshot(1)
	if len(shallow.Bids) != 1 || len(shallow.Asks) != 1 {
		t.Errorf("expected 1 level per side, got %d/%d", len(shallow.Bids), len(shallow.Asks))
	}
}
