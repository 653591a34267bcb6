package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/launchex/exchange/internal/models"
)

const (
	storeAttempts = 3
	retryBackoff  = 50 * time.Millisecond
	volumeWindow  = 24 * time.Hour

	// How much trade history seeds the rolling-volume window at startup.
	historySeedLimit = 1000
)

// lane serializes every mutating operation for one trading pair. The book
// and the balance-mutation path are only ever touched while mu is held, so
// submissions and cancellations for a pair observe each other whole.
type lane struct {
	mu   sync.Mutex
	pair models.TradingPair
	book *OrderBook
}

// Engine matches incoming orders against per-pair books and settles the
// resulting trades through the store. Operations on different pairs run in
// parallel; operations on the same pair are serialized by its lane.
type Engine struct {
	store  Store
	log    *zap.SugaredLogger
	market *MarketData
	lanes  map[string]*lane
}

// New builds an engine from the store's pair registry and rebuilds each
// active pair's book from its open orders.
func New(ctx context.Context, store Store, log *zap.SugaredLogger) (*Engine, error) {
	e := &Engine{
		store:  store,
		log:    log,
		market: NewMarketData(volumeWindow),
		lanes:  make(map[string]*lane),
	}

	pairs, err := store.GetTradingPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load trading pairs: %w", err)
	}
	for _, pair := range pairs {
		if !pair.Active {
			continue
		}
		ln := &lane{pair: pair, book: NewOrderBook(pair.Symbol)}
		if err := e.recoverLane(ctx, ln); err != nil {
			return nil, err
		}
		e.lanes[pair.Symbol] = ln
	}
	return e, nil
}

// recoverLane reloads resting orders and recent trade history so the book
// and ticker survive a restart.
func (e *Engine) recoverLane(ctx context.Context, ln *lane) error {
	orders, err := e.store.GetOpenOrders(ctx, ln.pair.Symbol)
	if err != nil {
		return fmt.Errorf("load open orders for %s: %w", ln.pair.Symbol, err)
	}
	for i := range orders {
		if err := ln.book.Insert(&orders[i]); err != nil {
			return fmt.Errorf("rebuild book for %s: %w", ln.pair.Symbol, err)
		}
	}

	trades, err := e.store.GetTrades(ctx, ln.pair.Symbol, historySeedLimit)
	if err != nil {
		return fmt.Errorf("load trade history for %s: %w", ln.pair.Symbol, err)
	}
	// GetTrades is newest-first; the aggregator wants chronological order.
	for i, j := 0, len(trades)-1; i < j; i, j = i+1, j-1 {
		trades[i], trades[j] = trades[j], trades[i]
	}
	e.market.Refresh(ln.book, trades)
	e.log.Infow("lane ready", "pair", ln.pair.Symbol, "resting_orders", len(orders))
	return nil
}

// Pairs returns the active trading pairs served by this engine.
func (e *Engine) Pairs() []models.TradingPair {
	pairs := make([]models.TradingPair, 0, len(e.lanes))
	for _, ln := range e.lanes {
		pairs = append(pairs, ln.pair)
	}
	return pairs
}

// SubmitOrder validates, persists, and matches a new limit order. The
// returned order reflects all fills applied; the returned trades are the
// match steps executed, in order. If the order is not fully filled it rests
// on the book.
func (e *Engine) SubmitOrder(ctx context.Context, userID int64, pairSymbol string, side models.Side, price, amount decimal.Decimal) (*models.Order, []models.Trade, error) {
	if !side.Valid() {
		return nil, nil, fmt.Errorf("side %q: %w", side, ErrInvalidOrder)
	}
	if price.Sign() <= 0 {
		return nil, nil, fmt.Errorf("price must be positive: %w", ErrInvalidOrder)
	}
	if amount.Sign() <= 0 {
		return nil, nil, fmt.Errorf("amount must be positive: %w", ErrInvalidOrder)
	}
	ln, ok := e.lanes[pairSymbol]
	if !ok {
		return nil, nil, fmt.Errorf("pair %q: %w", pairSymbol, ErrUnknownPair)
	}

	price = price.Round(ln.pair.PricePrecision)
	amount = amount.Round(ln.pair.AmountPrecision)
	if price.Sign() <= 0 || amount.Sign() <= 0 {
		return nil, nil, fmt.Errorf("order rounds to zero at pair precision: %w", ErrInvalidOrder)
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()

	order := &models.Order{
		UserID: userID,
		Pair:   pairSymbol,
		Side:   side,
		Price:  price,
		Amount: amount,
		Filled: decimal.Zero,
		Status: models.StatusOpen,
	}
	lockCurrency, lockAmount := reservation(ln.pair, side, price, amount)
	err := e.withRetry(ctx, func() error {
		created, err := e.store.CreateOrderReserve(ctx, order, lockCurrency, lockAmount)
		if err != nil {
			return err
		}
		order = created
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	trades, matchErr := e.matchOrder(ctx, ln, order)
	if matchErr == nil && order.Remaining().Sign() > 0 {
		if err := ln.book.Insert(order); err != nil {
			return order, trades, err
		}
	}
	e.market.Refresh(ln.book, trades)
	return order, trades, matchErr
}

// matchOrder walks the opposite side of the book in priority order,
// applying one store transaction per match step. Trades already committed
// stand even if a later step fails; the error is surfaced to the caller.
func (e *Engine) matchOrder(ctx context.Context, ln *lane, taker *models.Order) ([]models.Trade, error) {
	var trades []models.Trade
	for taker.Remaining().Sign() > 0 {
		maker := ln.book.BestOpposite(taker.Side)
		if maker == nil || !crosses(taker, maker) {
			break
		}

		qty := decimal.Min(taker.Remaining(), maker.Remaining())
		m := buildMatch(ln.pair, taker, maker, maker.Price, qty, time.Now())

		err := e.withRetry(ctx, func() error { return e.store.ApplyMatch(ctx, m) })
		if errors.Is(err, ErrSettlementInvariant) {
			e.log.Errorw("settlement invariant violated, manual reconciliation required",
				"pair", ln.pair.Symbol,
				"taker_order", taker.ID,
				"maker_order", maker.ID,
				"price", m.Trade.Price,
				"amount", m.Trade.Amount,
				"error", err)
			return trades, err
		}
		if err != nil {
			return trades, err
		}

		taker.Filled = m.TakerFill.Filled
		taker.Status = m.TakerFill.Status
		maker.Filled = m.MakerFill.Filled
		maker.Status = m.MakerFill.Status
		trades = append(trades, m.Trade)

		if maker.Remaining().Sign() == 0 {
			ln.book.Remove(maker.ID)
		}
	}
	return trades, nil
}

// crosses reports whether the taker's limit admits the maker's price: an
// incoming buy crosses asks at or below its limit, an incoming sell crosses
// bids at or above it.
func crosses(taker, maker *models.Order) bool {
	if taker.Side == models.SideBuy {
		return maker.Price.Cmp(taker.Price) <= 0
	}
	return maker.Price.Cmp(taker.Price) >= 0
}

// CancelOrder marks an open or partial order cancelled, releases its
// remaining reservation, and removes it from the book. Only the owner may
// cancel; anything else is ErrNotFound.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID int64) (*models.Order, error) {
	var existing *models.Order
	err := e.withRetry(ctx, func() error {
		o, err := e.store.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		existing = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing.UserID != userID {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	ln, ok := e.lanes[existing.Pair]
	if !ok {
		return nil, fmt.Errorf("pair %q: %w", existing.Pair, ErrUnknownPair)
	}

	ln.mu.Lock()
	defer ln.mu.Unlock()

	// The store re-checks ownership and status under a row lock; an order
	// consumed by a submission that beat us to the lane fails here.
	var cancelled *models.Order
	err = e.withRetry(ctx, func() error {
		o, err := e.store.CancelOrderRelease(ctx, orderID, userID, ln.pair)
		if err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	ln.book.Remove(orderID)
	e.market.Refresh(ln.book, nil)
	return cancelled, nil
}

// GetOrderBook returns an aggregated depth snapshot for a pair.
func (e *Engine) GetOrderBook(pair string, depth int) (BookSnapshot, error) {
	ln, ok := e.lanes[pair]
	if !ok {
		return BookSnapshot{}, fmt.Errorf("pair %q: %w", pair, ErrUnknownPair)
	}
	ln.mu.Lock()
	defer ln.mu.Unlock()
	return ln.book.Snapshot(depth), nil
}

// GetTicker returns the cached market summary for a pair.
func (e *Engine) GetTicker(pair string) (Ticker, error) {
	if _, ok := e.lanes[pair]; !ok {
		return Ticker{}, fmt.Errorf("pair %q: %w", pair, ErrUnknownPair)
	}
	t, ok := e.market.Ticker(pair)
	if !ok {
		return Ticker{Pair: pair}, nil
	}
	return t, nil
}

// GetTrades returns up to limit trades for a pair, newest first.
func (e *Engine) GetTrades(ctx context.Context, pair string, limit int) ([]models.Trade, error) {
	if _, ok := e.lanes[pair]; !ok {
		return nil, fmt.Errorf("pair %q: %w", pair, ErrUnknownPair)
	}
	return e.store.GetTrades(ctx, pair, limit)
}

// GetUserOrders returns a user's orders, optionally filtered by pair.
func (e *Engine) GetUserOrders(ctx context.Context, userID int64, pair string) ([]models.Order, error) {
	if pair != "" {
		if _, ok := e.lanes[pair]; !ok {
			return nil, fmt.Errorf("pair %q: %w", pair, ErrUnknownPair)
		}
	}
	return e.store.GetUserOrders(ctx, userID, pair)
}

// GetBalances returns all balances held by a user.
func (e *Engine) GetBalances(ctx context.Context, userID int64) ([]models.Balance, error) {
	return e.store.GetBalances(ctx, userID)
}

// withRetry runs op, retrying transient store failures a bounded number of
// times with backoff. Every other error surfaces immediately.
func (e *Engine) withRetry(ctx context.Context, op func() error) error {
	var err error
	for attempt := 0; attempt < storeAttempts; attempt++ {
		if err = op(); err == nil || !errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		e.log.Warnw("transient store failure, retrying", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff << attempt):
		}
	}
	return err
}
