package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/launchex/exchange/internal/models"
)

// memStore is an in-memory Store used to exercise the engine without a
// database. It enforces the same invariants the SQL schema does: fills
// bounded by amount, balances non-negative, available bounded by total.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	pairs    []models.TradingPair
	orders   map[int64]*models.Order
	trades   []models.Trade
	balances map[string]*models.Balance

	// Fault injection.
	transientLeft int   // fail this many calls with ErrStoreUnavailable
	applyErr      error // fail every ApplyMatch with this error
}

func newMemStore(pairs ...models.TradingPair) *memStore {
	return &memStore{
		pairs:    pairs,
		orders:   make(map[int64]*models.Order),
		balances: make(map[string]*models.Balance),
	}
}

func balanceKey(userID int64, currency string) string {
	return fmt.Sprintf("%d/%s", userID, currency)
}

func (s *memStore) fund(userID int64, currency string, amount string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := decimal.RequireFromString(amount)
	b := s.balance(userID, currency)
	b.Total = b.Total.Add(d)
	b.Available = b.Available.Add(d)
}

// balance returns the live row, creating a zero one as needed. Callers hold mu.
func (s *memStore) balance(userID int64, currency string) *models.Balance {
	key := balanceKey(userID, currency)
	b, ok := s.balances[key]
	if !ok {
		b = &models.Balance{UserID: userID, Currency: currency}
		s.balances[key] = b
	}
	return b
}

func (s *memStore) takeFault() error {
	if s.transientLeft > 0 {
		s.transientLeft--
		return fmt.Errorf("injected: %w", ErrStoreUnavailable)
	}
	return nil
}

func (s *memStore) GetTradingPairs(ctx context.Context) ([]models.TradingPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.TradingPair(nil), s.pairs...), nil
}

func (s *memStore) GetOpenOrders(ctx context.Context, pair string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.Pair == pair && o.Resting() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	cp := *o
	return &cp, nil
}

func (s *memStore) CreateOrderReserve(ctx context.Context, order *models.Order, lockCurrency string, lockAmount decimal.Decimal) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return nil, err
	}

	b := s.balance(order.UserID, lockCurrency)
	if b.Available.Cmp(lockAmount) < 0 {
		return nil, fmt.Errorf("user %d needs %s %s: %w",
			order.UserID, lockAmount, lockCurrency, ErrInsufficientBalance)
	}
	b.Available = b.Available.Sub(lockAmount)

	s.nextID++
	created := *order
	created.ID = s.nextID
	created.CreatedAt = time.Now()
	created.UpdatedAt = created.CreatedAt
	s.orders[created.ID] = &created

	cp := created
	return &cp, nil
}

func (s *memStore) ApplyMatch(ctx context.Context, m Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	if s.applyErr != nil {
		return s.applyErr
	}

	// Validate everything before mutating anything: all-or-nothing.
	for _, fill := range []OrderFill{m.TakerFill, m.MakerFill} {
		o, ok := s.orders[fill.OrderID]
		if !ok {
			return fmt.Errorf("fill order %d vanished: %w", fill.OrderID, ErrSettlementInvariant)
		}
		if fill.Filled.Cmp(o.Amount) > 0 || fill.Filled.Sign() < 0 {
			return fmt.Errorf("fill order %d: %w", fill.OrderID, ErrSettlementInvariant)
		}
	}
	staged := make(map[string]models.Balance)
	for _, tr := range m.Transfers {
		key := balanceKey(tr.UserID, tr.Currency)
		b, ok := staged[key]
		if !ok {
			b = *s.balance(tr.UserID, tr.Currency)
		}
		b.Total = b.Total.Add(tr.TotalDelta)
		b.Available = b.Available.Add(tr.AvailableDelta)
		if b.Total.Sign() < 0 || b.Available.Sign() < 0 || b.Available.Cmp(b.Total) > 0 {
			return fmt.Errorf("transfer %s to user %d: %w", tr.Currency, tr.UserID, ErrSettlementInvariant)
		}
		staged[key] = b
	}

	for _, fill := range []OrderFill{m.TakerFill, m.MakerFill} {
		o := s.orders[fill.OrderID]
		o.Filled = fill.Filled
		o.Status = fill.Status
		o.UpdatedAt = time.Now()
	}
	for key, b := range staged {
		cp := b
		s.balances[key] = &cp
	}
	s.trades = append(s.trades, m.Trade)
	return nil
}

func (s *memStore) CancelOrderRelease(ctx context.Context, orderID, userID int64, pair models.TradingPair) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(); err != nil {
		return nil, err
	}

	o, ok := s.orders[orderID]
	if !ok || o.UserID != userID {
		return nil, fmt.Errorf("order %d: %w", orderID, ErrNotFound)
	}
	if !o.Resting() {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, o.Status, ErrNotFound)
	}

	currency := pair.BaseCurrency
	release := o.Remaining()
	if o.Side == models.SideBuy {
		currency = pair.QuoteCurrency
		release = o.Price.Mul(o.Remaining())
	}
	b := s.balance(userID, currency)
	b.Available = b.Available.Add(release)
	if b.Available.Cmp(b.Total) > 0 {
		b.Available = b.Available.Sub(release)
		return nil, fmt.Errorf("release for order %d: %w", orderID, ErrSettlementInvariant)
	}

	o.Status = models.StatusCancelled
	o.UpdatedAt = time.Now()
	cp := *o
	return &cp, nil
}

func (s *memStore) GetTrades(ctx context.Context, pair string, limit int) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Trade
	for i := len(s.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if s.trades[i].Pair == pair {
			out = append(out, s.trades[i])
		}
	}
	return out, nil
}

func (s *memStore) GetUserOrders(ctx context.Context, userID int64, pair string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.UserID == userID && (pair == "" || o.Pair == pair) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *memStore) GetBalances(ctx context.Context, userID int64) ([]models.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Balance
	for _, b := range s.balances {
		if b.UserID == userID {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out, nil
}

func (s *memStore) Deposit(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balance(userID, currency)
	b.Total = b.Total.Add(amount)
	b.Available = b.Available.Add(amount)
	return nil
}

func (s *memStore) tradeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trades)
}
