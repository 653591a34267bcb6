package engine

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/launchex/exchange/internal/models"
)

// OrderFill is the post-match fill state of one order.
type OrderFill struct {
	OrderID int64
	Filled  decimal.Decimal
	Status  models.OrderStatus
}

// BalanceChange is one leg of a settlement, applied to a single (user,
// currency) balance row. Deltas may be negative.
type BalanceChange struct {
	UserID         int64
	Currency       string
	TotalDelta     decimal.Decimal
	AvailableDelta decimal.Decimal
}

// Match is one match step: the trade plus every state change the store must
// apply in a single transaction. Either all of it lands or none of it does.
type Match struct {
	Trade     models.Trade
	TakerFill OrderFill
	MakerFill OrderFill
	Transfers []BalanceChange
}

// Store is the durable backing the engine depends on. Implementations must
// make ApplyMatch, CreateOrderReserve, and CancelOrderRelease transactional:
// a failure leaves no partial state behind. Transient I/O failures are
// reported wrapped in ErrStoreUnavailable so the engine can retry them.
type Store interface {
	// GetTradingPairs returns every registered pair, active or not.
	GetTradingPairs(ctx context.Context) ([]models.TradingPair, error)

	// GetOpenOrders returns all open/partial orders for a pair, oldest
	// first. Used to rebuild books at startup.
	GetOpenOrders(ctx context.Context, pair string) ([]models.Order, error)

	// GetOrder returns one order by id, regardless of status.
	GetOrder(ctx context.Context, orderID int64) (*models.Order, error)

	// CreateOrderReserve persists a new order and locks lockAmount of the
	// user's lockCurrency in the same transaction. Fails with
	// ErrInsufficientBalance when the available balance cannot cover the
	// lock, in which case the order is not created.
	CreateOrderReserve(ctx context.Context, order *models.Order, lockCurrency string, lockAmount decimal.Decimal) (*models.Order, error)

	// ApplyMatch applies one match step atomically: both fill updates, the
	// trade row, and every balance transfer. A transfer that would violate
	// a balance invariant fails the whole step with ErrSettlementInvariant.
	ApplyMatch(ctx context.Context, m Match) error

	// CancelOrderRelease marks an order cancelled and releases its
	// remaining reservation in one transaction. Fails with ErrNotFound
	// unless the order exists, belongs to userID, and is open or partial.
	CancelOrderRelease(ctx context.Context, orderID, userID int64, pair models.TradingPair) (*models.Order, error)

	// GetTrades returns up to limit trades for a pair, newest first.
	GetTrades(ctx context.Context, pair string, limit int) ([]models.Trade, error)

	// GetUserOrders returns a user's orders, newest first, optionally
	// filtered by pair (empty string means all pairs).
	GetUserOrders(ctx context.Context, userID int64, pair string) ([]models.Order, error)

	// GetBalances returns all balances held by a user.
	GetBalances(ctx context.Context, userID int64) ([]models.Balance, error)

	// Deposit credits a user's total and available balance. Used by the
	// seed tooling and deposit flows outside this core.
	Deposit(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error
}
