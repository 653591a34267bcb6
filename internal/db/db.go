package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/launchex/exchange/internal/engine"
	"github.com/launchex/exchange/internal/models"
)

// DB wraps a PostgreSQL connection pool and implements engine.Store.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool.
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

const orderColumns = "id, user_id, pair, side, price, amount, filled, status, created_at, updated_at"

func scanOrder(row pgx.Row) (*models.Order, error) {
	o := &models.Order{}
	err := row.Scan(&o.ID, &o.UserID, &o.Pair, &o.Side, &o.Price, &o.Amount,
		&o.Filled, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return o, nil
}

// storeErr wraps err for the engine, tagging transient failures so the
// bounded retry can pick them up.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if retryable(err) {
		return fmt.Errorf("%s: %v: %w", op, err, engine.ErrStoreUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// retryable reports whether err is a transient fault worth retrying:
// connection-class failures, serialization conflicts, and deadlocks.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08") ||
			pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err)
}

// isCheckViolation reports whether err is a CHECK constraint failure, which
// in this schema means a balance or fill invariant would be broken.
func isCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}

// CreateUser inserts a new user.
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username.
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetTradingPairs returns every registered trading pair.
func (db *DB) GetTradingPairs(ctx context.Context) ([]models.TradingPair, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT symbol, base_currency, quote_currency, price_precision, amount_precision, taker_fee_rate, active FROM trading_pairs ORDER BY symbol")
	if err != nil {
		return nil, storeErr("get trading pairs", err)
	}
	defer rows.Close()

	var pairs []models.TradingPair
	for rows.Next() {
		var p models.TradingPair
		if err := rows.Scan(&p.Symbol, &p.BaseCurrency, &p.QuoteCurrency,
			&p.PricePrecision, &p.AmountPrecision, &p.TakerFeeRate, &p.Active); err != nil {
			return nil, storeErr("scan trading pair", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// CreateTradingPair registers a new market. Used by seed tooling.
func (db *DB) CreateTradingPair(ctx context.Context, p models.TradingPair) error {
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO trading_pairs (symbol, base_currency, quote_currency, price_precision, amount_precision, taker_fee_rate, active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (symbol) DO NOTHING`,
		p.Symbol, p.BaseCurrency, p.QuoteCurrency, p.PricePrecision, p.AmountPrecision, p.TakerFeeRate, p.Active)
	return storeErr("create trading pair", err)
}

// GetOpenOrders retrieves all open/partial orders for a pair, oldest first,
// for rebuilding the in-memory book at startup.
func (db *DB) GetOpenOrders(ctx context.Context, pair string) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE pair = $1 AND status IN ('open', 'partial') ORDER BY created_at ASC, id ASC",
		pair)
	if err != nil {
		return nil, storeErr("get open orders", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// GetOrder retrieves one order by id.
func (db *DB) GetOrder(ctx context.Context, orderID int64) (*models.Order, error) {
	o, err := scanOrder(db.Pool.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1", orderID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", orderID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("get order", err)
	}
	return o, nil
}

// CreateOrderReserve inserts an order and locks its reservation in one
// transaction. The conditional balance update doubles as the sufficiency
// check: zero rows touched means the available balance cannot cover it.
func (db *DB) CreateOrderReserve(ctx context.Context, order *models.Order, lockCurrency string, lockAmount decimal.Decimal) (*models.Order, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin create order", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"UPDATE balances SET available = available - $3 WHERE user_id = $1 AND currency = $2 AND available >= $3",
		order.UserID, lockCurrency, lockAmount)
	if err != nil {
		return nil, storeErr("reserve balance", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, fmt.Errorf("user %d needs %s %s: %w",
			order.UserID, lockAmount, lockCurrency, engine.ErrInsufficientBalance)
	}

	created, err := scanOrder(tx.QueryRow(ctx,
		"INSERT INTO orders (user_id, pair, side, price, amount, filled, status) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING "+orderColumns,
		order.UserID, order.Pair, order.Side, order.Price, order.Amount, order.Filled, order.Status))
	if err != nil {
		return nil, storeErr("insert order", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("commit create order", err)
	}
	return created, nil
}

// ApplyMatch applies one match step in a single transaction: both orders'
// fill state, the trade row, and every settlement leg. A check-constraint
// failure on any leg rolls the whole step back as a settlement invariant
// violation.
func (db *DB) ApplyMatch(ctx context.Context, m engine.Match) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return storeErr("begin apply match", err)
	}
	defer tx.Rollback(ctx)

	for _, fill := range []engine.OrderFill{m.TakerFill, m.MakerFill} {
		tag, err := tx.Exec(ctx,
			"UPDATE orders SET filled = $2, status = $3, updated_at = NOW() WHERE id = $1",
			fill.OrderID, fill.Filled, fill.Status)
		if err != nil {
			if isCheckViolation(err) {
				return fmt.Errorf("fill order %d: %w", fill.OrderID, engine.ErrSettlementInvariant)
			}
			return storeErr("update fill", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("fill order %d vanished: %w", fill.OrderID, engine.ErrSettlementInvariant)
		}
	}

	t := m.Trade
	_, err = tx.Exec(ctx,
		"INSERT INTO trades (id, buy_order_id, sell_order_id, pair, price, amount, taker_side, fee_amount, fee_currency, executed_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)",
		t.ID, t.BuyOrderID, t.SellOrderID, t.Pair, t.Price, t.Amount, t.TakerSide, t.FeeAmount, t.FeeCurrency, t.ExecutedAt)
	if err != nil {
		return storeErr("insert trade", err)
	}

	for _, tr := range m.Transfers {
		_, err := tx.Exec(ctx,
			`INSERT INTO balances (user_id, currency, total, available)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, currency) DO UPDATE
			 SET total = balances.total + EXCLUDED.total,
			     available = balances.available + EXCLUDED.available`,
			tr.UserID, tr.Currency, tr.TotalDelta, tr.AvailableDelta)
		if err != nil {
			if isCheckViolation(err) {
				return fmt.Errorf("transfer %s to user %d: %w",
					tr.Currency, tr.UserID, engine.ErrSettlementInvariant)
			}
			return storeErr("apply transfer", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return storeErr("commit apply match", err)
	}
	return nil
}

// CancelOrderRelease cancels an order and releases the reservation backing
// its unfilled remainder, in one transaction. The row lock keeps the status
// check consistent with concurrent fills.
func (db *DB) CancelOrderRelease(ctx context.Context, orderID, userID int64, pair models.TradingPair) (*models.Order, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, storeErr("begin cancel order", err)
	}
	defer tx.Rollback(ctx)

	order, err := scanOrder(tx.QueryRow(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE",
		orderID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %d: %w", orderID, engine.ErrNotFound)
	}
	if err != nil {
		return nil, storeErr("lock order", err)
	}
	if !order.Resting() {
		return nil, fmt.Errorf("order %d is %s: %w", orderID, order.Status, engine.ErrNotFound)
	}

	err = tx.QueryRow(ctx,
		"UPDATE orders SET status = 'cancelled', updated_at = NOW() WHERE id = $1 RETURNING updated_at",
		orderID).Scan(&order.UpdatedAt)
	if err != nil {
		return nil, storeErr("cancel order", err)
	}
	order.Status = models.StatusCancelled

	currency := pair.BaseCurrency
	release := order.Remaining()
	if order.Side == models.SideBuy {
		currency = pair.QuoteCurrency
		release = order.Price.Mul(order.Remaining())
	}
	if release.Sign() > 0 {
		tag, err := tx.Exec(ctx,
			"UPDATE balances SET available = available + $3 WHERE user_id = $1 AND currency = $2",
			userID, currency, release)
		if err != nil {
			if isCheckViolation(err) {
				return nil, fmt.Errorf("release %s %s for user %d: %w",
					release, currency, userID, engine.ErrSettlementInvariant)
			}
			return nil, storeErr("release reservation", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, fmt.Errorf("no %s balance for user %d: %w",
				currency, userID, engine.ErrSettlementInvariant)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("commit cancel order", err)
	}
	return order, nil
}

// GetTrades retrieves up to limit trades for a pair, newest first.
func (db *DB) GetTrades(ctx context.Context, pair string, limit int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, buy_order_id, sell_order_id, pair, price, amount, taker_side, fee_amount, fee_currency, executed_at FROM trades WHERE pair = $1 ORDER BY executed_at DESC LIMIT $2",
		pair, limit)
	if err != nil {
		return nil, storeErr("get trades", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.Pair, &t.Price,
			&t.Amount, &t.TakerSide, &t.FeeAmount, &t.FeeCurrency, &t.ExecutedAt); err != nil {
			return nil, storeErr("scan trade", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// GetUserOrders retrieves a user's orders, newest first. An empty pair
// means all pairs.
func (db *DB) GetUserOrders(ctx context.Context, userID int64, pair string) ([]models.Order, error) {
	query := "SELECT " + orderColumns + " FROM orders WHERE user_id = $1"
	args := []any{userID}
	if pair != "" {
		query += " AND pair = $2"
		args = append(args, pair)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("get user orders", err)
	}
	defer rows.Close()
	return collectOrders(rows)
}

// GetBalances retrieves all balances held by a user.
func (db *DB) GetBalances(ctx context.Context, userID int64) ([]models.Balance, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT user_id, currency, total, available FROM balances WHERE user_id = $1 ORDER BY currency",
		userID)
	if err != nil {
		return nil, storeErr("get balances", err)
	}
	defer rows.Close()

	var balances []models.Balance
	for rows.Next() {
		var b models.Balance
		if err := rows.Scan(&b.UserID, &b.Currency, &b.Total, &b.Available); err != nil {
			return nil, storeErr("scan balance", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// Deposit credits a user's balance in one currency.
func (db *DB) Deposit(ctx context.Context, userID int64, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("deposit amount must be positive")
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO balances (user_id, currency, total, available)
		 VALUES ($1, $2, $3, $3)
		 ON CONFLICT (user_id, currency) DO UPDATE
		 SET total = balances.total + EXCLUDED.total,
		     available = balances.available + EXCLUDED.available`,
		userID, currency, amount)
	return storeErr("deposit", err)
}

func collectOrders(rows pgx.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var o models.Order
		if err := rows.Scan(&o.ID, &o.UserID, &o.Pair, &o.Side, &o.Price, &o.Amount,
			&o.Filled, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, storeErr("scan order", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}
