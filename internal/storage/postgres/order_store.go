package postgres

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jackc/pgx/v5"

	"limit-order-keeper/internal/domain"
	"limit-order-keeper/internal/storage"
)

// OrderStore implements storage.OrderStore using PostgreSQL.
// Status transitions use a compare-and-set UPDATE guarded on
// status='pending', so concurrent transitions on one id serialize in the
// database and exactly one wins.
type OrderStore struct {
	pool *Pool
}

// NewOrderStore creates a new OrderStore.
func NewOrderStore(pool *Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Compile-time interface check.
var _ storage.OrderStore = (*OrderStore)(nil)

const orderColumns = `
	id, trader, token_in, token_out, amount_in, amount_out_min,
	limit_price_e18, slippage_bps, deadline, nonce, signature, status,
	order_type, pair_key, limit_price_native, limit_price_usd, last_error,
	created_at`

// Create adds a new order. Returns ErrDuplicateNonce if (trader, nonce) exists.
func (s *OrderStore) Create(ctx context.Context, o *domain.Order) error {
	if o == nil || o.ID == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := s.pool.Exec(ctx, query,
		o.ID,
		strings.ToLower(o.Trader.Hex()),
		strings.ToLower(o.TokenIn.Hex()),
		strings.ToLower(o.TokenOut.Hex()),
		o.AmountIn.String(),
		o.AmountOutMin.String(),
		o.LimitPriceE18.String(),
		o.SlippageBps,
		o.Deadline,
		int64(o.Nonce),
		[]byte(o.Signature),
		string(o.Status),
		string(o.OrderType),
		o.PairKey(),
		o.LimitPriceNative,
		o.LimitPriceUSD,
		o.LastError,
		o.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateNonce
		}
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// Get retrieves an order by id. Returns ErrNotFound if not exists.
func (s *OrderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	row := s.pool.QueryRow(ctx, query, id)
	o, err := scanOrder(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// ListPending returns pending orders ordered by deadline ASC, optionally
// filtered by pair key.
func (s *OrderStore) ListPending(ctx context.Context, pairKey string) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE status = 'pending'`
	args := []interface{}{}
	if pairKey != "" {
		query += ` AND pair_key = $1`
		args = append(args, pairKey)
	}
	query += ` ORDER BY deadline ASC, id ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// ListByTrader returns all orders for a trader, newest first.
func (s *OrderStore) ListByTrader(ctx context.Context, trader common.Address) ([]*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders
		WHERE trader = $1
		ORDER BY created_at DESC, id ASC`

	rows, err := s.pool.Query(ctx, query, strings.ToLower(trader.Hex()))
	if err != nil {
		return nil, fmt.Errorf("list orders by trader: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// Transition atomically moves an order from pending to a terminal status.
func (s *OrderStore) Transition(ctx context.Context, id string, next domain.OrderStatus) error {
	if !next.Terminal() {
		return storage.ErrInvalidTransition
	}

	query := `
		UPDATE orders
		SET status = $2,
		    last_error = CASE WHEN $2 = 'executed' THEN '' ELSE last_error END
		WHERE id = $1 AND status = 'pending'
	`

	tag, err := s.pool.Exec(ctx, query, id, string(next))
	if err != nil {
		return fmt.Errorf("transition order: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// CAS missed: distinguish a missing order from a non-pending one.
	var status string
	err = s.pool.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1`, id).Scan(&status)
	if err != nil {
		if isNotFoundError(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("check order status: %w", err)
	}
	return storage.ErrInvalidTransition
}

// SetLastError annotates the order's most recent submission failure.
func (s *OrderStore) SetLastError(ctx context.Context, id, msg string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET last_error = $2 WHERE id = $1`, id, msg)
	if err != nil {
		return fmt.Errorf("set last error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// scanOrder scans a single row into an Order.
func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o                                 domain.Order
		trader, tokenIn, tokenOut         string
		amountIn, amountOutMin, limit     string
		nonce                             int64
		signature                         []byte
		status, orderType, pairKey        string
		createdAt                         time.Time
	)

	err := row.Scan(
		&o.ID, &trader, &tokenIn, &tokenOut, &amountIn, &amountOutMin,
		&limit, &o.SlippageBps, &o.Deadline, &nonce, &signature, &status,
		&orderType, &pairKey, &o.LimitPriceNative, &o.LimitPriceUSD,
		&o.LastError, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	o.Trader = common.HexToAddress(trader)
	o.TokenIn = common.HexToAddress(tokenIn)
	o.TokenOut = common.HexToAddress(tokenOut)
	o.Nonce = uint64(nonce)
	o.Signature = hexutil.Bytes(signature)
	o.Status = domain.OrderStatus(status)
	o.OrderType = domain.OrderType(orderType)
	o.CreatedAt = createdAt

	var ok bool
	if o.AmountIn, ok = new(big.Int).SetString(amountIn, 10); !ok {
		return nil, fmt.Errorf("parse amount_in %q", amountIn)
	}
	if o.AmountOutMin, ok = new(big.Int).SetString(amountOutMin, 10); !ok {
		return nil, fmt.Errorf("parse amount_out_min %q", amountOutMin)
	}
	if o.LimitPriceE18, ok = new(big.Int).SetString(limit, 10); !ok {
		return nil, fmt.Errorf("parse limit_price_e18 %q", limit)
	}

	return &o, nil
}

// scanOrders scans multiple rows into a slice of Order.
func scanOrders(rows pgx.Rows) ([]*domain.Order, error) {
	var orders []*domain.Order

	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	return orders, nil
}
