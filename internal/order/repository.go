package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/storefront/internal/inventory"
)

const idempotencyKeyConstraint = "orders_idempotency_key_unique"

// StockLedger is the part of the inventory ledger the commit needs.
type StockLedger interface {
	ConditionalDecrement(ctx context.Context, productID int64, quantity int) (bool, error)
}

// Tx is the write side of one commit. Everything done through it is applied
// together or not at all.
type Tx interface {
	InsertOrder(ctx context.Context, o *Order) (int64, error)
	InsertItems(ctx context.Context, orderID int64, items []OrderItem) error
	Ledger() StockLedger
}

type Repository interface {
	// WithTx runs fn in one transaction. fn returning an error, or panicking,
	// rolls back; otherwise the transaction is committed.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOrderByID(ctx context.Context, id int64) (*Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key uuid.UUID) (*Order, error)
	ListOrders(ctx context.Context) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status Status) error
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) (err error) {
	tx, beginErr := r.db.Begin(ctx)
	if beginErr != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", beginErr)
	}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic_value", p).Msg("Panic recovered during order commit, rolling back")
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Msg("Failed to rollback transaction after panic")
			}
			panic(p)
		} else if err != nil {
			log.Warn().Err(err).Msg("Order commit failed, rolling back")
			// The caller's context may already be cancelled; the rollback must still reach the server.
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				log.Error().Err(rbErr).Msg("Failed to rollback transaction")
			}
		} else {
			if commitErr := tx.Commit(ctx); commitErr != nil {
				log.Error().Err(commitErr).Msg("Failed to commit transaction")
				err = fmt.Errorf("repository: failed to commit transaction: %w", commitErr)
			}
		}
	}()

	err = fn(ctx, &postgresTx{tx: tx, ledger: inventory.NewLedger(tx)})
	return err
}

type postgresTx struct {
	tx     pgx.Tx
	ledger *inventory.Ledger
}

func (t *postgresTx) InsertOrder(ctx context.Context, o *Order) (int64, error) {
	query := `
		INSERT INTO orders (customer_name, customer_email, customer_address, customer_city, customer_zipcode,
		                    subtotal, tax, total, status, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at
	`
	err := t.tx.QueryRow(ctx, query,
		o.CustomerName,
		o.CustomerEmail,
		o.CustomerAddress,
		o.CustomerCity,
		o.CustomerZipCode,
		o.Subtotal,
		o.Tax,
		o.Total,
		string(o.Status),
		o.IdempotencyKey,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation && pgErr.ConstraintName == idempotencyKeyConstraint {
			return 0, ErrDuplicateIdempotencyKey
		}
		if verr := outOfRange(err); verr != nil {
			return 0, verr
		}
		return 0, fmt.Errorf("repository: failed to insert order: %w", err)
	}

	return o.ID, nil
}

func (t *postgresTx) InsertItems(ctx context.Context, orderID int64, items []OrderItem) error {
	query := `
		INSERT INTO order_items (order_id, product_id, product_name, price, quantity, total)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	for i := range items {
		item := &items[i]
		err := t.tx.QueryRow(ctx, query,
			orderID,
			item.ProductID,
			item.ProductName,
			item.Price,
			item.Quantity,
			item.Total,
		).Scan(&item.ID)
		if err != nil {
			if verr := outOfRange(err); verr != nil {
				return verr
			}
			return fmt.Errorf("repository: failed to insert order item for order %d: %w", orderID, err)
		}
		item.OrderID = orderID
	}

	return nil
}

// outOfRange reports a value too large for its column as a validation error.
func outOfRange(err error) *ValidationError {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.NumericValueOutOfRange {
		return nil
	}
	verr := newValidationError()
	verr.add("items", "quantity or amount out of range, reduce quantity or remove item")
	return verr
}

func (t *postgresTx) Ledger() StockLedger {
	return t.ledger
}

const orderColumns = `
	id, customer_name, customer_email, customer_address, customer_city, customer_zipcode,
	subtotal, tax, total, status, idempotency_key, created_at, updated_at
`

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o      Order
		status string
	)
	err := row.Scan(
		&o.ID,
		&o.CustomerName,
		&o.CustomerEmail,
		&o.CustomerAddress,
		&o.CustomerCity,
		&o.CustomerZipCode,
		&o.Subtotal,
		&o.Tax,
		&o.Total,
		&status,
		&o.IdempotencyKey,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.Status = Status(status)
	return &o, nil
}

func (r *postgresRepository) GetOrderByID(ctx context.Context, id int64) (*Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to fetch order %d: %w", id, err)
	}

	items, err := r.getItems(ctx, id)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return o, nil
}

func (r *postgresRepository) getItems(ctx context.Context, orderID int64) ([]OrderItem, error) {
	query := `
		SELECT id, order_id, product_id, product_name, price, quantity, total
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`
	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query items for order %d: %w", orderID, err)
	}
	defer rows.Close()

	items := make([]OrderItem, 0)
	for rows.Next() {
		var item OrderItem
		if err := rows.Scan(
			&item.ID,
			&item.OrderID,
			&item.ProductID,
			&item.ProductName,
			&item.Price,
			&item.Quantity,
			&item.Total,
		); err != nil {
			return nil, fmt.Errorf("repository: failed to scan item for order %d: %w", orderID, err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed to read items for order %d: %w", orderID, err)
	}

	return items, nil
}

func (r *postgresRepository) GetOrderByIdempotencyKey(ctx context.Context, key uuid.UUID) (*Order, error) {
	o, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to fetch order by idempotency key: %w", err)
	}

	return o, nil
}

func (r *postgresRepository) ListOrders(ctx context.Context) ([]Order, error) {
	rows, err := r.db.Query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: failed to scan order: %w", err)
		}
		orders = append(orders, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: failed to read orders: %w", err)
	}

	return orders, nil
}

func (r *postgresRepository) UpdateOrderStatus(ctx context.Context, id int64, status Status) error {
	query := `
		UPDATE orders
		SET status = $1, updated_at = NOW()
		WHERE id = $2
	`
	cmdTag, err := r.db.Exec(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("repository: failed to update status for order %d: %w", id, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}

	return nil
}
