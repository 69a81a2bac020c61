// Package inventory is the only code allowed to change a product's stock.
package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
)

var (
	ErrProductNotFound = errors.New("product not found")
	ErrInvalidQuantity = errors.New("quantity must be greater than zero")
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx, so the ledger
// runs either standalone or inside the caller's transaction.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Ledger struct {
	db DBTX
}

func NewLedger(db DBTX) *Ledger {
	return &Ledger{db: db}
}

// ConditionalDecrement subtracts quantity from the product's stock only if at
// least quantity units are available. The check and the write are one
// statement, so two racing callers can never both take the last unit.
// A false result with a nil error means insufficient stock.
func (l *Ledger) ConditionalDecrement(ctx context.Context, productID int64, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, ErrInvalidQuantity
	}

	query := `
		UPDATE products
		SET stock = stock - $1, updated_at = NOW()
		WHERE id = $2 AND stock >= $1
	`
	cmdTag, err := l.db.Exec(ctx, query, quantity, productID)
	if err != nil {
		return false, fmt.Errorf("ledger: failed to decrement stock for product %d: %w", productID, err)
	}

	if cmdTag.RowsAffected() == 1 {
		return true, nil
	}

	exists, err := l.exists(ctx, productID)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("ledger: product %d: %w", productID, ErrProductNotFound)
	}

	log.Debug().Int64("product_id", productID).Int("quantity", quantity).Msg("ledger: insufficient stock")
	return false, nil
}

// Increment adds quantity back unconditionally (restock, refund).
func (l *Ledger) Increment(ctx context.Context, productID int64, quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}

	query := `
		UPDATE products
		SET stock = stock + $1, updated_at = NOW()
		WHERE id = $2
	`
	cmdTag, err := l.db.Exec(ctx, query, quantity, productID)
	if err != nil {
		return fmt.Errorf("ledger: failed to increment stock for product %d: %w", productID, err)
	}

	if cmdTag.RowsAffected() == 0 {
		return fmt.Errorf("ledger: product %d: %w", productID, ErrProductNotFound)
	}

	return nil
}

// GetAvailable is advisory only. The value may be stale by the time a
// decrement runs; only ConditionalDecrement's result is authoritative.
func (l *Ledger) GetAvailable(ctx context.Context, productID int64) (int, error) {
	var stock int
	err := l.db.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("ledger: product %d: %w", productID, ErrProductNotFound)
		}
		return 0, fmt.Errorf("ledger: failed to read stock for product %d: %w", productID, err)
	}

	return stock, nil
}

func (l *Ledger) exists(ctx context.Context, productID int64) (bool, error) {
	var exists bool
	err := l.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger: failed to check product %d: %w", productID, err)
	}

	return exists, nil
}
