package order

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrOrderNotFound = errors.New("order not found")

	// ErrValidation marks a request the client must correct. Nothing was written.
	ErrValidation = errors.New("validation failed")

	// ErrInsufficientStock marks an aborted commit that will fail again unless
	// the cart changes.
	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrStorage marks an aborted commit caused by the database. Nothing was
	// applied and the same request may be retried.
	ErrStorage = errors.New("storage failure")

	// ErrDuplicateIdempotencyKey is returned by Tx.InsertOrder when another
	// commit already owns the key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")

	ErrInvalidStatus = errors.New("invalid order status")
)

type ValidationError struct {
	Fields map[string]string
}

func newValidationError() *ValidationError {
	return &ValidationError{Fields: make(map[string]string)}
}

func (e *ValidationError) add(field, msg string) {
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) empty() bool {
	return len(e.Fields) == 0
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(parts, "; "))
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type InsufficientStockError struct {
	ProductID   int64
	ProductName string
	Requested   int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d (%s): requested %d, reduce quantity or remove item",
		e.ProductID, e.ProductName, e.Requested)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}
