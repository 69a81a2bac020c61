package order_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/vasiliy-maslov/storefront/internal/inventory"
	"github.com/vasiliy-maslov/storefront/internal/order"
	"github.com/vasiliy-maslov/storefront/internal/product"
)

// memStore is an in-memory order.Repository. Transactions are serialized and
// work on a staged copy that is discarded unless fn returns nil.
type memStore struct {
	mu     sync.Mutex
	stock  map[int64]int
	orders map[int64]order.Order
	nextID int64

	failInsertItems error
	failDecrement   map[int64]error
}

func newMemStore(stock map[int64]int) *memStore {
	return &memStore{stock: stock, orders: make(map[int64]order.Order)}
}

func (m *memStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx order.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:  m,
		stock:  make(map[int64]int, len(m.stock)),
		nextID: m.nextID,
	}
	for id, qty := range m.stock {
		tx.stock[id] = qty
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.stock = tx.stock
	m.nextID = tx.nextID
	for _, o := range tx.orders {
		m.orders[o.ID] = o
	}
	return nil
}

func (m *memStore) GetOrderByID(ctx context.Context, id int64) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return &o, nil
}

func (m *memStore) GetOrderByIdempotencyKey(ctx context.Context, key uuid.UUID) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orders {
		if o.IdempotencyKey.Valid && o.IdempotencyKey.UUID == key {
			return &o, nil
		}
	}
	return nil, order.ErrOrderNotFound
}

func (m *memStore) ListOrders(ctx context.Context) ([]order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orders := make([]order.Order, 0, len(m.orders))
	for _, o := range m.orders {
		o.Items = nil
		orders = append(orders, o)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].ID > orders[j].ID })
	return orders, nil
}

func (m *memStore) UpdateOrderStatus(ctx context.Context, id int64, status order.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return order.ErrOrderNotFound
	}
	o.Status = status
	m.orders[id] = o
	return nil
}

func (m *memStore) stockOf(id int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[id]
}

// itemCount counts committed order items across all orders.
func (m *memStore) itemCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.orders {
		n += len(o.Items)
	}
	return n
}

func (m *memStore) orderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

type memTx struct {
	store  *memStore
	stock  map[int64]int
	orders []order.Order
	nextID int64
}

func (t *memTx) InsertOrder(ctx context.Context, o *order.Order) (int64, error) {
	if o.IdempotencyKey.Valid {
		for _, existing := range t.store.orders {
			if existing.IdempotencyKey == o.IdempotencyKey {
				return 0, order.ErrDuplicateIdempotencyKey
			}
		}
	}

	t.nextID++
	o.ID = t.nextID
	o.CreatedAt = time.Now().UTC()
	o.UpdatedAt = o.CreatedAt
	t.orders = append(t.orders, *o)
	return o.ID, nil
}

func (t *memTx) InsertItems(ctx context.Context, orderID int64, items []order.OrderItem) error {
	if t.store.failInsertItems != nil {
		return t.store.failInsertItems
	}

	stored := make([]order.OrderItem, len(items))
	for i, item := range items {
		item.ID = int64(i + 1)
		item.OrderID = orderID
		stored[i] = item
	}
	for i := range t.orders {
		if t.orders[i].ID == orderID {
			t.orders[i].Items = stored
		}
	}
	return nil
}

func (t *memTx) Ledger() order.StockLedger {
	return t
}

func (t *memTx) ConditionalDecrement(ctx context.Context, productID int64, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, inventory.ErrInvalidQuantity
	}
	if err := t.store.failDecrement[productID]; err != nil {
		return false, err
	}
	stock, ok := t.stock[productID]
	if !ok {
		return false, inventory.ErrProductNotFound
	}
	if stock < quantity {
		return false, nil
	}
	t.stock[productID] = stock - quantity
	return true, nil
}

// memCatalog serves product snapshots by id.
type memCatalog map[int64]product.Product

func (c memCatalog) GetByIDs(ctx context.Context, ids []int64) (map[int64]product.Product, error) {
	found := make(map[int64]product.Product, len(ids))
	for _, id := range ids {
		if p, ok := c[id]; ok {
			found[id] = p
		}
	}
	return found, nil
}
