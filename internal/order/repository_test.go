package order_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/storefront/internal/db"
	"github.com/vasiliy-maslov/storefront/internal/db/dbtest"
	"github.com/vasiliy-maslov/storefront/internal/eventbus"
	"github.com/vasiliy-maslov/storefront/internal/idempotency"
	"github.com/vasiliy-maslov/storefront/internal/order"
	"github.com/vasiliy-maslov/storefront/internal/product"
)

var testDB *db.Postgres

func TestMain(m *testing.M) {
	testDB = dbtest.Open()

	exitCode := m.Run()

	if testDB != nil {
		testDB.Close()
	}
	os.Exit(exitCode)
}

func setupPostgres(t *testing.T) (order.Repository, order.Service) {
	t.Helper()
	if testDB == nil {
		t.Skip("test database unavailable")
	}
	dbtest.Truncate(t, testDB.Pool)
	t.Cleanup(func() {
		dbtest.Truncate(t, testDB.Pool)
	})

	repo := order.NewRepository(testDB.Pool)
	svc := order.NewService(repo, product.NewRepository(testDB.SQL), idempotency.Disabled{}, eventbus.NopPublisher{})
	return repo, svc
}

func TestOrderRepository_CommitScenario(t *testing.T) {
	_, svc := setupPostgres(t)
	ctx := context.Background()

	id := dbtest.SeedProduct(t, testDB.Pool, "Notebook", "10.00", 3)

	receipt, err := svc.PlaceOrder(ctx, order.CheckoutRequest{
		Customer: testCustomer(),
		Items:    []order.CartLine{{ProductID: id, Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, order.FormatOrderNumber(receipt.OrderID), receipt.OrderNumber)
	assert.Equal(t, 1, dbtest.Stock(t, testDB.Pool, id))

	o, err := svc.GetOrder(ctx, receipt.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "20.00", o.Subtotal.StringFixed(2))
	assert.Equal(t, "1.60", o.Tax.StringFixed(2))
	assert.Equal(t, "21.60", o.Total.StringFixed(2))
	assert.Equal(t, order.StatusPending, o.Status)
	assert.False(t, o.IdempotencyKey.Valid)
	require.Len(t, o.Items, 1)
	assert.Equal(t, id, o.Items[0].ProductID)
	assert.Equal(t, "Notebook", o.Items[0].ProductName)
	assert.Equal(t, "20.00", o.Items[0].Total.StringFixed(2))

	// The item is a snapshot: repricing the product must not change it.
	_, err = testDB.Pool.Exec(ctx, `UPDATE products SET price = 99.00, name = 'Renamed' WHERE id = $1`, id)
	require.NoError(t, err)
	again, err := svc.GetOrder(ctx, receipt.OrderID)
	require.NoError(t, err)
	assert.Equal(t, "Notebook", again.Items[0].ProductName)
	assert.Equal(t, "10.00", again.Items[0].Price.StringFixed(2))
}

func TestOrderRepository_InsufficientStockRollsBack(t *testing.T) {
	repo, svc := setupPostgres(t)
	ctx := context.Background()

	plenty := dbtest.SeedProduct(t, testDB.Pool, "Pencil", "0.99", 10)
	scarce := dbtest.SeedProduct(t, testDB.Pool, "Desk lamp", "35.50", 2)

	_, err := svc.PlaceOrder(ctx, order.CheckoutRequest{
		Customer: testCustomer(),
		Items: []order.CartLine{
			{ProductID: plenty, Quantity: 4},
			{ProductID: scarce, Quantity: 5},
		},
	})
	assert.ErrorIs(t, err, order.ErrInsufficientStock)

	assert.Equal(t, 10, dbtest.Stock(t, testDB.Pool, plenty))
	assert.Equal(t, 2, dbtest.Stock(t, testDB.Pool, scarce))

	orders, err := repo.ListOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)

	var items int
	require.NoError(t, testDB.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM order_items`).Scan(&items))
	assert.Zero(t, items)
}

func TestOrderRepository_LastUnitRace(t *testing.T) {
	repo, svc := setupPostgres(t)
	id := dbtest.SeedProduct(t, testDB.Pool, "Last one", "5.00", 1)

	const buyers = 8
	var (
		wg      sync.WaitGroup
		results = make(chan error, buyers)
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.PlaceOrder(context.Background(), order.CheckoutRequest{
				Customer: testCustomer(),
				Items:    []order.CartLine{{ProductID: id, Quantity: 1}},
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, order.ErrInsufficientStock):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, buyers-1, rejected)
	assert.Zero(t, dbtest.Stock(t, testDB.Pool, id))

	orders, err := repo.ListOrders(context.Background())
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestOrderRepository_IdempotencyKeyUnique(t *testing.T) {
	repo, svc := setupPostgres(t)
	ctx := context.Background()
	id := dbtest.SeedProduct(t, testDB.Pool, "Mug", "12.90", 5)

	key := uuid.Must(uuid.NewV4())
	req := order.CheckoutRequest{
		Customer:       testCustomer(),
		Items:          []order.CartLine{{ProductID: id, Quantity: 1}},
		IdempotencyKey: key,
	}

	first, err := svc.PlaceOrder(ctx, req)
	require.NoError(t, err)

	stored, err := repo.GetOrderByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, stored.ID)

	// Bypass the service lookup: the constraint itself must reject the key.
	err = repo.WithTx(ctx, func(ctx context.Context, tx order.Tx) error {
		_, err := tx.InsertOrder(ctx, &order.Order{
			CustomerName:   "Dup",
			Status:         order.StatusPending,
			IdempotencyKey: uuid.NullUUID{UUID: key, Valid: true},
		})
		return err
	})
	assert.ErrorIs(t, err, order.ErrDuplicateIdempotencyKey)

	second, err := svc.PlaceOrder(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, 4, dbtest.Stock(t, testDB.Pool, id))
}

func TestOrderRepository_StatusAndList(t *testing.T) {
	repo, svc := setupPostgres(t)
	ctx := context.Background()
	id := dbtest.SeedProduct(t, testDB.Pool, "Plate", "4.00", 10)

	var ids []int64
	for i := 0; i < 3; i++ {
		receipt, err := svc.PlaceOrder(ctx, order.CheckoutRequest{
			Customer: testCustomer(),
			Items:    []order.CartLine{{ProductID: id, Quantity: 1}},
		})
		require.NoError(t, err)
		ids = append(ids, receipt.OrderID)
	}

	orders, err := repo.ListOrders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.Equal(t, ids[2], orders[0].ID)
	assert.Equal(t, ids[0], orders[2].ID)

	require.NoError(t, repo.UpdateOrderStatus(ctx, ids[0], order.StatusShipped))
	o, err := repo.GetOrderByID(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, order.StatusShipped, o.Status)
	assert.True(t, !o.UpdatedAt.Before(o.CreatedAt))

	assert.ErrorIs(t, repo.UpdateOrderStatus(ctx, 9999, order.StatusPaid), order.ErrOrderNotFound)
	_, err = repo.GetOrderByID(ctx, 9999)
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestOrderRepository_OutOfRangeIsValidationError(t *testing.T) {
	repo, _ := setupPostgres(t)
	ctx := context.Background()

	id := dbtest.SeedProduct(t, testDB.Pool, "Notebook", "10.00", 3)
	huge := decimal.RequireFromString("100000000.00")

	err := repo.WithTx(ctx, func(ctx context.Context, tx order.Tx) error {
		_, err := tx.InsertOrder(ctx, &order.Order{
			CustomerName:    "Ada",
			CustomerEmail:   "ada@example.com",
			CustomerAddress: "12 Analytical St",
			CustomerCity:    "London",
			CustomerZipCode: "N1 9GU",
			Subtotal:        huge,
			Tax:             decimal.Zero,
			Total:           huge,
			Status:          order.StatusPending,
		})
		return err
	})
	assert.ErrorIs(t, err, order.ErrValidation)
	assert.NotErrorIs(t, err, order.ErrStorage)

	err = repo.WithTx(ctx, func(ctx context.Context, tx order.Tx) error {
		orderID, err := tx.InsertOrder(ctx, &order.Order{
			CustomerName:    "Ada",
			CustomerEmail:   "ada@example.com",
			CustomerAddress: "12 Analytical St",
			CustomerCity:    "London",
			CustomerZipCode: "N1 9GU",
			Status:          order.StatusPending,
		})
		if err != nil {
			return err
		}
		return tx.InsertItems(ctx, orderID, []order.OrderItem{
			{ProductID: id, ProductName: "Notebook", Price: decimal.RequireFromString("10.00"), Quantity: 1, Total: huge},
		})
	})
	assert.ErrorIs(t, err, order.ErrValidation)

	orders, err := repo.ListOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)
}
