//go:build integration

package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mmeshcher/checkout-service/internal/model"
)

func setupRepository(t *testing.T) *PostgresRepository {
	t.Helper()
	ctx := context.Background()

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("checkout"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	repo, err := NewPostgresRepository(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	seed(t, repo)
	return repo
}

func seed(t *testing.T, r *PostgresRepository) {
	t.Helper()
	ctx := context.Background()

	stmts := []string{
		`INSERT INTO users (id, email, is_staff) VALUES (1, 'buyer@example.com', FALSE), (2, 'staff@example.com', TRUE)`,
		`INSERT INTO site_settings (vat) VALUES (13)`,
		`INSERT INTO areas (id, name, delivery_duration) VALUES (1, 'Kathmandu', 3)`,
		`INSERT INTO shipping_addresses (id, user_id, area_id, address) VALUES (1, 1, 1, 'Thamel')`,
		`INSERT INTO products (id, name, selling_price, quantity, items_sold) VALUES (1, 'A', 10000, 5, 0)`,
		`INSERT INTO product_bundles (id, name, selling_price) VALUES (1, 'Box', 5000)`,
		`INSERT INTO promo_codes (name, code, discount, start_date, end_date)
		 VALUES ('January', 'JAN24', 1500, '2024-01-01', '2024-01-31')`,
	}
	for _, s := range stmts {
		_, err := r.pool.Exec(ctx, s)
		require.NoError(t, err, s)
	}
}

func verifiedPayment(id string, amount string) *model.PaymentRecord {
	return &model.PaymentRecord{
		PaymentID:          id,
		UserID:             1,
		Method:             model.MethodKhalti,
		GatewayRef:         "ref-" + id,
		Amount:             decimal.RequireFromString(amount),
		Currency:           "NPR",
		VerificationStatus: model.VerificationVerified,
		StatusCode:         200,
	}
}

func newOrder(paymentID string) *model.Order {
	now := time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC)
	return &model.Order{
		UserID:                1,
		PaymentID:             paymentID,
		ShippingID:            1,
		EstimatedDeliveryDate: now.AddDate(0, 0, 3),
		Discount:              decimal.Zero,
		DeliveryCharge:        decimal.NewFromInt(10),
		VAT:                   decimal.NewFromInt(26),
		FinalPrice:            decimal.NewFromInt(236),
		CreatedAt:             now,
		Lines: []model.OrderLine{{
			ProductID: 1,
			Quantity:  2,
			Rate:      decimal.NewFromInt(100),
			NetTotal:  decimal.NewFromInt(200),
		}},
	}
}

func TestPostgresRepository_Lookups(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	p, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.True(t, p.SellingPrice.Equal(decimal.NewFromInt(100)))
	assert.Equal(t, int64(5), p.Quantity)

	_, err = repo.GetProduct(ctx, 99)
	require.ErrorIs(t, err, ErrProductNotFound)

	vat, err := repo.GetVATPercentage(ctx)
	require.NoError(t, err)
	assert.True(t, vat.Equal(decimal.NewFromInt(13)))

	days, err := repo.GetDeliveryDuration(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, days)

	_, err = repo.GetDeliveryDuration(ctx, 2, 1)
	require.ErrorIs(t, err, ErrShippingNotFound)

	promo, err := repo.GetPromoCode(ctx, "JAN24")
	require.NoError(t, err)
	assert.True(t, promo.Discount.Equal(decimal.NewFromInt(15)))

	staff, err := repo.GetStaffUsers(ctx)
	require.NoError(t, err)
	require.Len(t, staff, 1)
	assert.Equal(t, "staff@example.com", staff[0].Email)
}

func TestPostgresRepository_PaymentDeduplication(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreatePayment(ctx, verifiedPayment("p1", "236")))

	exists, err := repo.PaymentExists(ctx, model.MethodKhalti, "ref-p1")
	require.NoError(t, err)
	assert.True(t, exists)

	dup := verifiedPayment("p2", "236")
	dup.GatewayRef = "ref-p1"
	require.ErrorIs(t, repo.CreatePayment(ctx, dup), ErrDuplicatePayment)
}

func TestPostgresRepository_UnverifiedPaymentIsNotSpendable(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	failed := verifiedPayment("p1", "236")
	failed.VerificationStatus = model.VerificationUnverified
	failed.StatusCode = 203
	require.NoError(t, repo.CreatePayment(ctx, failed))

	_, err := repo.GetSpendablePayment(ctx, "p1", 1)
	require.ErrorIs(t, err, ErrPaymentUnspendable)

	cod := verifiedPayment("p2", "236")
	cod.Method = model.MethodCOD
	cod.VerificationStatus = model.VerificationUnverified
	require.NoError(t, repo.CreatePayment(ctx, cod))

	_, err = repo.GetSpendablePayment(ctx, "p2", 1)
	require.NoError(t, err)

	_, err = repo.GetSpendablePayment(ctx, "p2", 2)
	require.ErrorIs(t, err, ErrPaymentUnspendable)
}

func TestPostgresRepository_ConcurrentClaim(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreatePayment(ctx, verifiedPayment("p1", "236")))

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		rejected  int
	)
	for range workers {
		wg.Go(func() {
			err := repo.CreateOrder(ctx, newOrder("p1"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, ErrPaymentUnspendable):
				rejected++
			}
		})
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, rejected)

	orders, err := repo.GetOrdersByUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, model.OrderCode(orders[0].CreatedAt, orders[0].ID), orders[0].Code)
	require.Len(t, orders[0].Lines, 1)
	assert.True(t, orders[0].Lines[0].NetTotal.Equal(decimal.NewFromInt(200)))
}

func TestPostgresRepository_CompleteOrderOnce(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreatePayment(ctx, verifiedPayment("p1", "236")))
	order := newOrder("p1")
	require.NoError(t, repo.CreateOrder(ctx, order))

	today := time.Date(2024, time.March, 8, 0, 0, 0, 0, time.UTC)
	done, err := repo.CompleteOrder(ctx, order.ID, today)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryCompleted, done.DeliveryStatus)
	require.Len(t, done.Lines, 1)
	assert.Equal(t, model.DeliveryCompleted, done.Lines[0].DeliveryStatus)

	_, err = repo.CompleteOrder(ctx, order.ID, today)
	require.ErrorIs(t, err, ErrAlreadyCompleted)

	_, err = repo.CancelOrder(ctx, order.ID)
	require.ErrorIs(t, err, ErrAlreadyCompleted)

	p, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), p.Quantity)
	assert.Equal(t, int64(2), p.ItemsSold)

	_, err = repo.CompleteOrder(ctx, 9999, today)
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestPostgresRepository_CancelOrderKeepsStock(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreatePayment(ctx, verifiedPayment("p1", "236")))
	order := newOrder("p1")
	require.NoError(t, repo.CreateOrder(ctx, order))

	cancelled, err := repo.CancelOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Nil(t, cancelled.DeliveredAt)

	_, err = repo.CompleteOrder(ctx, order.ID, time.Now())
	require.ErrorIs(t, err, ErrAlreadyCancelled)

	p, err := repo.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), p.Quantity)
	assert.Equal(t, int64(0), p.ItemsSold)
}

func TestPostgresRepository_PreOrderLifecycle(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreatePayment(ctx, verifiedPayment("p1", "200")))

	now := time.Date(2024, time.March, 5, 12, 0, 0, 0, time.UTC)
	pre := &model.PreOrder{
		UserID:                1,
		BundleID:              1,
		PaymentID:             "p1",
		ShippingID:            1,
		Quantity:              3,
		Rate:                  decimal.NewFromInt(50),
		EstimatedDeliveryDate: now.AddDate(0, 0, 3),
		Discount:              decimal.Zero,
		DeliveryCharge:        decimal.Zero,
		VAT:                   decimal.NewFromInt(19),
		FinalPrice:            decimal.NewFromInt(169),
		CreatedAt:             now,
	}
	require.NoError(t, repo.CreatePreOrder(ctx, pre))
	assert.Equal(t, model.PreOrderCode(now, pre.ID), pre.Code)

	require.ErrorIs(t, repo.CreatePreOrder(ctx, pre), ErrPaymentUnspendable)

	done, err := repo.CompletePreOrder(ctx, pre.ID, now)
	require.NoError(t, err)
	assert.Equal(t, model.DeliveryCompleted, done.DeliveryStatus)

	_, err = repo.CancelPreOrder(ctx, pre.ID)
	require.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestPostgresRepository_IMEPayTokenClaimedOnce(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	token, err := repo.CreateIMEPayToken(ctx, 1, decimal.RequireFromString("50.00"))
	require.NoError(t, err)
	require.NotEmpty(t, token.RefID)

	ok, err := repo.ClaimIMEPayToken(ctx, token.RefID, 1, decimal.RequireFromString("5000"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.ClaimIMEPayToken(ctx, token.RefID, 2, decimal.RequireFromString("50"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.ClaimIMEPayToken(ctx, "not-a-uuid", 1, decimal.RequireFromString("50"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.ClaimIMEPayToken(ctx, token.RefID, 1, decimal.RequireFromString("50"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimIMEPayToken(ctx, token.RefID, 1, decimal.RequireFromString("50"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresRepository_RejectsNegativeCharges(t *testing.T) {
	repo := setupRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.CreatePayment(ctx, verifiedPayment("p-neg", "26")))

	order := newOrder("p-neg")
	order.DeliveryCharge = decimal.NewFromInt(-200)
	require.Error(t, repo.CreateOrder(ctx, order))

	p, err := repo.GetSpendablePayment(ctx, "p-neg", 1)
	require.NoError(t, err)
	assert.False(t, p.Spent)
}
