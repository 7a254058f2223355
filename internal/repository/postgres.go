// Package repository содержит реализацию доступа к данным в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-service/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrProductNotFound возвращается, если товар не найден в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrBundleNotFound возвращается, если набор товаров не найден.
	ErrBundleNotFound = errors.New("product bundle not found")
	// ErrVATNotConfigured возвращается, если в настройках сайта нет ставки НДС.
	ErrVATNotConfigured = errors.New("vat is not configured")
	// ErrShippingNotFound возвращается, если адрес доставки не найден или принадлежит другому пользователю.
	ErrShippingNotFound = errors.New("shipping address not found")
	// ErrPromoCodeNotFound возвращается, если промокод не найден.
	ErrPromoCodeNotFound = errors.New("promo code not found")
	// ErrUserNotFound возвращается, если пользователь не найден.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPreOrderNotFound возвращается, если предзаказ не найден.
	ErrPreOrderNotFound = errors.New("pre-order not found")
	// ErrPaymentUnspendable возвращается, если платёж не найден, уже потрачен или не подтверждён.
	// Причина намеренно не уточняется.
	ErrPaymentUnspendable = errors.New("invalid or unspendable payment")
	// ErrDuplicatePayment возвращается при повторной записи платежа с тем же ключом шлюза.
	ErrDuplicatePayment = errors.New("duplicate payment")
	// ErrAlreadyCompleted возвращается при попытке перевести завершённый заказ.
	ErrAlreadyCompleted = errors.New("already completed")
	// ErrAlreadyCancelled возвращается при попытке перевести отменённый заказ.
	ErrAlreadyCancelled = errors.New("already cancelled")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

var retryDelays = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error

	for i := 0; i <= len(retryDelays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if !isRetryable(err) || i == len(retryDelays) {
			break
		}

		timer := time.NewTimer(retryDelays[i])
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// Суммы хранятся в минимальных единицах валюты.
func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

// GetProduct возвращает товар с текущей ценой и остатком.
func (r *PostgresRepository) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	var (
		p     model.Product
		price int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, selling_price, quantity, items_sold FROM products WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Name, &price, &p.Quantity, &p.ItemsSold)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("get product: %w", err)
	}
	p.SellingPrice = fromCents(price)
	return &p, nil
}

// GetProductBundle возвращает набор товаров для предзаказа.
func (r *PostgresRepository) GetProductBundle(ctx context.Context, id int64) (*model.ProductBundle, error) {
	var (
		b     model.ProductBundle
		price int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, selling_price FROM product_bundles WHERE id = $1`,
		id,
	).Scan(&b.ID, &b.Name, &price)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBundleNotFound
		}
		return nil, fmt.Errorf("get product bundle: %w", err)
	}
	b.SellingPrice = fromCents(price)
	return &b, nil
}

// GetVATPercentage возвращает ставку НДС из последней записи настроек сайта.
func (r *PostgresRepository) GetVATPercentage(ctx context.Context) (decimal.Decimal, error) {
	var raw string
	err := r.pool.QueryRow(ctx,
		`SELECT vat::text FROM site_settings ORDER BY id DESC LIMIT 1`,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, ErrVATNotConfigured
		}
		return decimal.Zero, fmt.Errorf("get vat: %w", err)
	}

	pct, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse vat %q: %w", raw, err)
	}
	return pct, nil
}

// GetDeliveryDuration возвращает срок доставки в днях для адреса пользователя.
func (r *PostgresRepository) GetDeliveryDuration(ctx context.Context, userID, shippingID int64) (int, error) {
	var days int
	err := r.pool.QueryRow(ctx,
		`SELECT a.delivery_duration
		 FROM shipping_addresses s
		 JOIN areas a ON a.id = s.area_id
		 WHERE s.id = $1 AND s.user_id = $2`,
		shippingID, userID,
	).Scan(&days)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrShippingNotFound
		}
		return 0, fmt.Errorf("get delivery duration: %w", err)
	}
	return days, nil
}

// GetPromoCode возвращает промокод по его коду.
func (r *PostgresRepository) GetPromoCode(ctx context.Context, code string) (*model.PromoCode, error) {
	var (
		p        model.PromoCode
		discount int64
	)
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, code, discount, start_date, end_date FROM promo_codes WHERE code = $1`,
		code,
	).Scan(&p.ID, &p.Name, &p.Code, &discount, &p.StartDate, &p.EndDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPromoCodeNotFound
		}
		return nil, fmt.Errorf("get promo code: %w", err)
	}
	p.Discount = fromCents(discount)
	return &p, nil
}

// GetUser возвращает пользователя по идентификатору.
func (r *PostgresRepository) GetUser(ctx context.Context, id int64) (*model.User, error) {
	var u model.User
	err := r.pool.QueryRow(ctx,
		`SELECT id, email, is_staff FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.IsStaff)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetStaffUsers возвращает всех сотрудников.
func (r *PostgresRepository) GetStaffUsers(ctx context.Context) ([]model.User, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, email, is_staff FROM users WHERE is_staff ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select staff: %w", err)
	}
	defer rows.Close()

	var res []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.IsStaff); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		res = append(res, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// PaymentExists сообщает, есть ли уже запись о платеже с этим ключом шлюза.
func (r *PostgresRepository) PaymentExists(ctx context.Context, method, gatewayRef string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM payments WHERE method = $1 AND gateway_ref = $2)`,
		method, gatewayRef,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check payment: %w", err)
	}
	return exists, nil
}

// CreatePayment сохраняет результат проверки платежа. Запись создаётся и при неуспешной проверке.
func (r *PostgresRepository) CreatePayment(ctx context.Context, p *model.PaymentRecord) error {
	err := r.pool.QueryRow(ctx,
		`INSERT INTO payments
		   (payment_id, user_id, method, gateway_ref, amount, currency, verification_status, status_code)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING created_at, updated_at`,
		p.PaymentID, p.UserID, p.Method, p.GatewayRef, toCents(p.Amount), p.Currency,
		string(p.VerificationStatus), p.StatusCode,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s %s", ErrDuplicatePayment, p.Method, p.GatewayRef)
		}
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

// Условие, при котором платёж можно потратить на заказ.
const spendableFilter = `payment_id = $1 AND user_id = $2 AND NOT spent AND NOT is_deleted
	AND (verification_status = 'verified' OR method = '` + model.MethodCOD + `')`

const paymentColumns = `payment_id, user_id, method, gateway_ref, amount, currency,
	verification_status, status_code, spent, is_deleted, deleted_at, created_at, updated_at`

func scanPayment(row pgx.Row) (*model.PaymentRecord, error) {
	var (
		p      model.PaymentRecord
		amount int64
		status string
	)
	err := row.Scan(&p.PaymentID, &p.UserID, &p.Method, &p.GatewayRef, &amount, &p.Currency,
		&status, &p.StatusCode, &p.Spent, &p.IsDeleted, &p.DeletedAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Amount = fromCents(amount)
	p.VerificationStatus = model.VerificationStatus(status)
	return &p, nil
}

// GetSpendablePayment возвращает платёж пользователя, который можно потратить на заказ.
func (r *PostgresRepository) GetSpendablePayment(ctx context.Context, paymentID string, userID int64) (*model.PaymentRecord, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE `+spendableFilter,
		paymentID, userID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentUnspendable
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

// GetPaymentsByUser возвращает историю проверок платежей пользователя.
func (r *PostgresRepository) GetPaymentsByUser(ctx context.Context, userID int64) ([]model.PaymentRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+paymentColumns+`
		 FROM payments
		 WHERE user_id = $1 AND NOT is_deleted
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.PaymentRecord
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// CreateIMEPayToken выдаёт пользователю новый RefId для оплаты через IME Pay на сумму amount.
func (r *PostgresRepository) CreateIMEPayToken(ctx context.Context, userID int64, amount decimal.Decimal) (*model.IMEPayToken, error) {
	t := &model.IMEPayToken{
		RefID:     uuid.NewString(),
		UserID:    userID,
		Amount:    amount,
		Available: true,
	}
	err := r.pool.QueryRow(ctx,
		`INSERT INTO imepay_tokens (ref_id, user_id, amount) VALUES ($1, $2, $3) RETURNING created_at`,
		t.RefID, userID, toCents(amount),
	).Scan(&t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create imepay token: %w", err)
	}
	return t, nil
}

// ClaimIMEPayToken погашает доступный токен пользователя с той же суммой.
// false означает, что подходящего токена нет.
func (r *PostgresRepository) ClaimIMEPayToken(ctx context.Context, refID string, userID int64, amount decimal.Decimal) (bool, error) {
	if _, err := uuid.Parse(refID); err != nil {
		return false, nil
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE imepay_tokens SET available = FALSE
		 WHERE ref_id = $1 AND user_id = $2 AND amount = $3 AND available`,
		refID, userID, toCents(amount),
	)
	if err != nil {
		return false, fmt.Errorf("claim imepay token: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// claimPayment помечает платёж потраченным. Успех определяется числом изменённых строк,
// поэтому из двух параллельных транзакций платёж получит только одна.
func claimPayment(ctx context.Context, tx pgx.Tx, paymentID string, userID int64) error {
	tag, err := tx.Exec(ctx,
		`UPDATE payments SET spent = TRUE, updated_at = now() WHERE `+spendableFilter,
		paymentID, userID,
	)
	if err != nil {
		return fmt.Errorf("claim payment: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return ErrPaymentUnspendable
	}
	return nil
}

// CreateOrder в одной транзакции списывает платёж, создаёт заказ, присваивает ему код
// и сохраняет строки. Заполняет ID и Code заказа и ID строк.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *model.Order) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := claimPayment(ctx, tx, order.PaymentID, order.UserID); err != nil {
		return err
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO orders
		   (user_id, payment_id, shipping_id, delivery_status, estimated_delivery_date,
		    discount, delivery_charge, vat, final_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		 RETURNING id`,
		order.UserID, order.PaymentID, order.ShippingID, string(model.DeliveryPending),
		order.EstimatedDeliveryDate, toCents(order.Discount), toCents(order.DeliveryCharge),
		toCents(order.VAT), toCents(order.FinalPrice), order.CreatedAt,
	).Scan(&order.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPaymentUnspendable
		}
		return fmt.Errorf("insert order: %w", err)
	}

	order.Code = model.OrderCode(order.CreatedAt, order.ID)
	if _, err := tx.Exec(ctx, `UPDATE orders SET order_code = $2 WHERE id = $1`, order.ID, order.Code); err != nil {
		return fmt.Errorf("set order code: %w", err)
	}

	batch := &pgx.Batch{}
	for _, l := range order.Lines {
		batch.Queue(
			`INSERT INTO order_lines
			   (order_id, user_id, product_id, color, quantity, rate, net_total,
			    delivery_status, estimated_delivery_date)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING id`,
			order.ID, order.UserID, l.ProductID, l.Color, l.Quantity, toCents(l.Rate), toCents(l.NetTotal),
			string(model.DeliveryPending), order.EstimatedDeliveryDate,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for i := range order.Lines {
		if err := br.QueryRow().Scan(&order.Lines[i].ID); err != nil {
			br.Close()
			return fmt.Errorf("insert order line: %w", err)
		}
		order.Lines[i].OrderID = order.ID
		order.Lines[i].DeliveryStatus = model.DeliveryPending
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	order.DeliveryStatus = model.DeliveryPending
	order.UpdatedAt = order.CreatedAt
	return nil
}

const orderColumns = `id, COALESCE(order_code, ''), user_id, payment_id, shipping_id, delivery_status,
	estimated_delivery_date, delivered_at, discount, delivery_charge, vat, final_price, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o                              model.Order
		status                         string
		discount, delivery, vat, final int64
	)
	err := row.Scan(&o.ID, &o.Code, &o.UserID, &o.PaymentID, &o.ShippingID, &status,
		&o.EstimatedDeliveryDate, &o.DeliveredAt, &discount, &delivery, &vat, &final,
		&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	o.DeliveryStatus = model.DeliveryStatus(status)
	o.Discount = fromCents(discount)
	o.DeliveryCharge = fromCents(delivery)
	o.VAT = fromCents(vat)
	o.FinalPrice = fromCents(final)
	return &o, nil
}

const lineColumns = `id, order_id, product_id, color, quantity, rate, net_total,
	delivery_status, delivered_at, to_be_reviewed, review_id`

func scanLine(row pgx.Row) (model.OrderLine, error) {
	var (
		l         model.OrderLine
		rate, net int64
		status    string
	)
	err := row.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.Color, &l.Quantity, &rate, &net,
		&status, &l.DeliveredAt, &l.ToBeReviewed, &l.ReviewID)
	if err != nil {
		return model.OrderLine{}, err
	}
	l.Rate = fromCents(rate)
	l.NetTotal = fromCents(net)
	l.DeliveryStatus = model.DeliveryStatus(status)
	return l, nil
}

// GetOrdersByUser возвращает заказы пользователя вместе со строками.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE user_id = $1 AND NOT is_deleted
		 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	var (
		orders []model.Order
		ids    []int64
	)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, *o)
		ids = append(ids, o.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	lineRows, err := r.pool.Query(ctx,
		`SELECT `+lineColumns+` FROM order_lines WHERE order_id = ANY($1) ORDER BY id`,
		ids,
	)
	if err != nil {
		return nil, fmt.Errorf("select order lines: %w", err)
	}
	defer lineRows.Close()

	byOrder := make(map[int64][]model.OrderLine, len(orders))
	for lineRows.Next() {
		l, err := scanLine(lineRows)
		if err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		byOrder[l.OrderID] = append(byOrder[l.OrderID], l)
	}
	if err := lineRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range orders {
		orders[i].Lines = byOrder[orders[i].ID]
	}
	return orders, nil
}

// CompleteOrder переводит заказ и его строки в Completed и списывает товар со склада.
func (r *PostgresRepository) CompleteOrder(ctx context.Context, orderID int64, deliveredAt time.Time) (*model.Order, error) {
	var order *model.Order
	err := r.withRetry(ctx, func() error {
		var err error
		order, err = r.transitionOrder(ctx, orderID, model.DeliveryCompleted, &deliveredAt)
		return err
	})
	return order, err
}

// CancelOrder переводит заказ и его строки в Cancelled. Склад не меняется.
func (r *PostgresRepository) CancelOrder(ctx context.Context, orderID int64) (*model.Order, error) {
	var order *model.Order
	err := r.withRetry(ctx, func() error {
		var err error
		order, err = r.transitionOrder(ctx, orderID, model.DeliveryCancelled, nil)
		return err
	})
	return order, err
}

func (r *PostgresRepository) transitionOrder(ctx context.Context, orderID int64, to model.DeliveryStatus, deliveredAt *time.Time) (*model.Order, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := scanOrder(tx.QueryRow(ctx,
		`UPDATE orders
		 SET delivery_status = $2, delivered_at = $3, updated_at = now()
		 WHERE id = $1 AND delivery_status = 'Pending' AND NOT is_deleted
		 RETURNING `+orderColumns,
		orderID, string(to), deliveredAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, terminalStateError(ctx, tx,
				`SELECT delivery_status FROM orders WHERE id = $1 AND NOT is_deleted`, orderID, ErrOrderNotFound)
		}
		return nil, fmt.Errorf("update order: %w", err)
	}

	rows, err := tx.Query(ctx,
		`UPDATE order_lines
		 SET delivery_status = $2, delivered_at = $3
		 WHERE order_id = $1
		 RETURNING `+lineColumns,
		orderID, string(to), deliveredAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update order lines: %w", err)
	}
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		order.Lines = append(order.Lines, l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if to == model.DeliveryCompleted {
		if err := debitStock(ctx, tx, order.Lines); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	return order, nil
}

// debitStock относительно уменьшает остаток и увеличивает число продаж по каждой строке.
// Строки блокируются в порядке id товара.
func debitStock(ctx context.Context, tx pgx.Tx, lines []model.OrderLine) error {
	sorted := make([]model.OrderLine, len(lines))
	copy(sorted, lines)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ProductID < sorted[j].ProductID })

	batch := &pgx.Batch{}
	for _, l := range sorted {
		batch.Queue(
			`UPDATE products
			 SET quantity = quantity - $2, items_sold = items_sold + $2
			 WHERE id = $1`,
			l.ProductID, l.Quantity,
		)
	}

	br := tx.SendBatch(ctx, batch)
	for _, l := range sorted {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("debit stock of product %d: %w", l.ProductID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("close batch: %w", err)
	}
	return nil
}

// terminalStateError объясняет, почему условный переход не изменил ни одной строки.
func terminalStateError(ctx context.Context, tx pgx.Tx, query string, id int64, notFound error) error {
	var status string
	if err := tx.QueryRow(ctx, query, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return notFound
		}
		return fmt.Errorf("get delivery status: %w", err)
	}

	switch model.DeliveryStatus(status) {
	case model.DeliveryCompleted:
		return ErrAlreadyCompleted
	case model.DeliveryCancelled:
		return ErrAlreadyCancelled
	default:
		return fmt.Errorf("unexpected delivery status %q of %d", status, id)
	}
}

// CreatePreOrder в одной транзакции списывает платёж, создаёт предзаказ и присваивает ему код.
func (r *PostgresRepository) CreatePreOrder(ctx context.Context, p *model.PreOrder) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := claimPayment(ctx, tx, p.PaymentID, p.UserID); err != nil {
		return err
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO pre_orders
		   (user_id, bundle_id, payment_id, shipping_id, quantity, rate, delivery_status,
		    estimated_delivery_date, discount, delivery_charge, vat, final_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		 RETURNING id`,
		p.UserID, p.BundleID, p.PaymentID, p.ShippingID, p.Quantity, toCents(p.Rate),
		string(model.DeliveryPending), p.EstimatedDeliveryDate, toCents(p.Discount),
		toCents(p.DeliveryCharge), toCents(p.VAT), toCents(p.FinalPrice), p.CreatedAt,
	).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrPaymentUnspendable
		}
		return fmt.Errorf("insert pre-order: %w", err)
	}

	p.Code = model.PreOrderCode(p.CreatedAt, p.ID)
	if _, err := tx.Exec(ctx, `UPDATE pre_orders SET pre_order_code = $2 WHERE id = $1`, p.ID, p.Code); err != nil {
		return fmt.Errorf("set pre-order code: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	p.DeliveryStatus = model.DeliveryPending
	p.UpdatedAt = p.CreatedAt
	return nil
}

// CompletePreOrder переводит предзаказ в Completed.
func (r *PostgresRepository) CompletePreOrder(ctx context.Context, id int64, deliveredAt time.Time) (*model.PreOrder, error) {
	return r.transitionPreOrder(ctx, id, model.DeliveryCompleted, &deliveredAt)
}

// CancelPreOrder переводит предзаказ в Cancelled.
func (r *PostgresRepository) CancelPreOrder(ctx context.Context, id int64) (*model.PreOrder, error) {
	return r.transitionPreOrder(ctx, id, model.DeliveryCancelled, nil)
}

func (r *PostgresRepository) transitionPreOrder(ctx context.Context, id int64, to model.DeliveryStatus, deliveredAt *time.Time) (*model.PreOrder, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		p                                    model.PreOrder
		status                               string
		rate, discount, delivery, vat, final int64
	)
	err = tx.QueryRow(ctx,
		`UPDATE pre_orders
		 SET delivery_status = $2, delivered_at = $3, updated_at = now()
		 WHERE id = $1 AND delivery_status = 'Pending' AND NOT is_deleted
		 RETURNING id, COALESCE(pre_order_code, ''), user_id, bundle_id, payment_id, shipping_id,
		   quantity, rate, delivery_status, estimated_delivery_date, delivered_at,
		   discount, delivery_charge, vat, final_price, created_at, updated_at`,
		id, string(to), deliveredAt,
	).Scan(&p.ID, &p.Code, &p.UserID, &p.BundleID, &p.PaymentID, &p.ShippingID,
		&p.Quantity, &rate, &status, &p.EstimatedDeliveryDate, &p.DeliveredAt,
		&discount, &delivery, &vat, &final, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, terminalStateError(ctx, tx,
				`SELECT delivery_status FROM pre_orders WHERE id = $1 AND NOT is_deleted`, id, ErrPreOrderNotFound)
		}
		return nil, fmt.Errorf("update pre-order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}

	p.DeliveryStatus = model.DeliveryStatus(status)
	p.Rate = fromCents(rate)
	p.Discount = fromCents(discount)
	p.DeliveryCharge = fromCents(delivery)
	p.VAT = fromCents(vat)
	p.FinalPrice = fromCents(final)
	return &p, nil
}
