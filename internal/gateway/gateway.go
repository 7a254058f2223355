// Package gateway проверяет платежи у внешних платёжных шлюзов и ведёт учёт попыток проверки.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-service/internal/model"
	"github.com/mmeshcher/checkout-service/internal/repository"
)

// Status описывает нормализованный результат проверки платежа.
type Status int

// Коды совпадают с кодами, которые клиенты получали раньше.
const (
	StatusOK                         Status = 200
	StatusMerchantVerificationFailed Status = 203
	StatusPaymentMethodNotFound      Status = 404
	StatusInsufficientFunds          Status = 407
	StatusDuplicatePayment           Status = 426
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMerchantVerificationFailed:
		return "merchant_verification_failed"
	case StatusPaymentMethodNotFound:
		return "payment_method_not_found"
	case StatusInsufficientFunds:
		return "insufficient_funds"
	case StatusDuplicatePayment:
		return "duplicate_payment"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// DefaultCurrency используется, если шлюз не сообщил валюту.
const DefaultCurrency = "NPR"

var (
	// ErrMalformedPayload возвращается, если в данных шлюза нет обязательных полей.
	ErrMalformedPayload = errors.New("malformed payment payload")
	// ErrInvalidAmount возвращается для неположительной суммы платежа.
	ErrInvalidAmount = errors.New("payment amount must be positive")
	// ErrAmountPrecision возвращается для суммы с долями мельче копейки.
	ErrAmountPrecision = errors.New("payment amount must have at most two decimal places")
)

// Payload содержит поля, которые клиент получил от шлюза.
type Payload map[string]string

// require возвращает значения обязательных полей или ErrMalformedPayload.
func (p Payload) require(fields ...string) ([]string, error) {
	values := make([]string, len(fields))
	var missing []string
	for i, f := range fields {
		v := strings.TrimSpace(p[f])
		if v == "" {
			missing = append(missing, f)
			continue
		}
		values[i] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrMalformedPayload, strings.Join(missing, ", "))
	}
	return values, nil
}

// Outcome описывает ответ адаптера на проверку.
type Outcome struct {
	Status   Status
	Currency string
}

// Adapter проверяет платежи одного способа оплаты.
type Adapter interface {
	// Method возвращает имя способа оплаты.
	Method() string
	// DedupKey извлекает из данных шлюза ключ, по которому повтор платежа отклоняется.
	DedupKey(p Payload) (string, error)
	// Verify обращается к шлюзу. Ошибка означает неуспешную проверку.
	Verify(ctx context.Context, p Payload, amount decimal.Decimal) (Outcome, error)
}

// Reserver реализуют адаптеры, которым перед обращением к шлюзу нужен
// заранее выданный сервером резерв на эту сумму.
type Reserver interface {
	// Reserve погашает резерв пользователя по ключу платежа. false означает, что резерва нет.
	Reserve(ctx context.Context, userID int64, key string, amount decimal.Decimal) (bool, error)
}

// Router сопоставляет имя способа оплаты с адаптером.
type Router struct {
	adapters map[string]Adapter
}

// NewRouter создаёт маршрутизатор из набора адаптеров.
func NewRouter(adapters ...Adapter) *Router {
	r := &Router{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Method()] = a
	}
	return r
}

// Lookup возвращает адаптер способа оплаты.
func (r *Router) Lookup(method string) (Adapter, bool) {
	a, ok := r.adapters[strings.ToLower(strings.TrimSpace(method))]
	return a, ok
}

// Ledger описывает хранилище попыток проверки платежей.
type Ledger interface {
	PaymentExists(ctx context.Context, method, gatewayRef string) (bool, error)
	CreatePayment(ctx context.Context, p *model.PaymentRecord) error
}

// Guard не даёт параллельно проверять один и тот же платёж.
type Guard interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Result описывает ответ на запрос проверки платежа.
type Result struct {
	Status    Status
	Currency  string
	PaymentID string
}

// Verifier прогоняет проверку платежа через общий конвейер:
// адаптер, защита от повторов, обращение к шлюзу и запись результата.
type Verifier struct {
	router        *Router
	ledger        Ledger
	guard         Guard
	logger        *zap.Logger
	newID         func() string
	recordTimeout time.Duration
}

// Option настраивает Verifier.
type Option func(*Verifier)

// WithGuard подключает защиту от параллельных повторов.
func WithGuard(g Guard) Option {
	return func(v *Verifier) { v.guard = g }
}

// WithIDGenerator задаёт генератор идентификаторов платежей.
func WithIDGenerator(fn func() string) Option {
	return func(v *Verifier) { v.newID = fn }
}

// NewVerifier создаёт конвейер проверки платежей.
func NewVerifier(router *Router, ledger Ledger, logger *zap.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		router:        router,
		ledger:        ledger,
		logger:        logger,
		newID:         uuid.NewString,
		recordTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify проверяет платёж пользователя и сохраняет результат.
// Статусы проверки возвращаются в Result, ошибка означает некорректный запрос или сбой хранилища.
func (v *Verifier) Verify(ctx context.Context, userID int64, method string, payload Payload, amount decimal.Decimal) (Result, error) {
	adapter, ok := v.router.Lookup(method)
	if !ok {
		return Result{Status: StatusPaymentMethodNotFound}, nil
	}

	if !amount.IsPositive() {
		return Result{}, ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(2)) {
		return Result{}, ErrAmountPrecision
	}

	key, err := adapter.DedupKey(payload)
	if err != nil {
		return Result{}, err
	}

	if v.guard != nil {
		guardKey := "payment:" + adapter.Method() + ":" + key
		acquired, err := v.guard.Acquire(ctx, guardKey)
		switch {
		case err != nil:
			v.logger.Warn("payment guard unavailable", zap.String("method", adapter.Method()), zap.Error(err))
		case !acquired:
			return Result{Status: StatusDuplicatePayment}, nil
		default:
			defer func() {
				if err := v.guard.Release(context.WithoutCancel(ctx), guardKey); err != nil {
					v.logger.Warn("release payment guard", zap.Error(err))
				}
			}()
		}
	}

	exists, err := v.ledger.PaymentExists(ctx, adapter.Method(), key)
	if err != nil {
		return Result{}, fmt.Errorf("check payment: %w", err)
	}
	if exists {
		return Result{Status: StatusDuplicatePayment}, nil
	}

	if r, ok := adapter.(Reserver); ok {
		reserved, err := r.Reserve(ctx, userID, key, amount)
		if err != nil {
			return Result{}, fmt.Errorf("reserve payment: %w", err)
		}
		if !reserved {
			v.logger.Info("payment reservation not found",
				zap.String("method", adapter.Method()),
				zap.Int64("user_id", userID),
			)
			return Result{Status: StatusPaymentMethodNotFound}, nil
		}
	}

	outcome, err := adapter.Verify(ctx, payload, amount)
	if err != nil {
		v.logger.Info("payment verification failed",
			zap.String("method", adapter.Method()),
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
		outcome = Outcome{Status: StatusMerchantVerificationFailed}
	}
	if outcome.Currency == "" {
		outcome.Currency = DefaultCurrency
	}

	record := &model.PaymentRecord{
		PaymentID:          v.newID(),
		UserID:             userID,
		Method:             adapter.Method(),
		GatewayRef:         key,
		Amount:             amount,
		Currency:           outcome.Currency,
		VerificationStatus: model.VerificationUnverified,
		StatusCode:         int(outcome.Status),
	}
	// Наложенный платёж у шлюза не проверяется и остаётся неподтверждённым.
	if outcome.Status == StatusOK && adapter.Method() != model.MethodCOD {
		record.VerificationStatus = model.VerificationVerified
	}

	// Отмена запроса клиентом не должна терять уже полученный ответ шлюза.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.recordTimeout)
	defer cancel()

	if err := v.ledger.CreatePayment(recordCtx, record); err != nil {
		if errors.Is(err, repository.ErrDuplicatePayment) {
			return Result{Status: StatusDuplicatePayment}, nil
		}
		return Result{}, fmt.Errorf("record payment: %w", err)
	}

	return Result{
		Status:    outcome.Status,
		Currency:  outcome.Currency,
		PaymentID: record.PaymentID,
	}, nil
}
