// Package service реализует оформление заказов по подтверждённым платежам и их исполнение.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-service/internal/gateway"
	"github.com/mmeshcher/checkout-service/internal/model"
	"github.com/mmeshcher/checkout-service/internal/notify"
	"github.com/mmeshcher/checkout-service/internal/pricing"
)

// ErrPromoCodeExpired возвращается для промокода вне срока действия.
var ErrPromoCodeExpired = errors.New("promo code expired")

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
	GetProductBundle(ctx context.Context, id int64) (*model.ProductBundle, error)
	GetVATPercentage(ctx context.Context) (decimal.Decimal, error)
	GetDeliveryDuration(ctx context.Context, userID, shippingID int64) (int, error)
	GetPromoCode(ctx context.Context, code string) (*model.PromoCode, error)
	GetUser(ctx context.Context, id int64) (*model.User, error)
	GetStaffUsers(ctx context.Context) ([]model.User, error)
	GetSpendablePayment(ctx context.Context, paymentID string, userID int64) (*model.PaymentRecord, error)
	GetPaymentsByUser(ctx context.Context, userID int64) ([]model.PaymentRecord, error)
	CreateIMEPayToken(ctx context.Context, userID int64, amount decimal.Decimal) (*model.IMEPayToken, error)
	CreateOrder(ctx context.Context, order *model.Order) error
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	CompleteOrder(ctx context.Context, orderID int64, deliveredAt time.Time) (*model.Order, error)
	CancelOrder(ctx context.Context, orderID int64) (*model.Order, error)
	CreatePreOrder(ctx context.Context, p *model.PreOrder) error
	CompletePreOrder(ctx context.Context, id int64, deliveredAt time.Time) (*model.PreOrder, error)
	CancelPreOrder(ctx context.Context, id int64) (*model.PreOrder, error)
}

// PaymentVerifier проверяет платёж у шлюза и записывает результат.
type PaymentVerifier interface {
	Verify(ctx context.Context, userID int64, method string, payload gateway.Payload, amount decimal.Decimal) (gateway.Result, error)
}

const notifyTimeout = 10 * time.Second

// Service содержит бизнес-логику оформления и исполнения заказов.
type Service struct {
	repo     Repository
	engine   *pricing.Engine
	verifier PaymentVerifier
	sink     notify.Sink
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time

	// Фоновые отправки уведомлений; Close дожидается их завершения.
	wg sync.WaitGroup
}

// NewService создаёт сервис с указанным репозиторием, проверкой платежей и приёмником уведомлений.
func NewService(repo Repository, verifier PaymentVerifier, sink notify.Sink, logger *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		engine:   pricing.NewEngine(repo, repo),
		verifier: verifier,
		sink:     sink,
		logger:   logger,
		tracer:   otel.Tracer("github.com/mmeshcher/checkout-service/internal/service"),
		now:      time.Now,
	}
}

// Close дожидается отправки уведомлений и закрывает ресурсы сервиса.
func (s *Service) Close() error {
	s.wg.Wait()
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

func (s *Service) today() time.Time {
	y, m, d := s.now().UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// IsStaff сообщает, является ли пользователь сотрудником.
func (s *Service) IsStaff(ctx context.Context, userID int64) (bool, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return u.IsStaff, nil
}

// VerifyPayment проверяет платёж пользователя у шлюза выбранного способа оплаты.
func (s *Service) VerifyPayment(ctx context.Context, userID int64, method string, payload gateway.Payload, amount decimal.Decimal) (res gateway.Result, err error) {
	ctx, span := s.startSpan(ctx, "VerifyPayment", attribute.String("payment.method", method))
	defer func() {
		span.SetAttributes(attribute.Int("payment.status", int(res.Status)))
		endSpan(span, err)
	}()

	return s.verifier.Verify(ctx, userID, method, payload, amount)
}

// GetPaymentsByUser возвращает историю платежей пользователя.
func (s *Service) GetPaymentsByUser(ctx context.Context, userID int64) ([]model.PaymentRecord, error) {
	return s.repo.GetPaymentsByUser(ctx, userID)
}

// CreateIMEPayToken выдаёт пользователю RefId для оплаты через IME Pay на сумму amount.
func (s *Service) CreateIMEPayToken(ctx context.Context, userID int64, amount decimal.Decimal) (*model.IMEPayToken, error) {
	if !amount.IsPositive() {
		return nil, gateway.ErrInvalidAmount
	}
	if !amount.Equal(amount.Truncate(2)) {
		return nil, gateway.ErrAmountPrecision
	}
	return s.repo.CreateIMEPayToken(ctx, userID, amount)
}

// GetOrdersByUser возвращает заказы пользователя.
func (s *Service) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}

// ApplyPromoCode возвращает действующий промокод.
func (s *Service) ApplyPromoCode(ctx context.Context, code string) (*model.PromoCode, error) {
	promo, err := s.repo.GetPromoCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !promo.IsValid(s.now()) {
		return nil, fmt.Errorf("%w: %s", ErrPromoCodeExpired, code)
	}
	return promo, nil
}

// resolveDiscount подставляет скидку промокода вместо заявленной клиентом.
func (s *Service) resolveDiscount(ctx context.Context, code string, claimed decimal.Decimal) (decimal.Decimal, error) {
	if code == "" {
		return claimed, nil
	}
	promo, err := s.ApplyPromoCode(ctx, code)
	if err != nil {
		return decimal.Zero, err
	}
	return promo.Discount, nil
}

func (s *Service) estimatedDelivery(ctx context.Context, userID, shippingID int64) (time.Time, error) {
	days, err := s.repo.GetDeliveryDuration(ctx, userID, shippingID)
	if err != nil {
		return time.Time{}, err
	}
	return s.today().AddDate(0, 0, days), nil
}

// CheckoutRequest содержит данные оформления заказа по корзине.
type CheckoutRequest struct {
	UserID         int64
	Cart           []model.CartItem
	ShippingID     int64
	DeliveryCharge decimal.Decimal
	Discount       decimal.Decimal
	VAT            decimal.Decimal
	FinalPrice     decimal.Decimal
	PaymentID      string
	PromoCode      string
}

// Checkout проверяет платёж и суммы корзины и атомарно создаёт заказ, списывая платёж.
// Проверки идут в порядке: платёж, остаток, НДС, итоговая цена, достаточность платежа.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (order *model.Order, err error) {
	ctx, span := s.startSpan(ctx, "Checkout", attribute.Int64("user.id", req.UserID))
	defer func() { endSpan(span, err) }()

	payment, err := s.repo.GetSpendablePayment(ctx, req.PaymentID, req.UserID)
	if err != nil {
		return nil, err
	}

	discount, err := s.resolveDiscount(ctx, req.PromoCode, req.Discount)
	if err != nil {
		return nil, err
	}

	quote, err := s.engine.QuoteCart(ctx, req.Cart)
	if err != nil {
		return nil, err
	}

	claim := pricing.Claim{
		DeliveryCharge: req.DeliveryCharge,
		Discount:       discount,
		VAT:            req.VAT,
		FinalPrice:     req.FinalPrice,
	}
	totals, err := s.engine.Validate(ctx, quote, claim, *payment)
	if err != nil {
		return nil, err
	}

	eta, err := s.estimatedDelivery(ctx, req.UserID, req.ShippingID)
	if err != nil {
		return nil, err
	}

	order = &model.Order{
		UserID:                req.UserID,
		PaymentID:             payment.PaymentID,
		ShippingID:            req.ShippingID,
		EstimatedDeliveryDate: eta,
		Discount:              discount,
		DeliveryCharge:        req.DeliveryCharge,
		VAT:                   totals.VAT,
		FinalPrice:            totals.FinalPrice,
		CreatedAt:             s.now().UTC(),
		Lines:                 make([]model.OrderLine, 0, len(quote.Lines)),
	}
	for _, l := range quote.Lines {
		order.Lines = append(order.Lines, model.OrderLine{
			ProductID: l.ProductID,
			Color:     l.Color,
			Quantity:  l.Quantity,
			Rate:      l.UnitPrice,
			NetTotal:  l.Total(),
		})
	}

	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int64("order.id", order.ID))
	s.logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.String("code", order.Code),
		zap.Int64("user_id", order.UserID),
		zap.String("final_price", order.FinalPrice.StringFixed(2)),
	)

	s.dispatch(ctx, "order created", func(ctx context.Context) error {
		return s.announceOrder(ctx, order)
	})

	return order, nil
}

// PreOrderRequest содержит данные оформления предзаказа набора товаров.
type PreOrderRequest struct {
	UserID         int64
	BundleID       int64
	Quantity       int64
	ShippingID     int64
	DeliveryCharge decimal.Decimal
	Discount       decimal.Decimal
	VAT            decimal.Decimal
	FinalPrice     decimal.Decimal
	PaymentID      string
	PromoCode      string
}

// PreOrderCheckout оформляет предзаказ набора с теми же проверками, что и Checkout.
func (s *Service) PreOrderCheckout(ctx context.Context, req PreOrderRequest) (pre *model.PreOrder, err error) {
	ctx, span := s.startSpan(ctx, "PreOrderCheckout", attribute.Int64("user.id", req.UserID))
	defer func() { endSpan(span, err) }()

	payment, err := s.repo.GetSpendablePayment(ctx, req.PaymentID, req.UserID)
	if err != nil {
		return nil, err
	}

	discount, err := s.resolveDiscount(ctx, req.PromoCode, req.Discount)
	if err != nil {
		return nil, err
	}

	bundle, err := s.repo.GetProductBundle(ctx, req.BundleID)
	if err != nil {
		return nil, err
	}

	quote, err := pricing.BundleQuote(*bundle, req.Quantity)
	if err != nil {
		return nil, err
	}

	claim := pricing.Claim{
		DeliveryCharge: req.DeliveryCharge,
		Discount:       discount,
		VAT:            req.VAT,
		FinalPrice:     req.FinalPrice,
	}
	totals, err := s.engine.Validate(ctx, quote, claim, *payment)
	if err != nil {
		return nil, err
	}

	eta, err := s.estimatedDelivery(ctx, req.UserID, req.ShippingID)
	if err != nil {
		return nil, err
	}

	pre = &model.PreOrder{
		UserID:                req.UserID,
		BundleID:              bundle.ID,
		PaymentID:             payment.PaymentID,
		ShippingID:            req.ShippingID,
		Quantity:              req.Quantity,
		Rate:                  bundle.SellingPrice,
		EstimatedDeliveryDate: eta,
		Discount:              discount,
		DeliveryCharge:        req.DeliveryCharge,
		VAT:                   totals.VAT,
		FinalPrice:            totals.FinalPrice,
		CreatedAt:             s.now().UTC(),
	}

	if err := s.repo.CreatePreOrder(ctx, pre); err != nil {
		return nil, err
	}

	s.logger.Info("pre-order created",
		zap.Int64("pre_order_id", pre.ID),
		zap.String("code", pre.Code),
		zap.Int64("user_id", pre.UserID),
	)

	s.dispatch(ctx, "pre-order created", func(ctx context.Context) error {
		return s.announcePreOrder(ctx, pre)
	})

	return pre, nil
}

// MarkOrderCompleted завершает заказ и списывает товар со склада ровно один раз.
func (s *Service) MarkOrderCompleted(ctx context.Context, orderID int64) (order *model.Order, err error) {
	ctx, span := s.startSpan(ctx, "MarkOrderCompleted", attribute.Int64("order.id", orderID))
	defer func() { endSpan(span, err) }()

	order, err = s.repo.CompleteOrder(ctx, orderID, s.today())
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, order.UserID, order.Code, order.DeliveryStatus)
	return order, nil
}

// MarkOrderCancelled отменяет заказ. Склад не меняется.
func (s *Service) MarkOrderCancelled(ctx context.Context, orderID int64) (order *model.Order, err error) {
	ctx, span := s.startSpan(ctx, "MarkOrderCancelled", attribute.Int64("order.id", orderID))
	defer func() { endSpan(span, err) }()

	order, err = s.repo.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, order.UserID, order.Code, order.DeliveryStatus)
	return order, nil
}

// MarkPreOrderCompleted завершает предзаказ.
func (s *Service) MarkPreOrderCompleted(ctx context.Context, id int64) (pre *model.PreOrder, err error) {
	ctx, span := s.startSpan(ctx, "MarkPreOrderCompleted", attribute.Int64("pre_order.id", id))
	defer func() { endSpan(span, err) }()

	pre, err = s.repo.CompletePreOrder(ctx, id, s.today())
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, pre.UserID, pre.Code, pre.DeliveryStatus)
	return pre, nil
}

// MarkPreOrderCancelled отменяет предзаказ.
func (s *Service) MarkPreOrderCancelled(ctx context.Context, id int64) (pre *model.PreOrder, err error) {
	ctx, span := s.startSpan(ctx, "MarkPreOrderCancelled", attribute.Int64("pre_order.id", id))
	defer func() { endSpan(span, err) }()

	pre, err = s.repo.CancelPreOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	s.afterTransition(ctx, pre.UserID, pre.Code, pre.DeliveryStatus)
	return pre, nil
}

func (s *Service) afterTransition(ctx context.Context, userID int64, code string, status model.DeliveryStatus) {
	s.logger.Info("delivery status changed", zap.String("code", code), zap.String("status", string(status)))
	s.dispatch(ctx, "status changed", func(ctx context.Context) error {
		return s.sink.Notify(ctx, notify.StatusChanged(userID, code, status))
	})
}
