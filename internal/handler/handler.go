// Package handler содержит HTTP-обработчики API сервиса оформления заказов.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-service/internal/gateway"
	"github.com/mmeshcher/checkout-service/internal/middleware"
	"github.com/mmeshcher/checkout-service/internal/model"
	"github.com/mmeshcher/checkout-service/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	IsStaff(ctx context.Context, userID int64) (bool, error)
	VerifyPayment(ctx context.Context, userID int64, method string, payload gateway.Payload, amount decimal.Decimal) (gateway.Result, error)
	GetPaymentsByUser(ctx context.Context, userID int64) ([]model.PaymentRecord, error)
	CreateIMEPayToken(ctx context.Context, userID int64, amount decimal.Decimal) (*model.IMEPayToken, error)
	ApplyPromoCode(ctx context.Context, code string) (*model.PromoCode, error)
	Checkout(ctx context.Context, req service.CheckoutRequest) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)
	PreOrderCheckout(ctx context.Context, req service.PreOrderRequest) (*model.PreOrder, error)
	MarkOrderCompleted(ctx context.Context, orderID int64) (*model.Order, error)
	MarkOrderCancelled(ctx context.Context, orderID int64) (*model.Order, error)
	MarkPreOrderCompleted(ctx context.Context, id int64) (*model.PreOrder, error)
	MarkPreOrderCancelled(ctx context.Context, id int64) (*model.PreOrder, error)
}

// Handler реализует HTTP-обработчики API сервиса оформления заказов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return userID, ok
}

type verifyRequest struct {
	Method  string          `json:"method"`
	Amount  decimal.Decimal `json:"amount"`
	Payload gateway.Payload `json:"payload"`
}

type verifyResponse struct {
	Status     int    `json:"status"`
	StatusName string `json:"status_name"`
	Currency   string `json:"currency,omitempty"`
	PaymentID  string `json:"payment_uuid,omitempty"`
}

// verifyHTTPStatus переводит статус шлюза в HTTP-код ответа.
func verifyHTTPStatus(s gateway.Status) int {
	switch s {
	case gateway.StatusOK:
		return http.StatusCreated
	case gateway.StatusMerchantVerificationFailed:
		return http.StatusPaymentRequired
	case gateway.StatusInsufficientFunds:
		return http.StatusBadRequest
	default:
		return http.StatusNotAcceptable
	}
}

// VerifyPayment проверяет платёж у шлюза и записывает его в реестр.
func (h *Handler) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, errBadRequest)
		return
	}

	res, err := h.service.VerifyPayment(r.Context(), userID, req.Method, req.Payload, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, verifyHTTPStatus(res.Status), verifyResponse{
		Status:     int(res.Status),
		StatusName: res.Status.String(),
		Currency:   res.Currency,
		PaymentID:  res.PaymentID,
	})
}

type paymentResponse struct {
	PaymentID          string          `json:"payment_uuid"`
	Method             string          `json:"method"`
	Amount             decimal.Decimal `json:"amount"`
	Currency           string          `json:"currency"`
	VerificationStatus string          `json:"verification_status"`
	StatusCode         int             `json:"status_code"`
	Spent              bool            `json:"spent"`
	CreatedAt          string          `json:"created_at"`
}

// GetPayments возвращает платежи текущего пользователя.
func (h *Handler) GetPayments(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	payments, err := h.service.GetPaymentsByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(payments) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		resp = append(resp, paymentResponse{
			PaymentID:          p.PaymentID,
			Method:             p.Method,
			Amount:             p.Amount,
			Currency:           p.Currency,
			VerificationStatus: string(p.VerificationStatus),
			StatusCode:         p.StatusCode,
			Spent:              p.Spent,
			CreatedAt:          p.CreatedAt.Format(timeLayout),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

type imepayTokenRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type imepayTokenResponse struct {
	RefID     string          `json:"ref_id"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt string          `json:"created_at"`
}

// CreateIMEPayToken выдаёт RefId для оплаты через IME Pay. Проверка платежа
// пройдёт только с этим RefId и этой суммой.
func (h *Handler) CreateIMEPayToken(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req imepayTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, errBadRequest)
		return
	}

	token, err := h.service.CreateIMEPayToken(r.Context(), userID, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, imepayTokenResponse{
		RefID:     token.RefID,
		Amount:    token.Amount,
		CreatedAt: token.CreatedAt.Format(timeLayout),
	})
}

type promoRequest struct {
	PromoCode string `json:"promo_code"`
}

type promoResponse struct {
	Code      string          `json:"code"`
	Name      string          `json:"name"`
	Discount  decimal.Decimal `json:"discount"`
	StartDate string          `json:"start_date"`
	EndDate   string          `json:"end_date"`
}

// ApplyPromoCode возвращает скидку действующего промокода.
func (h *Handler) ApplyPromoCode(w http.ResponseWriter, r *http.Request) {
	var req promoRequest
	if err := decodeJSON(r, &req); err != nil || req.PromoCode == "" {
		h.writeError(w, errBadRequest)
		return
	}

	promo, err := h.service.ApplyPromoCode(r.Context(), req.PromoCode)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, promoResponse{
		Code:      promo.Code,
		Name:      promo.Name,
		Discount:  promo.Discount,
		StartDate: promo.StartDate.Format(dateLayout),
		EndDate:   promo.EndDate.Format(dateLayout),
	})
}

type checkoutRequest struct {
	CartItems      []model.CartItem `json:"cart_items"`
	ShippingID     int64            `json:"shipping_id"`
	DeliveryCharge decimal.Decimal  `json:"delivery_charge"`
	Discount       decimal.Decimal  `json:"discount"`
	VAT            decimal.Decimal  `json:"vat"`
	FinalPrice     decimal.Decimal  `json:"final_price"`
	PaymentID      string           `json:"payment_uuid"`
	PromoCode      string           `json:"promo_code,omitempty"`
}

// Checkout оформляет заказ по корзине и подтверждённому платежу.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, errBadRequest)
		return
	}

	if _, err := uuid.Parse(req.PaymentID); err != nil {
		h.writeError(w, errInvalidPaymentUUID)
		return
	}

	order, err := h.service.Checkout(r.Context(), service.CheckoutRequest{
		UserID:         userID,
		Cart:           req.CartItems,
		ShippingID:     req.ShippingID,
		DeliveryCharge: req.DeliveryCharge,
		Discount:       req.Discount,
		VAT:            req.VAT,
		FinalPrice:     req.FinalPrice,
		PaymentID:      req.PaymentID,
		PromoCode:      req.PromoCode,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newOrderResponse(order))
}

// GetOrders возвращает список заказов текущего пользователя.
func (h *Handler) GetOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	orders, err := h.service.GetOrdersByUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for i := range orders {
		resp = append(resp, newOrderResponse(&orders[i]))
	}

	writeJSON(w, http.StatusOK, resp)
}

type preOrderRequest struct {
	BundleID       int64           `json:"product_bundle_id"`
	Quantity       int64           `json:"quantity"`
	ShippingID     int64           `json:"shipping_id"`
	DeliveryCharge decimal.Decimal `json:"delivery_charge"`
	Discount       decimal.Decimal `json:"discount"`
	VAT            decimal.Decimal `json:"vat"`
	FinalPrice     decimal.Decimal `json:"final_price"`
	PaymentID      string          `json:"payment_uuid"`
	PromoCode      string          `json:"promo_code,omitempty"`
}

// PreOrderCheckout оформляет предзаказ набора товаров.
func (h *Handler) PreOrderCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req preOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		h.writeError(w, errBadRequest)
		return
	}

	if _, err := uuid.Parse(req.PaymentID); err != nil {
		h.writeError(w, errInvalidPaymentUUID)
		return
	}

	pre, err := h.service.PreOrderCheckout(r.Context(), service.PreOrderRequest{
		UserID:         userID,
		BundleID:       req.BundleID,
		Quantity:       req.Quantity,
		ShippingID:     req.ShippingID,
		DeliveryCharge: req.DeliveryCharge,
		Discount:       req.Discount,
		VAT:            req.VAT,
		FinalPrice:     req.FinalPrice,
		PaymentID:      req.PaymentID,
		PromoCode:      req.PromoCode,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, newPreOrderResponse(pre))
}

type markOrderRequest struct {
	OrderID int64 `json:"order_id"`
}

type markPreOrderRequest struct {
	PreOrderID int64 `json:"pre_order_id"`
}

// MarkOrderCompleted завершает заказ. Доступно только сотрудникам.
func (h *Handler) MarkOrderCompleted(w http.ResponseWriter, r *http.Request) {
	h.markOrder(w, r, h.service.MarkOrderCompleted)
}

// MarkOrderCancelled отменяет заказ. Доступно только сотрудникам.
func (h *Handler) MarkOrderCancelled(w http.ResponseWriter, r *http.Request) {
	h.markOrder(w, r, h.service.MarkOrderCancelled)
}

func (h *Handler) markOrder(w http.ResponseWriter, r *http.Request, mark func(context.Context, int64) (*model.Order, error)) {
	var req markOrderRequest
	if err := decodeJSON(r, &req); err != nil || req.OrderID <= 0 {
		h.writeError(w, errBadRequest)
		return
	}

	order, err := mark(r.Context(), req.OrderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newOrderResponse(order))
}

// MarkPreOrderCompleted завершает предзаказ. Доступно только сотрудникам.
func (h *Handler) MarkPreOrderCompleted(w http.ResponseWriter, r *http.Request) {
	h.markPreOrder(w, r, h.service.MarkPreOrderCompleted)
}

// MarkPreOrderCancelled отменяет предзаказ. Доступно только сотрудникам.
func (h *Handler) MarkPreOrderCancelled(w http.ResponseWriter, r *http.Request) {
	h.markPreOrder(w, r, h.service.MarkPreOrderCancelled)
}

func (h *Handler) markPreOrder(w http.ResponseWriter, r *http.Request, mark func(context.Context, int64) (*model.PreOrder, error)) {
	var req markPreOrderRequest
	if err := decodeJSON(r, &req); err != nil || req.PreOrderID <= 0 {
		h.writeError(w, errBadRequest)
		return
	}

	pre, err := mark(r.Context(), req.PreOrderID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, newPreOrderResponse(pre))
}
