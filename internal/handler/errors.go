package handler

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-service/internal/gateway"
	"github.com/mmeshcher/checkout-service/internal/pricing"
	"github.com/mmeshcher/checkout-service/internal/repository"
	"github.com/mmeshcher/checkout-service/internal/service"
)

var (
	errBadRequest         = errors.New("malformed request")
	errInvalidPaymentUUID = errors.New("payment_uuid is not a valid uuid")
)

type errorResponse struct {
	Code      string           `json:"code"`
	Message   string           `json:"message"`
	Expected  *decimal.Decimal `json:"expected,omitempty"`
	Submitted *decimal.Decimal `json:"submitted,omitempty"`
}

type errorMapping struct {
	err    error
	status int
	code   string
}

// Порядок важен: берётся первое совпадение по errors.Is.
var errorMappings = []errorMapping{
	{pricing.ErrVatMismatch, http.StatusBadRequest, "vat_conflict"},
	{pricing.ErrPriceMismatch, http.StatusBadRequest, "invalid_final_price"},
	{pricing.ErrInsufficientStock, http.StatusBadRequest, "insufficient_quantity"},
	{pricing.ErrInsufficientPayment, http.StatusBadRequest, "insufficient_payment"},
	{pricing.ErrUnknownProduct, http.StatusBadRequest, "invalid_product_id"},
	{pricing.ErrEmptyCart, http.StatusBadRequest, "bad_request"},
	{pricing.ErrInvalidQuantity, http.StatusBadRequest, "bad_request"},
	{pricing.ErrNegativeAmount, http.StatusBadRequest, "bad_request"},
	{repository.ErrPaymentUnspendable, http.StatusBadRequest, "invalid_payment_uuid"},
	{errInvalidPaymentUUID, http.StatusBadRequest, "invalid_payment_uuid"},
	{repository.ErrBundleNotFound, http.StatusBadRequest, "invalid_product_bundle_id"},
	{repository.ErrShippingNotFound, http.StatusBadRequest, "invalid_shipping_id"},
	{repository.ErrOrderNotFound, http.StatusNotFound, "invalid_order_id"},
	{repository.ErrPreOrderNotFound, http.StatusNotFound, "invalid_pre_order_id"},
	{repository.ErrPromoCodeNotFound, http.StatusPreconditionFailed, "invalid_promo_code"},
	{service.ErrPromoCodeExpired, http.StatusGone, "promo_code_expired"},
	{repository.ErrAlreadyCompleted, http.StatusLocked, "already_completed"},
	{repository.ErrAlreadyCancelled, http.StatusLocked, "already_cancelled"},
	{gateway.ErrMalformedPayload, http.StatusBadRequest, "bad_request"},
	{gateway.ErrInvalidAmount, http.StatusBadRequest, "bad_request"},
	{gateway.ErrAmountPrecision, http.StatusBadRequest, "bad_request"},
	{errBadRequest, http.StatusBadRequest, "bad_request"},
}

// writeError пишет ответ с кодом ошибки. Неизвестные ошибки и отсутствие настройки НДС логируются.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Message: err.Error()}

	var mismatch *pricing.MismatchError
	if errors.As(err, &mismatch) {
		resp.Expected = &mismatch.Expected
		resp.Submitted = &mismatch.Submitted
	}

	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			resp.Code = m.code
			writeJSON(w, m.status, resp)
			return
		}
	}

	if errors.Is(err, pricing.ErrNoTaxConfiguration) {
		h.logger.Error("vat percentage is not configured", zap.Error(err))
		resp.Code = "no_site_setting"
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	h.logger.Error("request failed", zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorResponse{
		Code:    "internal_error",
		Message: http.StatusText(http.StatusInternalServerError),
	})
}
