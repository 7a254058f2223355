package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-service/internal/model"
)

const (
	timeLayout = time.RFC3339
	dateLayout = time.DateOnly
)

type orderLineResponse struct {
	ProductID      int64           `json:"product_id"`
	Color          string          `json:"color,omitempty"`
	Quantity       int64           `json:"quantity"`
	Rate           decimal.Decimal `json:"rate"`
	NetTotal       decimal.Decimal `json:"net_total"`
	DeliveryStatus string          `json:"delivery_status"`
}

type orderResponse struct {
	ID                    int64               `json:"id"`
	Code                  string              `json:"order_uuid"`
	PaymentID             string              `json:"payment_uuid"`
	DeliveryStatus        string              `json:"delivery_status"`
	EstimatedDeliveryDate string              `json:"estimated_delivery_date"`
	DeliveredAt           *string             `json:"delivered_at,omitempty"`
	DeliveryCharge        decimal.Decimal     `json:"delivery_charge"`
	Discount              decimal.Decimal     `json:"discount"`
	VAT                   decimal.Decimal     `json:"vat"`
	FinalPrice            decimal.Decimal     `json:"final_price"`
	CreatedAt             string              `json:"created_at"`
	Lines                 []orderLineResponse `json:"ordered_products"`
}

func formatDay(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.Format(dateLayout)
	return &s
}

func newOrderResponse(o *model.Order) orderResponse {
	resp := orderResponse{
		ID:                    o.ID,
		Code:                  o.Code,
		PaymentID:             o.PaymentID,
		DeliveryStatus:        string(o.DeliveryStatus),
		EstimatedDeliveryDate: o.EstimatedDeliveryDate.Format(dateLayout),
		DeliveredAt:           formatDay(o.DeliveredAt),
		DeliveryCharge:        o.DeliveryCharge,
		Discount:              o.Discount,
		VAT:                   o.VAT,
		FinalPrice:            o.FinalPrice,
		CreatedAt:             o.CreatedAt.Format(timeLayout),
		Lines:                 make([]orderLineResponse, 0, len(o.Lines)),
	}
	for _, l := range o.Lines {
		resp.Lines = append(resp.Lines, orderLineResponse{
			ProductID:      l.ProductID,
			Color:          l.Color,
			Quantity:       l.Quantity,
			Rate:           l.Rate,
			NetTotal:       l.NetTotal,
			DeliveryStatus: string(l.DeliveryStatus),
		})
	}
	return resp
}

type preOrderResponse struct {
	ID                    int64           `json:"id"`
	Code                  string          `json:"pre_order_uuid"`
	BundleID              int64           `json:"product_bundle_id"`
	PaymentID             string          `json:"payment_uuid"`
	Quantity              int64           `json:"quantity"`
	Rate                  decimal.Decimal `json:"rate"`
	DeliveryStatus        string          `json:"delivery_status"`
	EstimatedDeliveryDate string          `json:"estimated_delivery_date"`
	DeliveredAt           *string         `json:"delivered_at,omitempty"`
	DeliveryCharge        decimal.Decimal `json:"delivery_charge"`
	Discount              decimal.Decimal `json:"discount"`
	VAT                   decimal.Decimal `json:"vat"`
	FinalPrice            decimal.Decimal `json:"final_price"`
}

func newPreOrderResponse(p *model.PreOrder) preOrderResponse {
	return preOrderResponse{
		ID:                    p.ID,
		Code:                  p.Code,
		BundleID:              p.BundleID,
		PaymentID:             p.PaymentID,
		Quantity:              p.Quantity,
		Rate:                  p.Rate,
		DeliveryStatus:        string(p.DeliveryStatus),
		EstimatedDeliveryDate: p.EstimatedDeliveryDate.Format(dateLayout),
		DeliveredAt:           formatDay(p.DeliveredAt),
		DeliveryCharge:        p.DeliveryCharge,
		Discount:              p.Discount,
		VAT:                   p.VAT,
		FinalPrice:            p.FinalPrice,
	}
}
