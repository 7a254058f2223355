// Package model содержит доменные сущности сервиса оформления заказов.
package model

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// User описывает пользователя в том объёме, который нужен ядру: адрес для писем и признак сотрудника.
type User struct {
	ID      int64
	Email   string
	IsStaff bool
}

// Product описывает товар из каталога.
type Product struct {
	ID           int64
	Name         string
	SellingPrice decimal.Decimal
	Quantity     int64
	ItemsSold    int64
}

// ProductBundle описывает набор товаров, доступный для предзаказа.
type ProductBundle struct {
	ID           int64
	Name         string
	SellingPrice decimal.Decimal
}

// CartItem описывает позицию корзины, присланная клиентом. Не сохраняется.
type CartItem struct {
	ProductID int64  `json:"product_id"`
	Quantity  int64  `json:"quantity"`
	Color     string `json:"color,omitempty"`
}

// VerificationStatus описывает результат проверки платежа у шлюза.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "unverified"
	VerificationVerified   VerificationStatus = "verified"
)

// Способы оплаты, которые умеет проверять сервис.
const (
	MethodKhalti  = "khalti"
	MethodEsewa   = "esewa"
	MethodFonepay = "fonepay"
	MethodIMEPay  = "imepay"
	MethodCard    = "card"
	MethodCOD     = "cod"
)

// PaymentRecord описывает запись платёжного реестра об одной попытке проверки платежа.
type PaymentRecord struct {
	PaymentID          string
	UserID             int64
	Method             string
	GatewayRef         string
	Amount             decimal.Decimal
	Currency           string
	VerificationStatus VerificationStatus
	StatusCode         int
	Spent              bool
	IsDeleted          bool
	DeletedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DeliveryStatus описывает состояние исполнения заказа.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "Pending"
	DeliveryCompleted DeliveryStatus = "Completed"
	DeliveryCancelled DeliveryStatus = "Cancelled"
)

// IsTerminal сообщает, что из статуса больше нет переходов.
func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliveryCompleted || s == DeliveryCancelled
}

// Order описывает принятый заказ. Цены фиксируются в момент оформления.
type Order struct {
	ID                    int64
	Code                  string
	UserID                int64
	PaymentID             string
	ShippingID            int64
	DeliveryStatus        DeliveryStatus
	EstimatedDeliveryDate time.Time
	DeliveredAt           *time.Time
	Discount              decimal.Decimal
	DeliveryCharge        decimal.Decimal
	VAT                   decimal.Decimal
	FinalPrice            decimal.Decimal
	Lines                 []OrderLine
	IsDeleted             bool
	DeletedAt             *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// OrderLine описывает строку заказа с зафиксированной ценой за единицу.
type OrderLine struct {
	ID             int64
	OrderID        int64
	ProductID      int64
	Color          string
	Quantity       int64
	Rate           decimal.Decimal
	NetTotal       decimal.Decimal
	DeliveryStatus DeliveryStatus
	DeliveredAt    *time.Time
	ToBeReviewed   bool
	ReviewID       *int64
}

// PreOrder описывает предзаказ одного набора товаров.
type PreOrder struct {
	ID                    int64
	Code                  string
	UserID                int64
	BundleID              int64
	PaymentID             string
	ShippingID            int64
	Quantity              int64
	Rate                  decimal.Decimal
	DeliveryStatus        DeliveryStatus
	EstimatedDeliveryDate time.Time
	DeliveredAt           *time.Time
	Discount              decimal.Decimal
	DeliveryCharge        decimal.Decimal
	VAT                   decimal.Decimal
	FinalPrice            decimal.Decimal
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// IMEPayToken описывает выданный сервером RefId для оплаты через IME Pay.
// Токен привязан к пользователю и сумме и погашается одной проверкой.
type IMEPayToken struct {
	RefID     string
	UserID    int64
	Amount    decimal.Decimal
	Available bool
	CreatedAt time.Time
}

// PromoCode описывает промокод со сроком действия.
type PromoCode struct {
	ID        int64
	Name      string
	Code      string
	Discount  decimal.Decimal
	StartDate time.Time
	EndDate   time.Time
}

// IsValid проверяет, что день today попадает в окно действия промокода включительно.
func (p PromoCode) IsValid(today time.Time) bool {
	d := truncateDay(today)
	return !d.Before(truncateDay(p.StartDate)) && !d.After(truncateDay(p.EndDate))
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// OrderCode формирует код заказа: дата оформления, буква O и идентификатор.
func OrderCode(createdAt time.Time, id int64) string {
	return createdAt.Format("20060102") + "O" + strconv.FormatInt(id, 10)
}

// PreOrderCode формирует код предзаказа: дата оформления, PO и идентификатор.
func PreOrderCode(createdAt time.Time, id int64) string {
	return createdAt.Format("20060102") + "PO" + strconv.FormatInt(id, 10)
}
