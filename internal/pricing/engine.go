// Package pricing пересчитывает стоимость корзины на сервере и сверяет её с суммами, присланными клиентом.
package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-service/internal/model"
	"github.com/mmeshcher/checkout-service/internal/repository"
)

var (
	// ErrUnknownProduct возвращается, если товар из корзины не найден в каталоге.
	ErrUnknownProduct = errors.New("unknown product")
	// ErrNoTaxConfiguration возвращается, если ставка НДС не настроена.
	ErrNoTaxConfiguration = errors.New("vat percentage is not configured")
	// ErrVatMismatch возвращается, если НДС клиента не совпадает с серверным.
	ErrVatMismatch = errors.New("vat mismatch")
	// ErrPriceMismatch возвращается, если итоговая цена клиента не совпадает с серверной.
	ErrPriceMismatch = errors.New("final price mismatch")
	// ErrInsufficientStock возвращается, если на складе меньше товара, чем заказано.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInsufficientPayment возвращается, если суммы платежа не хватает на заказ.
	ErrInsufficientPayment = errors.New("insufficient payment")
	// ErrEmptyCart возвращается для корзины без позиций.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrInvalidQuantity возвращается для позиции с неположительным количеством.
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrNegativeAmount возвращается для отрицательной стоимости доставки или скидки.
	ErrNegativeAmount = errors.New("delivery charge and discount must not be negative")
)

// MismatchError несёт ожидаемое и присланное значения для диагностики.
type MismatchError struct {
	Err       error
	Subject   string
	Expected  decimal.Decimal
	Submitted decimal.Decimal
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s expected %s, submitted %s", e.Err, e.Subject, e.Expected, e.Submitted)
}

func (e *MismatchError) Unwrap() error {
	return e.Err
}

// Catalog описывает чтение цен и остатков из каталога.
type Catalog interface {
	GetProduct(ctx context.Context, id int64) (*model.Product, error)
}

// TaxSource описывает источник ставки НДС в процентах.
type TaxSource interface {
	GetVATPercentage(ctx context.Context) (decimal.Decimal, error)
}

// Line описывает позицию с уже известной ценой за единицу.
// Available равен nil, если остаток для позиции не проверяется.
type Line struct {
	ProductID int64
	Name      string
	Color     string
	Quantity  int64
	UnitPrice decimal.Decimal
	Available *int64
}

// Total возвращает стоимость позиции.
func (l Line) Total() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(l.Quantity))
}

// Quote описывает корзину с ценами на момент оформления.
type Quote struct {
	Lines []Line
}

// ProductsPrice возвращает сумму стоимостей позиций.
func (q Quote) ProductsPrice() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range q.Lines {
		sum = sum.Add(l.Total())
	}
	return sum
}

// Claim содержит суммы, заявленные клиентом при оформлении.
type Claim struct {
	DeliveryCharge decimal.Decimal
	Discount       decimal.Decimal
	VAT            decimal.Decimal
	FinalPrice     decimal.Decimal
}

// Totals содержит суммы, пересчитанные на сервере.
type Totals struct {
	ProductsPrice decimal.Decimal
	VAT           decimal.Decimal
	FinalPrice    decimal.Decimal
}

// Engine пересчитывает стоимость заказа по данным каталога и налоговой настройки.
type Engine struct {
	catalog Catalog
	tax     TaxSource
}

// NewEngine создаёт движок сверки цен.
func NewEngine(catalog Catalog, tax TaxSource) *Engine {
	return &Engine{catalog: catalog, tax: tax}
}

// QuoteCart подставляет в корзину текущие цены и остатки каталога.
func (e *Engine) QuoteCart(ctx context.Context, cart []model.CartItem) (Quote, error) {
	if len(cart) == 0 {
		return Quote{}, ErrEmptyCart
	}

	lines := make([]Line, 0, len(cart))
	for _, item := range cart {
		if item.Quantity <= 0 {
			return Quote{}, fmt.Errorf("%w: product %d", ErrInvalidQuantity, item.ProductID)
		}

		p, err := e.catalog.GetProduct(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, repository.ErrProductNotFound) {
				return Quote{}, fmt.Errorf("%w: product_id %d", ErrUnknownProduct, item.ProductID)
			}
			return Quote{}, fmt.Errorf("get product %d: %w", item.ProductID, err)
		}

		available := p.Quantity
		lines = append(lines, Line{
			ProductID: p.ID,
			Name:      p.Name,
			Color:     item.Color,
			Quantity:  item.Quantity,
			UnitPrice: p.SellingPrice,
			Available: &available,
		})
	}

	return Quote{Lines: lines}, nil
}

// BundleQuote строит расчёт предзаказа из одного набора. Остаток наборов не проверяется.
func BundleQuote(bundle model.ProductBundle, quantity int64) (Quote, error) {
	if quantity <= 0 {
		return Quote{}, fmt.Errorf("%w: bundle %d", ErrInvalidQuantity, bundle.ID)
	}
	return Quote{Lines: []Line{{
		ProductID: bundle.ID,
		Name:      bundle.Name,
		Quantity:  quantity,
		UnitPrice: bundle.SellingPrice,
	}}}, nil
}

// ProductsPrice считает стоимость корзины по текущим ценам каталога.
func (e *Engine) ProductsPrice(ctx context.Context, cart []model.CartItem) (decimal.Decimal, error) {
	q, err := e.QuoteCart(ctx, cart)
	if err != nil {
		return decimal.Zero, err
	}
	return q.ProductsPrice(), nil
}

// VAT считает НДС с округлением вниз до целой единицы валюты.
func (e *Engine) VAT(ctx context.Context, productsPrice decimal.Decimal) (decimal.Decimal, error) {
	pct, err := e.tax.GetVATPercentage(ctx)
	if err != nil {
		if errors.Is(err, repository.ErrVATNotConfigured) {
			return decimal.Zero, ErrNoTaxConfiguration
		}
		return decimal.Zero, fmt.Errorf("get vat percentage: %w", err)
	}
	return pct.Mul(productsPrice).Div(decimal.NewFromInt(100)).Floor(), nil
}

// FinalPrice складывает итоговую цену заказа.
func FinalPrice(productsPrice, deliveryCharge, discount, vat decimal.Decimal) decimal.Decimal {
	return productsPrice.Add(deliveryCharge).Sub(discount).Add(vat)
}

// CheckStock проверяет, что заказанное количество не превышает остаток.
// Проверка информативная: остаток не резервируется.
func CheckStock(q Quote) error {
	for _, l := range q.Lines {
		if l.Available == nil {
			continue
		}
		if l.Quantity > *l.Available {
			return &MismatchError{
				Err:       ErrInsufficientStock,
				Subject:   fmt.Sprintf("quantity of product %d", l.ProductID),
				Expected:  decimal.NewFromInt(*l.Available),
				Submitted: decimal.NewFromInt(l.Quantity),
			}
		}
	}
	return nil
}

// CheckCartStock загружает корзину из каталога и проверяет остатки.
func (e *Engine) CheckCartStock(ctx context.Context, cart []model.CartItem) error {
	q, err := e.QuoteCart(ctx, cart)
	if err != nil {
		return err
	}
	return CheckStock(q)
}

// Reconcile пересчитывает НДС и итоговую цену и сравнивает их с клиентскими
// по целой части: дробные копейки не сравниваются.
func (e *Engine) Reconcile(ctx context.Context, q Quote, claim Claim) (Totals, error) {
	productsPrice := q.ProductsPrice()

	vat, err := e.VAT(ctx, productsPrice)
	if err != nil {
		return Totals{}, err
	}
	if !sameWholeUnits(vat, claim.VAT) {
		return Totals{}, &MismatchError{
			Err:       ErrVatMismatch,
			Subject:   "vat",
			Expected:  vat,
			Submitted: claim.VAT,
		}
	}

	final := FinalPrice(productsPrice, claim.DeliveryCharge, claim.Discount, vat)
	if !sameWholeUnits(final, claim.FinalPrice) {
		return Totals{}, &MismatchError{
			Err:       ErrPriceMismatch,
			Subject:   "final price",
			Expected:  final,
			Submitted: claim.FinalPrice,
		}
	}

	return Totals{ProductsPrice: productsPrice, VAT: vat, FinalPrice: final}, nil
}

// ValidateAgainstPayment проверяет, что платёж покрывает заказ. Переплата допустима.
func ValidateAgainstPayment(payment model.PaymentRecord, productsPrice, deliveryCharge, discount, vat decimal.Decimal) error {
	final := FinalPrice(productsPrice, deliveryCharge, discount, vat)
	if payment.Amount.LessThan(final) {
		return &MismatchError{
			Err:       ErrInsufficientPayment,
			Subject:   "payment amount",
			Expected:  final,
			Submitted: payment.Amount,
		}
	}
	return nil
}

// Validate прогоняет все проверки в фиксированном порядке: знак доставки и скидки,
// остаток, НДС, цена клиента, достаточность платежа. Возвращается первая ошибка.
func (e *Engine) Validate(ctx context.Context, q Quote, claim Claim, payment model.PaymentRecord) (Totals, error) {
	if claim.DeliveryCharge.IsNegative() || claim.Discount.IsNegative() {
		return Totals{}, ErrNegativeAmount
	}

	if err := CheckStock(q); err != nil {
		return Totals{}, err
	}

	totals, err := e.Reconcile(ctx, q, claim)
	if err != nil {
		return Totals{}, err
	}

	if err := ValidateAgainstPayment(payment, totals.ProductsPrice, claim.DeliveryCharge, claim.Discount, totals.VAT); err != nil {
		return Totals{}, err
	}

	return totals, nil
}

// sameWholeUnits сравнивает значения после отбрасывания дробной части к нулю.
func sameWholeUnits(a, b decimal.Decimal) bool {
	return a.Truncate(0).Equal(b.Truncate(0))
}
