package gateway

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-service/internal/model"
)

// COD проверяет оплату при получении. Шлюза нет, проверка всегда успешна.
type COD struct{}

func (COD) Method() string { return model.MethodCOD }

// DedupKey возвращает новый ключ: у наложенного платежа нет внешней ссылки.
func (COD) DedupKey(Payload) (string, error) {
	return uuid.NewString(), nil
}

func (COD) Verify(context.Context, Payload, decimal.Decimal) (Outcome, error) {
	return Outcome{Status: StatusOK}, nil
}
