package gateway

import (
	"context"
	"crypto/hmac"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-service/internal/model"
)

// CardConfig содержит настройки проверки карточных платежей Cybersource Secure Acceptance.
type CardConfig struct {
	SecretKey string
}

// Card проверяет подписанный ответ Cybersource локально, без обращения к шлюзу.
type Card struct {
	cfg CardConfig
}

// NewCard создаёт адаптер карточных платежей.
func NewCard(cfg CardConfig) *Card {
	return &Card{cfg: cfg}
}

func (c *Card) Method() string { return model.MethodCard }

func (c *Card) DedupKey(p Payload) (string, error) {
	v, err := p.require("transaction_id", "signed_field_names", "signature", "decision")
	if err != nil {
		return "", err
	}
	return v[0], nil
}

func (c *Card) Verify(_ context.Context, p Payload, amount decimal.Decimal) (Outcome, error) {
	signed := strings.Split(p["signed_field_names"], ",")
	for _, required := range []string{"transaction_id", "decision", "req_amount"} {
		if !slices.Contains(signed, required) {
			return Outcome{}, fmt.Errorf("card: field %s is not signed", required)
		}
	}

	expected := cybersourceSignature(c.cfg.SecretKey, p)
	if !hmac.Equal([]byte(expected), []byte(p["signature"])) {
		return Outcome{}, fmt.Errorf("card: signature mismatch")
	}

	if p["decision"] != "ACCEPT" {
		return Outcome{}, fmt.Errorf("card: decision %q", p["decision"])
	}

	paid, err := decimal.NewFromString(p["req_amount"])
	if err != nil {
		return Outcome{}, fmt.Errorf("card: parse req_amount: %w", err)
	}

	currency := p["req_currency"]
	if paid.LessThan(amount) {
		return Outcome{Status: StatusInsufficientFunds, Currency: currency}, nil
	}

	return Outcome{Status: StatusOK, Currency: currency}, nil
}
