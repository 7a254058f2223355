package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-service/internal/model"
)

// KhaltiConfig содержит настройки проверки платежей Khalti.
type KhaltiConfig struct {
	VerifyURL string
	SecretKey string
}

// Khalti проверяет токен платежа у Khalti. Успешен только ответ 200.
type Khalti struct {
	cfg    KhaltiConfig
	client *Client
}

// NewKhalti создаёт адаптер Khalti.
func NewKhalti(cfg KhaltiConfig, client *Client) *Khalti {
	return &Khalti{cfg: cfg, client: client}
}

func (k *Khalti) Method() string { return model.MethodKhalti }

func (k *Khalti) DedupKey(p Payload) (string, error) {
	v, err := p.require("token")
	if err != nil {
		return "", err
	}
	return v[0], nil
}

func (k *Khalti) Verify(ctx context.Context, p Payload, amount decimal.Decimal) (Outcome, error) {
	form := url.Values{}
	form.Set("token", p["token"])
	form.Set("amount", amount.String())

	req, err := k.client.newRequest(ctx, http.MethodPost, k.cfg.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Key "+k.cfg.SecretKey)

	resp, err := k.client.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Outcome{}, fmt.Errorf("khalti: unexpected status %d", resp.StatusCode)
	}

	return Outcome{Status: StatusOK}, nil
}
