package gateway

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-service/internal/model"
)

// EsewaConfig содержит настройки проверки платежей eSewa.
type EsewaConfig struct {
	VerifyURL    string
	MerchantCode string
}

// Esewa проверяет платёж у eSewa. Успешным считается ответ, в теле которого есть "Success".
type Esewa struct {
	cfg    EsewaConfig
	client *Client
}

// NewEsewa создаёт адаптер eSewa.
func NewEsewa(cfg EsewaConfig, client *Client) *Esewa {
	return &Esewa{cfg: cfg, client: client}
}

func (e *Esewa) Method() string { return model.MethodEsewa }

func (e *Esewa) DedupKey(p Payload) (string, error) {
	v, err := p.require("pid", "rid")
	if err != nil {
		return "", err
	}
	return v[0], nil
}

func (e *Esewa) Verify(ctx context.Context, p Payload, amount decimal.Decimal) (Outcome, error) {
	form := url.Values{}
	form.Set("amt", amount.String())
	form.Set("scd", e.cfg.MerchantCode)
	form.Set("rid", p["rid"])
	form.Set("pid", p["pid"])

	req, err := e.client.newRequest(ctx, http.MethodPost, e.cfg.VerifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Outcome{}, fmt.Errorf("esewa: unexpected status %d", resp.StatusCode)
	}
	if !bytes.Contains(resp.Body, []byte("Success")) {
		return Outcome{}, fmt.Errorf("esewa: payment not confirmed")
	}

	return Outcome{Status: StatusOK}, nil
}
