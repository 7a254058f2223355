package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-service/internal/model"
)

// IMEPayConfig содержит настройки проверки платежей IME Pay.
type IMEPayConfig struct {
	VerifyURL    string
	MerchantCode string
	Token        string
	Module       string
}

// IMEPayTokens хранит выданные пользователям RefId.
type IMEPayTokens interface {
	ClaimIMEPayToken(ctx context.Context, refID string, userID int64, amount decimal.Decimal) (bool, error)
}

// IMEPay подтверждает транзакцию IME Pay. Успешен ответ с ResponseCode 0.
// Шлюз не сообщает сумму, поэтому RefId должен быть заранее выдан сервером на эту сумму.
type IMEPay struct {
	cfg    IMEPayConfig
	client *Client
	tokens IMEPayTokens
}

// NewIMEPay создаёт адаптер IME Pay.
func NewIMEPay(cfg IMEPayConfig, client *Client, tokens IMEPayTokens) *IMEPay {
	return &IMEPay{cfg: cfg, client: client, tokens: tokens}
}

type imepayRequest struct {
	MerchantCode  string `json:"MerchantCode"`
	RefID         string `json:"RefId"`
	TokenID       string `json:"TokenId"`
	TransactionID string `json:"TransactionId"`
	Msisdn        string `json:"Msisdn"`
}

type imepayResponse struct {
	ResponseCode *int `json:"ResponseCode"`
}

func (i *IMEPay) Method() string { return model.MethodIMEPay }

func (i *IMEPay) DedupKey(p Payload) (string, error) {
	v, err := p.require("RefId", "token", "TransactionId", "Msisdn")
	if err != nil {
		return "", err
	}
	return v[0], nil
}

// Reserve погашает токен с RefId key, выданный пользователю на сумму amount.
func (i *IMEPay) Reserve(ctx context.Context, userID int64, key string, amount decimal.Decimal) (bool, error) {
	return i.tokens.ClaimIMEPayToken(ctx, key, userID, amount)
}

func (i *IMEPay) Verify(ctx context.Context, p Payload, _ decimal.Decimal) (Outcome, error) {
	body, err := json.Marshal(imepayRequest{
		MerchantCode:  i.cfg.MerchantCode,
		RefID:         p["RefId"],
		TokenID:       p["token"],
		TransactionID: p["TransactionId"],
		Msisdn:        p["Msisdn"],
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("imepay: encode request: %w", err)
	}

	req, err := i.client.newRequest(ctx, http.MethodPost, i.cfg.VerifyURL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Basic "+i.cfg.Token)
	req.Header.Set("Module", i.cfg.Module)

	resp, err := i.client.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Outcome{}, fmt.Errorf("imepay: unexpected status %d", resp.StatusCode)
	}

	var out imepayResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return Outcome{}, fmt.Errorf("imepay: decode response: %w", err)
	}
	if out.ResponseCode == nil {
		return Outcome{}, fmt.Errorf("imepay: response without ResponseCode")
	}
	if *out.ResponseCode != 0 {
		return Outcome{}, fmt.Errorf("imepay: response code %d", *out.ResponseCode)
	}

	return Outcome{Status: StatusOK}, nil
}
