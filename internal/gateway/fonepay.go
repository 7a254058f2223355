package gateway

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/checkout-service/internal/model"
)

// FonepayConfig содержит настройки проверки платежей Fonepay.
type FonepayConfig struct {
	VerifyURL    string
	MerchantCode string
	SecretKey    string
}

// Fonepay проверяет платёж у Fonepay запросом, подписанным HMAC-SHA512.
type Fonepay struct {
	cfg    FonepayConfig
	client *Client
}

// NewFonepay создаёт адаптер Fonepay.
func NewFonepay(cfg FonepayConfig, client *Client) *Fonepay {
	return &Fonepay{cfg: cfg, client: client}
}

type fonepayResponse struct {
	StatusCode *string `xml:"statusCode"`
	TxnAmount  string  `xml:"txnAmount"`
	BankCode   string  `xml:"bankCode"`
}

func (f *Fonepay) Method() string { return model.MethodFonepay }

func (f *Fonepay) DedupKey(p Payload) (string, error) {
	v, err := p.require("prn", "bid", "uid")
	if err != nil {
		return "", err
	}
	return v[0], nil
}

func (f *Fonepay) Verify(ctx context.Context, p Payload, amount decimal.Decimal) (Outcome, error) {
	amt := amount.String()
	prn, bid, uid := p["prn"], p["bid"], p["uid"]

	q := url.Values{}
	q.Set("PRN", prn)
	q.Set("PID", f.cfg.MerchantCode)
	q.Set("BID", bid)
	q.Set("AMT", amt)
	q.Set("UID", uid)
	q.Set("DV", fonepayDV(f.cfg.SecretKey, f.cfg.MerchantCode, amt, prn, bid, uid))

	req, err := f.client.newRequest(ctx, http.MethodGet, f.cfg.VerifyURL, nil)
	if err != nil {
		return Outcome{}, err
	}
	req.URL.RawQuery = q.Encode()

	resp, err := f.client.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Outcome{}, fmt.Errorf("fonepay: unexpected status %d", resp.StatusCode)
	}

	var body fonepayResponse
	if err := xml.Unmarshal(resp.Body, &body); err != nil {
		return Outcome{}, fmt.Errorf("fonepay: decode response: %w", err)
	}
	if body.StatusCode == nil {
		return Outcome{}, fmt.Errorf("fonepay: response without statusCode")
	}
	if code := strings.TrimSpace(*body.StatusCode); code != "0" {
		return Outcome{}, fmt.Errorf("fonepay: status code %q", code)
	}

	if raw := strings.TrimSpace(body.TxnAmount); raw != "" {
		paid, err := decimal.NewFromString(raw)
		if err != nil {
			return Outcome{}, fmt.Errorf("fonepay: parse txnAmount %q: %w", raw, err)
		}
		if paid.LessThan(amount) {
			return Outcome{Status: StatusInsufficientFunds}, nil
		}
	}

	return Outcome{Status: StatusOK}, nil
}
