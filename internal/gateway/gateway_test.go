package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-service/internal/model"
	"github.com/mmeshcher/checkout-service/internal/repository"
)

type stubLedger struct {
	mu        sync.Mutex
	records   []model.PaymentRecord
	createErr error
	ctxErr    error
}

func (s *stubLedger) PaymentExists(ctx context.Context, method, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Method == method && r.GatewayRef == ref {
			return true, nil
		}
	}
	return false, nil
}

func (s *stubLedger) CreatePayment(ctx context.Context, p *model.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctxErr = ctx.Err()
	if s.createErr != nil {
		return s.createErr
	}
	s.records = append(s.records, *p)
	return nil
}

type stubGuard struct {
	busy     bool
	err      error
	released []string
}

func (g *stubGuard) Acquire(ctx context.Context, key string) (bool, error) {
	return !g.busy, g.err
}

func (g *stubGuard) Release(ctx context.Context, key string) error {
	g.released = append(g.released, key)
	return nil
}

type stubAdapter struct {
	calls   int
	outcome Outcome
	err     error
	onCall  func()
}

func (a *stubAdapter) Method() string { return "stub" }

func (a *stubAdapter) DedupKey(p Payload) (string, error) {
	v, err := p.require("ref")
	if err != nil {
		return "", err
	}
	return v[0], nil
}

func (a *stubAdapter) Verify(ctx context.Context, p Payload, amount decimal.Decimal) (Outcome, error) {
	a.calls++
	if a.onCall != nil {
		a.onCall()
	}
	return a.outcome, a.err
}

func newTestVerifier(ledger Ledger, adapters ...Adapter) *Verifier {
	return NewVerifier(NewRouter(adapters...), ledger, zap.NewNop(),
		WithIDGenerator(func() string { return "payment-1" }))
}

func TestVerify_UnknownMethod(t *testing.T) {
	ledger := &stubLedger{}
	v := newTestVerifier(ledger, &stubAdapter{})

	res, err := v.Verify(context.Background(), 1, "bitcoin", Payload{"ref": "x"}, decimal.NewFromInt(10))
	require.NoError(t, err)
	assert.Equal(t, StatusPaymentMethodNotFound, res.Status)
	assert.Empty(t, ledger.records)
}

func TestVerify_MalformedPayload(t *testing.T) {
	ledger := &stubLedger{}
	adapter := &stubAdapter{}
	v := newTestVerifier(ledger, adapter)

	_, err := v.Verify(context.Background(), 1, "stub", Payload{}, decimal.NewFromInt(10))
	require.ErrorIs(t, err, ErrMalformedPayload)
	assert.Zero(t, adapter.calls)
	assert.Empty(t, ledger.records)

	_, err = v.Verify(context.Background(), 1, "stub", Payload{"ref": "x"}, decimal.Zero)
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestVerify_AmountPrecision(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		wantErr error
	}{
		{name: "whole", amount: "236"},
		{name: "two places", amount: "235.99"},
		{name: "trailing zeros", amount: "236.000"},
		{name: "sub cent", amount: "235.995", wantErr: ErrAmountPrecision},
		{name: "negative", amount: "-1", wantErr: ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := &stubLedger{}
			adapter := &stubAdapter{outcome: Outcome{Status: StatusOK}}
			v := newTestVerifier(ledger, adapter)

			_, err := v.Verify(context.Background(), 1, "stub", Payload{"ref": "r1"}, decimal.RequireFromString(tt.amount))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Zero(t, adapter.calls)
				assert.Empty(t, ledger.records)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 1, adapter.calls)
		})
	}
}

func TestVerify_RecordsSuccess(t *testing.T) {
	ledger := &stubLedger{}
	v := newTestVerifier(ledger, &stubAdapter{outcome: Outcome{Status: StatusOK}})

	res, err := v.Verify(context.Background(), 7, "stub", Payload{"ref": "r1"}, decimal.NewFromInt(236))
	require.NoError(t, err)
	assert.Equal(t, Result{Status: StatusOK, Currency: DefaultCurrency, PaymentID: "payment-1"}, res)

	require.Len(t, ledger.records, 1)
	rec := ledger.records[0]
	assert.Equal(t, int64(7), rec.UserID)
	assert.Equal(t, "r1", rec.GatewayRef)
	assert.Equal(t, model.VerificationVerified, rec.VerificationStatus)
	assert.Equal(t, 200, rec.StatusCode)
	assert.False(t, rec.Spent)
}

func TestVerify_RecordsFailure(t *testing.T) {
	ledger := &stubLedger{}
	v := newTestVerifier(ledger, &stubAdapter{err: errors.New("gateway down")})

	res, err := v.Verify(context.Background(), 7, "stub", Payload{"ref": "r1"}, decimal.NewFromInt(236))
	require.NoError(t, err)
	assert.Equal(t, StatusMerchantVerificationFailed, res.Status)

	require.Len(t, ledger.records, 1)
	assert.Equal(t, model.VerificationUnverified, ledger.records[0].VerificationStatus)
	assert.Equal(t, 203, ledger.records[0].StatusCode)
}

func TestVerify_RecordSurvivesClientCancel(t *testing.T) {
	ledger := &stubLedger{}
	ctx, cancel := context.WithCancel(context.Background())
	adapter := &stubAdapter{outcome: Outcome{Status: StatusOK}, onCall: cancel}
	v := newTestVerifier(ledger, adapter)

	res, err := v.Verify(ctx, 1, "stub", Payload{"ref": "r1"}, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.NoError(t, ledger.ctxErr)
	assert.Len(t, ledger.records, 1)
}

func TestVerify_UniqueViolationIsDuplicate(t *testing.T) {
	ledger := &stubLedger{createErr: repository.ErrDuplicatePayment}
	v := newTestVerifier(ledger, &stubAdapter{outcome: Outcome{Status: StatusOK}})

	res, err := v.Verify(context.Background(), 1, "stub", Payload{"ref": "r1"}, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicatePayment, res.Status)
	assert.Empty(t, res.PaymentID)
}

func TestVerify_GuardBusy(t *testing.T) {
	ledger := &stubLedger{}
	adapter := &stubAdapter{outcome: Outcome{Status: StatusOK}}
	v := NewVerifier(NewRouter(adapter), ledger, zap.NewNop(), WithGuard(&stubGuard{busy: true}))

	res, err := v.Verify(context.Background(), 1, "stub", Payload{"ref": "r1"}, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicatePayment, res.Status)
	assert.Zero(t, adapter.calls)
}

func TestVerify_GuardReleasedAndFailsOpen(t *testing.T) {
	ledger := &stubLedger{}
	adapter := &stubAdapter{outcome: Outcome{Status: StatusOK}}
	guard := &stubGuard{}
	v := NewVerifier(NewRouter(adapter), ledger, zap.NewNop(), WithGuard(guard))

	_, err := v.Verify(context.Background(), 1, "stub", Payload{"ref": "r1"}, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, []string{"payment:stub:r1"}, guard.released)

	broken := &stubGuard{err: errors.New("redis down")}
	v = NewVerifier(NewRouter(adapter), &stubLedger{}, zap.NewNop(), WithGuard(broken))
	res, err := v.Verify(context.Background(), 1, "stub", Payload{"ref": "r2"}, decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.Empty(t, broken.released)
}

func TestVerify_CODStaysUnverified(t *testing.T) {
	ledger := &stubLedger{}
	v := NewVerifier(NewRouter(COD{}), ledger, zap.NewNop())

	res, err := v.Verify(context.Background(), 1, "COD", Payload{}, decimal.NewFromInt(236))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)
	assert.NotEmpty(t, res.PaymentID)

	require.Len(t, ledger.records, 1)
	assert.Equal(t, model.MethodCOD, ledger.records[0].Method)
	assert.Equal(t, model.VerificationUnverified, ledger.records[0].VerificationStatus)
}

func TestVerify_DuplicateSkipsGateway(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	khalti := NewKhalti(KhaltiConfig{VerifyURL: ts.URL, SecretKey: "secret"}, NewClient(time.Second, 0))
	v := NewVerifier(NewRouter(khalti), &stubLedger{}, zap.NewNop())
	payload := Payload{"token": "tok-1"}

	res, err := v.Verify(context.Background(), 1, model.MethodKhalti, payload, decimal.NewFromInt(236))
	require.NoError(t, err)
	assert.Equal(t, StatusOK, res.Status)

	res, err = v.Verify(context.Background(), 1, model.MethodKhalti, payload, decimal.NewFromInt(236))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicatePayment, res.Status)

	assert.Equal(t, int32(1), calls.Load())
}

type imepayToken struct {
	userID    int64
	amount    decimal.Decimal
	available bool
}

type stubTokens struct {
	mu     sync.Mutex
	tokens map[string]*imepayToken
	err    error
}

func (s *stubTokens) ClaimIMEPayToken(ctx context.Context, refID string, userID int64, amount decimal.Decimal) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	t, ok := s.tokens[refID]
	if !ok || !t.available || t.userID != userID || !t.amount.Equal(amount) {
		return false, nil
	}
	t.available = false
	return true, nil
}

func TestVerify_IMEPayRequiresIssuedToken(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte(`{"ResponseCode":0}`))
	}))
	defer ts.Close()

	newPayload := func(ref string) Payload {
		return Payload{"RefId": ref, "token": "t", "TransactionId": "tx-" + ref, "Msisdn": "98"}
	}

	tests := []struct {
		name       string
		userID     int64
		ref        string
		amount     int64
		wantStatus Status
		wantCalls  int32
	}{
		{name: "amount differs from issued", userID: 1, ref: "r1", amount: 10000, wantStatus: StatusPaymentMethodNotFound},
		{name: "token of another user", userID: 2, ref: "r1", amount: 1, wantStatus: StatusPaymentMethodNotFound},
		{name: "unknown ref", userID: 1, ref: "r404", amount: 1, wantStatus: StatusPaymentMethodNotFound},
		{name: "spent token", userID: 1, ref: "r-spent", amount: 1, wantStatus: StatusPaymentMethodNotFound},
		{name: "matching token", userID: 1, ref: "r1", amount: 1, wantStatus: StatusOK, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls.Store(0)
			tokens := &stubTokens{tokens: map[string]*imepayToken{
				"r1":      {userID: 1, amount: decimal.NewFromInt(1), available: true},
				"r-spent": {userID: 1, amount: decimal.NewFromInt(1)},
			}}
			ledger := &stubLedger{}
			imepay := NewIMEPay(IMEPayConfig{VerifyURL: ts.URL}, NewClient(time.Second, 0), tokens)
			v := NewVerifier(NewRouter(imepay), ledger, zap.NewNop())

			res, err := v.Verify(context.Background(), tt.userID, model.MethodIMEPay, newPayload(tt.ref), decimal.NewFromInt(tt.amount))
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, res.Status)
			assert.Equal(t, tt.wantCalls, calls.Load())

			if tt.wantStatus != StatusOK {
				assert.Empty(t, ledger.records)
				return
			}
			require.Len(t, ledger.records, 1)
			assert.True(t, ledger.records[0].Amount.Equal(decimal.NewFromInt(1)))
			assert.False(t, tokens.tokens[tt.ref].available)
		})
	}
}

func TestVerify_IMEPayTokenStoreError(t *testing.T) {
	imepay := NewIMEPay(IMEPayConfig{}, NewClient(time.Second, 0), &stubTokens{err: errors.New("db down")})
	v := NewVerifier(NewRouter(imepay), &stubLedger{}, zap.NewNop())

	_, err := v.Verify(context.Background(), 1, model.MethodIMEPay,
		Payload{"RefId": "r1", "token": "t", "TransactionId": "tx", "Msisdn": "98"}, decimal.NewFromInt(1))
	require.Error(t, err)
}

type fakeRedis struct {
	keys map[string]bool
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value any, ttl time.Duration) *redis.BoolCmd {
	if f.keys[key] {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = true
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	for _, k := range keys {
		delete(f.keys, k)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func TestRedisGuard(t *testing.T) {
	g := NewRedisGuard(&fakeRedis{keys: map[string]bool{}}, time.Minute)
	ctx := context.Background()

	ok, err := g.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = g.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.Release(ctx, "k"))

	ok, err = g.Acquire(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}
