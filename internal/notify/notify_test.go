package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-service/internal/model"
)

type fakeProducer struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func header(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestKafkaSink_Notify(t *testing.T) {
	p := &fakeProducer{}
	s := NewKafkaSink(p, "notifications", zap.NewNop())
	s.now = func() time.Time { return time.Date(2024, time.March, 5, 0, 0, 0, 0, time.UTC) }

	err := s.Notify(context.Background(), Notification{UserID: 7, Title: "t", Body: "b"})
	require.NoError(t, err)
	require.Len(t, p.msgs, 1)

	msg := p.msgs[0]
	assert.Equal(t, "notifications", msg.Topic)
	assert.Equal(t, "user:7", string(msg.Key))
	assert.Equal(t, EventNotification, header(msg, "event_type"))

	var got struct {
		Type string       `json:"type"`
		Data Notification `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, EventNotification, got.Type)
	assert.Equal(t, Notification{UserID: 7, Title: "t", Body: "b"}, got.Data)
}

func TestKafkaSink_PropagatesTrace(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16},
		SpanID:     trace.SpanID{1, 2, 3, 4, 5, 6, 7, 8},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	p := &fakeProducer{}
	s := NewKafkaSink(p, "notifications", zap.NewNop())
	require.NoError(t, s.SendEmail(ctx, Email{Subject: "s", To: []string{"a@example.com"}}))

	require.Len(t, p.msgs, 1)
	assert.Equal(t, "00-0102030405060708090a0b0c0d0e0f10-0102030405060708-01", header(p.msgs[0], "traceparent"))
	assert.Equal(t, EventEmail, header(p.msgs[0], "event_type"))
}

func TestKafkaSink_Errors(t *testing.T) {
	p := &fakeProducer{err: errors.New("broker down")}
	s := NewKafkaSink(p, "notifications", zap.NewNop())

	require.Error(t, s.Notify(context.Background(), Notification{UserID: 1}))
	require.Error(t, s.SendEmail(context.Background(), Email{Subject: "no recipients"}))
}

func TestOrderMessages(t *testing.T) {
	o := &model.Order{
		Code:                  "20240305O42",
		UserID:                1,
		EstimatedDeliveryDate: time.Date(2024, time.March, 8, 0, 0, 0, 0, time.UTC),
		DeliveryCharge:        decimal.NewFromInt(10),
		Discount:              decimal.Zero,
		VAT:                   decimal.NewFromInt(26),
		FinalPrice:            decimal.NewFromInt(236),
		Lines: []model.OrderLine{{
			ProductID: 1, Color: "<red>", Quantity: 2,
			Rate: decimal.NewFromInt(100), NetTotal: decimal.NewFromInt(200),
		}},
	}
	buyer := model.User{ID: 1, Email: "buyer@example.com"}

	email, err := OrderCreatedEmail(o, buyer)
	require.NoError(t, err)
	assert.Equal(t, []string{"buyer@example.com"}, email.To)
	assert.Contains(t, email.HTML, "236.00")
	assert.Contains(t, email.HTML, "&lt;red&gt;")

	n := OrderCreatedForBuyer(o)
	assert.Equal(t, "20240305O42: Order created", n.Title)
	assert.Contains(t, n.Body, "2024-03-08")

	staff := OrderCreatedForStaff(o, buyer, model.User{ID: 9})
	assert.Equal(t, int64(9), staff.UserID)
	assert.Contains(t, staff.Body, "buyer@example.com")

	done := StatusChanged(1, o.Code, model.DeliveryCompleted)
	assert.Equal(t, "20240305O42: Completed", done.Title)
}
