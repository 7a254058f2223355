package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"

	"github.com/mmeshcher/checkout-service/internal/model"
	"github.com/mmeshcher/checkout-service/internal/notify"
	"github.com/mmeshcher/checkout-service/internal/repository"
	"github.com/mmeshcher/checkout-service/internal/service"
)

// orderRepo отдаёт сервису только то, что нужно для завершения заказа.
type orderRepo struct {
	service.Repository
	order model.Order
}

func (r *orderRepo) Close() error { return nil }

func (r *orderRepo) GetUser(ctx context.Context, id int64) (*model.User, error) {
	if id == staffID {
		return &model.User{ID: id, Email: "staff@example.com", IsStaff: true}, nil
	}
	return nil, repository.ErrUserNotFound
}

func (r *orderRepo) CompleteOrder(ctx context.Context, orderID int64, deliveredAt time.Time) (*model.Order, error) {
	o := r.order
	o.DeliveryStatus = model.DeliveryCompleted
	o.DeliveredAt = &deliveredAt
	return &o, nil
}

type capturingProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (p *capturingProducer) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msgs...)
	return nil
}

func messageHeader(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func TestMarkOrderCompleted_TraceReachesKafkaHeaders(t *testing.T) {
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	const (
		traceID  = "4bf92f3577b34da6a3ce929d0e0e4736"
		parentID = "00f067aa0ba902b7"
	)

	producer := &capturingProducer{}
	order := sampleOrder()
	order.UserID = buyerID
	svc := service.NewService(&orderRepo{order: *order}, nil, notify.NewKafkaSink(producer, "notifications", zap.NewNop()), zap.NewNop())
	h := newTestHandler(t, svc)

	body, err := json.Marshal(map[string]int64{"order_id": order.ID})
	require.NoError(t, err)

	cookieRec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(cookieRec, staffID)

	req := httptest.NewRequest(http.MethodPost, "/api/orders/mark-completed", bytes.NewReader(body))
	req.AddCookie(cookieRec.Result().Cookies()[0])
	req.Header.Set("traceparent", "00-"+traceID+"-"+parentID+"-01")

	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	// Close дожидается фоновой отправки уведомления.
	require.NoError(t, svc.Close())

	require.Len(t, producer.msgs, 1)
	traceparent := messageHeader(producer.msgs[0], "traceparent")
	require.NotEmpty(t, traceparent)
	assert.Contains(t, traceparent, traceID)
	assert.NotContains(t, traceparent, parentID)

	var serviceSpan sdktrace.ReadOnlySpan
	for _, s := range spans.Ended() {
		assert.Equal(t, traceID, s.SpanContext().TraceID().String())
		if s.Name() == "MarkOrderCompleted" {
			serviceSpan = s
		}
	}
	require.NotNil(t, serviceSpan)
	assert.Contains(t, traceparent, serviceSpan.SpanContext().SpanID().String())
}
