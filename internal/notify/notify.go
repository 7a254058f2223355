// Package notify передаёт уведомления и письма во внешнюю систему доставки.
// Доставка не отслеживается: ошибки возвращаются вызывающему только для записи в лог.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// Notification описывает внутреннее уведомление пользователю.
type Notification struct {
	UserID int64  `json:"user_id"`
	Title  string `json:"title"`
	Body   string `json:"body"`
}

// Email описывает письмо для отправки.
type Email struct {
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
	HTML    string   `json:"html"`
	To      []string `json:"to"`
}

// Sink принимает уведомления и письма.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
	SendEmail(ctx context.Context, e Email) error
}

// Типы событий в заголовке event_type.
const (
	EventNotification = "notification"
	EventEmail        = "email"
)

// Producer описывает запись сообщений в Kafka.
type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaSink публикует уведомления в топик Kafka для сервиса доставки.
type KafkaSink struct {
	producer Producer
	topic    string
	logger   *zap.Logger
	now      func() time.Time
}

// NewKafkaSink создаёт публикатор сообщений в топик topic.
func NewKafkaSink(producer Producer, topic string, logger *zap.Logger) *KafkaSink {
	return &KafkaSink{producer: producer, topic: topic, logger: logger, now: time.Now}
}

// NewWriter создаёт kafka.Writer для публикатора. Топик задаётся в сообщениях.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

type envelope struct {
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// Notify публикует уведомление пользователю.
func (s *KafkaSink) Notify(ctx context.Context, n Notification) error {
	return s.publish(ctx, EventNotification, "user:"+strconv.FormatInt(n.UserID, 10), n)
}

// SendEmail публикует письмо.
func (s *KafkaSink) SendEmail(ctx context.Context, e Email) error {
	if len(e.To) == 0 {
		return fmt.Errorf("email %q without recipients", e.Subject)
	}
	return s.publish(ctx, EventEmail, "email:"+e.To[0], e)
}

func (s *KafkaSink) publish(ctx context.Context, eventType, key string, data any) error {
	payload, err := json.Marshal(envelope{Type: eventType, OccurredAt: s.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}

	msg := kafka.Message{
		Topic:   s.topic,
		Key:     []byte(key),
		Value:   payload,
		Headers: injectHeaders(ctx, []kafka.Header{{Key: "event_type", Value: []byte(eventType)}}),
	}

	if err := s.producer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}

	s.logger.Debug("notification published", zap.String("type", eventType), zap.String("key", key))
	return nil
}

// injectHeaders переносит контекст трассировки в заголовки сообщения.
func injectHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

// LogSink пишет уведомления в лог. Используется, когда брокер не настроен.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink создаёт Sink, который только логирует.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Notify(_ context.Context, n Notification) error {
	s.logger.Info("notification",
		zap.Int64("user_id", n.UserID),
		zap.String("title", n.Title),
		zap.String("body", n.Body),
	)
	return nil
}

func (s *LogSink) SendEmail(_ context.Context, e Email) error {
	s.logger.Info("email",
		zap.Strings("to", e.To),
		zap.String("subject", e.Subject),
	)
	return nil
}
