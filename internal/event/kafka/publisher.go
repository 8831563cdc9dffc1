package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/johnleylorvil/psychic-octo-invention-sub001/internal/service"
)

// PaymentCompletedPublisher публикует события payment.completed в Kafka.
// Вызывается после коммита Finalize: источник истины уже в БД,
// событие - уведомление для downstream сервисов (уведомления, сборка).
type PaymentCompletedPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewPaymentCompletedPublisher создаёт нового publisher-а
func NewPaymentCompletedPublisher(brokers []string, topic string, logger *zap.Logger) *PaymentCompletedPublisher {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	}

	return &PaymentCompletedPublisher{
		writer: writer,
		logger: logger,
	}
}

// PublishPaymentCompleted публикует событие payment.completed.
// Key = order id: события одного заказа попадают в одну партицию
// и сохраняют порядок для консьюмеров.
func (p *PaymentCompletedPublisher) PublishPaymentCompleted(ctx context.Context, event service.PaymentCompletedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payment.completed event: %w", err)
	}

	key := event.OrderID
	if key == "" {
		key = event.GatewayOrderID
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("write payment.completed event: %w", err)
	}

	p.logger.Info("payment.completed event published",
		zap.String("event_id", event.EventID),
		zap.String("order_id", event.OrderID),
		zap.String("gateway_order_id", event.GatewayOrderID))
	return nil
}

// Close закрывает kafka writer
func (p *PaymentCompletedPublisher) Close() error {
	return p.writer.Close()
}
