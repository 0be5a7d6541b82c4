package events

import (
	"context"
	"encoding/json"
	"fmt"
	"opencourse_backend/pkg/logger"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// 事件类型即 topic exchange 的 routing key
const (
	QuizSubmitted       = "quiz.submitted"
	EnrollmentCreated   = "enrollment.created"
	EnrollmentCompleted = "enrollment.completed"
	EnrollmentDropped   = "enrollment.dropped"
	EnrollmentReopened  = "enrollment.reopened"
	CertificateIssued   = "certificate.issued"
	CertificateRevoked  = "certificate.revoked"
)

type Event struct {
	Type       string      `json:"type"`
	Payload    interface{} `json:"payload"`
	OccurredAt time.Time   `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
	Close()
}

// NoopPublisher 未启用消息队列时使用
type NoopPublisher struct{}

func (NoopPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	logger.Log.Debug("event dropped (publisher disabled)", zap.String("type", eventType))
	return nil
}

func (NoopPublisher) Close() {}

type RabbitPublisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex // amqp.Channel 不支持并发发布
	channel  *amqp.Channel
	exchange string
}

func NewRabbitPublisher(amqpURL, exchange string) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &RabbitPublisher{conn: conn, channel: ch, exchange: exchange}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	body, err := json.Marshal(Event{Type: eventType, Payload: payload, OccurredAt: time.Now()})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx,
		p.exchange,
		eventType,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
}

func (p *RabbitPublisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

// Emit 发布失败只记录日志，不影响业务流程
func Emit(ctx context.Context, p Publisher, eventType string, payload interface{}) {
	if p == nil {
		return
	}
	if err := p.Publish(ctx, eventType, payload); err != nil {
		logger.Log.Warn("Failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
