package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"drive-service/internal/logger"
	"drive-service/internal/types"
)

const (
	DriveExchange      = "drive.events"
	RoutingDriveStart  = "drive.started"
	RoutingDriveEnd    = "drive.ended"
	amqpPublishTimeout = 5 * time.Second
)

// amqpChannel is the part of *amqp.Channel the publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// LifecyclePublisher sends drive lifecycle events to a topic exchange for
// downstream consumers.
type LifecyclePublisher struct {
	conn     *amqp.Connection
	channel  amqpChannel
	exchange string
	logger   *logger.Logger
}

type lifecycleMessage struct {
	DriveID   string     `json:"drive_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Distance  float64    `json:"distance_m"`
	Duration  float64    `json:"duration_s"`
	Points    int        `json:"points"`
}

func NewLifecyclePublisher(url string, l *logger.Logger) (*LifecyclePublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := newLifecyclePublisher(ch, DriveExchange, l)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	p.conn = conn
	l.Infof("Connected to RabbitMQ, publishing to exchange %s", DriveExchange)
	return p, nil
}

func newLifecyclePublisher(ch amqpChannel, exchange string, l *logger.Logger) (*LifecyclePublisher, error) {
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}
	return &LifecyclePublisher{channel: ch, exchange: exchange, logger: l}, nil
}

func (p *LifecyclePublisher) publish(routingKey string, stats types.DriveStats) error {
	msg := lifecycleMessage{
		DriveID:   stats.ID,
		StartTime: stats.StartTime,
		Distance:  stats.Distance,
		Duration:  stats.Duration.Seconds(),
		Points:    stats.PointCount,
		EndTime:   stats.EndTime,
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", routingKey, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), amqpPublishTimeout)
	defer cancel()

	if err := p.channel.PublishWithContext(
		ctx,
		p.exchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    stats.ID,
			Timestamp:    time.Now(),
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("failed to publish %s: %w", routingKey, err)
	}

	p.logger.Debugf("Published %s for drive %s", routingKey, stats.ID)
	return nil
}

func (p *LifecyclePublisher) DriveStarted(stats types.DriveStats) error {
	return p.publish(RoutingDriveStart, stats)
}

func (p *LifecyclePublisher) DriveEnded(stats types.DriveStats) error {
	return p.publish(RoutingDriveEnd, stats)
}

func (p *LifecyclePublisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return fmt.Errorf("failed to close channel: %w", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	return nil
}
