package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPNotifier publishes events as JSON messages on a direct exchange,
// routed by event kind. Deployments that already run RabbitMQ use this
// instead of Redis Streams.
type AMQPNotifier struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

const (
	routingKeyDocument = "document.created"
	routingKeyImage    = "image.pending"
	routingKeyAutotag  = "autotag.task"
)

func NewAMQPNotifier(cfg AMQPConfig) (*AMQPNotifier, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("amqp url required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = "sensory.events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPNotifier{conn: conn, ch: ch, exchange: exchange}, nil
}

func (n *AMQPNotifier) PublishDocument(ctx context.Context, ev DocumentEvent) error {
	return n.publish(ctx, routingKeyDocument, ev)
}

func (n *AMQPNotifier) PublishImage(ctx context.Context, ev ImageEvent) error {
	return n.publish(ctx, routingKeyImage, ev)
}

func (n *AMQPNotifier) PublishAutotag(ctx context.Context, ev AutotagEvent) error {
	return n.publish(ctx, routingKeyAutotag, ev)
}

func (n *AMQPNotifier) publish(ctx context.Context, key string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", key, err)
	}
	err = n.ch.PublishWithContext(ctx, n.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", key, err)
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	if err := n.ch.Close(); err != nil {
		n.conn.Close()
		return err
	}
	return n.conn.Close()
}
