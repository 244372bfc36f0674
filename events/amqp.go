package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"github.com/duynguyen2626/money-flow-sub010/cashback"
)

const publishTimeout = 5 * time.Second

// AMQPClient publishes transaction changes to a durable queue and consumes
// them on the recompute side.
type AMQPClient struct {
	conn         *amqp091.Connection
	channel      *amqp091.Channel
	exchangeName string
	queueName    string
	log          logrus.FieldLogger

	mu sync.Mutex // serializes publishes on the shared channel
}

func NewAMQPClient(url, exchangeName, queueName string, log logrus.FieldLogger) (*AMQPClient, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial AMQP: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	client := &AMQPClient{
		conn:         conn,
		channel:      channel,
		exchangeName: exchangeName,
		queueName:    queueName,
		log:          log,
	}

	if err := client.setup(); err != nil {
		client.Close()
		return nil, fmt.Errorf("setup exchange and queue: %w", err)
	}

	return client, nil
}

func (c *AMQPClient) setup() error {
	err := c.channel.ExchangeDeclare(
		c.exchangeName, // name
		"direct",       // type
		true,           // durable
		false,          // auto-deleted
		false,          // internal
		false,          // no-wait
		nil,            // arguments
	)
	if err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	_, err = c.channel.QueueDeclare(
		c.queueName, // name
		true,        // durable
		false,       // delete when unused
		false,       // exclusive
		false,       // no-wait
		nil,         // arguments
	)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	// Routing key is the queue name on a direct exchange.
	if err := c.channel.QueueBind(c.queueName, c.queueName, c.exchangeName, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}

	// One unacked message at a time keeps per-cycle recomputes from piling
	// up on a single consumer.
	if err := c.channel.Qos(1, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	return nil
}

// =============================================================================
// PUBLISHING
// =============================================================================

// Dispatch queues the change. The recompute runs later on a consumer.
func (c *AMQPClient) Dispatch(ctx context.Context, change cashback.TransactionChange) (Result, error) {
	if err := Validate(change); err != nil {
		return Result{}, err
	}
	if err := c.Publish(ctx, NewTransactionChangedMessage(change)); err != nil {
		return Result{}, err
	}
	return Result{Queued: true}, nil
}

// Publish sends one message as a persistent delivery.
func (c *AMQPClient) Publish(ctx context.Context, msg *TransactionChangedMessage) error {
	body, err := msg.ToJSON()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	c.mu.Lock()
	err = c.channel.PublishWithContext(
		ctx,
		c.exchangeName, // exchange
		c.queueName,    // routing key
		false,          // mandatory
		false,          // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			MessageId:    msg.MessageID,
			Timestamp:    msg.Timestamp,
			Body:         body,
		},
	)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"message_id":     msg.MessageID,
		"transaction_id": msg.TransactionID,
		"account_id":     msg.AccountID,
		"queue":          c.queueName,
	}).Debug("published transaction change")
	return nil
}

// =============================================================================
// CONSUMING
// =============================================================================

// Handler processes one decoded message.
type Handler func(ctx context.Context, msg *TransactionChangedMessage) error

// Consume drains the queue until ctx is cancelled or the channel closes.
func (c *AMQPClient) Consume(ctx context.Context, handler Handler) error {
	msgs, err := c.channel.Consume(
		c.queueName, // queue
		"",          // consumer
		false,       // auto-ack (manual ack below)
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.log.WithField("queue", c.queueName).Info("consuming transaction changes")

	for {
		select {
		case <-ctx.Done():
			c.log.WithField("reason", ctx.Err()).Info("stopping consumption")
			return ctx.Err()
		case delivery, ok := <-msgs:
			if !ok {
				return errors.New("message channel closed")
			}
			processDelivery(ctx, c.log, delivery.Body, delivery.Redelivered, delivery, handler)
		}
	}
}

func (c *AMQPClient) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// acknowledger is the part of amqp091.Delivery the consumer needs.
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// outcome is what happened to a delivery.
type outcome string

const (
	outcomeAcked    outcome = "acked"
	outcomeRequeued outcome = "requeued"
	outcomeDropped  outcome = "dropped"
)

// processDelivery decodes and handles one message. Malformed messages and
// failures that a retry cannot fix (bad policy, unknown tag, a ledger that
// does not reconcile) are dropped. Store outages are requeued. Any other
// failure gets one redelivery and is dropped if it fails again.
func processDelivery(ctx context.Context, log logrus.FieldLogger, body []byte, redelivered bool, ack acknowledger, handler Handler) outcome {
	msg, err := TransactionChangedMessageFromJSON(body)
	if err != nil {
		log.WithError(err).Error("failed to decode transaction change")
		ack.Nack(false, false)
		return outcomeDropped
	}

	fields := logrus.Fields{
		"message_id":     msg.MessageID,
		"transaction_id": msg.TransactionID,
		"account_id":     msg.AccountID,
	}

	if err := handler(ctx, msg); err != nil {
		if permanent(err) || (redelivered && !cashback.IsUnavailable(err)) {
			log.WithFields(fields).WithField("redelivered", redelivered).WithError(err).Error("dropping transaction change")
			ack.Nack(false, false)
			return outcomeDropped
		}
		log.WithFields(fields).WithError(err).Warn("recompute failed, requeueing")
		ack.Nack(false, true)
		return outcomeRequeued
	}

	ack.Ack(false)
	log.WithFields(fields).Debug("processed transaction change")
	return outcomeAcked
}

func permanent(err error) bool {
	return errors.Is(err, ErrInvalidChange) ||
		errors.Is(err, cashback.ErrInconsistentLedger) ||
		cashback.IsClientError(err) ||
		cashback.IsNotFound(err)
}
