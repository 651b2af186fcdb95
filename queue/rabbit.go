// Package queue provides utilities for moving Messages through RabbitMQ.
// It implements a service for connecting to RabbitMQ, publishing
// messages, and managing the connection lifecycle.
//
// Features:
//   - RabbitMQ connection management
//   - Message publishing to durable queues
//   - JSON message serialization
//   - Clean resource cleanup
//   - Error handling with wrapped errors
package queue

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/entityflow/entitycore/config"
	"github.com/entityflow/entitycore/message"
	"github.com/streadway/amqp"
)

// MessagePublisher defines the interface for publishing messages.
// This interface allows for easy mocking and testing of message publishing functionality.
type MessagePublisher interface {
	// PublishMessage publishes a message to the queue.
	// Returns an error if message serialization or publishing fails.
	PublishMessage(msg message.Message) error

	// Close closes the connection to the message queue.
	// Returns an error if closing fails.
	Close() error
}

// RabbitMQService represents a service for interacting with RabbitMQ.
// It manages a connection and channel to a RabbitMQ server and provides
// methods for publishing messages to a queue.
type RabbitMQService struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     config.QueueConfig
}

// NewRabbitMQService creates a new RabbitMQ service with the provided configuration.
// This function establishes a connection to RabbitMQ, opens a channel,
// and declares the queue specified in the configuration.
//
// The queue is declared as durable, meaning it will survive server restarts.
// If any step fails, the function cleans up any created resources before returning the error.
func NewRabbitMQService(cfg config.QueueConfig) (*RabbitMQService, error) {
	dialer := &RealAMQPDialer{}
	return NewRabbitMQServiceWithDialer(cfg, dialer)
}

// NewRabbitMQServiceWithDialer creates a new RabbitMQ service with dependency injection.
// This function allows injecting a custom dialer for testing purposes.
func NewRabbitMQServiceWithDialer(cfg config.QueueConfig, dialer AMQPDialer) (*RabbitMQService, error) {
	conn, err := dialer.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	_, err = ch.QueueDeclare(
		cfg.QueueName, // name
		true,          // durable
		false,         // delete when unused
		false,         // exclusive
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if cfg.DeadLetterQueueName != "" {
		_, err = ch.QueueDeclare(cfg.DeadLetterQueueName, true, false, false, false, nil)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("failed to declare dead letter queue: %w", err)
		}
	}

	return &RabbitMQService{
		connection: conn,
		channel:    ch,
		config:     cfg,
	}, nil
}

// PublishMessage publishes a message to the RabbitMQ queue. Messages
// routed to the dead letter queue via message.MarkDeadLetter are
// published there instead of the primary processing queue.
func (r *RabbitMQService) PublishMessage(msg message.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	routingKey := r.config.QueueName
	if deadLettered, _ := msg.RoutingInfo["dead_letter"].(bool); deadLettered && r.config.DeadLetterQueueName != "" {
		routingKey = r.config.DeadLetterQueueName
	}

	err = r.channel.Publish(
		"",         // exchange (empty string means default exchange)
		routingKey, // routing key (queue name)
		false,      // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	log.Printf("published message %s (correlation %s) to %s", msg.MessageID, msg.CorrelationID, routingKey)
	return nil
}

// Close closes the RabbitMQ connection and channel.
func (r *RabbitMQService) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.connection != nil {
		r.connection.Close()
	}
	return nil
}
