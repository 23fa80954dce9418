package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"dosematic/config"
	"dosematic/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// CommandHandler executes a power action on behalf of a remote requester
type CommandHandler interface {
	Issue(ctx context.Context, action models.PowerAction) (models.DeviceState, error)
}

// RemoteCommand is a power request received from the command queue
type RemoteCommand struct {
	Action      string `json:"action"`
	RequestedBy string `json:"requested_by"`
}

// RabbitMQService publishes state transitions and consumes remote power
// commands
type RabbitMQService struct {
	config    *config.Config
	conn      *amqp.Connection
	channel   *amqp.Channel
	mu        sync.RWMutex
	logger    *zap.Logger
	reconnect chan bool
	isClosing atomic.Bool
}

var _ TransitionNotifier = (*RabbitMQService)(nil)

// NewRabbitMQService creates a new RabbitMQ service instance
func NewRabbitMQService(cfg *config.Config, logger *zap.Logger) (*RabbitMQService, error) {
	service := &RabbitMQService{
		config:    cfg,
		logger:    logger,
		reconnect: make(chan bool, 1),
	}

	if err := service.connect(); err != nil {
		return nil, err
	}

	return service, nil
}

// connect establishes connection to RabbitMQ and declares exchange and queue
func (r *RabbitMQService) connect() error {
	r.logger.Info("Connecting to RabbitMQ")

	var conn *amqp.Connection
	var err error

	// Connect to RabbitMQ with retry
	maxRetries := 5
	for attempt := 1; attempt <= maxRetries; attempt++ {
		conn, err = amqp.Dial(r.config.RabbitMQURL)
		if err == nil {
			break
		}

		r.logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", attempt),
			zap.Int("max_retries", maxRetries),
			zap.Error(err))

		if attempt < maxRetries {
			time.Sleep(time.Duration(attempt) * 2 * time.Second)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	// One command at a time; power toggles must not overlap
	if err := channel.Qos(1, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	err = channel.ExchangeDeclare(
		r.config.RabbitMQExchange, // name
		"topic",                   // type
		true,                      // durable
		false,                     // auto-deleted
		false,                     // internal
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	queue, err := channel.QueueDeclare(
		r.config.RabbitMQCommandQueue, // name
		true,                          // durable
		false,                         // delete when unused
		false,                         // exclusive
		false,                         // no-wait
		nil,                           // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	err = channel.QueueBind(
		queue.Name,                // queue name
		r.commandRoutingKey(),     // routing key
		r.config.RabbitMQExchange, // exchange
		false,                     // no-wait
		nil,                       // arguments
	)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to bind queue: %w", err)
	}

	r.mu.Lock()
	r.conn = conn
	r.channel = channel
	r.mu.Unlock()

	r.logger.Info("Connected to RabbitMQ",
		zap.String("exchange", r.config.RabbitMQExchange),
		zap.String("queue", queue.Name),
		zap.String("routing_key", r.commandRoutingKey()))

	go r.handleReconnect(conn)

	return nil
}

// handleReconnect handles automatic reconnection when connection is lost
func (r *RabbitMQService) handleReconnect(conn *amqp.Connection) {
	closeErr := <-conn.NotifyClose(make(chan *amqp.Error, 1))
	if r.isClosing.Load() {
		r.logger.Info("RabbitMQ connection closed gracefully")
		return
	}

	r.logger.Error("RabbitMQ connection lost", zap.Error(closeErr))

	for !r.isClosing.Load() {
		r.logger.Info("Attempting to reconnect to RabbitMQ...")
		err := r.connect()
		if err == nil {
			r.logger.Info("Successfully reconnected to RabbitMQ")
			select {
			case r.reconnect <- true:
			default:
			}
			return
		}

		r.logger.Error("Failed to reconnect", zap.Error(err))
		time.Sleep(5 * time.Second)
	}
}

func (r *RabbitMQService) commandRoutingKey() string {
	return fmt.Sprintf("device.%s.command", r.config.DeviceID)
}

func (r *RabbitMQService) stateRoutingKey() string {
	return fmt.Sprintf("device.%s.state", r.config.DeviceID)
}

func (r *RabbitMQService) currentChannel() *amqp.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channel
}

func (r *RabbitMQService) Name() string {
	return "rabbitmq"
}

// NotifyTransition publishes reachability changes; countdown ticks are skipped
func (r *RabbitMQService) NotifyTransition(ctx context.Context, transition models.StateTransition) error {
	if transition.IsCountdownTick() {
		return nil
	}

	body, err := json.Marshal(transition)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}

	err = r.currentChannel().PublishWithContext(ctx,
		r.config.RabbitMQExchange, // exchange
		r.stateRoutingKey(),       // routing key
		false,                     // mandatory
		false,                     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    transition.ID,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    transition.Timestamp,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish transition: %w", err)
	}

	r.logger.Debug("Published transition to RabbitMQ",
		zap.String("transition_id", transition.ID),
		zap.Stringer("to", transition.To))
	return nil
}

// ConsumeCommands executes power commands from the command queue until ctx
// is cancelled. Failed commands are rejected without requeue: a redelivered
// power toggle could fire twice.
func (r *RabbitMQService) ConsumeCommands(ctx context.Context, handler CommandHandler) error {
	for {
		msgs, err := r.currentChannel().Consume(
			r.config.RabbitMQCommandQueue, // queue
			"dosematic-monitor",           // consumer tag
			false,                         // auto-ack
			false,                         // exclusive
			false,                         // no-local
			false,                         // no-wait
			nil,                           // args
		)
		if err != nil {
			return fmt.Errorf("failed to register consumer: %w", err)
		}

		r.logger.Info("Started consuming power commands",
			zap.String("queue", r.config.RabbitMQCommandQueue))

	consumeLoop:
		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Stopping RabbitMQ consumer")
				return nil

			case <-r.reconnect:
				r.logger.Info("Reconnection detected, restarting consumer")
				break consumeLoop

			case msg, ok := <-msgs:
				if !ok {
					r.logger.Warn("Message channel closed")
					select {
					case <-ctx.Done():
						return nil
					case <-r.reconnect:
					}
					break consumeLoop
				}

				if err := processCommand(ctx, handler, msg.Body); err != nil {
					r.logger.Error("Failed to process power command",
						zap.String("message_id", msg.MessageId),
						zap.Error(err))
					msg.Nack(false, false)
				} else {
					msg.Ack(false)
				}
			}
		}
	}
}

// processCommand parses a queued command and hands it to the handler
func processCommand(ctx context.Context, handler CommandHandler, body []byte) error {
	var cmd RemoteCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	action, err := models.ParsePowerAction(cmd.Action)
	if err != nil {
		return err
	}

	if _, err := handler.Issue(ctx, action); err != nil {
		return fmt.Errorf("power %s requested by %q: %w", action, cmd.RequestedBy, err)
	}
	return nil
}

// Close gracefully closes RabbitMQ connection
func (r *RabbitMQService) Close() error {
	r.isClosing.Store(true)

	r.logger.Info("Closing RabbitMQ connection")

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.channel != nil {
		if err := r.channel.Close(); err != nil {
			r.logger.Error("Error closing channel", zap.Error(err))
		}
	}

	if r.conn != nil {
		if err := r.conn.Close(); err != nil {
			r.logger.Error("Error closing connection", zap.Error(err))
			return err
		}
	}

	r.logger.Info("RabbitMQ connection closed")
	return nil
}
