package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dosematic/config"
	"dosematic/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// StatePayload is the retained message published for dashboards and other
// subscribers
type StatePayload struct {
	DeviceID         string                 `json:"device_id"`
	State            models.Reachability    `json:"state"`
	SecondsRemaining int                    `json:"seconds_remaining"`
	Cause            models.TransitionCause `json:"cause"`
	Timestamp        time.Time              `json:"timestamp"`
}

// StatePublisher publishes every reconciled state, countdown ticks included,
// as a retained MQTT message so late subscribers see the current value
type StatePublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *zap.Logger
}

var _ TransitionNotifier = (*StatePublisher)(nil)

// NewStatePublisher connects to the broker
func NewStatePublisher(cfg *config.Config, logger *zap.Logger) (*StatePublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.MQTTBroker))
	opts.SetClientID(fmt.Sprintf("dosematic-monitor-%s", cfg.DeviceID))
	opts.SetUsername(cfg.MQTTUsername)
	opts.SetPassword(cfg.MQTTPassword)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	opts.OnConnect = func(client mqtt.Client) {
		logger.Info("Connected to MQTT broker", zap.String("broker", cfg.MQTTBroker))
	}
	opts.OnConnectionLost = func(client mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	return newStatePublisher(client, cfg.MQTTTopic, logger), nil
}

func newStatePublisher(client mqtt.Client, topic string, logger *zap.Logger) *StatePublisher {
	return &StatePublisher{
		client: client,
		topic:  topic,
		qos:    1,
		logger: logger,
	}
}

func (p *StatePublisher) Name() string {
	return "mqtt"
}

// NotifyTransition publishes the new state
func (p *StatePublisher) NotifyTransition(ctx context.Context, transition models.StateTransition) error {
	payload := StatePayload{
		DeviceID:         transition.DeviceID,
		State:            transition.To.Reachability,
		SecondsRemaining: transition.To.SecondsRemaining,
		Cause:            transition.Cause,
		Timestamp:        transition.Timestamp,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal state payload: %w", err)
	}

	token := p.client.Publish(p.topic, p.qos, true, jsonData)

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", p.topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish MQTT message: %w", err)
	}

	p.logger.Debug("Published device state",
		zap.String("topic", p.topic),
		zap.Stringer("state", transition.To))
	return nil
}

// Close disconnects from the broker
func (p *StatePublisher) Close() {
	p.logger.Info("Disconnecting from MQTT broker")
	p.client.Disconnect(250)
}
