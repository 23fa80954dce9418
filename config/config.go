package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Backend exposing the device status, power control and event log
	BackendURL string
	DeviceID   string
	HTTPAddr   string

	// Reachability timings
	PollInterval        time.Duration
	StatusTimeout       time.Duration
	CommandTimeout      time.Duration
	WakeGracePeriod     time.Duration
	WakeTailThreshold   time.Duration
	HeartbeatStaleAfter time.Duration

	// Optional integrations, each enabled when its connection settings are present
	TelegramBotToken string
	TelegramChatID   string

	MQTTBroker   string
	MQTTUsername string
	MQTTPassword string
	MQTTTopic    string

	RabbitMQURL          string
	RabbitMQExchange     string
	RabbitMQCommandQueue string

	FirebaseDbUrl              string
	FirebaseServiceAccountJSON string
	FirebaseBatchSize          int
	FirebaseBatchTimeout       int

	TransitionBuffer int
}

func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// malformed values are reported instead of silently replaced by defaults
	var parseErrs []error
	duration := func(key string, defaultValue time.Duration) time.Duration {
		d, err := getEnvDuration(key, defaultValue)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return d
	}
	integer := func(key string, defaultValue int) int {
		i, err := getEnvInt(key, defaultValue)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		return i
	}

	config := &Config{
		BackendURL: strings.TrimRight(getEnv("BACKEND_URL", "http://localhost:8081"), "/"),
		DeviceID:   getEnv("DEVICE_ID", "esp32"),
		HTTPAddr:   getEnv("HTTP_ADDR", ":8080"),

		PollInterval:        duration("POLL_INTERVAL", 5*time.Second),
		StatusTimeout:       duration("STATUS_TIMEOUT", 4*time.Second),
		CommandTimeout:      duration("COMMAND_TIMEOUT", 10*time.Second),
		WakeGracePeriod:     duration("WAKE_GRACE_PERIOD", 30*time.Second),
		WakeTailThreshold:   duration("WAKE_TAIL_THRESHOLD", 5*time.Second),
		HeartbeatStaleAfter: duration("HEARTBEAT_STALE_AFTER", 60*time.Second),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		MQTTBroker:   getEnv("MQTT_BROKER", ""),
		MQTTUsername: getEnv("MQTT_USERNAME", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),
		MQTTTopic:    getEnv("MQTT_TOPIC", "dosematic/esp32/state"),

		RabbitMQURL:          getEnv("RABBITMQ_URL", ""),
		RabbitMQExchange:     getEnv("RABBITMQ_EXCHANGE", "dosematic"),
		RabbitMQCommandQueue: getEnv("RABBITMQ_COMMAND_QUEUE", "device_command_queue"),

		FirebaseDbUrl:              getEnv("FIREBASE_DB_URL", ""),
		FirebaseServiceAccountJSON: getEnv("FIREBASE_SERVICE_ACCOUNT_JSON", ""),
		FirebaseBatchSize:          integer("FIREBASE_BATCH_SIZE", 20),
		FirebaseBatchTimeout:       integer("FIREBASE_BATCH_TIMEOUT", 10),

		TransitionBuffer: integer("TRANSITION_BUFFER", 64),
	}

	if err := errors.Join(parseErrs...); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the timing relationships the reachability logic depends on
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.StatusTimeout <= 0 || c.CommandTimeout <= 0 {
		return fmt.Errorf("STATUS_TIMEOUT and COMMAND_TIMEOUT must be positive")
	}
	if c.WakeGracePeriod < time.Second {
		return fmt.Errorf("WAKE_GRACE_PERIOD must be at least 1s, got %s", c.WakeGracePeriod)
	}
	if c.WakeTailThreshold < 0 || c.WakeTailThreshold >= c.WakeGracePeriod {
		return fmt.Errorf("WAKE_TAIL_THRESHOLD must be in [0, %s), got %s", c.WakeGracePeriod, c.WakeTailThreshold)
	}
	if c.FirebaseBatchSize <= 0 || c.FirebaseBatchTimeout <= 0 {
		return fmt.Errorf("FIREBASE_BATCH_SIZE and FIREBASE_BATCH_TIMEOUT must be positive")
	}
	if c.TransitionBuffer <= 0 {
		return fmt.Errorf("TRANSITION_BUFFER must be positive, got %d", c.TransitionBuffer)
	}
	return nil
}

func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

func (c *Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
}

func (c *Config) RabbitMQEnabled() bool {
	return c.RabbitMQURL != ""
}

func (c *Config) FirebaseEnabled() bool {
	return c.FirebaseDbUrl != "" && c.FirebaseServiceAccountJSON != ""
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return i, nil
}

// getEnvDuration accepts Go duration strings ("30s") or plain seconds ("30")
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return defaultValue, fmt.Errorf("%s: invalid duration %q", key, value)
}
