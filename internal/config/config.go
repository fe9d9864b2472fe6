package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Kafka        KafkaConfig
	Gateway      GatewayConfig
	Webhook      WebhookConfig
	Sweeper      SweeperConfig
	Notification NotificationConfig
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func (d DatabaseConfig) ConnectionString() string {
	return "host=" + d.Host +
		" port=" + strconv.Itoa(d.Port) +
		" user=" + d.User +
		" password=" + d.Password +
		" dbname=" + d.Name +
		" sslmode=" + d.SSLMode
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	StockTTL time.Duration
}

type KafkaConfig struct {
	Brokers       []string
	EventsTopic   string
	ConsumerGroup string
}

type GatewayConfig struct {
	BaseURL        string
	APIKey         string
	Timeout        time.Duration
	AlertThreshold int
}

type WebhookConfig struct {
	// Secret signs gateway callbacks (HMAC-SHA256 over the raw body).
	// Empty disables verification, for local development only.
	Secret string
}

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	ItemDelay time.Duration
}

type NotificationConfig struct {
	BaseURL string
	Timeout time.Duration
}

func Load() *Config {
	godotenv.Load()

	return &Config{
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8084),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnvString("DB_USER", "botmart"),
			Password:        getEnvString("DB_PASSWORD", "botmart"),
			Name:            getEnvString("DB_NAME", "botmart_settlement"),
			SSLMode:         getEnvString("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			StockTTL: getEnvDuration("REDIS_STOCK_TTL", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:       strings.Split(getEnvString("KAFKA_BROKERS", "localhost:9092"), ","),
			EventsTopic:   getEnvString("KAFKA_EVENTS_TOPIC", "settlement.events"),
			ConsumerGroup: getEnvString("KAFKA_CONSUMER_GROUP", "settlement-notifications"),
		},
		Gateway: GatewayConfig{
			BaseURL:        getEnvString("GATEWAY_URL", "http://localhost:8090"),
			APIKey:         getEnvString("GATEWAY_API_KEY", ""),
			Timeout:        getEnvDuration("GATEWAY_TIMEOUT", 30*time.Second),
			AlertThreshold: getEnvInt("GATEWAY_ALERT_THRESHOLD", 5),
		},
		Webhook: WebhookConfig{
			Secret: getEnvString("WEBHOOK_SECRET", ""),
		},
		Sweeper: SweeperConfig{
			Interval:  getEnvDuration("SWEEPER_INTERVAL", time.Minute),
			BatchSize: getEnvInt("SWEEPER_BATCH_SIZE", 10),
			ItemDelay: getEnvDuration("SWEEPER_ITEM_DELAY", 200*time.Millisecond),
		},
		Notification: NotificationConfig{
			BaseURL: getEnvString("NOTIFICATION_URL", "http://localhost:8091"),
			Timeout: getEnvDuration("NOTIFICATION_TIMEOUT", 10*time.Second),
		},
	}
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
