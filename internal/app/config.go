package app

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Поддерживаемые драйверы хранилища.
const (
	StorageDriverMemory   = "memory"
	StorageDriverPostgres = "postgres"
)

// EnvPrefix — префикс переменных окружения сервиса.
const EnvPrefix = "STOREFRONT_"

// Config описывает настройки запуска приложения.
type Config struct {
	GRPCAddr    string
	HTTPAddr    string
	MetricsAddr string

	StorageDriver       string
	PostgresDSN         string
	PostgresAutoMigrate bool
	// CatalogFile — JSON-файл с товарами для драйвера memory.
	CatalogFile     string
	DefaultCurrency string
	RequestTimeout  time.Duration

	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxMaxAttempts  int
	OutboxRetryDelay   time.Duration
	OutboxMaxPending   int

	IdempotencyTTL              time.Duration
	IdempotencyCleanupInterval  time.Duration
	IdempotencyCleanupBatchSize int

	KafkaBrokers       []string
	KafkaOrderTopic    string
	KafkaPaymentTopic  string
	KafkaConsumerGroup string
	KafkaMaxRetries    int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	PaymentGatewayURL     string
	PaymentGatewayAPIKey  string
	PaymentGatewayTimeout time.Duration
	PaymentGatewayRetries int
	BreakerMaxFailures    int
	BreakerResetTimeout   time.Duration
}

// DefaultConfig возвращает настройки для локального запуска без внешних зависимостей.
func DefaultConfig() Config {
	return Config{
		GRPCAddr:    ":50051",
		HTTPAddr:    ":8080",
		MetricsAddr: ":9090",

		StorageDriver:       StorageDriverMemory,
		PostgresAutoMigrate: true,
		DefaultCurrency:     "USD",
		RequestTimeout:      15 * time.Second,

		OutboxPollInterval: time.Second,
		OutboxBatchSize:    100,
		OutboxMaxAttempts:  5,
		OutboxRetryDelay:   time.Second,
		OutboxMaxPending:   1000,

		IdempotencyTTL:              24 * time.Hour,
		IdempotencyCleanupInterval:  time.Minute,
		IdempotencyCleanupBatchSize: 500,

		KafkaOrderTopic:    "storefront.order.events",
		KafkaPaymentTopic:  "storefront.payment.events",
		KafkaConsumerGroup: "storefront-payments",
		KafkaMaxRetries:    3,

		CacheTTL: 5 * time.Minute,

		PaymentGatewayTimeout: 5 * time.Second,
		PaymentGatewayRetries: 3,
		BreakerMaxFailures:    5,
		BreakerResetTimeout:   30 * time.Second,
	}
}

// LoadConfig читает DefaultConfig с переопределениями из окружения процесса.
func LoadConfig() (Config, error) {
	return ConfigFromEnv(os.LookupEnv)
}

// ConfigFromEnv применяет переменные STOREFRONT_* поверх DefaultConfig.
// Ошибки разбора собираются и возвращаются вместе.
func ConfigFromEnv(lookup func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()
	env := envReader{lookup: lookup}

	env.str("GRPC_ADDR", &cfg.GRPCAddr)
	env.str("HTTP_ADDR", &cfg.HTTPAddr)
	env.str("METRICS_ADDR", &cfg.MetricsAddr)

	env.str("STORAGE_DRIVER", &cfg.StorageDriver)
	env.str("POSTGRES_DSN", &cfg.PostgresDSN)
	env.boolean("POSTGRES_AUTO_MIGRATE", &cfg.PostgresAutoMigrate)
	env.str("CATALOG_FILE", &cfg.CatalogFile)
	env.str("DEFAULT_CURRENCY", &cfg.DefaultCurrency)
	env.duration("REQUEST_TIMEOUT", &cfg.RequestTimeout)

	env.duration("OUTBOX_POLL_INTERVAL", &cfg.OutboxPollInterval)
	env.integer("OUTBOX_BATCH_SIZE", &cfg.OutboxBatchSize)
	env.integer("OUTBOX_MAX_ATTEMPTS", &cfg.OutboxMaxAttempts)
	env.duration("OUTBOX_RETRY_DELAY", &cfg.OutboxRetryDelay)
	env.integer("OUTBOX_MAX_PENDING", &cfg.OutboxMaxPending)

	env.duration("IDEMPOTENCY_TTL", &cfg.IdempotencyTTL)
	env.duration("IDEMPOTENCY_CLEANUP_INTERVAL", &cfg.IdempotencyCleanupInterval)
	env.integer("IDEMPOTENCY_CLEANUP_BATCH_SIZE", &cfg.IdempotencyCleanupBatchSize)

	env.list("KAFKA_BROKERS", &cfg.KafkaBrokers)
	env.str("KAFKA_ORDER_TOPIC", &cfg.KafkaOrderTopic)
	env.str("KAFKA_PAYMENT_TOPIC", &cfg.KafkaPaymentTopic)
	env.str("KAFKA_CONSUMER_GROUP", &cfg.KafkaConsumerGroup)
	env.integer("KAFKA_MAX_RETRIES", &cfg.KafkaMaxRetries)

	env.str("REDIS_ADDR", &cfg.RedisAddr)
	env.str("REDIS_PASSWORD", &cfg.RedisPassword)
	env.integer("REDIS_DB", &cfg.RedisDB)
	env.duration("CACHE_TTL", &cfg.CacheTTL)

	env.str("PAYMENT_GATEWAY_URL", &cfg.PaymentGatewayURL)
	env.str("PAYMENT_GATEWAY_API_KEY", &cfg.PaymentGatewayAPIKey)
	env.duration("PAYMENT_GATEWAY_TIMEOUT", &cfg.PaymentGatewayTimeout)
	env.integer("PAYMENT_GATEWAY_RETRIES", &cfg.PaymentGatewayRetries)
	env.integer("BREAKER_MAX_FAILURES", &cfg.BreakerMaxFailures)
	env.duration("BREAKER_RESET_TIMEOUT", &cfg.BreakerResetTimeout)

	cfg.StorageDriver = strings.ToLower(strings.TrimSpace(cfg.StorageDriver))
	cfg.DefaultCurrency = strings.ToUpper(strings.TrimSpace(cfg.DefaultCurrency))

	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность настроек до старта.
func (c Config) Validate() error {
	var errs []error
	switch c.StorageDriver {
	case StorageDriverMemory:
	case StorageDriverPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("postgres dsn is required for postgres storage driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported storage driver %q", c.StorageDriver))
	}
	if len(c.DefaultCurrency) != 3 {
		errs = append(errs, fmt.Errorf("default currency must be a 3-letter code, got %q", c.DefaultCurrency))
	}
	if c.OutboxBatchSize <= 0 {
		errs = append(errs, errors.New("outbox batch size must be > 0"))
	}
	if c.OutboxMaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox max attempts must be > 0"))
	}
	if c.PaymentGatewayRetries <= 0 {
		errs = append(errs, errors.New("payment gateway retries must be > 0"))
	}
	if c.IdempotencyCleanupBatchSize <= 0 {
		errs = append(errs, errors.New("idempotency cleanup batch size must be > 0"))
	}
	return errors.Join(errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (r *envReader) get(name string) (string, bool) {
	value, ok := r.lookup(EnvPrefix + name)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (r *envReader) str(name string, dst *string) {
	if v, ok := r.get(name); ok {
		*dst = v
	}
}

func (r *envReader) integer(name string, dst *int) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = n
}

func (r *envReader) boolean(name string, dst *bool) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = b
}

func (r *envReader) duration(name string, dst *time.Duration) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
		return
	}
	*dst = d
}

func (r *envReader) list(name string, dst *[]string) {
	v, ok := r.get(name)
	if !ok {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}
