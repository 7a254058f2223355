// Package config содержит логику чтения конфигурации сервиса оформления заказов.
package config

import (
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса оформления заказов.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	RedisAddress      string `env:"REDIS_ADDRESS"`
	KafkaBrokers      string `env:"KAFKA_BROKERS"`
	NotificationTopic string `env:"NOTIFICATION_TOPIC" envDefault:"notifications"`
	AuthSecret        string `env:"AUTH_SECRET"`

	GatewayTimeout  time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"10s"`
	GatewayRPS      float64       `env:"GATEWAY_RPS" envDefault:"20"`
	VerifyGuardTTL  time.Duration `env:"VERIFY_GUARD_TTL" envDefault:"30s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// TraceExporter: none или stdout.
	TraceExporter string `env:"TRACE_EXPORTER" envDefault:"none"`

	Gateways Gateways
}

// Gateways содержит адреса и учётные данные платёжных шлюзов. Задаются только через окружение.
type Gateways struct {
	KhaltiVerifyURL string `env:"KHALTI_VERIFY_URL" envDefault:"https://khalti.com/api/v2/payment/verify/"`
	KhaltiSecretKey string `env:"KHALTI_SECRET_KEY"`

	EsewaVerifyURL    string `env:"ESEWA_VERIFY_URL" envDefault:"https://esewa.com.np/epay/transrec"`
	EsewaMerchantCode string `env:"ESEWA_MERCHANT_CODE"`

	FonepayVerifyURL    string `env:"FONEPAY_VERIFY_URL" envDefault:"https://clientapi.fonepay.com/api/merchantRequest/verificationMerchant"`
	FonepayMerchantCode string `env:"FONEPAY_MERCHANT_CODE"`
	FonepaySecretKey    string `env:"FONEPAY_SECRET_KEY"`

	IMEPayVerifyURL    string `env:"IMEPAY_VERIFY_URL" envDefault:"https://payment.imepay.com.np:7979/api/Web/Confirm"`
	IMEPayMerchantCode string `env:"IMEPAY_MERCHANT_CODE"`
	IMEPayToken        string `env:"IMEPAY_TOKEN"`
	IMEPayModule       string `env:"IMEPAY_MODULE"`

	CardSecretKey string `env:"CARD_SECRET_KEY"`
}

// Brokers возвращает список брокеров Kafka. Пустой список означает, что уведомления пишутся в лог.
func (c *Config) Brokers() []string {
	var brokers []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envRedisAddress := cfg.RedisAddress
	envKafkaBrokers := cfg.KafkaBrokers

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address for in-flight verification guard")
	flag.StringVar(&cfg.KafkaBrokers, "k", "", "comma-separated kafka brokers for notifications")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}
	if envKafkaBrokers != "" {
		cfg.KafkaBrokers = envKafkaBrokers
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}
