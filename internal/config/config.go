// Package config загружает конфигурацию леджера из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры,
// перед этим подхватывается .env (если он есть).
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Драйверы хранилища
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- Storage ---
	// memory: всё в памяти процесса (dev и тесты), postgres: боевой режим
	StorageDriver string `envconfig:"STORAGE_DRIVER" default:"postgres"`

	// --- Database ---
	// В Docker имя хоста совпадает с именем сервиса в docker-compose, для локалки DB_HOST=localhost.
	DBHost     string `envconfig:"DB_HOST" default:"postgres"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" default:"ledger"`
	DBPassword string `envconfig:"DB_PASSWORD"`
	DBName     string `envconfig:"DB_NAME" default:"wellness_ledger"`
	DBSSLMode  string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	DBMinConns int32  `envconfig:"DB_MIN_CONNS" default:"5"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`
	AppTimezone string `envconfig:"APP_TIMEZONE" default:"Europe/Moscow"`

	// --- HTTP ---
	HTTPAddr           string        `envconfig:"HTTP_ADDR" default:":8080"`
	HTTPAllowedOrigins []string      `envconfig:"HTTP_ALLOWED_ORIGINS" default:"http://localhost:5173"`
	HTTPRequestTimeout time.Duration `envconfig:"HTTP_REQUEST_TIMEOUT" default:"15s"`

	// --- Wallet ---
	WalletCurrency string `envconfig:"WALLET_CURRENCY" default:"RUB"`

	// --- Points ---
	// YAML с начальной таблицей правил; применяется, только если таблица пуста
	PointRulesFile string `envconfig:"POINT_RULES_FILE" default:"config/point_rules.yaml"`

	// --- Saga ---
	SagaFulfillmentRetries  int           `envconfig:"SAGA_FULFILLMENT_RETRIES" default:"2"`
	SagaCompensationRetries int           `envconfig:"SAGA_COMPENSATION_RETRIES" default:"1"`
	SagaRetryBackoff        time.Duration `envconfig:"SAGA_RETRY_BACKOFF" default:"200ms"`
	SagaRecoveryAge         time.Duration `envconfig:"SAGA_RECOVERY_AGE" default:"2m"`

	// --- Referral ---
	ReferralFirstMilestoneDays  int `envconfig:"REFERRAL_FIRST_MILESTONE_DAYS" default:"5"`
	ReferralSecondMilestoneDays int `envconfig:"REFERRAL_SECOND_MILESTONE_DAYS" default:"10"`

	// --- Telegram (уведомления) ---
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	// Сколько уведомлений держим в очереди, прежде чем начать их отбрасывать
	NotifyQueueSize int `envconfig:"NOTIFY_QUEUE_SIZE" default:"256"`

	// --- Admin ---
	AdminIDsRaw       string  `envconfig:"ADMIN_IDS"`
	AdminIDs          []int64 `envconfig:"-"` // заполним вручную
	AdminPasswordHash string  `envconfig:"ADMIN_PASSWORD_HASH"`

	// --- Rate Limiting ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"60"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// --- Feature Flags ---
	FeatureNotificationsEnabled bool `envconfig:"FEATURE_NOTIFICATIONS_ENABLED" default:"true"`
	FeatureSchedulerEnabled     bool `envconfig:"FEATURE_SCHEDULER_ENABLED" default:"true"`
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

// IsAdmin проверяет, входит ли пользователь в ADMIN_IDS.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (c *Config) Validate() error {
	switch c.StorageDriver {
	case StoragePostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD обязателен для STORAGE_DRIVER=postgres")
		}
		if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
			return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("неизвестный STORAGE_DRIVER %q", c.StorageDriver)
	}
	if len(c.WalletCurrency) != 3 {
		return fmt.Errorf("WALLET_CURRENCY должен быть трёхбуквенным кодом, получено %q", c.WalletCurrency)
	}
	if c.SagaFulfillmentRetries < 0 || c.SagaCompensationRetries < 0 {
		return fmt.Errorf("SAGA_*_RETRIES не могут быть отрицательными")
	}
	if c.ReferralFirstMilestoneDays <= 0 || c.ReferralSecondMilestoneDays <= c.ReferralFirstMilestoneDays {
		return fmt.Errorf("пороги реферальной программы должны возрастать: %d, %d",
			c.ReferralFirstMilestoneDays, c.ReferralSecondMilestoneDays)
	}
	if c.RateLimitRequests <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS должен быть > 0")
	}
	return nil
}

// Load читает .env (если есть) и переменные окружения, заполняет структуру Config.
func Load() (*Config, error) {
	// .env не обязателен: в Docker переменные приходят из окружения
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	ids, err := parseInt64CSV(cfg.AdminIDsRaw)
	if err != nil {
		return nil, fmt.Errorf("ADMIN_IDS parse: %w", err)
	}
	cfg.AdminIDs = ids

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseInt64CSV(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad int64 %q: %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}
