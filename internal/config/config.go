package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config хранит все настройки приложения
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Email        EmailConfig
	FlowToken    FlowTokenConfig
	Verification VerificationConfig
}

// ServerConfig содержит настройки HTTP сервера
type ServerConfig struct {
	Port         string
	ReadTimeout  int
	WriteTimeout int
}

// DatabaseConfig содержит настройки подключения к PostgreSQL
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig содержит унифицированные настройки подключения к Redis
// Поддерживает режимы: single, sentinel
type RedisConfig struct {
	// Mode: Режим работы Redis ("single", "sentinel"). По умолчанию "single".
	Mode string `mapstructure:"mode"`

	// Addrs: Список адресов Redis (хост:порт).
	Addrs []string `mapstructure:"addrs"`

	// Addr: Альтернативный адрес для режима 'single'.
	Addr string `mapstructure:"addr"`

	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	// MasterName: Имя мастер-сервера Redis (только для режима "sentinel")
	MasterName string `mapstructure:"master_name"`

	// MaxRetries: Максимальное количество попыток переподключения. По умолчанию 0 (без ретраев).
	MaxRetries int `mapstructure:"max_retries"`

	// MinRetryBackoff / MaxRetryBackoff: интервалы между попытками (в миллисекундах).
	MinRetryBackoff int `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff int `mapstructure:"max_retry_backoff"`
}

// EmailConfig содержит настройки шлюза доставки кодов
type EmailConfig struct {
	// Provider: "resend" или "noop" (для локальной разработки)
	Provider string `mapstructure:"provider"`
	APIKey   string `mapstructure:"api_key"`
	From     string `mapstructure:"from"`
	// DeliveryTimeoutSec — предельное время ожидания шлюза доставки
	DeliveryTimeoutSec int `mapstructure:"delivery_timeout_sec"`
}

// FlowTokenConfig содержит настройки flow-токенов
type FlowTokenConfig struct {
	Secret string `mapstructure:"secret"`
	// TTLMin — время жизни токена в минутах; должно покрывать весь проход по шагам flow
	TTLMin int `mapstructure:"ttl_min"`
}

// VerificationConfig задает протокольные параметры верификации.
// Все числа протокола живут здесь: отдельные flow не имеют права
// на собственные захардкоженные значения.
type VerificationConfig struct {
	// CodeLength — длина OTP-кода
	CodeLength int `mapstructure:"code_length"`
	// CodePepper — серверный секрет, подмешиваемый в хеши кодов
	CodePepper string `mapstructure:"code_pepper"`
	// MaxAttempts — порог блокировки по неверным кодам
	MaxAttempts int `mapstructure:"max_attempts"`
	// ResendCooldownSec — пауза между повторными отправками
	ResendCooldownSec int `mapstructure:"resend_cooldown_sec"`
	// CodeTTLMin — окно действия кода для onboarding-flow
	CodeTTLMin int `mapstructure:"code_ttl_min"`
	// PasswordResetCodeTTLMin — укороченное окно для сброса пароля
	PasswordResetCodeTTLMin int `mapstructure:"password_reset_code_ttl_min"`
	// IdempotencyTTLMin — время хранения ключей дедупликации
	IdempotencyTTLMin int `mapstructure:"idempotency_ttl_min"`
}

// PostgresConnectionString формирует строку подключения к PostgreSQL
func (d *DatabaseConfig) PostgresConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// CodeTTL возвращает окно действия кода для onboarding-flow
func (v *VerificationConfig) CodeTTL() time.Duration {
	return time.Duration(v.CodeTTLMin) * time.Minute
}

// PasswordResetCodeTTL возвращает окно действия кода для сброса пароля
func (v *VerificationConfig) PasswordResetCodeTTL() time.Duration {
	return time.Duration(v.PasswordResetCodeTTLMin) * time.Minute
}

// ResendCooldown возвращает паузу между повторными отправками
func (v *VerificationConfig) ResendCooldown() time.Duration {
	return time.Duration(v.ResendCooldownSec) * time.Second
}

// IdempotencyTTL возвращает время хранения ключей дедупликации
func (v *VerificationConfig) IdempotencyTTL() time.Duration {
	return time.Duration(v.IdempotencyTTLMin) * time.Minute
}

// Load загружает конфигурацию из файла и переменных окружения
func Load(configPath string) (*Config, error) {
	vip := viper.New() // Используем новый экземпляр Viper, чтобы избежать глобального состояния

	// Значения по умолчанию для протокола верификации.
	// 10 минут для onboarding-кодов и 2 минуты для сброса пароля,
	// cooldown 60 секунд, 5 попыток — единые для всех flow.
	vip.SetDefault("verification.code_length", 6)
	vip.SetDefault("verification.max_attempts", 5)
	vip.SetDefault("verification.resend_cooldown_sec", 60)
	vip.SetDefault("verification.code_ttl_min", 10)
	vip.SetDefault("verification.password_reset_code_ttl_min", 2)
	vip.SetDefault("verification.idempotency_ttl_min", 15)
	vip.SetDefault("email.provider", "noop")
	vip.SetDefault("email.delivery_timeout_sec", 10)
	vip.SetDefault("flowtoken.ttl_min", 30)
	vip.SetDefault("server.port", "8080")
	vip.SetDefault("server.readtimeout", 10)
	vip.SetDefault("server.writetimeout", 10)

	// Привязываем переменные окружения ЯВНО
	vip.BindEnv("database.host", "DATABASE_HOST")
	vip.BindEnv("database.port", "DATABASE_PORT")
	vip.BindEnv("database.user", "DATABASE_USER")
	vip.BindEnv("database.password", "DATABASE_PASSWORD")
	vip.BindEnv("database.dbname", "DATABASE_DBNAME")
	vip.BindEnv("database.sslmode", "DATABASE_SSLMODE")

	vip.BindEnv("redis.mode", "REDIS_MODE")
	vip.BindEnv("redis.addrs", "REDIS_ADDRS")
	vip.BindEnv("redis.addr", "REDIS_ADDR")
	vip.BindEnv("redis.password", "REDIS_PASSWORD")
	vip.BindEnv("redis.db", "REDIS_DB")
	vip.BindEnv("redis.master_name", "REDIS_MASTER_NAME")

	vip.BindEnv("email.provider", "EMAIL_PROVIDER")
	vip.BindEnv("email.api_key", "EMAIL_API_KEY")
	vip.BindEnv("email.from", "EMAIL_FROM")
	vip.BindEnv("email.delivery_timeout_sec", "EMAIL_DELIVERY_TIMEOUT_SEC")

	vip.BindEnv("flowtoken.secret", "FLOW_TOKEN_SECRET")
	vip.BindEnv("flowtoken.ttl_min", "FLOW_TOKEN_TTL_MIN")

	vip.BindEnv("verification.code_length", "VERIFICATION_CODE_LENGTH")
	vip.BindEnv("verification.code_pepper", "VERIFICATION_CODE_PEPPER")
	vip.BindEnv("verification.max_attempts", "VERIFICATION_MAX_ATTEMPTS")
	vip.BindEnv("verification.resend_cooldown_sec", "VERIFICATION_RESEND_COOLDOWN_SEC")
	vip.BindEnv("verification.code_ttl_min", "VERIFICATION_CODE_TTL_MIN")
	vip.BindEnv("verification.password_reset_code_ttl_min", "VERIFICATION_PASSWORD_RESET_CODE_TTL_MIN")
	vip.BindEnv("verification.idempotency_ttl_min", "VERIFICATION_IDEMPOTENCY_TTL_MIN")

	vip.BindEnv("server.port", "SERVER_PORT")
	vip.BindEnv("server.readtimeout", "SERVER_READ_TIMEOUT")
	vip.BindEnv("server.writetimeout", "SERVER_WRITE_TIMEOUT")

	// Пытаемся прочитать файл конфигурации (не страшно, если его нет, т.к. есть BindEnv)
	if configPath != "" {
		vip.SetConfigFile(configPath)
		if err := vip.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); ok {
				log.Printf("Файл конфигурации '%s' не найден, используются переменные окружения/умолчания.", configPath)
			} else {
				log.Printf("Предупреждение: не удалось прочитать файл конфигурации '%s': %v", configPath, err)
			}
		}
	}

	var cfg Config
	if err := vip.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Логирование конфигурации (только в debug режиме)
	if os.Getenv("GIN_MODE") != "release" {
		log.Printf("--- Загруженные значения конфигурации ---")
		log.Printf("Database Host: %s", cfg.Database.Host)
		log.Printf("Database Name: %s", cfg.Database.DBName)
		log.Printf("Redis Addr: %s", cfg.Redis.Addr)
		log.Printf("Email Provider: %s", cfg.Email.Provider)
		log.Printf("Verification Code TTL (min): %d", cfg.Verification.CodeTTLMin)
		log.Printf("Password Reset Code TTL (min): %d", cfg.Verification.PasswordResetCodeTTLMin)
		log.Printf("Resend Cooldown (sec): %d", cfg.Verification.ResendCooldownSec)
		log.Printf("Max Attempts: %d", cfg.Verification.MaxAttempts)
		log.Printf("Flow Token Secret Set: %t", cfg.FlowToken.Secret != "")
		log.Printf("Server Port: %s", cfg.Server.Port)
		log.Printf("-----------------------------------------")
	}

	// Проверка обязательных параметров
	if cfg.FlowToken.Secret == "" {
		return nil, fmt.Errorf("flow token secret is required in config (check FLOW_TOKEN_SECRET env var)")
	}
	if cfg.Verification.CodePepper == "" {
		return nil, fmt.Errorf("verification code pepper is required in config (check VERIFICATION_CODE_PEPPER env var)")
	}
	if cfg.Database.Host == "" || cfg.Database.DBName == "" || cfg.Database.User == "" {
		return nil, fmt.Errorf("database configuration (host, dbname, user) is incomplete in config (check DATABASE_HOST, DATABASE_DBNAME, DATABASE_USER env vars)")
	}
	if cfg.Email.Provider == "resend" && cfg.Email.APIKey == "" {
		return nil, fmt.Errorf("email api key is required for the resend provider (check EMAIL_API_KEY env var)")
	}

	return &cfg, nil
}
