package config

import (
	"encoding/hex"
	"fmt"
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервиса. Значение собирается один
// раз при старте и передаётся компонентам явно.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`

	Telegram struct {
		Token   string `envconfig:"TG_BOT_TOKEN"`
		APIID   int    `envconfig:"TG_API_ID"`
		APIHash string `envconfig:"TG_API_HASH"`
	} `envconfig:""`

	Server struct {
		URL  string `envconfig:"SERVER_URL"`
		Port int    `envconfig:"SERVER_PORT" default:"8080"`
	} `envconfig:""`

	Signin struct {
		Widget bool `envconfig:"SIGNIN_WIDGET" default:"true"`
		Link   bool `envconfig:"SIGNIN_LINK" default:"true"`
	} `envconfig:""`

	Retention struct {
		Days int `envconfig:"RETENTION_DAYS" default:"0"`
	} `envconfig:""`

	// DataKey — hex-кодированный 32-байтовый ключ шифрования полей.
	// Пустое значение переводит хранилище в деградированный режим.
	DataKey string `envconfig:"DATA_KEY"`

	PGDSN string `envconfig:"PG_DSN"`

	MetricsPort int `envconfig:"METRICS_PORT" default:"9090"`
}

// Load загружает конфиг из окружения и валидирует обязательные секреты.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("некорректный конфиг: %v", err)
	}
	return cfg
}

// Validate проверяет обязательные поля до открытия слушателей.
func (c AppConfig) Validate() error {
	if c.Telegram.Token == "" {
		return fmt.Errorf("TG_BOT_TOKEN не задан")
	}
	if c.PGDSN == "" {
		return fmt.Errorf("PG_DSN не задан")
	}
	if c.Server.URL == "" {
		return fmt.Errorf("SERVER_URL не задан")
	}
	if c.Signin.Widget && (c.Telegram.APIID == 0 || c.Telegram.APIHash == "") {
		return fmt.Errorf("для входа через виджет нужны TG_API_ID и TG_API_HASH")
	}
	if _, err := c.EncryptionKey(); err != nil {
		return err
	}
	return nil
}

// EncryptionKey декодирует DATA_KEY. Пустой ключ допустим.
func (c AppConfig) EncryptionKey() ([]byte, error) {
	if c.DataKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.DataKey)
	if err != nil {
		return nil, fmt.Errorf("DATA_KEY не является hex-строкой: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("DATA_KEY должен быть 32 байта, получено %d", len(key))
	}
	return key, nil
}
