package config

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	accountConfig "github.com/iurnickita/artistledger/internal/account/config"
	attributionConfig "github.com/iurnickita/artistledger/internal/attribution/config"
	authConfig "github.com/iurnickita/artistledger/internal/auth/config"
	handlerConfig "github.com/iurnickita/artistledger/internal/handler/config"
	loggerConfig "github.com/iurnickita/artistledger/internal/logger/config"
	payoutConfig "github.com/iurnickita/artistledger/internal/payout/config"
	serviceConfig "github.com/iurnickita/artistledger/internal/service/config"
	storeConfig "github.com/iurnickita/artistledger/internal/store/config"
)

const envPrefix = "ARTISTLEDGER"

type Config struct {
	Handler     handlerConfig.Config     `mapstructure:"handler"`
	Service     serviceConfig.Config     `mapstructure:"jobs"`
	Store       storeConfig.Config       `mapstructure:"store"`
	Logger      loggerConfig.Config      `mapstructure:"log"`
	Auth        authConfig.Config        `mapstructure:"auth"`
	Attribution attributionConfig.Config `mapstructure:"attribution"`
	Payout      payoutConfig.Config      `mapstructure:"payout"`
	Account     accountConfig.Config     `mapstructure:"account"`
}

// Значения по умолчанию. Ключ должен быть здесь, чтобы его можно было
// задать переменной окружения
var defaults = map[string]any{
	"handler.server_addr":      ":8080",
	"handler.shutdown_timeout": 10 * time.Second,
	"handler.max_body_bytes":   1 << 16,

	"jobs.attribute_interval": time.Hour,
	"jobs.payout_interval":    24 * time.Hour,
	"jobs.sweep_interval":     15 * time.Minute,

	"store.driver":          storeConfig.DriverPostgres,
	"store.dsn":             "",
	"store.connect_timeout": 30 * time.Second,
	"store.max_open_conns":  10,

	"log.level": "info",

	"auth.secret":    "",
	"auth.issuer":    "artistledger",
	"auth.token_ttl": 24 * time.Hour,

	"attribution.artist_share": "0.70",
	"attribution.workers":      8,

	"payout.minimum_cents":             1000,
	"payout.currency":                  "usd",
	"payout.workers":                   4,
	"payout.sweep_after":               time.Hour,
	"payout.gateway_timeout":           30 * time.Second,
	"payout.account_cache_ttl":         time.Minute,
	"payout.gateway.provider":          payoutConfig.ProviderStripe,
	"payout.gateway.stripe_secret_key": "",
	"payout.gateway.http_base_url":     "",
	"payout.gateway.http_token":        "",

	"account.stripe_webhook_secret": "",
}

// GetConfig reads the YAML file at path (or artistledger.yaml from the usual
// places when path is empty), applies ARTISTLEDGER_* environment variables
// and validates the result.
func GetConfig(path string) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("artistledger")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/artistledger")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// без файла работаем на значениях по умолчанию и окружении
		if path != "" || !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	validate := validator.New()
	return validate.Struct(c)
}
