package config

import "time"

const (
	ProviderStripe = "stripe"
	ProviderHTTP   = "http"
)

type Config struct {
	MinimumCents    int64         `mapstructure:"minimum_cents" validate:"min=1"`
	Currency        string        `mapstructure:"currency" validate:"required,len=3"`
	Workers         int           `mapstructure:"workers" validate:"min=1"`
	SweepAfter      time.Duration `mapstructure:"sweep_after" validate:"required,gtfield=GatewayTimeout"`
	GatewayTimeout  time.Duration `mapstructure:"gateway_timeout" validate:"required"`
	AccountCacheTTL time.Duration `mapstructure:"account_cache_ttl"`
	Gateway         GatewayConfig `mapstructure:"gateway"`
}

type GatewayConfig struct {
	Provider        string `mapstructure:"provider" validate:"required,oneof=stripe http"`
	StripeSecretKey string `mapstructure:"stripe_secret_key" validate:"required_if=Provider stripe"`
	HTTPBaseURL     string `mapstructure:"http_base_url" validate:"required_if=Provider http"`
	HTTPToken       string `mapstructure:"http_token"`
}
