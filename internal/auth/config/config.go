package config

import "time"

type Config struct {
	Secret   string        `mapstructure:"secret" validate:"required,min=16"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}
