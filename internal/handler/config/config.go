package config

import "time"

type Config struct {
	ServerAddr      string        `mapstructure:"server_addr" validate:"required"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
}
