package config

import "time"

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Driver         string        `mapstructure:"driver" validate:"required,oneof=postgres memory"`
	DBDsn          string        `mapstructure:"dsn" validate:"required_if=Driver postgres"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	MaxOpenConns   int           `mapstructure:"max_open_conns"`
}
