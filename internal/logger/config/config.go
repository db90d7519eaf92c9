package config

type Config struct {
	LogLevel string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}
