package config

import "time"

// Интервалы фоновых заданий, 0 - задание выключено
type Config struct {
	AttributeInterval time.Duration `mapstructure:"attribute_interval"`
	PayoutInterval    time.Duration `mapstructure:"payout_interval"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`
}
