package config

type Config struct {
	// Доля артистов от оплаты подписчика, десятичная строка ("0.70")
	ArtistShare string `mapstructure:"artist_share" validate:"required,numeric"`
	Workers     int    `mapstructure:"workers" validate:"min=1"`
}
