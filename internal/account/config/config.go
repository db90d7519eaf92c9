package config

type Config struct {
	StripeWebhookSecret string `mapstructure:"stripe_webhook_secret"`
}
