/**
 * @description
 * This package handles the configuration management for the service. It uses
 * the Viper library to read configuration from environment variables,
 * providing a centralized and straightforward way to manage application
 * settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for rnr-pay. These values are
// loaded from environment variables.
type Config struct {
	ServerPort           string `mapstructure:"SERVER_PORT"`
	DatabaseURL          string `mapstructure:"DATABASE_URL"`
	RedisURL             string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	TicketEventQueue     string `mapstructure:"TICKET_EVENT_QUEUE"`

	DarajaBaseURL        string `mapstructure:"DARAJA_BASE_URL"`
	DarajaConsumerKey    string `mapstructure:"DARAJA_CONSUMER_KEY"`
	DarajaConsumerSecret string `mapstructure:"DARAJA_CONSUMER_SECRET"`
	DarajaShortCode      string `mapstructure:"DARAJA_SHORT_CODE"`
	DarajaPasskey        string `mapstructure:"DARAJA_PASSKEY"`
	DarajaCallbackURL    string `mapstructure:"DARAJA_CALLBACK_URL"`

	MailerAPIURL      string `mapstructure:"MAILER_API_URL"`
	MailerAPIKey      string `mapstructure:"MAILER_API_KEY"`
	MailerFromAddress string `mapstructure:"MAILER_FROM_ADDRESS"`

	StatusPageBaseURL string `mapstructure:"STATUS_PAGE_BASE_URL"`
	InternalAPIKey    string `mapstructure:"INTERNAL_API_KEY"`

	PollRateLimitPerMinute   int    `mapstructure:"POLL_RATE_LIMIT_PER_MINUTE"`
	ConfirmDeadlineSeconds   int    `mapstructure:"CONFIRM_DEADLINE_SECONDS"`
	ConfirmRedirectDelaySecs int    `mapstructure:"CONFIRM_REDIRECT_DELAY_SECONDS"`
	SweepSchedule            string `mapstructure:"SWEEP_SCHEDULE"`
	SweepStaleAfterSeconds   int    `mapstructure:"SWEEP_STALE_AFTER_SECONDS"`
	SweepBatchSize           int    `mapstructure:"SWEEP_BATCH_SIZE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("TICKET_EVENT_QUEUE", "rnr_pay.ticket_updates")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "rnrpay:rate_limit")
	viper.SetDefault("DARAJA_BASE_URL", "https://sandbox.safaricom.co.ke")
	viper.SetDefault("MAILER_API_URL", "https://api.resend.com/emails")
	viper.SetDefault("MAILER_FROM_ADDRESS", "receipts@rnr-pay.co.ke")
	viper.SetDefault("STATUS_PAGE_BASE_URL", "https://pay.rnr.co.ke")
	viper.SetDefault("POLL_RATE_LIMIT_PER_MINUTE", 6)
	viper.SetDefault("CONFIRM_DEADLINE_SECONDS", 20)
	viper.SetDefault("CONFIRM_REDIRECT_DELAY_SECONDS", 3)
	viper.SetDefault("SWEEP_SCHEDULE", "@every 1m")
	viper.SetDefault("SWEEP_STALE_AFTER_SECONDS", 120)
	viper.SetDefault("SWEEP_BATCH_SIZE", 50)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("TICKET_EVENT_QUEUE")
	_ = viper.BindEnv("DARAJA_BASE_URL")
	_ = viper.BindEnv("DARAJA_CONSUMER_KEY")
	_ = viper.BindEnv("DARAJA_CONSUMER_SECRET")
	_ = viper.BindEnv("DARAJA_SHORT_CODE")
	_ = viper.BindEnv("DARAJA_PASSKEY")
	_ = viper.BindEnv("DARAJA_CALLBACK_URL")
	_ = viper.BindEnv("MAILER_API_URL")
	_ = viper.BindEnv("MAILER_API_KEY", "MAILER_API_KEY", "RESEND_API_KEY")
	_ = viper.BindEnv("MAILER_FROM_ADDRESS")
	_ = viper.BindEnv("STATUS_PAGE_BASE_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "RNR_PAY_INTERNAL_API_KEY")
	_ = viper.BindEnv("POLL_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("CONFIRM_DEADLINE_SECONDS")
	_ = viper.BindEnv("CONFIRM_REDIRECT_DELAY_SECONDS")
	_ = viper.BindEnv("SWEEP_SCHEDULE")
	_ = viper.BindEnv("SWEEP_STALE_AFTER_SECONDS")
	_ = viper.BindEnv("SWEEP_BATCH_SIZE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	if strings.TrimSpace(config.InternalAPIKey) == "" {
		config.InternalAPIKey = strings.TrimSpace(os.Getenv("RNR_PAY_INTERNAL_API_KEY"))
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "rnrpay:rate_limit"
	}
	config.StatusPageBaseURL = strings.TrimRight(strings.TrimSpace(config.StatusPageBaseURL), "/")

	if config.PollRateLimitPerMinute <= 0 {
		config.PollRateLimitPerMinute = 6
	}
	if config.ConfirmDeadlineSeconds <= 0 {
		config.ConfirmDeadlineSeconds = 20
	}
	if config.ConfirmRedirectDelaySecs <= 0 {
		config.ConfirmRedirectDelaySecs = 3
	}
	if strings.TrimSpace(config.SweepSchedule) == "" {
		config.SweepSchedule = "@every 1m"
	}
	if config.SweepStaleAfterSeconds <= 0 {
		config.SweepStaleAfterSeconds = 120
	}
	if config.SweepBatchSize <= 0 {
		config.SweepBatchSize = 50
	}

	return
}
