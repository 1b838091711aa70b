/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	SettlementEventExchange string `mapstructure:"SETTLEMENT_EVENT_EXCHANGE"`
	ClaimSubmissionQueue    string `mapstructure:"CLAIM_SUBMISSION_QUEUE"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix    string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	ClaimRateLimitPerMinute int    `mapstructure:"CLAIM_RATE_LIMIT_PER_MINUTE"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
	TokenSigningSeed        string `mapstructure:"TOKEN_SIGNING_SEED"`
	DefaultCurrency         string `mapstructure:"DEFAULT_CURRENCY"`
	DefaultTokenTTLHours    int    `mapstructure:"DEFAULT_TOKEN_TTL_HOURS"`
	MaxTokenAmountSen       int64  `mapstructure:"MAX_TOKEN_AMOUNT_SEN"`
	SettleRetryAttempts     int    `mapstructure:"SETTLE_RETRY_ATTEMPTS"`
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
	viper.SetDefault("SETTLEMENT_EVENT_EXCHANGE", "settlement_events")
	viper.SetDefault("CLAIM_SUBMISSION_QUEUE", "settlement_service.claim_submissions")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "pinkpay:rate_limit")
	viper.SetDefault("CLAIM_RATE_LIMIT_PER_MINUTE", 60)
	viper.SetDefault("DEFAULT_CURRENCY", "MYR")
	viper.SetDefault("DEFAULT_TOKEN_TTL_HOURS", 72)
	viper.SetDefault("MAX_TOKEN_AMOUNT_SEN", 0)
	viper.SetDefault("SETTLE_RETRY_ATTEMPTS", 3)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("SETTLEMENT_EVENT_EXCHANGE")
	_ = viper.BindEnv("CLAIM_SUBMISSION_QUEUE")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("CLAIM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "SETTLEMENT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("TOKEN_SIGNING_SEED")
	_ = viper.BindEnv("DEFAULT_CURRENCY")
	_ = viper.BindEnv("DEFAULT_TOKEN_TTL_HOURS")
	_ = viper.BindEnv("MAX_TOKEN_AMOUNT_SEN")
	_ = viper.BindEnv("SETTLE_RETRY_ATTEMPTS")

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

	return config, nil
}
