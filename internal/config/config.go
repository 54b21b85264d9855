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

// Config holds all the configuration variables for the payout-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                   string `mapstructure:"SERVER_PORT"`
	DatabaseURL                  string `mapstructure:"DATABASE_URL"`
	RedisURL                     string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix         string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL                  string `mapstructure:"RABBITMQ_URL"`
	PayoutEventExchange          string `mapstructure:"PAYOUT_EVENT_EXCHANGE"`
	ProcessorAPIBaseURL          string `mapstructure:"PROCESSOR_API_BASE_URL"`
	ProcessorAPIKey              string `mapstructure:"PROCESSOR_API_KEY"`
	ProcessorTimeoutSeconds      int    `mapstructure:"PROCESSOR_TIMEOUT_SECONDS"`
	JWKSURL                      string `mapstructure:"JWKS_URL"`
	InternalAPIKey               string `mapstructure:"INTERNAL_API_KEY"`
	Currency                     string `mapstructure:"CURRENCY"`
	PayoutRequestRateLimitPerMin int    `mapstructure:"PAYOUT_REQUEST_RATE_LIMIT_PER_MINUTE"`
	TransferMaxAttempts          int    `mapstructure:"TRANSFER_MAX_ATTEMPTS"`
	TransferRetryBaseMs          int    `mapstructure:"TRANSFER_RETRY_BASE_MS"`
	StuckPendingThresholdMin     int    `mapstructure:"STUCK_PENDING_THRESHOLD_MINUTES"`
	ReconcileLookbackHours       int    `mapstructure:"RECONCILE_LOOKBACK_HOURS"`
	ReconcileSchedule            string `mapstructure:"RECONCILE_SCHEDULE"`
	OverrideMaxAmountCents       int64  `mapstructure:"OVERRIDE_MAX_AMOUNT_CENTS"`
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
	viper.SetDefault("SERVER_PORT", "8084")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "taskilo:rate_limit")
	viper.SetDefault("PAYOUT_EVENT_EXCHANGE", "payout_events")
	viper.SetDefault("PROCESSOR_TIMEOUT_SECONDS", 30)
	viper.SetDefault("CURRENCY", "EUR") // settlement is EUR-only
	viper.SetDefault("PAYOUT_REQUEST_RATE_LIMIT_PER_MINUTE", 10)
	viper.SetDefault("TRANSFER_MAX_ATTEMPTS", 3)
	viper.SetDefault("TRANSFER_RETRY_BASE_MS", 200)
	viper.SetDefault("STUCK_PENDING_THRESHOLD_MINUTES", 120)
	viper.SetDefault("RECONCILE_LOOKBACK_HOURS", 72)
	viper.SetDefault("RECONCILE_SCHEDULE", "0 */6 * * *")
	viper.SetDefault("OVERRIDE_MAX_AMOUNT_CENTS", 500000)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PAYOUT_EVENT_EXCHANGE")
	_ = viper.BindEnv("PROCESSOR_API_BASE_URL")
	_ = viper.BindEnv("PROCESSOR_API_KEY")
	_ = viper.BindEnv("PROCESSOR_TIMEOUT_SECONDS")
	_ = viper.BindEnv("JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "PAYOUT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CURRENCY")
	_ = viper.BindEnv("PAYOUT_REQUEST_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("TRANSFER_MAX_ATTEMPTS")
	_ = viper.BindEnv("TRANSFER_RETRY_BASE_MS")
	_ = viper.BindEnv("STUCK_PENDING_THRESHOLD_MINUTES")
	_ = viper.BindEnv("RECONCILE_LOOKBACK_HOURS")
	_ = viper.BindEnv("RECONCILE_SCHEDULE")
	_ = viper.BindEnv("OVERRIDE_MAX_AMOUNT_CENTS")

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
		return Config{}, err
	}

	return config, nil
}
