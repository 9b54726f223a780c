/**
 * @description
 * This package handles configuration management for the action processor.
 * It uses the Viper library to read configuration from environment
 * variables (with an optional .env file), providing a centralized and
 * straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort     string `mapstructure:"SERVER_PORT"`
	DatabaseURL    string `mapstructure:"DATABASE_URL"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	InternalAPIKey string `mapstructure:"INTERNAL_API_KEY"`

	RabbitMQURL  string `mapstructure:"RABBITMQ_URL"`
	ExchangeName string `mapstructure:"EXCHANGE_NAME"`
	ServiceName  string `mapstructure:"SERVICE_NAME"`
	DepositQueue string `mapstructure:"DEPOSIT_QUEUE"`

	NemNodeURL      string `mapstructure:"NEM_NODE_URL"`
	NemNetwork      string `mapstructure:"NEM_NETWORK"`
	NemPrivateKey   string `mapstructure:"NEM_PRIVATE_KEY"`
	MosaicNamespace string `mapstructure:"MOSAIC_NAMESPACE"`
	MosaicName      string `mapstructure:"MOSAIC_NAME"`

	SettlementIntervalSeconds int `mapstructure:"SETTLEMENT_INTERVAL_SECONDS"`
	SettlingStaleAfterSeconds int `mapstructure:"SETTLING_STALE_AFTER_SECONDS"`
	MaxInFlightTransfers      int `mapstructure:"MAX_IN_FLIGHT_TRANSFERS"`
	DedupeCacheTTLSeconds     int `mapstructure:"DEDUPE_CACHE_TTL_SECONDS"`
}

// DepositRoutingKey returns the topic routing key the block parser uses
// when publishing deposit events for this service.
func (c Config) DepositRoutingKey() string {
	return fmt.Sprintf("%s_chrono_sc.deposit", c.ServiceName)
}

// SettlementSchedule returns the cron spec for the settlement tick.
func (c Config) SettlementSchedule() string {
	return fmt.Sprintf("@every %ds", c.SettlementIntervalSeconds)
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
	viper.SetDefault("EXCHANGE_NAME", "events")
	viper.SetDefault("SERVICE_NAME", "eth")
	viper.SetDefault("DEPOSIT_QUEUE", "nem_action_processor.deposits")
	viper.SetDefault("NEM_NETWORK", "testnet")
	viper.SetDefault("MOSAIC_NAMESPACE", "cb")
	viper.SetDefault("MOSAIC_NAME", "minutes")
	viper.SetDefault("SETTLEMENT_INTERVAL_SECONDS", 60)
	viper.SetDefault("SETTLING_STALE_AFTER_SECONDS", 600)
	viper.SetDefault("MAX_IN_FLIGHT_TRANSFERS", 8)
	viper.SetDefault("DEDUPE_CACHE_TTL_SECONDS", 3600)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("EXCHANGE_NAME")
	_ = viper.BindEnv("SERVICE_NAME")
	_ = viper.BindEnv("DEPOSIT_QUEUE")
	_ = viper.BindEnv("NEM_NODE_URL")
	_ = viper.BindEnv("NEM_NETWORK")
	_ = viper.BindEnv("NEM_PRIVATE_KEY")
	_ = viper.BindEnv("MOSAIC_NAMESPACE")
	_ = viper.BindEnv("MOSAIC_NAME")
	_ = viper.BindEnv("SETTLEMENT_INTERVAL_SECONDS")
	_ = viper.BindEnv("SETTLING_STALE_AFTER_SECONDS")
	_ = viper.BindEnv("MAX_IN_FLIGHT_TRANSFERS")
	_ = viper.BindEnv("DEDUPE_CACHE_TTL_SECONDS")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
		err = nil
	}

	// Unmarshal the configuration into the Config struct.
	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	if config.SettlementIntervalSeconds <= 0 {
		config.SettlementIntervalSeconds = 60
	}
	if config.SettlingStaleAfterSeconds <= 0 {
		config.SettlingStaleAfterSeconds = 600
	}
	if config.MaxInFlightTransfers <= 0 {
		config.MaxInFlightTransfers = 8
	}
	if config.DedupeCacheTTLSeconds <= 0 {
		config.DedupeCacheTTLSeconds = 3600
	}
	config.ServiceName = strings.TrimSpace(config.ServiceName)
	if config.ServiceName == "" {
		config.ServiceName = "eth"
	}

	return
}
