// Copyright (c) 2023-2026 Medica Movil
//
// Licensed under GPL-2.0 with Medica Movil Additional Terms.
// See LICENSE.md or contact sales@medicamovil.health for commercial usage.

package config

import (
	"log"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/medicamovil/pkg/connectors"
)

// CallConfig carries the tunables of the real-time call core. Zero values
// fall back to the defaults set in setDefault.
type CallConfig struct {
	ICEServers         []string `mapstructure:"ice_servers"`
	AnswerTimeoutSec   int      `mapstructure:"answer_timeout_sec" validate:"required"`
	ConnectTimeoutSec  int      `mapstructure:"connect_timeout_sec" validate:"required"`
	StartCallPerMinute int      `mapstructure:"start_call_per_minute" validate:"required"`
	AnswerPerMinute    int      `mapstructure:"answer_per_minute" validate:"required"`
	SignalPerMinute    int      `mapstructure:"signal_per_minute" validate:"required"`
}

// Application config structure
type AppConfig struct {
	Name        string `mapstructure:"service_name" validate:"required"`
	Version     string `mapstructure:"version" validate:"required"`
	Secret      string `mapstructure:"secret" validate:"required"`
	Host        string `mapstructure:"host" validate:"required"`
	Port        int    `mapstructure:"port" validate:"required"`
	LogLevel    string `mapstructure:"log_level" validate:"required"`
	Environment string `mapstructure:"environment"`

	AllowedOrigins string `mapstructure:"allowed_origins"`

	PostgresConfig connectors.PostgresConfig `mapstructure:"postgres" validate:"required"`
	RedisConfig    connectors.RedisConfig    `mapstructure:"redis" validate:"required"`
	Call           CallConfig                `mapstructure:"call" validate:"required"`
}

// Origins returns the configured CORS origins as a slice.
func (c *AppConfig) Origins() []string {
	return strings.Split(c.AllowedOrigins, ",")
}

// reading config and initializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	v.SetDefault("SERVICE_NAME", "call-api")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9090)
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")

	v.SetDefault("POSTGRES__HOST", "localhost")
	v.SetDefault("POSTGRES__PORT", 5432)
	v.SetDefault("POSTGRES__DB_NAME", "medicamovil")
	v.SetDefault("POSTGRES__USER", "medicamovil")
	v.SetDefault("POSTGRES__PASSWORD", "")
	v.SetDefault("POSTGRES__SSL_MODE", "disable")
	v.SetDefault("POSTGRES__MAX_OPEN_CONNECTION", 10)
	v.SetDefault("POSTGRES__MAX_IDLE_CONNECTION", 10)

	v.SetDefault("REDIS__HOST", "localhost")
	v.SetDefault("REDIS__PORT", 6379)
	v.SetDefault("REDIS__PASSWORD", "")
	v.SetDefault("REDIS__DB", 0)

	v.SetDefault("CALL__ICE_SERVERS", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("CALL__ANSWER_TIMEOUT_SEC", 45)
	v.SetDefault("CALL__CONNECT_TIMEOUT_SEC", 30)
	v.SetDefault("CALL__START_CALL_PER_MINUTE", 5)
	v.SetDefault("CALL__ANSWER_PER_MINUTE", 10)
	v.SetDefault("CALL__SIGNAL_PER_MINUTE", 100)
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	validate := validator.New()
	if err := validate.Struct(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
