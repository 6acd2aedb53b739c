package config

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Zabbix   ZabbixConfig   `mapstructure:"zabbix"`
	Database DatabaseConfig `mapstructure:"database"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// ServerConfig holds the HTTP server configuration
type ServerConfig struct {
	Port            string `mapstructure:"port"`
	AllowedOrigins  string `mapstructure:"allowedOrigins"`
	ShutdownTimeout int    `mapstructure:"shutdownTimeout"`
}

// ZabbixConfig holds the Zabbix API connection configuration
type ZabbixConfig struct {
	URL            string `mapstructure:"url"`
	Username       string `mapstructure:"username"`
	Password       string `mapstructure:"password"`
	TimeoutSeconds int    `mapstructure:"timeoutSeconds"`
}

// Timeout returns the per-call Zabbix API timeout.
func (c ZabbixConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DatabaseConfig holds the SQLite database configuration
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PollerConfig holds the ingestion cycle configuration
type PollerConfig struct {
	IntervalSeconds   int `mapstructure:"intervalSeconds"`
	FailureThreshold  int `mapstructure:"failureThreshold"`
	BackoffInitialSec int `mapstructure:"backoffInitialSeconds"`
	BackoffMaxSec     int `mapstructure:"backoffMaxSeconds"`
	RetentionDays     int `mapstructure:"retentionDays"`
}

// Interval returns the poll interval.
func (c PollerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// TelegramConfig holds the optional Telegram notification configuration.
// Notifications are disabled when Token or ChatIDs is empty.
type TelegramConfig struct {
	Token   string `mapstructure:"token"`
	ChatIDs string `mapstructure:"chatIds"` // comma-separated
}

// LoadConfig loads the application configuration from file or environment variables
func LoadConfig(configPath string) (*Config, error) {
	var config Config

	// Set default values
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.allowedOrigins", "*")
	viper.SetDefault("server.shutdownTimeout", 10)
	viper.SetDefault("zabbix.url", "http://localhost:8080/api_jsonrpc.php")
	viper.SetDefault("zabbix.username", "Admin")
	viper.SetDefault("zabbix.password", "zabbix")
	viper.SetDefault("zabbix.timeoutSeconds", 10)
	viper.SetDefault("database.path", "alerts.db")
	viper.SetDefault("poller.intervalSeconds", 5)
	viper.SetDefault("poller.failureThreshold", 3)
	viper.SetDefault("poller.backoffInitialSeconds", 1)
	viper.SetDefault("poller.backoffMaxSeconds", 300)
	viper.SetDefault("poller.retentionDays", 30)

	// Allow environment variables to override config file
	viper.SetEnvPrefix("ZBX_GATEWAY")
	viper.AutomaticEnv()

	// If config file is provided, read it
	if configPath != "" {
		viper.SetConfigFile(configPath)
		if err := viper.ReadInConfig(); err != nil {
			logrus.Warnf("Error reading config file: %v", err)
		}
	}

	// Unmarshal config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
