package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                   = "WORDSYNC"
	defaultHTTPAddress          = "127.0.0.1:8787"
	defaultDatabasePath         = "wordsync.db"
	defaultLogLevel             = "info"
	defaultLogMaxSizeMB         = 50
	defaultLogMaxBackups        = 3
	defaultAutoSyncInterval     = 5 * time.Minute
	defaultOperationRetention   = 7 * 24 * time.Hour
	defaultRemoteTimeout        = 30 * time.Second
	defaultCloudHTTPAddress     = "0.0.0.0:8080"
	defaultCloudDatabasePath    = "wordsync-cloud.db"
	defaultCloudTokenTTL        = 30 * 24 * time.Hour
	defaultCloudTokenIssuer     = "wordsync-cloud"
	defaultCloudTokenAudience   = "wordsync-device"
	minimumAutoSyncInterval     = 10 * time.Second
	minimumCloudSigningKeyBytes = 16
)

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// ClientConfig captures runtime configuration for the on-device sync client.
type ClientConfig struct {
	DatabasePath       string
	RemoteURL          string
	RemoteToken        string
	RemoteTimeout      time.Duration
	HTTPAddress        string
	AllowedOrigins     []string
	AutoSyncInterval   time.Duration
	OperationRetention time.Duration
	MetricsEnabled     bool
	Log                LogConfig
}

// CloudConfig captures runtime configuration for the cloud record service.
type CloudConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
	Log           LogConfig
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("remote.url", "")
	configViper.SetDefault("remote.token", "")
	configViper.SetDefault("remote.timeout", defaultRemoteTimeout)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("sync.auto_interval", defaultAutoSyncInterval)
	configViper.SetDefault("sync.operation_retention", defaultOperationRetention)
	configViper.SetDefault("metrics.enabled", true)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.file", "")
	configViper.SetDefault("log.max_size_mb", defaultLogMaxSizeMB)
	configViper.SetDefault("log.max_backups", defaultLogMaxBackups)

	configViper.SetDefault("cloud.http_address", defaultCloudHTTPAddress)
	configViper.SetDefault("cloud.database_path", defaultCloudDatabasePath)
	configViper.SetDefault("cloud.signing_secret", "")
	configViper.SetDefault("cloud.token_issuer", defaultCloudTokenIssuer)
	configViper.SetDefault("cloud.token_audience", defaultCloudTokenAudience)
	configViper.SetDefault("cloud.token_ttl", defaultCloudTokenTTL)
}

// LoadClient parses the client configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		DatabasePath:       configViper.GetString("database.path"),
		RemoteURL:          configViper.GetString("remote.url"),
		RemoteToken:        configViper.GetString("remote.token"),
		RemoteTimeout:      configViper.GetDuration("remote.timeout"),
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     configViper.GetStringSlice("http.allowed_origins"),
		AutoSyncInterval:   configViper.GetDuration("sync.auto_interval"),
		OperationRetention: configViper.GetDuration("sync.operation_retention"),
		MetricsEnabled:     configViper.GetBool("metrics.enabled"),
		Log:                loadLog(configViper),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}

	return cfg, nil
}

// LoadCloud parses the cloud service configuration from viper.
func LoadCloud(configViper *viper.Viper) (CloudConfig, error) {
	cfg := CloudConfig{
		HTTPAddress:   configViper.GetString("cloud.http_address"),
		DatabasePath:  configViper.GetString("cloud.database_path"),
		SigningSecret: configViper.GetString("cloud.signing_secret"),
		TokenIssuer:   configViper.GetString("cloud.token_issuer"),
		TokenAudience: configViper.GetString("cloud.token_audience"),
		TokenTTL:      configViper.GetDuration("cloud.token_ttl"),
		Log:           loadLog(configViper),
	}

	if err := cfg.validate(); err != nil {
		return CloudConfig{}, err
	}

	return cfg, nil
}

func loadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level:      configViper.GetString("log.level"),
		File:       configViper.GetString("log.file"),
		MaxSizeMB:  configViper.GetInt("log.max_size_mb"),
		MaxBackups: configViper.GetInt("log.max_backups"),
	}
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteURL) == "" {
		return fmt.Errorf("remote.url is required")
	}
	if c.RemoteTimeout <= 0 {
		return fmt.Errorf("remote.timeout must be positive")
	}
	if c.AutoSyncInterval < minimumAutoSyncInterval {
		return fmt.Errorf("sync.auto_interval must be at least %s", minimumAutoSyncInterval)
	}
	if c.OperationRetention <= 0 {
		return fmt.Errorf("sync.operation_retention must be positive")
	}
	return c.Log.validate()
}

func (c CloudConfig) validate() error {
	if len(strings.TrimSpace(c.SigningSecret)) < minimumCloudSigningKeyBytes {
		return fmt.Errorf("cloud.signing_secret must be at least %d bytes", minimumCloudSigningKeyBytes)
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("cloud.database_path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("cloud.token_ttl must be positive")
	}
	return c.Log.validate()
}

func (c LogConfig) validate() error {
	if strings.TrimSpace(c.File) == "" {
		return nil
	}
	if c.MaxSizeMB <= 0 {
		return fmt.Errorf("log.max_size_mb must be positive when log.file is set")
	}
	if c.MaxBackups < 0 {
		return fmt.Errorf("log.max_backups must not be negative")
	}
	return nil
}
